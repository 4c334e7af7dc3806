package vector

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/log"
	"github.com/wgdzlh/rvpipe/utils"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

const (
	fileExtShp = ".shp"
	fileExtCpg = ".cpg"
)

// OGROptions configures an OGRSource.
type OGROptions struct {
	// Srid the features are reprojected to before the pixel mapping.
	// It must match the map CRS of the raster transformer. Default geo.UNIVERSAL_SRID.
	Srid int
	// Projection, a WKT string, replaces Srid as the target when set.
	Projection string
	Srs        *geo.SrsCache
	// Encoding of a shapefile dbf; empty reads the .cpg sidecar, and a missing or
	// non UTF-8 code page is treated as GBK.
	Encoding     string
	Layer        int
	Transformers []Transformer
}

// OGRSource reads any vector format GDAL/OGR can open (Shapefile, GeoPackage, KML...).
type OGRSource struct {
	cachedSource
	uri    string
	logTag string
}

var _ Source = (*OGRSource)(nil)

func NewOGRSource(fs fileio.FS, uri string, crs geo.CRSTransformer, opts OGROptions) *OGRSource {
	s := &OGRSource{uri: uri, logTag: "OGRSource:"}
	s.cachedSource = cachedSource{
		crs:          crs,
		transformers: opts.Transformers,
		name:         uri,
		load: func(ctx context.Context) ([]*geojson.Feature, error) {
			path, err := fs.LocalPath(ctx, uri)
			if err != nil {
				return nil, err
			}
			return s.read(ctx, path, opts)
		},
	}
	return s
}

func (s *OGRSource) URI() string { return s.uri }

func shapeEncoding(path, enc string) string {
	if enc != "" || !strings.HasSuffix(strings.ToLower(path), fileExtShp) {
		return enc
	}
	cpg, err := os.ReadFile(path[:len(path)-len(fileExtShp)] + fileExtCpg)
	if err == nil && utils.IsUtf8Encoding(string(cpg)) && len(strings.TrimSpace(string(cpg))) > 0 {
		return utils.ENC_UTF8
	}
	return utils.ENC_GBK
}

func (s *OGRSource) read(ctx context.Context, path string, opts OGROptions) (ret []*geojson.Feature, err error) {
	geo.RegisterDrivers()
	openOpts := []godal.OpenOption{godal.VectorOnly()}
	if enc := shapeEncoding(path, opts.Encoding); enc != "" && !utils.IsUtf8Encoding(enc) {
		openOpts = append(openOpts, godal.DriverOpenOption("ENCODING="+enc))
	}
	ds, err := godal.Open(path, openOpts...)
	if err != nil {
		log.Error(s.logTag+"open vector failed", zap.String("uri", path), zap.Error(err))
		return
	}
	defer ds.Close()
	layers := ds.Layers()
	if opts.Layer < 0 || opts.Layer >= len(layers) {
		err = fmt.Errorf("layer %d of %d", opts.Layer, len(layers))
		return
	}
	layer := layers[opts.Layer]

	srid := opts.Srid
	if srid == 0 {
		srid = geo.UNIVERSAL_SRID
	}
	var dst *godal.SpatialRef
	if opts.Projection != "" {
		if dst, err = godal.NewSpatialRefFromWKT(opts.Projection); err != nil {
			return
		}
		defer dst.Close()
		srid = 0
	} else {
		srs := opts.Srs
		if srs == nil {
			srs = geo.NewSrsCache()
			defer srs.Close()
		}
		if dst, err = srs.Get(srid); err != nil {
			return
		}
	}
	src := layer.SpatialRef()
	reproject := src != nil && !src.IsSame(dst)
	if src != nil {
		defer src.Close()
	}

	layer.ResetReading()
	for {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		feat := layer.NextFeature()
		if feat == nil {
			break
		}
		f, ferr := s.convert(feat, dst, reproject)
		feat.Close()
		if ferr != nil {
			return nil, ferr
		}
		if f != nil {
			ret = append(ret, f)
		}
	}
	log.Info(s.logTag+"loaded features", zap.String("uri", path), zap.Int("count", len(ret)), zap.Int("srid", srid))
	return
}

func (s *OGRSource) convert(feat *godal.Feature, dst *godal.SpatialRef, reproject bool) (*geojson.Feature, error) {
	g := feat.Geometry()
	if g == nil || g.Empty() {
		log.Warn(s.logTag + "skip feature without geometry")
		return nil, nil
	}
	defer g.Close()
	if reproject {
		if err := g.Reproject(dst); err != nil {
			return nil, fmt.Errorf("geo transform failed: %w", err)
		}
	}
	b, err := g.WKB()
	if err != nil {
		return nil, fmt.Errorf("err in wkb convert: %w", err)
	}
	og, err := wkb.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("err in wkb convert: %w", err)
	}
	f := geojson.NewFeature(og)
	for name, fld := range feat.Fields() {
		switch fld.Type() {
		case godal.FTInt, godal.FTInt64:
			f.Properties[name] = fld.Int()
		case godal.FTReal:
			f.Properties[name] = fld.Float()
		default:
			f.Properties[name] = utils.PurifyForUtf8(fld.String())
		}
	}
	return f, nil
}
