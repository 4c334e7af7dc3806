package vector

import (
	"context"

	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/log"
	"github.com/wgdzlh/rvpipe/utils"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

// GeoJSONOptions configures a GeoJSONSource.
type GeoJSONOptions struct {
	// Encoding of string properties, utils.ENC_UTF8 (default) or utils.ENC_GBK.
	Encoding     string
	Transformers []Transformer
}

// GeoJSONSource reads a GeoJSON FeatureCollection through fileio. Coordinates are
// in the map CRS of crs; a nil crs means they are pixel coordinates already.
type GeoJSONSource struct {
	cachedSource
	uri string
}

var _ Source = (*GeoJSONSource)(nil)

func NewGeoJSONSource(fs fileio.FS, uri string, crs geo.CRSTransformer, opts GeoJSONOptions) *GeoJSONSource {
	s := &GeoJSONSource{uri: uri}
	s.cachedSource = cachedSource{
		crs:          crs,
		transformers: opts.Transformers,
		name:         uri,
		load: func(ctx context.Context) ([]*geojson.Feature, error) {
			return readGeoJSON(ctx, fs, uri, opts.Encoding)
		},
	}
	return s
}

func (s *GeoJSONSource) URI() string { return s.uri }

func readGeoJSON(ctx context.Context, fs fileio.FS, uri, enc string) ([]*geojson.Feature, error) {
	data, err := fs.Read(ctx, uri)
	if err != nil {
		return nil, err
	}
	if enc != "" && !utils.IsUtf8Encoding(enc) {
		if data, err = utils.GbkToUtf8(data); err != nil {
			return nil, err
		}
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, err
	}
	log.Debug("GeoJSONSource:loaded features", zap.String("uri", uri), zap.Int("count", len(fc.Features)))
	return fc.Features, nil
}
