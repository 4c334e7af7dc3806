package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wgdzlh/rvpipe/analyzer"
	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/label"
	"github.com/wgdzlh/rvpipe/log"
	"github.com/wgdzlh/rvpipe/raster"
	"github.com/wgdzlh/rvpipe/utils"
	"github.com/wgdzlh/rvpipe/vector"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
)

const defaultMaxStds = 3

// Scene references the sources of one scene for the duration of a command.
type Scene struct {
	ID     string
	Raster raster.Source
	Labels label.Source
	Store  label.Store
	// AOIs are in scene pixel coordinates.
	AOIs      []orb.Polygon
	NoData    float64
	HasNoData bool
}

func (s *Scene) Close() error {
	var errs []error
	if s.Labels != nil {
		errs = append(errs, s.Labels.Close())
	}
	if s.Raster != nil {
		errs = append(errs, s.Raster.Close())
	}
	return errors.Join(errs...)
}

// SceneNeeds says which parts of a scene a command uses.
type SceneNeeds struct {
	// Transform builds the raster transformer chain; analysis reads raw pixels.
	Transform bool
	Labels    bool
	Store     bool
}

// SceneLoader builds scenes from their config.
type SceneLoader interface {
	Load(ctx context.Context, sc SceneConfig, needs SceneNeeds) (*Scene, error)
}

type SceneLoaderFunc func(ctx context.Context, sc SceneConfig, needs SceneNeeds) (*Scene, error)

func (f SceneLoaderFunc) Load(ctx context.Context, sc SceneConfig, needs SceneNeeds) (*Scene, error) {
	return f(ctx, sc, needs)
}

// DefaultLoader opens rasters through GDAL and labels through fileio.
type DefaultLoader struct {
	cfg      *Config
	fs       fileio.FS
	srs      *geo.SrsCache
	statsURI string

	statsMu sync.Mutex
	stats   *analyzer.Stats
	logTag  string
}

var _ SceneLoader = (*DefaultLoader)(nil)

func NewDefaultLoader(cfg *Config, fs fileio.FS) *DefaultLoader {
	return &DefaultLoader{
		cfg:      cfg,
		fs:       fs,
		srs:      geo.NewSrsCache(),
		statsURI: statsURI(cfg),
		logTag:   "SceneLoader:",
	}
}

// Close releases the cached spatial references.
func (l *DefaultLoader) Close() {
	l.srs.Close()
}

func (l *DefaultLoader) Load(ctx context.Context, sc SceneConfig, needs SceneNeeds) (s *Scene, err error) {
	s = &Scene{ID: sc.ID}
	defer func() {
		if err != nil {
			s.Close()
			s = nil
		}
	}()
	var reader raster.Reader
	if s.Raster, reader, err = l.rasterSource(ctx, &sc.Raster, needs.Transform); err != nil {
		return
	}
	s.NoData, s.HasNoData = reader.NoData()
	crs := s.Raster.CRSTransformer()
	for _, uri := range sc.AOIURIs {
		var polys []orb.Polygon
		if polys, err = l.aoi(ctx, uri, crs); err != nil {
			return
		}
		s.AOIs = append(s.AOIs, polys...)
	}
	if needs.Labels && sc.Labels != nil {
		if s.Labels, err = l.labelSource(ctx, &sc, s.Raster, reader); err != nil {
			return
		}
	}
	if needs.Store {
		if s.Store, err = l.labelStore(&sc, s.Raster, reader); err != nil {
			return
		}
	}
	log.Debug(l.logTag+"scene loaded", zap.String("scene", sc.ID), zap.Stringer("extent", s.Raster.Extent()))
	return
}

func (l *DefaultLoader) openReader(ctx context.Context, rc *RasterSourceConfig) (r raster.Reader, err error) {
	paths := make([]string, len(rc.URIs))
	for i, u := range rc.URIs {
		if paths[i], err = l.fs.LocalPath(ctx, u); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", raster.ErrRasterRead, u, err)
		}
	}
	opts := raster.GdalOptions{MapSrid: rc.MapSrid, Srs: l.srs}
	if len(paths) == 1 {
		return raster.OpenGdal(paths[0], opts)
	}
	return raster.OpenGdalMosaic(paths, opts)
}

func (l *DefaultLoader) rasterSource(ctx context.Context, rc *RasterSourceConfig, transform bool) (src raster.Source, primary raster.Reader, err error) {
	if primary, err = l.openReader(ctx, rc); err != nil {
		return
	}
	var chain raster.Chain
	if transform {
		if chain, err = l.chain(ctx, rc.Transformers); err != nil {
			primary.Close()
			return nil, nil, err
		}
	}
	opts := raster.SourceOptions{ChannelOrder: rc.ChannelOrder, Extent: rc.Extent, FillValue: rc.FillValue}
	if len(rc.Extra) == 0 {
		opts.Transformers = chain
		if src, err = raster.NewSource(primary, opts); err != nil {
			primary.Close()
			return nil, nil, err
		}
		return
	}
	first, err := raster.NewSource(primary, opts)
	if err != nil {
		primary.Close()
		return nil, nil, err
	}
	subs := []raster.Source{first}
	for i := range rc.Extra {
		sub, _, err := l.rasterSource(ctx, &rc.Extra[i], transform)
		if err != nil {
			for _, s := range subs {
				s.Close()
			}
			return nil, nil, err
		}
		subs = append(subs, sub)
	}
	if src, err = raster.NewMultiSource(subs, 0, nil, chain); err != nil {
		for _, s := range subs {
			s.Close()
		}
		return nil, nil, err
	}
	return
}

func (l *DefaultLoader) loadStats(ctx context.Context) (*analyzer.Stats, error) {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	if l.stats != nil {
		return l.stats, nil
	}
	st, err := analyzer.LoadStats(ctx, l.fs, l.statsURI)
	if err != nil {
		return nil, fmt.Errorf("%w: stats transformer needs %s: %v", ErrMissingInput, l.statsURI, err)
	}
	l.stats = st
	return st, nil
}

// resetStats drops cached stats after analyze rewrote them.
func (l *DefaultLoader) resetStats() {
	l.statsMu.Lock()
	l.stats = nil
	l.statsMu.Unlock()
}

func (l *DefaultLoader) chain(ctx context.Context, ts []TransformerConfig) (chain raster.Chain, err error) {
	for _, t := range ts {
		switch t.Type {
		case TransformerStats:
			st, err := l.loadStats(ctx)
			if err != nil {
				return nil, err
			}
			k := t.MaxStds
			if k <= 0 {
				k = defaultMaxStds
			}
			chain = append(chain, st.Transformer(k))
		case TransformerMinMax:
			chain = append(chain, raster.MinMaxTransformer{})
		case TransformerCast:
			chain = append(chain, raster.CastTransformer{Dtype: t.Dtype})
		case TransformerNan:
			chain = append(chain, raster.NanTransformer{Fill: t.Fill})
		case TransformerReclass:
			chain = append(chain, raster.ReclassTransformer{Mapping: t.Mapping, Strict: t.Strict})
		default:
			return nil, fmt.Errorf("%w: transformer %q", ErrInvalidConfig, t.Type)
		}
	}
	return
}

func (l *DefaultLoader) aoi(ctx context.Context, uri string, crs geo.CRSTransformer) (ret []orb.Polygon, err error) {
	fs, err := vector.NewGeoJSONSource(l.fs, uri, crs, vector.GeoJSONOptions{}).Features(ctx)
	if err != nil {
		return nil, fmt.Errorf("aoi %s: %w", uri, err)
	}
	for _, f := range fs {
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			ret = append(ret, g)
		case orb.MultiPolygon:
			ret = append(ret, g...)
		}
	}
	return
}

// projection returns the WKT of readers that know it.
func projection(r raster.Reader) string {
	if p, ok := r.(interface{ Projection() string }); ok {
		return p.Projection()
	}
	return ""
}

func (l *DefaultLoader) vectorSource(sc *SceneConfig, lc *LabelSourceConfig, crs geo.CRSTransformer, reader raster.Reader) vector.Source {
	ts := []vector.Transformer{&vector.ClassInference{ClassNames: l.cfg.Dataset.Classes.Names, DefaultClassID: lc.DefaultClassID}}
	if lc.PointBuffer > 0 {
		ts = append(ts, vector.PointBuffer{HalfSize: lc.PointBuffer})
	}
	if vectorFormat(lc) == FormatGeoJSON {
		return vector.NewGeoJSONSource(l.fs, lc.URI, crs, vector.GeoJSONOptions{Encoding: lc.Encoding, Transformers: ts})
	}
	opts := vector.OGROptions{Srid: sc.Raster.MapSrid, Srs: l.srs, Encoding: lc.Encoding, Transformers: ts}
	if sc.Raster.MapSrid == 0 {
		opts.Projection = projection(reader)
	}
	return vector.NewOGRSource(l.fs, lc.URI, crs, opts)
}

func (l *DefaultLoader) labelSource(ctx context.Context, sc *SceneConfig, rs raster.Source, reader raster.Reader) (label.Source, error) {
	lc := sc.Labels
	classes := l.cfg.Dataset.Classes
	extent := rs.Extent()
	crs := rs.CRSTransformer()
	bg := lc.BackgroundClassID
	if id, ok := classes.NullClassID(); ok {
		bg = id
	}
	if lc.Format == FormatRaster {
		chain, err := l.chain(ctx, lc.Transformers)
		if err != nil {
			return nil, err
		}
		r, err := l.openReader(ctx, &RasterSourceConfig{URIs: []string{lc.URI}})
		if err != nil {
			return nil, err
		}
		src, err := raster.NewSource(r, raster.SourceOptions{Extent: &extent, FillValue: float64(bg), Transformers: chain})
		if err != nil {
			r.Close()
			return nil, err
		}
		ls, err := label.NewSemanticSegmentationSource(src, classes, lc.RGB)
		if err != nil {
			src.Close()
			return nil, err
		}
		return ls, nil
	}
	vs := l.vectorSource(sc, lc, crs, reader)
	switch l.cfg.Task {
	case label.TaskChipClassification:
		return label.NewChipClassificationSource(vs, label.ChipClassificationOptions{
			BackgroundClassID: bg,
			MinCoverage:       lc.MinCoverage,
			PickMinClassID:    lc.PickMinClassID,
			CellSize:          lc.CellSize,
			Extent:            extent,
		}), nil
	case label.TaskObjectDetection:
		return label.NewObjectDetectionSource(vs, label.ObjectDetectionOptions{MinIOA: lc.MinIOA}), nil
	}
	chain, err := l.chain(ctx, lc.Transformers)
	if err != nil {
		return nil, err
	}
	rs2, err := raster.NewRasterizedSource(vs, crs, raster.RasterizedOptions{
		BackgroundClassID: bg,
		LineWidth:         lc.LineWidth,
		Extent:            extent,
	}, chain)
	if err != nil {
		return nil, err
	}
	return label.NewSemanticSegmentationSource(rs2, classes, false)
}

// storeURI is the default prediction output of a scene.
func storeURI(cfg *Config, id string) string {
	ext := ".json"
	if cfg.Task == label.TaskSemanticSegmentation {
		ext = ".tif"
	}
	return fileio.Join(cfg.RootURI, string(CmdPredict), utils.SafeName(id)+ext)
}

func (l *DefaultLoader) labelStore(sc *SceneConfig, rs raster.Source, reader raster.Reader) (label.Store, error) {
	st := sc.Store
	if st == nil {
		st = &LabelStoreConfig{}
	}
	uri := st.URI
	if uri == "" {
		uri = storeURI(l.cfg, sc.ID)
	}
	classes := l.cfg.Dataset.Classes
	crs := rs.CRSTransformer()
	switch l.cfg.Task {
	case label.TaskChipClassification:
		return label.NewChipClassificationGeoJSONStore(l.fs, uri, crs, classes), nil
	case label.TaskObjectDetection:
		return label.NewObjectDetectionGeoJSONStore(l.fs, uri, crs, classes), nil
	}
	opts := label.SegmentationStoreOptions{
		Extent:        rs.Extent(),
		RGB:           st.RGB,
		Projection:    projection(reader),
		CRS:           crs,
		VectorOutputs: st.VectorOutputs,
		CacheDir:      l.cfg.Storage.CacheDir,
	}
	if g, ok := reader.(raster.Georeferenced); ok {
		a := g.Affine()
		opts.Affine = &a
	}
	return label.NewSemanticSegmentationStore(l.fs, uri, classes, opts)
}
