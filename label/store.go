package label

import (
	"context"
	"fmt"

	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/log"
	"github.com/wgdzlh/rvpipe/vector"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

const (
	propScores = "scores"
	propScore  = "score"
)

// Store persists the predicted labels of one scene.
type Store interface {
	Task() Task
	Save(ctx context.Context, l Labels) error
	Load(ctx context.Context) (Labels, error)
	// URI is the primary output written by Save.
	URI() string
}

type geoJSONStore struct {
	fs      fileio.FS
	uri     string
	crs     geo.CRSTransformer
	classes ClassConfig
	logTag  string
}

func newGeoJSONStore(fs fileio.FS, uri string, crs geo.CRSTransformer, classes ClassConfig, tag string) geoJSONStore {
	if crs == nil {
		crs = geo.IdentityTransformer()
	}
	return geoJSONStore{fs: fs, uri: uri, crs: crs, classes: classes, logTag: tag}
}

func (s *geoJSONStore) URI() string { return s.uri }

func (s *geoJSONStore) write(ctx context.Context, fc *geojson.FeatureCollection) error {
	data, err := fc.MarshalJSON()
	if err != nil {
		return err
	}
	if err = s.fs.Write(ctx, s.uri, data); err != nil {
		log.Error(s.logTag+"write labels failed", zap.String("uri", s.uri), zap.Error(err))
		return err
	}
	log.Info(s.logTag+"saved labels", zap.String("uri", s.uri), zap.Int("features", len(fc.Features)))
	return nil
}

func (s *geoJSONStore) read(ctx context.Context) (*geojson.FeatureCollection, error) {
	data, err := s.fs.Read(ctx, s.uri)
	if err != nil {
		return nil, err
	}
	return geojson.UnmarshalFeatureCollection(data)
}

func (s *geoJSONStore) classOf(f *geojson.Feature) (int, error) {
	id, ok := vector.ClassID(f)
	if !ok {
		if name, isStr := f.Properties[vector.PropClassName].(string); isStr {
			id, ok = s.classes.ID(name)
		}
	}
	if !ok || id < 0 || id >= s.classes.Len() {
		return 0, fmt.Errorf("%w: %s feature %v", ErrUnknownClass, s.uri, f.Properties)
	}
	return id, nil
}

func floats(v any) []float64 {
	switch t := v.(type) {
	case []float64:
		return t
	case []any:
		ret := make([]float64, 0, len(t))
		for _, e := range t {
			if f, ok := e.(float64); ok {
				ret = append(ret, f)
			}
		}
		return ret
	}
	return nil
}

// ChipClassificationGeoJSONStore writes one polygon per window in map coordinates.
// Loading snaps the pixel polygons back to integer windows, so windows round trip exactly.
type ChipClassificationGeoJSONStore struct {
	geoJSONStore
}

var _ Store = (*ChipClassificationGeoJSONStore)(nil)

func NewChipClassificationGeoJSONStore(fs fileio.FS, uri string, crs geo.CRSTransformer, classes ClassConfig) *ChipClassificationGeoJSONStore {
	return &ChipClassificationGeoJSONStore{newGeoJSONStore(fs, uri, crs, classes, "ChipClassificationStore:")}
}

func (s *ChipClassificationGeoJSONStore) Task() Task { return TaskChipClassification }

func (s *ChipClassificationGeoJSONStore) Save(ctx context.Context, l Labels) error {
	cl, ok := l.(*ChipClassificationLabels)
	if !ok {
		return fmt.Errorf("%w: %s store got %s", ErrTaskMismatch, s.Task(), l.Task())
	}
	fc := geojson.NewFeatureCollection()
	for _, w := range cl.Windows() {
		c, _ := cl.Get(w)
		f := geojson.NewFeature(geo.GeometryToMap(s.crs, w.Polygon()))
		f.Properties[vector.PropClassID] = c.ClassID
		f.Properties[vector.PropClassName] = s.classes.Name(c.ClassID)
		if len(c.Scores) > 0 {
			f.Properties[propScores] = c.Scores
		}
		fc.Append(f)
	}
	return s.write(ctx, fc)
}

func (s *ChipClassificationGeoJSONStore) Load(ctx context.Context) (Labels, error) {
	fc, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	ret := NewChipClassificationLabels()
	for _, f := range fc.Features {
		id, err := s.classOf(f)
		if err != nil {
			return nil, err
		}
		w := geo.BoxFromBound(geo.GeometryToPixel(s.crs, f.Geometry).Bound()).RoundWindow()
		ret.Set(w, Cell{ClassID: id, Scores: floats(f.Properties[propScores])})
	}
	return ret, nil
}

// ObjectDetectionGeoJSONStore writes one polygon per box in map coordinates.
type ObjectDetectionGeoJSONStore struct {
	geoJSONStore
}

var _ Store = (*ObjectDetectionGeoJSONStore)(nil)

func NewObjectDetectionGeoJSONStore(fs fileio.FS, uri string, crs geo.CRSTransformer, classes ClassConfig) *ObjectDetectionGeoJSONStore {
	return &ObjectDetectionGeoJSONStore{newGeoJSONStore(fs, uri, crs, classes, "ObjectDetectionStore:")}
}

func (s *ObjectDetectionGeoJSONStore) Task() Task { return TaskObjectDetection }

func (s *ObjectDetectionGeoJSONStore) Save(ctx context.Context, l Labels) error {
	dl, ok := l.(*ObjectDetectionLabels)
	if !ok {
		return fmt.Errorf("%w: %s store got %s", ErrTaskMismatch, s.Task(), l.Task())
	}
	fc := geojson.NewFeatureCollection()
	for _, d := range dl.Sorted().Detections {
		f := geojson.NewFeature(geo.GeometryToMap(s.crs, d.Box.Polygon()))
		f.Properties[vector.PropClassID] = d.ClassID
		f.Properties[vector.PropClassName] = s.classes.Name(d.ClassID)
		f.Properties[propScore] = d.Score
		fc.Append(f)
	}
	return s.write(ctx, fc)
}

func (s *ObjectDetectionGeoJSONStore) Load(ctx context.Context) (Labels, error) {
	fc, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	ret := NewObjectDetectionLabels()
	for _, f := range fc.Features {
		id, err := s.classOf(f)
		if err != nil {
			return nil, err
		}
		score, _ := f.Properties[propScore].(float64)
		box := geo.BoxFromBound(geo.GeometryToPixel(s.crs, f.Geometry).Bound())
		ret.Add(Detection{Box: box, ClassID: id, Score: score})
	}
	return ret.Sorted(), nil
}
