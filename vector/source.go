// Package vector reads label geometries and maps them into raster pixel coordinates.
package vector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wgdzlh/rvpipe/geo"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const (
	PropClassID   = "class_id"
	PropClassName = "class_name"
)

var (
	ErrVectorRead   = errors.New("vector: read failed")
	ErrNoGeometry   = errors.New("vector: feature without geometry")
	ErrInvalidClass = errors.New("vector: invalid class property")
)

// Source yields features in pixel coordinates of the raster it is bound to.
type Source interface {
	Features(ctx context.Context) ([]*geojson.Feature, error)
	// FeaturesIn returns the features whose bound intersects b.
	FeaturesIn(ctx context.Context, b orb.Bound) ([]*geojson.Feature, error)
}

// Transformer rewrites a feature list after it has been mapped to pixels.
type Transformer interface {
	Transform(fs []*geojson.Feature) ([]*geojson.Feature, error)
}

// loader returns features in map coordinates.
type loader func(ctx context.Context) ([]*geojson.Feature, error)

// cachedSource loads once, maps to pixels, applies the transformers and keeps the result.
type cachedSource struct {
	load         loader
	crs          geo.CRSTransformer
	transformers []Transformer
	name         string

	mu       sync.Mutex
	done     bool
	features []*geojson.Feature
	err      error
}

// Features builds the feature list on first use. A failure caused by ctx
// ending is not kept, so a later call with a live context retries.
func (s *cachedSource) Features(ctx context.Context) ([]*geojson.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return s.features, s.err
	}
	fs, err := s.build(ctx)
	if err != nil && ctx.Err() != nil {
		return nil, err
	}
	s.features, s.err, s.done = fs, err, true
	return fs, err
}

func (s *cachedSource) build(ctx context.Context) (ret []*geojson.Feature, err error) {
	fs, err := s.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrVectorRead, s.name, err)
	}
	ret = make([]*geojson.Feature, 0, len(fs))
	for i, f := range fs {
		if f.Geometry == nil {
			return nil, fmt.Errorf("%w: %s feature %d", ErrNoGeometry, s.name, i)
		}
		if s.crs != nil {
			f.Geometry = geo.GeometryToPixel(s.crs, f.Geometry)
		}
		ret = append(ret, f)
	}
	for i, t := range s.transformers {
		if ret, err = t.Transform(ret); err != nil {
			return nil, fmt.Errorf("%s: vector transformer %d (%T): %w", s.name, i, t, err)
		}
	}
	return
}

func (s *cachedSource) FeaturesIn(ctx context.Context, b orb.Bound) ([]*geojson.Feature, error) {
	all, err := s.Features(ctx)
	if err != nil {
		return nil, err
	}
	return Filter(all, b), nil
}

// Filter keeps the features whose geometry bound intersects b.
func Filter(fs []*geojson.Feature, b orb.Bound) (ret []*geojson.Feature) {
	for _, f := range fs {
		if f.Geometry.Bound().Intersects(b) {
			ret = append(ret, f)
		}
	}
	return
}

// MemorySource serves features already in pixel coordinates.
type MemorySource struct {
	cachedSource
}

var _ Source = (*MemorySource)(nil)

func NewMemorySource(fs []*geojson.Feature, transformers ...Transformer) *MemorySource {
	return &MemorySource{cachedSource{
		load: func(context.Context) ([]*geojson.Feature, error) {
			out := make([]*geojson.Feature, len(fs))
			for i, f := range fs {
				out[i] = cloneFeature(f)
			}
			return out, nil
		},
		transformers: transformers,
		name:         "memory",
	}}
}

func cloneFeature(f *geojson.Feature) *geojson.Feature {
	c := geojson.NewFeature(orb.Clone(f.Geometry))
	c.ID = f.ID
	for k, v := range f.Properties {
		c.Properties[k] = v
	}
	return c
}

// ClassID reads the class_id property. JSON numbers decode as float64.
func ClassID(f *geojson.Feature) (id int, ok bool) {
	switch v := f.Properties[PropClassID].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return
}
