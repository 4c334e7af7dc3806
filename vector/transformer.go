package vector

import (
	"fmt"
	"strconv"

	"github.com/wgdzlh/rvpipe/log"
	"github.com/wgdzlh/rvpipe/utils"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

// ClassInference sets class_id on every feature: an existing numeric class_id
// wins, then class_name looked up case-insensitively in ClassNames, then
// DefaultClassID. Features left without a class are dropped.
type ClassInference struct {
	ClassNames     []string
	DefaultClassID *int
	// NameProperty overrides the property holding the class name.
	NameProperty string
}

var _ Transformer = (*ClassInference)(nil)

func (t *ClassInference) Transform(fs []*geojson.Feature) (ret []*geojson.Feature, err error) {
	lookup := make(map[string]int, len(t.ClassNames))
	for i, n := range t.ClassNames {
		lookup[utils.FoldName(n)] = i
	}
	nameProp := t.NameProperty
	if nameProp == "" {
		nameProp = PropClassName
	}
	ret = fs[:0:0]
	dropped := 0
	for _, f := range fs {
		id, ok := ClassID(f)
		if !ok {
			if s, isStr := f.Properties[PropClassID].(string); isStr {
				if n, perr := strconv.Atoi(s); perr == nil {
					id, ok = n, true
				}
			}
		}
		if !ok {
			if name, isStr := f.Properties[nameProp].(string); isStr {
				id, ok = lookup[utils.FoldName(name)]
			}
		}
		if !ok && t.DefaultClassID != nil {
			id, ok = *t.DefaultClassID, true
		}
		if !ok {
			dropped++
			continue
		}
		if len(t.ClassNames) > 0 && (id < 0 || id >= len(t.ClassNames)) {
			err = fmt.Errorf("%w: class id %d, %d classes", ErrInvalidClass, id, len(t.ClassNames))
			return
		}
		f.Properties[PropClassID] = id
		ret = append(ret, f)
	}
	if dropped > 0 {
		log.Warn("ClassInference:dropped features without class", zap.Int("dropped", dropped))
	}
	return
}

// PointBuffer turns points into axis aligned squares of the given half size, in pixels.
type PointBuffer struct {
	HalfSize float64
}

var _ Transformer = PointBuffer{}

func (t PointBuffer) Transform(fs []*geojson.Feature) ([]*geojson.Feature, error) {
	for _, f := range fs {
		switch g := f.Geometry.(type) {
		case orb.Point:
			f.Geometry = t.square(g)
		case orb.MultiPoint:
			mp := make(orb.MultiPolygon, len(g))
			for i, p := range g {
				mp[i] = t.square(p)
			}
			f.Geometry = mp
		}
	}
	return fs, nil
}

func (t PointBuffer) square(p orb.Point) orb.Polygon {
	h := t.HalfSize
	return orb.Polygon{orb.Ring{
		{p[0] - h, p[1] - h}, {p[0] + h, p[1] - h}, {p[0] + h, p[1] + h}, {p[0] - h, p[1] + h}, {p[0] - h, p[1] - h},
	}}
}
