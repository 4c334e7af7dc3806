package label

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/raster"
	"github.com/wgdzlh/rvpipe/vector"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"
)

// Source yields ground truth labels for windows of a scene, in scene pixel coordinates.
type Source interface {
	Task() Task
	Labels(ctx context.Context, w geo.Window) (Labels, error)
	Close() error
}

// ChipClassificationOptions configures the class assigned to a window.
type ChipClassificationOptions struct {
	BackgroundClassID int
	// MinCoverage is the fraction of the window a class must cover to be considered.
	MinCoverage float64
	// PickMinClassID picks the smallest id among all considered classes
	// instead of the one covering the most area.
	PickMinClassID bool
	// CellSize, when positive, precomputes labels for a grid of cells of this size
	// over Extent on first use; windows matching a cell are served from it.
	CellSize int
	Extent   geo.Window
}

// ChipClassificationSource assigns one class per window from polygon coverage.
// Only areal geometries count; buffer points and lines first to make them count.
type ChipClassificationSource struct {
	vs   vector.Source
	opts ChipClassificationOptions

	mu    sync.Mutex
	done  bool
	cells *ChipClassificationLabels
	err   error
}

var _ Source = (*ChipClassificationSource)(nil)

func NewChipClassificationSource(vs vector.Source, opts ChipClassificationOptions) *ChipClassificationSource {
	return &ChipClassificationSource{vs: vs, opts: opts}
}

func (s *ChipClassificationSource) Task() Task   { return TaskChipClassification }
func (s *ChipClassificationSource) Close() error { return nil }

func (s *ChipClassificationSource) Labels(ctx context.Context, w geo.Window) (Labels, error) {
	if s.opts.CellSize > 0 {
		cells, err := s.gridCells(ctx)
		if err != nil {
			return nil, err
		}
		if c, ok := cells.Get(w); ok {
			ret := NewChipClassificationLabels()
			ret.Set(w, c)
			return ret, nil
		}
	}
	c, err := s.classify(ctx, w)
	if err != nil {
		return nil, err
	}
	ret := NewChipClassificationLabels()
	ret.Set(w, c)
	return ret, nil
}

// AllCells returns the precomputed cell grid. It requires a positive CellSize.
func (s *ChipClassificationSource) AllCells(ctx context.Context) (*ChipClassificationLabels, error) {
	if s.opts.CellSize <= 0 {
		return nil, fmt.Errorf("chip classification: cell size not set")
	}
	return s.gridCells(ctx)
}

// gridCells infers the cell grid once. Errors from an ended ctx are not kept.
func (s *ChipClassificationSource) gridCells(ctx context.Context) (*ChipClassificationLabels, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return s.cells, s.err
	}
	cells, err := s.inferCells(ctx)
	if err != nil && ctx.Err() != nil {
		return nil, err
	}
	s.cells, s.err, s.done = cells, err, true
	return cells, err
}

func (s *ChipClassificationSource) inferCells(ctx context.Context) (*ChipClassificationLabels, error) {
	ret := NewChipClassificationLabels()
	for _, w := range geo.SlidingWindows(s.opts.Extent, s.opts.CellSize, s.opts.CellSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := s.classify(ctx, w)
		if err != nil {
			return nil, err
		}
		ret.Set(w, c)
	}
	return ret, nil
}

func (s *ChipClassificationSource) classify(ctx context.Context, w geo.Window) (c Cell, err error) {
	fs, err := s.vs.FeaturesIn(ctx, w.Bound())
	if err != nil {
		return
	}
	cover := map[int]float64{}
	for _, f := range fs {
		id, ok := vector.ClassID(f)
		if !ok {
			return c, fmt.Errorf("%w: feature without class_id", ErrUnknownClass)
		}
		if a := IntersectionArea(f.Geometry, w.Bound()); a > 0 {
			cover[id] += a
		}
	}
	c.ClassID = s.opts.BackgroundClassID
	best, bestArea := -1, 0.0
	area := float64(w.Area())
	for id, a := range cover {
		if a/area < s.opts.MinCoverage {
			continue
		}
		if best < 0 || s.better(id, a, best, bestArea) {
			best, bestArea = id, a
		}
	}
	if best >= 0 {
		c.ClassID = best
	}
	return
}

func (s *ChipClassificationSource) better(id int, a float64, best int, bestArea float64) bool {
	if s.opts.PickMinClassID || a == bestArea {
		return id < best
	}
	return a > bestArea
}

// IntersectionArea is the area of the areal parts of g inside b.
func IntersectionArea(g orb.Geometry, b orb.Bound) float64 {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon, orb.Ring, orb.Bound, orb.Collection:
	default:
		return 0
	}
	clipped := clip.Geometry(b, orb.Clone(g))
	if clipped == nil {
		return 0
	}
	return math.Abs(planar.Area(clipped))
}

// ObjectDetectionOptions configures box extraction.
type ObjectDetectionOptions struct {
	// MinIOA is the minimum fraction of a box that must lie inside the window.
	// Zero keeps every box with a positive overlap.
	MinIOA float64
}

// ObjectDetectionSource returns feature bounds intersecting a window, clipped to it.
type ObjectDetectionSource struct {
	vs   vector.Source
	opts ObjectDetectionOptions
}

var _ Source = (*ObjectDetectionSource)(nil)

func NewObjectDetectionSource(vs vector.Source, opts ObjectDetectionOptions) *ObjectDetectionSource {
	return &ObjectDetectionSource{vs: vs, opts: opts}
}

func (s *ObjectDetectionSource) Task() Task   { return TaskObjectDetection }
func (s *ObjectDetectionSource) Close() error { return nil }

func (s *ObjectDetectionSource) Labels(ctx context.Context, w geo.Window) (Labels, error) {
	fs, err := s.vs.FeaturesIn(ctx, w.Bound())
	if err != nil {
		return nil, err
	}
	ret := NewObjectDetectionLabels()
	for _, f := range fs {
		id, ok := vector.ClassID(f)
		if !ok {
			return nil, fmt.Errorf("%w: feature without class_id", ErrUnknownClass)
		}
		box := geo.BoxFromBound(f.Geometry.Bound())
		clipped, ok := box.Clip(w)
		if !ok {
			continue
		}
		if a := box.Area(); a > 0 && clipped.Area()/a < s.opts.MinIOA {
			continue
		}
		ret.Add(Detection{Box: clipped, ClassID: id, Score: 1})
	}
	return ret.Sorted(), nil
}

// SemanticSegmentationSource reads class rasters from a raster source, typically a
// raster.RasterizedSource. With colors set, the source is an RGB rendering that is
// decoded through them; unknown colors take the null class.
type SemanticSegmentationSource struct {
	rs      raster.Source
	classes ClassConfig
	colors  map[Color]int
}

var _ Source = (*SemanticSegmentationSource)(nil)

func NewSemanticSegmentationSource(rs raster.Source, classes ClassConfig, rgb bool) (s *SemanticSegmentationSource, err error) {
	s = &SemanticSegmentationSource{rs: rs, classes: classes}
	if !rgb {
		if rs.NumChannels() != 1 {
			return nil, fmt.Errorf("%w: class raster has %d channels", raster.ErrChannelMismatch, rs.NumChannels())
		}
		return
	}
	if rs.NumChannels() != 3 {
		return nil, fmt.Errorf("%w: rgb class raster has %d channels", raster.ErrChannelMismatch, rs.NumChannels())
	}
	cm, err := classes.ColorMap()
	if err != nil {
		return nil, err
	}
	s.colors = make(map[Color]int, len(cm))
	for i, c := range cm {
		s.colors[c] = i
	}
	return
}

func (s *SemanticSegmentationSource) Task() Task   { return TaskSemanticSegmentation }
func (s *SemanticSegmentationSource) Close() error { return s.rs.Close() }

// ClassRaster returns the one channel class raster of w.
func (s *SemanticSegmentationSource) ClassRaster(ctx context.Context, w geo.Window) (*raster.Image, error) {
	img, err := s.rs.ReadWindow(ctx, w)
	if err != nil {
		return nil, err
	}
	if s.colors == nil {
		return img, nil
	}
	return decodeRGB(img, s.colors, &s.classes)
}

func (s *SemanticSegmentationSource) Labels(ctx context.Context, w geo.Window) (Labels, error) {
	img, err := s.ClassRaster(ctx, w)
	if err != nil {
		return nil, err
	}
	ret := NewSegmentationLabels(w, s.classes.Len())
	if err = ret.AddClassRaster(w, img); err != nil {
		return nil, err
	}
	return ret, nil
}

func decodeRGB(img *raster.Image, colors map[Color]int, classes *ClassConfig) (*raster.Image, error) {
	nullID, hasNull := classes.NullClassID()
	out := raster.NewImage(img.H, img.W, 1)
	for p := range out.Data {
		px := img.Data[p*3 : p*3+3]
		c := Color{uint8(px[0]), uint8(px[1]), uint8(px[2])}
		id, ok := colors[c]
		if !ok {
			if !hasNull {
				return nil, fmt.Errorf("%w: %s", ErrUnknownColor, c)
			}
			id = nullID
		}
		out.Data[p] = float64(id)
	}
	return out, nil
}
