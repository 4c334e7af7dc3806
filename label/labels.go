package label

import (
	"cmp"
	"fmt"
	"slices"
	"sort"

	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/raster"
)

// Task is the prediction task of a pipeline.
type Task string

const (
	TaskChipClassification   Task = "chip_classification"
	TaskObjectDetection      Task = "object_detection"
	TaskSemanticSegmentation Task = "semantic_segmentation"
)

func (t Task) Valid() bool {
	switch t {
	case TaskChipClassification, TaskObjectDetection, TaskSemanticSegmentation:
		return true
	}
	return false
}

// Labels is one of *ChipClassificationLabels, *ObjectDetectionLabels or *SegmentationLabels.
type Labels interface {
	Task() Task
}

// Cell is the class assigned to one window.
type Cell struct {
	ClassID int       `json:"class_id"`
	Scores  []float64 `json:"scores,omitempty"`
}

// ChipClassificationLabels maps windows to classes.
type ChipClassificationLabels struct {
	cells map[geo.Window]Cell
}

func NewChipClassificationLabels() *ChipClassificationLabels {
	return &ChipClassificationLabels{cells: map[geo.Window]Cell{}}
}

func (l *ChipClassificationLabels) Task() Task { return TaskChipClassification }
func (l *ChipClassificationLabels) Len() int   { return len(l.cells) }

func (l *ChipClassificationLabels) Set(w geo.Window, c Cell) { l.cells[w] = c }

func (l *ChipClassificationLabels) Get(w geo.Window) (c Cell, ok bool) {
	c, ok = l.cells[w]
	return
}

// Windows returns the labelled windows in row-major order.
func (l *ChipClassificationLabels) Windows() []geo.Window {
	ws := make([]geo.Window, 0, len(l.cells))
	for w := range l.cells {
		ws = append(ws, w)
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].Less(ws[j]) })
	return ws
}

// Cells returns a copy of the window to cell map.
func (l *ChipClassificationLabels) Cells() map[geo.Window]Cell {
	ret := make(map[geo.Window]Cell, len(l.cells))
	for w, c := range l.cells {
		ret[w] = c
	}
	return ret
}

// Intersecting returns the cells whose window overlaps w.
func (l *ChipClassificationLabels) Intersecting(w geo.Window) *ChipClassificationLabels {
	ret := NewChipClassificationLabels()
	for cw, c := range l.cells {
		if _, ok := cw.Intersect(w); ok {
			ret.cells[cw] = c
		}
	}
	return ret
}

// Detection is one box with its class and confidence.
type Detection struct {
	Box     geo.Box `json:"box"`
	ClassID int     `json:"class_id"`
	Score   float64 `json:"score"`
}

// compareDetections orders by score descending, then box corners ascending.
func compareDetections(a, b Detection) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Box.Xmin, b.Box.Xmin); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Box.Ymin, b.Box.Ymin); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Box.Xmax, b.Box.Xmax); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Box.Ymax, b.Box.Ymax); c != 0 {
		return c
	}
	return cmp.Compare(a.ClassID, b.ClassID)
}

// ObjectDetectionLabels is a set of boxes in pixel coordinates.
type ObjectDetectionLabels struct {
	Detections []Detection
}

func NewObjectDetectionLabels(ds ...Detection) *ObjectDetectionLabels {
	return &ObjectDetectionLabels{Detections: ds}
}

func (l *ObjectDetectionLabels) Task() Task { return TaskObjectDetection }
func (l *ObjectDetectionLabels) Len() int   { return len(l.Detections) }

func (l *ObjectDetectionLabels) Add(ds ...Detection) {
	l.Detections = append(l.Detections, ds...)
}

// Translate returns a copy with every box shifted by (dx, dy).
func (l *ObjectDetectionLabels) Translate(dx, dy float64) *ObjectDetectionLabels {
	ret := &ObjectDetectionLabels{Detections: make([]Detection, len(l.Detections))}
	for i, d := range l.Detections {
		d.Box = d.Box.Translate(dx, dy)
		ret.Detections[i] = d
	}
	return ret
}

// Sorted returns a copy in canonical order: class id, then score descending, then box.
func (l *ObjectDetectionLabels) Sorted() *ObjectDetectionLabels {
	ds := slices.Clone(l.Detections)
	slices.SortStableFunc(ds, func(a, b Detection) int {
		if c := cmp.Compare(a.ClassID, b.ClassID); c != 0 {
			return c
		}
		return compareDetections(a, b)
	})
	return &ObjectDetectionLabels{Detections: ds}
}

// NMS runs greedy non-maximum suppression per class. Boxes scoring below
// scoreThreshold are dropped first; a box is suppressed when its IoU with an
// already kept box of the same class exceeds iouThreshold. The result is in
// Sorted order and does not depend on the input order.
func (l *ObjectDetectionLabels) NMS(iouThreshold, scoreThreshold float64) *ObjectDetectionLabels {
	byClass := map[int][]Detection{}
	for _, d := range l.Detections {
		if d.Score < scoreThreshold {
			continue
		}
		byClass[d.ClassID] = append(byClass[d.ClassID], d)
	}
	ret := &ObjectDetectionLabels{}
	for _, ds := range byClass {
		slices.SortFunc(ds, compareDetections)
		var kept []Detection
		for _, d := range ds {
			suppressed := false
			for _, k := range kept {
				if d.Box.IoU(k.Box) > iouThreshold {
					suppressed = true
					break
				}
			}
			if !suppressed {
				kept = append(kept, d)
			}
		}
		ret.Detections = append(ret.Detections, kept...)
	}
	return ret.Sorted()
}

// scoreScale is the fixed point unit of SegmentationLabels; integer sums make
// the merged result independent of the order windows are added in.
const scoreScale = 1 << 16

// SegmentationLabels accumulates per-pixel class scores over a scene extent.
// The class of a pixel is the argmax of its summed scores, ties going to the
// smallest class id. Pixels no window touched take the fill class.
// Scores are held for every pixel and class of the extent, 4*H*W*classes
// bytes, so whole-scene labels of large rasters should be built per window.
type SegmentationLabels struct {
	extent     geo.Window
	numClasses int
	scores     []int32
	covered    []bool
}

func NewSegmentationLabels(extent geo.Window, numClasses int) *SegmentationLabels {
	return &SegmentationLabels{
		extent:     extent,
		numClasses: numClasses,
		scores:     make([]int32, extent.Area()*numClasses),
		covered:    make([]bool, extent.Area()),
	}
}

func (l *SegmentationLabels) Task() Task         { return TaskSemanticSegmentation }
func (l *SegmentationLabels) Extent() geo.Window { return l.extent }
func (l *SegmentationLabels) NumClasses() int    { return l.numClasses }

// AddClassRaster adds a one channel class raster covering w as one-hot votes.
// Parts of w outside the extent are ignored. An unknown class id anywhere in
// the overlap rejects the whole raster and leaves the labels unchanged.
func (l *SegmentationLabels) AddClassRaster(w geo.Window, img *raster.Image) error {
	if img.C != 1 || img.H != w.H || img.W != w.W {
		return fmt.Errorf("%w: window %v, raster %dx%dx%d", ErrShapeMismatch, w, img.H, img.W, img.C)
	}
	var bad error
	l.each(w, func(_, src int) bool {
		id := int(img.Data[src])
		if id < 0 || id >= l.numClasses || float64(id) != img.Data[src] {
			bad = fmt.Errorf("%w: id %v", ErrUnknownClass, img.Data[src])
			return false
		}
		return true
	})
	if bad != nil {
		return bad
	}
	l.each(w, func(p, src int) bool {
		l.scores[p*l.numClasses+int(img.Data[src])] += scoreScale
		l.covered[p] = true
		return true
	})
	return nil
}

// AddScores adds per-class scores (one channel per class, values in [0, 1]) covering w.
func (l *SegmentationLabels) AddScores(w geo.Window, img *raster.Image) error {
	if img.C != l.numClasses || img.H != w.H || img.W != w.W {
		return fmt.Errorf("%w: window %v, scores %dx%dx%d", ErrShapeMismatch, w, img.H, img.W, img.C)
	}
	l.each(w, func(p, src int) bool {
		for k := 0; k < l.numClasses; k++ {
			v := min(max(img.Data[src*l.numClasses+k], 0), 1)
			l.scores[p*l.numClasses+k] += int32(v*scoreScale + 0.5)
		}
		l.covered[p] = true
		return true
	})
	return nil
}

// each visits the pixels of w inside the extent until fn returns false.
func (l *SegmentationLabels) each(w geo.Window, fn func(p, src int) bool) {
	inter, ok := l.extent.Intersect(w)
	if !ok {
		return
	}
	for y := inter.Y; y < inter.Bottom(); y++ {
		for x := inter.X; x < inter.Right(); x++ {
			if !fn((y-l.extent.Y)*l.extent.W+x-l.extent.X, (y-w.Y)*w.W+x-w.X) {
				return
			}
		}
	}
}

// ClassRaster returns the merged class raster of w; pixels outside the extent or
// never covered take fill.
func (l *SegmentationLabels) ClassRaster(w geo.Window, fill int) *raster.Image {
	out := raster.NewFilledImage(w.H, w.W, 1, float64(fill))
	inter, ok := l.extent.Intersect(w)
	if !ok {
		return out
	}
	for y := inter.Y; y < inter.Bottom(); y++ {
		for x := inter.X; x < inter.Right(); x++ {
			p := (y-l.extent.Y)*l.extent.W + x - l.extent.X
			if !l.covered[p] {
				continue
			}
			s := l.scores[p*l.numClasses : (p+1)*l.numClasses]
			best := 0
			for k := 1; k < len(s); k++ {
				if s[k] > s[best] {
					best = k
				}
			}
			out.Data[(y-w.Y)*w.W+x-w.X] = float64(best)
		}
	}
	return out
}
