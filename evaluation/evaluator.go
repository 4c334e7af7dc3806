package evaluation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/label"
	"github.com/wgdzlh/rvpipe/log"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"go.uber.org/zap"
)

var ErrLabelType = errors.New("evaluation: unexpected label type")

// Evaluator counts matches between predicted and ground truth labels of one task.
type Evaluator struct {
	task    label.Task
	classes label.ClassConfig
	// IoUThreshold is the minimum IoU for a detection to match a ground truth box.
	IoUThreshold float64
	logTag       string
}

func NewEvaluator(task label.Task, classes label.ClassConfig, iouThreshold float64) (*Evaluator, error) {
	if !task.Valid() {
		return nil, fmt.Errorf("%w: task %q", label.ErrTaskMismatch, task)
	}
	if err := classes.Validate(); err != nil {
		return nil, err
	}
	if iouThreshold <= 0 {
		iouThreshold = 0.5
	}
	return &Evaluator{task: task, classes: classes, IoUThreshold: iouThreshold, logTag: "Evaluator:"}, nil
}

func (e *Evaluator) Task() label.Task { return e.task }

// Scene counts one scene. A nil pred counts as no predictions at all.
func (e *Evaluator) Scene(gt, pred label.Labels) (Counts, error) {
	return e.SceneWithin(gt, pred, nil)
}

// SceneWithin counts one scene restricted to the areas of interest, given in
// scene pixels; no areas means the whole scene. Detections are kept when
// their box center lies in an area and pixels when their center does, on both
// sides. Classification windows are expected to be selected already.
func (e *Evaluator) SceneWithin(gt, pred label.Labels, aois []orb.Polygon) (Counts, error) {
	if gt == nil {
		return nil, fmt.Errorf("%w: missing ground truth", ErrLabelType)
	}
	if gt.Task() != e.task || (pred != nil && pred.Task() != e.task) {
		return nil, fmt.Errorf("%w: evaluator %s", label.ErrTaskMismatch, e.task)
	}
	switch g := gt.(type) {
	case *label.ChipClassificationLabels:
		p, _ := pred.(*label.ChipClassificationLabels)
		return e.classification(g, p)
	case *label.ObjectDetectionLabels:
		p, _ := pred.(*label.ObjectDetectionLabels)
		if len(aois) > 0 {
			g = detectionsWithin(g, aois)
			if p != nil {
				p = detectionsWithin(p, aois)
			}
		}
		return e.detection(g, p)
	case *label.SegmentationLabels:
		p, _ := pred.(*label.SegmentationLabels)
		var mask []bool
		if len(aois) > 0 {
			mask = geo.CoverageMask(g.Extent(), aois)
		}
		return e.segmentation(g, p, mask)
	}
	return nil, fmt.Errorf("%w: %T", ErrLabelType, gt)
}

func detectionsWithin(l *label.ObjectDetectionLabels, aois []orb.Polygon) *label.ObjectDetectionLabels {
	ret := label.NewObjectDetectionLabels()
	for _, d := range l.Detections {
		c := d.Box.Bound().Center()
		for _, a := range aois {
			if planar.PolygonContains(a, c) {
				ret.Add(d)
				break
			}
		}
	}
	return ret
}

func (e *Evaluator) validID(id int) error {
	if id < 0 || id >= e.classes.Len() {
		return fmt.Errorf("%w: id %d", label.ErrUnknownClass, id)
	}
	return nil
}

// classification compares windows; a window missing from pred is a false
// negative of its true class, a predicted window without ground truth a
// false positive.
func (e *Evaluator) classification(gt, pred *label.ChipClassificationLabels) (Counts, error) {
	c := NewCounts(e.classes.Len())
	if pred == nil {
		pred = label.NewChipClassificationLabels()
	}
	for _, w := range gt.Windows() {
		g, _ := gt.Get(w)
		if err := e.validID(g.ClassID); err != nil {
			return nil, err
		}
		c[g.ClassID].GT++
		p, ok := pred.Get(w)
		switch {
		case !ok:
			c[g.ClassID].FN++
		case p.ClassID == g.ClassID:
			c[g.ClassID].TP++
		default:
			if err := e.validID(p.ClassID); err != nil {
				return nil, err
			}
			c[g.ClassID].FN++
			c[p.ClassID].FP++
		}
	}
	for _, w := range pred.Windows() {
		if _, ok := gt.Get(w); ok {
			continue
		}
		p, _ := pred.Get(w)
		if err := e.validID(p.ClassID); err != nil {
			return nil, err
		}
		c[p.ClassID].FP++
	}
	return c, nil
}

// detection matches greedily per class: predictions in descending score order
// take the unmatched ground truth box of highest IoU, if it reaches IoUThreshold.
func (e *Evaluator) detection(gt, pred *label.ObjectDetectionLabels) (Counts, error) {
	c := NewCounts(e.classes.Len())
	gts := map[int][]label.Detection{}
	for _, d := range gt.Sorted().Detections {
		if err := e.validID(d.ClassID); err != nil {
			return nil, err
		}
		gts[d.ClassID] = append(gts[d.ClassID], d)
		c[d.ClassID].GT++
	}
	matched := map[int][]bool{}
	for k, ds := range gts {
		matched[k] = make([]bool, len(ds))
	}
	if pred != nil {
		for _, p := range pred.Sorted().Detections {
			if err := e.validID(p.ClassID); err != nil {
				return nil, err
			}
			best, bestIoU := -1, 0.0
			for i, g := range gts[p.ClassID] {
				if matched[p.ClassID][i] {
					continue
				}
				if iou := p.Box.IoU(g.Box); iou >= e.IoUThreshold && iou > bestIoU {
					best, bestIoU = i, iou
				}
			}
			if best < 0 {
				c[p.ClassID].FP++
				continue
			}
			matched[p.ClassID][best] = true
			c[p.ClassID].TP++
			c[p.ClassID].IoUSum += bestIoU
			c[p.ClassID].Matches++
		}
	}
	for k, ms := range matched {
		for _, m := range ms {
			if !m {
				c[k].FN++
			}
		}
	}
	return c, nil
}

// segmentation compares class rasters pixel by pixel over the ground truth
// extent. Pixels whose true class is the null class are ignored, as are pixels
// off a non-nil mask.
func (e *Evaluator) segmentation(gt, pred *label.SegmentationLabels, mask []bool) (Counts, error) {
	n := e.classes.Len()
	c := NewCounts(n)
	null, hasNull := e.classes.NullClassID()
	fill := 0
	if hasNull {
		fill = null
	}
	g := gt.ClassRaster(gt.Extent(), fill)
	var p []float64
	if pred != nil {
		p = pred.ClassRaster(gt.Extent(), fill).Data
	}
	for i, v := range g.Data {
		if mask != nil && !mask[i] {
			continue
		}
		gi := int(v)
		if hasNull && gi == null {
			continue
		}
		if err := e.validID(gi); err != nil {
			return nil, err
		}
		c[gi].GT++
		if p == nil {
			c[gi].FN++
			continue
		}
		pi := int(p[i])
		if pi == gi {
			c[gi].TP++
			continue
		}
		if err := e.validID(pi); err != nil {
			return nil, err
		}
		c[gi].FN++
		c[pi].FP++
	}
	return c, nil
}

// SceneCounts pairs a scene id with its counts.
type SceneCounts struct {
	ID     string
	Counts Counts
}

// Report builds the report of the given scenes; overall counts are merged in
// the order given.
func (e *Evaluator) Report(scenes []SceneCounts) *Report {
	r := &Report{Task: e.task, Scenes: make([]SceneReport, 0, len(scenes))}
	overall := NewCounts(e.classes.Len())
	for _, s := range scenes {
		overall.Merge(s.Counts)
		r.Scenes = append(r.Scenes, e.summary(s.ID, s.Counts))
	}
	sort.SliceStable(r.Scenes, func(i, j int) bool { return r.Scenes[i].SceneID < r.Scenes[j].SceneID })
	r.Overall = e.summary("", overall)
	log.Info(e.logTag+"evaluated", zap.String("task", string(e.task)), zap.Int("scenes", len(scenes)),
		zap.Float64("f1", float64(r.Overall.Micro.F1)))
	return r
}

func (e *Evaluator) summary(id string, c Counts) SceneReport {
	s := SceneReport{SceneID: id, Classes: make([]ClassMetrics, len(c))}
	for k, cc := range c {
		s.Classes[k] = e.metrics(k, cc)
	}
	s.Average = weightedAverage(s.Classes)
	s.Micro = e.metrics(-1, c.total())
	s.Micro.ClassName = "micro"
	return s
}

func (e *Evaluator) metrics(id int, c ClassCounts) ClassMetrics {
	m := ClassMetrics{ClassID: id, ClassCounts: c}
	if id >= 0 {
		m.ClassName = e.classes.Name(id)
	}
	tp, fp, fn := float64(c.TP), float64(c.FP), float64(c.FN)
	m.Precision = ratio(tp, tp+fp)
	m.Recall = ratio(tp, tp+fn)
	m.F1 = ratio(2*tp, 2*tp+fp+fn)
	switch e.task {
	case label.TaskObjectDetection:
		m.IoU = ratio(c.IoUSum, float64(c.Matches))
	case label.TaskSemanticSegmentation:
		m.IoU = ratio(tp, tp+fp+fn)
	default:
		m.IoU = NaN()
	}
	return m
}

// weightedAverage weights each defined metric by the ground truth count of its class.
func weightedAverage(cs []ClassMetrics) ClassMetrics {
	avg := ClassMetrics{ClassID: -1, ClassName: "average"}
	ws := [4]float64{}
	sums := [4]float64{}
	for _, c := range cs {
		avg.ClassCounts.add(c.ClassCounts)
		w := float64(c.GT)
		for i, v := range [4]Metric{c.Precision, c.Recall, c.F1, c.IoU} {
			if v.Defined() && w > 0 {
				sums[i] += w * float64(v)
				ws[i] += w
			}
		}
	}
	avg.Precision = ratio(sums[0], ws[0])
	avg.Recall = ratio(sums[1], ws[1])
	avg.F1 = ratio(sums[2], ws[2])
	avg.IoU = ratio(sums[3], ws[3])
	return avg
}
