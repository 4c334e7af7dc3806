package evaluation

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/label"
	"github.com/wgdzlh/rvpipe/raster"

	"github.com/paulmach/orb"
)

var classes = label.ClassConfig{Names: []string{"building", "tree", "background"}, NullClass: "background"}

func cells(ids ...int) *label.ChipClassificationLabels {
	l := label.NewChipClassificationLabels()
	for i, id := range ids {
		l.Set(geo.NewWindow(i*10, 0, 10, 10), label.Cell{ClassID: id})
	}
	return l
}

func mustEval(t *testing.T, task label.Task) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(task, classes, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestClassificationPerfect(t *testing.T) {
	e := mustEval(t, label.TaskChipClassification)
	c, err := e.Scene(cells(0, 1, 1, 0), cells(0, 1, 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	r := e.Report([]SceneCounts{{ID: "s", Counts: c}})
	for _, m := range r.Overall.Classes[:2] {
		if m.Precision != 1 || m.Recall != 1 || m.F1 != 1 {
			t.Fatalf("class %s: %+v", m.ClassName, m)
		}
	}
	// absent from the scene: undefined, not zero
	if bg := r.Overall.Classes[2]; bg.Precision.Defined() || bg.Recall.Defined() || bg.F1.Defined() {
		t.Fatalf("absent class: %+v", bg)
	}
	if r.Overall.Average.F1 != 1 || r.Overall.Micro.F1 != 1 {
		t.Fatalf("aggregates: %+v %+v", r.Overall.Average, r.Overall.Micro)
	}
}

func TestNoPredictions(t *testing.T) {
	for _, tc := range []struct {
		task label.Task
		gt   label.Labels
	}{
		{label.TaskChipClassification, cells(0, 1)},
		{label.TaskObjectDetection, label.NewObjectDetectionLabels(label.Detection{Box: geo.Box{Xmax: 4, Ymax: 4}, ClassID: 1, Score: 1})},
	} {
		e := mustEval(t, tc.task)
		c, err := e.Scene(tc.gt, nil)
		if err != nil {
			t.Fatal(err)
		}
		m := e.Report([]SceneCounts{{ID: "s", Counts: c}}).Overall.Classes[1]
		if m.Recall != 0 || m.F1 != 0 || m.Precision.Defined() {
			t.Fatalf("%s: %+v", tc.task, m)
		}
	}
}

func TestDetectionMatching(t *testing.T) {
	e := mustEval(t, label.TaskObjectDetection)
	gt := label.NewObjectDetectionLabels(
		label.Detection{Box: geo.Box{Xmin: 0, Ymin: 0, Xmax: 10, Ymax: 10}, ClassID: 0, Score: 1},
		label.Detection{Box: geo.Box{Xmin: 20, Ymin: 0, Xmax: 30, Ymax: 10}, ClassID: 0, Score: 1},
	)
	pred := label.NewObjectDetectionLabels(
		// matches the first box with IoU 0.8
		label.Detection{Box: geo.Box{Xmin: 0, Ymin: 0, Xmax: 10, Ymax: 8}, ClassID: 0, Score: 0.9},
		// duplicate of the first box, nothing left to match
		label.Detection{Box: geo.Box{Xmin: 0, Ymin: 0, Xmax: 10, Ymax: 10}, ClassID: 0, Score: 0.5},
		// wrong class
		label.Detection{Box: geo.Box{Xmin: 20, Ymin: 0, Xmax: 30, Ymax: 10}, ClassID: 1, Score: 0.7},
	)
	c, err := e.Scene(gt, pred)
	if err != nil {
		t.Fatal(err)
	}
	if got := c[0]; got.TP != 1 || got.FP != 1 || got.FN != 1 || got.GT != 2 {
		t.Fatalf("class 0 counts %+v", got)
	}
	if got := c[1]; got.TP != 0 || got.FP != 1 || got.FN != 0 {
		t.Fatalf("class 1 counts %+v", got)
	}
	m := e.Report([]SceneCounts{{ID: "s", Counts: c}}).Overall.Classes[0]
	if m.Precision != 0.5 || m.Recall != 0.5 || m.IoU != 0.8 {
		t.Fatalf("class 0 metrics %+v", m)
	}
}

func TestSegmentation(t *testing.T) {
	e := mustEval(t, label.TaskSemanticSegmentation)
	w := geo.NewWindow(0, 0, 4, 1)
	gt := label.NewSegmentationLabels(w, 3)
	pred := label.NewSegmentationLabels(w, 3)
	if err := gt.AddClassRaster(w, &raster.Image{H: 1, W: 4, C: 1, Data: []float64{0, 0, 1, 2}}); err != nil {
		t.Fatal(err)
	}
	if err := pred.AddClassRaster(w, &raster.Image{H: 1, W: 4, C: 1, Data: []float64{0, 1, 1, 0}}); err != nil {
		t.Fatal(err)
	}
	c, err := e.Scene(gt, pred)
	if err != nil {
		t.Fatal(err)
	}
	// the null class pixel is not scored
	if c[0] != (ClassCounts{TP: 1, FN: 1, GT: 2}) || c[1] != (ClassCounts{TP: 1, FP: 1, GT: 1}) || c[2] != (ClassCounts{}) {
		t.Fatalf("counts %+v", c)
	}
	m := e.Report([]SceneCounts{{ID: "s", Counts: c}}).Overall
	if m.Classes[0].IoU != 0.5 || m.Classes[1].IoU != 0.5 {
		t.Fatalf("iou %v %v", m.Classes[0].IoU, m.Classes[1].IoU)
	}
}

func TestSceneWithinAOI(t *testing.T) {
	det := mustEval(t, label.TaskObjectDetection)
	gt := label.NewObjectDetectionLabels(
		label.Detection{Box: geo.Box{Xmin: 0, Ymin: 0, Xmax: 10, Ymax: 10}, ClassID: 0, Score: 1},
		label.Detection{Box: geo.Box{Xmin: 20, Ymin: 0, Xmax: 30, Ymax: 10}, ClassID: 0, Score: 1},
	)
	pred := label.NewObjectDetectionLabels(
		label.Detection{Box: geo.Box{Xmin: 0, Ymin: 0, Xmax: 10, Ymax: 8}, ClassID: 0, Score: 0.9},
		label.Detection{Box: geo.Box{Xmin: 40, Ymin: 0, Xmax: 50, Ymax: 10}, ClassID: 0, Score: 0.6},
	)
	aois := []orb.Polygon{geo.NewWindow(0, 0, 15, 10).Polygon()}
	c, err := det.SceneWithin(gt, pred, aois)
	if err != nil {
		t.Fatal(err)
	}
	// the second truth box and the second prediction lie outside the area
	if got := c[0]; got.TP != 1 || got.FP != 0 || got.FN != 0 || got.GT != 1 {
		t.Errorf("detection counts %+v", got)
	}

	seg := mustEval(t, label.TaskSemanticSegmentation)
	w := geo.NewWindow(0, 0, 4, 1)
	gs, ps := label.NewSegmentationLabels(w, 3), label.NewSegmentationLabels(w, 3)
	if err = gs.AddClassRaster(w, &raster.Image{H: 1, W: 4, C: 1, Data: []float64{0, 0, 1, 1}}); err != nil {
		t.Fatal(err)
	}
	if err = ps.AddClassRaster(w, &raster.Image{H: 1, W: 4, C: 1, Data: []float64{0, 1, 0, 0}}); err != nil {
		t.Fatal(err)
	}
	sc, err := seg.SceneWithin(gs, ps, []orb.Polygon{geo.NewWindow(0, 0, 2, 1).Polygon()})
	if err != nil {
		t.Fatal(err)
	}
	if sc[0] != (ClassCounts{TP: 1, FN: 1, GT: 2}) || sc[1] != (ClassCounts{FP: 1}) {
		t.Errorf("segmentation counts %+v", sc)
	}
}

func TestReportJSON(t *testing.T) {
	ctx := context.Background()
	e := mustEval(t, label.TaskChipClassification)
	a, _ := e.Scene(cells(0), cells(0))
	b, _ := e.Scene(cells(1), nil)
	r := e.Report([]SceneCounts{{ID: "b", Counts: b}, {ID: "a", Counts: a}})
	if r.Scenes[0].SceneID != "a" {
		t.Fatalf("scenes not sorted: %s", r.Scenes[0].SceneID)
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"precision":null`) {
		t.Fatalf("undefined precision not null: %s", data)
	}

	fs := fileio.NewLocal(t.TempDir())
	uri := filepath.Join(t.TempDir(), "eval.json")
	if err = r.Save(ctx, fs, uri); err != nil {
		t.Fatal(err)
	}
	got, err := LoadReport(ctx, fs, uri)
	if err != nil {
		t.Fatal(err)
	}
	if got.Overall.Classes[1].Precision.Defined() || got.Overall.Classes[0].F1 != 1 || got.Overall.Micro.TP != 1 {
		t.Fatalf("loaded report %+v", got.Overall)
	}
}

func TestTaskMismatch(t *testing.T) {
	e := mustEval(t, label.TaskChipClassification)
	if _, err := e.Scene(cells(0), label.NewObjectDetectionLabels()); err == nil {
		t.Fatal("expected task mismatch")
	}
}
