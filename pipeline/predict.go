package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/wgdzlh/rvpipe/backend"
	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/label"
	"github.com/wgdzlh/rvpipe/log"
	"github.com/wgdzlh/rvpipe/raster"

	"go.uber.org/zap"
)

// predictWindows lists the windows predicted for a scene. With AOIs a
// window is kept when at least one of its pixels is covered.
func (p *Pipeline) predictWindows(s *Scene) (ret []geo.Window) {
	c := &p.cfg.Predict
	ws := geo.SlidingWindows(s.Raster.Extent(), c.ChipSize, c.Stride)
	if len(s.AOIs) == 0 {
		return ws
	}
	for _, w := range ws {
		if slices.Contains(geo.CoverageMask(w, s.AOIs), true) {
			ret = append(ret, w)
		}
	}
	return
}

// StitchDetections moves window-local detections into scene pixel coordinates
// and clips them to the scene extent, dropping boxes left empty.
func StitchDetections(w, extent geo.Window, ds []label.Detection) []label.Detection {
	moved := label.NewObjectDetectionLabels(ds...).Translate(float64(w.X), float64(w.Y)).Detections
	ret := moved[:0]
	for _, d := range moved {
		if b, ok := d.Box.Clip(extent); ok {
			d.Box = b
			ret = append(ret, d)
		}
	}
	return ret
}

// stitcher merges per-window predictions into scene labels.
type stitcher struct {
	task   label.Task
	extent geo.Window
	cls    *label.ChipClassificationLabels
	det    *label.ObjectDetectionLabels
	seg    *label.SegmentationLabels
}

func newStitcher(task label.Task, extent geo.Window, numClasses int) *stitcher {
	s := &stitcher{task: task, extent: extent}
	switch task {
	case label.TaskChipClassification:
		s.cls = label.NewChipClassificationLabels()
	case label.TaskObjectDetection:
		s.det = label.NewObjectDetectionLabels()
	default:
		s.seg = label.NewSegmentationLabels(extent, numClasses)
	}
	return s
}

func (s *stitcher) add(w geo.Window, pr backend.Prediction) error {
	switch s.task {
	case label.TaskChipClassification:
		s.cls.Set(w, label.Cell{ClassID: pr.ClassID, Scores: pr.Scores})
	case label.TaskObjectDetection:
		s.det.Add(StitchDetections(w, s.extent, pr.Detections)...)
	default:
		img := pr.Segmentation
		if img == nil {
			return fmt.Errorf("%w: prediction has no segmentation", backend.ErrUnsupportedTask)
		}
		if img.C == 1 {
			return s.seg.AddClassRaster(w, img)
		}
		return s.seg.AddScores(w, img)
	}
	return nil
}

func (s *stitcher) labels(nmsIoU, scoreThreshold float64) label.Labels {
	switch s.task {
	case label.TaskChipClassification:
		return s.cls
	case label.TaskObjectDetection:
		return s.det.NMS(nmsIoU, scoreThreshold)
	}
	return s.seg
}

// PredictScene runs the predictor over the scene windows in batches and
// stitches the results into scene labels.
func (p *Pipeline) PredictScene(ctx context.Context, s *Scene, pred backend.Predictor) (label.Labels, error) {
	c := &p.cfg.Predict
	windows := p.predictWindows(s)
	st := newStitcher(p.cfg.Task, s.Raster.Extent(), p.cfg.Dataset.Classes.Len())
	for start := 0; start < len(windows); start += c.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := windows[start:min(start+c.BatchSize, len(windows))]
		chips := make([]*raster.Image, len(batch))
		for i, w := range batch {
			img, err := s.Raster.ReadWindow(ctx, w)
			if err != nil {
				return nil, err
			}
			chips[i] = img
		}
		prs, err := pred.Predict(ctx, chips)
		if err != nil {
			return nil, &raster.WindowError{Window: batch[0], Err: err}
		}
		if len(prs) != len(batch) {
			return nil, fmt.Errorf("predictor returned %d predictions for %d chips", len(prs), len(batch))
		}
		for i, w := range batch {
			if err = st.add(w, prs[i]); err != nil {
				return nil, &raster.WindowError{Window: w, Err: err}
			}
		}
	}
	p.metrics.WindowsPredicted(p.cfg.ID, len(windows))
	log.Debug(p.logTag+"scene predicted", zap.String("scene", s.ID), zap.Int("windows", len(windows)))
	return st.labels(c.NMSIoU, c.ScoreThreshold), nil
}

// predict writes one label store per validation and test scene.
func (p *Pipeline) predict(ctx context.Context) ([]string, error) {
	pred, err := p.backend.LoadModel(ctx, p.fs, modelDir(p.cfg))
	if err != nil {
		return nil, err
	}
	defer pred.Close()
	var (
		mu   sync.Mutex
		outs []string
	)
	err = p.forEachScene(ctx, p.predictScenes(), SceneNeeds{Transform: true, Store: true},
		func(ctx context.Context, _ int, _ splitScene, s *Scene) error {
			l, err := p.PredictScene(ctx, s, pred)
			if err != nil {
				return err
			}
			if err = s.Store.Save(ctx, l); err != nil {
				return err
			}
			written := []string{s.Store.URI()}
			if ss, ok := s.Store.(*label.SemanticSegmentationStore); ok {
				written = append(written, ss.VectorURIs()...)
			}
			mu.Lock()
			outs = append(outs, written...)
			mu.Unlock()
			log.Info(p.logTag+"predictions saved", zap.String("scene", s.ID), zap.String("uri", s.Store.URI()))
			return nil
		})
	if err != nil {
		return nil, err
	}
	slices.Sort(outs)
	return outs, nil
}
