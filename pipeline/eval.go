package pipeline

import (
	"context"
	"fmt"

	"github.com/wgdzlh/rvpipe/evaluation"
	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/label"
	"github.com/wgdzlh/rvpipe/log"
	"github.com/wgdzlh/rvpipe/raster"

	"go.uber.org/zap"
)

func evalURI(cfg *Config) string {
	return fileio.Join(cfg.RootURI, string(CmdEval), "eval.json")
}

// groundTruth builds the scene labels predictions are compared against.
// Classification uses the predicted windows so cells line up one to one.
func (p *Pipeline) groundTruth(ctx context.Context, s *Scene) (label.Labels, error) {
	if p.cfg.Task != label.TaskChipClassification {
		return s.Labels.Labels(ctx, s.Raster.Extent())
	}
	gt := label.NewChipClassificationLabels()
	for _, w := range p.predictWindows(s) {
		l, err := s.Labels.Labels(ctx, w)
		if err != nil {
			return nil, &raster.WindowError{Window: w, Err: err}
		}
		cl, ok := l.(*label.ChipClassificationLabels)
		if !ok {
			return nil, fmt.Errorf("%w: got %s labels", evaluation.ErrLabelType, l.Task())
		}
		if c, ok := cl.Get(w); ok {
			gt.Set(w, c)
		}
	}
	return gt, nil
}

// eval compares stored predictions with ground truth and writes the report.
func (p *Pipeline) eval(ctx context.Context) ([]string, error) {
	e, err := evaluation.NewEvaluator(p.cfg.Task, p.cfg.Dataset.Classes, p.cfg.Eval.IoUThreshold)
	if err != nil {
		return nil, err
	}
	scenes := p.predictScenes()
	counts := make([]evaluation.SceneCounts, len(scenes))
	err = p.forEachScene(ctx, scenes, SceneNeeds{Labels: true, Store: true},
		func(ctx context.Context, i int, _ splitScene, s *Scene) error {
			gt, err := p.groundTruth(ctx, s)
			if err != nil {
				return err
			}
			pred, err := s.Store.Load(ctx)
			if err != nil {
				return err
			}
			c, err := e.SceneWithin(gt, pred, s.AOIs)
			if err != nil {
				return err
			}
			counts[i] = evaluation.SceneCounts{ID: s.ID, Counts: c}
			return nil
		})
	if err != nil {
		return nil, err
	}
	r := e.Report(counts)
	uri := evalURI(p.cfg)
	if err = r.Save(ctx, p.fs, uri); err != nil {
		return nil, err
	}
	log.Info(p.logTag+"evaluation written", zap.String("uri", uri), zap.Int("scenes", len(counts)))
	return []string{uri}, nil
}
