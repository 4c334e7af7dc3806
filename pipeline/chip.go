package pipeline

import (
	"context"
	"math/rand"
	"sync/atomic"

	"github.com/wgdzlh/rvpipe/analyzer"
	"github.com/wgdzlh/rvpipe/backend"
	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/label"
	"github.com/wgdzlh/rvpipe/log"
	"github.com/wgdzlh/rvpipe/raster"

	"go.uber.org/zap"
)

const chipBatch = 64

func chipsDir(cfg *Config) string {
	return fileio.Join(cfg.RootURI, string(CmdChip), "chips")
}

// chipWindows lists the training windows of a scene. With AOIs only windows
// whose every pixel center lies inside one are kept.
func (p *Pipeline) chipWindows(s *Scene) (ret []geo.Window) {
	ext := s.Raster.Extent()
	c := &p.cfg.Chip
	var ws []geo.Window
	if c.Method == ChipRandom {
		rng := rand.New(rand.NewSource(analyzer.SceneSeed(s.ID, p.cfg.Seed)))
		ws = geo.RandomWindows(ext, c.Size, c.ChipsPerScene, rng)
	} else {
		ws = geo.SlidingWindows(ext, c.Size, c.Stride)
	}
	if len(s.AOIs) == 0 {
		return ws
	}
	for _, w := range ws {
		if geo.FullyCovered(w, s.AOIs) {
			ret = append(ret, w)
		}
	}
	return
}

// localLabels moves window labels into window-local pixel coordinates.
func localLabels(l label.Labels, w geo.Window) label.Labels {
	if d, ok := l.(*label.ObjectDetectionLabels); ok {
		return d.Translate(-float64(w.X), -float64(w.Y))
	}
	return l
}

// chip reads training and validation windows and hands them to the backend.
func (p *Pipeline) chip(ctx context.Context) ([]string, error) {
	dir := chipsDir(p.cfg)
	if err := p.fs.Delete(ctx, dir); err != nil {
		return nil, err
	}
	var total atomic.Int64
	err := p.forEachScene(ctx, p.trainingScenes(), SceneNeeds{Transform: true, Labels: true},
		func(ctx context.Context, _ int, ss splitScene, s *Scene) error {
			batch := make([]backend.Sample, 0, chipBatch)
			n := 0
			flush := func() error {
				if len(batch) == 0 {
					return nil
				}
				if err := p.backend.SaveTrainingChips(ctx, p.fs, dir, batch); err != nil {
					return err
				}
				p.metrics.ChipsWritten(p.cfg.ID, ss.split, len(batch))
				n += len(batch)
				batch = batch[:0]
				return nil
			}
			for _, w := range p.chipWindows(s) {
				img, err := s.Raster.ReadWindow(ctx, w)
				if err != nil {
					return err
				}
				l, err := s.Labels.Labels(ctx, w)
				if err != nil {
					return &raster.WindowError{Window: w, Err: err}
				}
				batch = append(batch, backend.Sample{SceneID: s.ID, Split: ss.split, Window: w, Chip: img, Labels: localLabels(l, w)})
				if len(batch) == chipBatch {
					if err = flush(); err != nil {
						return err
					}
				}
			}
			if err := flush(); err != nil {
				return err
			}
			total.Add(int64(n))
			log.Info(p.logTag+"chipped scene", zap.String("scene", s.ID), zap.String("split", ss.split), zap.Int("chips", n))
			return nil
		})
	if err != nil {
		return nil, err
	}
	log.Info(p.logTag+"chips written", zap.Int64("chips", total.Load()), zap.String("dir", dir))
	return p.listOutputs(ctx, dir)
}
