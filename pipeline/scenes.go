package pipeline

import (
	"context"

	"github.com/wgdzlh/rvpipe/backend"

	"golang.org/x/sync/errgroup"
)

type splitScene struct {
	split string
	cfg   SceneConfig
}

func tagged(split string, scenes []SceneConfig) []splitScene {
	ret := make([]splitScene, len(scenes))
	for i, sc := range scenes {
		ret[i] = splitScene{split: split, cfg: sc}
	}
	return ret
}

func (p *Pipeline) trainingScenes() []splitScene {
	d := &p.cfg.Dataset
	return append(tagged(backend.SplitTrain, d.TrainScenes), tagged(backend.SplitValid, d.ValidationScenes)...)
}

// predictScenes lists validation and test scenes, each scene id once.
func (p *Pipeline) predictScenes() (ret []splitScene) {
	d := &p.cfg.Dataset
	seen := map[string]bool{}
	for _, ss := range append(tagged("validation", d.ValidationScenes), tagged("test", d.TestScenes)...) {
		if seen[ss.cfg.ID] {
			continue
		}
		seen[ss.cfg.ID] = true
		ret = append(ret, ss)
	}
	return
}

// forEachScene loads and processes scenes concurrently, Workers at a time. The
// first failure cancels the rest and is returned as a SceneError.
func (p *Pipeline) forEachScene(ctx context.Context, scenes []splitScene, needs SceneNeeds,
	fn func(ctx context.Context, idx int, ss splitScene, s *Scene) error) error {
	if len(scenes) == 0 {
		return ErrNoScenes
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, ss := range scenes {
		g.Go(func() error {
			s, err := p.loader.Load(gctx, ss.cfg, needs)
			if err != nil {
				return newSceneError(ss.cfg.ID, err)
			}
			defer s.Close()
			return newSceneError(ss.cfg.ID, fn(gctx, i, ss, s))
		})
	}
	return g.Wait()
}
