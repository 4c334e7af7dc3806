package analyzer

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/log"
	"github.com/wgdzlh/rvpipe/raster"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Input is one training scene to analyze.
type Input struct {
	ID     string
	Source raster.Source
	// NoData samples are skipped when HasNoData is set.
	NoData    float64
	HasNoData bool
}

// Config controls window sampling.
type Config struct {
	// ChipSize of the sliding windows, default 300.
	ChipSize int `yaml:"chip_size" json:"chip_size"`
	// SampleProb keeps each window with this probability; 0 or 1 keeps all.
	SampleProb float64 `yaml:"sample_prob" json:"sample_prob"`
	Seed       int64   `yaml:"seed" json:"seed"`
	Workers    int     `yaml:"workers" json:"workers"`
}

const defaultChipSize = 300

// StatsAnalyzer computes per-channel mean and std over the untransformed pixels of
// training scenes. Scenes are read concurrently, merged in input order.
type StatsAnalyzer struct {
	cfg    Config
	logTag string
}

func NewStatsAnalyzer(cfg Config) *StatsAnalyzer {
	if cfg.ChipSize <= 0 {
		cfg.ChipSize = defaultChipSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &StatsAnalyzer{cfg: cfg, logTag: "StatsAnalyzer:"}
}

// SceneSeed derives the sampling seed of a scene from its id and the run seed.
func SceneSeed(id string, seed int64) int64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return int64(h.Sum64()) ^ seed
}

func (a *StatsAnalyzer) Analyze(ctx context.Context, inputs []Input) (*Stats, error) {
	if len(inputs) == 0 {
		return nil, ErrNoSamples
	}
	start := time.Now()
	nch := inputs[0].Source.NumChannels()
	acc := NewAccumulator()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for i, in := range inputs {
		if in.Source.NumChannels() != nch {
			return nil, fmt.Errorf("%w: scene %s has %d channels, %s has %d", ErrChannelMismatch, in.ID, in.Source.NumChannels(), inputs[0].ID, nch)
		}
		g.Go(func() error {
			rs, err := a.AnalyzeScene(gctx, in)
			if err != nil {
				return fmt.Errorf("scene %s: %w", in.ID, err)
			}
			acc.Add(i, rs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	rs, err := acc.Result(len(inputs))
	if err != nil {
		return nil, err
	}
	st, err := rs.Stats()
	if err != nil {
		return nil, err
	}
	log.Info(a.logTag+"computed stats", zap.Int("scenes", len(inputs)), zap.Float64s("means", st.Means),
		zap.Float64s("stds", st.Stds), zap.Duration("took", time.Since(start)))
	return st, nil
}

// AnalyzeScene computes the partial statistics of one scene.
func (a *StatsAnalyzer) AnalyzeScene(ctx context.Context, in Input) (RunningStats, error) {
	ext := in.Source.Extent()
	rng := rand.New(rand.NewSource(SceneSeed(in.ID, a.cfg.Seed)))
	sample := a.cfg.SampleProb > 0 && a.cfg.SampleProb < 1
	rs := NewRunningStats(in.Source.NumChannels())
	n := 0
	for _, w := range geo.SlidingWindows(ext, a.cfg.ChipSize, a.cfg.ChipSize) {
		if sample && rng.Float64() >= a.cfg.SampleProb {
			continue
		}
		// clip to the extent so padding never enters the statistics
		w, _ = w.Intersect(ext)
		img, err := in.Source.ReadRawWindow(ctx, w)
		if err != nil {
			return nil, err
		}
		if rs, err = rs.AddImage(img, in.NoData, in.HasNoData); err != nil {
			return nil, &raster.WindowError{Window: w, Err: err}
		}
		n++
	}
	log.Debug(a.logTag+"analyzed scene", zap.String("scene", in.ID), zap.Int("windows", n))
	return rs, nil
}
