package pipeline

import (
	"context"

	"github.com/wgdzlh/rvpipe/analyzer"
	"github.com/wgdzlh/rvpipe/backend"
	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/log"

	"go.uber.org/zap"
)

func statsURI(cfg *Config) string {
	return fileio.Join(cfg.RootURI, string(CmdAnalyze), "stats.json")
}

// analyze computes channel statistics over the raw pixels of the train scenes.
func (p *Pipeline) analyze(ctx context.Context) ([]string, error) {
	a := analyzer.NewStatsAnalyzer(analyzer.Config{
		ChipSize:   p.cfg.Analyze.ChipSize,
		SampleProb: p.cfg.Analyze.SampleProb,
		Seed:       p.cfg.Seed,
		Workers:    p.cfg.Workers,
	})
	scenes := tagged(backend.SplitTrain, p.cfg.Dataset.TrainScenes)
	acc := analyzer.NewAccumulator()
	err := p.forEachScene(ctx, scenes, SceneNeeds{}, func(ctx context.Context, idx int, _ splitScene, s *Scene) error {
		rs, err := a.AnalyzeScene(ctx, analyzer.Input{ID: s.ID, Source: s.Raster, NoData: s.NoData, HasNoData: s.HasNoData})
		if err != nil {
			return err
		}
		acc.Add(idx, rs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	rs, err := acc.Result(len(scenes))
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, analyzer.ErrNoSamples
	}
	st, err := rs.Stats()
	if err != nil {
		return nil, err
	}
	uri := statsURI(p.cfg)
	if err = st.Save(ctx, p.fs, uri); err != nil {
		return nil, err
	}
	if l, ok := p.loader.(*DefaultLoader); ok {
		l.resetStats()
	}
	log.Info(p.logTag+"saved stats", zap.String("uri", uri), zap.Float64s("means", st.Means), zap.Float64s("stds", st.Stds))
	return []string{uri}, nil
}
