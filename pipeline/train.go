package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/wgdzlh/rvpipe/backend"
	"github.com/wgdzlh/rvpipe/fileio"
)

var errNoModel = errors.New("backend wrote no model files")

func modelDir(cfg *Config) string {
	return fileio.Join(cfg.RootURI, string(CmdTrain), "model")
}

func checkpointsDir(cfg *Config) string {
	return fileio.Join(cfg.RootURI, string(CmdTrain), "checkpoints")
}

// train runs the backend. Progress survives interruption through the
// checkpoint store; Force starts over.
func (p *Pipeline) train(ctx context.Context) ([]string, error) {
	ckpt := backend.NewCheckpointStore(p.fs, checkpointsDir(p.cfg))
	if p.force {
		if err := ckpt.Clear(ctx); err != nil {
			return nil, err
		}
	}
	dir := modelDir(p.cfg)
	if err := p.fs.Delete(ctx, dir); err != nil {
		return nil, err
	}
	s := &backend.TrainSession{
		FS:           p.fs,
		ChipsDir:     chipsDir(p.cfg),
		ModelDir:     dir,
		Checkpoints:  ckpt,
		ConfigDigest: p.Digest(CmdTrain),
		Epochs:       p.cfg.Train.Epochs,
		Seed:         p.cfg.Seed,
	}
	if err := p.backend.Train(ctx, s); err != nil {
		return nil, err
	}
	outs, err := p.listOutputs(ctx, dir)
	if err != nil {
		return nil, err
	}
	if len(outs) == 0 {
		return nil, fmt.Errorf("%s: %w", p.backend.Name(), errNoModel)
	}
	return outs, nil
}
