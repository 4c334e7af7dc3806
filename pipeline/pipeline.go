// Package pipeline runs the commands of a configured pipeline in dependency
// order: analyze, chip, train, predict, eval and bundle. A command is skipped
// when its done marker matches the current configuration and outputs.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/wgdzlh/rvpipe/backend"
	_ "github.com/wgdzlh/rvpipe/backend/centroid"
	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/log"
	"github.com/wgdzlh/rvpipe/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Command string

const (
	CmdAnalyze Command = "analyze"
	CmdChip    Command = "chip"
	CmdTrain   Command = "train"
	CmdPredict Command = "predict"
	CmdEval    Command = "eval"
	CmdBundle  Command = "bundle"
)

// Commands in execution order.
var Commands = []Command{CmdAnalyze, CmdChip, CmdTrain, CmdPredict, CmdEval, CmdBundle}

var dependencies = map[Command][]Command{
	CmdChip:    {CmdAnalyze},
	CmdTrain:   {CmdChip},
	CmdPredict: {CmdTrain, CmdAnalyze},
	CmdEval:    {CmdPredict},
	CmdBundle:  {CmdTrain, CmdAnalyze},
}

func ParseCommand(s string) (Command, error) {
	for _, c := range Commands {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

// canonical orders cmds by execution order; empty means all commands.
func canonical(cmds []Command) ([]Command, error) {
	if len(cmds) == 0 {
		return Commands, nil
	}
	want := map[Command]bool{}
	for _, c := range cmds {
		if _, ok := index(c); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, c)
		}
		want[c] = true
	}
	var ret []Command
	for _, c := range Commands {
		if want[c] {
			ret = append(ret, c)
		}
	}
	return ret, nil
}

func index(c Command) (int, bool) {
	for i, x := range Commands {
		if x == c {
			return i, true
		}
	}
	return 0, false
}

const markerName = "done.json"

// marker records a successful command execution.
type marker struct {
	Command Command `json:"command"`
	Digest  string  `json:"digest"`
	// Outputs maps every output URI to its SHA-256.
	Outputs map[string]string `json:"outputs"`
	// Stats holds size and version of each output when it was hashed.
	Stats map[string]fileio.Info `json:"stats,omitempty"`
	// Inputs holds the output digest of each dependency at execution time.
	Inputs     map[Command]string `json:"inputs,omitempty"`
	RunID      string             `json:"run_id"`
	FinishedAt time.Time          `json:"finished_at"`
}

// outputsDigest summarizes the outputs map independent of its order.
func (m *marker) outputsDigest() string {
	keys := make([]string, 0, len(m.Outputs))
	for k := range m.Outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(m.Outputs[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Pipeline executes the commands of one Config. A Pipeline is not safe for
// concurrent Runs; distinct pipelines are independent.
type Pipeline struct {
	cfg     *Config
	fs      fileio.FS
	loader  SceneLoader
	backend backend.Backend
	metrics *metrics.Recorder
	force   bool
	digests map[Command]string
	logTag  string
}

type Option func(*Pipeline)

func WithFS(fs fileio.FS) Option             { return func(p *Pipeline) { p.fs = fs } }
func WithLoader(l SceneLoader) Option        { return func(p *Pipeline) { p.loader = l } }
func WithBackend(b backend.Backend) Option   { return func(p *Pipeline) { p.backend = b } }
func WithMetrics(m *metrics.Recorder) Option { return func(p *Pipeline) { p.metrics = m } }
func WithForce(force bool) Option            { return func(p *Pipeline) { p.force = force } }

// New validates cfg and prepares its pipeline. Unset collaborators default to
// fileio.New(cfg.Storage), the GDAL scene loader and the configured backend.
func New(cfg *Config, opts ...Option) (p *Pipeline, err error) {
	cfg.SetDefaults()
	if err = cfg.Validate(); err != nil {
		return
	}
	p = &Pipeline{cfg: cfg, digests: map[Command]string{}, logTag: "Pipeline[" + cfg.ID + "]:"}
	for _, o := range opts {
		o(p)
	}
	if p.fs == nil {
		p.fs = fileio.New(cfg.Storage)
	}
	if p.loader == nil {
		p.loader = NewDefaultLoader(cfg, p.fs)
	}
	if p.backend == nil {
		if p.backend, err = backend.New(cfg.Train.Backend, cfg.Task, cfg.Dataset.Classes.Len(), cfg.Train.Params); err != nil {
			return nil, err
		}
	}
	return
}

func (p *Pipeline) Config() *Config { return p.cfg }

// Close releases resources of the default scene loader.
func (p *Pipeline) Close() {
	if l, ok := p.loader.(*DefaultLoader); ok {
		l.Close()
	}
}

func (p *Pipeline) dir(cmd Command) string { return fileio.Join(p.cfg.RootURI, string(cmd)) }

func (p *Pipeline) markerURI(cmd Command) string { return fileio.Join(p.dir(cmd), markerName) }

// sections are the parts of the config a command reads.
func (p *Pipeline) sections(cmd Command) any {
	c, d := p.cfg, &p.cfg.Dataset
	switch cmd {
	case CmdAnalyze:
		return []any{c.Seed, c.Analyze, rasters(d.TrainScenes)}
	case CmdChip:
		return []any{c.Task, c.Seed, d.Classes, c.Chip, d.TrainScenes, d.ValidationScenes}
	case CmdTrain:
		return []any{c.Task, c.Seed, d.Classes, c.Train}
	case CmdPredict:
		return []any{c.Task, d.Classes, c.Predict, d.ValidationScenes, d.TestScenes}
	case CmdEval:
		return []any{c.Task, d.Classes, c.Eval, c.Predict.ChipSize, c.Predict.Stride, d.ValidationScenes, d.TestScenes}
	}
	return []any{c.Task, d.Classes, c.Bundle, c.Predict}
}

func rasters(scenes []SceneConfig) []RasterSourceConfig {
	ret := make([]RasterSourceConfig, len(scenes))
	for i, s := range scenes {
		ret[i] = s.Raster
	}
	return ret
}

// Digest identifies the configuration cmd runs with: its name, the config
// sections it reads and the digests of its dependencies.
func (p *Pipeline) Digest(cmd Command) string {
	if d, ok := p.digests[cmd]; ok {
		return d
	}
	h := sha256.New()
	h.Write([]byte(cmd))
	h.Write([]byte{0})
	data, _ := json.Marshal(p.sections(cmd))
	h.Write(data)
	for _, dep := range dependencies[cmd] {
		h.Write([]byte{0})
		h.Write([]byte(p.Digest(dep)))
	}
	d := hex.EncodeToString(h.Sum(nil))
	p.digests[cmd] = d
	return d
}

func (p *Pipeline) readMarker(ctx context.Context, cmd Command) (*marker, error) {
	data, err := p.fs.Read(ctx, p.markerURI(cmd))
	if err != nil {
		return nil, err
	}
	m := &marker{}
	if err = json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// valid returns the marker of cmd when it matches the current digest, its
// dependencies' outputs and its own outputs on storage.
func (p *Pipeline) valid(ctx context.Context, cmd Command) (*marker, bool) {
	m, err := p.readMarker(ctx, cmd)
	if err != nil || m.Command != cmd || m.Digest != p.Digest(cmd) {
		return nil, false
	}
	for _, dep := range dependencies[cmd] {
		dm, err := p.readMarker(ctx, dep)
		if err != nil || m.Inputs[dep] != dm.outputsDigest() {
			return nil, false
		}
	}
	for uri, sum := range m.Outputs {
		if !p.outputIntact(ctx, m, uri, sum) {
			log.Info(p.logTag+"output changed", zap.String("command", string(cmd)), zap.String("uri", uri))
			return nil, false
		}
	}
	return m, true
}

// racyWindow covers coarse mtime clocks: an output modified this close to its
// marker may be rewritten without its version changing, so it is re-hashed.
const racyWindow = 2 * time.Second

// outputIntact trusts an output whose size and version match the marker and
// hashes it otherwise.
func (p *Pipeline) outputIntact(ctx context.Context, m *marker, uri, sum string) bool {
	if rec, ok := m.Stats[uri]; ok {
		st, err := p.fs.Stat(ctx, uri)
		if err != nil || st.Size != rec.Size {
			return false
		}
		if st.Version != "" && st.Version == rec.Version &&
			(rec.ModTime.IsZero() || m.FinishedAt.Sub(rec.ModTime) > racyWindow) {
			return true
		}
	}
	data, err := p.fs.Read(ctx, uri)
	return err == nil && fileio.Digest(data) == sum
}

func (p *Pipeline) writeMarker(ctx context.Context, cmd Command, outputs []string, runID string) error {
	m := &marker{Command: cmd, Digest: p.Digest(cmd), Outputs: map[string]string{}, Stats: map[string]fileio.Info{},
		Inputs: map[Command]string{}, RunID: runID}
	for _, uri := range outputs {
		st, serr := p.fs.Stat(ctx, uri)
		data, err := p.fs.Read(ctx, uri)
		if err != nil {
			return fmt.Errorf("hash output %s: %w", uri, err)
		}
		m.Outputs[uri] = fileio.Digest(data)
		if serr == nil {
			m.Stats[uri] = st
		}
	}
	m.FinishedAt = time.Now().UTC()
	for _, dep := range dependencies[cmd] {
		if dm, err := p.readMarker(ctx, dep); err == nil {
			m.Inputs[dep] = dm.outputsDigest()
		}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return p.fs.Write(ctx, p.markerURI(cmd), data)
}

// Run executes cmds (all commands when empty) in execution order. A command
// whose dependency is neither requested nor up to date fails with ErrMissingInput.
func (p *Pipeline) Run(ctx context.Context, cmds ...Command) (err error) {
	order, err := canonical(cmds)
	if err != nil {
		return
	}
	if err = p.cfg.ValidateFor(order); err != nil {
		return
	}
	requested := map[Command]bool{}
	for _, c := range order {
		requested[c] = true
	}
	runID := uuid.NewString()
	log.Info(p.logTag+"run", zap.String("run_id", runID), zap.Any("commands", order), zap.Bool("force", p.force))
	for _, cmd := range order {
		if err = ctx.Err(); err != nil {
			return
		}
		for _, dep := range dependencies[cmd] {
			if requested[dep] {
				continue
			}
			if _, ok := p.valid(ctx, dep); !ok {
				return fmt.Errorf("%w: %s needs an up to date %s", ErrMissingInput, cmd, dep)
			}
		}
		if !p.force {
			if _, ok := p.valid(ctx, cmd); ok {
				log.Info(p.logTag+"skip up to date command", zap.String("command", string(cmd)))
				p.metrics.CommandSkipped(p.cfg.ID, string(cmd))
				continue
			}
		}
		start := time.Now()
		outputs, cerr := p.exec(ctx, cmd)
		p.metrics.ObserveCommand(p.cfg.ID, string(cmd), time.Since(start), cerr)
		if cerr != nil {
			log.Error(p.logTag+"command failed", zap.String("command", string(cmd)), zap.Error(cerr))
			return fmt.Errorf("pipeline %s: %s: %w", p.cfg.ID, cmd, cerr)
		}
		if err = p.writeMarker(ctx, cmd, outputs, runID); err != nil {
			return
		}
		log.Info(p.logTag+"command done", zap.String("command", string(cmd)),
			zap.Int("outputs", len(outputs)), zap.Duration("took", time.Since(start)))
	}
	return
}

func (p *Pipeline) exec(ctx context.Context, cmd Command) ([]string, error) {
	switch cmd {
	case CmdAnalyze:
		return p.analyze(ctx)
	case CmdChip:
		return p.chip(ctx)
	case CmdTrain:
		return p.train(ctx)
	case CmdPredict:
		return p.predict(ctx)
	case CmdEval:
		return p.eval(ctx)
	case CmdBundle:
		return p.bundle(ctx)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
}

// listOutputs returns every file below dir except done markers.
func (p *Pipeline) listOutputs(ctx context.Context, dir string) (ret []string, err error) {
	uris, err := p.fs.List(ctx, dir)
	if err != nil {
		return
	}
	for _, u := range uris {
		if u != fileio.Join(dir, markerName) {
			ret = append(ret, u)
		}
	}
	return
}

// RunAll runs independent pipelines concurrently, at most parallelism at a
// time. Failures do not stop the other pipelines; they are joined.
func RunAll(ctx context.Context, pipelines []*Pipeline, parallelism int, cmds ...Command) error {
	if parallelism <= 0 {
		parallelism = 1
	}
	errs := make([]error, len(pipelines))
	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, p := range pipelines {
		g.Go(func() error {
			errs[i] = p.Run(ctx, cmds...)
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
