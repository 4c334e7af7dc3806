// Package centroid is a nearest-centroid reference backend. Chips are reduced to
// channel vectors (the chip mean for classification, pixels otherwise) and each
// class keeps a running centroid updated in a seeded shuffled order per epoch.
package centroid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/wgdzlh/rvpipe/backend"
	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/label"
	"github.com/wgdzlh/rvpipe/log"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	Name      = "centroid"
	ModelFile = "model.json"
)

var ErrModelMismatch = errors.New("centroid: model does not match backend")

type Params struct {
	LearningRate float64 `yaml:"learning_rate"`
	// PixelsPerChip bounds the pixel samples taken from one chip for pixel tasks.
	PixelsPerChip int `yaml:"pixels_per_chip"`
}

func init() {
	backend.Register(Name, func(task label.Task, numClasses int, params map[string]any) (backend.Backend, error) {
		p := Params{}
		if len(params) > 0 {
			raw, err := yaml.Marshal(params)
			if err != nil {
				return nil, err
			}
			if err = yaml.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("centroid params: %w", err)
			}
		}
		return New(task, numClasses, p)
	})
}

type Backend struct {
	task       label.Task
	numClasses int
	params     Params
	logTag     string
}

var _ backend.Backend = (*Backend)(nil)

func New(task label.Task, numClasses int, p Params) (*Backend, error) {
	if !task.Valid() {
		return nil, fmt.Errorf("%w: %q", backend.ErrUnsupportedTask, task)
	}
	if numClasses <= 0 {
		return nil, label.ErrNoClasses
	}
	if p.LearningRate <= 0 || p.LearningRate > 1 {
		p.LearningRate = 0.5
	}
	if p.PixelsPerChip <= 0 {
		p.PixelsPerChip = 256
	}
	return &Backend{task: task, numClasses: numClasses, params: p, logTag: "CentroidBackend:"}, nil
}

func (b *Backend) Name() string { return Name }

// centroids returns the number of centroids; detection adds one for background.
func (b *Backend) centroids() int {
	if b.task == label.TaskObjectDetection {
		return b.numClasses + 1
	}
	return b.numClasses
}

func (b *Backend) SaveTrainingChips(ctx context.Context, fs fileio.FS, dir string, samples []backend.Sample) error {
	return backend.WriteChips(ctx, fs, dir, samples, 0)
}

type model struct {
	Task       label.Task  `json:"task"`
	NumClasses int         `json:"num_classes"`
	Channels   int         `json:"channels"`
	Centroids  [][]float64 `json:"centroids"`
	Seen       []bool      `json:"seen"`
}

func (b *Backend) newModel(channels int) *model {
	m := &model{Task: b.task, NumClasses: b.numClasses, Channels: channels,
		Centroids: make([][]float64, b.centroids()), Seen: make([]bool, b.centroids())}
	for i := range m.Centroids {
		m.Centroids[i] = make([]float64, channels)
	}
	return m
}

// epochRand derives the shuffle of one epoch from the seed and the epoch
// number only, so a resumed run replays the same order.
func epochRand(seed int64, epoch int) *rand.Rand {
	return rand.New(rand.NewSource(int64(uint64(seed) ^ uint64(epoch)*0x9E3779B97F4A7C15)))
}

func (b *Backend) Train(ctx context.Context, s *backend.TrainSession) (err error) {
	recs, err := backend.ReadChips(ctx, s.FS, s.ChipsDir, backend.SplitTrain)
	if err != nil {
		return
	}
	xs, ys, err := b.examples(recs)
	if err != nil {
		return
	}
	if len(xs) == 0 {
		return backend.ErrNoTrainingData
	}
	m := b.newModel(len(xs[0]))
	start := 1
	if s.Checkpoints != nil {
		cp, err := s.Checkpoints.Latest(ctx, s.ConfigDigest)
		switch {
		case err == nil:
			if err = json.Unmarshal(cp.State, m); err != nil {
				return fmt.Errorf("checkpoint %d state: %w", cp.Epoch, err)
			}
			if m.Channels != len(xs[0]) || len(m.Centroids) != b.centroids() {
				return fmt.Errorf("%w: checkpoint %d", ErrModelMismatch, cp.Epoch)
			}
			start = cp.Epoch + 1
			log.Info(b.logTag+"resume training", zap.Int("epoch", start))
		case !errors.Is(err, backend.ErrNoCheckpoint):
			return err
		}
	}
	for epoch := start; epoch <= s.Epochs; epoch++ {
		if err = ctx.Err(); err != nil {
			return
		}
		lr := b.params.LearningRate / float64(epoch)
		for _, i := range epochRand(s.Seed, epoch).Perm(len(xs)) {
			k, x := ys[i], xs[i]
			c := m.Centroids[k]
			if !m.Seen[k] {
				copy(c, x)
				m.Seen[k] = true
				continue
			}
			for j := range c {
				c[j] += lr * (x[j] - c[j])
			}
		}
		if s.Checkpoints != nil {
			state, err := json.Marshal(m)
			if err != nil {
				return err
			}
			cp := &backend.Checkpoint{Epoch: epoch, ConfigDigest: s.ConfigDigest, State: state}
			if err = s.Checkpoints.Save(ctx, cp); err != nil {
				return err
			}
		}
		log.Debug(b.logTag+"epoch done", zap.Int("epoch", epoch), zap.Int("examples", len(xs)))
		if s.OnEpoch != nil {
			if err = s.OnEpoch(epoch); err != nil {
				return
			}
		}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return
	}
	return s.FS.Write(ctx, fileio.Join(s.ModelDir, ModelFile), data)
}

// examples reduces records to feature vectors and centroid indices.
func (b *Backend) examples(recs []backend.ChipRecord) (xs [][]float64, ys []int, err error) {
	for _, r := range recs {
		if r.Chip == nil {
			continue
		}
		switch b.task {
		case label.TaskChipClassification:
			if r.ClassID == nil {
				continue
			}
			if *r.ClassID < 0 || *r.ClassID >= b.numClasses {
				return nil, nil, fmt.Errorf("%w: id %d", label.ErrUnknownClass, *r.ClassID)
			}
			xs = append(xs, chipMean(r.Chip.Data, r.Chip.C))
			ys = append(ys, *r.ClassID)
		case label.TaskSemanticSegmentation:
			if r.Mask == nil {
				continue
			}
			for _, p := range b.pixelSamples(r.Chip.H * r.Chip.W) {
				id := int(r.Mask.Data[p])
				if id < 0 || id >= b.numClasses {
					return nil, nil, fmt.Errorf("%w: id %d", label.ErrUnknownClass, id)
				}
				xs = append(xs, pixel(r.Chip.Data, r.Chip.C, p))
				ys = append(ys, id)
			}
		case label.TaskObjectDetection:
			for _, p := range b.pixelSamples(r.Chip.H * r.Chip.W) {
				px, py := float64(p%r.Chip.W)+0.5, float64(p/r.Chip.W)+0.5
				id := b.numClasses
				for _, d := range r.Detections {
					if px >= d.Box.Xmin && px < d.Box.Xmax && py >= d.Box.Ymin && py < d.Box.Ymax {
						id = d.ClassID
						break
					}
				}
				if id < 0 || id > b.numClasses {
					return nil, nil, fmt.Errorf("%w: id %d", label.ErrUnknownClass, id)
				}
				xs = append(xs, pixel(r.Chip.Data, r.Chip.C, p))
				ys = append(ys, id)
			}
		}
	}
	return
}

// pixelSamples picks evenly strided pixel indices.
func (b *Backend) pixelSamples(n int) []int {
	step := max(1, n/b.params.PixelsPerChip)
	ret := make([]int, 0, n/step+1)
	for p := 0; p < n; p += step {
		ret = append(ret, p)
	}
	return ret
}

func pixel(data []float64, c, p int) []float64 {
	out := make([]float64, c)
	copy(out, data[p*c:(p+1)*c])
	return out
}

func chipMean(data []float64, c int) []float64 {
	out := make([]float64, c)
	n := len(data) / c
	if n == 0 {
		return out
	}
	for i, v := range data {
		out[i%c] += v
	}
	for j := range out {
		out[j] /= float64(n)
	}
	return out
}

func (m *model) nearest(x []float64, dist []float64) int {
	best := -1
	for k, c := range m.Centroids {
		dist[k] = math.Inf(1)
		if !m.Seen[k] {
			continue
		}
		var d float64
		for j := range c {
			d += (x[j] - c[j]) * (x[j] - c[j])
		}
		dist[k] = d
		if best < 0 || d < dist[best] {
			best = k
		}
	}
	return max(best, 0)
}

func (b *Backend) LoadModel(ctx context.Context, fs fileio.FS, modelDir string) (backend.Predictor, error) {
	data, err := fs.Read(ctx, fileio.Join(modelDir, ModelFile))
	if err != nil {
		return nil, err
	}
	m := &model{}
	if err = json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("centroid model: %w", err)
	}
	if m.Task != b.task || m.NumClasses != b.numClasses || len(m.Centroids) != b.centroids() || len(m.Seen) != len(m.Centroids) {
		return nil, fmt.Errorf("%w: task %s, %d classes", ErrModelMismatch, m.Task, m.NumClasses)
	}
	return &predictor{m: m}, nil
}
