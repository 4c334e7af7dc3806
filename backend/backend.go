// Package backend is the boundary between the pipeline and model training.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/label"
	"github.com/wgdzlh/rvpipe/raster"
)

const (
	SplitTrain = "train"
	SplitValid = "valid"
)

var (
	ErrUnsupportedTask = errors.New("backend: unsupported task")
	ErrNoCheckpoint    = errors.New("backend: no usable checkpoint")
	ErrCorrupt         = errors.New("backend: checkpoint failed verification")
	ErrUnknownBackend  = errors.New("backend: unknown backend")
	ErrNoTrainingData  = errors.New("backend: no training chips")
)

// Sample is one chip with its labels in window-local pixel coordinates.
type Sample struct {
	SceneID string
	Split   string
	Window  geo.Window
	Chip    *raster.Image
	Labels  label.Labels
}

// Prediction is the output for one chip; the field matching the task is set.
type Prediction struct {
	ClassID int
	Scores  []float64
	// Detections are window-local.
	Detections []label.Detection
	// Segmentation holds one channel of class ids or one channel per class of scores.
	Segmentation *raster.Image
}

// Predictor runs a loaded model. Predict may be called from several goroutines.
type Predictor interface {
	Predict(ctx context.Context, chips []*raster.Image) ([]Prediction, error)
	Close() error
}

// TrainSession carries everything a training run needs. Progress is made
// durable through Checkpoints after every epoch.
type TrainSession struct {
	FS           fileio.FS
	ChipsDir     string
	ModelDir     string
	Checkpoints  *CheckpointStore
	ConfigDigest string
	Epochs       int
	Seed         int64
	// OnEpoch, when set, is called after each epoch's checkpoint has been written.
	OnEpoch func(epoch int) error
}

// Backend converts chips to its training format, trains and loads models.
type Backend interface {
	Name() string
	SaveTrainingChips(ctx context.Context, fs fileio.FS, dir string, samples []Sample) error
	Train(ctx context.Context, s *TrainSession) error
	LoadModel(ctx context.Context, fs fileio.FS, modelDir string) (Predictor, error)
}

// Factory builds a backend for a task and class count.
type Factory func(task label.Task, numClasses int, params map[string]any) (Backend, error)

var registry = map[string]Factory{}

// Register makes a backend available by name; it is meant to be called from init.
func Register(name string, f Factory) {
	registry[name] = f
}

func New(name string, task label.Task, numClasses int, params map[string]any) (Backend, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return f(task, numClasses, params)
}
