package centroid

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/wgdzlh/rvpipe/backend"
	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/label"
	"github.com/wgdzlh/rvpipe/raster"
)

func classSamples() (ret []backend.Sample) {
	for i := 0; i < 12; i++ {
		id := i % 2
		v := 10.0 + float64(i)
		if id == 1 {
			v = 200 - float64(i)
		}
		w := geo.NewWindow(i*8, 0, 8, 8)
		l := label.NewChipClassificationLabels()
		l.Set(w, label.Cell{ClassID: id})
		ret = append(ret, backend.Sample{SceneID: "s1", Split: backend.SplitTrain, Window: w,
			Chip: raster.NewFilledImage(8, 8, 3, v), Labels: l})
	}
	return
}

func trainSession(t *testing.T, fs fileio.FS, chips string) *backend.TrainSession {
	root := t.TempDir()
	return &backend.TrainSession{
		FS:           fs,
		ChipsDir:     chips,
		ModelDir:     filepath.Join(root, "model"),
		Checkpoints:  backend.NewCheckpointStore(fs, filepath.Join(root, "ckpt")),
		ConfigDigest: "digest",
		Epochs:       4,
		Seed:         7,
	}
}

func TestResumeMatchesUninterrupted(t *testing.T) {
	ctx := context.Background()
	fs := fileio.NewLocal(t.TempDir())
	b, err := New(label.TaskChipClassification, 2, Params{})
	if err != nil {
		t.Fatal(err)
	}
	chips := t.TempDir()
	if err = b.SaveTrainingChips(ctx, fs, chips, classSamples()); err != nil {
		t.Fatal(err)
	}

	full := trainSession(t, fs, chips)
	if err = b.Train(ctx, full); err != nil {
		t.Fatal(err)
	}
	want, err := fs.Read(ctx, fileio.Join(full.ModelDir, ModelFile))
	if err != nil {
		t.Fatal(err)
	}

	errStop := errors.New("stop")
	part := trainSession(t, fs, chips)
	part.OnEpoch = func(epoch int) error {
		if epoch == 2 {
			return errStop
		}
		return nil
	}
	if err = b.Train(ctx, part); !errors.Is(err, errStop) {
		t.Fatalf("interrupted run: %v", err)
	}
	var epochs []int
	part.OnEpoch = func(epoch int) error {
		epochs = append(epochs, epoch)
		return nil
	}
	if err = b.Train(ctx, part); err != nil {
		t.Fatal(err)
	}
	if len(epochs) != 2 || epochs[0] != 3 || epochs[1] != 4 {
		t.Fatalf("resumed epochs = %v, want [3 4]", epochs)
	}
	got, err := fs.Read(ctx, fileio.Join(part.ModelDir, ModelFile))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("resumed model differs:\n%s\nwant\n%s", got, want)
	}
}

func TestClassifyPredict(t *testing.T) {
	ctx := context.Background()
	fs := fileio.NewLocal(t.TempDir())
	b, _ := New(label.TaskChipClassification, 2, Params{})
	chips := t.TempDir()
	if err := b.SaveTrainingChips(ctx, fs, chips, classSamples()); err != nil {
		t.Fatal(err)
	}
	s := trainSession(t, fs, chips)
	if err := b.Train(ctx, s); err != nil {
		t.Fatal(err)
	}
	p, err := b.LoadModel(ctx, fs, s.ModelDir)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	preds, err := p.Predict(ctx, []*raster.Image{raster.NewFilledImage(8, 8, 3, 12), raster.NewFilledImage(8, 8, 3, 190)})
	if err != nil {
		t.Fatal(err)
	}
	if preds[0].ClassID != 0 || preds[1].ClassID != 1 {
		t.Fatalf("classes = %d, %d", preds[0].ClassID, preds[1].ClassID)
	}
	if preds[0].Scores[0] <= 0.5 || preds[1].Scores[1] <= 0.5 {
		t.Fatalf("scores = %v, %v", preds[0].Scores, preds[1].Scores)
	}
	if _, err = p.Predict(ctx, []*raster.Image{raster.NewImage(8, 8, 1)}); !errors.Is(err, raster.ErrChannelMismatch) {
		t.Fatalf("channel mismatch: %v", err)
	}

	seg, _ := New(label.TaskSemanticSegmentation, 2, Params{})
	if _, err = seg.LoadModel(ctx, fs, s.ModelDir); !errors.Is(err, ErrModelMismatch) {
		t.Fatalf("task mismatch: %v", err)
	}
}

func TestSegmentAndDetect(t *testing.T) {
	ctx := context.Background()
	fs := fileio.NewLocal(t.TempDir())
	// left half dark class 0, right half bright class 1
	chip := raster.NewImage(8, 8, 1)
	mask := raster.NewImage(8, 8, 1)
	for y := 0; y < 8; y++ {
		for x := 4; x < 8; x++ {
			chip.Set(y, x, 0, 100)
			mask.Set(y, x, 0, 1)
		}
	}
	w := geo.NewWindow(0, 0, 8, 8)
	segLabels := label.NewSegmentationLabels(w, 2)
	if err := segLabels.AddClassRaster(w, mask); err != nil {
		t.Fatal(err)
	}

	seg, _ := New(label.TaskSemanticSegmentation, 2, Params{PixelsPerChip: 64})
	chips := t.TempDir()
	if err := seg.SaveTrainingChips(ctx, fs, chips, []backend.Sample{{SceneID: "a", Window: w, Chip: chip, Labels: segLabels}}); err != nil {
		t.Fatal(err)
	}
	s := trainSession(t, fs, chips)
	if err := seg.Train(ctx, s); err != nil {
		t.Fatal(err)
	}
	p, err := seg.LoadModel(ctx, fs, s.ModelDir)
	if err != nil {
		t.Fatal(err)
	}
	preds, err := p.Predict(ctx, []*raster.Image{chip})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range preds[0].Segmentation.Data {
		if v != mask.Data[i] {
			t.Fatalf("pixel %d = %v, want %v", i, v, mask.Data[i])
		}
	}

	// one detection class: the bright half is an object
	det, _ := New(label.TaskObjectDetection, 1, Params{PixelsPerChip: 64})
	detChips := t.TempDir()
	detLabels := label.NewObjectDetectionLabels(label.Detection{Box: geo.Box{Xmin: 4, Ymin: 0, Xmax: 8, Ymax: 8}, ClassID: 0, Score: 1})
	if err = det.SaveTrainingChips(ctx, fs, detChips, []backend.Sample{{SceneID: "a", Window: w, Chip: chip, Labels: detLabels}}); err != nil {
		t.Fatal(err)
	}
	s = trainSession(t, fs, detChips)
	if err = det.Train(ctx, s); err != nil {
		t.Fatal(err)
	}
	if p, err = det.LoadModel(ctx, fs, s.ModelDir); err != nil {
		t.Fatal(err)
	}
	if preds, err = p.Predict(ctx, []*raster.Image{chip}); err != nil {
		t.Fatal(err)
	}
	ds := preds[0].Detections
	if len(ds) != 1 || ds[0].Box != (geo.Box{Xmin: 4, Ymin: 0, Xmax: 8, Ymax: 8}) || ds[0].Score != 1 {
		t.Fatalf("detections = %+v", ds)
	}
}

func TestNoTrainingData(t *testing.T) {
	fs := fileio.NewLocal(t.TempDir())
	b, _ := New(label.TaskChipClassification, 2, Params{})
	s := trainSession(t, fs, t.TempDir())
	if err := b.Train(context.Background(), s); !errors.Is(err, backend.ErrNoTrainingData) {
		t.Fatalf("got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	b, err := backend.New(Name, label.TaskChipClassification, 3, map[string]any{"learning_rate": 0.25})
	if err != nil {
		t.Fatal(err)
	}
	if b.(*Backend).params.LearningRate != 0.25 {
		t.Fatalf("params = %+v", b.(*Backend).params)
	}
	if _, err = backend.New("nope", label.TaskChipClassification, 3, nil); !errors.Is(err, backend.ErrUnknownBackend) {
		t.Fatalf("unknown backend: %v", err)
	}
}
