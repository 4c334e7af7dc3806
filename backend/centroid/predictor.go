package centroid

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb/planar"

	"github.com/wgdzlh/rvpipe/backend"
	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/label"
	"github.com/wgdzlh/rvpipe/raster"
)

type predictor struct {
	m *model
}

func (p *predictor) Close() error { return nil }

func (p *predictor) Predict(ctx context.Context, chips []*raster.Image) (ret []backend.Prediction, err error) {
	ret = make([]backend.Prediction, len(chips))
	dist := make([]float64, len(p.m.Centroids))
	for i, chip := range chips {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		if chip.C != p.m.Channels {
			return nil, fmt.Errorf("%w: chip has %d channels, model %d", raster.ErrChannelMismatch, chip.C, p.m.Channels)
		}
		switch p.m.Task {
		case label.TaskChipClassification:
			ret[i] = p.classify(chip, dist)
		case label.TaskSemanticSegmentation:
			ret[i].Segmentation = p.segment(chip, dist)
		case label.TaskObjectDetection:
			ret[i].Detections = p.detect(chip, dist)
		}
	}
	return
}

// classify scores classes by a softmax over negative centroid distances.
func (p *predictor) classify(chip *raster.Image, dist []float64) (ret backend.Prediction) {
	ret.ClassID = p.m.nearest(chipMean(chip.Data, chip.C), dist)
	ret.Scores = make([]float64, len(dist))
	d0 := dist[ret.ClassID]
	var sum float64
	for k, d := range dist {
		if math.IsInf(d, 1) {
			continue
		}
		ret.Scores[k] = math.Exp(d0 - d)
		sum += ret.Scores[k]
	}
	if sum > 0 {
		for k := range ret.Scores {
			ret.Scores[k] /= sum
		}
	}
	return
}

func (p *predictor) classes(chip *raster.Image, dist []float64) []int {
	ids := make([]int, chip.H*chip.W)
	for px := range ids {
		ids[px] = p.m.nearest(chip.Pixel(px/chip.W, px%chip.W), dist)
	}
	return ids
}

func (p *predictor) segment(chip *raster.Image, dist []float64) *raster.Image {
	out := raster.NewImage(chip.H, chip.W, 1)
	for i, id := range p.classes(chip, dist) {
		out.Data[i] = float64(id)
	}
	return out
}

// detect boxes every connected region of a foreground class. The score is the
// share of the box covered by the region.
func (p *predictor) detect(chip *raster.Image, dist []float64) (ret []label.Detection) {
	ids := p.classes(chip, dist)
	origin := geo.WindowFromSize(chip.W, chip.H)
	for k := 0; k < p.m.NumClasses; k++ {
		for _, mp := range geo.Polygonize(ids, chip.W, chip.H, k, origin) {
			box := geo.BoxFromBound(mp.Bound())
			if box.Area() <= 0 {
				continue
			}
			ret = append(ret, label.Detection{Box: box, ClassID: k, Score: planar.Area(mp) / box.Area()})
		}
	}
	return
}
