package raster

import (
	"fmt"
	"math"
)

// Transformer remaps chip pixel values. Implementations never modify their input.
type Transformer interface {
	Transform(img *Image) (*Image, error)
}

// Chain applies transformers in order and stops at the first failing stage.
type Chain []Transformer

func (c Chain) Apply(img *Image) (out *Image, err error) {
	out = img
	for i, t := range c {
		if out, err = t.Transform(out); err != nil {
			return nil, fmt.Errorf("transformer %d (%T): %w", i, t, err)
		}
	}
	return
}

// StatsTransformer clips every channel to mean ± MaxStds·std and rescales it to [0, 255].
type StatsTransformer struct {
	Means   []float64
	Stds    []float64
	MaxStds float64
}

const DefaultMaxStds = 3.0

func NewStatsTransformer(means, stds []float64, maxStds float64) *StatsTransformer {
	if maxStds <= 0 {
		maxStds = DefaultMaxStds
	}
	return &StatsTransformer{Means: means, Stds: stds, MaxStds: maxStds}
}

// Range returns the clipping interval of channel c.
func (t *StatsTransformer) Range(c int) (lower, upper float64) {
	lower = t.Means[c] - t.MaxStds*t.Stds[c]
	upper = t.Means[c] + t.MaxStds*t.Stds[c]
	return
}

func (t *StatsTransformer) Transform(img *Image) (*Image, error) {
	if img.C != len(t.Means) || img.C != len(t.Stds) {
		return nil, fmt.Errorf("%w: image has %d channels, stats have %d", ErrChannelMismatch, img.C, len(t.Means))
	}
	out := img.Clone()
	for i, v := range out.Data {
		out.Data[i] = t.scale(i%img.C, v)
	}
	return out, nil
}

func (t *StatsTransformer) scale(c int, v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	lower, upper := t.Range(c)
	if upper <= lower {
		return 0
	}
	v = math.Min(math.Max(v, lower), upper)
	return math.Round((v - lower) / (upper - lower) * 255)
}

// Inverse maps a quantized value of channel c back into the clipping interval.
func (t *StatsTransformer) Inverse(c int, q float64) float64 {
	lower, upper := t.Range(c)
	return lower + q/255*(upper-lower)
}

// MinMaxTransformer rescales each channel of a chip so its observed min maps to 0 and max to 255.
type MinMaxTransformer struct{}

func (MinMaxTransformer) Transform(img *Image) (*Image, error) {
	out := img.Clone()
	for c := 0; c < img.C; c++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for i := c; i < len(img.Data); i += img.C {
			v := img.Data[i]
			if math.IsNaN(v) {
				continue
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		for i := c; i < len(out.Data); i += img.C {
			v := out.Data[i]
			switch {
			case math.IsNaN(v):
			case hi <= lo:
				out.Data[i] = 0
			default:
				out.Data[i] = (v - lo) / (hi - lo) * 255
			}
		}
	}
	return out, nil
}

// CastTransformer clamps values to the range of Dtype and truncates toward zero for
// integer types. NaN becomes 0 for integer types.
type CastTransformer struct {
	Dtype string
}

func (t CastTransformer) Transform(img *Image) (*Image, error) {
	var lo, hi float64
	isInt := true
	switch t.Dtype {
	case "uint8":
		lo, hi = 0, math.MaxUint8
	case "uint16":
		lo, hi = 0, math.MaxUint16
	case "int16":
		lo, hi = math.MinInt16, math.MaxInt16
	case "int32":
		lo, hi = math.MinInt32, math.MaxInt32
	case "float32":
		isInt = false
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDtype, t.Dtype)
	}
	out := img.Clone()
	for i, v := range out.Data {
		if !isInt {
			out.Data[i] = float64(float32(v))
			continue
		}
		if math.IsNaN(v) {
			out.Data[i] = 0
			continue
		}
		out.Data[i] = math.Trunc(math.Min(math.Max(v, lo), hi))
	}
	return out, nil
}

// NanTransformer replaces NaN samples with Fill.
type NanTransformer struct {
	Fill float64
}

func (t NanTransformer) Transform(img *Image) (*Image, error) {
	out := img.Clone()
	for i, v := range out.Data {
		if math.IsNaN(v) {
			out.Data[i] = t.Fill
		}
	}
	return out, nil
}

// ReclassTransformer relabels class ids. Ids missing from Mapping pass through unless Strict is set.
type ReclassTransformer struct {
	Mapping map[int]int
	Strict  bool
}

func (t ReclassTransformer) Transform(img *Image) (*Image, error) {
	out := img.Clone()
	for i, v := range out.Data {
		id := int(v)
		if float64(id) == v {
			if to, ok := t.Mapping[id]; ok {
				out.Data[i] = float64(to)
				continue
			}
		}
		if t.Strict {
			return nil, fmt.Errorf("%w: %v", ErrUnmappedClass, v)
		}
	}
	return out, nil
}
