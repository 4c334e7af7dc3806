// Package analyzer computes dataset statistics consumed by the stats transformer.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/raster"

	"gonum.org/v1/gonum/stat"
)

var (
	ErrNoSamples       = errors.New("analyzer: no valid pixels")
	ErrChannelMismatch = errors.New("analyzer: channel count mismatch")
)

// Moments is the count, mean and sum of squared deviations of one channel.
type Moments struct {
	Count int64
	Mean  float64
	M2    float64
}

// FromSamples computes the moments of xs with gonum's two-pass MeanVariance.
func FromSamples(xs []float64) Moments {
	switch len(xs) {
	case 0:
		return Moments{}
	case 1:
		return Moments{Count: 1, Mean: xs[0]}
	}
	mean, variance := stat.MeanVariance(xs, nil)
	return Moments{Count: int64(len(xs)), Mean: mean, M2: variance * float64(len(xs)-1)}
}

// Merge combines two partial results with Chan et al.'s parallel update.
func (m Moments) Merge(o Moments) Moments {
	if o.Count == 0 {
		return m
	}
	if m.Count == 0 {
		return o
	}
	n := m.Count + o.Count
	delta := o.Mean - m.Mean
	return Moments{
		Count: n,
		Mean:  m.Mean + delta*float64(o.Count)/float64(n),
		M2:    m.M2 + o.M2 + delta*delta*float64(m.Count)*float64(o.Count)/float64(n),
	}
}

// Std is the population standard deviation.
func (m Moments) Std() float64 {
	if m.Count == 0 {
		return math.NaN()
	}
	return math.Sqrt(math.Max(m.M2, 0) / float64(m.Count))
}

// RunningStats holds per-channel moments.
type RunningStats []Moments

func NewRunningStats(channels int) RunningStats {
	return make(RunningStats, channels)
}

func (r RunningStats) Merge(o RunningStats) (RunningStats, error) {
	if len(r) != len(o) {
		return nil, fmt.Errorf("%w: %d vs %d", ErrChannelMismatch, len(r), len(o))
	}
	out := make(RunningStats, len(r))
	for i := range r {
		out[i] = r[i].Merge(o[i])
	}
	return out, nil
}

// AddImage folds the valid samples of img into r. NaN and, if hasNoData, nodata samples are skipped.
func (r RunningStats) AddImage(img *raster.Image, nodata float64, hasNoData bool) (RunningStats, error) {
	if img.C != len(r) {
		return nil, fmt.Errorf("%w: image has %d channels, stats %d", ErrChannelMismatch, img.C, len(r))
	}
	out := make(RunningStats, len(r))
	buf := make([]float64, 0, img.H*img.W)
	for c := range r {
		buf = buf[:0]
		for i := c; i < len(img.Data); i += img.C {
			v := img.Data[i]
			if math.IsNaN(v) || (hasNoData && v == nodata) {
				continue
			}
			buf = append(buf, v)
		}
		out[c] = r[c].Merge(FromSamples(buf))
	}
	return out, nil
}

// Accumulator collects indexed partial results from concurrent workers and
// merges them in index order, so the result does not depend on completion order.
type Accumulator struct {
	mu    sync.Mutex
	parts map[int]RunningStats
}

func NewAccumulator() *Accumulator {
	return &Accumulator{parts: map[int]RunningStats{}}
}

func (a *Accumulator) Add(idx int, r RunningStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parts[idx] = r
}

func (a *Accumulator) Result(n int) (ret RunningStats, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < n; i++ {
		p, ok := a.parts[i]
		if !ok {
			continue
		}
		if ret == nil {
			ret = p
			continue
		}
		if ret, err = ret.Merge(p); err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
	}
	return
}

// Stats is the persisted statistics artifact.
type Stats struct {
	Counts []int64   `json:"counts"`
	Means  []float64 `json:"means"`
	Stds   []float64 `json:"stds"`
}

func (r RunningStats) Stats() (*Stats, error) {
	s := &Stats{
		Counts: make([]int64, len(r)),
		Means:  make([]float64, len(r)),
		Stds:   make([]float64, len(r)),
	}
	for i, m := range r {
		if m.Count == 0 {
			return nil, fmt.Errorf("%w: channel %d", ErrNoSamples, i)
		}
		s.Counts[i], s.Means[i], s.Stds[i] = m.Count, m.Mean, m.Std()
	}
	return s, nil
}

// Transformer returns the stats transformer clipping at maxStds standard deviations.
func (s *Stats) Transformer(maxStds float64) *raster.StatsTransformer {
	return raster.NewStatsTransformer(s.Means, s.Stds, maxStds)
}

func (s *Stats) Save(ctx context.Context, fs fileio.FS, uri string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return fs.Write(ctx, uri, data)
}

func LoadStats(ctx context.Context, fs fileio.FS, uri string) (s *Stats, err error) {
	data, err := fs.Read(ctx, uri)
	if err != nil {
		return
	}
	s = &Stats{}
	if err = json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("stats %s: %w", uri, err)
	}
	if len(s.Means) != len(s.Stds) {
		return nil, fmt.Errorf("%w: stats %s has %d means and %d stds", ErrChannelMismatch, uri, len(s.Means), len(s.Stds))
	}
	return
}
