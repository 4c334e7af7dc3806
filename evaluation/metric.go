// Package evaluation compares predicted labels with ground truth and reports
// per-class and aggregate precision, recall, F1 and IoU.
package evaluation

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Metric is a ratio that may be undefined. Undefined values are NaN in memory
// and null in JSON.
type Metric float64

func NaN() Metric { return Metric(math.NaN()) }

func (m Metric) Defined() bool { return !math.IsNaN(float64(m)) }

func (m Metric) MarshalJSON() ([]byte, error) {
	f := float64(m)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

func (m *Metric) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*m = NaN()
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*m = Metric(f)
	return nil
}

func ratio(num, den float64) Metric {
	if den == 0 {
		return NaN()
	}
	return Metric(num / den)
}
