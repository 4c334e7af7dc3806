// Package metrics exposes prometheus collectors for pipeline command execution.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rvpipe"

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Recorder records command executions. A nil *Recorder records nothing.
type Recorder struct {
	commandDuration  *prometheus.HistogramVec
	commandsSkipped  *prometheus.CounterVec
	chipsWritten     *prometheus.CounterVec
	windowsPredicted *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. Collectors already
// registered by another Recorder on the same registerer are shared. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) (r *Recorder, err error) {
	r = &Recorder{
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of executed pipeline commands.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"pipeline", "command", "status"}),
		commandsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_skipped_total",
			Help:      "Commands skipped because their outputs were up to date.",
		}, []string{"pipeline", "command"}),
		chipsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chips_written_total",
			Help:      "Training chips handed to the backend.",
		}, []string{"pipeline", "split"}),
		windowsPredicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_predicted_total",
			Help:      "Windows run through the predictor.",
		}, []string{"pipeline"}),
	}
	if reg == nil {
		return
	}
	if r.commandDuration, err = register(reg, r.commandDuration); err != nil {
		return nil, err
	}
	if r.commandsSkipped, err = register(reg, r.commandsSkipped); err != nil {
		return nil, err
	}
	if r.chipsWritten, err = register(reg, r.chipsWritten); err != nil {
		return nil, err
	}
	if r.windowsPredicted, err = register(reg, r.windowsPredicted); err != nil {
		return nil, err
	}
	return
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

func (r *Recorder) ObserveCommand(pipeline, command string, d time.Duration, err error) {
	if r == nil {
		return
	}
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	r.commandDuration.WithLabelValues(pipeline, command, status).Observe(d.Seconds())
}

func (r *Recorder) CommandSkipped(pipeline, command string) {
	if r == nil {
		return
	}
	r.commandsSkipped.WithLabelValues(pipeline, command).Inc()
}

func (r *Recorder) ChipsWritten(pipeline, split string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.chipsWritten.WithLabelValues(pipeline, split).Add(float64(n))
}

func (r *Recorder) WindowsPredicted(pipeline string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.windowsPredicted.WithLabelValues(pipeline).Add(float64(n))
}
