// Package metrics compares a device result against its host reference
package metrics

import (
	"errors"
	"fmt"
	"sort"

	"medimg-accel/internal/core"
)

// ErrMismatch is returned when two images cannot be compared
var ErrMismatch = fmt.Errorf("metrics: images not comparable: %w", core.ErrValidation)

// ErrUnknownMetric is returned for a metric that is not registered
var ErrUnknownMetric = errors.New("metrics: unknown metric")

// Metric defines the interface for quality metrics
type Metric interface {
	// Calculate computes the metric of processed against reference
	Calculate(reference, processed *core.Image) (float64, error)

	GetName() string
	GetDescription() string

	// GetRange returns the value range (min, max)
	GetRange() (float64, float64)

	// IsHigherBetter returns true if higher values indicate a closer match
	IsHigherBetter() bool
}

// Evaluator manages and calculates multiple metrics
type Evaluator struct {
	metrics map[string]Metric
}

// NewEvaluator creates an evaluator with the default metrics registered
func NewEvaluator() *Evaluator {
	e := &Evaluator{metrics: make(map[string]Metric)}
	e.RegisterDefaultMetrics()
	return e
}

// RegisterDefaultMetrics registers all default metrics
func (e *Evaluator) RegisterDefaultMetrics() {
	e.Register("mse", NewMSE())
	e.Register("psnr", NewPSNR())
	e.Register("ssim", NewSSIM())
	e.Register("f_measure", NewFMeasure())
	e.Register("mismatch", NewMismatch())
}

// Register registers a metric
func (e *Evaluator) Register(name string, metric Metric) {
	e.metrics[name] = metric
}

// Names returns the registered metric names in sorted order
func (e *Evaluator) Names() []string {
	names := make([]string, 0, len(e.metrics))
	for name := range e.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Calculate calculates a specific metric
func (e *Evaluator) Calculate(name string, reference, processed *core.Image) (float64, error) {
	metric, exists := e.metrics[name]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	if err := comparable(reference, processed); err != nil {
		return 0, err
	}
	return metric.Calculate(reference, processed)
}

// CalculateAll calculates all registered metrics
func (e *Evaluator) CalculateAll(reference, processed *core.Image) (map[string]float64, error) {
	if err := comparable(reference, processed); err != nil {
		return nil, err
	}
	results := make(map[string]float64, len(e.metrics))
	for name, metric := range e.metrics {
		v, err := metric.Calculate(reference, processed)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		results[name] = v
	}
	return results, nil
}

// MetricInfo provides metadata about a metric
type MetricInfo struct {
	Name         string
	Description  string
	Range        [2]float64 // [min, max]
	HigherBetter bool
}

// GetMetricInfo returns information about all metrics
func (e *Evaluator) GetMetricInfo() map[string]MetricInfo {
	info := make(map[string]MetricInfo, len(e.metrics))
	for name, metric := range e.metrics {
		lo, hi := metric.GetRange()
		info[name] = MetricInfo{
			Name:         metric.GetName(),
			Description:  metric.GetDescription(),
			Range:        [2]float64{lo, hi},
			HigherBetter: metric.IsHigherBetter(),
		}
	}
	return info
}

// Report is the outcome of checking a device result against the reference
type Report struct {
	Metrics    map[string]float64 `json:"metrics"`
	Mismatched int                `json:"mismatched"`
	Samples    int                `json:"samples"`
	Exact      bool               `json:"exact"`
}

// Verify compares processed against reference with every registered metric
func (e *Evaluator) Verify(reference, processed *core.Image) (*Report, error) {
	values, err := e.CalculateAll(reference, processed)
	if err != nil {
		return nil, err
	}
	n := countMismatched(reference.Pix, processed.Pix)
	return &Report{
		Metrics:    values,
		Mismatched: n,
		Samples:    len(reference.Pix),
		Exact:      n == 0,
	}, nil
}

func comparable(a, b *core.Image) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("reference: %w", err)
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("processed: %w", err)
	}
	if a.Width != b.Width || a.Height != b.Height || a.Channels != b.Channels {
		return fmt.Errorf("%w: %dx%dx%d vs %dx%dx%d", ErrMismatch,
			a.Width, a.Height, a.Channels, b.Width, b.Height, b.Channels)
	}
	return nil
}
