package algorithms

import (
	"medimg-accel/internal/core"
	"medimg-accel/internal/stream"
)

// Threshold implements fixed-level thresholding with a selectable policy
type Threshold struct{}

// NewThreshold creates a new threshold algorithm
func NewThreshold() *Threshold {
	return &Threshold{}
}

func (t *Threshold) Apply(input *core.Image, params map[string]interface{}) (*core.Image, error) {
	policy, err := stream.ParseThresholdPolicy(stringParam(params, "policy", "binary"))
	if err != nil {
		return nil, err
	}
	thresh := uint8(floatParam(params, "threshold", 100))
	maxval := uint8(floatParam(params, "max_value", 50))
	return ThresholdImage(input, policy, thresh, maxval), nil
}

func (t *Threshold) GetDefaultParams() map[string]interface{} {
	return map[string]interface{}{
		"threshold": 100.0,
		"max_value": 50.0,
		"policy":    "binary",
	}
}

func (t *Threshold) GetName() string {
	return "Threshold"
}

func (t *Threshold) GetDescription() string {
	return "Per-pixel comparison against a fixed level"
}

func (t *Threshold) Validate(params map[string]interface{}) error {
	if err := checkRange(params, "threshold", 0, 255); err != nil {
		return err
	}
	if err := checkRange(params, "max_value", 0, 255); err != nil {
		return err
	}
	_, err := stream.ParseThresholdPolicy(stringParam(params, "policy", "binary"))
	return err
}

func (t *Threshold) GetParameterInfo() []ParameterInfo {
	return []ParameterInfo{
		{
			Name:        "threshold",
			Type:        "int",
			Min:         0.0,
			Max:         255.0,
			Default:     100.0,
			Description: "Comparison level",
		},
		{
			Name:        "max_value",
			Type:        "int",
			Min:         0.0,
			Max:         255.0,
			Default:     50.0,
			Description: "Output value for pixels selected by the policy",
		},
		{
			Name:        "policy",
			Type:        "enum",
			Default:     "binary",
			Description: "Threshold policy",
			Options:     []string{"binary", "binary_inv", "trunc", "tozero", "tozero_inv"},
		},
	}
}
