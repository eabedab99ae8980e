package algorithms

import (
	"fmt"

	"medimg-accel/internal/core"
	"medimg-accel/internal/stream"
)

// CannyDetector implements the gradient/NMS/hysteresis edge detector
type CannyDetector struct{}

// NewCanny creates a new edge detection algorithm
func NewCanny() *CannyDetector {
	return &CannyDetector{}
}

func (c *CannyDetector) Apply(input *core.Image, params map[string]interface{}) (*core.Image, error) {
	norm, err := stream.ParseNorm(stringParam(params, "norm", "l1"))
	if err != nil {
		return nil, err
	}
	mode, err := stream.ParseBorderMode(stringParam(params, "border", "replicate"))
	if err != nil {
		return nil, err
	}
	gray, err := ExtractChannel(input, min(int(floatParam(params, "channel", 1)), input.Channels-1))
	if err != nil {
		return nil, err
	}
	low := int32(floatParam(params, "low", 30))
	high := int32(floatParam(params, "high", 64))
	return Canny(gray, low, high, norm, Border{Mode: mode})
}

func (c *CannyDetector) GetDefaultParams() map[string]interface{} {
	return map[string]interface{}{
		"low":     30.0,
		"high":    64.0,
		"norm":    "l1",
		"border":  "replicate",
		"channel": 1.0,
	}
}

func (c *CannyDetector) GetName() string {
	return "Canny"
}

func (c *CannyDetector) GetDescription() string {
	return "Edge detection with hysteresis thresholding"
}

func (c *CannyDetector) Validate(params map[string]interface{}) error {
	if err := checkRange(params, "low", 0, 4096); err != nil {
		return err
	}
	if err := checkRange(params, "high", 0, 4096); err != nil {
		return err
	}
	if err := checkRange(params, "channel", 0, 2); err != nil {
		return err
	}
	if floatParam(params, "low", 30) > floatParam(params, "high", 64) {
		return fmt.Errorf("low must not exceed high")
	}
	if _, err := stream.ParseNorm(stringParam(params, "norm", "l1")); err != nil {
		return err
	}
	_, err := stream.ParseBorderMode(stringParam(params, "border", "replicate"))
	return err
}

func (c *CannyDetector) GetParameterInfo() []ParameterInfo {
	return []ParameterInfo{
		{
			Name:        "low",
			Type:        "int",
			Min:         0.0,
			Max:         4096.0,
			Default:     30.0,
			Description: "Magnitudes below this are discarded",
		},
		{
			Name:        "high",
			Type:        "int",
			Min:         0.0,
			Max:         4096.0,
			Default:     64.0,
			Description: "Magnitudes at or above this are strong edges",
		},
		{
			Name:        "norm",
			Type:        "enum",
			Default:     "l1",
			Description: "Gradient magnitude norm",
			Options:     []string{"l1", "l2"},
		},
		{
			Name:        "border",
			Type:        "enum",
			Default:     "replicate",
			Description: "Samples read outside the image",
			Options:     []string{"constant", "replicate"},
		},
		{
			Name:        "channel",
			Type:        "int",
			Min:         0.0,
			Max:         2.0,
			Default:     1.0,
			Description: "Channel extracted from colour input",
		},
	}
}
