// Morphological operations algorithms
package algorithms

import (
	"fmt"

	"medimg-accel/internal/core"
	"medimg-accel/internal/stream"
	"medimg-accel/internal/strel"
)

// morphParams is shared by every morphological algorithm
type morphParams struct {
	element    *strel.Element
	iterations int
	border     Border
}

func parseMorphParams(params map[string]interface{}) (*morphParams, error) {
	shape, err := strel.ParseShape(stringParam(params, "shape", "rect"))
	if err != nil {
		return nil, err
	}
	e, err := strel.Load(shape, int(floatParam(params, "kernel_size", 3)))
	if err != nil {
		return nil, err
	}
	mode, err := stream.ParseBorderMode(stringParam(params, "border", "constant"))
	if err != nil {
		return nil, err
	}
	return &morphParams{
		element:    e,
		iterations: int(floatParam(params, "iterations", 1)),
		border:     Border{Mode: mode, Value: uint8(floatParam(params, "border_value", 0))},
	}, nil
}

func validateMorphParams(params map[string]interface{}) error {
	if err := checkRange(params, "kernel_size", 1, 15); err != nil {
		return err
	}
	if err := checkRange(params, "iterations", 1, 10); err != nil {
		return err
	}
	if err := checkRange(params, "border_value", 0, 255); err != nil {
		return err
	}
	if _, err := strel.ParseShape(stringParam(params, "shape", "rect")); err != nil {
		return err
	}
	_, err := stream.ParseBorderMode(stringParam(params, "border", "constant"))
	return err
}

func morphDefaults() map[string]interface{} {
	return map[string]interface{}{
		"kernel_size":  3.0,
		"iterations":   1.0,
		"shape":        "rect",
		"border":       "constant",
		"border_value": 0.0,
	}
}

func morphParameterInfo(verb string) []ParameterInfo {
	return []ParameterInfo{
		{
			Name:        "kernel_size",
			Type:        "int",
			Min:         1.0,
			Max:         15.0,
			Default:     3.0,
			Description: "Side of the structuring element",
		},
		{
			Name:        "iterations",
			Type:        "int",
			Min:         1.0,
			Max:         10.0,
			Default:     1.0,
			Description: "Number of " + verb + " iterations",
		},
		{
			Name:        "shape",
			Type:        "enum",
			Default:     "rect",
			Description: "Structuring element shape",
			Options:     []string{"rect", "cross", "ellipse"},
		},
		{
			Name:        "border",
			Type:        "enum",
			Default:     "constant",
			Description: "Samples read outside the image",
			Options:     []string{"constant", "replicate"},
		},
		{
			Name:        "border_value",
			Type:        "int",
			Min:         0.0,
			Max:         255.0,
			Default:     0.0,
			Description: "Fill value for the constant border",
		},
	}
}

// Erosion implements morphological erosion
type Erosion struct{}

// NewErosion creates a new erosion algorithm
func NewErosion() *Erosion {
	return &Erosion{}
}

func (e *Erosion) Apply(input *core.Image, params map[string]interface{}) (*core.Image, error) {
	mp, err := parseMorphParams(params)
	if err != nil {
		return nil, fmt.Errorf("erosion: %w", err)
	}
	output := input
	for i := 0; i < mp.iterations; i++ {
		output = Erode(output, mp.element, mp.border)
	}
	return output, nil
}

func (e *Erosion) GetDefaultParams() map[string]interface{} { return morphDefaults() }

func (e *Erosion) GetName() string {
	return "Erosion"
}

func (e *Erosion) GetDescription() string {
	return "Morphological erosion to remove small noise"
}

func (e *Erosion) Validate(params map[string]interface{}) error { return validateMorphParams(params) }

func (e *Erosion) GetParameterInfo() []ParameterInfo { return morphParameterInfo("erosion") }

// Dilation implements morphological dilation
type Dilation struct{}

// NewDilation creates a new dilation algorithm
func NewDilation() *Dilation {
	return &Dilation{}
}

func (d *Dilation) Apply(input *core.Image, params map[string]interface{}) (*core.Image, error) {
	mp, err := parseMorphParams(params)
	if err != nil {
		return nil, fmt.Errorf("dilation: %w", err)
	}
	output := input
	for i := 0; i < mp.iterations; i++ {
		output = Dilate(output, mp.element, mp.border)
	}
	return output, nil
}

func (d *Dilation) GetDefaultParams() map[string]interface{} { return morphDefaults() }

func (d *Dilation) GetName() string {
	return "Dilation"
}

func (d *Dilation) GetDescription() string {
	return "Morphological dilation to fill gaps"
}

func (d *Dilation) Validate(params map[string]interface{}) error { return validateMorphParams(params) }

func (d *Dilation) GetParameterInfo() []ParameterInfo { return morphParameterInfo("dilation") }

// Opening implements morphological opening
type Opening struct{}

// NewOpening creates a new opening algorithm
func NewOpening() *Opening {
	return &Opening{}
}

func (o *Opening) Apply(input *core.Image, params map[string]interface{}) (*core.Image, error) {
	mp, err := parseMorphParams(params)
	if err != nil {
		return nil, fmt.Errorf("opening: %w", err)
	}
	return Open(input, mp.element, mp.iterations, mp.border), nil
}

func (o *Opening) GetDefaultParams() map[string]interface{} { return morphDefaults() }

func (o *Opening) GetName() string {
	return "Opening"
}

func (o *Opening) GetDescription() string {
	return "Morphological opening to remove specks while preserving shapes"
}

func (o *Opening) Validate(params map[string]interface{}) error { return validateMorphParams(params) }

func (o *Opening) GetParameterInfo() []ParameterInfo { return morphParameterInfo("erosion and dilation") }

// Closing implements morphological closing
type Closing struct{}

// NewClosing creates a new closing algorithm
func NewClosing() *Closing {
	return &Closing{}
}

func (c *Closing) Apply(input *core.Image, params map[string]interface{}) (*core.Image, error) {
	mp, err := parseMorphParams(params)
	if err != nil {
		return nil, fmt.Errorf("closing: %w", err)
	}
	return Close(input, mp.element, mp.iterations, mp.border), nil
}

func (c *Closing) GetDefaultParams() map[string]interface{} { return morphDefaults() }

func (c *Closing) GetName() string {
	return "Closing"
}

func (c *Closing) GetDescription() string {
	return "Morphological closing to connect broken strokes"
}

func (c *Closing) Validate(params map[string]interface{}) error { return validateMorphParams(params) }

func (c *Closing) GetParameterInfo() []ParameterInfo { return morphParameterInfo("dilation and erosion") }
