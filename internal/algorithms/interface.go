// Host reference algorithms: materialized versions of every device stage
package algorithms

import (
	"fmt"
	"sort"

	"medimg-accel/internal/core"
)

// Algorithm defines the interface for host reference algorithms
type Algorithm interface {
	Apply(input *core.Image, params map[string]interface{}) (*core.Image, error)
	GetDefaultParams() map[string]interface{}
	GetName() string
	GetDescription() string
	Validate(params map[string]interface{}) error
	GetParameterInfo() []ParameterInfo
}

// ParameterInfo describes a parameter for usage output
type ParameterInfo struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"` // "int", "float", "string", "enum"
	Min         interface{} `json:"min,omitempty"`
	Max         interface{} `json:"max,omitempty"`
	Default     interface{} `json:"default"`
	Description string      `json:"description"`
	Options     []string    `json:"options,omitempty"` // For enum type
}

var algorithms = make(map[string]Algorithm)

func Register(name string, algorithm Algorithm) {
	algorithms[name] = algorithm
}

func Get(name string) (Algorithm, bool) {
	algorithm, exists := algorithms[name]
	return algorithm, exists
}

func Apply(name string, input *core.Image, params map[string]interface{}) (*core.Image, error) {
	algorithm, exists := algorithms[name]
	if !exists {
		return nil, fmt.Errorf("algorithm not found: %s", name)
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	merged := algorithm.GetDefaultParams()
	for k, v := range params {
		merged[k] = v
	}
	if err := algorithm.Validate(merged); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return algorithm.Apply(input, merged)
}

func ValidateParameters(name string, params map[string]interface{}) error {
	algorithm, exists := algorithms[name]
	if !exists {
		return fmt.Errorf("algorithm not found: %s", name)
	}

	return algorithm.Validate(params)
}

func IsValidAlgorithm(name string) bool {
	_, exists := algorithms[name]
	return exists
}

// Names returns the registered names in sorted order
func Names() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func GetAlgorithmsByCategory() map[string][]string {
	return map[string][]string{
		"Binarization": {
			"threshold",
			"otsu",
		},
		"Morphology": {
			"erosion",
			"dilation",
			"opening",
			"closing",
		},
		"Edges": {
			"canny",
		},
	}
}

func init() {
	Register("threshold", NewThreshold())
	Register("otsu", NewOtsu())

	Register("erosion", NewErosion())
	Register("dilation", NewDilation())
	Register("opening", NewOpening())
	Register("closing", NewClosing())

	Register("canny", NewCanny())
}

func floatParam(params map[string]interface{}, key string, def float64) float64 {
	if val, ok := params[key]; ok {
		switch v := val.(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return def
}

func stringParam(params map[string]interface{}, key, def string) string {
	if val, ok := params[key]; ok {
		if v, ok := val.(string); ok {
			return v
		}
	}
	return def
}

func checkRange(params map[string]interface{}, key string, lo, hi float64) error {
	if _, ok := params[key]; !ok {
		return nil
	}
	if v := floatParam(params, key, lo); v < lo || v > hi {
		return fmt.Errorf("%s must be between %g and %g", key, lo, hi)
	}
	return nil
}
