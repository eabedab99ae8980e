// Package stream is the compute core of the accelerator: fixed compositions of
// windowed pixel transforms running as concurrent stages linked by bounded
// row FIFOs.
package stream

import (
	"errors"
	"fmt"
	"strings"

	"medimg-accel/internal/core"
)

var (
	// ErrConfig is returned by Config.Validate.
	ErrConfig = fmt.Errorf("stream: invalid configuration: %w", core.ErrValidation)

	// ErrShape is returned when a stage observes a size or shape violation.
	ErrShape = errors.New("stream: size/shape violation")
)

// Variant selects the stage composition instantiated by New
type Variant int

const (
	VariantIdentity   Variant = iota // Ingest -> Emit
	VariantMorphology                // Ingest -> Threshold -> Erode -> Dilate -> Emit
	VariantEdge                      // Ingest -> Extract -> Gradient -> NMS -> Hysteresis -> Emit
)

func (v Variant) String() string {
	switch v {
	case VariantIdentity:
		return "identity"
	case VariantMorphology:
		return "morphology"
	case VariantEdge:
		return "edge"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// ParseVariant maps a configuration string onto a Variant
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(s) {
	case "identity":
		return VariantIdentity, nil
	case "morphology", "medimg", "threshold":
		return VariantMorphology, nil
	case "edge", "canny":
		return VariantEdge, nil
	}
	return 0, fmt.Errorf("%w: unknown variant %q", ErrConfig, s)
}

// ThresholdPolicy is the comparison applied by the threshold stage
type ThresholdPolicy int

const (
	ThreshBinary ThresholdPolicy = iota
	ThreshBinaryInv
	ThreshTrunc
	ThreshToZero
	ThreshToZeroInv
)

var policyNames = map[ThresholdPolicy]string{
	ThreshBinary:    "binary",
	ThreshBinaryInv: "binary_inv",
	ThreshTrunc:     "trunc",
	ThreshToZero:    "tozero",
	ThreshToZeroInv: "tozero_inv",
}

func (p ThresholdPolicy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("ThresholdPolicy(%d)", int(p))
}

// ParseThresholdPolicy maps a configuration string onto a policy
func ParseThresholdPolicy(s string) (ThresholdPolicy, error) {
	norm := strings.ToLower(strings.TrimPrefix(strings.ToLower(s), "thresh_"))
	for p, name := range policyNames {
		if name == norm {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown threshold policy %q", ErrConfig, s)
}

// BorderMode decides the samples read outside the image
type BorderMode int

const (
	BorderConstant BorderMode = iota
	BorderReplicate
)

func (b BorderMode) String() string {
	if b == BorderReplicate {
		return "replicate"
	}
	return "constant"
}

// ParseBorderMode maps a configuration string onto a BorderMode
func ParseBorderMode(s string) (BorderMode, error) {
	switch strings.ToLower(s) {
	case "constant", "":
		return BorderConstant, nil
	case "replicate":
		return BorderReplicate, nil
	}
	return 0, fmt.Errorf("%w: unknown border mode %q", ErrConfig, s)
}

// Norm selects how the gradient magnitude is formed
type Norm int

const (
	NormL1 Norm = iota
	NormL2
)

func (n Norm) String() string {
	if n == NormL2 {
		return "l2"
	}
	return "l1"
}

// ParseNorm maps a configuration string onto a Norm
func ParseNorm(s string) (Norm, error) {
	switch strings.ToLower(s) {
	case "l1", "":
		return NormL1, nil
	case "l2":
		return NormL2, nil
	}
	return 0, fmt.Errorf("%w: unknown norm %q", ErrConfig, s)
}

// Config fixes one pipeline instantiation. It is validated once by New and
// copied into the Pipeline, which never changes it afterwards.
type Config struct {
	Variant Variant

	MaxWidth  int
	MaxHeight int
	Format    core.PixelFormat

	// Morphology
	FilterSize  int
	Iterations  int
	Policy      ThresholdPolicy
	Border      BorderMode
	BorderValue uint8

	// Edge detection
	Channel int
	Norm    Norm

	// Dataflow
	Depth          int // rows held by each inter-stage FIFO
	InputPortBits  int
	OutputPortBits int
}

// DefaultConfig mirrors the reference build: 3840x2160 gray, 3x3 element,
// one iteration, binary threshold, 64-bit memory ports.
func DefaultConfig() Config {
	return Config{
		Variant:        VariantMorphology,
		MaxWidth:       3840,
		MaxHeight:      2160,
		Format:         core.FormatGray,
		FilterSize:     3,
		Iterations:     1,
		Policy:         ThreshBinary,
		Border:         BorderConstant,
		Channel:        1,
		Norm:           NormL1,
		Depth:          2,
		InputPortBits:  64,
		OutputPortBits: 64,
	}
}

// Validate checks the configuration for internal consistency
func (c Config) Validate() error {
	if c.Variant < VariantIdentity || c.Variant > VariantEdge {
		return fmt.Errorf("%w: variant %v", ErrConfig, c.Variant)
	}
	if c.MaxWidth <= 0 || c.MaxHeight <= 0 {
		return fmt.Errorf("%w: dimension bound %dx%d", ErrConfig, c.MaxWidth, c.MaxHeight)
	}
	if c.Format != core.FormatGray && c.Format != core.FormatRGB {
		return fmt.Errorf("%w: pixel format %v", ErrConfig, c.Format)
	}
	if c.Depth < 1 {
		return fmt.Errorf("%w: fifo depth must be at least 1, got %d", ErrConfig, c.Depth)
	}
	for _, bits := range []int{c.InputPortBits, c.OutputPortBits} {
		if bits < 8 || bits%8 != 0 || bits > 512 {
			return fmt.Errorf("%w: memory port width %d bits", ErrConfig, bits)
		}
	}

	switch c.Variant {
	case VariantMorphology:
		if c.FilterSize < 1 || c.FilterSize > 15 {
			return fmt.Errorf("%w: filter size must be between 1 and 15, got %d", ErrConfig, c.FilterSize)
		}
		if c.Iterations < 1 || c.Iterations > 10 {
			return fmt.Errorf("%w: iterations must be between 1 and 10, got %d", ErrConfig, c.Iterations)
		}
		if _, ok := policyNames[c.Policy]; !ok {
			return fmt.Errorf("%w: threshold policy %v", ErrConfig, c.Policy)
		}
		if c.Border != BorderConstant && c.Border != BorderReplicate {
			return fmt.Errorf("%w: border %v", ErrConfig, c.Border)
		}
	case VariantEdge:
		if c.Channel < 0 || c.Channel >= c.Format.Channels() {
			return fmt.Errorf("%w: channel %d out of range for %v", ErrConfig, c.Channel, c.Format)
		}
		if c.Norm != NormL1 && c.Norm != NormL2 {
			return fmt.Errorf("%w: norm %v", ErrConfig, c.Norm)
		}
		if c.Border != BorderConstant && c.Border != BorderReplicate {
			return fmt.Errorf("%w: border %v", ErrConfig, c.Border)
		}
	}
	return nil
}

// Params are the scalar arguments supplied with one invocation
type Params struct {
	Thresh uint8
	Maxval uint8
	Low    int32
	High   int32
}
