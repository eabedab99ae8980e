// Package strel turns structuring-element shape descriptors into the flat
// neighbourhood masks consumed by the morphological stages.
package strel

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"medimg-accel/internal/core"
)

var (
	// ErrShape is returned for an unknown shape or a non-positive side length.
	ErrShape = errors.New("strel: invalid shape")

	// ErrLength is returned when a mask does not hold exactly side² entries.
	ErrLength = fmt.Errorf("strel: mask length mismatch: %w", core.ErrValidation)
)

// Shape selects the neighbourhood geometry
type Shape int

const (
	Rect Shape = iota
	Cross
	Ellipse
)

func (s Shape) String() string {
	switch s {
	case Rect:
		return "rect"
	case Cross:
		return "cross"
	case Ellipse:
		return "ellipse"
	default:
		return fmt.Sprintf("Shape(%d)", int(s))
	}
}

// ParseShape accepts the configuration spelling of a shape
func ParseShape(name string) (Shape, error) {
	switch strings.ToLower(name) {
	case "rect", "rectangle", "morph_rect":
		return Rect, nil
	case "cross", "morph_cross":
		return Cross, nil
	case "ellipse", "morph_ellipse":
		return Ellipse, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrShape, name)
}

// Element is a square membership mask of side Side stored row-major.
// Non-zero entries are members.
type Element struct {
	Side int
	Mask []byte
}

// Generator produces an element for a shape. The pure-Go Load is the default;
// the OpenCV collaborator provides another.
type Generator interface {
	Generate(shape Shape, side int) (*Element, error)
}

// GeneratorFunc adapts a function to Generator
type GeneratorFunc func(shape Shape, side int) (*Element, error)

func (f GeneratorFunc) Generate(shape Shape, side int) (*Element, error) { return f(shape, side) }

// Native generates elements in-process
var Native Generator = GeneratorFunc(Load)

// Load rasterises shape into a side×side mask, matching OpenCV's
// getStructuringElement with the anchor at the centre.
func Load(shape Shape, side int) (*Element, error) {
	if side <= 0 {
		return nil, fmt.Errorf("%w: side must be positive, got %d", ErrShape, side)
	}
	if shape < Rect || shape > Ellipse {
		return nil, fmt.Errorf("%w: %v", ErrShape, shape)
	}
	if side == 1 {
		shape = Rect
	}

	mask := make([]byte, side*side)
	anchor := side / 2
	r := side / 2
	c := side / 2
	invR2 := 0.0
	if r > 0 {
		invR2 = 1.0 / float64(r*r)
	}

	for i := 0; i < side; i++ {
		j1, j2 := 0, 0
		switch {
		case shape == Rect || (shape == Cross && i == anchor):
			j2 = side
		case shape == Cross:
			j1, j2 = anchor, anchor+1
		default:
			dy := i - r
			if dy >= -r && dy <= r {
				dx := int(math.RoundToEven(float64(c) * math.Sqrt(float64(r*r-dy*dy)*invR2)))
				j1 = max(c-dx, 0)
				j2 = min(c+dx+1, side)
			}
		}
		for j := j1; j < j2; j++ {
			mask[i*side+j] = 1
		}
	}

	return &Element{Side: side, Mask: mask}, nil
}

// FromBytes wraps an externally produced mask after checking its length
func FromBytes(side int, mask []byte) (*Element, error) {
	e := &Element{Side: side, Mask: mask}
	if err := e.Validate(side); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks that the element is a filterSize×filterSize mask
func (e *Element) Validate(filterSize int) error {
	if e == nil {
		return fmt.Errorf("%w: nil element", ErrLength)
	}
	if filterSize <= 0 {
		return fmt.Errorf("%w: filter size %d", ErrShape, filterSize)
	}
	if e.Side != filterSize || len(e.Mask) != filterSize*filterSize {
		return fmt.Errorf("%w: got side %d with %d entries, want %d",
			ErrLength, e.Side, len(e.Mask), filterSize*filterSize)
	}
	return nil
}

// Offset is a member position relative to the anchor
type Offset struct {
	DX, DY int
}

// Offsets lists member positions relative to the centre anchor, row-major
func (e *Element) Offsets() []Offset {
	anchor := e.Side / 2
	var out []Offset
	for i := 0; i < e.Side; i++ {
		for j := 0; j < e.Side; j++ {
			if e.Mask[i*e.Side+j] != 0 {
				out = append(out, Offset{DX: j - anchor, DY: i - anchor})
			}
		}
	}
	return out
}

// Reflect returns the element mirrored through its anchor
func Reflect(offsets []Offset) []Offset {
	out := make([]Offset, len(offsets))
	for i, o := range offsets {
		out[i] = Offset{DX: -o.DX, DY: -o.DY}
	}
	return out
}

// Bytes returns a copy of the mask suitable for upload
func (e *Element) Bytes() []byte {
	return append([]byte(nil), e.Mask...)
}

func (e *Element) String() string {
	var b strings.Builder
	for i := 0; i < e.Side; i++ {
		for j := 0; j < e.Side; j++ {
			if e.Mask[i*e.Side+j] != 0 {
				b.WriteByte('#')
			} else {
				b.WriteByte('.')
			}
		}
		if i < e.Side-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
