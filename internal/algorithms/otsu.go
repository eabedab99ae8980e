// Otsu threshold selection over the 8-bit histogram
package algorithms

import (
	"fmt"

	"medimg-accel/internal/core"
	"medimg-accel/internal/stream"
)

// Otsu binarizes with the threshold maximising between-class variance
type Otsu struct{}

// NewOtsu creates a new Otsu algorithm
func NewOtsu() *Otsu {
	return &Otsu{}
}

func (o *Otsu) Apply(input *core.Image, params map[string]interface{}) (*core.Image, error) {
	if input.Channels != 1 {
		return nil, fmt.Errorf("%w: otsu needs one channel, got %d", core.ErrValidation, input.Channels)
	}
	maxValue := uint8(floatParam(params, "max_value", 255))
	t := OtsuThreshold(input)
	return ThresholdImage(input, stream.ThreshBinary, t, maxValue), nil
}

func (o *Otsu) GetDefaultParams() map[string]interface{} {
	return map[string]interface{}{
		"max_value": 255.0,
	}
}

func (o *Otsu) GetName() string {
	return "Otsu"
}

func (o *Otsu) GetDescription() string {
	return "Global binarization with an automatically selected threshold"
}

func (o *Otsu) Validate(params map[string]interface{}) error {
	return checkRange(params, "max_value", 0, 255)
}

func (o *Otsu) GetParameterInfo() []ParameterInfo {
	return []ParameterInfo{
		{
			Name:        "max_value",
			Type:        "int",
			Min:         0.0,
			Max:         255.0,
			Default:     255.0,
			Description: "Output value for foreground pixels",
		},
	}
}

// Histogram returns the normalized 256-bin histogram of every sample
func Histogram(img *core.Image) []float64 {
	hist := make([]float64, 256)
	for _, p := range img.Pix {
		hist[p]++
	}

	total := float64(len(img.Pix))
	if total == 0 {
		return hist
	}
	for i := range hist {
		hist[i] /= total
	}
	return hist
}

// OtsuThreshold picks the level whose split maximises between-class variance
func OtsuThreshold(img *core.Image) uint8 {
	hist := Histogram(img)

	sum := 0.0
	for i := 0; i < 256; i++ {
		sum += float64(i) * hist[i]
	}

	sumB := 0.0
	wB := 0.0
	maximum := 0.0
	level := 0

	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}

		wF := 1.0 - wB
		if wF <= 1e-12 {
			break
		}

		sumB += float64(t) * hist[t]
		mB := sumB / wB
		mF := (sum - sumB) / wF

		between := wB * wF * (mB - mF) * (mB - mF)
		if between > maximum {
			level = t
			maximum = between
		}
	}

	return uint8(level)
}
