package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"medimg-accel/internal/core"
)

func samples(img *core.Image) []float64 {
	out := make([]float64, len(img.Pix))
	for i, p := range img.Pix {
		out[i] = float64(p)
	}
	return out
}

func meanSquaredError(a, b *core.Image) float64 {
	d := floats.Distance(samples(a), samples(b), 2)
	return d * d / float64(len(a.Pix))
}

func countMismatched(a, b []byte) int {
	n := 0
	for i := range a {
		if a[i] != b[i] {
			n++
		}
	}
	return n
}

// MSE implements Mean Squared Error metric
type MSE struct{}

func NewMSE() *MSE { return &MSE{} }

func (m *MSE) Calculate(reference, processed *core.Image) (float64, error) {
	return meanSquaredError(reference, processed), nil
}

func (m *MSE) GetName() string              { return "MSE" }
func (m *MSE) GetDescription() string       { return "Mean Squared Error" }
func (m *MSE) GetRange() (float64, float64) { return 0, 65025 }
func (m *MSE) IsHigherBetter() bool         { return false }

// PSNR implements Peak Signal-to-Noise Ratio metric. Identical images give +Inf.
type PSNR struct{}

func NewPSNR() *PSNR { return &PSNR{} }

func (p *PSNR) Calculate(reference, processed *core.Image) (float64, error) {
	mse := meanSquaredError(reference, processed)
	if mse == 0 {
		return math.Inf(1), nil
	}
	return 20 * math.Log10(255/math.Sqrt(mse)), nil
}

func (p *PSNR) GetName() string              { return "PSNR" }
func (p *PSNR) GetDescription() string       { return "Peak Signal-to-Noise Ratio" }
func (p *PSNR) GetRange() (float64, float64) { return 0, 100 }
func (p *PSNR) IsHigherBetter() bool         { return true }

// SSIM is the structural similarity index computed over the whole image as
// one window
type SSIM struct{}

func NewSSIM() *SSIM { return &SSIM{} }

const (
	ssimC1 = (0.01 * 255) * (0.01 * 255)
	ssimC2 = (0.03 * 255) * (0.03 * 255)
)

func (s *SSIM) Calculate(reference, processed *core.Image) (float64, error) {
	x, y := samples(reference), samples(processed)
	mx, vx := stat.MeanVariance(x, nil)
	my, vy := stat.MeanVariance(y, nil)
	cov := 0.0
	if len(x) > 1 {
		cov = stat.Covariance(x, y, nil)
	} else {
		vx, vy = 0, 0
	}
	num := (2*mx*my + ssimC1) * (2*cov + ssimC2)
	den := (mx*mx + my*my + ssimC1) * (vx + vy + ssimC2)
	return num / den, nil
}

func (s *SSIM) GetName() string              { return "SSIM" }
func (s *SSIM) GetDescription() string       { return "Structural Similarity Index" }
func (s *SSIM) GetRange() (float64, float64) { return -1, 1 }
func (s *SSIM) IsHigherBetter() bool         { return true }

// FMeasure scores a binary map (edges, foreground) against the reference
// map. Samples above 127 are foreground. Two empty maps score 1.
type FMeasure struct{}

func NewFMeasure() *FMeasure { return &FMeasure{} }

func (f *FMeasure) Calculate(reference, processed *core.Image) (float64, error) {
	var tp, fp, fn float64
	for i := range reference.Pix {
		ref, got := reference.Pix[i] > 127, processed.Pix[i] > 127
		switch {
		case ref && got:
			tp++
		case !ref && got:
			fp++
		case ref && !got:
			fn++
		}
	}
	if tp+fp+fn == 0 {
		return 1, nil
	}
	if tp == 0 {
		return 0, nil
	}
	precision := tp / (tp + fp)
	recall := tp / (tp + fn)
	return 2 * precision * recall / (precision + recall), nil
}

func (f *FMeasure) GetName() string              { return "F-Measure" }
func (f *FMeasure) GetDescription() string       { return "F-measure of the foreground map" }
func (f *FMeasure) GetRange() (float64, float64) { return 0, 1 }
func (f *FMeasure) IsHigherBetter() bool         { return true }

// Mismatch is the fraction of samples that differ
type Mismatch struct{}

func NewMismatch() *Mismatch { return &Mismatch{} }

func (m *Mismatch) Calculate(reference, processed *core.Image) (float64, error) {
	return float64(countMismatched(reference.Pix, processed.Pix)) / float64(len(reference.Pix)), nil
}

func (m *Mismatch) GetName() string              { return "Mismatch" }
func (m *Mismatch) GetDescription() string       { return "Fraction of samples that differ" }
func (m *Mismatch) GetRange() (float64, float64) { return 0, 1 }
func (m *Mismatch) IsHigherBetter() bool         { return false }
