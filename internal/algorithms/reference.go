package algorithms

import (
	"fmt"

	"medimg-accel/internal/core"
	"medimg-accel/internal/stream"
	"medimg-accel/internal/strel"
)

// Border fixes how samples outside the image are read
type Border struct {
	Mode  stream.BorderMode
	Value uint8
}

func sample(img *core.Image, x, y, c int, b Border) uint8 {
	if x < 0 || x >= img.Width || y < 0 || y >= img.Height {
		if b.Mode != stream.BorderReplicate {
			return b.Value
		}
		x = max(0, min(x, img.Width-1))
		y = max(0, min(y, img.Height-1))
	}
	return img.At(x, y, c)
}

// ThresholdImage applies policy to every sample
func ThresholdImage(img *core.Image, policy stream.ThresholdPolicy, thresh, maxval uint8) *core.Image {
	out := core.NewImage(img.Width, img.Height, img.Channels)
	for i, p := range img.Pix {
		out.Pix[i] = stream.Threshold(policy, p, thresh, maxval)
	}
	return out
}

// Erode takes the minimum over the element's members
func Erode(img *core.Image, e *strel.Element, b Border) *core.Image {
	return morph(img, e.Offsets(), b, true)
}

// Dilate takes the maximum over the reflected element's members
func Dilate(img *core.Image, e *strel.Element, b Border) *core.Image {
	return morph(img, strel.Reflect(e.Offsets()), b, false)
}

func morph(img *core.Image, offsets []strel.Offset, b Border, erode bool) *core.Image {
	out := core.NewImage(img.Width, img.Height, img.Channels)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			for c := 0; c < img.Channels; c++ {
				acc := uint8(0)
				if erode {
					acc = 255
				}
				for _, o := range offsets {
					v := sample(img, x+o.DX, y+o.DY, c, b)
					if erode && v < acc || !erode && v > acc {
						acc = v
					}
				}
				out.Set(x, y, c, acc)
			}
		}
	}
	return out
}

// Open erodes iterations times, then dilates iterations times
func Open(img *core.Image, e *strel.Element, iterations int, b Border) *core.Image {
	out := img
	for i := 0; i < iterations; i++ {
		out = Erode(out, e, b)
	}
	for i := 0; i < iterations; i++ {
		out = Dilate(out, e, b)
	}
	return out
}

// Close dilates iterations times, then erodes iterations times
func Close(img *core.Image, e *strel.Element, iterations int, b Border) *core.Image {
	out := img
	for i := 0; i < iterations; i++ {
		out = Dilate(out, e, b)
	}
	for i := 0; i < iterations; i++ {
		out = Erode(out, e, b)
	}
	return out
}

// MorphologyStages holds every intermediate of the threshold/opening chain
type MorphologyStages struct {
	Thresholded *core.Image
	Eroded      *core.Image
	Output      *core.Image
}

// Morphology is the sequential composition threshold -> erode^n -> dilate^n
func Morphology(img *core.Image, e *strel.Element, cfg stream.Config, p stream.Params) (*MorphologyStages, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if err := e.Validate(cfg.FilterSize); err != nil {
		return nil, err
	}
	b := Border{Mode: cfg.Border, Value: cfg.BorderValue}
	st := &MorphologyStages{Thresholded: ThresholdImage(img, cfg.Policy, p.Thresh, p.Maxval)}
	st.Eroded = st.Thresholded
	for i := 0; i < cfg.Iterations; i++ {
		st.Eroded = Erode(st.Eroded, e, b)
	}
	st.Output = st.Eroded
	for i := 0; i < cfg.Iterations; i++ {
		st.Output = Dilate(st.Output, e, b)
	}
	return st, nil
}

// ExtractChannel returns channel c of img as a single-channel image
func ExtractChannel(img *core.Image, c int) (*core.Image, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if c < 0 || c >= img.Channels {
		return nil, fmt.Errorf("%w: channel %d of %d", core.ErrValidation, c, img.Channels)
	}
	if img.Channels == 1 {
		return img.Clone(), nil
	}
	out := core.NewImage(img.Width, img.Height, 1)
	for i := range out.Pix {
		out.Pix[i] = img.Pix[i*img.Channels+c]
	}
	return out, nil
}

var (
	sobelX = [3][3]int32{{-1, 0, 1}, {-2, 0, 2}, {-1, 0, 1}}
	sobelY = [3][3]int32{{-1, -2, -1}, {0, 0, 0}, {1, 2, 1}}
)

// Canny runs gradient, non-maximum suppression and hysteresis over a
// single-channel image. Edge pixels are stream.EdgeOn, the rest 0.
func Canny(img *core.Image, low, high int32, norm stream.Norm, b Border) (*core.Image, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if img.Channels != 1 {
		return nil, fmt.Errorf("%w: canny needs one channel, got %d", core.ErrValidation, img.Channels)
	}
	w, h := img.Width, img.Height

	mag := make([]int32, w*h)
	dir := make([]stream.Direction, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var gx, gy int32
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					v := int32(sample(img, x+kx, y+ky, 0, b))
					gx += sobelX[ky+1][kx+1] * v
					gy += sobelY[ky+1][kx+1] * v
				}
			}
			mag[y*w+x] = stream.Magnitude(norm, gx, gy)
			dir[y*w+x] = stream.SnapDirection(gx, gy)
		}
	}

	at := func(x, y int) int32 {
		if x < 0 || x >= w || y < 0 || y >= h {
			return 0
		}
		return mag[y*w+x]
	}

	const (
		none = iota
		weak
		strong
	)
	class := make([]uint8, w*h)
	queue := make([]int, 0, 64)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m := mag[y*w+x]
			if m == 0 {
				continue
			}
			var keep bool
			switch dir[y*w+x] {
			case stream.Dir0:
				keep = m > at(x-1, y) && m >= at(x+1, y)
			case stream.Dir90:
				keep = m > at(x, y-1) && m >= at(x, y+1)
			case stream.Dir45:
				keep = m > at(x+1, y-1) && m > at(x-1, y+1)
			case stream.Dir135:
				keep = m > at(x-1, y-1) && m > at(x+1, y+1)
			}
			switch {
			case !keep || m < low:
			case m >= high:
				class[y*w+x] = strong
				queue = append(queue, y*w+x)
			default:
				class[y*w+x] = weak
			}
		}
	}

	out := core.NewImage(w, h, 1)
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		out.Pix[i] = stream.EdgeOn
		x, y := i%w, i/w
		for ny := y - 1; ny <= y+1; ny++ {
			for nx := x - 1; nx <= x+1; nx++ {
				if nx < 0 || nx >= w || ny < 0 || ny >= h {
					continue
				}
				j := ny*w + nx
				if class[j] == weak {
					class[j] = strong
					queue = append(queue, j)
				}
			}
		}
	}
	return out, nil
}

// Reference runs the host composition matching cfg.Variant
func Reference(img *core.Image, e *strel.Element, cfg stream.Config, p stream.Params) (*core.Image, error) {
	switch cfg.Variant {
	case stream.VariantIdentity:
		return img.Clone(), nil
	case stream.VariantMorphology:
		st, err := Morphology(img, e, cfg, p)
		if err != nil {
			return nil, err
		}
		return st.Output, nil
	case stream.VariantEdge:
		gray, err := ExtractChannel(img, min(cfg.Channel, img.Channels-1))
		if err != nil {
			return nil, err
		}
		return Canny(gray, p.Low, p.High, cfg.Norm, Border{Mode: cfg.Border, Value: cfg.BorderValue})
	}
	return nil, fmt.Errorf("unknown variant %v", cfg.Variant)
}
