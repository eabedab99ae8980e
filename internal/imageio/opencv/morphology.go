package opencv

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"medimg-accel/internal/algorithms"
	"medimg-accel/internal/core"
	"medimg-accel/internal/stream"
	"medimg-accel/internal/strel"
)

var thresholdTypes = map[stream.ThresholdPolicy]gocv.ThresholdType{
	stream.ThreshBinary:    gocv.ThresholdBinary,
	stream.ThreshBinaryInv: gocv.ThresholdBinaryInv,
	stream.ThreshTrunc:     gocv.ThresholdTrunc,
	stream.ThreshToZero:    gocv.ThresholdToZero,
	stream.ThreshToZeroInv: gocv.ThresholdToZeroInv,
}

func borderType(b stream.BorderMode) gocv.BorderType {
	if b == stream.BorderReplicate {
		return gocv.BorderReplicate
	}
	return gocv.BorderConstant
}

// centred places the element and its reflection in a square of odd side
// 2*(e.Side/2)+1 whose centre is the element anchor e.Side/2, so OpenCV's
// default centre anchor reads the same offsets as the stream. Even sides
// leave the last row and column of the erosion mask and the first of the
// dilation mask empty.
func centred(e *strel.Element) (int, []byte, []byte) {
	reach := e.Side / 2
	side := 2*reach + 1
	erode := make([]byte, side*side)
	dilate := make([]byte, side*side)
	for _, o := range e.Offsets() {
		erode[(reach+o.DY)*side+reach+o.DX] = 1
		dilate[(reach-o.DY)*side+reach-o.DX] = 1
	}
	return side, erode, dilate
}

// Morphology runs threshold -> erode^n -> dilate^n through OpenCV and
// returns every intermediate, like algorithms.Morphology
func Morphology(img *core.Image, e *strel.Element, cfg stream.Config, p stream.Params) (*algorithms.MorphologyStages, error) {
	if err := e.Validate(cfg.FilterSize); err != nil {
		return nil, err
	}
	typ, ok := thresholdTypes[cfg.Policy]
	if !ok {
		return nil, fmt.Errorf("%w: threshold policy %v", stream.ErrConfig, cfg.Policy)
	}

	input, err := ToMat(img)
	if err != nil {
		return nil, err
	}
	defer input.Close()

	side, erodeMask, dilateMask := centred(e)
	erodeKernel, err := gocv.NewMatFromBytes(side, side, gocv.MatTypeCV8UC1, erodeMask)
	if err != nil {
		return nil, err
	}
	defer erodeKernel.Close()
	dilateKernel, err := gocv.NewMatFromBytes(side, side, gocv.MatTypeCV8UC1, dilateMask)
	if err != nil {
		return nil, err
	}
	defer dilateKernel.Close()

	thresholded := gocv.NewMat()
	defer thresholded.Close()
	gocv.Threshold(input, &thresholded, float32(p.Thresh), float32(p.Maxval), typ)

	reach := e.Side / 2
	border := borderType(cfg.Border)
	v := cfg.BorderValue
	value := color.RGBA{R: v, G: v, B: v, A: v}

	// pad by the element reach so OpenCV's own border handling never applies,
	// then crop back to the image
	apply := func(src gocv.Mat, kernel gocv.Mat, op func(gocv.Mat, *gocv.Mat, gocv.Mat)) gocv.Mat {
		padded := gocv.NewMat()
		defer padded.Close()
		gocv.CopyMakeBorder(src, &padded, reach, reach, reach, reach, border, value)
		full := gocv.NewMat()
		defer full.Close()
		op(padded, &full, kernel)
		roi := full.Region(image.Rect(reach, reach, reach+src.Cols(), reach+src.Rows()))
		defer roi.Close()
		return roi.Clone()
	}

	eroded := thresholded.Clone()
	defer func() { eroded.Close() }()
	for i := 0; i < cfg.Iterations; i++ {
		next := apply(eroded, erodeKernel, gocv.Erode)
		eroded.Close()
		eroded = next
	}

	output := eroded.Clone()
	defer func() { output.Close() }()
	for i := 0; i < cfg.Iterations; i++ {
		next := apply(output, dilateKernel, gocv.Dilate)
		output.Close()
		output = next
	}

	st := &algorithms.MorphologyStages{}
	if st.Thresholded, err = FromMat(thresholded); err != nil {
		return nil, err
	}
	if st.Eroded, err = FromMat(eroded); err != nil {
		return nil, err
	}
	if st.Output, err = FromMat(output); err != nil {
		return nil, err
	}
	return st, nil
}
