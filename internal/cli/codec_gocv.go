//go:build !nogocv

package cli

import (
	"medimg-accel/internal/imageio/opencv"
)

func init() {
	generators[opencv.Codec] = opencv.Generator{}
	extractors[opencv.Codec] = opencv.ExtractChannel
	references[opencv.Codec] = opencv.Morphology
}
