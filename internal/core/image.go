// Core image data structure shared by the host and the streaming device
package core

import (
	"errors"
	"fmt"
)

// ErrValidation marks every rejection of malformed input before device interaction.
var ErrValidation = errors.New("validation error")

// PixelFormat selects the channel layout of an image stream
type PixelFormat int

const (
	FormatGray PixelFormat = iota // 8UC1
	FormatRGB                     // 8UC3, interleaved
)

// Channels returns the number of interleaved channels for the format
func (f PixelFormat) Channels() int {
	if f == FormatRGB {
		return 3
	}
	return 1
}

func (f PixelFormat) String() string {
	switch f {
	case FormatGray:
		return "gray"
	case FormatRGB:
		return "rgb"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// ParsePixelFormat maps a configuration string onto a PixelFormat
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch s {
	case "gray", "grey", "8uc1":
		return FormatGray, nil
	case "rgb", "color", "8uc3":
		return FormatRGB, nil
	}
	return 0, fmt.Errorf("%w: unknown pixel format %q", ErrValidation, s)
}

// Image is a row-major 8-bit image with interleaved channels
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// NewImage allocates a zeroed image
func NewImage(width, height, channels int) *Image {
	if width < 0 || height < 0 || channels < 0 {
		return &Image{Width: width, Height: height, Channels: channels}
	}
	return &Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]byte, width*height*channels),
	}
}

// FromBytes wraps pix without copying after checking its length
func FromBytes(width, height, channels int, pix []byte) (*Image, error) {
	img := &Image{Width: width, Height: height, Channels: channels, Pix: pix}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

// ByteLen is the exact number of bytes the pixel buffer must hold
func (img *Image) ByteLen() int {
	return img.Width * img.Height * img.Channels
}

// Stride returns the number of bytes per row
func (img *Image) Stride() int {
	return img.Width * img.Channels
}

// Row returns the bytes of row y, sharing storage with the image
func (img *Image) Row(y int) []byte {
	s := img.Stride()
	return img.Pix[y*s : (y+1)*s]
}

// At returns the sample of channel c at (x, y)
func (img *Image) At(x, y, c int) byte {
	return img.Pix[(y*img.Width+x)*img.Channels+c]
}

// Set writes the sample of channel c at (x, y)
func (img *Image) Set(x, y, c int, v byte) {
	img.Pix[(y*img.Width+x)*img.Channels+c] = v
}

// Clone returns a deep copy
func (img *Image) Clone() *Image {
	out := *img
	out.Pix = append([]byte(nil), img.Pix...)
	return &out
}

// Validate checks that the buffer length matches the declared dimensions exactly
func (img *Image) Validate() error {
	if img == nil {
		return fmt.Errorf("%w: nil image", ErrValidation)
	}
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("%w: invalid image dimensions: %dx%d", ErrValidation, img.Width, img.Height)
	}
	if img.Channels != 1 && img.Channels != 3 {
		return fmt.Errorf("%w: unsupported number of channels: %d", ErrValidation, img.Channels)
	}
	if len(img.Pix) != img.ByteLen() {
		return fmt.Errorf("%w: pixel buffer holds %d bytes, %dx%dx%d needs %d",
			ErrValidation, len(img.Pix), img.Width, img.Height, img.Channels, img.ByteLen())
	}
	return nil
}

// ValidateBounds checks the image against the configured dimension bound
func ValidateBounds(img *Image, maxWidth, maxHeight int) error {
	if err := img.Validate(); err != nil {
		return err
	}
	if img.Width > maxWidth || img.Height > maxHeight {
		return fmt.Errorf("%w: image too large: %dx%d (max: %dx%d)",
			ErrValidation, img.Width, img.Height, maxWidth, maxHeight)
	}
	return nil
}

// Equal reports whether two images have identical geometry and pixels
func Equal(a, b *Image) bool {
	if a.Width != b.Width || a.Height != b.Height || a.Channels != b.Channels {
		return false
	}
	if len(a.Pix) != len(b.Pix) {
		return false
	}
	for i := range a.Pix {
		if a.Pix[i] != b.Pix[i] {
			return false
		}
	}
	return true
}
