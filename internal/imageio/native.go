package imageio

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"medimg-accel/internal/core"
)

// NativeCodec is the pure-Go codec name
const NativeCodec = "native"

// JPEGQuality matches the OpenCV imwrite default
const JPEGQuality = 95

func init() {
	Register(NativeCodec, func(log logrus.FieldLogger) Codec { return NewNative(log) })
}

// Native decodes with the image package and golang.org/x/image
type Native struct {
	log logrus.FieldLogger
}

func NewNative(log logrus.FieldLogger) *Native {
	return &Native{log: log.WithField("codec", NativeCodec)}
}

func (n *Native) Name() string { return NativeCodec }

func (n *Native) SupportedFormats() []string {
	return []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff", ".gif", ".webp"}
}

func (n *Native) Load(path string, mode Mode) (*core.Image, error) {
	n.log.WithField("path", path).Debug("loading image")

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	defer f.Close()

	src, format, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	}
	img := FromImage(src, mode)

	n.log.WithFields(logrus.Fields{
		"path":     path,
		"format":   format,
		"width":    img.Width,
		"height":   img.Height,
		"channels": img.Channels,
	}).Info("image loaded")
	return img, nil
}

func (n *Native) Save(path string, img *core.Image) error {
	if err := img.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}

	var encode func(*os.File, image.Image) error
	switch Extension(path) {
	case ".jpg", ".jpeg":
		encode = func(f *os.File, m image.Image) error {
			return jpeg.Encode(f, m, &jpeg.Options{Quality: JPEGQuality})
		}
	case ".png":
		encode = func(f *os.File, m image.Image) error { return png.Encode(f, m) }
	case ".bmp":
		encode = func(f *os.File, m image.Image) error { return bmp.Encode(f, m) }
	case ".tif", ".tiff":
		encode = func(f *os.File, m image.Image) error { return tiff.Encode(f, m, nil) }
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	if err := encode(f, ToImage(img)); err != nil {
		f.Close()
		return fmt.Errorf("%w: %s: %w", ErrSave, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}

	n.log.WithFields(logrus.Fields{
		"path":     path,
		"width":    img.Width,
		"height":   img.Height,
		"channels": img.Channels,
	}).Info("image saved")
	return nil
}

// FromImage converts a decoded image. Gray conversion uses the image/color
// luminance weights.
func FromImage(src image.Image, mode Mode) *core.Image {
	b := src.Bounds()
	out := core.NewImage(b.Dx(), b.Dy(), mode.Channels())

	if mode == ReadGray {
		gray, ok := src.(*image.Gray)
		if !ok {
			gray = image.NewGray(b)
			draw.Draw(gray, b, src, b.Min, draw.Src)
		}
		for y := 0; y < out.Height; y++ {
			off := gray.PixOffset(b.Min.X, b.Min.Y+y)
			copy(out.Row(y), gray.Pix[off:off+out.Width])
		}
		return out
	}

	for y := 0; y < out.Height; y++ {
		row := out.Row(y)
		for x := 0; x < out.Width; x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			row[3*x], row[3*x+1], row[3*x+2] = c.R, c.G, c.B
		}
	}
	return out
}

// ToImage wraps img as an image.Image for encoding
func ToImage(img *core.Image) image.Image {
	r := image.Rect(0, 0, img.Width, img.Height)
	if img.Channels == 1 {
		return &image.Gray{Pix: img.Pix, Stride: img.Stride(), Rect: r}
	}
	out := image.NewRGBA(r)
	for y := 0; y < img.Height; y++ {
		src := img.Row(y)
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < img.Width; x++ {
			dst[4*x], dst[4*x+1], dst[4*x+2], dst[4*x+3] = src[3*x], src[3*x+1], src[3*x+2], 0xff
		}
	}
	return out
}
