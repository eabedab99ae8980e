// Package opencv is the gocv codec. Importing it registers the "gocv" codec
// with imageio; it needs OpenCV at build time.
package opencv

import (
	"fmt"
	"image"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"medimg-accel/internal/core"
	"medimg-accel/internal/imageio"
	"medimg-accel/internal/strel"
)

// Codec is the registry name
const Codec = "gocv"

func init() {
	imageio.Register(Codec, func(log logrus.FieldLogger) imageio.Codec { return NewLoader(log) })
}

// Loader handles image file operations through OpenCV
type Loader struct {
	log logrus.FieldLogger
}

func NewLoader(log logrus.FieldLogger) *Loader {
	return &Loader{log: log.WithField("codec", Codec)}
}

func (l *Loader) Name() string { return Codec }

func (l *Loader) SupportedFormats() []string {
	return []string{".jpg", ".jpeg", ".png", ".tiff", ".tif", ".bmp", ".webp"}
}

func (l *Loader) Load(path string, mode imageio.Mode) (*core.Image, error) {
	l.log.WithField("path", path).Debug("loading image")

	if !imageio.Supported(path, l.SupportedFormats()) {
		return nil, fmt.Errorf("%w: %s", imageio.ErrUnsupportedFormat, path)
	}

	flags := gocv.IMReadColor
	if mode == imageio.ReadGray {
		flags = gocv.IMReadGrayScale
	}
	mat := gocv.IMRead(path, flags)
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("%w: %s", imageio.ErrLoad, path)
	}

	img, err := FromMat(mat)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", imageio.ErrLoad, path, err)
	}

	l.log.WithFields(logrus.Fields{
		"path":     path,
		"width":    img.Width,
		"height":   img.Height,
		"channels": img.Channels,
	}).Info("image loaded")
	return img, nil
}

func (l *Loader) Save(path string, img *core.Image) error {
	if !imageio.Supported(path, l.SupportedFormats()) {
		return fmt.Errorf("%w: %s", imageio.ErrUnsupportedFormat, path)
	}
	mat, err := ToMat(img)
	if err != nil {
		return fmt.Errorf("%w: %w", imageio.ErrSave, err)
	}
	defer mat.Close()

	if !gocv.IMWrite(path, mat) {
		return fmt.Errorf("%w: %s", imageio.ErrSave, path)
	}

	l.log.WithFields(logrus.Fields{
		"path":     path,
		"width":    img.Width,
		"height":   img.Height,
		"channels": img.Channels,
	}).Info("image saved")
	return nil
}

// FromMat copies an 8-bit BGR or gray Mat into an RGB or gray image
func FromMat(mat gocv.Mat) (*core.Image, error) {
	src := mat
	switch mat.Channels() {
	case 1:
	case 3:
		rgb := gocv.NewMat()
		defer rgb.Close()
		gocv.CvtColor(mat, &rgb, gocv.ColorBGRToRGB)
		src = rgb
	default:
		return nil, fmt.Errorf("%w: %d-channel Mat", core.ErrValidation, mat.Channels())
	}
	return core.FromBytes(src.Cols(), src.Rows(), src.Channels(), src.ToBytes())
}

// ToMat copies img into a new 8-bit BGR or gray Mat; the caller closes it
func ToMat(img *core.Image) (gocv.Mat, error) {
	if err := img.Validate(); err != nil {
		return gocv.NewMat(), err
	}
	typ := gocv.MatTypeCV8UC1
	if img.Channels == 3 {
		typ = gocv.MatTypeCV8UC3
	}
	mat, err := gocv.NewMatFromBytes(img.Height, img.Width, typ, img.Pix)
	if err != nil {
		return gocv.NewMat(), err
	}
	if img.Channels == 1 {
		return mat, nil
	}
	defer mat.Close()
	bgr := gocv.NewMat()
	gocv.CvtColor(mat, &bgr, gocv.ColorRGBToBGR)
	return bgr, nil
}

// ExtractChannel returns channel c of a colour image as a gray image
func ExtractChannel(img *core.Image, c int) (*core.Image, error) {
	mat, err := ToMat(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	if c < 0 || c >= img.Channels {
		return nil, fmt.Errorf("%w: channel %d of %d", core.ErrValidation, c, img.Channels)
	}
	// the Mat is BGR
	coi := c
	if img.Channels == 3 {
		coi = 2 - c
	}
	out := gocv.NewMat()
	defer out.Close()
	gocv.ExtractChannel(mat, &out, coi)
	return FromMat(out)
}

var morphShapes = map[strel.Shape]gocv.MorphShape{
	strel.Rect:    gocv.MorphRect,
	strel.Cross:   gocv.MorphCross,
	strel.Ellipse: gocv.MorphEllipse,
}

// Generator builds structuring elements with getStructuringElement
type Generator struct{}

var _ strel.Generator = Generator{}

func (Generator) Generate(shape strel.Shape, side int) (*strel.Element, error) {
	ms, ok := morphShapes[shape]
	if !ok || side <= 0 {
		return nil, fmt.Errorf("%w: %v of side %d", strel.ErrShape, shape, side)
	}
	mat := gocv.GetStructuringElement(ms, image.Pt(side, side))
	defer mat.Close()
	return strel.FromBytes(side, mat.ToBytes())
}
