package imageio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medimg-accel/internal/core"
)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func checker(w, h, channels int) *core.Image {
	img := core.NewImage(w, h, channels)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < channels; c++ {
				if (x/4+y/4)%2 == 0 {
					img.Set(x, y, c, uint8(60*(c+1)))
				}
			}
		}
	}
	return img
}

func TestLosslessRoundTrip(t *testing.T) {
	codec, err := Open(NativeCodec, quietLog())
	require.NoError(t, err)
	dir := t.TempDir()

	for _, ext := range []string{".png", ".bmp", ".tiff"} {
		t.Run(ext, func(t *testing.T) {
			gray := checker(17, 9, 1)
			path := filepath.Join(dir, "gray"+ext)
			require.NoError(t, codec.Save(path, gray))
			got, err := codec.Load(path, ReadGray)
			require.NoError(t, err)
			assert.True(t, core.Equal(gray, got))

			rgb := checker(11, 6, 3)
			path = filepath.Join(dir, "rgb"+ext)
			require.NoError(t, codec.Save(path, rgb))
			got, err = codec.Load(path, ReadColor)
			require.NoError(t, err)
			assert.True(t, core.Equal(rgb, got))
		})
	}
}

func TestGrayFromColour(t *testing.T) {
	codec := NewNative(quietLog())
	path := filepath.Join(t.TempDir(), "white.png")
	rgb := core.NewImage(3, 2, 3)
	for i := range rgb.Pix {
		rgb.Pix[i] = 255
	}
	require.NoError(t, codec.Save(path, rgb))

	got, err := codec.Load(path, ReadGray)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Channels)
	assert.Equal(t, []byte{255, 255, 255, 255, 255, 255}, got.Pix)
}

func TestJPEGKeepsGeometry(t *testing.T) {
	codec := NewNative(quietLog())
	path := filepath.Join(t.TempDir(), ArtifactOutput)
	require.NoError(t, codec.Save(path, checker(32, 24, 1)))
	got, err := codec.Load(path, ReadGray)
	require.NoError(t, err)
	assert.Equal(t, 32, got.Width)
	assert.Equal(t, 24, got.Height)
}

func TestLoadErrors(t *testing.T) {
	codec := NewNative(quietLog())
	dir := t.TempDir()

	_, err := codec.Load(filepath.Join(dir, "missing.png"), ReadGray)
	assert.ErrorIs(t, err, ErrLoad)

	junk := filepath.Join(dir, "junk.jpg")
	require.NoError(t, os.WriteFile(junk, []byte("not an image"), 0o644))
	_, err = codec.Load(junk, ReadColor)
	assert.ErrorIs(t, err, ErrLoad)

	err = codec.Save(filepath.Join(dir, "out.webp"), checker(2, 2, 1))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	err = codec.Save(filepath.Join(dir, "bad.png"), &core.Image{Width: 2, Height: 2, Channels: 1})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	w, err := NewWriter(dir, NewNative(quietLog()), quietLog())
	require.NoError(t, err)

	path, err := w.Write(ArtifactInput, checker(8, 8, 1))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ArtifactInput), path)
	assert.FileExists(t, path)
}

func TestUnknownCodec(t *testing.T) {
	_, err := Open("magick", nil)
	assert.ErrorIs(t, err, ErrUnknownCodec)
	assert.Contains(t, Codecs(), NativeCodec)
	assert.True(t, Supported("a/B.JPG", NewNative(quietLog()).SupportedFormats()))
}
