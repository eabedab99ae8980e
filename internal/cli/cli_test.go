package cli

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medimg-accel/internal/core"
	"medimg-accel/internal/imageio"
)

func writePNG(t *testing.T, dir string, img *core.Image) string {
	t.Helper()
	path := filepath.Join(dir, "input.png")
	require.NoError(t, imageio.NewNative(quiet()).Save(path, img))
	return path
}

func blobImage(channels int) *core.Image {
	img := core.NewImage(48, 32, channels)
	for y := 8; y < 24; y++ {
		for x := 10; x < 30; x++ {
			for c := 0; c < channels; c++ {
				img.Set(x, y, c, 200)
			}
		}
	}
	img.Set(40, 4, 0, 255)
	return img
}

func run(cmd *cobra.Command, args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	code := Main(cmd, args)
	return code, stdout.String(), stderr.String()
}

func TestMedimgWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	in := writePNG(t, dir, blobImage(1))
	out := filepath.Join(dir, "out")

	code, stdout, stderr := run(NewMedimgCommand(), in, "--out-dir", out, "--verify", "--log-level", "error")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "ms")
	for _, name := range []string{
		imageio.ArtifactInput, imageio.ArtifactThreshold, imageio.ArtifactErode, imageio.ArtifactOutput,
	} {
		assert.FileExists(t, filepath.Join(out, name))
	}
}

func TestMedimgExplicitThresholds(t *testing.T) {
	dir := t.TempDir()
	in := writePNG(t, dir, blobImage(1))
	code, _, stderr := run(NewMedimgCommand(), in, "150", "255",
		"--out-dir", dir, "--verify", "--shape", "ellipse", "--iterations", "2", "--log-level", "error")
	assert.Equal(t, 0, code, stderr)
}

func TestMedimgOtsuAndIdentity(t *testing.T) {
	dir := t.TempDir()
	in := writePNG(t, dir, blobImage(1))

	code, _, stderr := run(NewMedimgCommand(), in, "--otsu", "--verify", "--out-dir", dir, "--log-level", "error")
	assert.Equal(t, 0, code, stderr)

	code, _, stderr = run(NewMedimgCommand(), in, "--identity", "--out-dir", dir, "--log-level", "error")
	assert.Equal(t, 0, code, stderr)
}

func TestMedimgArgumentErrors(t *testing.T) {
	dir := t.TempDir()
	in := writePNG(t, dir, blobImage(1))

	code, _, stderr := run(NewMedimgCommand(), in, "100")
	assert.Equal(t, -1, code)
	assert.Contains(t, stderr, "Usage:")

	code, _, _ = run(NewMedimgCommand())
	assert.Equal(t, -1, code)

	code, _, _ = run(NewMedimgCommand(), in, "300", "50", "--out-dir", dir)
	assert.Equal(t, -1, code)

	code, _, _ = run(NewMedimgCommand(), in, "--no-such-flag")
	assert.Equal(t, -1, code)
}

func TestMedimgMissingImageIsNotAFailure(t *testing.T) {
	dir := t.TempDir()
	code, _, stderr := run(NewMedimgCommand(), filepath.Join(dir, "nope.png"), "--out-dir", dir, "--log-level", "error")
	assert.Equal(t, 0, code)
	assert.Contains(t, stderr, "cannot open image")
}

func TestMedimgDeviceFailureExitsOne(t *testing.T) {
	dir := t.TempDir()
	in := writePNG(t, dir, blobImage(1))
	code, _, stderr := run(NewMedimgCommand(), in, "--backend", "fpga", "--out-dir", dir, "--log-level", "error")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "fpga")
}

func TestCanny(t *testing.T) {
	dir := t.TempDir()
	in := writePNG(t, dir, blobImage(3))

	code, stdout, stderr := run(NewCannyCommand(), in, "--out-dir", dir, "--verify", "--log-level", "error")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "ms")
	assert.FileExists(t, filepath.Join(dir, imageio.ArtifactGray))
	assert.FileExists(t, filepath.Join(dir, imageio.ArtifactOutput))

	code, _, _ = run(NewCannyCommand(), filepath.Join(dir, "missing.png"), "--out-dir", dir, "--log-level", "error")
	assert.Equal(t, -1, code)

	code, _, _ = run(NewCannyCommand(), in, "extra")
	assert.Equal(t, -1, code)
}

func TestApplyAndList(t *testing.T) {
	dir := t.TempDir()
	in := writePNG(t, dir, blobImage(1))
	out := filepath.Join(dir, "opened.png")

	code, _, stderr := run(NewMedimgCommand(), "apply", "opening", in, out, "kernel_size=5", "shape=cross", "--out-dir", dir, "--log-level", "error")
	require.Equal(t, 0, code, stderr)
	assert.FileExists(t, out)

	code, _, _ = run(NewMedimgCommand(), "apply", "sharpen", in, out)
	assert.Equal(t, -1, code)

	code, stdout, _ := run(NewMedimgCommand(), "algorithms")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Morphology:")
	assert.Contains(t, stdout, "canny")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, -1, ExitCode(ErrArgument))
	assert.Equal(t, 1, ExitCode(errors.New("device lost")))
	assert.Equal(t, 0, ExitCode(&ExitError{Code: 0, Err: errors.New("nothing to do")}))
	assert.Equal(t, 1, ExitCode(ErrVerify))
}

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}
