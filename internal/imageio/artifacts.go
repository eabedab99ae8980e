package imageio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"medimg-accel/internal/core"
)

// Artifact file names written by a run
const (
	ArtifactInput     = "bw_img.jpg"
	ArtifactThreshold = "thresh_img.jpg"
	ArtifactErode     = "erode_img.jpg"
	ArtifactGray      = "gray_img.jpg"
	ArtifactOutput    = "hls_out.jpg"
)

// Writer saves artifacts into one directory
type Writer struct {
	dir   string
	codec Codec
	log   logrus.FieldLogger
}

// NewWriter creates dir if needed
func NewWriter(dir string, codec Codec, log logrus.FieldLogger) (*Writer, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: output directory: %w", ErrSave, err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Writer{dir: dir, codec: codec, log: log}, nil
}

// Dir is the output directory
func (w *Writer) Dir() string { return w.dir }

// Write saves img as name and returns its path
func (w *Writer) Write(name string, img *core.Image) (string, error) {
	path := filepath.Join(w.dir, name)
	if err := w.codec.Save(path, img); err != nil {
		return "", err
	}
	w.log.WithField("artifact", path).Debug("artifact written")
	return path, nil
}
