// Package imageio loads and saves images as core.Image. Colour images are
// interleaved RGB regardless of codec.
package imageio

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"medimg-accel/internal/core"
)

var (
	ErrUnsupportedFormat = errors.New("imageio: unsupported image format")
	ErrLoad              = errors.New("imageio: cannot load image")
	ErrSave              = errors.New("imageio: cannot save image")
	ErrUnknownCodec      = errors.New("imageio: unknown codec")
)

// Mode selects how an image is read
type Mode int

const (
	// ReadGray converts to a single luminance channel
	ReadGray Mode = iota
	// ReadColor converts to three channels
	ReadColor
)

func (m Mode) String() string {
	if m == ReadGray {
		return "gray"
	}
	return "color"
}

// Channels is the channel count an image read in this mode has
func (m Mode) Channels() int {
	if m == ReadGray {
		return 1
	}
	return 3
}

// Codec reads and writes image files
type Codec interface {
	Name() string
	Load(path string, mode Mode) (*core.Image, error)
	Save(path string, img *core.Image) error
	SupportedFormats() []string
}

// Factory creates a codec
type Factory func(log logrus.FieldLogger) Codec

var (
	codecsMu sync.RWMutex
	codecs   = map[string]Factory{}
)

// Register makes a codec available under name
func Register(name string, f Factory) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[name] = f
}

// Open creates the named codec
func Open(name string, log logrus.FieldLogger) (Codec, error) {
	codecsMu.RLock()
	f, ok := codecs[name]
	codecsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownCodec, name, Codecs())
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return f(log), nil
}

// Codecs returns the registered codec names in sorted order
func Codecs() []string {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Extension returns the lower-cased extension of path including the dot
func Extension(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// Supported reports whether the extension of path is in formats
func Supported(path string, formats []string) bool {
	ext := Extension(path)
	for _, f := range formats {
		if ext == f {
			return true
		}
	}
	return false
}
