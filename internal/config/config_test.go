package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medimg-accel/internal/accel"
	"medimg-accel/internal/core"
	"medimg-accel/internal/stream"
	"medimg-accel/internal/strel"
)

func emptyDir(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestDefaultsMatchReferenceBuild(t *testing.T) {
	emptyDir(t)
	cfg, err := Load("", nil)
	require.NoError(t, err)

	b, err := cfg.Build()
	require.NoError(t, err)
	assert.Equal(t, accel.DefaultBuild(), b)
	assert.Equal(t, stream.Params{Thresh: 100, Maxval: 50}, cfg.MorphologyParams())
	assert.Equal(t, stream.Params{Low: 30, High: 64}, cfg.EdgeParams())

	shape, err := cfg.Shape()
	require.NoError(t, err)
	assert.Equal(t, strel.Rect, shape)

	opts, err := cfg.HostOptions()
	require.NoError(t, err)
	assert.Equal(t, "sim", opts.Backend)
	assert.True(t, opts.Profiling)
}

func TestFileEnvAndFlagsLayer(t *testing.T) {
	emptyDir(t)
	path := filepath.Join(t.TempDir(), "build.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pipeline:
  filter_size: 5
  iterations: 2
  shape: ellipse
  threshold_policy: thresh_binary_inv
  input_port_bits: 512
edge:
  norm: l2
  low: 10
  high: 90
device:
  memory_budget_mb: 64
logging:
  level: debug
`), 0o644))

	t.Setenv("MEDIMG_PIPELINE_ITERATIONS", "3")
	t.Setenv("MEDIMG_OUTPUT_DIR", "/tmp/from-env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("out-dir", ".", "")
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--out-dir", "results"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Pipeline.FilterSize)
	assert.Equal(t, 3, cfg.Pipeline.Iterations)
	assert.Equal(t, "results", cfg.Output.Dir)
	assert.Equal(t, "debug", cfg.Logging.Level)

	b, err := cfg.Build()
	require.NoError(t, err)
	assert.Equal(t, stream.ThreshBinaryInv, b.Morphology.Policy)
	assert.Equal(t, 512, b.Morphology.InputPortBits)
	assert.Equal(t, stream.NormL2, b.Edge.Norm)
	assert.Equal(t, core.FormatRGB, b.Edge.Format)
	assert.Equal(t, stream.VariantEdge, b.Edge.Variant)

	opts, err := cfg.HostOptions()
	require.NoError(t, err)
	assert.Equal(t, int64(64<<20), opts.MemoryBudget)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"filter size", func(c *Config) { c.Pipeline.FilterSize = 0 }},
		{"port width", func(c *Config) { c.Pipeline.OutputPortBits = 12 }},
		{"policy", func(c *Config) { c.Pipeline.Policy = "otsu" }},
		{"shape", func(c *Config) { c.Pipeline.Shape = "diamond" }},
		{"threshold", func(c *Config) { c.Pipeline.Threshold = 256 }},
		{"max value", func(c *Config) { c.Pipeline.MaxValue = -1 }},
		{"hysteresis", func(c *Config) { c.Edge.Low, c.Edge.High = 70, 20 }},
		{"edge channel", func(c *Config) { c.Edge.Channel = 3 }},
		{"format", func(c *Config) { c.Pipeline.PixelFormat = "cmyk" }},
		{"border value", func(c *Config) { c.Pipeline.BorderValue = 300 }},
		{"backend", func(c *Config) { c.Device.Backend = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline: [unclosed"), 0o644))
	_, err := Load(path, nil)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}
