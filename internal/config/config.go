// Package config loads the build-time configuration of the accelerator:
// defaults, then a YAML file, then MEDIMG_* environment variables, then flags.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"medimg-accel/internal/accel"
	"medimg-accel/internal/core"
	"medimg-accel/internal/host"
	"medimg-accel/internal/stream"
	"medimg-accel/internal/strel"
)

// ErrInvalid is returned by Validate
var ErrInvalid = fmt.Errorf("config: %w", core.ErrValidation)

// Config represents the application configuration
type Config struct {
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Edge     EdgeConfig     `mapstructure:"edge"`
	Device   DeviceConfig   `mapstructure:"device"`
	Output   OutputConfig   `mapstructure:"output"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// PipelineConfig fixes the morphology kernel and the stream shared by both kernels
type PipelineConfig struct {
	MaxWidth       int    `mapstructure:"max_width"`
	MaxHeight      int    `mapstructure:"max_height"`
	PixelFormat    string `mapstructure:"pixel_format"`
	FilterSize     int    `mapstructure:"filter_size"`
	Iterations     int    `mapstructure:"iterations"`
	Shape          string `mapstructure:"shape"`
	Policy         string `mapstructure:"threshold_policy"`
	Border         string `mapstructure:"border"`
	BorderValue    int    `mapstructure:"border_value"`
	FIFODepth      int    `mapstructure:"fifo_depth"`
	InputPortBits  int    `mapstructure:"input_port_bits"`
	OutputPortBits int    `mapstructure:"output_port_bits"`
	Threshold      int    `mapstructure:"threshold"`
	MaxValue       int    `mapstructure:"max_value"`
}

// EdgeConfig fixes the edge-detection kernel
type EdgeConfig struct {
	PixelFormat string `mapstructure:"pixel_format"`
	Channel     int    `mapstructure:"channel"`
	Norm        string `mapstructure:"norm"`
	Border      string `mapstructure:"border"`
	BorderValue int    `mapstructure:"border_value"`
	Low         int    `mapstructure:"low"`
	High        int    `mapstructure:"high"`
}

type DeviceConfig struct {
	Backend        string `mapstructure:"backend"`
	Index          int    `mapstructure:"index"`
	MemoryBudgetMB int    `mapstructure:"memory_budget_mb"`
	Profiling      bool   `mapstructure:"profiling"`
}

type OutputConfig struct {
	Dir    string `mapstructure:"dir"`
	Codec  string `mapstructure:"codec"`
	Verify bool   `mapstructure:"verify"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	s := stream.DefaultConfig()
	return &Config{
		Pipeline: PipelineConfig{
			MaxWidth:       s.MaxWidth,
			MaxHeight:      s.MaxHeight,
			PixelFormat:    s.Format.String(),
			FilterSize:     s.FilterSize,
			Iterations:     s.Iterations,
			Shape:          strel.Rect.String(),
			Policy:         s.Policy.String(),
			Border:         s.Border.String(),
			BorderValue:    int(s.BorderValue),
			FIFODepth:      s.Depth,
			InputPortBits:  s.InputPortBits,
			OutputPortBits: s.OutputPortBits,
			Threshold:      100,
			MaxValue:       50,
		},
		Edge: EdgeConfig{
			PixelFormat: core.FormatRGB.String(),
			Channel:     1,
			Norm:        stream.NormL1.String(),
			Border:      stream.BorderReplicate.String(),
			Low:         30,
			High:        64,
		},
		Device: DeviceConfig{
			Backend:   "sim",
			Profiling: true,
		},
		Output: OutputConfig{
			Dir:   ".",
			Codec: "native",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "text",
			Console: true,
		},
	}
}

// flagKeys maps command-line flags onto configuration keys
var flagKeys = map[string]string{
	"log-level":  "logging.level",
	"log-format": "logging.format",
	"log-file":   "logging.file",
	"backend":    "device.backend",
	"device":     "device.index",
	"out-dir":    "output.dir",
	"codec":      "output.codec",
	"verify":     "output.verify",
	"iterations": "pipeline.iterations",
	"shape":      "pipeline.shape",
	"policy":     "pipeline.threshold_policy",
	"border":     "pipeline.border",
	"norm":       "edge.norm",
}

// Load loads configuration from defaults, cfgFile (or ./medimg.yaml when
// empty), the environment and the flags that were set
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("medimg")
	}

	v.SetEnvPrefix("MEDIMG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	p := cfg.Pipeline
	v.SetDefault("pipeline.max_width", p.MaxWidth)
	v.SetDefault("pipeline.max_height", p.MaxHeight)
	v.SetDefault("pipeline.pixel_format", p.PixelFormat)
	v.SetDefault("pipeline.filter_size", p.FilterSize)
	v.SetDefault("pipeline.iterations", p.Iterations)
	v.SetDefault("pipeline.shape", p.Shape)
	v.SetDefault("pipeline.threshold_policy", p.Policy)
	v.SetDefault("pipeline.border", p.Border)
	v.SetDefault("pipeline.border_value", p.BorderValue)
	v.SetDefault("pipeline.fifo_depth", p.FIFODepth)
	v.SetDefault("pipeline.input_port_bits", p.InputPortBits)
	v.SetDefault("pipeline.output_port_bits", p.OutputPortBits)
	v.SetDefault("pipeline.threshold", p.Threshold)
	v.SetDefault("pipeline.max_value", p.MaxValue)

	e := cfg.Edge
	v.SetDefault("edge.pixel_format", e.PixelFormat)
	v.SetDefault("edge.channel", e.Channel)
	v.SetDefault("edge.norm", e.Norm)
	v.SetDefault("edge.border", e.Border)
	v.SetDefault("edge.border_value", e.BorderValue)
	v.SetDefault("edge.low", e.Low)
	v.SetDefault("edge.high", e.High)

	v.SetDefault("device.backend", cfg.Device.Backend)
	v.SetDefault("device.index", cfg.Device.Index)
	v.SetDefault("device.memory_budget_mb", cfg.Device.MemoryBudgetMB)
	v.SetDefault("device.profiling", cfg.Device.Profiling)

	v.SetDefault("output.dir", cfg.Output.Dir)
	v.SetDefault("output.codec", cfg.Output.Codec)
	v.SetDefault("output.verify", cfg.Output.Verify)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := c.Build(); err != nil {
		return err
	}
	if _, err := c.Shape(); err != nil {
		return err
	}
	if err := byteRange("pipeline.threshold", c.Pipeline.Threshold); err != nil {
		return err
	}
	if err := byteRange("pipeline.max_value", c.Pipeline.MaxValue); err != nil {
		return err
	}
	if c.Edge.Low < 0 || c.Edge.High < c.Edge.Low {
		return fmt.Errorf("%w: edge thresholds need 0 <= low <= high, got %d and %d", ErrInvalid, c.Edge.Low, c.Edge.High)
	}
	if c.Device.Backend == "" {
		return fmt.Errorf("%w: device.backend is empty", ErrInvalid)
	}
	if c.Device.MemoryBudgetMB < 0 {
		return fmt.Errorf("%w: device.memory_budget_mb is negative", ErrInvalid)
	}
	return nil
}

func byteRange(key string, v int) error {
	if v < 0 || v > 255 {
		return fmt.Errorf("%w: %s must be in [0, 255], got %d", ErrInvalid, key, v)
	}
	return nil
}

// Build converts the configuration into the validated kernel configurations
func (c *Config) Build() (accel.Build, error) {
	morph, err := c.streamConfig(stream.VariantMorphology)
	if err != nil {
		return accel.Build{}, fmt.Errorf("pipeline: %w", err)
	}
	edge, err := c.streamConfig(stream.VariantEdge)
	if err != nil {
		return accel.Build{}, fmt.Errorf("edge: %w", err)
	}
	return accel.Build{Morphology: morph, Edge: edge}, nil
}

func (c *Config) streamConfig(v stream.Variant) (stream.Config, error) {
	p := c.Pipeline
	sc := stream.Config{
		Variant:        v,
		MaxWidth:       p.MaxWidth,
		MaxHeight:      p.MaxHeight,
		FilterSize:     p.FilterSize,
		Iterations:     p.Iterations,
		Depth:          p.FIFODepth,
		InputPortBits:  p.InputPortBits,
		OutputPortBits: p.OutputPortBits,
		Channel:        c.Edge.Channel,
	}

	format, border, borderValue := p.PixelFormat, p.Border, p.BorderValue
	if v == stream.VariantEdge {
		format, border, borderValue = c.Edge.PixelFormat, c.Edge.Border, c.Edge.BorderValue
	}

	var err error
	if sc.Format, err = core.ParsePixelFormat(format); err != nil {
		return sc, err
	}
	if sc.Policy, err = stream.ParseThresholdPolicy(p.Policy); err != nil {
		return sc, err
	}
	if sc.Border, err = stream.ParseBorderMode(border); err != nil {
		return sc, err
	}
	if sc.Norm, err = stream.ParseNorm(c.Edge.Norm); err != nil {
		return sc, err
	}
	if err := byteRange("border_value", borderValue); err != nil {
		return sc, err
	}
	sc.BorderValue = uint8(borderValue)
	return sc, sc.Validate()
}

// Shape is the structuring element shape of the morphology kernel
func (c *Config) Shape() (strel.Shape, error) {
	return strel.ParseShape(c.Pipeline.Shape)
}

// MorphologyParams are the run-time arguments of the morphology kernel
func (c *Config) MorphologyParams() stream.Params {
	return stream.Params{Thresh: uint8(c.Pipeline.Threshold), Maxval: uint8(c.Pipeline.MaxValue)}
}

// EdgeParams are the run-time arguments of the edge kernel
func (c *Config) EdgeParams() stream.Params {
	return stream.Params{Low: int32(c.Edge.Low), High: int32(c.Edge.High)}
}

// HostOptions returns the orchestrator options; c must be valid
func (c *Config) HostOptions() (host.Options, error) {
	b, err := c.Build()
	if err != nil {
		return host.Options{}, err
	}
	return host.Options{
		Backend:      c.Device.Backend,
		DeviceIndex:  c.Device.Index,
		MemoryBudget: int64(c.Device.MemoryBudgetMB) << 20,
		Profiling:    c.Device.Profiling,
		Build:        b,
	}, nil
}
