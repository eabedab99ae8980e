// Package cli holds the cobra commands behind the medimg and canny binaries
package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"medimg-accel/internal/algorithms"
	"medimg-accel/internal/config"
	"medimg-accel/internal/core"
	"medimg-accel/internal/host"
	"medimg-accel/internal/imageio"
	"medimg-accel/internal/logging"
	"medimg-accel/internal/stream"
	"medimg-accel/internal/strel"
)

var (
	// ErrArgument is a command-line usage error; it exits with -1
	ErrArgument = errors.New("invalid arguments")

	// ErrVerify is returned when the device result differs from the host reference
	ErrVerify = errors.New("device result differs from host reference")
)

// ExitError carries an explicit process exit code
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a command error onto the process exit code
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if errors.Is(err, ErrArgument) {
		return -1
	}
	return 1
}

// Main executes cmd with args and returns the exit code. Diagnostics go to
// the command's error stream.
func Main(cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		if errors.Is(err, ErrArgument) {
			fmt.Fprint(cmd.ErrOrStderr(), cmd.UsageString())
		}
	}
	return ExitCode(err)
}

// generators supply the structuring element per codec name
var generators = map[string]strel.Generator{
	imageio.NativeCodec: strel.Native,
}

// extractors pull one channel out of a colour image per codec name
var extractors = map[string]func(*core.Image, int) (*core.Image, error){
	imageio.NativeCodec: algorithms.ExtractChannel,
}

// morphologyFunc produces the host threshold/erode/dilate intermediates
type morphologyFunc func(*core.Image, *strel.Element, stream.Config, stream.Params) (*algorithms.MorphologyStages, error)

// references compute the host intermediates per codec name
var references = map[string]morphologyFunc{
	imageio.NativeCodec: algorithms.Morphology,
}

// globalFlags are shared by every command
type globalFlags struct {
	cfgFile string
}

func addGlobalFlags(cmd *cobra.Command, g *globalFlags) {
	f := cmd.PersistentFlags()
	f.StringVar(&g.cfgFile, "config", "", "config file (default is ./medimg.yaml)")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.String("log-format", "text", "log format: text or json")
	f.String("log-file", "", "also append logs to this file")
	f.String("backend", "sim", "device backend")
	f.Int("device", 0, "device index within the backend")
	f.String("out-dir", ".", "directory for output images")
	f.String("codec", imageio.NativeCodec, "image codec")
	f.Bool("verify", false, "compare the device result with the host reference")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", ErrArgument, err)
	})
}

// exactArgs accepts any of the given positional argument counts
func exactArgs(counts ...int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		for _, n := range counts {
			if len(args) == n {
				return nil
			}
		}
		return fmt.Errorf("%w: got %d positional arguments, want one of %v", ErrArgument, len(args), counts)
	}
}

// session is everything one command run needs
type session struct {
	cfg       *config.Config
	log       *logrus.Logger
	logCloser io.Closer
	codec     imageio.Codec
	out       *imageio.Writer
	orch      *host.Orchestrator
	generator strel.Generator
	extract   func(*core.Image, int) (*core.Image, error)
	reference morphologyFunc
}

func openSession(cmd *cobra.Command, g *globalFlags) (*session, error) {
	cfg, err := config.Load(g.cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	log, closer, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Stderr:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, log: log, logCloser: closer}

	if s.codec, err = imageio.Open(cfg.Output.Codec, log); err != nil {
		s.close()
		return nil, err
	}
	if s.out, err = imageio.NewWriter(cfg.Output.Dir, s.codec, log); err != nil {
		s.close()
		return nil, err
	}

	opts, err := cfg.HostOptions()
	if err != nil {
		s.close()
		return nil, err
	}
	if s.orch, err = host.New(opts, log); err != nil {
		s.close()
		return nil, err
	}

	s.generator = generators[s.codec.Name()]
	if s.generator == nil {
		s.generator = strel.Native
	}
	s.extract = extractors[s.codec.Name()]
	if s.extract == nil {
		s.extract = algorithms.ExtractChannel
	}
	s.reference = references[s.codec.Name()]
	if s.reference == nil {
		s.reference = algorithms.Morphology
	}

	log.WithFields(logrus.Fields{
		"backend": opts.Backend,
		"codec":   s.codec.Name(),
		"out_dir": s.out.Dir(),
	}).Debug("session ready")
	return s, nil
}

func (s *session) close() {
	if s.logCloser != nil {
		_ = s.logCloser.Close()
	}
}

// printProfile writes the kernel time like "12.5ms"
func printProfile(w io.Writer, res *host.Result, profiling bool) {
	if profiling {
		fmt.Fprintf(w, "%gms\n", res.DurationMillis())
	}
}
