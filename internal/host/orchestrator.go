// Package host drives one accelerator cycle: it opens a device context,
// moves the image into device buffers, binds and invokes the kernel, reads
// the profile and brings the result back. Everything the cycle reserved is
// released before Run returns.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"medimg-accel/internal/accel"
	"medimg-accel/internal/core"
	"medimg-accel/internal/device"
	_ "medimg-accel/internal/device/sim"
	"medimg-accel/internal/stream"
	"medimg-accel/internal/strel"
)

// ErrRequest is returned when a request fails validation
var ErrRequest = fmt.Errorf("host: invalid request: %w", core.ErrValidation)

// Options configures the orchestrator
type Options struct {
	Backend      string
	DeviceIndex  int
	MemoryBudget int64
	Profiling    bool
	Build        accel.Build
}

// DefaultOptions uses the simulated device with profiling enabled
func DefaultOptions() Options {
	return Options{
		Backend:   "sim",
		Profiling: true,
		Build:     accel.DefaultBuild(),
	}
}

// Request is the input of one cycle
type Request struct {
	Variant stream.Variant
	Image   *core.Image
	Mask    *strel.Element // morphology only
	Params  stream.Params
}

// Result is the output of a successful cycle
type Result struct {
	Output   *core.Image
	Kernel   string
	Device   string
	Duration time.Duration // kernel end - start in the device clock; zero without profiling
	Buffers  device.Stats
}

// DurationMillis is the kernel time in milliseconds
func (r *Result) DurationMillis() float64 {
	return float64(r.Duration.Nanoseconds()) / 1e6
}

// Orchestrator runs cycles one at a time. A failed cycle leaves it Idle and
// ready for the next one.
type Orchestrator struct {
	opts    Options
	kernels []device.HostKernel
	log     logrus.FieldLogger

	run sync.Mutex
	lc  stream.Lifecycle
}

// New compiles the accelerator program for opts.Build
func New(opts Options, log logrus.FieldLogger) (*Orchestrator, error) {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	if opts.Backend == "" {
		opts.Backend = "sim"
	}
	kernels, err := accel.Program(opts.Build, log)
	if err != nil {
		return nil, fmt.Errorf("build program: %w", err)
	}
	return &Orchestrator{
		opts:    opts,
		kernels: kernels,
		log:     log.WithField("backend", opts.Backend),
	}, nil
}

// State is the lifecycle state of the current cycle
func (o *Orchestrator) State() stream.State { return o.lc.State() }

// Options returns the configuration
func (o *Orchestrator) Options() Options { return o.opts }

func (o *Orchestrator) pipelineConfig(v stream.Variant) (stream.Config, string, error) {
	switch v {
	case stream.VariantMorphology:
		return o.opts.Build.Morphology, accel.MedimgKernel, nil
	case stream.VariantEdge:
		return o.opts.Build.Edge, accel.CannyKernel, nil
	case stream.VariantIdentity:
		return o.opts.Build.Morphology, accel.IdentityKernel, nil
	default:
		return stream.Config{}, "", fmt.Errorf("%w: variant %v", ErrRequest, v)
	}
}

// Validate checks req against the build without touching a device
func (o *Orchestrator) Validate(req Request) error {
	cfg, _, err := o.pipelineConfig(req.Variant)
	if err != nil {
		return err
	}
	if req.Image == nil {
		return fmt.Errorf("%w: no image", ErrRequest)
	}
	if err := core.ValidateBounds(req.Image, cfg.MaxWidth, cfg.MaxHeight); err != nil {
		return err
	}
	if want := cfg.Format.Channels(); req.Image.Channels != want {
		return fmt.Errorf("%w: %d-channel image for a %v build", ErrRequest, req.Image.Channels, cfg.Format)
	}

	switch req.Variant {
	case stream.VariantMorphology:
		if err := req.Mask.Validate(cfg.FilterSize); err != nil {
			return err
		}
	case stream.VariantEdge:
		if req.Params.Low < 0 || req.Params.High < req.Params.Low {
			return fmt.Errorf("%w: hysteresis thresholds low %d high %d", ErrRequest, req.Params.Low, req.Params.High)
		}
	}
	return nil
}

// Run executes one cycle. On any failure no output is returned, and every
// buffer, the queue and the device context are released on all paths.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res *Result, err error) {
	if err := o.Validate(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.run.Lock()
	defer o.run.Unlock()

	// Idle until input and shape are on the device
	loaded, running := false, false
	defer func() {
		if running {
			next := stream.StateCompleted
			if err != nil {
				next = stream.StateFailed
			}
			err = errors.Join(err, o.lc.Transition(next))
		}
		if loaded {
			err = errors.Join(err, o.lc.Transition(stream.StateIdle))
		}
		if err != nil {
			res = nil
		}
	}()

	start := time.Now()
	log := o.log.WithField("variant", req.Variant.String())

	dev, err := device.Open(o.opts.Backend, device.OpenConfig{
		Kernels:      o.kernels,
		MemoryBudget: o.opts.MemoryBudget,
		Index:        o.opts.DeviceIndex,
		Defines:      accel.Defines(o.opts.Build),
		Log:          o.log,
	})
	if err != nil {
		return nil, fmt.Errorf("select device: %w", err)
	}
	defer func() {
		err = errors.Join(err, dev.Close())
	}()

	queue, err := dev.NewQueue(o.opts.Profiling)
	if err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}
	defer func() {
		err = errors.Join(err, queue.Release())
	}()

	m := device.NewManager(dev, queue, o.log)
	defer func() {
		if rerr := m.ReleaseAll(); rerr != nil {
			err = errors.Join(err, fmt.Errorf("release buffers: %w", rerr))
		}
		if err != nil {
			res = nil
		}
	}()

	_, kname, _ := o.pipelineConfig(req.Variant)
	kernel, err := dev.Kernel(kname)
	if err != nil {
		return nil, err
	}

	img := req.Image
	outChannels := img.Channels
	if req.Variant == stream.VariantEdge {
		outChannels = 1
	}
	out := core.NewImage(img.Width, img.Height, outChannels)

	in, err := o.stage(ctx, m, img.Pix)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	var shape *device.Buffer
	if req.Variant == stream.VariantMorphology {
		if shape, err = o.stage(ctx, m, req.Mask.Bytes()); err != nil {
			return nil, fmt.Errorf("shape: %w", err)
		}
	}
	dst, err := m.Allocate(out.ByteLen(), device.WriteOnly)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	if err := o.lc.Transition(stream.StateLoaded); err != nil {
		return nil, err
	}
	loaded = true

	b := device.Bind(kernel).Buffer(in)
	switch req.Variant {
	case stream.VariantMorphology:
		b.Buffer(shape).Buffer(dst).
			Int32(int32(img.Height)).Int32(int32(img.Width)).
			Uint8(req.Params.Thresh).Uint8(req.Params.Maxval)
	case stream.VariantEdge:
		b.Buffer(dst).
			Int32(int32(img.Height)).Int32(int32(img.Width)).
			Int32(req.Params.Low).Int32(req.Params.High)
	default:
		b.Buffer(dst).Int32(int32(img.Height)).Int32(int32(img.Width))
	}
	inv, err := b.Build()
	if err != nil {
		return nil, err
	}

	if err := o.lc.Transition(stream.StateRunning); err != nil {
		return nil, err
	}
	running = true

	exec, err := m.Invoke(inv)
	if err != nil {
		return nil, err
	}
	defer exec.Release()
	if err := exec.Wait(ctx); err != nil {
		return nil, err
	}

	var elapsed time.Duration
	if o.opts.Profiling {
		if elapsed, err = exec.Duration(); err != nil {
			return nil, fmt.Errorf("profile: %w", err)
		}
	}

	if err := m.Download(ctx, dst, out.Pix); err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}

	res = &Result{
		Output:   out,
		Kernel:   kname,
		Device:   dev.Name(),
		Duration: elapsed,
		Buffers:  m.Stats(),
	}
	log.WithFields(logrus.Fields{
		"kernel":      kname,
		"width":       img.Width,
		"height":      img.Height,
		"kernel_ms":   res.DurationMillis(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("cycle completed")
	return res, nil
}

// stage allocates a read-only buffer and uploads data into it
func (o *Orchestrator) stage(ctx context.Context, m *device.Manager, data []byte) (*device.Buffer, error) {
	buf, err := m.Allocate(len(data), device.ReadOnly)
	if err != nil {
		return nil, err
	}
	if err := m.Upload(ctx, buf, data); err != nil {
		return nil, err
	}
	return buf, nil
}
