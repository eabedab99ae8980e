//go:build opencl

// Package opencl runs the accelerator program on an OpenCL device. The
// kernels are compiled from embedded source with the build's constants, and
// each entry point is a fixed sequence of passes over device memory.
package opencl

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/jgillich/go-opencl/cl"
	"github.com/sirupsen/logrus"

	"medimg-accel/internal/accel"
	"medimg-accel/internal/device"
)

// Backend is the registry name of the OpenCL device
const Backend = "opencl"

//go:embed kernels.cl
var source string

var passNames = []string{"copy_pass", "threshold_pass", "morph_pass", "sobel_pass", "classify_pass", "hysteresis_pass", "emit_pass"}

func init() {
	device.Register(Backend, func(cfg device.OpenConfig) (device.Device, error) {
		return New(cfg)
	})
}

// Device is one OpenCL device with the accelerator program built on it
type Device struct {
	dev     *cl.Device
	typ     device.Type
	context *cl.Context
	program *cl.Program
	passes  map[string]*cl.Kernel
	entries map[string]*entry
	budget  int64
	log     logrus.FieldLogger

	filterSize int
	iterations int

	// passes share kernel objects whose arguments are set per call
	runMu sync.Mutex

	mu     sync.Mutex
	used   int64
	closed bool
}

// pick returns the index-th device, GPUs first
func pick(index int) (*cl.Device, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		return nil, fmt.Errorf("%w: querying OpenCL platforms: %v", device.ErrNoDevice, err)
	}
	var found []*cl.Device
	for _, typ := range []cl.DeviceType{cl.DeviceTypeGPU, cl.DeviceTypeCPU} {
		for _, p := range platforms {
			devices, derr := p.GetDevices(typ)
			if derr != nil && derr != cl.ErrDeviceNotFound {
				continue
			}
			found = append(found, devices...)
		}
	}
	if index < 0 || index >= len(found) {
		return nil, fmt.Errorf("%w: OpenCL device %d requested, %d present", device.ErrNoDevice, index, len(found))
	}
	return found[index], nil
}

func buildOptions(defines map[string]string) string {
	keys := make([]string, 0, len(defines))
	for k := range defines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	opts := make([]string, len(keys))
	for i, k := range keys {
		opts[i] = fmt.Sprintf("-D %s=%s", k, defines[k])
	}
	return strings.Join(opts, " ")
}

// New selects device cfg.Index and builds the program for cfg.Defines
func New(cfg device.OpenConfig) (*Device, error) {
	log := cfg.Log
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	defines := cfg.Defines
	if defines == nil {
		defines = accel.Defines(accel.DefaultBuild())
	}

	side, err := strconv.Atoi(defines["FILTER_SIZE"])
	if err != nil {
		return nil, fmt.Errorf("opencl: FILTER_SIZE: %w", err)
	}
	iterations, err := strconv.Atoi(defines["ITERATIONS"])
	if err != nil {
		return nil, fmt.Errorf("opencl: ITERATIONS: %w", err)
	}

	dev, err := pick(cfg.Index)
	if err != nil {
		return nil, err
	}
	d := &Device{
		dev:     dev,
		typ:     device.TypeCPU,
		passes:  make(map[string]*cl.Kernel, len(passNames)),
		entries: entries(),
		budget:  cfg.MemoryBudget,
		log:     log.WithFields(logrus.Fields{"backend": Backend, "device": dev.Name()}),

		filterSize: side,
		iterations: iterations,
	}
	if dev.Type()&cl.DeviceTypeGPU != 0 {
		d.typ = device.TypeGPU
	}
	if d.budget <= 0 {
		d.budget = dev.GlobalMemSize()
	}

	if d.context, err = cl.CreateContext([]*cl.Device{dev}); err != nil {
		return nil, fmt.Errorf("creating OpenCL context: %w", err)
	}
	if d.program, err = d.context.CreateProgramWithSource([]string{source}); err != nil {
		d.context.Release()
		return nil, fmt.Errorf("creating OpenCL program: %w", err)
	}
	if err := d.program.BuildProgram([]*cl.Device{dev}, buildOptions(defines)); err != nil {
		d.program.Release()
		d.context.Release()
		var buildErr cl.BuildError
		if errors.As(err, &buildErr) {
			return nil, fmt.Errorf("building OpenCL program: %s", string(buildErr))
		}
		return nil, fmt.Errorf("building OpenCL program: %w", err)
	}
	for _, name := range passNames {
		k, err := d.program.CreateKernel(name)
		if err != nil {
			d.releasePasses()
			d.program.Release()
			d.context.Release()
			return nil, fmt.Errorf("creating OpenCL kernel %s: %w", name, err)
		}
		d.passes[name] = k
	}
	d.log.WithField("budget", d.budget).Debug("device opened")
	return d, nil
}

func (d *Device) releasePasses() {
	for name, k := range d.passes {
		k.Release()
		delete(d.passes, name)
	}
}

func (d *Device) Name() string      { return d.dev.Name() }
func (d *Device) Type() device.Type { return d.typ }

func (d *Device) reserve(size int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("%w: device closed", device.ErrNoDevice)
	}
	if d.used+int64(size) > d.budget {
		return fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			device.ErrResourceExhausted, size, d.used, d.budget)
	}
	d.used += int64(size)
	return nil
}

func (d *Device) unreserve(size int) {
	d.mu.Lock()
	d.used -= int64(size)
	d.mu.Unlock()
}

func memFlags(mode device.AccessMode) cl.MemFlag {
	switch mode {
	case device.ReadOnly:
		return cl.MemReadOnly
	case device.WriteOnly:
		return cl.MemWriteOnly
	default:
		return cl.MemReadWrite
	}
}

// Alloc creates a device buffer of size bytes
func (d *Device) Alloc(size int, mode device.AccessMode) (device.Region, error) {
	return d.alloc(size, memFlags(mode))
}

func (d *Device) alloc(size int, flags cl.MemFlag) (*region, error) {
	if err := d.reserve(size); err != nil {
		return nil, err
	}
	// OpenCL rejects empty buffers
	mem, err := d.context.CreateEmptyBuffer(flags, max(size, 1))
	if err != nil {
		d.unreserve(size)
		return nil, fmt.Errorf("%w: %v", device.ErrResourceExhausted, err)
	}
	return &region{dev: d, mem: mem, size: size}, nil
}

// Kernel looks up an entry point of the program
func (d *Device) Kernel(name string) (device.Kernel, error) {
	e, ok := d.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", device.ErrKernelNotFound, name)
	}
	return &kernel{dev: d, entry: e}, nil
}

// NewQueue creates an OpenCL command queue and starts its worker
func (d *Device) NewQueue(profiling bool) (device.Queue, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: device closed", device.ErrNoDevice)
	}
	var props cl.CommandQueueProperty
	if profiling {
		props = cl.CommandQueueProfilingEnable
	}
	cq, err := d.context.CreateCommandQueue(d.dev, props)
	if err != nil {
		return nil, fmt.Errorf("creating OpenCL command queue: %w", err)
	}
	q := &queue{
		dev:       d,
		cq:        cq,
		profiling: profiling,
		cmds:      make(chan command, 16),
		exited:    make(chan struct{}),
	}
	go q.serve()
	return q, nil
}

func (d *Device) MemoryUsage() (int64, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used, d.budget
}

// Close releases the program and the context
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.runMu.Lock()
	defer d.runMu.Unlock()
	d.releasePasses()
	d.program.Release()
	d.context.Release()
	return nil
}

type region struct {
	dev      *Device
	mem      *cl.MemObject
	size     int
	released atomic.Bool
}

func (r *region) Len() int { return r.size }

func (r *region) Release() error {
	if r.released.Swap(true) {
		return nil
	}
	r.mem.Release()
	r.dev.unreserve(r.size)
	return nil
}

type kernel struct {
	dev   *Device
	entry *entry
}

func (k *kernel) Name() string                { return k.entry.name }
func (k *kernel) Signature() device.Signature { return k.entry.sig }

type command struct {
	run func() (span, error)
	ev  *event
}

// span is the device-clock interval of one command
type span struct {
	start, end uint64
}

type queue struct {
	dev       *Device
	cq        *cl.CommandQueue
	profiling bool
	cmds      chan command
	exited    chan struct{}

	mu     sync.Mutex
	closed bool
}

func (q *queue) serve() {
	defer close(q.exited)
	for cmd := range q.cmds {
		s, err := cmd.run()
		cmd.ev.start, cmd.ev.end = s.start, s.end
		cmd.ev.err = err
		close(cmd.ev.done)
	}
}

func (q *queue) enqueue(run func() (span, error)) (device.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, device.ErrQueueClosed
	}
	ev := &event{done: make(chan struct{}), profiling: q.profiling}
	q.cmds <- command{run: run, ev: ev}
	return ev, nil
}

func (q *queue) mapped(r device.Region) (*region, error) {
	reg, ok := r.(*region)
	if !ok || reg.dev != q.dev {
		return nil, fmt.Errorf("opencl: region does not belong to %s", q.dev.Name())
	}
	if reg.released.Load() {
		return nil, device.ErrReleased
	}
	return reg, nil
}

// profile reads the interval of first..last, releasing both events
func (q *queue) profile(first, last *cl.Event) (span, error) {
	defer first.Release()
	if last != first {
		defer last.Release()
	}
	if !q.profiling {
		return span{}, nil
	}
	start, err := first.GetEventProfilingInfo(cl.ProfilingInfoCommandStart)
	if err != nil {
		return span{}, fmt.Errorf("opencl: profiling start: %w", err)
	}
	end, err := last.GetEventProfilingInfo(cl.ProfilingInfoCommandEnd)
	if err != nil {
		return span{}, fmt.Errorf("opencl: profiling end: %w", err)
	}
	return span{start: uint64(start), end: uint64(end)}, nil
}

func (q *queue) EnqueueWrite(r device.Region, src []byte) (device.Event, error) {
	reg, err := q.mapped(r)
	if err != nil {
		return nil, err
	}
	if len(src) != reg.size {
		return nil, fmt.Errorf("%w: write of %d bytes into %d", device.ErrLengthMismatch, len(src), reg.size)
	}
	return q.enqueue(func() (span, error) {
		if len(src) == 0 {
			return span{}, nil
		}
		ev, err := q.cq.EnqueueWriteBuffer(reg.mem, true, 0, len(src), unsafe.Pointer(&src[0]), nil)
		if err != nil {
			return span{}, fmt.Errorf("opencl: write: %w", err)
		}
		return q.profile(ev, ev)
	})
}

func (q *queue) EnqueueRead(r device.Region, dst []byte) (device.Event, error) {
	reg, err := q.mapped(r)
	if err != nil {
		return nil, err
	}
	if len(dst) != reg.size {
		return nil, fmt.Errorf("%w: read of %d bytes into %d", device.ErrLengthMismatch, reg.size, len(dst))
	}
	return q.enqueue(func() (span, error) {
		if len(dst) == 0 {
			return span{}, nil
		}
		ev, err := q.cq.EnqueueReadBuffer(reg.mem, true, 0, len(dst), unsafe.Pointer(&dst[0]), nil)
		if err != nil {
			return span{}, fmt.Errorf("opencl: read: %w", err)
		}
		return q.profile(ev, ev)
	})
}

func (q *queue) EnqueueKernel(inv *device.Invocation) (device.Event, error) {
	k, ok := inv.Kernel().(*kernel)
	if !ok || k.dev != q.dev {
		return nil, fmt.Errorf("%w: %s is not loaded on %s", device.ErrKernelNotFound, inv.Kernel().Name(), q.dev.Name())
	}
	args := make([]arg, inv.NumArgs())
	for i := range args {
		a := inv.Arg(i)
		args[i] = arg{i32: a.Int32, u8: a.Uint8}
		if a.Kind == device.ArgBuffer {
			reg, err := q.mapped(a.Buffer.Region())
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			args[i].mem = reg.mem
			args[i].size = reg.size
		}
	}
	return q.enqueue(func() (span, error) {
		q.dev.runMu.Lock()
		defer q.dev.runMu.Unlock()
		p := &passes{q: q}
		err := k.entry.run(p, args)
		s, perr := p.finish()
		return s, errors.Join(err, perr)
	})
}

func (q *queue) Finish() error {
	// every command blocks the worker until the device is done with it
	ev, err := q.enqueue(func() (span, error) {
		return span{}, q.cq.Finish()
	})
	if err != nil {
		return err
	}
	return ev.Wait(context.Background())
}

func (q *queue) Release() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.cmds)
	q.mu.Unlock()
	<-q.exited
	q.cq.Release()
	return nil
}
