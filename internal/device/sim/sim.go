// Package sim is an in-process streaming device: regions are host memory
// under a budget, and a single worker goroutine serves the command queue in
// submission order.
package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"medimg-accel/internal/device"
)

// Backend is the registry name of the simulated device
const Backend = "sim"

// DefaultBudget is the memory budget when none is configured (256 MB)
const DefaultBudget int64 = 256 << 20

func init() {
	device.Register(Backend, func(cfg device.OpenConfig) (device.Device, error) {
		return New(cfg)
	})
}

// Device is a simulated streaming device
type Device struct {
	name    string
	budget  int64
	epoch   time.Time
	kernels map[string]*kernel
	log     logrus.FieldLogger

	mu     sync.Mutex
	used   int64
	closed bool
}

// New opens a simulated device loaded with cfg.Kernels
func New(cfg device.OpenConfig) (*Device, error) {
	if cfg.Index != 0 {
		return nil, fmt.Errorf("%w: sim has one device, index %d requested", device.ErrNoDevice, cfg.Index)
	}
	budget := cfg.MemoryBudget
	if budget <= 0 {
		budget = DefaultBudget
	}
	log := cfg.Log
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}

	d := &Device{
		name:    "sim streaming device",
		budget:  budget,
		epoch:   time.Now(),
		kernels: make(map[string]*kernel, len(cfg.Kernels)),
		log:     log.WithField("backend", Backend),
	}
	for _, hk := range cfg.Kernels {
		if hk.Run == nil {
			return nil, fmt.Errorf("sim: kernel %q has no body", hk.Name)
		}
		if _, dup := d.kernels[hk.Name]; dup {
			return nil, fmt.Errorf("sim: kernel %q defined twice", hk.Name)
		}
		d.kernels[hk.Name] = &kernel{dev: d, hk: hk}
	}
	d.log.WithFields(logrus.Fields{"budget": budget, "kernels": len(d.kernels)}).Debug("device opened")
	return d, nil
}

func (d *Device) Name() string      { return d.name }
func (d *Device) Type() device.Type { return device.TypeSim }

// Alloc reserves size bytes of the budget
func (d *Device) Alloc(size int, mode device.AccessMode) (device.Region, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("%w: device closed", device.ErrNoDevice)
	}
	if d.used+int64(size) > d.budget {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			device.ErrResourceExhausted, size, d.used, d.budget)
	}
	d.used += int64(size)
	return &region{dev: d, mem: make([]byte, size), mode: mode}, nil
}

// Kernel looks up a loaded entry point
func (d *Device) Kernel(name string) (device.Kernel, error) {
	k, ok := d.kernels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", device.ErrKernelNotFound, name)
	}
	return k, nil
}

// NewQueue starts the worker of a new in-order queue
func (d *Device) NewQueue(profiling bool) (device.Queue, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: device closed", device.ErrNoDevice)
	}
	q := &queue{
		dev:       d,
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

// Close marks the device closed; regions still held stay valid until released
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// clock is the device time in nanoseconds
func (d *Device) clock() uint64 {
	return uint64(time.Since(d.epoch).Nanoseconds())
}

type region struct {
	dev      *Device
	mem      []byte
	mode     device.AccessMode
	released atomic.Bool
}

func (r *region) Len() int { return len(r.mem) }

func (r *region) Release() error {
	if r.released.Swap(true) {
		return nil
	}
	r.dev.mu.Lock()
	r.dev.used -= int64(len(r.mem))
	r.dev.mu.Unlock()
	return nil
}

type kernel struct {
	dev *Device
	hk  device.HostKernel
}

func (k *kernel) Name() string                { return k.hk.Name }
func (k *kernel) Signature() device.Signature { return k.hk.Signature }

type command struct {
	run func() error
	ev  *event
}

type queue struct {
	dev       *Device
	profiling bool
	cmds      chan command
	exited    chan struct{}

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

func (q *queue) serve() {
	defer close(q.exited)
	for cmd := range q.cmds {
		cmd.ev.start = q.dev.clock()
		err := cmd.run()
		cmd.ev.end = q.dev.clock()
		cmd.ev.err = err
		close(cmd.ev.done)
		q.pending.Done()
	}
}

func (q *queue) enqueue(run func() error) (device.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, device.ErrQueueClosed
	}
	ev := &event{done: make(chan struct{}), profiling: q.profiling}
	q.pending.Add(1)
	q.cmds <- command{run: run, ev: ev}
	return ev, nil
}

func (q *queue) mapped(r device.Region) (*region, error) {
	reg, ok := r.(*region)
	if !ok || reg.dev != q.dev {
		return nil, fmt.Errorf("sim: region does not belong to %s", q.dev.name)
	}
	if reg.released.Load() {
		return nil, device.ErrReleased
	}
	return reg, nil
}

func (q *queue) EnqueueWrite(r device.Region, src []byte) (device.Event, error) {
	reg, err := q.mapped(r)
	if err != nil {
		return nil, err
	}
	if len(src) != len(reg.mem) {
		return nil, fmt.Errorf("%w: write of %d bytes into %d", device.ErrLengthMismatch, len(src), len(reg.mem))
	}
	return q.enqueue(func() error {
		copy(reg.mem, src)
		return nil
	})
}

func (q *queue) EnqueueRead(r device.Region, dst []byte) (device.Event, error) {
	reg, err := q.mapped(r)
	if err != nil {
		return nil, err
	}
	if len(dst) != len(reg.mem) {
		return nil, fmt.Errorf("%w: read of %d bytes into %d", device.ErrLengthMismatch, len(reg.mem), len(dst))
	}
	return q.enqueue(func() error {
		copy(dst, reg.mem)
		return nil
	})
}

func (q *queue) EnqueueKernel(inv *device.Invocation) (device.Event, error) {
	k, ok := inv.Kernel().(*kernel)
	if !ok || k.dev != q.dev {
		return nil, fmt.Errorf("%w: %s is not loaded on %s", device.ErrKernelNotFound, inv.Kernel().Name(), q.dev.name)
	}

	values := make([]device.Value, inv.NumArgs())
	for i := range values {
		a := inv.Arg(i)
		values[i] = device.Value{Kind: a.Kind, Int32: a.Int32, Uint8: a.Uint8}
		if a.Kind == device.ArgBuffer {
			reg, err := q.mapped(a.Buffer.Region())
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			values[i].Mem = reg.mem
		}
	}

	return q.enqueue(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sim: kernel %s panicked: %v", k.hk.Name, r)
			}
		}()
		return k.hk.Run(context.Background(), values)
	})
}

func (q *queue) Finish() error {
	q.pending.Wait()
	return nil
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
	return nil
}

type event struct {
	done      chan struct{}
	profiling bool
	start     uint64
	end       uint64
	err       error
}

func (e *event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *event) Profile() (uint64, uint64, error) {
	if !e.profiling {
		return 0, 0, device.ErrProfilingDisabled
	}
	select {
	case <-e.done:
		return e.start, e.end, nil
	default:
		return 0, 0, device.ErrNotReady
	}
}

func (e *event) Release() {}
