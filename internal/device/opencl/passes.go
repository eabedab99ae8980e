//go:build opencl

package opencl

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/jgillich/go-opencl/cl"

	"medimg-accel/internal/accel"
	"medimg-accel/internal/device"
)

// arg is a bound argument resolved to device memory
type arg struct {
	mem  *cl.MemObject
	size int
	i32  int32
	u8   uint8
}

// entry is a program entry point: a signature and the passes it runs
type entry struct {
	name string
	sig  device.Signature
	run  func(p *passes, args []arg) error
}

func entries() map[string]*entry {
	list := []*entry{
		{name: accel.MedimgKernel, sig: accel.MedimgSignature, run: medimg},
		{name: accel.CannyKernel, sig: accel.CannySignature, run: canny},
		{name: accel.IdentityKernel, sig: accel.IdentitySignature, run: identity},
	}
	m := make(map[string]*entry, len(list))
	for _, e := range list {
		m[e.name] = e
	}
	return m
}

func dims(rows, cols int32) (int, int, error) {
	if rows <= 0 || cols <= 0 {
		return 0, 0, fmt.Errorf("%w: rows %d cols %d", device.ErrInvocationFailed, rows, cols)
	}
	return int(rows), int(cols), nil
}

// passes enqueues kernels in order and tracks the first and last event for
// the profile. Scratch regions live until finish.
type passes struct {
	q       *queue
	first   *cl.Event
	last    *cl.Event
	scratch []*region
}

func (p *passes) temp(size int) (*cl.MemObject, error) {
	r, err := p.q.dev.alloc(size, cl.MemReadWrite)
	if err != nil {
		return nil, err
	}
	p.scratch = append(p.scratch, r)
	return r.mem, nil
}

func (p *passes) launch(name string, global []int, args ...interface{}) error {
	k := p.q.dev.passes[name]
	if err := k.SetArgs(args...); err != nil {
		return fmt.Errorf("opencl: %s arguments: %w", name, err)
	}
	ev, err := p.q.cq.EnqueueNDRangeKernel(k, nil, global, nil, nil)
	if err != nil {
		return fmt.Errorf("opencl: %s: %w", name, err)
	}
	if p.first == nil {
		p.first = ev
		return nil
	}
	if p.last != nil {
		p.last.Release()
	}
	p.last = ev
	return nil
}

// finish waits for the last pass, reads the profile and frees scratch memory
func (p *passes) finish() (span, error) {
	defer func() {
		for _, r := range p.scratch {
			_ = r.Release()
		}
	}()
	if p.first == nil {
		return span{}, nil
	}
	last := p.last
	if last == nil {
		last = p.first
	}
	if err := cl.WaitForEvents([]*cl.Event{last}); err != nil {
		p.first.Release()
		if last != p.first {
			last.Release()
		}
		return span{}, fmt.Errorf("%w: %v", device.ErrInvocationFailed, err)
	}
	return p.q.profile(p.first, last)
}

// setFlag writes v into a one-int region
func (p *passes) setFlag(mem *cl.MemObject, v int32) error {
	ev, err := p.q.cq.EnqueueWriteBuffer(mem, true, 0, 4, unsafe.Pointer(&v), nil)
	if err != nil {
		return err
	}
	ev.Release()
	return nil
}

func (p *passes) readFlag(mem *cl.MemObject) (int32, error) {
	var v int32
	ev, err := p.q.cq.EnqueueReadBuffer(mem, true, 0, 4, unsafe.Pointer(&v), nil)
	if err != nil {
		return 0, err
	}
	ev.Release()
	return v, nil
}

// medimg is threshold -> erode^n -> dilate^n, ping-ponging between two
// scratch regions and landing the last pass in img_out
func medimg(p *passes, args []arg) error {
	in, shape, out := args[0], args[1], args[2]
	rows, cols, err := dims(args[3].i32, args[4].i32)
	if err != nil {
		return err
	}
	n := out.size
	if in.size != n {
		return fmt.Errorf("%w: input %d bytes, output %d", device.ErrInvocationFailed, in.size, n)
	}
	side := p.q.dev.filterSize
	if shape.size != side*side {
		return fmt.Errorf("%w: shape of %d bytes for a %dx%d element", device.ErrInvocationFailed, shape.size, side, side)
	}
	iterations := p.q.dev.iterations

	a, err := p.temp(n)
	if err != nil {
		return err
	}
	b, err := p.temp(n)
	if err != nil {
		return err
	}
	if err := p.launch("threshold_pass", []int{n}, in.mem, a, int32(n), int32(args[5].u8), int32(args[6].u8)); err != nil {
		return err
	}
	src, dst := a, b
	total := 2 * iterations
	for i := 0; i < total; i++ {
		erode := int32(0)
		if i < iterations {
			erode = 1
		}
		target := dst
		if i == total-1 {
			target = out.mem
		}
		if err := p.launch("morph_pass", []int{cols, rows}, src, target, shape.mem, int32(rows), int32(cols), erode); err != nil {
			return err
		}
		src, dst = dst, src
	}
	return nil
}

// canny is gradient -> suppression/classification -> hysteresis rounds ->
// emit. Rounds stop once no weak pixel was promoted.
func canny(p *passes, args []arg) error {
	in, out := args[0], args[1]
	rows, cols, err := dims(args[2].i32, args[3].i32)
	if err != nil {
		return err
	}
	low, high := args[4].i32, args[5].i32
	if low < 0 || high < low {
		return fmt.Errorf("%w: hysteresis thresholds low %d high %d", device.ErrInvocationFailed, low, high)
	}
	n := rows * cols
	if out.size != n {
		return fmt.Errorf("%w: output %d bytes for %dx%d", device.ErrInvocationFailed, out.size, cols, rows)
	}

	mag, err := p.temp(4 * n)
	if err != nil {
		return err
	}
	dir, err := p.temp(n)
	if err != nil {
		return err
	}
	cls, err := p.temp(n)
	if err != nil {
		return err
	}
	changed, err := p.temp(4)
	if err != nil {
		return err
	}

	global := []int{cols, rows}
	if err := p.launch("sobel_pass", global, in.mem, mag, dir, int32(rows), int32(cols)); err != nil {
		return err
	}
	if err := p.launch("classify_pass", global, mag, dir, cls, int32(rows), int32(cols), low, high); err != nil {
		return err
	}
	for round := 0; round < n; round++ {
		if err := p.setFlag(changed, 0); err != nil {
			return err
		}
		if err := p.launch("hysteresis_pass", global, cls, changed, int32(rows), int32(cols)); err != nil {
			return err
		}
		v, err := p.readFlag(changed)
		if err != nil {
			return err
		}
		if v == 0 {
			break
		}
	}
	return p.launch("emit_pass", []int{n}, cls, out.mem, int32(n))
}

func identity(p *passes, args []arg) error {
	if _, _, err := dims(args[2].i32, args[3].i32); err != nil {
		return err
	}
	in, out := args[0], args[1]
	if in.size != out.size {
		return fmt.Errorf("%w: input %d bytes, output %d", device.ErrInvocationFailed, in.size, out.size)
	}
	return p.launch("copy_pass", []int{in.size}, in.mem, out.mem, int32(in.size))
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
		if e.err != nil {
			return 0, 0, errors.Join(device.ErrNotReady, e.err)
		}
		return e.start, e.end, nil
	default:
		return 0, 0, device.ErrNotReady
	}
}

func (e *event) Release() {}
