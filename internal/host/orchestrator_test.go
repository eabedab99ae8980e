package host

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medimg-accel/internal/algorithms"
	"medimg-accel/internal/core"
	"medimg-accel/internal/device"
	"medimg-accel/internal/device/sim"
	"medimg-accel/internal/stream"
	"medimg-accel/internal/strel"
)

var errKernel = errors.New("kernel fault")

// tracked opens sim devices and remembers them so tests can inspect memory
// after a cycle
type tracked struct {
	mu   sync.Mutex
	devs []*sim.Device
	fail bool
}

func (tr *tracked) open(cfg device.OpenConfig) (device.Device, error) {
	if tr.fail {
		kernels := make([]device.HostKernel, len(cfg.Kernels))
		for i, k := range cfg.Kernels {
			k.Run = func(context.Context, []device.Value) error { return errKernel }
			kernels[i] = k
		}
		cfg.Kernels = kernels
	}
	d, err := sim.New(cfg)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	tr.devs = append(tr.devs, d)
	tr.mu.Unlock()
	return d, nil
}

func (tr *tracked) inUse() int64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var total int64
	for _, d := range tr.devs {
		used, _ := d.MemoryUsage()
		total += used
	}
	return total
}

func newOrchestrator(t *testing.T, backend string, tr *tracked) *Orchestrator {
	t.Helper()
	device.Register(backend, tr.open)
	opts := DefaultOptions()
	opts.Backend = backend
	o, err := New(opts, nil)
	require.NoError(t, err)
	return o
}

func grayNoise(seed uint64, w, h int) *core.Image {
	rng := rand.New(rand.NewPCG(seed, 11))
	img := core.NewImage(w, h, 1)
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.IntN(256))
	}
	return img
}

func rectElement(t *testing.T, side int) *strel.Element {
	t.Helper()
	e, err := strel.Load(strel.Rect, side)
	require.NoError(t, err)
	return e
}

func TestRunMorphologyMatchesReference(t *testing.T) {
	tr := &tracked{}
	o := newOrchestrator(t, "host-test-morph", tr)

	img := grayNoise(5, 40, 30)
	e := rectElement(t, o.Options().Build.Morphology.FilterSize)
	params := stream.Params{Thresh: 100, Maxval: 50}

	res, err := o.Run(context.Background(), Request{
		Variant: stream.VariantMorphology,
		Image:   img,
		Mask:    e,
		Params:  params,
	})
	require.NoError(t, err)

	want, err := algorithms.Reference(img, e, o.Options().Build.Morphology, params)
	require.NoError(t, err)
	assert.True(t, core.Equal(want, res.Output))
	assert.Equal(t, "medimg_accel", res.Kernel)
	assert.GreaterOrEqual(t, res.Duration.Nanoseconds(), int64(0))
	assert.Equal(t, 3, res.Buffers.LiveBuffers)
	assert.Equal(t, int64(40*30+9), res.Buffers.BytesUploaded)

	assert.Zero(t, tr.inUse())
	assert.Equal(t, stream.StateIdle, o.State())
}

func TestRunEdgeProducesSingleChannel(t *testing.T) {
	tr := &tracked{}
	o := newOrchestrator(t, "host-test-edge", tr)

	img := core.NewImage(20, 16, 3)
	for y := 0; y < 16; y++ {
		for x := 10; x < 20; x++ {
			img.Set(x, y, 1, 200)
		}
	}
	params := stream.Params{Low: 30, High: 64}

	res, err := o.Run(context.Background(), Request{Variant: stream.VariantEdge, Image: img, Params: params})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Output.Channels)

	want, err := algorithms.Reference(img, nil, o.Options().Build.Edge, params)
	require.NoError(t, err)
	assert.Equal(t, want.Pix, res.Output.Pix)
	assert.Contains(t, res.Output.Pix, stream.EdgeOn)
	assert.Zero(t, tr.inUse())
}

func TestRunIdentity(t *testing.T) {
	o := newOrchestrator(t, "host-test-identity", &tracked{})
	img := grayNoise(9, 13, 7)
	res, err := o.Run(context.Background(), Request{Variant: stream.VariantIdentity, Image: img})
	require.NoError(t, err)
	assert.Equal(t, img.Pix, res.Output.Pix)
}

func TestValidationHappensBeforeDevice(t *testing.T) {
	tr := &tracked{}
	o := newOrchestrator(t, "host-test-validate", tr)
	good := grayNoise(1, 8, 8)
	mask := rectElement(t, 3)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"short pixels", Request{Variant: stream.VariantMorphology, Image: &core.Image{Width: 8, Height: 8, Channels: 1, Pix: make([]byte, 63)}, Mask: mask}, core.ErrValidation},
		{"wrong mask length", Request{Variant: stream.VariantMorphology, Image: good, Mask: &strel.Element{Side: 3, Mask: make([]byte, 8)}}, strel.ErrLength},
		{"missing mask", Request{Variant: stream.VariantMorphology, Image: good}, strel.ErrLength},
		{"mask for another filter size", Request{Variant: stream.VariantMorphology, Image: good, Mask: rectElement(t, 5)}, strel.ErrLength},
		{"too large", Request{Variant: stream.VariantMorphology, Image: core.NewImage(4000, 1, 1), Mask: mask}, core.ErrValidation},
		{"colour into gray build", Request{Variant: stream.VariantMorphology, Image: core.NewImage(4, 4, 3), Mask: mask}, ErrRequest},
		{"inverted hysteresis", Request{Variant: stream.VariantEdge, Image: core.NewImage(4, 4, 3), Params: stream.Params{Low: 64, High: 30}}, ErrRequest},
		{"no image", Request{Variant: stream.VariantIdentity}, ErrRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := o.Run(context.Background(), tt.req)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
	assert.Empty(t, tr.devs)
	assert.Equal(t, stream.StateIdle, o.State())
}

func TestFailedCycleReleasesAndRecovers(t *testing.T) {
	tr := &tracked{fail: true}
	o := newOrchestrator(t, "host-test-fail", tr)
	req := Request{
		Variant: stream.VariantMorphology,
		Image:   grayNoise(2, 16, 16),
		Mask:    rectElement(t, 3),
		Params:  stream.Params{Thresh: 10, Maxval: 200},
	}

	res, err := o.Run(context.Background(), req)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, device.ErrInvocationFailed)
	assert.ErrorIs(t, err, errKernel)
	assert.Zero(t, tr.inUse())
	assert.Equal(t, stream.StateIdle, o.State())

	tr.fail = false
	res, err = o.Run(context.Background(), req)
	require.NoError(t, err)
	assert.NotNil(t, res.Output)
}

func TestUnknownBackend(t *testing.T) {
	opts := DefaultOptions()
	opts.Backend = "no-such-backend"
	o, err := New(opts, nil)
	require.NoError(t, err)

	_, err = o.Run(context.Background(), Request{Variant: stream.VariantIdentity, Image: grayNoise(1, 2, 2)})
	assert.ErrorIs(t, err, device.ErrNoDevice)
	assert.Equal(t, stream.StateIdle, o.State())
}

func TestBudgetTooSmall(t *testing.T) {
	tr := &tracked{}
	device.Register("host-test-budget", tr.open)
	opts := DefaultOptions()
	opts.Backend = "host-test-budget"
	opts.MemoryBudget = 100
	o, err := New(opts, nil)
	require.NoError(t, err)

	_, err = o.Run(context.Background(), Request{Variant: stream.VariantIdentity, Image: grayNoise(1, 10, 10)})
	assert.ErrorIs(t, err, device.ErrResourceExhausted)
	assert.Zero(t, tr.inUse())
	assert.Equal(t, stream.StateIdle, o.State())
}

func TestCancelledBeforeSubmission(t *testing.T) {
	tr := &tracked{}
	o := newOrchestrator(t, "host-test-cancel", tr)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Run(ctx, Request{Variant: stream.VariantIdentity, Image: grayNoise(1, 4, 4)})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, tr.devs)
	assert.Equal(t, stream.StateIdle, o.State())
}

func TestProfilingDisabledLeavesDurationZero(t *testing.T) {
	device.Register("host-test-noprof", (&tracked{}).open)
	opts := DefaultOptions()
	opts.Backend = "host-test-noprof"
	opts.Profiling = false
	o, err := New(opts, nil)
	require.NoError(t, err)

	res, err := o.Run(context.Background(), Request{Variant: stream.VariantIdentity, Image: grayNoise(3, 5, 5)})
	require.NoError(t, err)
	assert.Zero(t, res.Duration)
}

func TestIdleUntilUploaded(t *testing.T) {
	var o *Orchestrator
	var opened, ran []stream.State
	device.Register("host-test-states", func(cfg device.OpenConfig) (device.Device, error) {
		opened = append(opened, o.State())
		kernels := make([]device.HostKernel, len(cfg.Kernels))
		for i, k := range cfg.Kernels {
			run := k.Run
			k.Run = func(ctx context.Context, args []device.Value) error {
				ran = append(ran, o.State())
				return run(ctx, args)
			}
			kernels[i] = k
		}
		cfg.Kernels = kernels
		return sim.New(cfg)
	})
	opts := DefaultOptions()
	opts.Backend = "host-test-states"
	o, err := New(opts, nil)
	require.NoError(t, err)

	_, err = o.Run(context.Background(), Request{
		Variant: stream.VariantMorphology,
		Image:   grayNoise(4, 12, 9),
		Mask:    rectElement(t, 3),
		Params:  stream.Params{Thresh: 60, Maxval: 255},
	})
	require.NoError(t, err)
	assert.Equal(t, []stream.State{stream.StateIdle}, opened)
	assert.Equal(t, []stream.State{stream.StateRunning}, ran)
	assert.Equal(t, stream.StateIdle, o.State())
}

func TestDeviceOpenFailureStaysIdle(t *testing.T) {
	var o *Orchestrator
	var seen []stream.State
	device.Register("host-test-nodev", func(device.OpenConfig) (device.Device, error) {
		seen = append(seen, o.State())
		return nil, device.ErrNoDevice
	})
	opts := DefaultOptions()
	opts.Backend = "host-test-nodev"
	o, err := New(opts, nil)
	require.NoError(t, err)

	res, err := o.Run(context.Background(), Request{Variant: stream.VariantIdentity, Image: grayNoise(1, 4, 4)})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, device.ErrNoDevice)
	assert.NotErrorIs(t, err, stream.ErrInvalidTransition)
	assert.Equal(t, []stream.State{stream.StateIdle}, seen)
	assert.Equal(t, stream.StateIdle, o.State())
}

func TestLifecycleErrorsAreReported(t *testing.T) {
	var o *Orchestrator
	device.Register("host-test-lifecycle", func(cfg device.OpenConfig) (device.Device, error) {
		kernels := make([]device.HostKernel, len(cfg.Kernels))
		for i, k := range cfg.Kernels {
			run := k.Run
			k.Run = func(ctx context.Context, args []device.Value) error {
				// leave the cycle somewhere Completed cannot follow
				if err := o.lc.Transition(stream.StateFailed); err != nil {
					return err
				}
				return run(ctx, args)
			}
			kernels[i] = k
		}
		cfg.Kernels = kernels
		return sim.New(cfg)
	})
	opts := DefaultOptions()
	opts.Backend = "host-test-lifecycle"
	o, err := New(opts, nil)
	require.NoError(t, err)

	res, err := o.Run(context.Background(), Request{Variant: stream.VariantIdentity, Image: grayNoise(6, 5, 5)})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, stream.ErrInvalidTransition)
	assert.Equal(t, stream.StateIdle, o.State())
}
