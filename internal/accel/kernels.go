// Package accel provides the accelerator program: kernels that run the
// streaming pipelines over device memory.
package accel

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"medimg-accel/internal/core"
	"medimg-accel/internal/device"
	"medimg-accel/internal/stream"
	"medimg-accel/internal/strel"
)

// Kernel entry points
const (
	MedimgKernel   = "medimg_accel"
	CannyKernel    = "canny_accel"
	IdentityKernel = "identity_accel"
)

// MedimgSignature is (in, shape, out, rows, cols, thresh, maxval)
var MedimgSignature = device.Signature{
	{Name: "img_inp", Kind: device.ArgBuffer, Access: device.ReadOnly},
	{Name: "shape", Kind: device.ArgBuffer, Access: device.ReadOnly},
	{Name: "img_out", Kind: device.ArgBuffer, Access: device.WriteOnly},
	{Name: "rows", Kind: device.ArgInt32},
	{Name: "cols", Kind: device.ArgInt32},
	{Name: "thresh", Kind: device.ArgUint8},
	{Name: "maxval", Kind: device.ArgUint8},
}

// CannySignature is (in, out, rows, cols, low, high)
var CannySignature = device.Signature{
	{Name: "img_inp", Kind: device.ArgBuffer, Access: device.ReadOnly},
	{Name: "img_out", Kind: device.ArgBuffer, Access: device.WriteOnly},
	{Name: "rows", Kind: device.ArgInt32},
	{Name: "cols", Kind: device.ArgInt32},
	{Name: "low", Kind: device.ArgInt32},
	{Name: "high", Kind: device.ArgInt32},
}

// IdentitySignature is (in, out, rows, cols)
var IdentitySignature = device.Signature{
	{Name: "img_inp", Kind: device.ArgBuffer, Access: device.ReadOnly},
	{Name: "img_out", Kind: device.ArgBuffer, Access: device.WriteOnly},
	{Name: "rows", Kind: device.ArgInt32},
	{Name: "cols", Kind: device.ArgInt32},
}

// Build fixes the pipeline configuration of each kernel
type Build struct {
	Morphology stream.Config
	Edge       stream.Config
}

// DefaultBuild returns the reference build: gray morphology and colour edges
func DefaultBuild() Build {
	morph := stream.DefaultConfig()

	edge := stream.DefaultConfig()
	edge.Variant = stream.VariantEdge
	edge.Format = core.FormatRGB
	edge.Border = stream.BorderReplicate

	return Build{Morphology: morph, Edge: edge}
}

// Program compiles the build into in-process kernels
func Program(b Build, log logrus.FieldLogger) ([]device.HostKernel, error) {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}

	morph, err := newRunner(b.Morphology, stream.VariantMorphology, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MedimgKernel, err)
	}
	edge, err := newRunner(b.Edge, stream.VariantEdge, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CannyKernel, err)
	}
	idCfg := b.Morphology
	idCfg.Variant = stream.VariantIdentity
	identity, err := newRunner(idCfg, stream.VariantIdentity, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", IdentityKernel, err)
	}

	return []device.HostKernel{
		{Name: MedimgKernel, Signature: MedimgSignature, Run: morph.medimg},
		{Name: CannyKernel, Signature: CannySignature, Run: edge.canny},
		{Name: IdentityKernel, Signature: IdentitySignature, Run: identity.identity},
	}, nil
}

// runner serialises invocations of one pipeline
type runner struct {
	mu sync.Mutex
	p  *stream.Pipeline
}

func newRunner(cfg stream.Config, v stream.Variant, log logrus.FieldLogger) (*runner, error) {
	if cfg.Variant != v {
		return nil, fmt.Errorf("%w: kernel needs the %v variant, configured %v", stream.ErrConfig, v, cfg.Variant)
	}
	p, err := stream.New(cfg, log)
	if err != nil {
		return nil, err
	}
	return &runner{p: p}, nil
}

func (r *runner) execute(ctx context.Context, job stream.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.p.Execute(ctx, job)
}

func dims(rows, cols int32) (int, int, error) {
	if rows <= 0 || cols <= 0 {
		return 0, 0, fmt.Errorf("%w: rows %d cols %d", stream.ErrShape, rows, cols)
	}
	return int(cols), int(rows), nil
}

func (r *runner) medimg(ctx context.Context, args []device.Value) error {
	w, h, err := dims(args[3].Int32, args[4].Int32)
	if err != nil {
		return err
	}
	mask, err := strel.FromBytes(r.p.Config().FilterSize, args[1].Mem)
	if err != nil {
		return err
	}
	return r.execute(ctx, stream.Job{
		Width:  w,
		Height: h,
		Src:    args[0].Mem,
		Dst:    args[2].Mem,
		Mask:   mask,
		Params: stream.Params{Thresh: args[5].Uint8, Maxval: args[6].Uint8},
	})
}

func (r *runner) canny(ctx context.Context, args []device.Value) error {
	w, h, err := dims(args[2].Int32, args[3].Int32)
	if err != nil {
		return err
	}
	low, high := args[4].Int32, args[5].Int32
	if low < 0 || high < low {
		return fmt.Errorf("%w: hysteresis thresholds low %d high %d", stream.ErrShape, low, high)
	}
	return r.execute(ctx, stream.Job{
		Width:  w,
		Height: h,
		Src:    args[0].Mem,
		Dst:    args[1].Mem,
		Params: stream.Params{Low: low, High: high},
	})
}

func (r *runner) identity(ctx context.Context, args []device.Value) error {
	w, h, err := dims(args[2].Int32, args[3].Int32)
	if err != nil {
		return err
	}
	return r.execute(ctx, stream.Job{Width: w, Height: h, Src: args[0].Mem, Dst: args[1].Mem})
}

// Defines renders the build as compile-time constants for backends that
// compile the kernels from source
func Defines(b Build) map[string]string {
	m, e := b.Morphology, b.Edge
	def := map[string]string{
		"FILTER_SIZE":     strconv.Itoa(m.FilterSize),
		"ITERATIONS":      strconv.Itoa(m.Iterations),
		"POLICY":          strconv.Itoa(int(m.Policy)),
		"MORPH_CHANNELS":  strconv.Itoa(m.Format.Channels()),
		"MORPH_REPLICATE": "0",
		"MORPH_BORDER":    strconv.Itoa(int(m.BorderValue)),
		"EDGE_CHANNELS":   strconv.Itoa(e.Format.Channels()),
		"EDGE_CHANNEL":    strconv.Itoa(e.Channel),
		"EDGE_REPLICATE":  "0",
		"EDGE_BORDER":     strconv.Itoa(int(e.BorderValue)),
		"EDGE_L2":         "0",
	}
	if m.Border == stream.BorderReplicate {
		def["MORPH_REPLICATE"] = "1"
	}
	if e.Border == stream.BorderReplicate {
		def["EDGE_REPLICATE"] = "1"
	}
	if e.Norm == stream.NormL2 {
		def["EDGE_L2"] = "1"
	}
	return def
}

