package stream_test

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medimg-accel/internal/algorithms"
	"medimg-accel/internal/core"
	"medimg-accel/internal/stream"
	"medimg-accel/internal/strel"
)

func randomImage(seed uint64, w, h, ch int) *core.Image {
	r := rand.New(rand.NewPCG(seed, 7))
	img := core.NewImage(w, h, ch)
	for i := range img.Pix {
		img.Pix[i] = uint8(r.IntN(256))
	}
	return img
}

// blobs draws a few filled rectangles so edge tests see real structure
func blobs(seed uint64, w, h, ch int) *core.Image {
	r := rand.New(rand.NewPCG(seed, 11))
	img := core.NewImage(w, h, ch)
	for n := 0; n < 5; n++ {
		x0, y0 := r.IntN(w), r.IntN(h)
		x1, y1 := min(w, x0+1+r.IntN(w/2)), min(h, y0+1+r.IntN(h/2))
		v := uint8(40 + r.IntN(200))
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				for c := 0; c < ch; c++ {
					img.Set(x, y, c, v)
				}
			}
		}
	}
	return img
}

func run(t *testing.T, cfg stream.Config, img *core.Image, e *strel.Element, p stream.Params) *core.Image {
	t.Helper()
	pl, err := stream.New(cfg, nil)
	require.NoError(t, err)

	out := core.NewImage(img.Width, img.Height, pl.OutputChannels())
	err = pl.Execute(context.Background(), stream.Job{
		Width:  img.Width,
		Height: img.Height,
		Src:    img.Pix,
		Dst:    out.Pix,
		Mask:   e,
		Params: p,
	})
	require.NoError(t, err)
	assert.Equal(t, stream.StateIdle, pl.State())
	return out
}

func TestIdentityIsByteExact(t *testing.T) {
	cfg := stream.DefaultConfig()
	cfg.Variant = stream.VariantIdentity
	for _, bits := range []int{8, 24, 64, 512} {
		cfg.InputPortBits, cfg.OutputPortBits = bits, 64
		img := randomImage(uint64(bits), 37, 11, 1)
		out := run(t, cfg, img, nil, stream.Params{})
		assert.Equal(t, img.Pix, out.Pix, "port %d bits", bits)
	}
}

func TestMorphologyMatchesReference(t *testing.T) {
	policies := []stream.ThresholdPolicy{
		stream.ThreshBinary, stream.ThreshBinaryInv, stream.ThreshTrunc,
		stream.ThreshToZero, stream.ThreshToZeroInv,
	}
	shapes := []strel.Shape{strel.Rect, strel.Cross, strel.Ellipse}

	seed := uint64(0)
	for _, policy := range policies {
		for _, shape := range shapes {
			for _, side := range []int{1, 3, 5} {
				for _, border := range []stream.BorderMode{stream.BorderConstant, stream.BorderReplicate} {
					seed++
					cfg := stream.DefaultConfig()
					cfg.Policy = policy
					cfg.FilterSize = side
					cfg.Iterations = 1 + int(seed%3)
					cfg.Border = border
					cfg.Depth = 1 + int(seed%4)

					e, err := strel.Load(shape, side)
					require.NoError(t, err)
					img := randomImage(seed, 19+int(seed%7), 13, 1)
					p := stream.Params{Thresh: uint8(seed * 37), Maxval: 200}

					got := run(t, cfg, img, e, p)
					want, err := algorithms.Reference(img, e, cfg, p)
					require.NoError(t, err)
					require.Equal(t, want.Pix, got.Pix, "%v %v/%d %v iter=%d",
						policy, shape, side, border, cfg.Iterations)
				}
			}
		}
	}
}

func TestMorphologyRGBMatchesReference(t *testing.T) {
	cfg := stream.DefaultConfig()
	cfg.Format = core.FormatRGB
	cfg.Policy = stream.ThreshToZero
	e, err := strel.Load(strel.Ellipse, 3)
	require.NoError(t, err)

	img := randomImage(42, 16, 9, 3)
	p := stream.Params{Thresh: 90, Maxval: 255}
	got := run(t, cfg, img, e, p)
	want, err := algorithms.Reference(img, e, cfg, p)
	require.NoError(t, err)
	assert.Equal(t, want.Pix, got.Pix)
}

func TestOpeningProperties(t *testing.T) {
	cfg := stream.DefaultConfig()
	cfg.Policy = stream.ThreshToZero
	e, err := strel.Load(strel.Rect, 3)
	require.NoError(t, err)

	for seed := uint64(1); seed <= 5; seed++ {
		img := randomImage(seed, 24, 24, 1)
		// threshold 0 with ToZero keeps every non-zero sample, leaving a pure opening
		once := run(t, cfg, img, e, stream.Params{Thresh: 0, Maxval: 255})
		twice := run(t, cfg, once, e, stream.Params{Thresh: 0, Maxval: 255})
		assert.Equal(t, once.Pix, twice.Pix, "idempotent, seed %d", seed)

		thr := algorithms.ThresholdImage(img, cfg.Policy, 0, 255)
		for i := range once.Pix {
			require.LessOrEqual(t, once.Pix[i], thr.Pix[i], "anti-extensive, seed %d", seed)
		}
	}
}

func TestAllZeroStaysZero(t *testing.T) {
	e, err := strel.Load(strel.Rect, 3)
	require.NoError(t, err)
	img := core.NewImage(32, 16, 1)

	out := run(t, stream.DefaultConfig(), img, e, stream.Params{Thresh: 100, Maxval: 50})
	assert.Equal(t, make([]byte, 32*16), out.Pix)

	cfg := stream.DefaultConfig()
	cfg.Variant = stream.VariantEdge
	cfg.Channel = 0
	out = run(t, cfg, img, nil, stream.Params{Low: 30, High: 64})
	assert.Equal(t, make([]byte, 32*16), out.Pix)
}

func edgeConfig() stream.Config {
	cfg := stream.DefaultConfig()
	cfg.Variant = stream.VariantEdge
	cfg.Format = core.FormatGray
	cfg.Channel = 0
	cfg.Border = stream.BorderReplicate
	return cfg
}

func TestEdgeVerticalStep(t *testing.T) {
	img := core.NewImage(8, 8, 1)
	for y := 0; y < 8; y++ {
		for x := 4; x < 8; x++ {
			img.Set(x, y, 0, 20)
		}
	}

	out := run(t, edgeConfig(), img, nil, stream.Params{Low: 30, High: 64})
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			want := uint8(0)
			if x == 3 {
				want = stream.EdgeOn
			}
			assert.Equal(t, want, out.At(x, y, 0), "(%d,%d)", x, y)
		}
	}

	// below low everywhere
	out = run(t, edgeConfig(), img, nil, stream.Params{Low: 90, High: 120})
	assert.Equal(t, make([]byte, 64), out.Pix)

	// weak only: never promoted without a strong neighbour
	out = run(t, edgeConfig(), img, nil, stream.Params{Low: 20, High: 81})
	assert.Equal(t, make([]byte, 64), out.Pix)
}

// edgeMap renders an edge output as rows of '#' and '.'
func edgeMap(img *core.Image) []string {
	rows := make([]string, img.Height)
	for y := range rows {
		b := make([]byte, img.Width)
		for x := range b {
			b[x] = '.'
			if img.At(x, y, 0) == stream.EdgeOn {
				b[x] = '#'
			}
		}
		rows[y] = string(b)
	}
	return rows
}

func TestEdgeWeakChainReachesStrong(t *testing.T) {
	step := func(top, bottom uint8) *core.Image {
		img := core.NewImage(16, 8, 1)
		for y := 0; y < 8; y++ {
			v := top
			if y >= 4 {
				v = bottom
			}
			for x := 8; x < 16; x++ {
				img.Set(x, y, 0, v)
			}
		}
		return img
	}
	p := stream.Params{Low: 30, High: 64}

	// magnitude 80 above, 44 below: the weak half survives only through
	// its 8-connected chain to the strong half
	joined := step(20, 11)
	out := run(t, edgeConfig(), joined, nil, p)
	assert.Equal(t, []string{
		".......#........",
		".......#........",
		".......#........",
		"........########",
		"........#.......",
		".......#........",
		".......#........",
		".......#........",
	}, edgeMap(out))
	want, err := algorithms.Reference(joined, nil, edgeConfig(), p)
	require.NoError(t, err)
	assert.Equal(t, want.Pix, out.Pix)

	out = run(t, edgeConfig(), step(11, 11), nil, p)
	assert.Equal(t, make([]byte, 16*8), out.Pix)
}

func TestEdgeMatchesReference(t *testing.T) {
	for seed := uint64(1); seed <= 12; seed++ {
		cfg := edgeConfig()
		cfg.Format = core.FormatRGB
		cfg.Channel = int(seed % 3)
		if seed%2 == 0 {
			cfg.Norm = stream.NormL2
		}
		if seed%3 == 0 {
			cfg.Border = stream.BorderConstant
		}
		img := blobs(seed, 31, 23, 3)
		p := stream.Params{Low: 30, High: 64 + int32(seed)*8}

		got := run(t, cfg, img, nil, p)
		want, err := algorithms.Reference(img, nil, cfg, p)
		require.NoError(t, err)
		require.Equal(t, want.Pix, got.Pix, "seed %d", seed)
	}
}

func TestLoadRejectsBadJobs(t *testing.T) {
	e, err := strel.Load(strel.Rect, 3)
	require.NoError(t, err)
	pl, err := stream.New(stream.DefaultConfig(), nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		job  stream.Job
	}{
		{"short input", stream.Job{Width: 4, Height: 4, Src: make([]byte, 15), Dst: make([]byte, 16), Mask: e}},
		{"short output", stream.Job{Width: 4, Height: 4, Src: make([]byte, 16), Dst: make([]byte, 8), Mask: e}},
		{"zero size", stream.Job{Width: 0, Height: 4, Mask: e}},
		{"over bound", stream.Job{Width: 5000, Height: 1, Src: make([]byte, 5000), Dst: make([]byte, 5000), Mask: e}},
		{"missing mask", stream.Job{Width: 4, Height: 4, Src: make([]byte, 16), Dst: make([]byte, 16)}},
		{"wrong mask", stream.Job{Width: 4, Height: 4, Src: make([]byte, 16), Dst: make([]byte, 16),
			Mask: &strel.Element{Side: 3, Mask: make([]byte, 4)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, pl.Load(tt.job), stream.ErrShape)
			assert.Equal(t, stream.StateIdle, pl.State())
		})
	}
}

func TestRunBeforeLoadIsRejected(t *testing.T) {
	pl, err := stream.New(stream.DefaultConfig(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, pl.Run(context.Background()), stream.ErrInvalidTransition)
}

func TestCancelledRunFails(t *testing.T) {
	e, err := strel.Load(strel.Rect, 3)
	require.NoError(t, err)
	pl, err := stream.New(stream.DefaultConfig(), nil)
	require.NoError(t, err)

	img := randomImage(3, 64, 64, 1)
	require.NoError(t, pl.Load(stream.Job{
		Width: 64, Height: 64, Src: img.Pix, Dst: make([]byte, 64*64), Mask: e,
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = pl.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, stream.StateFailed, pl.State())
	require.NoError(t, pl.Reset())
	assert.Equal(t, stream.StateIdle, pl.State())
}

func TestStagesAndStats(t *testing.T) {
	cfg := stream.DefaultConfig()
	cfg.Iterations = 2
	e, err := strel.Load(strel.Cross, 3)
	require.NoError(t, err)
	pl, err := stream.New(cfg, nil)
	require.NoError(t, err)

	want := []string{"ingest", "threshold", "erode[0]", "erode[1]", "dilate[0]", "dilate[1]", "emit"}
	assert.Equal(t, want, pl.Stages())

	img := randomImage(9, 10, 6, 1)
	require.NoError(t, pl.Execute(context.Background(), stream.Job{
		Width: 10, Height: 6, Src: img.Pix, Dst: make([]byte, 60), Mask: e,
		Params: stream.Params{Thresh: 128, Maxval: 255},
	}))
	stats := pl.Stats()
	require.Len(t, stats, len(want))
	for i, s := range stats {
		assert.Equal(t, want[i], s.Name)
		assert.Equal(t, 6, s.Rows)
	}
}

func BenchmarkMorphology(b *testing.B) {
	cfg := stream.DefaultConfig()
	e, err := strel.Load(strel.Rect, 3)
	require.NoError(b, err)
	pl, err := stream.New(cfg, nil)
	require.NoError(b, err)

	img := randomImage(1, 640, 480, 1)
	dst := make([]byte, len(img.Pix))
	job := stream.Job{Width: 640, Height: 480, Src: img.Pix, Dst: dst, Mask: e,
		Params: stream.Params{Thresh: 100, Maxval: 50}}

	b.SetBytes(int64(len(img.Pix)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := pl.Execute(context.Background(), job); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEdge(b *testing.B) {
	pl, err := stream.New(edgeConfig(), nil)
	require.NoError(b, err)

	img := blobs(1, 640, 480, 1)
	job := stream.Job{Width: 640, Height: 480, Src: img.Pix, Dst: make([]byte, len(img.Pix)),
		Params: stream.Params{Low: 30, High: 64}}

	b.SetBytes(int64(len(img.Pix)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := pl.Execute(context.Background(), job); err != nil {
			b.Fatal(err)
		}
	}
}
