package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThresholdBoundary(t *testing.T) {
	tests := []struct {
		policy ThresholdPolicy
		p      uint8
		want   uint8
	}{
		{ThreshBinary, 100, 0},
		{ThreshBinary, 101, 50},
		{ThreshBinaryInv, 100, 50},
		{ThreshBinaryInv, 101, 0},
		{ThreshTrunc, 255, 100},
		{ThreshTrunc, 7, 7},
		{ThreshToZero, 100, 0},
		{ThreshToZero, 180, 180},
		{ThreshToZeroInv, 100, 100},
		{ThreshToZeroInv, 180, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Threshold(tt.policy, tt.p, 100, 50), "%v p=%d", tt.policy, tt.p)
	}
}

func TestThresholdMonotone(t *testing.T) {
	for _, policy := range []ThresholdPolicy{ThreshBinary, ThreshTrunc, ThreshToZero} {
		for th := 0; th < 256; th += 17 {
			prev := uint8(0)
			for p := 0; p < 256; p++ {
				v := Threshold(policy, uint8(p), uint8(th), 200)
				require.GreaterOrEqual(t, v, prev, "%v t=%d p=%d", policy, th, p)
				prev = v
			}
		}
	}
}

func TestSnapDirection(t *testing.T) {
	tests := []struct {
		gx, gy int32
		want   Direction
	}{
		{80, 0, Dir0},
		{-80, 0, Dir0},
		{0, 80, Dir90},
		{80, 80, Dir135},
		{-80, -80, Dir135},
		{80, -80, Dir45},
		{-80, 80, Dir45},
		{100, 41, Dir0},
		{100, 42, Dir135},
		{42, 100, Dir135},
		{41, 100, Dir90},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SnapDirection(tt.gx, tt.gy), "(%d,%d)", tt.gx, tt.gy)
	}
}

func TestMagnitude(t *testing.T) {
	assert.Equal(t, int32(7), Magnitude(NormL1, -3, 4))
	assert.Equal(t, int32(5), Magnitude(NormL2, -3, 4))
}

func TestTracePromotesConnectedWeak(t *testing.T) {
	marks := []byte{
		markStrong, markWeak, 0, 0, 0,
		0, 0, markWeak, 0, markWeak,
		0, 0, 0, 0, 0,
	}
	Trace(marks, 5, 3)
	assert.Equal(t, []byte{
		EdgeOn, EdgeOn, 0, 0, 0,
		0, 0, EdgeOn, 0, 0,
		0, 0, 0, 0, 0,
	}, marks)
}

func TestWindowEmitsEveryRowOnce(t *testing.T) {
	ctx := context.Background()
	const w, h = 4, 5
	in := make(chan []byte, h)
	out := make(chan []byte, h)
	for y := 0; y < h; y++ {
		row := make([]byte, w)
		for x := range row {
			row[x] = byte(y*10 + x)
		}
		in <- row
	}
	close(in)

	win := newWindow(w, h, 1, 1, 1, 1, border[byte]{replicate: true})
	// centre row of the neighbourhood, unpadded
	err := neighbourhood[byte, byte](ctx, in, out, win, func(rows [][]byte) []byte {
		return append([]byte(nil), rows[1][1:1+w]...)
	})
	require.NoError(t, err)

	y := 0
	for row := range out {
		assert.Equal(t, byte(y*10), row[0])
		y++
	}
	assert.Equal(t, h, y)
}

func TestWindowRejectsShortStream(t *testing.T) {
	ctx := context.Background()
	in := make(chan []byte, 2)
	out := make(chan []byte, 4)
	in <- make([]byte, 3)
	in <- make([]byte, 3)
	close(in)

	win := newWindow(3, 4, 1, 1, 1, 1, border[byte]{})
	err := neighbourhood[byte, byte](ctx, in, out, win, func(rows [][]byte) []byte { return rows[1][1:4] })
	assert.ErrorIs(t, err, ErrShape)
}

func TestIngestReassemblesRowsAcrossBeats(t *testing.T) {
	src := make([]byte, 3*5)
	for i := range src {
		src[i] = byte(i)
	}
	out := make(chan []byte, 3)
	require.NoError(t, ingest(context.Background(), src, 5, 8, out))

	var got []byte
	for row := range out {
		assert.Len(t, row, 5)
		got = append(got, row...)
	}
	assert.Equal(t, src, got)
}

func TestEmitRejectsExtraRows(t *testing.T) {
	in := make(chan []byte, 3)
	for i := 0; i < 3; i++ {
		in <- []byte{1, 2}
	}
	close(in)
	err := emit(context.Background(), in, make([]byte, 4), 2, 2, 1)
	assert.ErrorIs(t, err, ErrShape)
}

func TestLifecycleTransitions(t *testing.T) {
	var l Lifecycle
	assert.Equal(t, StateIdle, l.State())

	assert.ErrorIs(t, l.Transition(StateRunning), ErrInvalidTransition)
	require.NoError(t, l.Transition(StateLoaded))
	require.NoError(t, l.Transition(StateRunning))
	assert.ErrorIs(t, l.Transition(StateLoaded), ErrInvalidTransition)
	require.NoError(t, l.Transition(StateFailed))
	assert.ErrorIs(t, l.Transition(StateRunning), ErrInvalidTransition)
	require.NoError(t, l.Transition(StateIdle))
	assert.Equal(t, "Idle", l.State().String())
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := []func(c *Config){
		func(c *Config) { c.FilterSize = 0 },
		func(c *Config) { c.Iterations = 11 },
		func(c *Config) { c.InputPortBits = 12 },
		func(c *Config) { c.Depth = 0 },
		func(c *Config) { c.MaxWidth = 0 },
		func(c *Config) { c.Variant = VariantEdge; c.Channel = 1 },
	}
	for i, mutate := range bad {
		c := DefaultConfig()
		mutate(&c)
		assert.ErrorIs(t, c.Validate(), ErrConfig, "case %d", i)
	}
}

func TestParseHelpers(t *testing.T) {
	p, err := ParseThresholdPolicy("THRESH_BINARY_INV")
	require.NoError(t, err)
	assert.Equal(t, ThreshBinaryInv, p)

	v, err := ParseVariant("canny")
	require.NoError(t, err)
	assert.Equal(t, VariantEdge, v)

	_, err = ParseBorderMode("wrap")
	assert.ErrorIs(t, err, ErrConfig)
}
