package strel

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medimg-accel/internal/core"
)

func TestLoadShapes(t *testing.T) {
	tests := []struct {
		shape Shape
		side  int
		want  []byte
	}{
		{Rect, 3, []byte{1, 1, 1, 1, 1, 1, 1, 1, 1}},
		{Cross, 3, []byte{0, 1, 0, 1, 1, 1, 0, 1, 0}},
		{Ellipse, 3, []byte{0, 1, 0, 1, 1, 1, 0, 1, 0}},
		{Ellipse, 5, []byte{
			0, 0, 1, 0, 0,
			1, 1, 1, 1, 1,
			1, 1, 1, 1, 1,
			1, 1, 1, 1, 1,
			0, 0, 1, 0, 0,
		}},
		{Cross, 1, []byte{1}},
	}

	for _, tt := range tests {
		t.Run(tt.shape.String(), func(t *testing.T) {
			e, err := Load(tt.shape, tt.side)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, e.Mask); diff != "" {
				t.Errorf("mask mismatch (-want +got):\n%s\n%s", diff, e)
			}
		})
	}
}

func TestLoadDeterministic(t *testing.T) {
	a, err := Load(Ellipse, 7)
	require.NoError(t, err)
	b, err := Load(Ellipse, 7)
	require.NoError(t, err)
	assert.Equal(t, a.Mask, b.Mask)
	assert.Len(t, a.Mask, 49)
}

func TestLoadRejectsNonPositiveSide(t *testing.T) {
	for _, side := range []int{0, -3} {
		_, err := Load(Rect, side)
		assert.ErrorIs(t, err, ErrShape)
	}
	_, err := Load(Shape(9), 3)
	assert.ErrorIs(t, err, ErrShape)
}

func TestValidateLength(t *testing.T) {
	e, err := Load(Rect, 3)
	require.NoError(t, err)
	assert.NoError(t, e.Validate(3))

	err = e.Validate(5)
	assert.ErrorIs(t, err, ErrLength)
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = FromBytes(3, make([]byte, 8))
	assert.ErrorIs(t, err, ErrLength)
}

func TestOffsetsAndReflect(t *testing.T) {
	e := &Element{Side: 2, Mask: []byte{1, 0, 0, 1}}
	got := e.Offsets()
	assert.Equal(t, []Offset{{DX: -1, DY: -1}, {DX: 0, DY: 0}}, got)
	assert.Equal(t, []Offset{{DX: 1, DY: 1}, {DX: 0, DY: 0}}, Reflect(got))
}

func TestParseShape(t *testing.T) {
	s, err := ParseShape("MORPH_CROSS")
	require.NoError(t, err)
	assert.Equal(t, Cross, s)

	_, err = ParseShape("diamond")
	assert.ErrorIs(t, err, ErrShape)
}
