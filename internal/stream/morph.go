package stream

import "medimg-accel/internal/strel"

type morphOp int

const (
	opErode morphOp = iota
	opDilate
)

func (op morphOp) String() string {
	if op == opDilate {
		return "dilate"
	}
	return "erode"
}

// morphKernel holds the member offsets of an element translated into window
// coordinates: row index into the neighbourhood and sample shift.
type morphKernel struct {
	op    morphOp
	rowAt []int
	shift []int
	reach int // largest |dx| or |dy|
}

func newMorphKernel(op morphOp, e *strel.Element) *morphKernel {
	offsets := e.Offsets()
	if op == opDilate {
		offsets = strel.Reflect(offsets)
	}
	k := &morphKernel{op: op}
	for _, o := range offsets {
		k.reach = max(k.reach, abs(o.DX), abs(o.DY))
	}
	for _, o := range offsets {
		k.rowAt = append(k.rowAt, o.DY+k.reach)
		k.shift = append(k.shift, o.DX)
	}
	return k
}

// window builds the line buffer this kernel needs for a width×height stream
func (k *morphKernel) window(width, height, channels int, b border[byte]) *window[byte] {
	return newWindow(width, height, channels, k.reach, k.reach, k.reach, b)
}

// compute returns the row function for a window built by k.window
func (k *morphKernel) compute(width, channels int) func([][]byte) []byte {
	pad := k.reach * channels
	return func(rows [][]byte) []byte {
		dst := make([]byte, width*channels)
		if len(k.rowAt) == 0 {
			// An empty element erodes to the neutral element of min and dilates to that of max.
			if k.op == opErode {
				for i := range dst {
					dst[i] = 255
				}
			}
			return dst
		}
		for i := range dst {
			base := pad + i
			acc := rows[k.rowAt[0]][base+k.shift[0]*channels]
			for m := 1; m < len(k.rowAt); m++ {
				v := rows[k.rowAt[m]][base+k.shift[m]*channels]
				if k.op == opErode {
					acc = min(acc, v)
				} else {
					acc = max(acc, v)
				}
			}
			dst[i] = acc
		}
		return dst
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
