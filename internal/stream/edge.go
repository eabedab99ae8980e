package stream

import "math"

// Direction is a gradient orientation snapped to one of four sectors
type Direction uint8

const (
	Dir0   Direction = iota // horizontal gradient, compare left and right
	Dir45                   // compare upper-right and lower-left
	Dir90                   // vertical gradient, compare above and below
	Dir135                  // compare upper-left and lower-right
)

func (d Direction) String() string {
	switch d {
	case Dir0:
		return "0"
	case Dir45:
		return "45"
	case Dir90:
		return "90"
	case Dir135:
		return "135"
	}
	return "?"
}

// Gradient is one Sobel sample
type Gradient struct {
	Mag int32
	Dir Direction
}

// Fixed-point tangents with 15 fractional bits
const (
	tan22Q15 = 13573 // tan(22.5°)
	tanShift = 15
)

// SnapDirection quantises (gx, gy) into one of the four sectors. gy grows
// downwards, as rows do.
func SnapDirection(gx, gy int32) Direction {
	ax, ay := int64(gx), int64(gy)
	if ax < 0 {
		ax = -ax
	}
	if ay < 0 {
		ay = -ay
	}
	tg22x := ax * tan22Q15
	y := ay << tanShift
	if y < tg22x {
		return Dir0
	}
	tg67x := tg22x + ax<<(tanShift+1)
	if y > tg67x {
		return Dir90
	}
	if (gx < 0) != (gy < 0) {
		return Dir45
	}
	return Dir135
}

// Magnitude combines the Sobel components under norm
func Magnitude(norm Norm, gx, gy int32) int32 {
	if norm == NormL2 {
		return int32(math.Round(math.Hypot(float64(gx), float64(gy))))
	}
	if gx < 0 {
		gx = -gx
	}
	if gy < 0 {
		gy = -gy
	}
	return gx + gy
}

func extractRow(channels, channel int) func([]byte) []byte {
	return func(src []byte) []byte {
		if channels == 1 {
			return src
		}
		dst := make([]byte, len(src)/channels)
		for i := range dst {
			dst[i] = src[i*channels+channel]
		}
		return dst
	}
}

// sobelRow computes the 3x3 Sobel response for one row from a window with a
// one-pixel pad.
func sobelRow(width int, norm Norm) func([][]byte) []Gradient {
	return func(rows [][]byte) []Gradient {
		r0, r1, r2 := rows[0], rows[1], rows[2]
		dst := make([]Gradient, width)
		for x := 0; x < width; x++ {
			l, c, r := x, x+1, x+2
			gx := int32(r0[r]) + 2*int32(r1[r]) + int32(r2[r]) -
				int32(r0[l]) - 2*int32(r1[l]) - int32(r2[l])
			gy := int32(r2[l]) + 2*int32(r2[c]) + int32(r2[r]) -
				int32(r0[l]) - 2*int32(r0[c]) - int32(r0[r])
			dst[x] = Gradient{Mag: Magnitude(norm, gx, gy), Dir: SnapDirection(gx, gy)}
		}
		return dst
	}
}

// nmsRow keeps a magnitude only where it is a local maximum across the
// gradient. Ties resolve towards the earlier neighbour so edges stay one
// pixel wide.
func nmsRow(width int) func([][]Gradient) []int32 {
	return func(rows [][]Gradient) []int32 {
		up, mid, down := rows[0], rows[1], rows[2]
		dst := make([]int32, width)
		for x := 0; x < width; x++ {
			c := x + 1
			g := mid[c]
			m := g.Mag
			if m == 0 {
				continue
			}
			keep := false
			switch g.Dir {
			case Dir0:
				keep = m > mid[c-1].Mag && m >= mid[c+1].Mag
			case Dir90:
				keep = m > up[c].Mag && m >= down[c].Mag
			case Dir45:
				keep = m > up[c+1].Mag && m > down[c-1].Mag
			case Dir135:
				keep = m > up[c-1].Mag && m > down[c+1].Mag
			}
			if keep {
				dst[x] = m
			}
		}
		return dst
	}
}

// Hysteresis marks written by the classify stage before tracing
const (
	markNone   = 0
	markWeak   = 1
	markStrong = 2
)

// EdgeOn is the output value of an edge pixel
const EdgeOn uint8 = 255

func classifyRow(low, high int32) func([]int32) []byte {
	return func(src []int32) []byte {
		dst := make([]byte, len(src))
		for i, m := range src {
			switch {
			case m == 0 || m < low:
			case m >= high:
				dst[i] = markStrong
			default:
				dst[i] = markWeak
			}
		}
		return dst
	}
}

// Trace promotes weak pixels 8-connected to a strong pixel and finalises
// the marks in place: edges become EdgeOn, everything else 0.
func Trace(marks []byte, width, height int) {
	stack := make([]int, 0, 64)
	for i, v := range marks {
		if v == markStrong {
			marks[i] = EdgeOn
			stack = append(stack, i)
		}
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%width, i/width
		for dy := -1; dy <= 1; dy++ {
			ny := y + dy
			if ny < 0 || ny >= height {
				continue
			}
			for dx := -1; dx <= 1; dx++ {
				nx := x + dx
				if nx < 0 || nx >= width {
					continue
				}
				j := ny*width + nx
				if marks[j] == markWeak {
					marks[j] = EdgeOn
					stack = append(stack, j)
				}
			}
		}
	}
	for i, v := range marks {
		if v != EdgeOn {
			marks[i] = 0
		}
	}
}
