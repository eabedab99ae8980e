package stream

import (
	"context"
	"fmt"
)

// newFIFO makes the bounded row channel between two stages. A row handed to
// send is owned by the receiver from then on.
func newFIFO[T any](depth int) chan []T {
	return make(chan []T, depth)
}

// send blocks while the FIFO is full
func send[T any](ctx context.Context, out chan<- []T, row []T) error {
	select {
	case out <- row:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recv returns ok=false once the producer closed the FIFO
func recv[T any](ctx context.Context, in <-chan []T) ([]T, bool, error) {
	select {
	case row, ok := <-in:
		return row, ok, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// pointwise runs f over every row of in, forwarding the result. Each input row
// must hold exactly rowLen samples.
func pointwise[In, Out any](ctx context.Context, in <-chan []In, out chan<- []Out, rowLen, rows int, f func(src []In) []Out) error {
	defer close(out)

	seen := 0
	for {
		row, ok, err := recv(ctx, in)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if len(row) != rowLen {
			return fmt.Errorf("%w: row %d holds %d samples, want %d", ErrShape, seen, len(row), rowLen)
		}
		if err := send(ctx, out, f(row)); err != nil {
			return err
		}
		seen++
	}
	if seen != rows {
		return fmt.Errorf("%w: received %d rows, want %d", ErrShape, seen, rows)
	}
	return nil
}

// border describes the samples a window stage reads outside the image
type border[T any] struct {
	replicate bool
	fill      T
}

// window is the line buffer of a neighbourhood stage. It keeps the last
// above+below+1 rows, each padded horizontally by padX pixels.
type window[T any] struct {
	width, height int
	channels      int
	above, below  int
	padX          int
	border        border[T]

	ring     [][]T
	fillRow  []T
	received int
}

func newWindow[T any](width, height, channels, above, below, padX int, b border[T]) *window[T] {
	w := &window[T]{
		width:    width,
		height:   height,
		channels: channels,
		above:    above,
		below:    below,
		padX:     padX,
		border:   b,
		ring:     make([][]T, above+below+1),
	}
	w.fillRow = make([]T, (width+2*padX)*channels)
	for i := range w.fillRow {
		w.fillRow[i] = b.fill
	}
	return w
}

// pad copies row into a buffer extended by padX pixels on both sides
func (w *window[T]) pad(row []T) []T {
	ch := w.channels
	p := make([]T, (w.width+2*w.padX)*ch)
	copy(p[w.padX*ch:], row)
	for x := 0; x < w.padX; x++ {
		for c := 0; c < ch; c++ {
			if w.border.replicate {
				p[x*ch+c] = row[c]
				p[(w.padX+w.width+x)*ch+c] = row[(w.width-1)*ch+c]
			} else {
				p[x*ch+c] = w.border.fill
				p[(w.padX+w.width+x)*ch+c] = w.border.fill
			}
		}
	}
	return p
}

func (w *window[T]) push(row []T) {
	w.ring[w.received%len(w.ring)] = w.pad(row)
	w.received++
}

// rowAt returns padded image row y, resolving rows outside the image
func (w *window[T]) rowAt(y int) []T {
	if y < 0 || y >= w.height {
		if !w.border.replicate {
			return w.fillRow
		}
		y = max(0, min(y, w.height-1))
	}
	return w.ring[y%len(w.ring)]
}

// rows fills dst with the neighbourhood of output row y, top to bottom
func (w *window[T]) rows(y int, dst [][]T) [][]T {
	dst = dst[:0]
	for dy := -w.above; dy <= w.below; dy++ {
		dst = append(dst, w.rowAt(y+dy))
	}
	return dst
}

// neighbourhood runs a window stage: compute receives the above+below+1 padded
// rows centred on output row y and returns that output row.
func neighbourhood[In, Out any](ctx context.Context, in <-chan []In, out chan<- []Out, w *window[In], compute func(rows [][]In) []Out) error {
	defer close(out)

	rowLen := w.width * w.channels
	scratch := make([][]In, 0, w.above+w.below+1)
	next := 0
	emit := func(upto int) error {
		for ; next <= upto; next++ {
			if err := send(ctx, out, compute(w.rows(next, scratch))); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		row, ok, err := recv(ctx, in)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if len(row) != rowLen {
			return fmt.Errorf("%w: row %d holds %d samples, want %d", ErrShape, w.received, len(row), rowLen)
		}
		if w.received >= w.height {
			return fmt.Errorf("%w: more than %d rows", ErrShape, w.height)
		}
		w.push(row)
		if err := emit(w.received - 1 - w.below); err != nil {
			return err
		}
	}
	if w.received != w.height {
		return fmt.Errorf("%w: received %d rows, want %d", ErrShape, w.received, w.height)
	}
	return emit(w.height - 1)
}
