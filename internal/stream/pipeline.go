package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"medimg-accel/internal/strel"
)

// Job is one invocation's view of device memory: Src holds Height rows of the
// input stream, Dst receives the output stream.
type Job struct {
	Width  int
	Height int
	Src    []byte
	Dst    []byte
	Mask   *strel.Element // morphology only
	Params Params
}

// StageStat records what one stage did during a run
type StageStat struct {
	Name    string
	Rows    int
	Elapsed time.Duration
}

// Pipeline is a fixed composition of streaming stages. The configuration is
// copied in at construction and never modified.
type Pipeline struct {
	cfg Config
	log logrus.FieldLogger
	lc  Lifecycle

	mu    sync.Mutex
	job   *Job
	stats []StageStat
}

// New validates cfg and builds a pipeline in the Idle state
func New(cfg Config, log logrus.FieldLogger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Pipeline{
		cfg: cfg,
		log: log.WithField("variant", cfg.Variant.String()),
	}, nil
}

// Config returns a copy of the configuration
func (p *Pipeline) Config() Config { return p.cfg }

// State returns the lifecycle state
func (p *Pipeline) State() State { return p.lc.State() }

// InputChannels is the number of interleaved samples per input pixel
func (p *Pipeline) InputChannels() int { return p.cfg.Format.Channels() }

// OutputChannels is the number of interleaved samples per output pixel
func (p *Pipeline) OutputChannels() int {
	if p.cfg.Variant == VariantEdge {
		return 1
	}
	return p.cfg.Format.Channels()
}

// Stages lists the stage names in stream order
func (p *Pipeline) Stages() []string {
	names := []string{"ingest"}
	switch p.cfg.Variant {
	case VariantMorphology:
		names = append(names, "threshold")
		for i := 0; i < p.cfg.Iterations; i++ {
			names = append(names, fmt.Sprintf("erode[%d]", i))
		}
		for i := 0; i < p.cfg.Iterations; i++ {
			names = append(names, fmt.Sprintf("dilate[%d]", i))
		}
	case VariantEdge:
		names = append(names, "extract", "gradient", "nms", "hysteresis")
	}
	return append(names, "emit")
}

// Load binds a job to the pipeline, moving it from Idle to Loaded
func (p *Pipeline) Load(job Job) error {
	if err := p.checkJob(&job); err != nil {
		return err
	}
	if err := p.lc.Transition(StateLoaded); err != nil {
		return err
	}
	p.mu.Lock()
	p.job = &job
	p.stats = nil
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) checkJob(job *Job) error {
	if job.Width <= 0 || job.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrShape, job.Width, job.Height)
	}
	if job.Width > p.cfg.MaxWidth || job.Height > p.cfg.MaxHeight {
		return fmt.Errorf("%w: %dx%d exceeds bound %dx%d",
			ErrShape, job.Width, job.Height, p.cfg.MaxWidth, p.cfg.MaxHeight)
	}
	if want := job.Width * job.Height * p.InputChannels(); len(job.Src) != want {
		return fmt.Errorf("%w: input holds %d bytes, want %d", ErrShape, len(job.Src), want)
	}
	if want := job.Width * job.Height * p.OutputChannels(); len(job.Dst) != want {
		return fmt.Errorf("%w: output holds %d bytes, want %d", ErrShape, len(job.Dst), want)
	}
	if p.cfg.Variant == VariantMorphology {
		if err := job.Mask.Validate(p.cfg.FilterSize); err != nil {
			return fmt.Errorf("%w: %w", ErrShape, err)
		}
	}
	return nil
}

// Unload returns a Loaded pipeline to Idle without running it
func (p *Pipeline) Unload() error {
	if err := p.lc.Transition(StateIdle); err != nil {
		return err
	}
	p.mu.Lock()
	p.job = nil
	p.mu.Unlock()
	return nil
}

// Run streams the loaded job through every stage. The first stage error
// cancels the others and leaves the pipeline Failed.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.lc.Transition(StateRunning); err != nil {
		return err
	}
	p.mu.Lock()
	job := p.job
	p.mu.Unlock()

	start := time.Now()
	stats, err := p.run(ctx, job)

	p.mu.Lock()
	p.stats = stats
	p.mu.Unlock()

	if err != nil {
		p.log.WithError(err).Warn("pipeline run failed")
		if terr := p.lc.Transition(StateFailed); terr != nil {
			return errors.Join(err, terr)
		}
		return err
	}
	p.log.WithFields(logrus.Fields{
		"width":       job.Width,
		"height":      job.Height,
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
	}).Debug("pipeline run completed")
	return p.lc.Transition(StateCompleted)
}

// Reset returns a Completed or Failed pipeline to Idle
func (p *Pipeline) Reset() error {
	if err := p.lc.Transition(StateIdle); err != nil {
		return err
	}
	p.mu.Lock()
	p.job = nil
	p.mu.Unlock()
	return nil
}

// Execute is Load, Run and Reset in one call
func (p *Pipeline) Execute(ctx context.Context, job Job) error {
	if err := p.Load(job); err != nil {
		return err
	}
	runErr := p.Run(ctx)
	if err := p.Reset(); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Stats returns the per-stage statistics of the last run
func (p *Pipeline) Stats() []StageStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StageStat(nil), p.stats...)
}

// stageSet collects the goroutines of one run
type stageSet struct {
	g     *errgroup.Group
	ctx   context.Context
	log   logrus.FieldLogger
	mu    sync.Mutex
	stats []StageStat
}

func (s *stageSet) spawn(name string, rows int, fn func(ctx context.Context) error) {
	s.mu.Lock()
	idx := len(s.stats)
	s.stats = append(s.stats, StageStat{Name: name})
	s.mu.Unlock()
	s.g.Go(func() error {
		start := time.Now()
		err := fn(s.ctx)
		elapsed := time.Since(start)
		s.mu.Lock()
		s.stats[idx].Elapsed = elapsed
		if err == nil {
			s.stats[idx].Rows = rows
		}
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		s.log.WithFields(logrus.Fields{"stage": name, "rows": rows}).Trace("stage drained")
		return nil
	})
}

func (p *Pipeline) run(ctx context.Context, job *Job) ([]StageStat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	s := &stageSet{g: g, ctx: gctx, log: p.log}

	w, h := job.Width, job.Height
	depth := p.cfg.Depth
	inCh := p.InputChannels()
	inBeat := p.cfg.InputPortBits / 8
	outBeat := p.cfg.OutputPortBits / 8

	src := newFIFO[byte](depth)
	s.spawn("ingest", h, func(ctx context.Context) error {
		return ingest(ctx, job.Src, w*inCh, inBeat, src)
	})

	var last chan []byte
	switch p.cfg.Variant {
	case VariantIdentity:
		last = src

	case VariantMorphology:
		ch := inCh
		b := border[byte]{replicate: p.cfg.Border == BorderReplicate, fill: p.cfg.BorderValue}

		thr := newFIFO[byte](depth)
		lut := thresholdTable(p.cfg.Policy, job.Params.Thresh, job.Params.Maxval)
		in := src
		s.spawn("threshold", h, func(ctx context.Context) error {
			return pointwise[byte, byte](ctx, in, thr, w*ch, h, thresholdRow(lut))
		})
		last = thr

		erode := newMorphKernel(opErode, job.Mask)
		dilate := newMorphKernel(opDilate, job.Mask)
		for i := 0; i < p.cfg.Iterations; i++ {
			last = p.morphStage(s, fmt.Sprintf("erode[%d]", i), erode, last, w, h, ch, b)
		}
		for i := 0; i < p.cfg.Iterations; i++ {
			last = p.morphStage(s, fmt.Sprintf("dilate[%d]", i), dilate, last, w, h, ch, b)
		}

	case VariantEdge:
		b := border[byte]{replicate: p.cfg.Border == BorderReplicate, fill: p.cfg.BorderValue}

		gray := newFIFO[byte](depth)
		s.spawn("extract", h, func(ctx context.Context) error {
			return pointwise[byte, byte](ctx, src, gray, w*inCh, h, extractRow(inCh, p.cfg.Channel))
		})

		grad := newFIFO[Gradient](depth)
		gw := newWindow(w, h, 1, 1, 1, 1, b)
		s.spawn("gradient", h, func(ctx context.Context) error {
			return neighbourhood[byte, Gradient](ctx, gray, grad, gw, sobelRow(w, p.cfg.Norm))
		})

		thin := newFIFO[int32](depth)
		nw := newWindow(w, h, 1, 1, 1, 1, border[Gradient]{})
		s.spawn("nms", h, func(ctx context.Context) error {
			return neighbourhood[Gradient, int32](ctx, grad, thin, nw, nmsRow(w))
		})

		marks := newFIFO[byte](depth)
		low, high := job.Params.Low, job.Params.High
		s.spawn("hysteresis", h, func(ctx context.Context) error {
			return pointwise[int32, byte](ctx, thin, marks, w, h, classifyRow(low, high))
		})
		last = marks
	}

	outCh := p.OutputChannels()
	edges := p.cfg.Variant == VariantEdge
	s.spawn("emit", h, func(ctx context.Context) error {
		if err := emit(ctx, last, job.Dst, w*outCh, h, outBeat); err != nil {
			return err
		}
		if edges {
			Trace(job.Dst, w, h)
		}
		return nil
	})

	err := g.Wait()
	return s.stats, err
}

func (p *Pipeline) morphStage(s *stageSet, name string, k *morphKernel, in chan []byte, w, h, ch int, b border[byte]) chan []byte {
	out := newFIFO[byte](p.cfg.Depth)
	win := k.window(w, h, ch, b)
	compute := k.compute(w, ch)
	s.spawn(name, h, func(ctx context.Context) error {
		return neighbourhood[byte, byte](ctx, in, out, win, compute)
	})
	return out
}

// ingest reads src in port-width beats and reassembles rows of rowLen bytes
func ingest(ctx context.Context, src []byte, rowLen, beat int, out chan<- []byte) error {
	defer close(out)

	row := make([]byte, 0, rowLen)
	for off := 0; off < len(src); off += beat {
		chunk := src[off:min(off+beat, len(src))]
		for len(chunk) > 0 {
			n := min(rowLen-len(row), len(chunk))
			row = append(row, chunk[:n]...)
			chunk = chunk[n:]
			if len(row) == rowLen {
				if err := send(ctx, out, row); err != nil {
					return err
				}
				row = make([]byte, 0, rowLen)
			}
		}
	}
	if len(row) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrShape, len(row))
	}
	return nil
}

// emit writes exactly rows rows of rowLen bytes into dst in port-width beats
func emit(ctx context.Context, in <-chan []byte, dst []byte, rowLen, rows, beat int) error {
	pending := make([]byte, 0, beat)
	off, seen := 0, 0
	flush := func() {
		off += copy(dst[off:], pending)
		pending = pending[:0]
	}
	for {
		row, ok, err := recv(ctx, in)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if len(row) != rowLen || seen >= rows {
			return fmt.Errorf("%w: unexpected row %d of %d samples", ErrShape, seen, len(row))
		}
		for len(row) > 0 {
			n := min(beat-len(pending), len(row))
			pending = append(pending, row[:n]...)
			row = row[n:]
			if len(pending) == beat {
				flush()
			}
		}
		seen++
	}
	if seen != rows {
		return fmt.Errorf("%w: emitted %d rows, want %d", ErrShape, seen, rows)
	}
	flush()
	return nil
}
