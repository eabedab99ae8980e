package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Stats contains buffer manager statistics
type Stats struct {
	Allocations     int64
	Releases        int64
	LiveBuffers     int
	LiveBytes       int64
	PeakBytes       int64
	BytesUploaded   int64
	BytesDownloaded int64
	Invocations     int64
}

func (s Stats) String() string {
	return fmt.Sprintf("Buffers[%d live, %d bytes, peak %d, %d allocs, %d releases]",
		s.LiveBuffers, s.LiveBytes, s.PeakBytes, s.Allocations, s.Releases)
}

// Manager owns every buffer of one device context and serialises host
// transfers and kernel submissions through a single in-order queue.
//
// Manager is safe for concurrent use.
type Manager struct {
	dev   Device
	queue Queue
	log   logrus.FieldLogger

	mu      sync.Mutex
	buffers map[uuid.UUID]*Buffer
	stats   Stats
}

// NewManager creates a manager over dev and its command queue
func NewManager(dev Device, queue Queue, log logrus.FieldLogger) *Manager {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Manager{
		dev:     dev,
		queue:   queue,
		log:     log.WithField("device", dev.Name()),
		buffers: make(map[uuid.UUID]*Buffer),
	}
}

// Device returns the underlying device
func (m *Manager) Device() Device { return m.dev }

// Allocate reserves a buffer of exactly size bytes
func (m *Manager) Allocate(size int, mode AccessMode) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: cannot allocate %d bytes", ErrLengthMismatch, size)
	}
	if mode < ReadOnly || mode > ReadWrite {
		return nil, fmt.Errorf("%w: access mode %v", ErrBinding, mode)
	}
	region, err := m.dev.Alloc(size, mode)
	if err != nil {
		if !errors.Is(err, ErrResourceExhausted) {
			err = fmt.Errorf("%w: %w", ErrResourceExhausted, err)
		}
		return nil, err
	}
	if region.Len() != size {
		_ = region.Release()
		return nil, fmt.Errorf("%w: device reserved %d bytes, want %d", ErrResourceExhausted, region.Len(), size)
	}

	buf := &Buffer{id: uuid.New(), size: size, mode: mode, region: region}

	m.mu.Lock()
	m.buffers[buf.id] = buf
	m.stats.Allocations++
	m.stats.LiveBuffers++
	m.stats.LiveBytes += int64(size)
	m.stats.PeakBytes = max(m.stats.PeakBytes, m.stats.LiveBytes)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"buffer": buf.id, "bytes": size, "mode": mode}).Debug("buffer allocated")
	return buf, nil
}

func (m *Manager) owns(buf *Buffer) error {
	if buf == nil {
		return fmt.Errorf("%w: nil buffer", ErrReleased)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buffers[buf.id]; !ok {
		return fmt.Errorf("%w: %s", ErrReleased, buf.id)
	}
	return nil
}

// Upload copies host into buf and blocks until the write completed. The
// length is checked before any transfer.
func (m *Manager) Upload(ctx context.Context, buf *Buffer, host []byte) error {
	if err := m.owns(buf); err != nil {
		return err
	}
	if len(host) != buf.size {
		return fmt.Errorf("%w: upload of %d bytes into %d-byte buffer", ErrLengthMismatch, len(host), buf.size)
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()
	if err := buf.checkHost(); err != nil {
		return err
	}

	ev, err := m.queue.EnqueueWrite(buf.region, host)
	if err != nil {
		return fmt.Errorf("upload %s: %w", buf.id, err)
	}
	defer ev.Release()
	if err := ev.Wait(ctx); err != nil {
		return fmt.Errorf("upload %s: %w", buf.id, err)
	}
	buf.stale = false

	m.mu.Lock()
	m.stats.BytesUploaded += int64(len(host))
	m.mu.Unlock()
	return nil
}

// Download copies buf into out and blocks until the read completed. The
// invocation that writes buf must have been waited on.
func (m *Manager) Download(ctx context.Context, buf *Buffer, out []byte) error {
	if err := m.owns(buf); err != nil {
		return err
	}
	if len(out) != buf.size {
		return fmt.Errorf("%w: download of %d-byte buffer into %d bytes", ErrLengthMismatch, buf.size, len(out))
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.stale {
		return fmt.Errorf("%w: %s has no completed writer", ErrNotReady, buf.id)
	}
	if err := buf.checkHost(); err != nil {
		return err
	}

	ev, err := m.queue.EnqueueRead(buf.region, out)
	if err != nil {
		return fmt.Errorf("download %s: %w", buf.id, err)
	}
	defer ev.Release()
	if err := ev.Wait(ctx); err != nil {
		return fmt.Errorf("download %s: %w", buf.id, err)
	}

	m.mu.Lock()
	m.stats.BytesDownloaded += int64(len(out))
	m.mu.Unlock()
	return nil
}

// Release returns buf to the device. Releasing twice is a no-op.
func (m *Manager) Release(buf *Buffer) error {
	if buf == nil {
		return nil
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	switch buf.state {
	case BufferReleased:
		return nil
	case BufferBusy:
		return fmt.Errorf("%w: %s held by %s", ErrBufferBusy, buf.id, buf.owner)
	}
	return m.release(buf)
}

// release frees buf; the caller holds buf.mu
func (m *Manager) release(buf *Buffer) error {
	buf.state = BufferReleased
	err := buf.region.Release()

	m.mu.Lock()
	delete(m.buffers, buf.id)
	m.stats.Releases++
	m.stats.LiveBuffers--
	m.stats.LiveBytes -= int64(buf.size)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"buffer": buf.id, "bytes": buf.size}).Debug("buffer released")
	if err != nil {
		return fmt.Errorf("release %s: %w", buf.id, err)
	}
	return nil
}

// ReleaseAll drains the queue and frees every buffer, including buffers still
// owned by an invocation that was abandoned.
func (m *Manager) ReleaseAll() error {
	var errs []error
	if err := m.queue.Finish(); err != nil && !errors.Is(err, ErrQueueClosed) {
		errs = append(errs, fmt.Errorf("finish queue: %w", err))
	}

	m.mu.Lock()
	bufs := make([]*Buffer, 0, len(m.buffers))
	for _, b := range m.buffers {
		bufs = append(bufs, b)
	}
	m.mu.Unlock()

	for _, b := range bufs {
		b.mu.Lock()
		if b.state != BufferReleased {
			if err := m.release(b); err != nil {
				errs = append(errs, err)
			}
		}
		b.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the statistics
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Execution is a submitted invocation
type Execution struct {
	inv    *Invocation
	ev     Event
	bufs   map[*Buffer]bool
	log    logrus.FieldLogger
	mu     sync.Mutex
	done   bool
	err    error
	waited time.Duration
}

// Invoke submits inv to the queue. Its buffers belong to the invocation until
// Wait returns.
func (m *Manager) Invoke(inv *Invocation) (*Execution, error) {
	if inv == nil {
		return nil, fmt.Errorf("%w: nil invocation", ErrBinding)
	}
	bufs := inv.buffers()
	var taken []*Buffer
	for b, writes := range bufs {
		if err := m.owns(b); err != nil {
			m.giveBack(inv, taken)
			return nil, fmt.Errorf("%w: %w", ErrBinding, err)
		}
		if err := b.acquire(inv.id, writes); err != nil {
			m.giveBack(inv, taken)
			return nil, err
		}
		taken = append(taken, b)
	}

	ev, err := m.queue.EnqueueKernel(inv)
	if err != nil {
		m.giveBack(inv, taken)
		return nil, fmt.Errorf("%w: enqueue %s: %w", ErrInvocationFailed, inv.kernel.Name(), err)
	}

	m.mu.Lock()
	m.stats.Invocations++
	m.mu.Unlock()

	log := m.log.WithFields(logrus.Fields{"kernel": inv.kernel.Name(), "invocation": inv.id})
	log.Debug("invocation submitted")
	return &Execution{inv: inv, ev: ev, bufs: bufs, log: log}, nil
}

func (m *Manager) giveBack(inv *Invocation, bufs []*Buffer) {
	for _, b := range bufs {
		b.restore(inv.id, false)
	}
}

// Wait blocks until the invocation completed and returns buffer ownership to
// the host. If ctx ends first the buffers stay with the invocation.
func (e *Execution) Wait(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return e.err
	}

	start := time.Now()
	if err := e.ev.Wait(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return err
		}
		e.err = fmt.Errorf("%w: %s: %w", ErrInvocationFailed, e.inv.kernel.Name(), err)
	}
	e.waited = time.Since(start)
	e.done = true
	for b := range e.bufs {
		b.restore(e.inv.id, e.err == nil)
	}
	if e.err != nil {
		e.log.WithError(e.err).Warn("invocation failed")
	} else {
		e.log.WithField("wait_ms", float64(e.waited.Microseconds())/1000).Debug("invocation completed")
	}
	return e.err
}

// Profile returns the device-clock start and end of the kernel
func (e *Execution) Profile() (start, end uint64, err error) {
	return e.ev.Profile()
}

// Duration is end minus start of the kernel in the device clock
func (e *Execution) Duration() (time.Duration, error) {
	start, end, err := e.ev.Profile()
	if err != nil {
		return 0, err
	}
	if end < start {
		return 0, fmt.Errorf("device clock went backwards: start %d end %d", start, end)
	}
	return time.Duration(end - start), nil
}

// Release frees the completion handle
func (e *Execution) Release() {
	e.ev.Release()
}
