package device

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// BufferState tracks who owns a buffer
type BufferState int

const (
	// BufferLive means the host owns the buffer.
	BufferLive BufferState = iota

	// BufferBusy means a submitted invocation owns the buffer.
	BufferBusy

	// BufferReleased means the region has been returned to the device.
	BufferReleased
)

func (s BufferState) String() string {
	switch s {
	case BufferLive:
		return "Live"
	case BufferBusy:
		return "Busy"
	case BufferReleased:
		return "Released"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Buffer is a device memory region of exact length. Buffers are created by a
// Manager and must not be copied.
type Buffer struct {
	id     uuid.UUID
	size   int
	mode   AccessMode
	region Region

	mu    sync.Mutex
	state BufferState
	owner uuid.UUID // invocation holding the buffer while Busy
	stale bool      // a writing invocation has not been waited on
}

// ID returns the opaque handle
func (b *Buffer) ID() uuid.UUID { return b.id }

// Len returns the exact byte length
func (b *Buffer) Len() int { return b.size }

// Mode returns the kernel access mode
func (b *Buffer) Mode() AccessMode { return b.mode }

// Region returns the backend memory. Backends use it to resolve arguments.
func (b *Buffer) Region() Region { return b.region }

// State returns the ownership state
func (b *Buffer) State() BufferState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buffer %s (%d bytes, %v)", b.id, b.size, b.mode)
}

// checkHost verifies that the host may touch the buffer now
func (b *Buffer) checkHost() error {
	switch b.state {
	case BufferReleased:
		return fmt.Errorf("%w: %s", ErrReleased, b.id)
	case BufferBusy:
		return fmt.Errorf("%w: %s held by %s", ErrBufferBusy, b.id, b.owner)
	}
	return nil
}

// acquire hands the buffer to an invocation
func (b *Buffer) acquire(inv uuid.UUID, writes bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkHost(); err != nil {
		return err
	}
	b.state = BufferBusy
	b.owner = inv
	if writes {
		b.stale = true
	}
	return nil
}

// restore gives the buffer back to the host once inv completed
func (b *Buffer) restore(inv uuid.UUID, completed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BufferBusy || b.owner != inv {
		return
	}
	b.state = BufferLive
	b.owner = uuid.Nil
	if completed {
		b.stale = false
	}
}
