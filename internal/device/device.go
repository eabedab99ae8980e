// Package device manages device memory, kernel argument binding and command
// submission for a streaming compute device.
package device

import (
	"context"
	"fmt"
)

// Type represents the kind of compute device
type Type int

const (
	TypeSim Type = iota
	TypeCPU
	TypeGPU
	TypeAccelerator
)

func (t Type) String() string {
	switch t {
	case TypeSim:
		return "Sim"
	case TypeCPU:
		return "CPU"
	case TypeGPU:
		return "GPU"
	case TypeAccelerator:
		return "Accelerator"
	default:
		return "Unknown"
	}
}

// AccessMode is how a kernel may touch a buffer. Host transfers are allowed
// in every mode.
type AccessMode int

const (
	ReadOnly AccessMode = iota
	WriteOnly
	ReadWrite
)

func (m AccessMode) String() string {
	switch m {
	case ReadOnly:
		return "ReadOnly"
	case WriteOnly:
		return "WriteOnly"
	case ReadWrite:
		return "ReadWrite"
	default:
		return fmt.Sprintf("AccessMode(%d)", int(m))
	}
}

func (m AccessMode) readable() bool { return m != WriteOnly }
func (m AccessMode) writable() bool { return m != ReadOnly }

// Region is device memory reserved by a backend
type Region interface {
	Len() int
	Release() error
}

// Device represents a compute device with its loaded program
type Device interface {
	// Name returns a human-readable device name
	Name() string

	// Type returns the device type
	Type() Type

	// Alloc reserves size bytes; it never partially allocates
	Alloc(size int, mode AccessMode) (Region, error)

	// Kernel looks up an entry point of the loaded program
	Kernel(name string) (Kernel, error)

	// NewQueue creates an in-order command queue
	NewQueue(profiling bool) (Queue, error)

	// MemoryUsage returns reserved and total bytes
	MemoryUsage() (int64, int64)

	// Close releases the device context
	Close() error
}

// Kernel is a loaded entry point
type Kernel interface {
	Name() string
	Signature() Signature
}

// Queue is an in-order command queue: commands run one at a time in
// submission order.
type Queue interface {
	EnqueueWrite(r Region, src []byte) (Event, error)
	EnqueueRead(r Region, dst []byte) (Event, error)
	EnqueueKernel(inv *Invocation) (Event, error)

	// Finish blocks until every enqueued command has completed
	Finish() error
	Release() error
}

// Event is the completion handle of one command
type Event interface {
	// Wait blocks until the command completes or ctx is done. A command
	// keeps running after ctx is done.
	Wait(ctx context.Context) error

	// Profile returns start and end in nanoseconds of the device clock
	Profile() (start, end uint64, err error)

	Release()
}

// Value is a bound argument as seen by an in-process kernel
type Value struct {
	Kind  ArgKind
	Mem   []byte // buffer contents, ArgBuffer only
	Int32 int32
	Uint8 uint8
}

// HostKernel is a kernel implemented in-process over mapped device memory
type HostKernel struct {
	Name      string
	Signature Signature
	Run       func(ctx context.Context, args []Value) error
}
