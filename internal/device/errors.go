package device

import (
	"errors"
	"fmt"

	"medimg-accel/internal/core"
)

// Device errors.
var (
	// ErrNoDevice is returned when no device of the requested backend is present.
	ErrNoDevice = errors.New("device: no device available")

	// ErrResourceExhausted is returned when a region cannot be reserved.
	ErrResourceExhausted = errors.New("device: resource exhausted")

	// ErrLengthMismatch is returned when host and device lengths differ.
	ErrLengthMismatch = fmt.Errorf("device: length mismatch: %w", core.ErrValidation)

	// ErrNotReady is returned when a buffer is read before its writer completed.
	ErrNotReady = errors.New("device: buffer not ready")

	// ErrReleased is returned on any use of a released buffer.
	ErrReleased = errors.New("device: buffer released")

	// ErrBufferBusy is returned while an invocation owns the buffer.
	ErrBufferBusy = errors.New("device: buffer owned by an invocation")

	// ErrKernelNotFound is returned when the program has no such entry point.
	ErrKernelNotFound = errors.New("device: kernel not found")

	// ErrBinding is returned when arguments do not match the kernel signature.
	ErrBinding = errors.New("device: argument binding error")

	// ErrInvocationFailed is returned when a kernel reports failure.
	ErrInvocationFailed = errors.New("device: invocation failed")

	// ErrQueueClosed is returned when commands are enqueued after Release.
	ErrQueueClosed = errors.New("device: command queue released")

	// ErrProfilingDisabled is returned by Event.Profile on a queue created without profiling.
	ErrProfilingDisabled = errors.New("device: profiling not enabled on queue")
)
