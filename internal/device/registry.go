package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// OpenConfig is handed to a backend when a device context is opened
type OpenConfig struct {
	// Kernels are the in-process entry points. Backends that compile their
	// own program ignore them.
	Kernels []HostKernel

	// MemoryBudget caps reserved bytes; zero means the backend default
	MemoryBudget int64

	// Index selects among several devices of the backend
	Index int

	// Defines are compile-time constants for backends that build their own
	// program from source
	Defines map[string]string

	Log logrus.FieldLogger
}

// Opener opens a device context of one backend
type Opener func(cfg OpenConfig) (Device, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Opener)
)

// Register makes a backend available under name
func Register(name string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = open
}

// Open opens a device context of the named backend
func Open(name string, cfg OpenConfig) (Device, error) {
	backendsMu.RLock()
	open, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend %q not available (have %v)", ErrNoDevice, name, Backends())
	}
	return open(cfg)
}

// Backends returns the registered backend names in sorted order
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
