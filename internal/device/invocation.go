package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ArgKind is the type of one kernel parameter
type ArgKind int

const (
	ArgBuffer ArgKind = iota
	ArgInt32
	ArgUint8
)

func (k ArgKind) String() string {
	switch k {
	case ArgBuffer:
		return "buffer"
	case ArgInt32:
		return "int32"
	case ArgUint8:
		return "uint8"
	default:
		return fmt.Sprintf("ArgKind(%d)", int(k))
	}
}

// Param declares one kernel parameter. Access applies to buffer parameters
// and is the kernel's view of the memory.
type Param struct {
	Name   string
	Kind   ArgKind
	Access AccessMode
}

// Signature is the ordered parameter list of a kernel
type Signature []Param

func (s Signature) String() string {
	parts := make([]string, len(s))
	for i, p := range s {
		parts[i] = p.Name + " " + p.Kind.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Arg is one bound argument
type Arg struct {
	Kind   ArgKind
	Buffer *Buffer
	Int32  int32
	Uint8  uint8
}

// Builder accumulates arguments for a kernel in declaration order. The first
// error sticks and is reported by Build.
type Builder struct {
	kernel Kernel
	sig    Signature
	args   []Arg
	err    error
}

// Bind starts an argument list for k
func Bind(k Kernel) *Builder {
	b := &Builder{kernel: k}
	if k == nil {
		b.err = fmt.Errorf("%w: nil kernel", ErrBinding)
		return b
	}
	b.sig = k.Signature()
	return b
}

func (b *Builder) next(kind ArgKind) (Param, bool) {
	if b.err != nil {
		return Param{}, false
	}
	i := len(b.args)
	if i >= len(b.sig) {
		b.err = fmt.Errorf("%w: %s takes %d arguments, got more", ErrBinding, b.kernel.Name(), len(b.sig))
		return Param{}, false
	}
	p := b.sig[i]
	if p.Kind != kind {
		b.err = fmt.Errorf("%w: %s argument %d (%s) is %v, got %v",
			ErrBinding, b.kernel.Name(), i, p.Name, p.Kind, kind)
		return Param{}, false
	}
	return p, true
}

// Buffer binds a buffer argument
func (b *Builder) Buffer(buf *Buffer) *Builder {
	p, ok := b.next(ArgBuffer)
	if !ok {
		return b
	}
	switch {
	case buf == nil:
		b.err = fmt.Errorf("%w: %s argument %s: nil buffer", ErrBinding, b.kernel.Name(), p.Name)
	case buf.State() == BufferReleased:
		b.err = fmt.Errorf("%w: %s argument %s: %w", ErrBinding, b.kernel.Name(), p.Name, ErrReleased)
	case p.Access.readable() && !buf.Mode().readable(),
		p.Access.writable() && !buf.Mode().writable():
		b.err = fmt.Errorf("%w: %s argument %s needs %v access, buffer is %v",
			ErrBinding, b.kernel.Name(), p.Name, p.Access, buf.Mode())
	default:
		b.args = append(b.args, Arg{Kind: ArgBuffer, Buffer: buf})
	}
	return b
}

// Int32 binds a 32-bit integer argument
func (b *Builder) Int32(v int32) *Builder {
	if _, ok := b.next(ArgInt32); ok {
		b.args = append(b.args, Arg{Kind: ArgInt32, Int32: v})
	}
	return b
}

// Uint8 binds an 8-bit unsigned argument
func (b *Builder) Uint8(v uint8) *Builder {
	if _, ok := b.next(ArgUint8); ok {
		b.args = append(b.args, Arg{Kind: ArgUint8, Uint8: v})
	}
	return b
}

// Build returns the immutable invocation or the first binding error
func (b *Builder) Build() (*Invocation, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.args) != len(b.sig) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d",
			ErrBinding, b.kernel.Name(), len(b.sig), len(b.args))
	}
	return &Invocation{
		id:     uuid.New(),
		kernel: b.kernel,
		args:   append([]Arg(nil), b.args...),
	}, nil
}

// Invocation is a kernel with a complete, type-checked argument list
type Invocation struct {
	id     uuid.UUID
	kernel Kernel
	args   []Arg
}

func (inv *Invocation) ID() uuid.UUID  { return inv.id }
func (inv *Invocation) Kernel() Kernel { return inv.kernel }
func (inv *Invocation) NumArgs() int   { return len(inv.args) }
func (inv *Invocation) Arg(i int) Arg  { return inv.args[i] }
func (inv *Invocation) Args() []Arg    { return append([]Arg(nil), inv.args...) }

// buffers returns each distinct buffer argument with whether the kernel writes it
func (inv *Invocation) buffers() map[*Buffer]bool {
	out := make(map[*Buffer]bool)
	sig := inv.kernel.Signature()
	for i, a := range inv.args {
		if a.Kind == ArgBuffer {
			out[a.Buffer] = out[a.Buffer] || sig[i].Access.writable()
		}
	}
	return out
}
