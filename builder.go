package kprobe

import (
	"fmt"

	"github.com/DragonOS-Community/go-kprobe/text"
)

// Builder accumulates the fields of a probe and validates them at the
// terminal call. Symbol, SymbolAddr and Offset are required; the three
// handlers are optional. A builder is consumed exactly once, by Build
// or by the registry's Register.
type Builder struct {
	symbol        string
	symbolAddr    uint64
	hasSymbolAddr bool
	offset        uint64
	hasOffset     bool

	pre   Handler
	post  Handler
	fault Handler

	consumed bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Symbol sets the symbol name the target address was resolved from.
func (b *Builder) Symbol(name string) *Builder {
	b.symbol = name
	return b
}

// SymbolAddr sets the resolved address of the symbol.
func (b *Builder) SymbolAddr(addr uint64) *Builder {
	b.symbolAddr = addr
	b.hasSymbolAddr = true
	return b
}

// Offset sets the byte offset from the symbol address to the probed
// instruction. Zero is a valid offset but must be set explicitly.
func (b *Builder) Offset(off uint64) *Builder {
	b.offset = off
	b.hasOffset = true
	return b
}

// PreHandler sets the callback run before the original instruction.
func (b *Builder) PreHandler(fn Handler) *Builder {
	b.pre = fn
	return b
}

// PostHandler sets the callback run after the out-of-line single step.
func (b *Builder) PostHandler(fn Handler) *Builder {
	b.post = fn
	return b
}

// FaultHandler sets the callback run when a fault is raised inside the
// pre-handler, the single-stepped instruction, or the post-handler.
func (b *Builder) FaultHandler(fn Handler) *Builder {
	b.fault = fn
	return b
}

// Address returns the probed instruction address, symbol address plus
// offset, regardless of validation state.
func (b *Builder) Address() uint64 {
	return b.symbolAddr + b.offset
}

// Validate checks that every required field is set.
func (b *Builder) Validate() error {
	if b.symbol == "" {
		return MissingFieldError{Field: "symbol"}
	}
	if !b.hasSymbolAddr {
		return MissingFieldError{Field: "symbol_addr"}
	}
	if !b.hasOffset {
		return MissingFieldError{Field: "offset"}
	}
	return nil
}

// Kprobe validates the builder and consumes it, producing the logical
// probe. An unset fault handler is replaced with a no-op so handler
// dispatch never branches on presence.
func (b *Builder) Kprobe() (*Kprobe, error) {
	if b.consumed {
		return nil, ErrBuilderConsumed
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	b.consumed = true

	fault := b.fault
	hasFault := fault != nil
	if fault == nil {
		fault = func(ProbeArgs) {}
	}
	return &Kprobe{
		symbol:     b.symbol,
		symbolAddr: b.symbolAddr,
		offset:     b.offset,
		pre:        b.pre,
		post:       b.post,
		fault:      fault,
		hasFault:   hasFault,
	}, nil
}

// Build validates the builder, patches the target address through the
// engine, and returns a self-contained installed probe owning its patch
// point. Build bypasses the registry and therefore never shares patch
// points; use the manager when several probes may target one address.
//
// A failed build is transactional: either the returned probe is live
// and patched, or no trace of the attempt remains in the image.
func (b *Builder) Build(engine Engine, img text.Image) (*Probe, error) {
	k, err := b.Kprobe()
	if err != nil {
		return nil, err
	}
	point, err := engine.Patch(img, k.Address())
	if err != nil {
		return nil, fmt.Errorf("install probe %s+%#x: %w", k.symbol, k.offset, err)
	}
	return NewProbe(k, point), nil
}
