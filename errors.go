package kprobe

import (
	"errors"
	"fmt"
)

// ErrBuilderConsumed is returned when a Builder is built or installed
// more than once. A builder is consumed by its terminal call.
var ErrBuilderConsumed = errors.New("kprobe: builder already consumed")

// MissingFieldError is returned at build time when a required builder
// field was not set. Probe construction never panics on bad input.
type MissingFieldError struct {
	Field string
}

func (e MissingFieldError) Error() string {
	return fmt.Sprintf("kprobe: required builder field %q not set", e.Field)
}

// DecodeError is returned when the instruction at the target address
// cannot be classified or measured. Install aborts with no memory side
// effects.
type DecodeError struct {
	Addr uint64
	Err  error
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("kprobe: cannot decode instruction at %#x: %v", e.Addr, e.Err)
}

func (e DecodeError) Unwrap() error { return e.Err }

// PatchMismatchError is returned on removal when the bytes at the
// target address no longer hold the expected trap instruction. This
// indicates memory corruption or a double removal; the saved bytes are
// not written back.
type PatchMismatchError struct {
	Addr uint64
	Want []byte
	Got  []byte
}

func (e PatchMismatchError) Error() string {
	return fmt.Sprintf("kprobe: unexpected bytes at %#x on removal: want % x, got % x",
		e.Addr, e.Want, e.Got)
}

// AddressBusyError is returned when a probe targets an address that is
// already patched and the architecture engine does not share patch
// points.
type AddressBusyError struct {
	Addr uint64
}

func (e AddressBusyError) Error() string {
	return fmt.Sprintf("kprobe: address %#x is already probed and this architecture does not share patch points", e.Addr)
}
