// Package text models the memory that probes patch: an addressable span
// of instruction bytes plus the atomic code-patch primitive the engines
// rely on.
//
// All addresses are image-relative. Two implementations are provided:
// Buffer, a heap-backed image for hosted or emulated execution, and
// ExecImage (linux), an anonymous read/write/execute mapping for callers
// that run patched code natively.
//
// # Patch ordering contract
//
// PatchText publishes new instruction bytes with a single naturally
// aligned atomic store followed by a store fence. Any reader that
// begins after PatchText returns observes the new bytes in full; a
// torn instruction is never observable. A reader already in flight at
// the moment of the store is outside the contract; closing that window
// needs a cross-processor synchronization step this package does not
// provide.
//
// Writers are not synchronized against each other: the probe registry
// serialises all patches of an image under its lock.
package text

import (
	"errors"
	"io"
	"sync/atomic"
	"unsafe"
)

// ErrOutOfRange is returned for accesses outside the image.
var ErrOutOfRange = errors.New("text: address out of range")

// ErrBadPatch is returned when PatchText is given a patch it cannot
// publish with a single store: more than 8 bytes, an odd length over 1,
// or a span crossing an aligned 8-byte boundary.
var ErrBadPatch = errors.New("text: patch not publishable with a single aligned store")

// Image is an addressable span of instruction memory.
type Image interface {
	// Size returns the image size in bytes.
	Size() uint64

	// ReadAt reads len(p) bytes starting at addr. A read truncated by
	// the end of the image returns the bytes read and io.EOF, the
	// io.ReaderAt convention.
	ReadAt(p []byte, addr uint64) (int, error)

	// WriteAt writes len(p) bytes starting at addr. WriteAt carries no
	// atomicity guarantee; it is for bytes no CPU can be fetching, such
	// as a scratch slot that is not yet published.
	WriteAt(p []byte, addr uint64) (int, error)

	// PatchText atomically publishes new instruction bytes at addr.
	// See the package comment for the ordering contract.
	PatchText(addr uint64, insn []byte) error

	// Sync makes [addr, addr+n) visible to subsequent instruction
	// fetches. On images whose readers fetch through data loads this is
	// a fence; on natively executed images it is the architecture's
	// instruction-pipeline synchronization.
	Sync(addr uint64, n int) error
}

// mem is the shared backing-slice implementation used by Buffer and
// ExecImage. The slice must be 8-byte aligned.
type mem struct {
	b []byte
}

func (m *mem) size() uint64 { return uint64(len(m.b)) }

func (m *mem) readAt(p []byte, addr uint64) (int, error) {
	if addr >= uint64(len(m.b)) {
		return 0, ErrOutOfRange
	}
	n := copy(p, m.b[addr:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *mem) writeAt(p []byte, addr uint64) (int, error) {
	if addr >= uint64(len(m.b)) || uint64(len(p)) > uint64(len(m.b))-addr {
		return 0, ErrOutOfRange
	}
	return copy(m.b[addr:], p), nil
}

// patchText is the code-patch primitive. The patch is spliced into the
// containing aligned 8-byte word, which is then published with a single
// atomic store: the registry lock makes the read-modify-write safe and
// the atomic store makes the transition untearable for readers.
//
// A patch that crosses an aligned 8-byte boundary cannot be published
// with one store and is rejected. (A 4-byte RISC-V instruction at an
// address equal to 6 mod 8 hits this; real kernels stop all cores to
// patch such a site, which is outside this package's contract.)
//
// Byte splicing assumes a little-endian host, which covers every
// architecture this engine models or runs on.
func (m *mem) patchText(addr uint64, insn []byte) error {
	n := uint64(len(insn))
	if addr >= uint64(len(m.b)) || n > uint64(len(m.b))-addr {
		return ErrOutOfRange
	}
	if n == 0 || n > 8 || (n > 1 && (n%2 != 0 || addr%2 != 0)) {
		return ErrBadPatch
	}
	off := addr & 7
	if off+n > 8 {
		return ErrBadPatch
	}

	word := (*uint64)(unsafe.Add(unsafe.Pointer(&m.b[0]), uintptr(addr&^7)))

	var mask, val uint64
	for i := uint64(0); i < n; i++ {
		shift := (off + i) * 8
		mask |= 0xff << shift
		val |= uint64(insn[i]) << shift
	}
	atomic.StoreUint64(word, *word&^mask|val)
	return nil
}

// alignedBytes allocates an 8-byte-aligned byte slice.
func alignedBytes(size uint64) []byte {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}
