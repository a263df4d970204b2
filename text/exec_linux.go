//go:build linux

package text

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ExecImage is an anonymous read/write/execute mapping for callers that
// execute patched code natively. Addresses remain image-relative; Base
// exposes the mapping's virtual address for callers that jump into it.
type ExecImage struct {
	mem
}

// NewExecImage maps size bytes of anonymous RWX memory.
func NewExecImage(size uint64) (*ExecImage, error) {
	if size == 0 {
		return nil, fmt.Errorf("text: exec image size must be non-zero")
	}
	b, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("text: mmap %d bytes rwx: %w", size, err)
	}
	return &ExecImage{mem: mem{b: b}}, nil
}

// Close unmaps the image. The image must not be accessed afterwards.
func (e *ExecImage) Close() error {
	if e.mem.b == nil {
		return nil
	}
	b := e.mem.b
	e.mem.b = nil
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("text: munmap: %w", err)
	}
	return nil
}

// Base returns the virtual address of image offset zero.
func (e *ExecImage) Base() uintptr {
	return uintptr(unsafe.Pointer(&e.mem.b[0]))
}

func (e *ExecImage) Size() uint64 { return e.mem.size() }

func (e *ExecImage) ReadAt(p []byte, addr uint64) (int, error) {
	return e.mem.readAt(p, addr)
}

func (e *ExecImage) WriteAt(p []byte, addr uint64) (int, error) {
	return e.mem.writeAt(p, addr)
}

func (e *ExecImage) PatchText(addr uint64, insn []byte) error {
	return e.mem.patchText(addr, insn)
}

// Sync publishes [addr, addr+n) to instruction fetch. On x86-64 the
// instruction cache is coherent with data stores, so the fence issued
// by PatchText suffices; self-modifying native execution on other
// architectures would additionally need an icache flush this method
// does not perform.
func (e *ExecImage) Sync(addr uint64, n int) error {
	return nil
}
