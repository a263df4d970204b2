// Package x86 implements the kprobe patch engine for the x86-64
// variable-length ISA.
//
// Install replaces only the first byte of the target instruction with
// int3. Because a single byte changes, no other core can observe a torn
// instruction regardless of the original encoding's length. The full
// original encoding is copied into a scratch slot followed by a second
// int3, so the out-of-line single step re-traps deterministically at
// the debug address.
package x86

import (
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"

	"github.com/DragonOS-Community/go-kprobe"
	"github.com/DragonOS-Community/go-kprobe/text"
)

const (
	// maxInstructionLen is the architectural limit on one x86
	// instruction encoding.
	maxInstructionLen = 15

	// breakpointOpcode is int3.
	breakpointOpcode = 0xCC
)

// Engine is the x86-64 patch engine. Patch points are shareable: many
// logical probes at one address hold references to a single point.
type Engine struct {
	pool *text.ScratchPool
}

// NewEngine returns an engine allocating scratch slots from pool.
func NewEngine(pool *text.ScratchPool) *Engine {
	return &Engine{pool: pool}
}

func (e *Engine) ISA() kprobe.ISA { return kprobe.ISAX86_64 }

func (e *Engine) MaxInstructionLen() int { return maxInstructionLen }

func (e *Engine) Shareable() bool { return true }

// Patch installs an int3 at addr. On any error nothing is left patched
// and the scratch slot is returned to the pool.
func (e *Engine) Patch(img text.Image, addr uint64) (kprobe.ProbePoint, error) {
	var buf [maxInstructionLen]byte
	n, err := img.ReadAt(buf[:], addr)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read %d bytes at %#x: %w", len(buf), addr, err)
	}
	if n == 0 {
		return nil, kprobe.DecodeError{Addr: addr, Err: io.ErrUnexpectedEOF}
	}

	inst, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		return nil, kprobe.DecodeError{Addr: addr, Err: err}
	}
	length := inst.Len

	scratch, err := e.pool.Alloc(length + 1)
	if err != nil {
		return nil, fmt.Errorf("allocate scratch for %#x: %w", addr, err)
	}

	// Assemble the out-of-line slot before publishing anything: the
	// original encoding, then int3 so the single step re-traps.
	slot := make([]byte, length+1)
	copy(slot, buf[:length])
	slot[length] = breakpointOpcode
	if _, err := img.WriteAt(slot, scratch); err != nil {
		e.pool.Free(scratch, length+1)
		return nil, fmt.Errorf("write scratch at %#x: %w", scratch, err)
	}
	if err := img.Sync(scratch, length+1); err != nil {
		e.pool.Free(scratch, length+1)
		return nil, fmt.Errorf("sync scratch at %#x: %w", scratch, err)
	}

	if err := img.PatchText(addr, []byte{breakpointOpcode}); err != nil {
		e.pool.Free(scratch, length+1)
		return nil, fmt.Errorf("patch int3 at %#x: %w", addr, err)
	}
	if err := img.Sync(addr, 1); err != nil {
		// Undo the already-published byte so a failed install leaves
		// no trace.
		_ = img.PatchText(addr, buf[:1])
		e.pool.Free(scratch, length+1)
		return nil, fmt.Errorf("sync %#x: %w", addr, err)
	}

	p := &point{
		img:     img,
		pool:    e.pool,
		addr:    addr,
		length:  length,
		scratch: scratch,
	}
	copy(p.saved[:], buf[:length])
	return p, nil
}

// point is the physical patch record for one x86 address. Several
// probes may share it; the registry refcounts it and calls Release
// exactly once, when the last reference drops.
type point struct {
	img     text.Image
	pool    *text.ScratchPool
	addr    uint64
	saved   [maxInstructionLen]byte
	length  int
	scratch uint64
}

func (p *point) BreakAddress() uint64      { return p.addr }
func (p *point) ReturnAddress() uint64     { return p.addr + uint64(p.length) }
func (p *point) SingleStepAddress() uint64 { return p.scratch }
func (p *point) DebugAddress() uint64      { return p.scratch + uint64(p.length) }
func (p *point) InstructionLen() int       { return p.length }

func (p *point) SavedBytes() []byte {
	out := make([]byte, p.length)
	copy(out, p.saved[:p.length])
	return out
}

// Release restores the original first byte over the int3 and frees the
// scratch slot. The trailing saved bytes were never modified, so
// republishing the first byte restores the instruction bit for bit.
func (p *point) Release() error {
	var got [1]byte
	if _, err := p.img.ReadAt(got[:], p.addr); err != nil && err != io.EOF {
		return fmt.Errorf("read %#x on removal: %w", p.addr, err)
	}
	if got[0] != breakpointOpcode {
		return kprobe.PatchMismatchError{
			Addr: p.addr,
			Want: []byte{breakpointOpcode},
			Got:  []byte{got[0]},
		}
	}

	if err := p.img.PatchText(p.addr, p.saved[:1]); err != nil {
		return fmt.Errorf("restore %#x: %w", p.addr, err)
	}
	if err := p.img.Sync(p.addr, 1); err != nil {
		return fmt.Errorf("sync %#x: %w", p.addr, err)
	}
	p.pool.Free(p.scratch, p.length+1)
	return nil
}
