// Package riscv implements the kprobe patch engine for RV64 with the
// compressed extension: instructions are 16 or 32 bits wide and the
// trap opcode must match the width of the instruction it replaces, so
// the live encoding's length never changes.
//
// The scratch slot holds the original opcode followed immediately by a
// trap opcode of the same width. Redirecting the trap frame PC to the
// slot executes the real instruction once and then re-traps at the
// debug address. Instruction memory writes require explicit pipeline
// synchronization on this architecture, so a barrier covering both the
// live address and the scratch slot runs after every install and
// uninstall.
package riscv

import (
	"fmt"
	"io"

	"github.com/DragonOS-Community/go-kprobe"
	"github.com/DragonOS-Community/go-kprobe/text"
)

const (
	// ebreakOpcode is the 32-bit EBREAK encoding.
	ebreakOpcode uint32 = 0x00100073

	// cEbreakOpcode is the 16-bit C.EBREAK encoding.
	cEbreakOpcode uint16 = 0x9002

	maxInstructionLen = 4
)

// Engine is the RV64 patch engine. Patch points are owned one-to-one
// by their probe; a second probe at a patched address is rejected by
// the registry.
type Engine struct {
	pool *text.ScratchPool
}

// NewEngine returns an engine allocating scratch slots from pool.
func NewEngine(pool *text.ScratchPool) *Engine {
	return &Engine{pool: pool}
}

func (e *Engine) ISA() kprobe.ISA { return kprobe.ISARISCV64 }

func (e *Engine) MaxInstructionLen() int { return maxInstructionLen }

func (e *Engine) Shareable() bool { return false }

// InstructionWidth classifies the encoding that starts with b0: 2 for a
// compressed instruction, 4 for a standard one. Wider encodings from
// the reserved >32-bit space are reported as undecodable.
func InstructionWidth(b0 byte) (int, error) {
	if b0&0x03 != 0x03 {
		return 2, nil
	}
	if b0&0x1f != 0x1f {
		return 4, nil
	}
	return 0, fmt.Errorf("reserved wide encoding (first byte %#02x)", b0)
}

// Patch installs an EBREAK of matching width at addr. On any error
// nothing is left patched and the scratch slot is returned to the pool.
func (e *Engine) Patch(img text.Image, addr uint64) (kprobe.ProbePoint, error) {
	var buf [maxInstructionLen]byte
	n, err := img.ReadAt(buf[:], addr)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read %d bytes at %#x: %w", len(buf), addr, err)
	}
	if n == 0 {
		return nil, kprobe.DecodeError{Addr: addr, Err: io.ErrUnexpectedEOF}
	}

	width, err := InstructionWidth(buf[0])
	if err != nil {
		return nil, kprobe.DecodeError{Addr: addr, Err: err}
	}
	if n < width {
		return nil, kprobe.DecodeError{Addr: addr, Err: io.ErrUnexpectedEOF}
	}

	trap := trapBytes(width)

	scratch, err := e.pool.Alloc(2 * width)
	if err != nil {
		return nil, fmt.Errorf("allocate scratch for %#x: %w", addr, err)
	}

	// Original opcode, then a trap of the same width, back to back.
	slot := make([]byte, 2*width)
	copy(slot, buf[:width])
	copy(slot[width:], trap)
	if _, err := img.WriteAt(slot, scratch); err != nil {
		e.pool.Free(scratch, 2*width)
		return nil, fmt.Errorf("write scratch at %#x: %w", scratch, err)
	}

	if err := img.PatchText(addr, trap); err != nil {
		e.pool.Free(scratch, 2*width)
		return nil, fmt.Errorf("patch ebreak at %#x: %w", addr, err)
	}
	if err := syncBoth(img, addr, scratch, width); err != nil {
		_ = img.PatchText(addr, buf[:width])
		e.pool.Free(scratch, 2*width)
		return nil, err
	}

	p := &point{
		img:     img,
		pool:    e.pool,
		addr:    addr,
		width:   width,
		scratch: scratch,
	}
	copy(p.saved[:], buf[:width])
	return p, nil
}

func trapBytes(width int) []byte {
	if width == 2 {
		return []byte{byte(cEbreakOpcode & 0xff), byte(cEbreakOpcode >> 8)}
	}
	return []byte{
		byte(ebreakOpcode & 0xff),
		byte((ebreakOpcode >> 8) & 0xff),
		byte(ebreakOpcode >> 16),
		byte(ebreakOpcode >> 24),
	}
}

// syncBoth issues the pipeline barrier over the live address and the
// scratch slot. Both ranges must be covered after install and after
// uninstall.
func syncBoth(img text.Image, addr, scratch uint64, width int) error {
	if err := img.Sync(addr, width); err != nil {
		return fmt.Errorf("sync %#x: %w", addr, err)
	}
	if err := img.Sync(scratch, 2*width); err != nil {
		return fmt.Errorf("sync scratch %#x: %w", scratch, err)
	}
	return nil
}

// point is the physical patch record for one RV64 address, owned by a
// single probe. The saved opcode is held by value; there is no separate
// saved-bytes buffer beyond it.
type point struct {
	img     text.Image
	pool    *text.ScratchPool
	addr    uint64
	saved   [maxInstructionLen]byte
	width   int
	scratch uint64
}

func (p *point) BreakAddress() uint64      { return p.addr }
func (p *point) ReturnAddress() uint64     { return p.addr + uint64(p.width) }
func (p *point) SingleStepAddress() uint64 { return p.scratch }
func (p *point) DebugAddress() uint64      { return p.scratch + uint64(p.width) }
func (p *point) InstructionLen() int       { return p.width }

func (p *point) SavedBytes() []byte {
	out := make([]byte, p.width)
	copy(out, p.saved[:p.width])
	return out
}

// Release restores the saved opcode over the live trap and issues the
// barrier over both ranges before freeing the scratch slot.
func (p *point) Release() error {
	want := trapBytes(p.width)
	got := make([]byte, p.width)
	if _, err := p.img.ReadAt(got, p.addr); err != nil && err != io.EOF {
		return fmt.Errorf("read %#x on removal: %w", p.addr, err)
	}
	for i := range want {
		if got[i] != want[i] {
			return kprobe.PatchMismatchError{Addr: p.addr, Want: want, Got: got}
		}
	}

	if err := p.img.PatchText(p.addr, p.saved[:p.width]); err != nil {
		return fmt.Errorf("restore %#x: %w", p.addr, err)
	}
	if err := syncBoth(p.img, p.addr, p.scratch, p.width); err != nil {
		return err
	}
	p.pool.Free(p.scratch, 2*p.width)
	return nil
}
