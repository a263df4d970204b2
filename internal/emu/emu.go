// Package emu implements a minimal RV64C interpreter over a text
// image. It exists to drive probes through real trap cycles: when the
// fetched instruction is EBREAK or C.EBREAK the CPU hands a trap frame
// to the trap handler, which is expected to redirect the PC the way the
// dispatch package does.
//
// The instruction subset is just large enough for deterministic
// register-to-register tests: ADDI, ADD, SUB, C.ADDI, C.LI, C.MV and
// C.ADD.
package emu

import (
	"fmt"
	"io"

	"github.com/DragonOS-Community/go-kprobe"
	"github.com/DragonOS-Community/go-kprobe/arch/riscv"
	"github.com/DragonOS-Community/go-kprobe/text"
)

const (
	ebreak  uint32 = 0x00100073
	cEbreak uint16 = 0x9002
)

// TrapHandler consumes the traps the CPU raises. The dispatch package's
// Dispatcher satisfies it.
type TrapHandler interface {
	Breakpoint(frame kprobe.TrapFrame) bool
	Debug(frame kprobe.TrapFrame) bool
}

// UnexpectedTrapError is returned when a trap instruction executes and
// no handler claims it, the emulated equivalent of an unexpected debug
// exception.
type UnexpectedTrapError struct {
	Addr uint64
}

func (e UnexpectedTrapError) Error() string {
	return fmt.Sprintf("emu: unclaimed trap at %#x", e.Addr)
}

// UnknownInstructionError is returned for encodings outside the
// supported subset.
type UnknownInstructionError struct {
	Addr uint64
	Raw  uint32
}

func (e UnknownInstructionError) Error() string {
	return fmt.Sprintf("emu: unknown instruction %#x at %#x", e.Raw, e.Addr)
}

// CPU is a single in-order hart executing from an image.
type CPU struct {
	// PC is the program counter, an image address.
	PC uint64
	// X is the integer register file; X[0] is hardwired to zero.
	X [32]uint64

	img   text.Image
	traps TrapHandler
}

// New creates a CPU fetching from img and raising traps into handler.
func New(img text.Image, handler TrapHandler) *CPU {
	return &CPU{img: img, traps: handler}
}

// frame is the trap frame the CPU presents to the handler. On RV the
// exception PC points at the trapping EBREAK itself, so the break and
// debug addresses coincide; the handler classifies the trap by which
// registry lookup succeeds.
type frame struct {
	cpu    *CPU
	trapPC uint64
}

func (f *frame) BreakAddress() uint64 { return f.trapPC }
func (f *frame) DebugAddress() uint64 { return f.trapPC }
func (f *frame) Frame() any           { return f.cpu }
func (f *frame) PC() uint64           { return f.cpu.PC }
func (f *frame) SetPC(pc uint64)      { f.cpu.PC = pc }

// Step fetches and executes one instruction, or raises one trap.
func (c *CPU) Step() error {
	var buf [4]byte
	n, err := c.img.ReadAt(buf[:], c.PC)
	if err != nil && err != io.EOF {
		return fmt.Errorf("emu: fetch at %#x: %w", c.PC, err)
	}
	if n < 2 {
		return fmt.Errorf("emu: fetch at %#x: %w", c.PC, io.ErrUnexpectedEOF)
	}

	width, err := riscv.InstructionWidth(buf[0])
	if err != nil {
		return UnknownInstructionError{Addr: c.PC, Raw: uint32(buf[0])}
	}

	if width == 2 {
		hw := uint16(buf[0]) | uint16(buf[1])<<8
		if hw == cEbreak {
			return c.trap()
		}
		if err := c.execCompressed(hw); err != nil {
			return err
		}
	} else {
		if n < 4 {
			return fmt.Errorf("emu: fetch at %#x: %w", c.PC, io.ErrUnexpectedEOF)
		}
		word := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
		if word == ebreak {
			return c.trap()
		}
		if err := c.execWord(word); err != nil {
			return err
		}
	}

	c.PC += uint64(width)
	c.X[0] = 0
	return nil
}

// RunUntil steps until the PC reaches stop, bounding the step count so
// a broken redirect cannot loop forever.
func (c *CPU) RunUntil(stop uint64, maxSteps int) error {
	for i := 0; i < maxSteps; i++ {
		if c.PC == stop {
			return nil
		}
		if err := c.Step(); err != nil {
			return err
		}
	}
	return fmt.Errorf("emu: no halt at %#x within %d steps", stop, maxSteps)
}

// trap raises the trap at the current PC. Breakpoint and debug
// exceptions share an opcode on RV; the handler tries the breakpoint
// path first and falls back to the debug path, and the PC only moves if
// a handler redirected it.
func (c *CPU) trap() error {
	f := &frame{cpu: c, trapPC: c.PC}
	if c.traps != nil && c.traps.Breakpoint(f) {
		return nil
	}
	if c.traps != nil && c.traps.Debug(f) {
		return nil
	}
	return UnexpectedTrapError{Addr: c.PC}
}

func (c *CPU) execWord(word uint32) error {
	opcode := word & 0x7f
	funct3 := (word >> 12) & 0x7
	rd := (word >> 7) & 0x1f
	rs1 := (word >> 15) & 0x1f
	rs2 := (word >> 20) & 0x1f

	switch {
	case opcode == 0x13 && funct3 == 0: // ADDI
		imm := int64(int32(word) >> 20)
		c.X[rd] = c.X[rs1] + uint64(imm)
	case opcode == 0x33 && funct3 == 0 && word>>25 == 0x00: // ADD
		c.X[rd] = c.X[rs1] + c.X[rs2]
	case opcode == 0x33 && funct3 == 0 && word>>25 == 0x20: // SUB
		c.X[rd] = c.X[rs1] - c.X[rs2]
	default:
		return UnknownInstructionError{Addr: c.PC, Raw: word}
	}
	return nil
}

func (c *CPU) execCompressed(hw uint16) error {
	quadrant := hw & 0x3
	funct3 := hw >> 13
	rd := uint32(hw>>7) & 0x1f
	rs2 := uint32(hw>>2) & 0x1f

	switch {
	case quadrant == 1 && funct3 == 0: // C.ADDI / C.NOP
		c.X[rd] += uint64(immCI(hw))
	case quadrant == 1 && funct3 == 2 && rd != 0: // C.LI
		c.X[rd] = uint64(immCI(hw))
	case quadrant == 2 && funct3 == 4 && hw&0x1000 == 0 && rd != 0 && rs2 != 0: // C.MV
		c.X[rd] = c.X[rs2]
	case quadrant == 2 && funct3 == 4 && hw&0x1000 != 0 && rd != 0 && rs2 != 0: // C.ADD
		c.X[rd] += c.X[rs2]
	default:
		return UnknownInstructionError{Addr: c.PC, Raw: uint32(hw)}
	}
	return nil
}

// immCI extracts the sign-extended 6-bit immediate of the CI format.
func immCI(hw uint16) int64 {
	imm := int64(hw>>2&0x1f) | int64(hw>>12&0x1)<<5
	if imm&0x20 != 0 {
		imm -= 64
	}
	return imm
}
