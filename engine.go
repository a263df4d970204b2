package kprobe

import "github.com/DragonOS-Community/go-kprobe/text"

// ISA identifies an instruction set architecture.
type ISA string

const (
	ISAX86_64  ISA = "x86_64"
	ISARISCV64 ISA = "riscv64"
)

// ProbePoint is the physical record of "this address currently holds a
// trap instruction": the target address, the saved original bytes, and
// the out-of-line scratch slot. Its instruction bytes are written
// exactly twice over its lifetime, once by Engine.Patch and once by
// Release; the manager serialises both under the registry lock, so the
// point itself carries no locking.
type ProbePoint interface {
	// BreakAddress returns the patched address. Equal to the probe
	// address.
	BreakAddress() uint64

	// ReturnAddress returns where normal execution continues after the
	// probed instruction: break address plus decoded length.
	ReturnAddress() uint64

	// SingleStepAddress returns the start of the scratch slot holding a
	// faithful copy of the original instruction. The dispatcher
	// redirects the trap frame PC here.
	SingleStepAddress() uint64

	// DebugAddress returns where the second, deterministic trap fires:
	// single-step address plus decoded length.
	DebugAddress() uint64

	// InstructionLen returns the decoded length of the original
	// instruction.
	InstructionLen() int

	// SavedBytes returns a copy of the original instruction bytes
	// captured at install time.
	SavedBytes() []byte

	// Release restores the saved bytes over the live address, issues
	// the synchronization barrier, and returns the scratch slot. It
	// verifies the trap instruction is still present first and reports
	// a PatchMismatchError if it is not, rather than blindly
	// overwriting. Release must be called exactly once.
	Release() error
}

// Engine is the per-architecture patch strategy: instruction decode,
// trap-opcode selection, and scratch assembly. Registry and dispatch
// code never branches on architecture; it only sees this interface.
type Engine interface {
	ISA() ISA

	// MaxInstructionLen returns the architecture's maximum encoded
	// instruction length, which sizes saved-bytes buffers.
	MaxInstructionLen() int

	// Shareable reports whether one ProbePoint may serve several
	// logical probes at the same address. When false the registry
	// rejects a second probe at an already-patched address.
	Shareable() bool

	// Patch decodes the instruction at addr in img, assembles the
	// out-of-line scratch slot, and publishes the trap instruction.
	// On any error nothing is left patched and no scratch is held.
	Patch(img text.Image, addr uint64) (ProbePoint, error)
}

// Probe is an installed probe: the logical kprobe plus the physical
// patch point it holds a reference to. On architectures with shareable
// points several Probes may reference one ProbePoint.
type Probe struct {
	*Kprobe
	point ProbePoint
}

// NewProbe pairs a kprobe with its patch point. Callers normally go
// through Builder.Build or manager.Register instead.
func NewProbe(k *Kprobe, point ProbePoint) *Probe {
	return &Probe{Kprobe: k, point: point}
}

// Point returns the probe's patch point.
func (p *Probe) Point() ProbePoint { return p.point }

// ReturnAddress is stable for the lifetime of the installed probe.
func (p *Probe) ReturnAddress() uint64 { return p.point.ReturnAddress() }

// SingleStepAddress is stable for the lifetime of the installed probe.
func (p *Probe) SingleStepAddress() uint64 { return p.point.SingleStepAddress() }

// DebugAddress is stable for the lifetime of the installed probe.
func (p *Probe) DebugAddress() uint64 { return p.point.DebugAddress() }
