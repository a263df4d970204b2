// Package kprobe implements a breakpoint-based dynamic instrumentation
// engine: callers plant a probe at an arbitrary instruction address in a
// text image, supply pre/post/fault callbacks, and the engine arranges
// for the original instruction to keep executing out of line while the
// live location holds a trap instruction.
//
// The engine is split the same way a kernel splits it:
//
//   - this package: architecture-independent probe metadata, the builder,
//     and the per-architecture Engine and ProbePoint contracts
//   - arch/x86, arch/riscv: the patch engines (instruction decode,
//     trap-opcode write, out-of-line scratch assembly)
//   - text: the patched memory itself and the atomic code-patch primitive
//   - manager: the address -> probes registry with shared patch points
//   - dispatch: the breakpoint/debug/fault trap protocol
//
// A full cycle for one trap looks like:
//
//	breakpoint at A -> pre-handlers -> PC = single_step_address ->
//	original instruction executes in scratch -> debug trap ->
//	post-handlers -> PC = A + instruction length -> normal flow
package kprobe

// ProbeArgs is the capability interface handlers receive over the
// architecture's trap frame. The frame type itself is owned by the
// interrupt layer; handlers that need register access downcast the
// value returned by Frame.
type ProbeArgs interface {
	// BreakAddress returns the address whose trap instruction raised
	// the breakpoint exception.
	BreakAddress() uint64

	// DebugAddress returns the address of the trap raised after the
	// out-of-line single step.
	DebugAddress() uint64

	// Frame returns the architecture trap frame.
	Frame() any
}

// TrapFrame extends ProbeArgs with program-counter redirection. The
// dispatch package uses SetPC to steer execution into the scratch
// buffer and back onto the normal path.
type TrapFrame interface {
	ProbeArgs

	PC() uint64
	SetPC(pc uint64)
}

// Handler is a probe callback. Handlers run on the CPU that trapped,
// in trap context: they must not block, yield, or panic. A panic in a
// handler is not recovered; unwinding across the trap boundary is a
// fatal error by contract.
//
// Handler is a plain function type rather than a closure slot so that
// trap-context callbacks cannot capture state whose lifetime ends
// before the probe is removed.
type Handler func(ProbeArgs)

// Kprobe is the architecture-independent part of a probe: the resolved
// target and the three handler slots. It is owned exclusively by one
// installed Probe.
type Kprobe struct {
	symbol     string
	symbolAddr uint64
	offset     uint64

	pre      Handler
	post     Handler
	fault    Handler
	hasFault bool
}

// Symbol returns the symbol name the probe was requested against.
func (k *Kprobe) Symbol() string { return k.symbol }

// Address returns the probed instruction address, symbol address plus
// offset. This is also the break address once installed.
func (k *Kprobe) Address() uint64 { return k.symbolAddr + k.offset }

// CallPreHandler runs the pre-handler, if any, before the original
// instruction executes.
func (k *Kprobe) CallPreHandler(args ProbeArgs) {
	if k.pre != nil {
		k.pre(args)
	}
}

// CallPostHandler runs the post-handler, if any, after the out-of-line
// single step completes.
func (k *Kprobe) CallPostHandler(args ProbeArgs) {
	if k.post != nil {
		k.post(args)
	}
}

// CallFaultHandler runs the fault handler. An unset fault handler
// defaults to a no-op so dispatch never branches on presence; use
// HasFaultHandler to decide whether the fault is claimed at all.
func (k *Kprobe) CallFaultHandler(args ProbeArgs) {
	k.fault(args)
}

// HasFaultHandler reports whether a fault handler was explicitly
// registered. A fault during emulation with no registered handler is
// fatal and must propagate to the generic fault path.
func (k *Kprobe) HasFaultHandler() bool { return k.hasFault }
