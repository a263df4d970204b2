// Package dispatch implements the trap protocol that drives probes
// through one cycle:
//
//	Armed -> pre-handlers -> single-stepping -> post-handlers -> Armed
//
// A breakpoint exception whose address has no registered probe is not
// claimed; the caller forwards it to the ordinary debug-exception path,
// since it may belong to a legitimate external debugger. The same
// applies to debug exceptions and faults.
//
// Handlers run on the trapping goroutine with the registry lock not
// held; they must not block or unregister probes.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/DragonOS-Community/go-kprobe"
	"github.com/DragonOS-Community/go-kprobe/logging"
	"github.com/DragonOS-Community/go-kprobe/manager"
	"github.com/DragonOS-Community/go-kprobe/metrics"
)

// Dispatcher routes breakpoint, debug and fault exceptions to the
// probes registered for their addresses.
type Dispatcher struct {
	mgr     *manager.Manager
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Dispatcher over the registry. logger may be nil for the
// default logger; mets may be nil to disable metrics.
func New(mgr *manager.Manager, logger *slog.Logger, mets *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		mgr:     mgr,
		logger:  logger.With("component", "dispatch"),
		metrics: mets,
	}
}

// Breakpoint handles a breakpoint exception. If probes are registered
// at the trapping address their pre-handlers run in registration order,
// the frame PC is redirected into the out-of-line slot, and true is
// returned. False means the trap is not ours.
func (d *Dispatcher) Breakpoint(frame kprobe.TrapFrame) bool {
	addr := frame.BreakAddress()
	probes := d.mgr.LookupBreak(addr)
	if len(probes) == 0 {
		if d.metrics != nil {
			d.metrics.UnclaimedTraps.Inc()
		}
		return false
	}

	for _, p := range probes {
		p.CallPreHandler(frame)
	}
	// Every probe at one address shares the patch point, so any of them
	// supplies the same single-step address.
	frame.SetPC(probes[0].SingleStepAddress())

	if d.metrics != nil {
		d.metrics.Traps.WithLabelValues(metrics.TrapBreakpoint).Inc()
	}
	d.logger.Log(context.Background(), logging.LevelTrace.ToSlog(), "breakpoint trap",
		"address", fmt.Sprintf("%#x", addr),
		"probes", len(probes))
	return true
}

// Debug handles the exception raised at the end of the out-of-line
// single step. Post-handlers run in registration order and the frame
// PC is set to the return address, resuming normal flow exactly where
// the unpatched instruction would have left it. False means the trap
// is not ours.
func (d *Dispatcher) Debug(frame kprobe.TrapFrame) bool {
	addr := frame.DebugAddress()
	probes := d.mgr.LookupDebug(addr)
	if len(probes) == 0 {
		if d.metrics != nil {
			d.metrics.UnclaimedTraps.Inc()
		}
		return false
	}

	for _, p := range probes {
		p.CallPostHandler(frame)
	}
	frame.SetPC(probes[0].ReturnAddress())

	if d.metrics != nil {
		d.metrics.Traps.WithLabelValues(metrics.TrapDebug).Inc()
	}
	d.logger.Log(context.Background(), logging.LevelTrace.ToSlog(), "debug trap",
		"address", fmt.Sprintf("%#x", addr),
		"resume", fmt.Sprintf("%#x", probes[0].ReturnAddress()))
	return true
}

// Fault handles a fault raised inside a pre-handler, the single-stepped
// instruction, or a post-handler. Fault handlers of the probes in the
// active cycle run instead of the generic fault path; false means no
// probe registered a fault handler and the fault must propagate as it
// would without probes.
func (d *Dispatcher) Fault(frame kprobe.TrapFrame) bool {
	probes := d.mgr.LookupBreak(frame.BreakAddress())
	if len(probes) == 0 {
		probes = d.mgr.LookupDebug(frame.DebugAddress())
	}

	claimed := false
	for _, p := range probes {
		if !p.HasFaultHandler() {
			continue
		}
		p.CallFaultHandler(frame)
		claimed = true
	}
	if claimed {
		if d.metrics != nil {
			d.metrics.Traps.WithLabelValues(metrics.TrapFault).Inc()
		}
		return true
	}
	if d.metrics != nil {
		d.metrics.UnhandledFaults.Inc()
	}
	d.logger.Warn("fault with no registered fault handler",
		"break_address", fmt.Sprintf("%#x", frame.BreakAddress()))
	return false
}
