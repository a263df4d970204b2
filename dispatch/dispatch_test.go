package dispatch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DragonOS-Community/go-kprobe"
	"github.com/DragonOS-Community/go-kprobe/arch/x86"
	"github.com/DragonOS-Community/go-kprobe/dispatch"
	"github.com/DragonOS-Community/go-kprobe/manager"
	"github.com/DragonOS-Community/go-kprobe/text"
)

// fakeFrame is a hand-driven trap frame. Tests step the protocol
// explicitly: raise the breakpoint, observe the PC redirect, raise the
// debug trap, observe the resume.
type fakeFrame struct {
	breakAddr uint64
	debugAddr uint64
	pc        uint64
}

func (f *fakeFrame) BreakAddress() uint64 { return f.breakAddr }
func (f *fakeFrame) DebugAddress() uint64 { return f.debugAddr }
func (f *fakeFrame) Frame() any           { return f }
func (f *fakeFrame) PC() uint64           { return f.pc }
func (f *fakeFrame) SetPC(pc uint64)      { f.pc = pc }

func newFixture(t *testing.T) (*manager.Manager, *dispatch.Dispatcher) {
	t.Helper()
	img, err := text.NewBuffer(0x100)
	require.NoError(t, err)
	pool, err := text.NewScratchPool(img, 0x80, 0x80)
	require.NoError(t, err)
	for a := uint64(0); a < 0x80; a++ {
		img.Bytes()[a] = 0x90 // nop
	}
	mgr := manager.New(x86.NewEngine(pool), img, nil, nil)
	return mgr, dispatch.New(mgr, nil, nil)
}

func TestFullTrapCycle(t *testing.T) {
	mgr, disp := newFixture(t)

	var calls []string
	p, err := mgr.Register(kprobe.NewBuilder().
		Symbol("target").
		SymbolAddr(0x10).
		Offset(0).
		PreHandler(func(args kprobe.ProbeArgs) {
			calls = append(calls, "pre")
			assert.Equal(t, uint64(0x10), args.BreakAddress())
		}).
		PostHandler(func(kprobe.ProbeArgs) {
			calls = append(calls, "post")
		}))
	require.NoError(t, err)

	// Breakpoint trap at the probed address.
	frame := &fakeFrame{breakAddr: 0x10, pc: 0x10}
	require.True(t, disp.Breakpoint(frame))
	assert.Equal(t, []string{"pre"}, calls)
	assert.Equal(t, p.SingleStepAddress(), frame.pc, "redirected into the scratch slot")

	// The single step completes and the embedded trap fires.
	frame.debugAddr = p.DebugAddress()
	require.True(t, disp.Debug(frame))
	assert.Equal(t, []string{"pre", "post"}, calls)
	assert.Equal(t, p.ReturnAddress(), frame.pc, "resumed past the probed instruction")

	require.NoError(t, mgr.Unregister(p))
}

func TestUnclaimedTraps(t *testing.T) {
	_, disp := newFixture(t)

	frame := &fakeFrame{breakAddr: 0x40, debugAddr: 0x40, pc: 0x40}
	assert.False(t, disp.Breakpoint(frame), "foreign breakpoint is not ours")
	assert.False(t, disp.Debug(frame), "foreign debug trap is not ours")
	assert.Equal(t, uint64(0x40), frame.pc, "the frame is untouched")
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	mgr, disp := newFixture(t)

	var order []int
	var probes []*kprobe.Probe
	for i := 0; i < 3; i++ {
		i := i
		p, err := mgr.Register(kprobe.NewBuilder().
			Symbol("target").
			SymbolAddr(0x10).
			Offset(0).
			PreHandler(func(kprobe.ProbeArgs) { order = append(order, i) }))
		require.NoError(t, err)
		probes = append(probes, p)
	}

	frame := &fakeFrame{breakAddr: 0x10}
	require.True(t, disp.Breakpoint(frame))
	assert.Equal(t, []int{0, 1, 2}, order)

	for _, p := range probes {
		require.NoError(t, mgr.Unregister(p))
	}
}

func TestSharedPointRunsAllPostHandlers(t *testing.T) {
	mgr, disp := newFixture(t)

	hits := make([]int, 2)
	var probes []*kprobe.Probe
	for i := range hits {
		i := i
		p, err := mgr.Register(kprobe.NewBuilder().
			Symbol("target").
			SymbolAddr(0x10).
			Offset(0).
			PostHandler(func(kprobe.ProbeArgs) { hits[i]++ }))
		require.NoError(t, err)
		probes = append(probes, p)
	}

	frame := &fakeFrame{debugAddr: probes[0].DebugAddress()}
	require.True(t, disp.Debug(frame))
	assert.Equal(t, []int{1, 1}, hits, "both probes see the debug trap")

	for _, p := range probes {
		require.NoError(t, mgr.Unregister(p))
	}
}

func TestFaultClaiming(t *testing.T) {
	mgr, disp := newFixture(t)

	var faults []string
	pNoFault, err := mgr.Register(kprobe.NewBuilder().
		Symbol("target").
		SymbolAddr(0x10).
		Offset(0))
	require.NoError(t, err)
	pFault, err := mgr.Register(kprobe.NewBuilder().
		Symbol("target").
		SymbolAddr(0x10).
		Offset(0).
		FaultHandler(func(kprobe.ProbeArgs) { faults = append(faults, "handled") }))
	require.NoError(t, err)

	frame := &fakeFrame{breakAddr: 0x10}
	assert.True(t, disp.Fault(frame), "a registered fault handler claims the fault")
	assert.Equal(t, []string{"handled"}, faults)

	// With only handler-less probes left, the fault propagates.
	require.NoError(t, mgr.Unregister(pFault))
	assert.False(t, disp.Fault(frame))

	require.NoError(t, mgr.Unregister(pNoFault))
}

func TestFaultDuringSingleStepFoundByDebugAddress(t *testing.T) {
	mgr, disp := newFixture(t)

	handled := false
	p, err := mgr.Register(kprobe.NewBuilder().
		Symbol("target").
		SymbolAddr(0x10).
		Offset(0).
		FaultHandler(func(kprobe.ProbeArgs) { handled = true }))
	require.NoError(t, err)

	// A fault raised inside the scratch slot carries the debug address,
	// not the break address.
	frame := &fakeFrame{breakAddr: 0x99, debugAddr: p.DebugAddress()}
	assert.True(t, disp.Fault(frame))
	assert.True(t, handled)

	require.NoError(t, mgr.Unregister(p))
}
