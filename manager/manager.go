// Package manager provides the probe registry: the map from breakpoint
// address to the ordered set of probes installed there, plus shared
// ownership of the physical patch points.
//
// # Locking model
//
// The registry lock is a non-sleeping spinlock because lookups arrive
// from trap context where blocking is forbidden. Install and removal
// run in ordinary context but take the same lock; patch-point mutation
// happens inside the critical section, so the two writes a point sees
// over its lifetime are fully serialised. The "is this address already
// patched" decision is made under the lock, never by re-reading memory,
// which would race a concurrent uninstall.
//
// # Removal ordering
//
// Unregister removes the probe from the registry first and only then
// drops its patch-point reference, all before releasing the lock. A
// trap on another core therefore never finds a trap instruction in
// memory without a registered probe to claim it.
package manager

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/DragonOS-Community/go-kprobe"
	"github.com/DragonOS-Community/go-kprobe/lock"
	"github.com/DragonOS-Community/go-kprobe/metrics"
	"github.com/DragonOS-Community/go-kprobe/text"
)

// ErrNotRegistered is returned when unregistering a probe the registry
// does not hold.
var ErrNotRegistered = errors.New("manager: probe not registered")

// sharedPoint is a refcounted patch point. The last reference to drop
// restores the original bytes.
type sharedPoint struct {
	point kprobe.ProbePoint
	refs  int
}

// Manager is the probe registry.
type Manager struct {
	engine  kprobe.Engine
	img     text.Image
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     lock.SpinLock
	breaks map[uint64][]*kprobe.Probe
	debugs map[uint64][]*kprobe.Probe
	points map[uint64]*sharedPoint
}

// New creates a Manager patching img through engine. logger may be nil
// for the default logger; mets may be nil to disable metrics.
func New(engine kprobe.Engine, img text.Image, logger *slog.Logger, mets *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		engine:  engine,
		img:     img,
		logger:  logger.With("component", "manager"),
		metrics: mets,
		breaks:  make(map[uint64][]*kprobe.Probe),
		debugs:  make(map[uint64][]*kprobe.Probe),
		points:  make(map[uint64]*sharedPoint),
	}
}

// Register consumes the builder and installs the probe. If the target
// address already holds a patch point and the engine shares points, the
// probe attaches to the existing point; a fresh point is patched
// otherwise. A failed register leaves no trace in the image or the
// registry.
func (m *Manager) Register(b *kprobe.Builder) (*kprobe.Probe, error) {
	kp, err := b.Kprobe()
	if err != nil {
		return nil, err
	}
	addr := kp.Address()

	m.mu.Lock()
	sp, exists := m.points[addr]
	if exists && !m.engine.Shareable() {
		m.mu.Unlock()
		return nil, kprobe.AddressBusyError{Addr: addr}
	}
	if !exists {
		point, err := m.engine.Patch(m.img, addr)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("install probe %s at %#x: %w", kp.Symbol(), addr, err)
		}
		sp = &sharedPoint{point: point}
		m.points[addr] = sp
	}
	sp.refs++
	probe := kprobe.NewProbe(kp, sp.point)
	m.breaks[addr] = append(m.breaks[addr], probe)
	debugAddr := sp.point.DebugAddress()
	m.debugs[debugAddr] = append(m.debugs[debugAddr], probe)
	refs := sp.refs
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Installs.Inc()
	}
	m.logger.Info("installed probe",
		"symbol", kp.Symbol(),
		"address", fmt.Sprintf("%#x", addr),
		"return_address", fmt.Sprintf("%#x", sp.point.ReturnAddress()),
		"probes_at_address", refs)
	return probe, nil
}

// Unregister removes the probe from the registry and drops its
// patch-point reference. When the last reference drops, the original
// bytes are restored before the registry lock is released.
func (m *Manager) Unregister(p *kprobe.Probe) error {
	addr := p.Point().BreakAddress()
	debugAddr := p.Point().DebugAddress()

	m.mu.Lock()
	list, ok := removeProbe(m.breaks[addr], p)
	if !ok {
		m.mu.Unlock()
		return ErrNotRegistered
	}
	setOrDelete(m.breaks, addr, list)
	if list, ok := removeProbe(m.debugs[debugAddr], p); ok {
		setOrDelete(m.debugs, debugAddr, list)
	}

	var releaseErr error
	sp := m.points[addr]
	sp.refs--
	remaining := sp.refs
	if remaining == 0 {
		delete(m.points, addr)
		releaseErr = sp.point.Release()
	}
	m.mu.Unlock()

	if releaseErr != nil {
		return fmt.Errorf("remove probe %s at %#x: %w", p.Symbol(), addr, releaseErr)
	}
	if m.metrics != nil {
		m.metrics.Uninstalls.Inc()
	}
	m.logger.Info("removed probe",
		"symbol", p.Symbol(),
		"address", fmt.Sprintf("%#x", addr),
		"probes_at_address", remaining)
	return nil
}

// LookupBreak returns the probes registered at a breakpoint address in
// registration order, or nil if none. An empty result is the signal
// that the trap belongs to someone else. Safe to call from trap
// context.
func (m *Manager) LookupBreak(addr uint64) []*kprobe.Probe {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot(m.breaks[addr])
}

// LookupDebug returns the probes whose debug address is addr, in
// registration order. Safe to call from trap context.
func (m *Manager) LookupDebug(addr uint64) []*kprobe.Probe {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot(m.debugs[addr])
}

// NumProbes returns the number of probes registered at a breakpoint
// address.
func (m *Manager) NumProbes(addr uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.breaks[addr])
}

func removeProbe(list []*kprobe.Probe, p *kprobe.Probe) ([]*kprobe.Probe, bool) {
	for i, candidate := range list {
		if candidate == p {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

func setOrDelete(m map[uint64][]*kprobe.Probe, addr uint64, list []*kprobe.Probe) {
	if len(list) == 0 {
		delete(m, addr)
		return
	}
	m[addr] = list
}

func snapshot(list []*kprobe.Probe) []*kprobe.Probe {
	if len(list) == 0 {
		return nil
	}
	out := make([]*kprobe.Probe, len(list))
	copy(out, list)
	return out
}
