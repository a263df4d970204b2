// Package lock provides the non-sleeping mutual exclusion primitive
// protecting the probe registry.
//
// Registry lookups happen from trap context, where parking on a
// scheduler-cooperative lock is forbidden, so SpinLock never blocks on
// a runtime primitive: contention is resolved by spinning on an atomic
// state word, yielding the processor between bursts the way a kernel
// spinlock inserts cpu_relax. Critical sections under a SpinLock must
// be short and must not block.
package lock

import (
	"runtime"
	"sync/atomic"
)

// spinBurst is how many failed acquisition attempts are made before
// yielding the processor once.
const spinBurst = 64

// SpinLock is a test-and-set spinlock. The zero value is unlocked.
// A SpinLock must not be copied after first use.
type SpinLock struct {
	state atomic.Uint32
}

// TryLock attempts to acquire the lock without spinning.
func (l *SpinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Lock spins until the lock is acquired.
func (l *SpinLock) Lock() {
	for {
		for i := 0; i < spinBurst; i++ {
			if l.TryLock() {
				return
			}
		}
		runtime.Gosched()
	}
}

// Unlock releases the lock. Unlocking an unlocked SpinLock is a fatal
// usage error.
func (l *SpinLock) Unlock() {
	if !l.state.CompareAndSwap(1, 0) {
		panic("lock: unlock of unlocked SpinLock")
	}
}

// With runs fn under the lock.
func (l *SpinLock) With(fn func()) {
	l.Lock()
	defer l.Unlock()
	fn()
}
