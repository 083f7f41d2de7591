package kernel

import (
	"runtime"
	"sync/atomic"
)

// NoOwner is the owner value of an unheld SpinLock.
const NoOwner = ^uint32(0)

// After this many backoff units the waiter reports a stall once via the
// timeout handler. Long enough that normal contention never triggers it.
var spinTimeout uint32 = 10_000_000

// SpinLock is a busy-wait mutex that records the CPU holding it.
//
// The owner CPU is tracked for deadlock diagnosis and recovery: a stalled
// waiter can report which CPU holds the lock, and a fault handler can
// force-release a lock its own CPU is known to hold instead of wedging the
// whole system. The zero value is an unheld lock.
type SpinLock struct {
	_     [0]func() // no copies: slot state is position-dependent
	state atomic.Bool
	owner atomic.Uint32

	onTimeout atomic.Value // func(waiter, owner uint32)
}

// Lock acquires the lock for the given CPU, spinning until available.
//
// Spins with exponential backoff (1 to 64 yield units per probe) to keep
// contended acquisition cheap. If the wait exceeds the stall threshold the
// timeout handler is invoked once with the waiting and owning CPU, then
// spinning continues.
func (l *SpinLock) Lock(cpu uint32) {
	var spins uint32
	reported := false
	for !l.state.CompareAndSwap(false, true) {
		backoff := uint32(1)
		for l.state.Load() {
			for i := uint32(0); i < backoff; i++ {
				runtime.Gosched()
			}
			spins += backoff
			if backoff < 64 {
				backoff <<= 1
			}
			if !reported && spins >= spinTimeout {
				reported = true
				l.reportTimeout(cpu)
			}
		}
	}
	l.owner.Store(cpu)
}

// TryLock attempts a single acquisition for the given CPU without spinning.
func (l *SpinLock) TryLock(cpu uint32) bool {
	if !l.state.CompareAndSwap(false, true) {
		return false
	}
	l.owner.Store(cpu)
	return true
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	l.owner.Store(NoOwner)
	l.state.Store(false)
}

// ForceUnlock releases the lock unconditionally, regardless of owner.
//
// Recovery use only: the caller must know its own CPU holds the lock
// (check HeldBy first). The protected data may be partially modified.
func (l *SpinLock) ForceUnlock() {
	l.owner.Store(NoOwner)
	l.state.Store(false)
}

// Locked reports whether the lock is currently held by any CPU.
func (l *SpinLock) Locked() bool { return l.state.Load() }

// HeldBy reports whether the lock is currently held by the given CPU.
func (l *SpinLock) HeldBy(cpu uint32) bool {
	return l.state.Load() && l.owner.Load() == cpu
}

// Owner returns the CPU holding the lock, or NoOwner if unheld.
func (l *SpinLock) Owner() uint32 {
	if !l.state.Load() {
		return NoOwner
	}
	return l.owner.Load()
}

// SetTimeoutHandler installs the stall reporter. The handler runs on the
// waiting goroutine and must not acquire this lock.
func (l *SpinLock) SetTimeoutHandler(fn func(waiter, owner uint32)) {
	l.onTimeout.Store(fn)
}

func (l *SpinLock) reportTimeout(waiter uint32) {
	if v := l.onTimeout.Load(); v != nil {
		if fn, ok := v.(func(waiter, owner uint32)); ok && fn != nil {
			fn(waiter, l.owner.Load())
		}
	}
}
