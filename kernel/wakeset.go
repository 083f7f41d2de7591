package kernel

import "sync/atomic"

const wakeSlots = 4

// WakeSet holds TIDs posted by interrupt-style callers that could not take
// the scheduler lock. The scheduler drains it under the lock on every entry.
//
// Lock-free on both sides. Duplicate posts of the same TID collapse into one
// slot. When every slot is taken, slot 0 is overwritten; a missed wake is
// recovered by the poster's retry or the next timeout-driven poll.
type WakeSet struct {
	_     [0]func() // no copies
	slots [wakeSlots]atomic.Uint32
}

// Post records a TID for a later drain. A zero TID is ignored.
func (w *WakeSet) Post(tid uint32) {
	if tid == 0 {
		return
	}
	for i := range w.slots {
		if w.slots[i].CompareAndSwap(0, tid) {
			return
		}
		if w.slots[i].Load() == tid {
			return
		}
	}
	w.slots[0].Store(tid)
}

// Drain removes every posted TID, invoking fn once per slot taken.
func (w *WakeSet) Drain(fn func(tid uint32)) {
	for i := range w.slots {
		if tid := w.slots[i].Swap(0); tid != 0 {
			fn(tid)
		}
	}
}
