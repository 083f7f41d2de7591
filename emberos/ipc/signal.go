// Package ipc carries the per-thread signal bookkeeping the scheduler
// owns. Delivery mechanics (trampolines, user stack frames) belong to the
// trap path; here signals are only recorded, masked and handed out.
package ipc

import "math/bits"

// NumSignals bounds signal numbers; valid signals are 1..NumSignals-1.
const NumSignals = 32

// Signal numbers follow the conventional POSIX assignments.
const (
	SIGINT  uint32 = 2
	SIGABRT uint32 = 6
	SIGKILL uint32 = 9
	SIGSEGV uint32 = 11
	SIGTERM uint32 = 15
	SIGCHLD uint32 = 17
	SIGCONT uint32 = 18
	SIGSTOP uint32 = 19
)

// Handler values with special meaning; anything else is a user-space
// handler entry address.
const (
	SigDfl uint64 = 0
	SigIgn uint64 = 1
)

// unblockable signals are delivered regardless of the blocked mask.
const unblockable = 1<<SIGKILL | 1<<SIGSTOP

// SignalState is the signal bookkeeping each thread owns: pending and
// blocked bitmasks plus the handler table. Bit n corresponds to signal n.
// The scheduler mutates the fields directly under its lock.
type SignalState struct {
	Pending  uint32
	Blocked  uint32
	Handlers [NumSignals]uint64
}

// Send marks a signal pending. Out-of-range signals are ignored.
func (s *SignalState) Send(sig uint32) {
	if sig >= 1 && sig < NumSignals {
		s.Pending |= 1 << sig
	}
}

// Dequeue removes and returns the lowest-numbered pending signal that is
// not blocked. Returns false when none is deliverable.
func (s *SignalState) Dequeue() (uint32, bool) {
	avail := s.Pending &^ (s.Blocked &^ unblockable)
	if avail == 0 {
		return 0, false
	}
	sig := uint32(bits.TrailingZeros32(avail))
	s.Pending &^= 1 << sig
	return sig, true
}

// HasPending reports whether any deliverable signal is pending.
func (s *SignalState) HasPending() bool {
	return s.Pending&^(s.Blocked&^unblockable) != 0
}

// Handler returns the handler for a signal, SigDfl if never set.
func (s *SignalState) Handler(sig uint32) uint64 {
	if sig >= NumSignals {
		return SigDfl
	}
	return s.Handlers[sig]
}

// SetHandler installs a handler and returns the previous one.
func (s *SignalState) SetHandler(sig uint32, h uint64) uint64 {
	if sig >= NumSignals {
		return SigDfl
	}
	old := s.Handlers[sig]
	s.Handlers[sig] = h
	return old
}

// SetBlocked replaces the blocked mask and returns the previous one.
// Kill and stop cannot be masked.
func (s *SignalState) SetBlocked(mask uint32) uint32 {
	old := s.Blocked
	s.Blocked = mask &^ unblockable
	return old
}
