package sched

import "runtime"

// Wait sentinels. Exit codes never collide with them because codes are
// small (conventionally status or 128+signal).
const (
	// WaitNotFound means the target does not exist, is not a child, or
	// its status was already consumed.
	WaitNotFound = ^uint32(0)

	// WaitStillRunning means the target has not terminated yet.
	WaitStillRunning = ^uint32(0) - 1
)

// TryWaitpid polls tid once. It returns the exit code, WaitStillRunning
// while the target lives (registering the caller so the zombie is not
// auto-reaped), or WaitNotFound. Consuming the status frees the zombie
// for reaping after its grace period.
func (s *Sched) TryWaitpid(cpu int, tid uint32) uint32 {
	if cpu < 0 || cpu >= s.n {
		return WaitNotFound
	}
	s.diag.set(cpu, phaseTryWaitpid)
	s.lock.Lock(uint32(cpu))
	r := s.waitPass(cpu, tid)
	s.lock.Unlock()
	return r
}

// Waitpid blocks the caller until tid terminates and returns its exit
// code. The second result is false when the target vanished or was
// never there.
func (s *Sched) Waitpid(cpu int, tid uint32) (uint32, bool) {
	if cpu < 0 || cpu >= s.n {
		return 0, false
	}
	s.diag.set(cpu, phaseWaitpid)
	for {
		s.lock.Lock(uint32(cpu))
		r := s.waitPass(cpu, tid)
		s.lock.Unlock()
		switch r {
		case WaitNotFound:
			return 0, false
		case WaitStillRunning:
			runtime.Gosched()
		default:
			return r, true
		}
	}
}

// TryWaitpidAny polls the caller's children once. It returns a (tid,
// code) pair; (WaitNotFound, WaitNotFound) means no children exist, and
// (WaitNotFound, WaitStillRunning) means none have terminated yet.
func (s *Sched) TryWaitpidAny(cpu int) (uint32, uint32) {
	if cpu < 0 || cpu >= s.n {
		return WaitNotFound, WaitNotFound
	}
	s.diag.set(cpu, phaseTryWaitpidAny)
	s.lock.Lock(uint32(cpu))
	tid, code := s.anyWaitPass(cpu)
	s.lock.Unlock()
	return tid, code
}

// WaitpidAny blocks until any child of the caller terminates. It
// returns false immediately when the caller has no children.
func (s *Sched) WaitpidAny(cpu int) (uint32, uint32, bool) {
	if cpu < 0 || cpu >= s.n {
		return 0, 0, false
	}
	s.diag.set(cpu, phaseWaitpidAny)
	for {
		s.lock.Lock(uint32(cpu))
		tid, code := s.anyWaitPass(cpu)
		s.lock.Unlock()
		if tid != WaitNotFound {
			return tid, code, true
		}
		if code == WaitNotFound {
			return 0, 0, false
		}
		runtime.Gosched()
	}
}

// waitPass is one wait attempt on tid. Caller holds the lock.
func (s *Sched) waitPass(cpu int, tid uint32) uint32 {
	i := s.findIdx(tid)
	if i < 0 {
		return WaitNotFound
	}
	t := s.threads[i]
	if t.state != Terminated {
		w := s.cpus[cpu].currentTID
		t.waitingTID = &w
		return WaitStillRunning
	}
	if t.exitCode == nil {
		return WaitNotFound
	}
	code := *t.exitCode
	t.exitCode = nil
	t.waitingTID = nil
	return code
}

// anyWaitPass is one wait attempt across the caller's children. Caller
// holds the lock.
func (s *Sched) anyWaitPass(cpu int) (uint32, uint32) {
	parent := s.cpus[cpu].currentTID
	children := false
	for _, t := range s.threads {
		if t.isIdle || t.parentTID != parent {
			continue
		}
		if t.state == Terminated {
			if t.exitCode == nil {
				continue // already consumed, waiting on the reaper
			}
			code := *t.exitCode
			t.exitCode = nil
			t.waitingTID = nil
			return t.tid, code
		}
		children = true
		w := parent
		t.waitingTID = &w
	}
	if !children {
		return WaitNotFound, WaitNotFound
	}
	return WaitNotFound, WaitStillRunning
}

// SleepUntil blocks the calling CPU's current thread until the given
// tick. The comparison on wake tolerates counter wraparound, so a
// deadline in the past wakes on the next timer pass.
func (s *Sched) SleepUntil(cpu int, wakeAt uint32) {
	if cpu < 0 || cpu >= s.n {
		return
	}
	s.diag.set(cpu, phaseSleepUntil)
	s.lock.Lock(uint32(cpu))
	cur, _ := s.current(cpu)
	if cur == nil || cur.isIdle {
		s.lock.Unlock()
		return
	}
	w := wakeAt
	cur.wakeAtTick = &w
	// Drop the save-complete flag before publishing Blocked: a wake
	// racing in from another CPU must not see a stale saved context as
	// loadable before the voluntary pass below re-saves it.
	cur.context.ClearSaved()
	cur.state = Blocked
	s.lock.Unlock()
	s.Schedule(cpu)
}

// BlockCurrent parks the calling CPU's current thread until an explicit
// wake.
func (s *Sched) BlockCurrent(cpu int) {
	if cpu < 0 || cpu >= s.n {
		return
	}
	s.diag.set(cpu, phaseBlockCurrent)
	s.lock.Lock(uint32(cpu))
	cur, _ := s.current(cpu)
	if cur == nil || cur.isIdle {
		s.lock.Unlock()
		return
	}
	cur.context.ClearSaved()
	cur.state = Blocked
	s.lock.Unlock()
	s.Schedule(cpu)
}
