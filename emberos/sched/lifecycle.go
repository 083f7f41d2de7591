package sched

import (
	"ember/emberos/ipc"
)

// TIDNone is the sentinel returned when an operation has no thread to
// name.
const TIDNone = ^uint32(0)

// Spawn creates a runnable kernel thread and returns its TID. The
// thread and its stack are allocated outside the lock; only the table
// insert holds it. The calling CPU's current thread, if any, becomes
// its parent. The priority saturates at the highest level.
func (s *Sched) Spawn(cpu int, entry uint64, priority uint8, name string) uint32 {
	if cpu < 0 || cpu >= s.n {
		return TIDNone
	}
	s.diag.set(cpu, phaseSpawn)
	t := s.newThread(entry, priority, name)
	s.lock.Lock(uint32(cpu))
	if cur, _ := s.current(cpu); cur != nil && !cur.isIdle {
		t.parentTID = cur.tid
	}
	s.addThread(t)
	s.lock.Unlock()
	return t.tid
}

// SpawnBlocked creates a thread that stays off the run queues until
// somebody wakes it. Fork uses this to park the child while its address
// space is still being built.
func (s *Sched) SpawnBlocked(cpu int, entry uint64, priority uint8, name string) uint32 {
	if cpu < 0 || cpu >= s.n {
		return TIDNone
	}
	s.diag.set(cpu, phaseSpawn)
	t := s.newThread(entry, priority, name)
	s.lock.Lock(uint32(cpu))
	if cur, _ := s.current(cpu); cur != nil && !cur.isIdle {
		t.parentTID = cur.tid
	}
	s.addThreadBlocked(t)
	s.lock.Unlock()
	return t.tid
}

// CreateThreadInCurrentProcess spawns a sibling thread sharing the
// calling thread's address space and process identity. With no real
// current thread it degrades to a plain Spawn.
func (s *Sched) CreateThreadInCurrentProcess(cpu int, entry uint64, priority uint8, name string) uint32 {
	if cpu < 0 || cpu >= s.n {
		return TIDNone
	}
	s.diag.set(cpu, phaseCreateThread)
	t := s.newThread(entry, priority, name)
	s.lock.Lock(uint32(cpu))
	if cur, _ := s.current(cpu); cur != nil && !cur.isIdle {
		cur.pdShared = true
		t.pdShared = true
		t.pageDir = cur.pageDir
		t.isUser = cur.isUser
		t.brk = cur.brk
		t.mmapNext = cur.mmapNext
		t.args = cur.args
		t.cwd = cur.cwd
		t.stdinPipe = cur.stdinPipe
		t.stdoutPipe = cur.stdoutPipe
		t.mode = cur.mode
		t.capabilities = cur.capabilities
		t.uid, t.gid = cur.uid, cur.gid
		t.fds = cur.fds
		t.signals.Handlers = cur.signals.Handlers
		t.signals.Blocked = cur.signals.Blocked
		t.parentTID = cur.tid
		t.context.SetPageTable(cur.context.PageTable())
		t.context.UpdateChecksum()
	}
	s.addThread(t)
	s.lock.Unlock()
	return t.tid
}

// ExitCurrent terminates the calling CPU's current thread with the
// given exit code and schedules away from it. Idle threads never exit.
func (s *Sched) ExitCurrent(cpu int, code uint32) {
	if cpu < 0 || cpu >= s.n {
		return
	}
	s.diag.set(cpu, phaseExitCurrent)
	s.lock.Lock(uint32(cpu))
	cur, _ := s.current(cpu)
	if cur == nil || cur.isIdle {
		s.lock.Unlock()
		return
	}
	s.terminateLocked(cur, code)
	s.lock.Unlock()
	s.Schedule(cpu)
}

// TryExitCurrent is ExitCurrent for contexts that must not spin. It
// reports whether the exit happened; on contention the caller retries.
func (s *Sched) TryExitCurrent(cpu int, code uint32) bool {
	if cpu < 0 || cpu >= s.n {
		return false
	}
	s.diag.set(cpu, phaseTryExitCurrent)
	if !s.lock.TryLock(uint32(cpu)) {
		return false
	}
	cur, _ := s.current(cpu)
	if cur == nil || cur.isIdle {
		s.lock.Unlock()
		return true
	}
	s.terminateLocked(cur, code)
	s.lock.Unlock()
	s.Schedule(cpu)
	return true
}

// KillThread forcibly terminates tid with a SIGKILL-style exit code.
// It returns 0 on success and TIDNone when the target is missing, idle,
// or the TID is invalid. A target running on another CPU keeps the CPU
// until that CPU's next schedule pass.
func (s *Sched) KillThread(cpu int, tid uint32) uint32 {
	if tid == 0 {
		return TIDNone
	}
	s.diag.set(cpu, phaseKillThread)
	s.lock.Lock(uint32(cpu))
	i := s.findIdx(tid)
	if i < 0 {
		s.lock.Unlock()
		return TIDNone
	}
	t := s.threads[i]
	if t.isIdle || t.state == Terminated {
		s.lock.Unlock()
		return TIDNone
	}
	s.removeFromAllQueues(tid)
	s.terminateLocked(t, 128+ipc.SIGKILL)
	s.lock.Unlock()
	return 0
}

// terminateLocked marks t dead, notifies its parent with SIGCHLD, and
// wakes anyone blocked waiting on it. Caller holds the lock.
func (s *Sched) terminateLocked(t *thread, code uint32) {
	t.state = Terminated
	c := code
	t.exitCode = &c
	at := s.now
	t.terminatedAt = &at

	if p := s.findIdx(t.parentTID); p >= 0 && s.threads[p].state != Terminated {
		s.threads[p].signals.Send(ipc.SIGCHLD)
	}
	if t.waitingTID != nil {
		s.wakeThreadInner(*t.waitingTID)
	}
}

// WakeThread makes a Blocked thread runnable. It reports whether a wake
// happened; unknown TIDs and threads not blocked are no-ops.
func (s *Sched) WakeThread(cpu int, tid uint32) bool {
	s.diag.set(cpu, phaseWake)
	s.lock.Lock(uint32(cpu))
	woke := s.wakeThreadInner(tid)
	s.lock.Unlock()
	return woke
}

// TryWakeThread wakes tid without ever spinning. It reports whether a
// wake was delivered immediately: on a contended lock the wake parks in
// the deferred set, the next schedule pass on any CPU delivers it, and
// the report is false. A false report never loses the wake.
func (s *Sched) TryWakeThread(cpu int, tid uint32) bool {
	s.diag.set(cpu, phaseWake)
	if s.lock.TryLock(uint32(cpu)) {
		woke := s.wakeThreadInner(tid)
		s.lock.Unlock()
		return woke
	}
	s.wakes.Post(tid)
	return false
}
