package sched

import (
	"bytes"
	"fmt"

	"ember/emberos/arch"
)

// maxInfoThreads caps one snapshot so a monitor request never walks an
// unbounded table under the lock.
const maxInfoThreads = 64

// ThreadInfo is one row of a thread table snapshot.
type ThreadInfo struct {
	TID          uint32
	Priority     uint8
	State        string
	Name         string
	CPUTicks     uint32
	Mode         arch.Mode
	IOReadBytes  uint64
	IOWriteBytes uint64
	UserPages    uint32
	UID          uint16
}

// ListThreads snapshots up to 64 live threads. Terminated threads
// awaiting reap are left out.
func (s *Sched) ListThreads(cpu int) []ThreadInfo {
	s.diag.set(cpu, phaseThreadInfo)
	s.lock.Lock(uint32(cpu))
	out := make([]ThreadInfo, 0, len(s.threads))
	for _, t := range s.threads {
		if t.state == Terminated {
			continue
		}
		out = append(out, ThreadInfo{
			TID:          t.tid,
			Priority:     t.priority,
			State:        t.state.String(),
			Name:         t.nameStr(),
			CPUTicks:     t.cpuTicks,
			Mode:         t.mode,
			IOReadBytes:  t.ioReadBytes,
			IOWriteBytes: t.ioWriteBytes,
			UserPages:    t.userPages,
			UID:          t.uid,
		})
		if len(out) == maxInfoThreads {
			break
		}
	}
	s.lock.Unlock()
	return out
}

// ThreadArgs returns tid's recorded command line, empty when unknown.
func (s *Sched) ThreadArgs(cpu int, tid uint32) string {
	s.lock.Lock(uint32(cpu))
	var v string
	if t := s.lookup(tid); t != nil {
		v = bufString(t.args[:])
	}
	s.lock.Unlock()
	return v
}

// ThreadCwd returns tid's working directory, empty when unknown.
func (s *Sched) ThreadCwd(cpu int, tid uint32) string {
	s.lock.Lock(uint32(cpu))
	var v string
	if t := s.lookup(tid); t != nil {
		v = bufString(t.cwd[:])
	}
	s.lock.Unlock()
	return v
}

func bufString(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		i = len(b)
	}
	return string(b[:i])
}

// ThreadExists reports whether tid names a live thread. Zombies count
// as gone.
func (s *Sched) ThreadExists(cpu int, tid uint32) bool {
	s.lock.Lock(uint32(cpu))
	t := s.lookup(tid)
	alive := t != nil && t.state != Terminated
	s.lock.Unlock()
	return alive
}

// ThreadParentTID returns tid's parent, or TIDNone when unknown.
func (s *Sched) ThreadParentTID(cpu int, tid uint32) uint32 {
	s.lock.Lock(uint32(cpu))
	parent := TIDNone
	if t := s.lookup(tid); t != nil {
		parent = t.parentTID
	}
	s.lock.Unlock()
	return parent
}

// CurrentExitInfo returns the calling CPU's current thread and its
// parent, for exit-path bookkeeping. False when idle holds the CPU.
func (s *Sched) CurrentExitInfo(cpu int) (tid, parent uint32, ok bool) {
	if cpu < 0 || cpu >= s.n {
		return 0, 0, false
	}
	s.diag.set(cpu, phaseExitInfo)
	s.lock.Lock(uint32(cpu))
	cur, _ := s.current(cpu)
	if cur == nil || cur.isIdle {
		s.lock.Unlock()
		return 0, 0, false
	}
	tid, parent = cur.tid, cur.parentTID
	s.lock.Unlock()
	return tid, parent, true
}

// HasLivePDSiblings reports whether any other live thread shares tid's
// address space. The exit path uses it to decide whether the address
// space can be torn down.
func (s *Sched) HasLivePDSiblings(cpu int, tid uint32) bool {
	s.diag.set(cpu, phaseLivePDSiblings)
	s.lock.Lock(uint32(cpu))
	found := false
	if t := s.lookup(tid); t != nil {
		s.forEachPDSibling(t, func(*thread) { found = true })
	}
	s.lock.Unlock()
	return found
}

// CheckCurrentStackCanary verifies the calling CPU's current thread has
// not overflowed its kernel stack. The syscall return path calls it
// with the syscall number just serviced, so the log names the culprit.
// On a dead canary the thread is terminated, unless it is critical;
// critical threads are only logged. Reports whether the canary was
// intact.
func (s *Sched) CheckCurrentStackCanary(cpu int, sysno uint32) bool {
	if cpu < 0 || cpu >= s.n {
		return true
	}
	s.lock.Lock(uint32(cpu))
	cur, _ := s.current(cpu)
	if cur == nil || cur.isIdle {
		s.lock.Unlock()
		return true
	}
	if cur.checkStackCanary() {
		s.lock.Unlock()
		return true
	}
	if cur.critical {
		s.lock.Unlock()
		s.log.WriteLineString(fmt.Sprintf("!STACK CANARY: TID=%d '%s' sys=%d critical, sparing", cur.tid, cur.nameStr(), sysno))
		return false
	}
	s.removeFromAllQueues(cur.tid)
	s.terminateLocked(cur, corruptExit)
	tid, name := cur.tid, cur.nameStr()
	s.lock.Unlock()
	s.log.WriteLineString(fmt.Sprintf("!STACK CANARY: TID=%d '%s' sys=%d killed", tid, name, sysno))
	return false
}

// RecordIORead credits read bytes to the calling CPU's current thread.
func (s *Sched) RecordIORead(cpu int, n uint64) {
	if cpu < 0 || cpu >= s.n {
		return
	}
	s.lock.Lock(uint32(cpu))
	if cur, _ := s.current(cpu); cur != nil && !cur.isIdle {
		cur.ioReadBytes += n
	}
	s.lock.Unlock()
}

// RecordIOWrite credits written bytes to the calling CPU's current
// thread.
func (s *Sched) RecordIOWrite(cpu int, n uint64) {
	if cpu < 0 || cpu >= s.n {
		return
	}
	s.lock.Lock(uint32(cpu))
	if cur, _ := s.current(cpu); cur != nil && !cur.isIdle {
		cur.ioWriteBytes += n
	}
	s.lock.Unlock()
}

// AdjustUserPages moves tid's resident page count by delta, clamping
// at zero.
func (s *Sched) AdjustUserPages(cpu int, tid uint32, delta int32) {
	s.lock.Lock(uint32(cpu))
	if t := s.lookup(tid); t != nil {
		if delta < 0 && uint32(-delta) > t.userPages {
			t.userPages = 0
		} else {
			t.userPages += uint32(delta)
		}
	}
	s.lock.Unlock()
}

// SetThreadUserPages replaces tid's resident page count outright, as
// when the memory layer recounts after mapping a fresh image.
func (s *Sched) SetThreadUserPages(cpu int, tid uint32, pages uint32) {
	s.lock.Lock(uint32(cpu))
	if t := s.lookup(tid); t != nil {
		t.userPages = pages
	}
	s.lock.Unlock()
}

// SendSignal marks a signal pending on tid. It reports whether the
// target exists and is not a zombie.
func (s *Sched) SendSignal(cpu int, tid, sig uint32) bool {
	s.lock.Lock(uint32(cpu))
	t := s.lookup(tid)
	ok := t != nil && t.state != Terminated
	if ok {
		t.signals.Send(sig)
	}
	s.lock.Unlock()
	return ok
}

// DequeueCurrentSignal pops the next deliverable signal for the calling
// CPU's current thread.
func (s *Sched) DequeueCurrentSignal(cpu int) (uint32, bool) {
	if cpu < 0 || cpu >= s.n {
		return 0, false
	}
	s.lock.Lock(uint32(cpu))
	cur, _ := s.current(cpu)
	if cur == nil || cur.isIdle {
		s.lock.Unlock()
		return 0, false
	}
	sig, ok := cur.signals.Dequeue()
	s.lock.Unlock()
	return sig, ok
}

// CurrentHasPendingSignal reports whether the calling CPU's current
// thread has a deliverable signal waiting.
func (s *Sched) CurrentHasPendingSignal(cpu int) bool {
	if cpu < 0 || cpu >= s.n {
		return false
	}
	s.lock.Lock(uint32(cpu))
	cur, _ := s.current(cpu)
	pending := cur != nil && !cur.isIdle && cur.signals.HasPending()
	s.lock.Unlock()
	return pending
}

// SetSignalHandler installs tid's handler for sig and returns the old
// one.
func (s *Sched) SetSignalHandler(cpu int, tid, sig uint32, h uint64) uint64 {
	s.lock.Lock(uint32(cpu))
	var old uint64
	if t := s.lookup(tid); t != nil {
		old = t.signals.SetHandler(sig, h)
	}
	s.lock.Unlock()
	return old
}

// SetSignalBlocked replaces tid's blocked mask and returns the old one.
func (s *Sched) SetSignalBlocked(cpu int, tid, mask uint32) uint32 {
	s.lock.Lock(uint32(cpu))
	var old uint32
	if t := s.lookup(tid); t != nil {
		old = t.signals.SetBlocked(mask)
	}
	s.lock.Unlock()
	return old
}

// CPUs returns the online CPU count.
func (s *Sched) CPUs() int { return s.n }

// TickStats returns the machine-wide tick counters.
func (s *Sched) TickStats() (total, idle uint64) {
	return s.totalTicks.Load(), s.idleTicks.Load()
}

// CPUTickStats returns one CPU's tick counters. The contended count is
// ticks skipped under lock contention and not yet credited back.
func (s *Sched) CPUTickStats(cpu int) (total, idle, contended uint32) {
	if cpu < 0 || cpu >= s.n {
		return 0, 0, 0
	}
	st := &s.cpus[cpu]
	return st.totalTicks.Load(), st.idleTicks.Load(), st.contendedBusy.Load()
}

// The Debug accessors read the lock-free per-CPU shadows. They are safe
// from trap handlers and monitors while the scheduler lock is held
// elsewhere, and may briefly trail the locked state.

func (s *Sched) DebugCurrentTID(cpu int) uint32 {
	if cpu < 0 || cpu >= s.n {
		return 0
	}
	return s.cpus[cpu].shadowTID.Load()
}

func (s *Sched) DebugHasThread(cpu int) bool {
	if cpu < 0 || cpu >= s.n {
		return false
	}
	return s.cpus[cpu].hasThread.Load()
}

func (s *Sched) DebugIsUser(cpu int) bool {
	if cpu < 0 || cpu >= s.n {
		return false
	}
	return s.cpus[cpu].shadowUser.Load()
}

func (s *Sched) DebugThreadName(cpu int) string {
	if cpu < 0 || cpu >= s.n {
		return ""
	}
	name, _ := s.cpus[cpu].shadowName.Load().(string)
	return name
}

func (s *Sched) DebugStackBounds(cpu int) (bottom, top uint64) {
	if cpu < 0 || cpu >= s.n {
		return 0, 0
	}
	st := &s.cpus[cpu]
	return st.shadowStackBottom.Load(), st.shadowStackTop.Load()
}

func (s *Sched) DebugIdleStackTop(cpu int) uint64 {
	if cpu < 0 || cpu >= s.n {
		return 0
	}
	return s.cpus[cpu].idleStackTop.Load()
}

// DebugPhase names the last scheduler phase cpu entered.
func (s *Sched) DebugPhase(cpu int) string {
	return phaseName(s.diag.get(cpu))
}

// ClaimFPU records the calling CPU's current thread as the lazy-FPU
// owner, the way a device-not-available trap would.
func (s *Sched) ClaimFPU(cpu int) {
	if cpu < 0 || cpu >= s.n {
		return
	}
	st := &s.cpus[cpu]
	st.fpuOwner.Store(st.shadowTID.Load())
}

// DebugFPUOwner returns the TID owning cpu's FPU state, zero for none.
func (s *Sched) DebugFPUOwner(cpu int) uint32 {
	if cpu < 0 || cpu >= s.n {
		return 0
	}
	return s.cpus[cpu].fpuOwner.Load()
}

// LockedByCPU reports whether cpu holds the scheduler lock.
func (s *Sched) LockedByCPU(cpu int) bool {
	return cpu >= 0 && s.lock.HeldBy(uint32(cpu))
}

// Locked reports whether any CPU holds the scheduler lock.
func (s *Sched) Locked() bool { return s.lock.Locked() }
