// Package sched implements the preemptive multi-core thread scheduler:
// per-CPU priority run queues with a global scheduler lock, lock-free
// per-CPU shadow state for monitors, register-context integrity checks
// before every load, and the thread lifecycle from spawn to reap.
package sched

import (
	"errors"
	"fmt"
	"sync/atomic"

	"ember/emberos/arch"
	"ember/emberos/ipc"
	"ember/hal"
	"ember/kernel"
)

const (
	// maxCPUs bounds the per-CPU state arrays.
	maxCPUs = 16

	// canarySweepEvery is the CPU0 cadence, in ticks, for the saved
	// context sweep.
	canarySweepEvery = 100

	// rebalanceEvery is the CPU0 cadence, in ticks, for affinity
	// rebalancing.
	rebalanceEvery = 1000

	// rebalanceGap is how many runnable threads ahead the busiest CPU
	// must be before one migrates.
	rebalanceGap = 3

	// stealMinDepth is the smallest backlog worth stealing from.
	stealMinDepth = 3

	// pickAttempts bounds how many stale queue entries one pick will
	// chew through.
	pickAttempts = 8

	// reapBatch bounds how many dead threads one pass releases.
	reapBatch = 8

	// reapGraceTicks is how long a terminated thread stays around so
	// late waiters can still read its exit code.
	reapGraceTicks = 50

	// reapAutoTicks is when an unwaited, unconsumed thread gets reaped
	// anyway.
	reapAutoTicks = 200

	// corruptExit is the exit code for threads killed over a bad
	// context or stack.
	corruptExit = 128 + ipc.SIGSEGV
)

// Config carries the knobs for New. Zero values get working defaults.
type Config struct {
	// CPUs is the online CPU count, clamped to [1, 16].
	CPUs int

	// Logger receives diagnostics. Nil discards them.
	Logger hal.Logger

	// Switcher performs the context switch. Nil installs a SimSwitch.
	Switcher arch.Switcher
}

// cpuState is everything one CPU owns. The queue and current fields are
// guarded by the scheduler lock; the atomics are shadows that trap
// handlers and monitors may read without it.
type cpuState struct {
	queue      runQueue
	currentTID uint32
	currentIdx int
	idleTID    uint32

	shadowTID         atomic.Uint32
	hasThread         atomic.Bool
	shadowUser        atomic.Bool
	shadowName        atomic.Value
	shadowStackBottom atomic.Uint64
	shadowStackTop    atomic.Uint64
	idleStackTop      atomic.Uint64
	fpuOwner          atomic.Uint32
	fpuPtr            atomic.Pointer[arch.FxState]

	inScheduler atomic.Bool

	totalTicks    atomic.Uint32
	idleTicks     atomic.Uint32
	contendedBusy atomic.Uint32

	// scratchCtx soaks up a register save when the outgoing thread no
	// longer exists. It is never verified or loaded.
	scratchCtx arch.CpuContext
}

// Sched is the scheduler instance. One per machine.
type Sched struct {
	_ [0]func()

	log      hal.Logger
	switcher arch.Switcher
	n        int

	lock kernel.SpinLock

	// Guarded by lock.
	threads      []*thread
	now          uint32
	canarySweep  uint32
	rebalanceCtr uint32
	aslr         uint64

	cpus [maxCPUs]cpuState

	wakes   kernel.WakeSet
	diag    diagBoard
	nextTID atomic.Uint32
	rr      atomic.Uint32

	totalTicks atomic.Uint64
	idleTicks  atomic.Uint64
}

// New builds a scheduler with one idle thread per online CPU. Call
// Start before the first schedule pass.
func New(cfg Config) *Sched {
	n := cfg.CPUs
	if n < 1 {
		n = 1
	}
	if n > maxCPUs {
		n = maxCPUs
	}
	log := cfg.Logger
	if log == nil {
		log = hal.Discard()
	}
	sw := cfg.Switcher
	if sw == nil {
		sw = &arch.SimSwitch{}
	}

	s := &Sched{log: log, switcher: sw, n: n, aslr: 0x9E3779B97F4A7C15}
	s.lock.SetTimeoutHandler(func(waiter, owner uint32) {
		phase := "?"
		if owner != kernel.NoOwner {
			phase = phaseName(s.diag.get(int(owner)))
		}
		s.log.WriteLineString(fmt.Sprintf("!SPIN STALL: cpu%d waiting on cpu%d in %s", waiter, owner, phase))
	})

	for c := 0; c < n; c++ {
		s.initCPU(c)
	}
	return s
}

// initCPU builds cpu's idle thread and seeds its per-CPU state. Idle
// threads are critical so the integrity checks may complain about them
// but never kill them. Caller owns the scheduler exclusively.
func (s *Sched) initCPU(cpu int) {
	idle := s.newThread(arch.KernelTextBase, 0, fmt.Sprintf("idle%d", cpu))
	idle.isIdle = true
	idle.critical = true
	idle.affinityCPU = cpu
	idle.lastCPU = cpu
	s.threads = append(s.threads, idle)

	st := &s.cpus[cpu]
	st.idleTID = idle.tid
	st.currentIdx = -1
	st.shadowName.Store("")
	st.idleStackTop.Store(idle.stackTop())
	st.scratchCtx.MarkSaved()
}

// RegisterAPIdle brings one more CPU online: it builds that CPU's idle
// thread, publishes the shadow state, and starts the CPU on idle. CPUs
// come online in order; out-of-order or repeat registration reports
// false.
func (s *Sched) RegisterAPIdle(cpu int) bool {
	if cpu < 1 || cpu >= maxCPUs {
		return false
	}
	s.diag.set(cpu, phaseRegisterAP)
	s.lock.Lock(uint32(cpu))
	if cpu != s.n {
		s.lock.Unlock()
		return false
	}
	s.initCPU(cpu)
	s.n = cpu + 1
	s.makeCurrent(cpu, len(s.threads)-1, s.threads[len(s.threads)-1])
	s.lock.Unlock()
	return true
}

// Start marks every online CPU as running its idle thread.
func (s *Sched) Start() {
	s.lock.Lock(0)
	for c := 0; c < s.n; c++ {
		idx := s.findIdx(s.cpus[c].idleTID)
		s.makeCurrent(c, idx, s.threads[idx])
	}
	s.lock.Unlock()
}

// ScheduleTick runs the timer-driven schedule pass for cpu at tick now.
// It reports whether the pass ran; contention and reentry skip it and
// only account the tick.
func (s *Sched) ScheduleTick(cpu int, now uint32) bool {
	if cpu < 0 || cpu >= s.n {
		return false
	}
	st := &s.cpus[cpu]
	s.totalTicks.Add(1)
	st.totalTicks.Add(1)

	if st.inScheduler.Load() {
		s.accountSkippedTick(st)
		return false
	}
	st.inScheduler.Store(true)
	s.diag.set(cpu, phaseScheduleTimer)

	if !s.lock.TryLock(uint32(cpu)) {
		s.accountSkippedTick(st)
		st.inScheduler.Store(false)
		return false
	}
	s.now = now
	s.scheduleInner(cpu, true)
	return true
}

// Schedule runs a voluntary schedule pass for cpu, spinning for the
// lock instead of skipping on contention.
func (s *Sched) Schedule(cpu int) {
	if cpu < 0 || cpu >= s.n {
		return
	}
	st := &s.cpus[cpu]
	if !st.inScheduler.CompareAndSwap(false, true) {
		return
	}
	s.diag.set(cpu, phaseScheduleVoluntary)
	s.lock.Lock(uint32(cpu))
	s.scheduleInner(cpu, false)
}

// accountSkippedTick attributes a tick that never reached the lock.
// Busy ticks are parked in contendedBusy and credited to the running
// thread by a later pass.
func (s *Sched) accountSkippedTick(st *cpuState) {
	if st.hasThread.Load() {
		st.contendedBusy.Add(1)
	} else {
		s.idleTicks.Add(1)
		st.idleTicks.Add(1)
	}
}

// scheduleInner is one full scheduling pass. The caller holds the lock
// and has set the in-scheduler flag; both are released here. The pass
// never loads a context that fails verification.
func (s *Sched) scheduleInner(cpu int, timer bool) {
	st := &s.cpus[cpu]

	var reaped []*thread
	if timer {
		reaped = s.reapTerminated()
	}

	s.wakes.Drain(func(tid uint32) { s.wakeThreadInner(tid) })

	if timer && cpu == 0 {
		s.canarySweep++
		if s.canarySweep >= canarySweepEvery {
			s.canarySweep = 0
			s.sweepSavedContexts()
		}
	}
	if timer {
		s.expireSleepers()
	}
	if timer && cpu == 0 {
		s.rebalanceCtr++
		if s.rebalanceCtr >= rebalanceEvery {
			s.rebalanceCtr = 0
			s.rebalance()
		}
	}

	idleIdx := s.findIdx(st.idleTID)
	idle := s.threads[idleIdx]

	outTID := st.currentTID
	outIdx := st.currentIdx
	if outIdx < 0 || outIdx >= len(s.threads) || s.threads[outIdx].tid != outTID {
		outIdx = s.findIdx(outTID)
	}
	var out *thread
	if outIdx >= 0 {
		out = s.threads[outIdx]
	}

	if cb := st.contendedBusy.Swap(0); cb > 0 && out != nil && !out.isIdle {
		out.cpuTicks += cb
	}
	if timer {
		if out == nil || out.isIdle {
			s.idleTicks.Add(1)
			st.idleTicks.Add(1)
		} else if out.state == Running {
			out.cpuTicks++
		}
	}

	// Demote the outgoing thread. Its register state is about to go
	// stale, so the saved flag drops first; another CPU that dequeues
	// it before the save lands will put it back.
	if out != nil && !out.isIdle {
		out.context.ClearSaved()
		if out.state == Running {
			out.state = Ready
			out.lastCPU = cpu
			s.enqueueOn(out)
		}
	}

	var oldCtx, newCtx *arch.CpuContext
	var corrupt *corruptReport
	switched := false

	next, nextIdx := s.pickNext(cpu, outTID)
	switch {
	case next != nil && next.tid == outTID:
		// Same thread keeps the CPU. No load happens, so no check.
		s.makeCurrent(cpu, nextIdx, next)
		next.context.MarkSaved()

	case next != nil:
		if reason := checkIncoming(next); reason != "" {
			corrupt = s.killCorrupt(next, reason)
			oldCtx, newCtx, switched = s.rollback(cpu, out, outIdx, idle, idleIdx)
		} else {
			if out != nil && out.isIdle {
				out.state = Ready
			}
			s.makeCurrent(cpu, nextIdx, next)
			if out != nil {
				oldCtx = &out.context
			} else {
				oldCtx = &st.scratchCtx
			}
			newCtx = &next.context
			switched = true
		}

	case out == nil && outTID != 0:
		// The current thread vanished from the table. Land on idle
		// from scratch state.
		s.log.WriteLineString(fmt.Sprintf("!REAPED-CURRENT: TID=%d cpu%d", outTID, cpu))
		s.makeCurrent(cpu, idleIdx, idle)
		oldCtx = &st.scratchCtx
		newCtx = &idle.context
		switched = true

	case out == nil:
		s.makeCurrent(cpu, idleIdx, idle)

	case out.state == Running:
		// Only idle can still be Running here; everyone else was
		// demoted above. Idle keeps the CPU.

	default:
		// Outgoing is Ready, Blocked, or Terminated and nothing else
		// is eligible: fall back to idle and save the outgoing state.
		s.makeCurrent(cpu, idleIdx, idle)
		oldCtx = &out.context
		newCtx = &idle.context
		switched = true
	}

	if switched && outTID != 0 && st.fpuOwner.Load() == outTID {
		st.fpuOwner.Store(0)
	}

	s.lock.Unlock()

	if corrupt != nil {
		s.logCorrupt(corrupt)
	}
	for _, t := range reaped {
		t.fds.CloseAll()
	}

	// The switch may never return here for a fresh thread, so the
	// reentry flag clears first.
	st.inScheduler.Store(false)
	if switched {
		s.switcher.Switch(oldCtx, newCtx)
	}
}

// rollback restores a coherent current thread after a corrupt incoming
// context was rejected. The pick never committed, so the shadows still
// describe the outgoing thread.
func (s *Sched) rollback(cpu int, out *thread, outIdx int, idle *thread, idleIdx int) (oldCtx, newCtx *arch.CpuContext, switched bool) {
	st := &s.cpus[cpu]
	switch {
	case out == nil:
		s.makeCurrent(cpu, idleIdx, idle)
		return &st.scratchCtx, &idle.context, true
	case out.state == Ready:
		// Registers are still live on this CPU; un-demote and keep
		// running it.
		s.removeFromAllQueues(out.tid)
		s.makeCurrent(cpu, outIdx, out)
		out.context.MarkSaved()
		return nil, nil, false
	case out.state == Running:
		return nil, nil, false
	default:
		s.makeCurrent(cpu, idleIdx, idle)
		return &out.context, &idle.context, true
	}
}

// checkIncoming vets a context before it is loaded. Empty means clean.
func checkIncoming(t *thread) string {
	if t.stackTop() < arch.KernelAddrMin {
		return "KSTACK BAD"
	}
	err := t.context.VerifyIntegrity()
	switch {
	case err == nil:
		return ""
	case errors.Is(err, arch.ErrCanaryDead):
		return "CANARY DEAD"
	case errors.Is(err, arch.ErrChecksumMismatch):
		return "CHECKSUM FAIL"
	default:
		return "RANGE BAD"
	}
}

type corruptReport struct {
	reason string
	tid    uint32
	name   string
	ctx    arch.CpuContext
}

// killCorrupt terminates a thread whose context failed verification and
// snapshots the evidence for printing after the lock drops.
func (s *Sched) killCorrupt(t *thread, reason string) *corruptReport {
	t.state = Terminated
	code := uint32(corruptExit)
	t.exitCode = &code
	at := s.now
	t.terminatedAt = &at
	return &corruptReport{reason: reason, tid: t.tid, name: t.nameStr(), ctx: t.context}
}

func (s *Sched) logCorrupt(r *corruptReport) {
	c := &r.ctx
	s.log.WriteLineString(fmt.Sprintf("!%s: TID=%d '%s' canary=%#x chk=%#x expect=%#x",
		r.reason, r.tid, r.name, c.Canary, c.Checksum, c.ComputeChecksum()))
	s.log.WriteLineString(fmt.Sprintf("  rax=%016x rbx=%016x rcx=%016x rdx=%016x", c.RAX, c.RBX, c.RCX, c.RDX))
	s.log.WriteLineString(fmt.Sprintf("  rsi=%016x rdi=%016x rbp=%016x r8 =%016x", c.RSI, c.RDI, c.RBP, c.R8))
	s.log.WriteLineString(fmt.Sprintf("  r9 =%016x r10=%016x r11=%016x r12=%016x", c.R9, c.R10, c.R11, c.R12))
	s.log.WriteLineString(fmt.Sprintf("  r13=%016x r14=%016x r15=%016x rsp=%016x", c.R13, c.R14, c.R15, c.RSP))
	s.log.WriteLineString(fmt.Sprintf("  rip=%016x rfl=%016x cr3=%016x sav=%v", c.RIP, c.RFLAGS, c.CR3, c.Saved()))
}

// pickNext chooses the next thread for cpu: the local queue first, then
// a steal from the deepest backlog elsewhere.
func (s *Sched) pickNext(cpu int, outgoingTID uint32) (*thread, int) {
	if t, i := s.pickEligible(cpu, outgoingTID, false); t != nil {
		return t, i
	}
	busiest, depth := -1, 0
	for c := 0; c < s.n; c++ {
		if c == cpu {
			continue
		}
		if d := s.cpus[c].queue.total(); d > depth {
			busiest, depth = c, d
		}
	}
	if busiest < 0 || depth < stealMinDepth {
		return nil, -1
	}
	return s.pickEligible(busiest, outgoingTID, true)
}

// pickEligible pops candidates from cpu's queue until one can run.
// Stealing takes from the low-priority end so the victim CPU keeps its
// hot work. A candidate whose register save has not landed goes back
// and ends the pick, so a high-priority thread is never skipped over.
func (s *Sched) pickEligible(cpu int, outgoingTID uint32, steal bool) (*thread, int) {
	q := &s.cpus[cpu].queue
	for attempts := 0; attempts < pickAttempts; attempts++ {
		var tid uint32
		var ok bool
		if steal {
			tid, ok = q.dequeueLowest()
		} else {
			tid, ok = q.dequeueHighest()
		}
		if !ok {
			return nil, -1
		}
		i := s.findIdx(tid)
		if i < 0 {
			continue // reaped while queued
		}
		t := s.threads[i]
		if t.state != Ready {
			continue // stale entry; queues hold Ready threads only
		}
		if !t.context.Saved() && t.tid != outgoingTID {
			q.enqueue(tid, t.priority)
			return nil, -1
		}
		return t, i
	}
	return nil, -1
}

// reapTerminated releases dead threads whose exit status was consumed,
// or that nobody waited on past the auto deadline. The returned threads
// get their file descriptors torn down after the lock drops.
func (s *Sched) reapTerminated() []*thread {
	var reaped []*thread
	for i := 0; i < len(s.threads) && len(reaped) < reapBatch; {
		t := s.threads[i]
		if t.isIdle || t.state != Terminated || !t.context.Saved() || t.terminatedAt == nil {
			i++
			continue
		}
		elapsed := s.now - *t.terminatedAt
		if elapsed <= reapGraceTicks {
			i++
			continue
		}
		consumed := t.exitCode == nil
		auto := t.waitingTID == nil && elapsed > reapAutoTicks
		if !consumed && !auto {
			i++
			continue
		}
		if s.isCurrentAnywhere(t.tid) {
			i++
			continue
		}

		s.removeFromAllQueues(t.tid)
		last := len(s.threads) - 1
		s.threads[i] = s.threads[last]
		s.threads[last] = nil
		s.threads = s.threads[:last]
		for c := 0; c < s.n; c++ {
			if s.cpus[c].currentIdx == last {
				s.cpus[c].currentIdx = i
			}
		}
		reaped = append(reaped, t)
		// The swapped-in element now sits at i; revisit it.
	}
	return reaped
}

// sweepSavedContexts scans parked contexts for corruption and reports
// the first hit. The kill happens later, when the thread would load.
func (s *Sched) sweepSavedContexts() {
	for _, t := range s.threads {
		if t.isIdle || t.state == Running || !t.context.Saved() {
			continue
		}
		if !t.context.CanaryOK() {
			s.log.WriteLineString(fmt.Sprintf("!CANARY DEAD: TID=%d '%s' canary=%#x", t.tid, t.nameStr(), t.context.Canary))
			return
		}
		if !t.context.ChecksumOK() {
			s.log.WriteLineString(fmt.Sprintf("!CHECKSUM FAIL: TID=%d '%s' have=%#x want=%#x",
				t.tid, t.nameStr(), t.context.Checksum, t.context.ComputeChecksum()))
			return
		}
	}
}

// expireSleepers wakes Blocked threads whose deadline has passed. The
// comparison tolerates tick counter wraparound.
func (s *Sched) expireSleepers() {
	for _, t := range s.threads {
		if t.state != Blocked || t.wakeAtTick == nil {
			continue
		}
		if s.now-*t.wakeAtTick < 1<<31 {
			t.state = Ready
			t.wakeAtTick = nil
			s.enqueueOn(t)
		}
	}
}

// rebalance migrates one thread from the busiest CPU to the lightest
// when the spread is wide enough. Only the affinity moves; the queue
// entry follows on the next enqueue.
func (s *Sched) rebalance() {
	var loads [maxCPUs]int
	for _, t := range s.threads {
		if t.isIdle || (t.state != Ready && t.state != Running) {
			continue
		}
		c := t.affinityCPU
		if c < 0 || c >= s.n {
			c = 0
		}
		loads[c]++
	}
	busiest, lightest := 0, 0
	for c := 1; c < s.n; c++ {
		if loads[c] > loads[busiest] {
			busiest = c
		}
		if loads[c] < loads[lightest] {
			lightest = c
		}
	}
	if busiest == lightest || loads[busiest] < loads[lightest]+rebalanceGap {
		return
	}
	var victim *thread
	for _, t := range s.threads {
		if t.isIdle || t.critical || t.affinityCPU != busiest {
			continue
		}
		if t.state != Ready && t.state != Running {
			continue
		}
		if victim == nil || t.priority >= victim.priority {
			victim = t
		}
	}
	if victim != nil {
		victim.affinityCPU = lightest
	}
}

// makeCurrent commits t as cpu's current thread and publishes the
// lock-free shadows that trap handlers read.
func (s *Sched) makeCurrent(cpu, idx int, t *thread) {
	st := &s.cpus[cpu]
	st.currentTID = t.tid
	st.currentIdx = idx
	t.state = Running
	t.lastCPU = cpu

	st.shadowTID.Store(t.tid)
	st.hasThread.Store(!t.isIdle)
	st.shadowUser.Store(t.isUser)
	st.shadowName.Store(t.nameStr())
	st.shadowStackBottom.Store(t.stackBottom())
	st.shadowStackTop.Store(t.stackTop())
	st.fpuPtr.Store(t.fpu)
}

// current resolves cpu's current thread under the lock, repairing a
// stale index cache.
func (s *Sched) current(cpu int) (*thread, int) {
	st := &s.cpus[cpu]
	idx := st.currentIdx
	if idx >= 0 && idx < len(s.threads) && s.threads[idx].tid == st.currentTID {
		return s.threads[idx], idx
	}
	idx = s.findIdx(st.currentTID)
	st.currentIdx = idx
	if idx < 0 {
		return nil, -1
	}
	return s.threads[idx], idx
}

func (s *Sched) findIdx(tid uint32) int {
	for i, t := range s.threads {
		if t.tid == tid {
			return i
		}
	}
	return -1
}

func (s *Sched) isCurrentAnywhere(tid uint32) bool {
	for c := 0; c < s.n; c++ {
		if s.cpus[c].currentTID == tid {
			return true
		}
	}
	return false
}

// enqueueOn queues t on its affinity CPU, falling back to CPU0 when the
// affinity is out of range.
func (s *Sched) enqueueOn(t *thread) {
	cpu := t.affinityCPU
	if cpu < 0 || cpu >= s.n {
		cpu = 0
	}
	s.cpus[cpu].queue.enqueue(t.tid, t.priority)
}

// leastLoadedCPU picks the shallowest queue, breaking ties round-robin
// so bursts of spawns spread out.
func (s *Sched) leastLoadedCPU() int {
	rr := s.rr.Add(1) - 1
	best := 0
	bestLen := s.cpus[0].queue.total()
	tie := 1
	for c := 1; c < s.n; c++ {
		l := s.cpus[c].queue.total()
		switch {
		case l < bestLen:
			best, bestLen, tie = c, l, 1
		case l == bestLen:
			tie++
			if rr%uint32(tie) == 0 {
				best = c
			}
		}
	}
	return best
}

// addThread places a new thread on the least loaded CPU and makes it
// runnable.
func (s *Sched) addThread(t *thread) {
	cpu := s.leastLoadedCPU()
	t.lastCPU = cpu
	t.affinityCPU = cpu
	s.threads = append(s.threads, t)
	s.cpus[cpu].queue.enqueue(t.tid, t.priority)
}

// addThreadBlocked places a new thread without queueing it. A later
// wake makes it runnable.
func (s *Sched) addThreadBlocked(t *thread) {
	cpu := s.leastLoadedCPU()
	t.lastCPU = cpu
	t.affinityCPU = cpu
	t.state = Blocked
	s.threads = append(s.threads, t)
}

func (s *Sched) removeFromAllQueues(tid uint32) {
	for c := 0; c < s.n; c++ {
		s.cpus[c].queue.remove(tid)
	}
}

// wakeThreadInner makes a Blocked thread runnable. It reports whether a
// wake actually happened.
func (s *Sched) wakeThreadInner(tid uint32) bool {
	i := s.findIdx(tid)
	if i < 0 {
		return false
	}
	t := s.threads[i]
	if t.state != Blocked {
		return false
	}
	t.state = Ready
	t.wakeAtTick = nil
	s.enqueueOn(t)
	return true
}
