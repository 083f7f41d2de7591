package sched

import (
	"testing"

	"ember/emberos/arch"
	"ember/emberos/caps"
	"ember/emberos/ipc"
)

func TestSpawnRecordsParent(t *testing.T) {
	s := newTestSched(1)

	// Spawned from the idle thread: no parent.
	a := s.Spawn(0, arch.KernelTextBase+0x100, 20, "A")
	if got := s.ThreadParentTID(0, a); got != 0 {
		t.Fatalf("orphan parent = %d, want 0", got)
	}

	s.ScheduleTick(0, 1)
	b := s.Spawn(0, arch.KernelTextBase+0x140, 20, "B")
	if got := s.ThreadParentTID(0, b); got != a {
		t.Fatalf("parent = %d, want %d", got, a)
	}
	if got := s.ThreadParentTID(0, 9999); got != TIDNone {
		t.Fatalf("ThreadParentTID(missing) = %#x, want TIDNone", got)
	}
}

func TestCreateThreadInCurrentProcess(t *testing.T) {
	s := newTestSched(1)
	a := s.Spawn(0, arch.KernelTextBase+0x100, 20, "shell")
	s.ScheduleTick(0, 1)

	s.SetThreadUserInfo(0, a, arch.PageDir(0x7000))
	s.SetThreadCwd(0, a, "/srv")
	s.SetThreadIdentity(0, a, 1000, 100)
	s.SetThreadCapabilities(0, a, caps.Process|caps.Thread)

	w := s.CreateThreadInCurrentProcess(0, arch.KernelTextBase+0x180, 25, "worker")
	if w == TIDNone {
		t.Fatal("sibling spawn failed")
	}
	if got := s.ThreadParentTID(0, w); got != a {
		t.Fatalf("sibling parent = %d, want %d", got, a)
	}
	if got := s.ThreadCwd(0, w); got != "/srv" {
		t.Fatalf("sibling cwd = %q, want %q", got, "/srv")
	}
	if got := s.ThreadCapabilities(0, w); got != (caps.Process | caps.Thread) {
		t.Fatalf("sibling caps = %#x", got)
	}
	if !s.HasLivePDSiblings(0, a) {
		t.Fatal("sibling not visible through the shared page dir")
	}

	s.lock.Lock(testLockCPU)
	defer s.lock.Unlock()
	at := s.threads[s.findIdx(a)]
	wt := s.threads[s.findIdx(w)]
	if !at.pdShared || !wt.pdShared {
		t.Fatalf("pdShared = %v/%v, want true/true", at.pdShared, wt.pdShared)
	}
	if wt.pageDir != at.pageDir || !wt.isUser {
		t.Fatalf("sibling pageDir=%#x isUser=%v, want %#x/true", wt.pageDir, wt.isUser, at.pageDir)
	}
	if wt.uid != 1000 || wt.gid != 100 {
		t.Fatalf("sibling identity = %d:%d, want 1000:100", wt.uid, wt.gid)
	}
	if _, ok := wt.fds.Get(0); !ok {
		t.Fatal("sibling missing inherited fd 0")
	}
	if wt.signals.Pending != 0 {
		t.Fatalf("sibling born with pending signals %#x", wt.signals.Pending)
	}
	if got := wt.context.PageTable(); got != 0x7000 {
		t.Fatalf("sibling CR3 = %#x, want 0x7000", got)
	}
	if err := wt.context.VerifyIntegrity(); err != nil {
		t.Fatalf("sibling context rejected: %v", err)
	}
}

func TestCreateThreadWithoutProcessIsPlainSpawn(t *testing.T) {
	s := newTestSched(1)
	w := s.CreateThreadInCurrentProcess(0, arch.KernelTextBase+0x180, 25, "solo")
	if w == TIDNone {
		t.Fatal("spawn failed")
	}
	s.lock.Lock(testLockCPU)
	defer s.lock.Unlock()
	wt := s.threads[s.findIdx(w)]
	if wt.pdShared || wt.isUser || wt.pageDir != 0 {
		t.Fatalf("idle-spawned sibling inherited state: pdShared=%v isUser=%v pd=%#x",
			wt.pdShared, wt.isUser, wt.pageDir)
	}
}

func TestKillThreadSentinels(t *testing.T) {
	s := newTestSched(1)
	a := s.Spawn(0, arch.KernelTextBase+0x100, 20, "A")

	if got := s.KillThread(0, 0); got != TIDNone {
		t.Fatalf("KillThread(0) = %#x, want TIDNone", got)
	}
	if got := s.KillThread(0, s.cpus[0].idleTID); got != TIDNone {
		t.Fatalf("KillThread(idle) = %#x, want TIDNone", got)
	}
	if got := s.KillThread(0, 9999); got != TIDNone {
		t.Fatalf("KillThread(missing) = %#x, want TIDNone", got)
	}
	if got := s.KillThread(0, a); got != 0 {
		t.Fatalf("KillThread(live) = %#x, want 0", got)
	}
	if got := s.KillThread(0, a); got != TIDNone {
		t.Fatalf("KillThread(dead) = %#x, want TIDNone", got)
	}

	s.lock.Lock(testLockCPU)
	at := s.threads[s.findIdx(a)]
	if at.state != Terminated || at.exitCode == nil || *at.exitCode != 128+ipc.SIGKILL {
		t.Fatalf("killed thread state=%v code=%v, want %v/%d", at.state, at.exitCode, Terminated, 128+ipc.SIGKILL)
	}
	s.lock.Unlock()
	checkSchedConsistency(t, s)
}

func TestKillRunningDeschedulesOnNextTick(t *testing.T) {
	s := newTestSched(1)
	a := s.Spawn(0, arch.KernelTextBase+0x100, 20, "A")
	s.ScheduleTick(0, 1)

	if got := s.KillThread(0, a); got != 0 {
		t.Fatalf("KillThread() = %#x, want 0", got)
	}
	// The victim stays on the CPU until the next schedule pass.
	if got := s.DebugCurrentTID(0); got != a {
		t.Fatalf("victim descheduled early: current = %d", got)
	}

	s.ScheduleTick(0, 2)
	if got := s.DebugCurrentTID(0); got != s.cpus[0].idleTID {
		t.Fatalf("current = %d, want idle after kill", got)
	}
	checkSchedConsistency(t, s)
}

func TestExitSignalsParent(t *testing.T) {
	s := newTestSched(1)
	a := s.Spawn(0, arch.KernelTextBase+0x100, 20, "parent")
	s.ScheduleTick(0, 1)
	s.Spawn(0, arch.KernelTextBase+0x140, 20, "child")

	s.ScheduleTick(0, 2) // child takes the CPU
	s.ExitCurrent(0, 9)

	if got := s.DebugCurrentTID(0); got != a {
		t.Fatalf("current = %d, want parent %d", got, a)
	}
	sig, ok := s.DequeueCurrentSignal(0)
	if !ok || sig != ipc.SIGCHLD {
		t.Fatalf("DequeueCurrentSignal() = %d, %v, want SIGCHLD", sig, ok)
	}
	if _, ok := s.DequeueCurrentSignal(0); ok {
		t.Fatal("second dequeue produced a signal")
	}
}

func TestExitCurrentOnIdleIsNoOp(t *testing.T) {
	s := newTestSched(1)
	s.ScheduleTick(0, 1)
	s.ExitCurrent(0, 1)
	if got := s.DebugCurrentTID(0); got != s.cpus[0].idleTID {
		t.Fatalf("idle vanished: current = %d", got)
	}
	s.lock.Lock(testLockCPU)
	st := s.threads[s.findIdx(s.cpus[0].idleTID)].state
	s.lock.Unlock()
	if st != Running {
		t.Fatalf("idle state = %v, want %v", st, Running)
	}
}

func TestTryExitCurrentUnderContention(t *testing.T) {
	s := newTestSched(1)
	a := s.Spawn(0, arch.KernelTextBase+0x100, 20, "A")
	s.ScheduleTick(0, 1)

	s.lock.Lock(testLockCPU)
	if s.TryExitCurrent(0, 3) {
		t.Fatal("TryExitCurrent succeeded against a held lock")
	}
	at := s.threads[s.findIdx(a)]
	if at.state != Running {
		t.Fatalf("state = %v, want %v", at.state, Running)
	}
	s.lock.Unlock()

	if !s.TryExitCurrent(0, 3) {
		t.Fatal("TryExitCurrent failed with the lock free")
	}
	if got := s.TryWaitpid(0, a); got != 3 {
		t.Fatalf("exit code = %#x, want 3", got)
	}
}

func TestWakeThreadRoundTrip(t *testing.T) {
	s := newTestSched(1)
	a := s.Spawn(0, arch.KernelTextBase+0x100, 20, "A")
	s.ScheduleTick(0, 1)
	s.BlockCurrent(0)

	if s.WakeThread(0, 9999) {
		t.Fatal("woke a missing thread")
	}
	if !s.WakeThread(0, a) {
		t.Fatal("wake of a blocked thread failed")
	}
	if s.WakeThread(0, a) {
		t.Fatal("second wake reported success on a Ready thread")
	}

	s.ScheduleTick(0, 2)
	if got := s.DebugCurrentTID(0); got != a {
		t.Fatalf("current = %d, want woken %d", got, a)
	}
	checkSchedConsistency(t, s)
}

func TestTryWakeDefersUnderContention(t *testing.T) {
	s := newTestSched(1)
	a := s.Spawn(0, arch.KernelTextBase+0x100, 20, "A")
	s.ScheduleTick(0, 1)
	s.BlockCurrent(0)

	s.lock.Lock(testLockCPU)
	if s.TryWakeThread(0, a) {
		t.Fatal("contended wake reported immediate delivery")
	}
	// Still blocked: the wake is parked, not applied.
	if st := s.threads[s.findIdx(a)].state; st != Blocked {
		t.Fatalf("state = %v, want %v before drain", st, Blocked)
	}
	s.lock.Unlock()

	s.ScheduleTick(0, 2) // drains the parked wake and runs the thread
	if got := s.DebugCurrentTID(0); got != a {
		t.Fatalf("current = %d, want %d after drain", got, a)
	}

	// Uncontended, the wake applies immediately.
	s.BlockCurrent(0)
	if !s.TryWakeThread(0, a) {
		t.Fatal("uncontended wake not delivered")
	}
	checkSchedConsistency(t, s)
}

func TestSpawnBlockedStaysOffQueue(t *testing.T) {
	s := newTestSched(1)
	b := s.SpawnBlocked(0, arch.KernelTextBase+0x100, 20, "B")

	s.ScheduleTick(0, 1)
	if s.DebugHasThread(0) {
		t.Fatalf("blocked spawn was scheduled: current = %d", s.DebugCurrentTID(0))
	}

	s.WakeThread(0, b)
	s.ScheduleTick(0, 2)
	if got := s.DebugCurrentTID(0); got != b {
		t.Fatalf("current = %d, want %d after wake", got, b)
	}
	checkSchedConsistency(t, s)
}
