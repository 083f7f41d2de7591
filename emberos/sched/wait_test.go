package sched

import (
	"runtime"
	"testing"

	"ember/emberos/arch"
	"ember/emberos/ipc"
)

func TestTryWaitpidSentinels(t *testing.T) {
	s := newTestSched(1)
	a := s.Spawn(0, arch.KernelTextBase+0x100, 20, "A")

	if got := s.TryWaitpid(0, 9999); got != WaitNotFound {
		t.Fatalf("TryWaitpid(missing) = %#x, want WaitNotFound", got)
	}
	if got := s.TryWaitpid(0, a); got != WaitStillRunning {
		t.Fatalf("TryWaitpid(live) = %#x, want WaitStillRunning", got)
	}

	s.KillThread(0, a)
	if got := s.TryWaitpid(0, a); got != 128+ipc.SIGKILL {
		t.Fatalf("TryWaitpid(dead) = %#x, want %d", got, 128+ipc.SIGKILL)
	}
	if got := s.TryWaitpid(0, a); got != WaitNotFound {
		t.Fatalf("TryWaitpid(consumed) = %#x, want WaitNotFound", got)
	}
}

func TestWaitpidBlocksUntilExit(t *testing.T) {
	prev := runtime.GOMAXPROCS(1)
	defer runtime.GOMAXPROCS(prev)

	s := newTestSched(1)
	a := s.Spawn(0, arch.KernelTextBase+0x100, 20, "A")
	s.ScheduleTick(0, 1)

	start := make(chan struct{})
	go func() {
		<-start
		s.KillThread(0, a)
	}()
	close(start)

	code, ok := s.Waitpid(0, a)
	if !ok || code != 128+ipc.SIGKILL {
		t.Fatalf("Waitpid() = %d, %v, want %d, true", code, ok, 128+ipc.SIGKILL)
	}
}

func TestWaitpidMissingReturnsImmediately(t *testing.T) {
	s := newTestSched(1)
	if code, ok := s.Waitpid(0, 9999); ok || code != 0 {
		t.Fatalf("Waitpid(missing) = %d, %v, want 0, false", code, ok)
	}
}

func TestWaitpidAnyFamily(t *testing.T) {
	s := newTestSched(1)

	// The idle thread has no children.
	if tid, code := s.TryWaitpidAny(0); tid != WaitNotFound || code != WaitNotFound {
		t.Fatalf("TryWaitpidAny(no children) = %#x, %#x", tid, code)
	}
	if _, _, ok := s.WaitpidAny(0); ok {
		t.Fatal("WaitpidAny reported a child where none exist")
	}

	s.Spawn(0, arch.KernelTextBase+0x100, 20, "parent")
	s.ScheduleTick(0, 1)
	c1 := s.Spawn(0, arch.KernelTextBase+0x140, 20, "c1")
	c2 := s.Spawn(0, arch.KernelTextBase+0x180, 20, "c2")

	if tid, code := s.TryWaitpidAny(0); tid != WaitNotFound || code != WaitStillRunning {
		t.Fatalf("TryWaitpidAny(live children) = %#x, %#x, want still-running", tid, code)
	}

	s.KillThread(0, c1)
	tid, code := s.TryWaitpidAny(0)
	if tid != c1 || code != 128+ipc.SIGKILL {
		t.Fatalf("TryWaitpidAny() = %d, %d, want %d, %d", tid, code, c1, 128+ipc.SIGKILL)
	}

	// The consumed zombie no longer counts; c2 still does.
	if tid, code := s.TryWaitpidAny(0); tid != WaitNotFound || code != WaitStillRunning {
		t.Fatalf("TryWaitpidAny(after consume) = %#x, %#x, want still-running", tid, code)
	}

	s.KillThread(0, c2)
	tid, code, ok := s.WaitpidAny(0)
	if !ok || tid != c2 || code != 128+ipc.SIGKILL {
		t.Fatalf("WaitpidAny() = %d, %d, %v, want %d", tid, code, ok, c2)
	}

	// Both statuses consumed: the parent is childless again.
	if tid, code := s.TryWaitpidAny(0); tid != WaitNotFound || code != WaitNotFound {
		t.Fatalf("TryWaitpidAny(all consumed) = %#x, %#x, want no-children", tid, code)
	}
}

func TestSleepUntilWakesAtDeadline(t *testing.T) {
	s := newTestSched(1)
	a := s.Spawn(0, arch.KernelTextBase+0x100, 20, "A")
	s.ScheduleTick(0, 1)
	s.SleepUntil(0, 5)

	if got := s.DebugCurrentTID(0); got != s.cpus[0].idleTID {
		t.Fatalf("sleeper still current: %d", got)
	}
	for now := uint32(2); now <= 4; now++ {
		s.ScheduleTick(0, now)
		if s.DebugHasThread(0) {
			t.Fatalf("tick %d: sleeper woke early", now)
		}
	}
	s.ScheduleTick(0, 5)
	if got := s.DebugCurrentTID(0); got != a {
		t.Fatalf("current = %d, want %d at the deadline", got, a)
	}
	checkSchedConsistency(t, s)
}

func TestSleepUntilAcrossTickWraparound(t *testing.T) {
	s := newTestSched(1)
	a := s.Spawn(0, arch.KernelTextBase+0x100, 20, "A")
	s.ScheduleTick(0, ^uint32(0)-5)
	s.SleepUntil(0, 3)

	s.ScheduleTick(0, ^uint32(0)-2)
	if s.DebugHasThread(0) {
		t.Fatal("sleeper woke before the counter wrapped")
	}
	s.ScheduleTick(0, 2)
	if s.DebugHasThread(0) {
		t.Fatal("sleeper woke one tick short of the deadline")
	}
	s.ScheduleTick(0, 3)
	if got := s.DebugCurrentTID(0); got != a {
		t.Fatalf("current = %d, want %d after wraparound", got, a)
	}
}

func TestSleepUntilPastDeadlineWakesNextTick(t *testing.T) {
	s := newTestSched(1)
	a := s.Spawn(0, arch.KernelTextBase+0x100, 20, "A")
	s.ScheduleTick(0, 100)
	s.SleepUntil(0, 40)

	s.ScheduleTick(0, 101)
	if got := s.DebugCurrentTID(0); got != a {
		t.Fatalf("current = %d, want %d for an expired deadline", got, a)
	}
}

func TestBlockCurrentIgnoresIdle(t *testing.T) {
	s := newTestSched(1)
	s.ScheduleTick(0, 1)
	s.BlockCurrent(0)
	s.lock.Lock(testLockCPU)
	st := s.threads[s.findIdx(s.cpus[0].idleTID)].state
	s.lock.Unlock()
	if st != Running {
		t.Fatalf("idle state = %v, want %v", st, Running)
	}
}
