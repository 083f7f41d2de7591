package tasks

import (
	"strings"
	"sync"
	"testing"

	"ember/emberos/arch"
	"ember/emberos/sched"
)

type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) WriteLineString(s string) {
	l.mu.Lock()
	l.lines = append(l.lines, s)
	l.mu.Unlock()
}

func (l *lineLogger) WriteLineBytes(b []byte) { l.WriteLineString(string(b)) }

func (l *lineLogger) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ln := range l.lines {
		if strings.Contains(ln, sub) {
			return true
		}
	}
	return false
}

func newRig() (*sched.Sched, *Runner) {
	k := sched.New(sched.Config{CPUs: 1})
	k.Start()
	return k, NewRunner(k, nil)
}

func TestRunnerDispatchesAndCleansUp(t *testing.T) {
	k, r := newRig()
	sp := &Spinner{}
	tid := k.Spawn(0, EntryPC(), 20, "spin")
	r.Attach(tid, sp)

	k.ScheduleTick(0, 1)
	r.Step(0, 1)
	if got := sp.Steps(); got != 1 {
		t.Fatalf("spinner steps = %d, want 1", got)
	}

	k.KillThread(0, tid)
	r.Step(0, 2) // last slice; the binding goes with the thread
	if got := r.Bound(); got != 0 {
		t.Fatalf("bound = %d after thread death, want 0", got)
	}
}

func TestRunnerIgnoresUnboundThreads(t *testing.T) {
	k, r := newRig()
	k.Spawn(0, EntryPC(), 20, "anon")
	k.ScheduleTick(0, 1)
	r.Step(0, 1)
	if got := r.Bound(); got != 0 {
		t.Fatalf("bound = %d, want 0", got)
	}
}

func TestPanicContained(t *testing.T) {
	log := &lineLogger{}
	k := sched.New(sched.Config{CPUs: 1})
	k.Start()
	r := NewRunner(k, log)

	var got PanicInfo
	seen := false
	r.SetPanicHandler(func(p PanicInfo) { got, seen = p, true })

	tid := k.Spawn(0, EntryPC(), 20, "bomb")
	r.Attach(tid, &Panicker{After: 1})

	k.ScheduleTick(0, 1)
	r.Step(0, 1)

	if !seen || got.TID != tid || len(got.Stack) == 0 {
		t.Fatalf("panic handler got %+v (seen=%v)", got, seen)
	}
	if !log.contains("task panic") {
		t.Fatalf("panic not logged; log = %v", log.lines)
	}
	if code := k.TryWaitpid(0, tid); code != 134 {
		t.Fatalf("exit code = %#x, want 134", code)
	}
	if k.DebugHasThread(0) {
		t.Fatal("CPU not idle after the panicking thread died")
	}
	if got := r.Bound(); got != 0 {
		t.Fatalf("bound = %d, want 0", got)
	}
}

func TestSleeperCycle(t *testing.T) {
	k, r := newRig()
	sl := &Sleeper{Span: 4}
	tid := k.Spawn(0, EntryPC(), 20, "nap")
	r.Attach(tid, sl)

	k.ScheduleTick(0, 1)
	r.Step(0, 1)
	if got := sl.Naps(); got != 1 {
		t.Fatalf("naps = %d, want 1", got)
	}
	if k.DebugHasThread(0) {
		t.Fatal("sleeper still on CPU")
	}

	for now := uint32(2); now <= 4; now++ {
		k.ScheduleTick(0, now)
		r.Step(0, now)
	}
	if got := sl.Naps(); got != 1 {
		t.Fatalf("naps = %d before the deadline, want 1", got)
	}

	k.ScheduleTick(0, 5)
	if got := k.DebugCurrentTID(0); got != tid {
		t.Fatalf("current = %d, want sleeper %d", got, tid)
	}
	r.Step(0, 5)
	if got := sl.Naps(); got != 2 {
		t.Fatalf("naps = %d after wake, want 2", got)
	}
}

func TestExiterExits(t *testing.T) {
	k, r := newRig()
	tid := k.Spawn(0, EntryPC(), 20, "brief")
	r.Attach(tid, &Exiter{After: 3, Code: 7})

	for now := uint32(1); now <= 3; now++ {
		k.ScheduleTick(0, now)
		r.Step(0, now)
	}
	if code := k.TryWaitpid(0, tid); code != 7 {
		t.Fatalf("exit code = %#x, want 7", code)
	}
	if got := r.Bound(); got != 0 {
		t.Fatalf("bound = %d, want 0", got)
	}
}

func TestYieldersAlternate(t *testing.T) {
	k, r := newRig()
	ya, yb := &Yielder{}, &Yielder{}
	a := k.Spawn(0, EntryPC(), 20, "ya")
	b := k.Spawn(0, EntryPC(), 20, "yb")
	r.Attach(a, ya)
	r.Attach(b, yb)

	k.ScheduleTick(0, 1)
	r.Step(0, 1) // a runs, yields to b
	r.Step(0, 1) // b runs, yields back
	if ya.Steps() != 1 || yb.Steps() != 1 {
		t.Fatalf("steps = %d/%d, want 1/1", ya.Steps(), yb.Steps())
	}
	if got := k.DebugCurrentTID(0); got != a {
		t.Fatalf("current = %d, want %d after two yields", got, a)
	}
}

func TestIOHogAccounts(t *testing.T) {
	k, r := newRig()
	tid := k.Spawn(0, EntryPC(), 20, "hog")
	r.Attach(tid, &IOHog{ReadChunk: 512, WriteChunk: 256})

	k.ScheduleTick(0, 1)
	r.Step(0, 1)

	for _, row := range k.ListThreads(0) {
		if row.TID == tid {
			if row.IOReadBytes != 512 || row.IOWriteBytes != 256 {
				t.Fatalf("io = %d/%d, want 512/256", row.IOReadBytes, row.IOWriteBytes)
			}
			return
		}
	}
	t.Fatal("hog missing from snapshot")
}

func TestForkerClonesAndChildrenExit(t *testing.T) {
	k, r := newRig()
	f := &Forker{Runner: r, Every: 1, Max: 2, ChildLife: 2}
	tid := k.Spawn(0, EntryPC(), 20, "forker")
	r.Attach(tid, f)

	for now := uint32(1); now <= 20; now++ {
		k.ScheduleTick(0, now)
		r.Step(0, now)
	}

	if got := f.Children(); got != 2 {
		t.Fatalf("children = %d, want 2", got)
	}
	for _, row := range k.ListThreads(0) {
		if strings.HasPrefix(row.Name, "fork") {
			t.Fatalf("clone %q still alive after its lifetime", row.Name)
		}
	}
	// Only the forker itself stays bound.
	if got := r.Bound(); got != 1 {
		t.Fatalf("bound = %d, want 1", got)
	}
	if !k.DebugIsUser(0) && k.DebugCurrentTID(0) == tid {
		t.Fatal("forker never became a user process")
	}
}

func TestEntryPCStaysInWindow(t *testing.T) {
	prev := uint64(0)
	for i := 0; i < 100; i++ {
		pc := EntryPC()
		if pc < arch.KernelPCMin || pc >= arch.KernelPCMax {
			t.Fatalf("entry %#x outside the text window", pc)
		}
		if pc <= prev {
			t.Fatalf("entry %#x not above previous %#x", pc, prev)
		}
		prev = pc
	}
}

func TestStepFuncAdapter(t *testing.T) {
	k, r := newRig()
	ran := 0
	tid := k.Spawn(0, EntryPC(), 20, "fn")
	r.Attach(tid, StepFunc(func(*sched.Sched, int, uint32, uint32) { ran++ }))

	k.ScheduleTick(0, 1)
	r.Step(0, 1)
	if ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}
}
