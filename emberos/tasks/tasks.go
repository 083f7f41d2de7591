// Package tasks provides canned thread bodies for exercising the
// scheduler on a host build, plus the runner that dispatches ticks to
// them. A workload's Step runs whenever its thread holds a CPU; panics
// inside a step are contained and terminate only the offending thread.
package tasks

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"ember/emberos/arch"
	"ember/emberos/ipc"
	"ember/emberos/sched"
	"ember/hal"
)

// Workload is one canned thread body.
type Workload interface {
	Step(k *sched.Sched, cpu int, tid, now uint32)
}

// StepFunc adapts a plain function to the Workload interface.
type StepFunc func(k *sched.Sched, cpu int, tid, now uint32)

func (f StepFunc) Step(k *sched.Sched, cpu int, tid, now uint32) { f(k, cpu, tid, now) }

// PanicInfo describes a workload panic caught by the runner.
type PanicInfo struct {
	TID   uint32
	CPU   int
	Value any
	Stack []byte
}

const panicExit = 128 + ipc.SIGABRT

// Runner binds TIDs to workloads and steps whichever thread is current
// on each CPU.
type Runner struct {
	k   *sched.Sched
	log hal.Logger

	mu     sync.Mutex
	bodies map[uint32]Workload

	onPanic atomic.Value // func(PanicInfo)
}

func NewRunner(k *sched.Sched, log hal.Logger) *Runner {
	if log == nil {
		log = hal.Discard()
	}
	return &Runner{k: k, log: log, bodies: make(map[uint32]Workload)}
}

// Attach binds a workload to tid, replacing any previous binding.
func (r *Runner) Attach(tid uint32, w Workload) {
	r.mu.Lock()
	r.bodies[tid] = w
	r.mu.Unlock()
}

// Detach drops tid's binding.
func (r *Runner) Detach(tid uint32) {
	r.mu.Lock()
	delete(r.bodies, tid)
	r.mu.Unlock()
}

// Bound reports how many threads currently have a body.
func (r *Runner) Bound() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

// SetPanicHandler installs fn for workload panics. The panicking thread
// is terminated whether or not a handler is set.
func (r *Runner) SetPanicHandler(fn func(PanicInfo)) {
	r.onPanic.Store(fn)
}

// Step runs one tick of work for cpu's current thread, then re-checks
// its stack canary the way a syscall return path would. Bindings for
// threads that have exited are dropped here.
func (r *Runner) Step(cpu int, now uint32) {
	if !r.k.DebugHasThread(cpu) {
		return
	}
	tid := r.k.DebugCurrentTID(cpu)
	r.mu.Lock()
	w := r.bodies[tid]
	r.mu.Unlock()
	if w == nil {
		return
	}

	r.runStep(w, cpu, tid, now)

	if !r.k.ThreadExists(cpu, tid) {
		r.Detach(tid)
		return
	}
	r.k.CheckCurrentStackCanary(cpu, 0)
}

func (r *Runner) runStep(w Workload, cpu int, tid, now uint32) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		r.log.WriteLineString(fmt.Sprintf("task panic: tid=%d cpu=%d panic=%v", tid, cpu, v))
		if h, ok := r.onPanic.Load().(func(PanicInfo)); ok && h != nil {
			h(PanicInfo{TID: tid, CPU: cpu, Value: v, Stack: debug.Stack()})
		}
		if r.k.DebugCurrentTID(cpu) == tid {
			r.k.ExitCurrent(cpu, panicExit)
		} else {
			r.k.KillThread(cpu, tid)
		}
		r.Detach(tid)
	}()
	w.Step(r.k, cpu, tid, now)
}

var entrySeq atomic.Uint64

// EntryPC hands out distinct fake program counters inside the kernel
// text window, so every thread context verifies as in range.
func EntryPC() uint64 {
	return arch.KernelTextBase + 0x1000 + entrySeq.Add(1)*0x40
}

var pdSeq atomic.Uint64

// NewPageDir allocates a fake page directory handle for fork and exec
// flows on the host.
func NewPageDir() arch.PageDir {
	return arch.PageDir(0x0100_0000 + pdSeq.Add(1)*0x1000)
}
