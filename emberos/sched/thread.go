package sched

import (
	"bytes"
	"encoding/binary"

	"ember/emberos/arch"
	"ember/emberos/caps"
	"ember/emberos/fs"
	"ember/emberos/ipc"
)

// ThreadState is the execution state of a thread.
type ThreadState uint8

const (
	// Ready threads sit in exactly one CPU's run queue.
	Ready ThreadState = iota
	// Running threads are current on exactly one CPU.
	Running
	// Blocked threads wait for an event and sit in no queue.
	Blocked
	// Terminated threads await reaping.
	Terminated
)

func (s ThreadState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return "?"
	}
}

const (
	// kernelStackSize is each thread's kernel-mode stack.
	kernelStackSize = 128 * 1024

	// stackSpan spaces synthetic stack placements, leaving a guard gap
	// between adjacent stacks.
	stackSpan = 0x4_0000

	// stackCanary is written at the bottom word of every kernel stack.
	// If it reads back differently, the stack overflowed.
	stackCanary uint64 = 0xDEAD_BEEF_CAFE_BABE

	// mmapBase is where the per-process mmap bump pointer starts.
	mmapBase uint32 = 0x2000_0000
)

// thread is a kernel or user thread: its own stack, saved context, and
// process metadata. All fields are guarded by the scheduler lock except
// where noted on CpuContext.
type thread struct {
	tid     uint32
	state   ThreadState
	context arch.CpuContext

	// kernelStack backs the canary check; stackBase is the synthetic
	// address its bottom byte maps to in the kernel address range.
	kernelStack []byte
	stackBase   uint64

	priority uint8
	name     [32]byte

	exitCode   *uint32
	waitingTID *uint32

	isUser   bool
	pageDir  arch.PageDir
	pdShared bool
	brk      uint32
	mmapNext uint32

	args [256]byte
	cwd  [256]byte

	stdoutPipe uint32
	stdinPipe  uint32

	mode arch.Mode
	fpu  *arch.FxState

	wakeAtTick   *uint32
	terminatedAt *uint32

	lastCPU     int
	affinityCPU int
	isIdle      bool
	critical    bool

	cpuTicks     uint32
	ioReadBytes  uint64
	ioWriteBytes uint64
	userPages    uint32

	capabilities caps.Set
	permPending  string
	uid, gid     uint16

	fds       fs.FDTable
	signals   ipc.SignalState
	parentTID uint32
}

// newThread builds a Ready kernel thread that begins executing at entry.
// The stack gets its canary, the context its seals.
func (s *Sched) newThread(entry uint64, priority uint8, name string) *thread {
	tid := s.nextTID.Add(1)
	if priority > maxPriority {
		priority = maxPriority
	}

	stack := make([]byte, kernelStackSize)
	binary.LittleEndian.PutUint64(stack[:8], stackCanary)
	base := arch.KernelStackRegion + uint64(tid)*stackSpan

	t := &thread{
		tid:         tid,
		state:       Ready,
		context:     arch.NewContext(entry, base+kernelStackSize),
		kernelStack: stack,
		stackBase:   base,
		priority:    priority,
		mmapNext:    mmapBase,
		mode:        arch.ModeNative64,
		fpu:         arch.NewFxState(),
	}
	t.setName(name)
	t.cwd[0] = '/'
	return t
}

func (t *thread) setName(name string) {
	t.name = [32]byte{}
	copy(t.name[:31], name)
}

func (t *thread) nameStr() string {
	i := bytes.IndexByte(t.name[:], 0)
	if i < 0 {
		i = len(t.name)
	}
	return string(t.name[:i])
}

func (t *thread) stackTop() uint64    { return t.stackBase + uint64(len(t.kernelStack)) }
func (t *thread) stackBottom() uint64 { return t.stackBase }

// checkStackCanary reports whether the bottom word is still intact.
func (t *thread) checkStackCanary() bool {
	return binary.LittleEndian.Uint64(t.kernelStack[:8]) == stackCanary
}
