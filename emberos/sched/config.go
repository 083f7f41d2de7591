package sched

import (
	"ember/emberos/arch"
	"ember/emberos/caps"
	"ember/emberos/fs"
)

// args and cwd live in fixed 256-byte NUL-padded buffers, so stored
// strings cap at 255.
const (
	maxStrFieldLen    = 255
	maxPermPendingLen = 512
)

// SetThreadUserInfo turns tid into a user thread: its address space
// handle goes into the context, and a fresh descriptor table gets the
// conventional tty on 0, 1 and 2. Unknown TIDs are ignored.
func (s *Sched) SetThreadUserInfo(cpu int, tid uint32, pd arch.PageDir) {
	s.lock.Lock(uint32(cpu))
	if t := s.lookup(tid); t != nil {
		t.isUser = true
		t.pageDir = pd
		t.context.SetPageTable(uint64(pd))
		t.context.UpdateChecksum()
		if t.fds.Open() == 0 {
			t.fds.AllocAt(0, fs.FDTty, 0)
			t.fds.AllocAt(1, fs.FDTty, 0)
			t.fds.AllocAt(2, fs.FDTty, 0)
		}
	}
	s.lock.Unlock()
}

// SetThreadMode records which instruction set the thread runs under.
func (s *Sched) SetThreadMode(cpu int, tid uint32, mode arch.Mode) {
	s.lock.Lock(uint32(cpu))
	if t := s.lookup(tid); t != nil {
		t.mode = mode
	}
	s.lock.Unlock()
}

// SetThreadBrk moves the program break. Threads sharing the address
// space see the same break, so it propagates to all of them.
func (s *Sched) SetThreadBrk(cpu int, tid uint32, brk uint32) {
	s.diag.set(cpu, phaseSetBrk)
	s.lock.Lock(uint32(cpu))
	if t := s.lookup(tid); t != nil {
		t.brk = brk
		s.forEachPDSibling(t, func(sib *thread) { sib.brk = brk })
	}
	s.lock.Unlock()
}

// SetThreadMmapNext moves the mmap bump pointer, propagated like the
// break.
func (s *Sched) SetThreadMmapNext(cpu int, tid uint32, next uint32) {
	s.diag.set(cpu, phaseSetMmap)
	s.lock.Lock(uint32(cpu))
	if t := s.lookup(tid); t != nil {
		t.mmapNext = next
		s.forEachPDSibling(t, func(sib *thread) { sib.mmapNext = next })
	}
	s.lock.Unlock()
}

// SetThreadArgs records the command line, truncated to 255 bytes.
func (s *Sched) SetThreadArgs(cpu int, tid uint32, args string) {
	s.diag.set(cpu, phaseSetArgs)
	s.lock.Lock(uint32(cpu))
	if t := s.lookup(tid); t != nil {
		t.args = [256]byte{}
		copy(t.args[:maxStrFieldLen], args)
	}
	s.lock.Unlock()
}

// SetThreadCwd records the working directory, truncated to 255 bytes.
func (s *Sched) SetThreadCwd(cpu int, tid uint32, cwd string) {
	s.diag.set(cpu, phaseSetCwd)
	s.lock.Lock(uint32(cpu))
	if t := s.lookup(tid); t != nil {
		t.cwd = [256]byte{}
		copy(t.cwd[:maxStrFieldLen], cwd)
	}
	s.lock.Unlock()
}

// SetThreadPipes wires the thread's standard streams to pipe IDs; zero
// means the tty.
func (s *Sched) SetThreadPipes(cpu int, tid uint32, stdinPipe, stdoutPipe uint32) {
	s.diag.set(cpu, phaseSetPipe)
	s.lock.Lock(uint32(cpu))
	if t := s.lookup(tid); t != nil {
		t.stdinPipe = stdinPipe
		t.stdoutPipe = stdoutPipe
	}
	s.lock.Unlock()
}

// SetThreadIdentity sets the uid/gid of a single thread.
func (s *Sched) SetThreadIdentity(cpu int, tid uint32, uid, gid uint16) {
	s.lock.Lock(uint32(cpu))
	if t := s.lookup(tid); t != nil {
		t.uid, t.gid = uid, gid
	}
	s.lock.Unlock()
}

// SetProcessIdentity sets the uid/gid of tid and every thread sharing
// its address space, so a multithreaded process changes identity as a
// unit. Kernel threads have no address space and never propagate.
func (s *Sched) SetProcessIdentity(cpu int, tid uint32, uid, gid uint16) {
	s.lock.Lock(uint32(cpu))
	if t := s.lookup(tid); t != nil {
		t.uid, t.gid = uid, gid
		s.forEachPDSibling(t, func(sib *thread) { sib.uid, sib.gid = uid, gid })
	}
	s.lock.Unlock()
}

// SetThreadCapabilities replaces the capability set.
func (s *Sched) SetThreadCapabilities(cpu int, tid uint32, set caps.Set) {
	s.lock.Lock(uint32(cpu))
	if t := s.lookup(tid); t != nil {
		t.capabilities = set
	}
	s.lock.Unlock()
}

// ThreadCapabilities reads the capability set; unknown TIDs read empty.
func (s *Sched) ThreadCapabilities(cpu int, tid uint32) caps.Set {
	s.lock.Lock(uint32(cpu))
	var set caps.Set
	if t := s.lookup(tid); t != nil {
		set = t.capabilities
	}
	s.lock.Unlock()
	return set
}

// SetThreadPermPending parks a permission request string on the thread
// until a manager grants or denies it. Truncated to 512 bytes.
func (s *Sched) SetThreadPermPending(cpu int, tid uint32, req string) {
	if len(req) > maxPermPendingLen {
		req = req[:maxPermPendingLen]
	}
	s.lock.Lock(uint32(cpu))
	if t := s.lookup(tid); t != nil {
		t.permPending = req
	}
	s.lock.Unlock()
}

// TakeThreadPermPending removes and returns the parked permission
// request, empty when there is none.
func (s *Sched) TakeThreadPermPending(cpu int, tid uint32) string {
	s.lock.Lock(uint32(cpu))
	var req string
	if t := s.lookup(tid); t != nil {
		req = t.permPending
		t.permPending = ""
	}
	s.lock.Unlock()
	return req
}

// SetThreadCritical marks a thread the integrity checks may log about
// but must never kill.
func (s *Sched) SetThreadCritical(cpu int, tid uint32, critical bool) {
	s.lock.Lock(uint32(cpu))
	if t := s.lookup(tid); t != nil {
		t.critical = critical
	}
	s.lock.Unlock()
}

// SetThreadPriority changes a thread's priority, saturating at the
// highest level. A Ready thread moves to the new level immediately.
func (s *Sched) SetThreadPriority(cpu int, tid uint32, priority uint8) {
	if priority > maxPriority {
		priority = maxPriority
	}
	s.diag.set(cpu, phaseSetPriority)
	s.lock.Lock(uint32(cpu))
	if t := s.lookup(tid); t != nil && !t.isIdle {
		if t.state == Ready {
			s.removeFromAllQueues(t.tid)
			t.priority = priority
			s.enqueueOn(t)
		} else {
			t.priority = priority
		}
	}
	s.lock.Unlock()
}

// ForkSnapshot is a coherent copy of everything a fork child inherits,
// captured from the parent under one lock hold. Fields that change
// together in the parent are never half old, half new in a snapshot.
type ForkSnapshot struct {
	ParentTID uint32

	IsUser   bool
	Mode     arch.Mode
	Context  arch.CpuContext
	Brk      uint32
	MmapNext uint32

	Args [256]byte
	Cwd  [256]byte

	StdinPipe  uint32
	StdoutPipe uint32

	Capabilities caps.Set
	UID, GID     uint16
	UserPages    uint32

	FDs      fs.FDTable
	Handlers [32]uint64
	Blocked  uint32
	FPU      *arch.FxState
}

// CurrentThreadForkSnapshot captures the calling CPU's current thread
// for fork. The second result is false when the CPU is out of range or
// idling, in which case the snapshot is zero.
func (s *Sched) CurrentThreadForkSnapshot(cpu int) (ForkSnapshot, bool) {
	if cpu < 0 || cpu >= s.n {
		return ForkSnapshot{}, false
	}
	s.diag.set(cpu, phaseFork)
	s.lock.Lock(uint32(cpu))
	cur, _ := s.current(cpu)
	if cur == nil || cur.isIdle {
		s.lock.Unlock()
		return ForkSnapshot{}, false
	}
	snap := ForkSnapshot{
		ParentTID:    cur.tid,
		IsUser:       cur.isUser,
		Mode:         cur.mode,
		Context:      cur.context,
		Brk:          cur.brk,
		MmapNext:     cur.mmapNext,
		Args:         cur.args,
		Cwd:          cur.cwd,
		StdinPipe:    cur.stdinPipe,
		StdoutPipe:   cur.stdoutPipe,
		Capabilities: cur.capabilities,
		UID:          cur.uid,
		GID:          cur.gid,
		UserPages:    cur.userPages,
		FDs:          cur.fds,
		Handlers:     cur.signals.Handlers,
		Blocked:      cur.signals.Blocked,
		FPU:          cur.fpu.Clone(),
	}
	s.lock.Unlock()
	return snap, true
}

// ApplyForkSnapshot populates a parked fork child from a parent
// snapshot. The child gets the new address space, a zero return value
// in RAX, cleared pending signals, its own FPU copy, and a resealed
// save-complete context. It reports whether the child exists.
func (s *Sched) ApplyForkSnapshot(cpu int, childTID uint32, snap *ForkSnapshot, childPD arch.PageDir) bool {
	s.diag.set(cpu, phaseFork)
	s.lock.Lock(uint32(cpu))
	c := s.lookup(childTID)
	if c == nil {
		s.lock.Unlock()
		return false
	}

	c.context = snap.Context
	c.context.RAX = 0
	c.context.SetPageTable(uint64(childPD))
	c.context.UpdateChecksum()
	c.context.MarkSaved()

	c.isUser = snap.IsUser
	c.pageDir = childPD
	c.pdShared = false
	c.brk = snap.Brk
	c.mmapNext = snap.MmapNext
	c.args = snap.Args
	c.cwd = snap.Cwd
	c.stdinPipe = snap.StdinPipe
	c.stdoutPipe = snap.StdoutPipe
	c.mode = snap.Mode
	if snap.FPU != nil {
		c.fpu = snap.FPU.Clone()
	} else {
		c.fpu = arch.NewFxState()
	}
	c.userPages = snap.UserPages
	c.capabilities = snap.Capabilities
	c.uid, c.gid = snap.UID, snap.GID
	c.fds = snap.FDs
	c.signals.Handlers = snap.Handlers
	c.signals.Blocked = snap.Blocked
	c.signals.Pending = 0
	c.parentTID = snap.ParentTID

	s.lock.Unlock()
	return true
}

// ExecUpdateThread replaces tid's program image: new address space,
// fresh registers at the new entry point, break reset, the mapping
// pointer re-randomized within its window, close-on-exec descriptors
// closed, and signal handlers back to their defaults. The thread keeps
// its TID, identity and capabilities.
func (s *Sched) ExecUpdateThread(cpu int, tid uint32, pd arch.PageDir, entry, stackTop uint64, brk uint32, mode arch.Mode) bool {
	s.diag.set(cpu, phaseExec)
	s.lock.Lock(uint32(cpu))
	t := s.lookup(tid)
	if t == nil {
		s.lock.Unlock()
		return false
	}

	t.pageDir = pd
	t.pdShared = false
	t.context = arch.NewContext(entry, stackTop)
	t.context.SetPageTable(uint64(pd))
	t.context.UpdateChecksum()
	t.brk = brk
	t.mmapNext = s.nextMmapBase()
	t.mode = mode
	t.fpu = arch.NewFxState()
	t.userPages = 0
	t.fds.CloseCloexec()
	t.signals.Handlers = [32]uint64{}

	s.lock.Unlock()
	return true
}

// aslrWindowPages bounds the exec-time mmap slide: page-aligned, up to
// 256 MiB above mmapBase.
const aslrWindowPages = (256 << 20) / 0x1000

// nextMmapBase draws a page-aligned mmap base within the randomization
// window for a freshly exec'd image. Caller holds the lock.
func (s *Sched) nextMmapBase() uint32 {
	x := s.aslr
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	s.aslr = x
	return mmapBase + uint32(x%aslrWindowPages)*0x1000
}

// lookup resolves a live table entry by TID. Caller holds the lock.
func (s *Sched) lookup(tid uint32) *thread {
	i := s.findIdx(tid)
	if i < 0 {
		return nil
	}
	return s.threads[i]
}

// forEachPDSibling visits every other thread sharing t's address
// space. Kernel threads (no address space) have no siblings. Caller
// holds the lock.
func (s *Sched) forEachPDSibling(t *thread, fn func(*thread)) {
	if t.pageDir == 0 {
		return
	}
	for _, o := range s.threads {
		if o != t && o.pageDir == t.pageDir && o.state != Terminated {
			fn(o)
		}
	}
}
