package tasks

import (
	"fmt"
	"sync/atomic"

	"ember/emberos/sched"
)

// Forker clones itself every Every ticks (25 when zero), up to Max
// children. Each clone walks the whole fork path: parent snapshot,
// blocked spawn, snapshot applied under a fresh page directory, wake.
// Children run as short Exiters when a Runner is set, otherwise they
// exist only as scheduler load.
type Forker struct {
	Runner    *Runner
	Every     uint32
	Max       uint32
	ChildLife uint32

	steps    atomic.Uint32
	children atomic.Uint32
}

func (f *Forker) Step(k *sched.Sched, cpu int, tid, _ uint32) {
	n := f.steps.Add(1)
	if n == 1 && !k.DebugIsUser(cpu) {
		// First slice: become a user process so clones get real
		// address-space handling.
		k.SetThreadUserInfo(cpu, tid, NewPageDir())
	}

	every := f.Every
	if every == 0 {
		every = 25
	}
	if n%every != 0 {
		return
	}
	if f.Max > 0 && f.children.Load() >= f.Max {
		return
	}

	snap, ok := k.CurrentThreadForkSnapshot(cpu)
	if !ok {
		return
	}
	seq := f.children.Load() + 1
	child := k.SpawnBlocked(cpu, EntryPC(), 20, fmt.Sprintf("fork%d", seq))
	if child == sched.TIDNone {
		return
	}
	if !k.ApplyForkSnapshot(cpu, child, &snap, NewPageDir()) {
		k.KillThread(cpu, child)
		return
	}
	f.children.Add(1)

	if f.Runner != nil {
		life := f.ChildLife
		if life == 0 {
			life = 30
		}
		f.Runner.Attach(child, &Exiter{After: life, Code: 0})
	}
	k.WakeThread(cpu, child)
}

// Children reports how many clones the forker has produced.
func (f *Forker) Children() uint32 { return f.children.Load() }
