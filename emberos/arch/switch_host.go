package arch

import "sync/atomic"

// Switcher performs the context switch between two threads: save the
// executing register file into old, publish it, and resume from next.
// The scheduler releases its lock before calling Switch; the save into
// old happens outside any lock, gated by old's save-complete flag.
type Switcher interface {
	Switch(old, next *CpuContext)
}

// SimSwitch implements Switcher for host runs. Thread bodies execute as
// ordinary Go code, so the outgoing snapshot is already current: saving
// reduces to resealing the checksum and publishing the save-complete
// flag, exactly the externally visible effects of the real switch path.
type SimSwitch struct {
	switches atomic.Uint64
}

func (s *SimSwitch) Switch(old, _ *CpuContext) {
	if old != nil {
		old.UpdateChecksum()
		old.MarkSaved()
	}
	s.switches.Add(1)
}

// Switches returns the number of switches performed.
func (s *SimSwitch) Switches() uint64 { return s.switches.Load() }
