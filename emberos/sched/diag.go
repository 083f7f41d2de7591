package sched

import "sync/atomic"

// Scheduler phases, recorded per CPU before taking the lock so that a
// stalled waiter can report what the owner was doing. Reads are advisory
// only and never synchronize anything.
const (
	phaseNone uint32 = iota
	phaseScheduleTimer
	phaseScheduleVoluntary
	phaseExitCurrent
	phaseTryExitCurrent
	phaseKillThread
	phaseThreadInfo
	phaseLivePDSiblings
	phaseExitInfo
	phaseSetBrk
	phaseSetMmap
	phaseSetArgs
	phaseSetCwd
	phaseSetPipe
	phaseWaitpid
	phaseWaitpidAny
	phaseTryWaitpid
	phaseTryWaitpidAny
	phaseSleepUntil
	phaseBlockCurrent
	phaseSpawn
	phaseCreateThread
	phaseFork
	phaseExec
	phaseWake
	phaseSetPriority
	phaseRegisterAP
)

func phaseName(p uint32) string {
	switch p {
	case phaseNone:
		return "idle"
	case phaseScheduleTimer:
		return "schedule/timer"
	case phaseScheduleVoluntary:
		return "schedule/voluntary"
	case phaseExitCurrent:
		return "exit-current"
	case phaseTryExitCurrent:
		return "try-exit-current"
	case phaseKillThread:
		return "kill-thread"
	case phaseThreadInfo:
		return "thread-info"
	case phaseLivePDSiblings:
		return "live-pd-siblings"
	case phaseExitInfo:
		return "exit-info"
	case phaseSetBrk:
		return "set-brk"
	case phaseSetMmap:
		return "set-mmap"
	case phaseSetArgs:
		return "set-args"
	case phaseSetCwd:
		return "set-cwd"
	case phaseSetPipe:
		return "set-pipe"
	case phaseWaitpid:
		return "waitpid"
	case phaseWaitpidAny:
		return "waitpid-any"
	case phaseTryWaitpid:
		return "try-waitpid"
	case phaseTryWaitpidAny:
		return "try-waitpid-any"
	case phaseSleepUntil:
		return "sleep-until"
	case phaseBlockCurrent:
		return "block-current"
	case phaseSpawn:
		return "spawn"
	case phaseCreateThread:
		return "create-thread"
	case phaseFork:
		return "fork-snapshot"
	case phaseExec:
		return "exec-update"
	case phaseWake:
		return "wake"
	case phaseSetPriority:
		return "set-priority"
	case phaseRegisterAP:
		return "register-ap"
	default:
		return "?"
	}
}

// diagBoard remembers the last phase each CPU entered.
type diagBoard struct {
	phase [maxCPUs]atomic.Uint32
}

func (d *diagBoard) set(cpu int, p uint32) {
	if cpu >= 0 && cpu < maxCPUs {
		d.phase[cpu].Store(p)
	}
}

func (d *diagBoard) get(cpu int) uint32 {
	if cpu < 0 || cpu >= maxCPUs {
		return phaseNone
	}
	return d.phase[cpu].Load()
}
