package tasks

import (
	"fmt"
	"sync/atomic"

	"ember/emberos/sched"
)

// Spinner burns its whole slice every tick; it only exists to be
// preempted.
type Spinner struct {
	steps atomic.Uint32
}

func (s *Spinner) Step(*sched.Sched, int, uint32, uint32) { s.steps.Add(1) }

// Steps reports how many ticks the spinner has held a CPU.
func (s *Spinner) Steps() uint32 { return s.steps.Load() }

// Yielder gives the CPU back after every step.
type Yielder struct {
	steps atomic.Uint32
}

func (y *Yielder) Step(k *sched.Sched, cpu int, _, _ uint32) {
	y.steps.Add(1)
	k.Schedule(cpu)
}

func (y *Yielder) Steps() uint32 { return y.steps.Load() }

// Sleeper runs one step and then sleeps Span ticks (10 when zero).
type Sleeper struct {
	Span uint32

	naps atomic.Uint32
}

func (s *Sleeper) Step(k *sched.Sched, cpu int, _, now uint32) {
	span := s.Span
	if span == 0 {
		span = 10
	}
	s.naps.Add(1)
	k.SleepUntil(cpu, now+span)
}

func (s *Sleeper) Naps() uint32 { return s.naps.Load() }

// Exiter runs for After steps and then exits with Code.
type Exiter struct {
	After uint32
	Code  uint32

	steps atomic.Uint32
}

func (e *Exiter) Step(k *sched.Sched, cpu int, _, _ uint32) {
	if e.steps.Add(1) >= e.After {
		k.ExitCurrent(cpu, e.Code)
	}
}

// IOHog charges synthetic transfer volume to its thread each step and
// yields, exercising the per-thread IO accounting.
type IOHog struct {
	ReadChunk  uint64
	WriteChunk uint64
}

func (h *IOHog) Step(k *sched.Sched, cpu int, _, _ uint32) {
	if h.ReadChunk > 0 {
		k.RecordIORead(cpu, h.ReadChunk)
	}
	if h.WriteChunk > 0 {
		k.RecordIOWrite(cpu, h.WriteChunk)
	}
	k.Schedule(cpu)
}

// Panicker blows up after After steps. The runner contains the panic
// and the thread dies with an abort status.
type Panicker struct {
	After uint32

	steps atomic.Uint32
}

func (p *Panicker) Step(*sched.Sched, int, uint32, uint32) {
	if n := p.steps.Add(1); n >= p.After {
		panic(fmt.Sprintf("task fault at step %d", n))
	}
}
