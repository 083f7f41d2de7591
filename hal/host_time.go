package hal

import "time"

type hostTime struct {
	ch  chan uint64
	seq uint64
}

func newHostTime(hz int) *hostTime {
	if hz <= 0 {
		hz = 1000
	}
	t := &hostTime{ch: make(chan uint64, 1024)}
	go t.pump(time.Second / time.Duration(hz))
	return t
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }

// pump converts wall time into tick numbers, emitting catch-up ticks when
// the host timer fired late.
func (t *hostTime) pump(tickDur time.Duration) {
	tk := time.NewTicker(tickDur)
	defer tk.Stop()

	last := time.Now()
	var acc time.Duration
	for now := range tk.C {
		acc += now.Sub(last)
		last = now

		ticks := uint64(acc / tickDur)
		if ticks == 0 {
			continue
		}
		acc = acc % tickDur
		t.stepN(ticks)
	}
}

func (t *hostTime) stepN(n uint64) {
	for i := uint64(0); i < n; i++ {
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
		}
	}
}
