package hal

import (
	"fmt"
	"os"
	"sync"
)

type hostHAL struct {
	logger *hostLogger
	t      *hostTime
}

// New returns a host HAL implementation whose tick stream runs at tickHz
// (0 selects the 1000 Hz default).
func New(tickHz int) HAL {
	return &hostHAL{
		logger: &hostLogger{w: os.Stdout},
		t:      newHostTime(tickHz),
	}
}

func (h *hostHAL) Logger() Logger { return h.logger }
func (h *hostHAL) Time() Time     { return h.t }

type hostLogger struct {
	mu sync.Mutex
	w  *os.File
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}

type discardLogger struct{}

func (discardLogger) WriteLineString(string) {}
func (discardLogger) WriteLineBytes([]byte)  {}

// Discard returns a Logger that drops every line.
func Discard() Logger { return discardLogger{} }
