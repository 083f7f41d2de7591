package hal

import "errors"

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

var ErrNotImplemented = errors.New("not implemented")

// Time provides a base tick stream.
//
// Ticks are numbered from 1. The channel is never closed; slow consumers
// miss ticks rather than stall the producer.
type Time interface {
	Ticks() <-chan uint64
}

// HAL provides the only contact point between the kernel and the outside world.
type HAL interface {
	Logger() Logger
	Time() Time
}
