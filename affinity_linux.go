//go:build linux

package main

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinToCore locks the calling goroutine to an OS thread and binds that
// thread to one host core, so each simulated CPU gets stable cache and
// timing behavior.
func pinToCore(cpu int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu % runtime.NumCPU())
	return unix.SchedSetaffinity(0, &set)
}
