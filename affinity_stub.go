//go:build !linux

package main

// pinToCore is a no-op where thread affinity syscalls are unavailable.
func pinToCore(int) error { return nil }
