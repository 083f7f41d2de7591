// Package buildinfo carries the build identity stamped into emberos
// binaries via -ldflags.
package buildinfo

// Version is set at build time via -ldflags.
var Version = "dev"

// Commit is set at build time via -ldflags.
var Commit = "unknown"

// Date is set at build time via -ldflags.
var Date = "unknown"

// Short returns a compact build identifier for banners and logging.
func Short() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if Commit != "" && Commit != "unknown" {
		return Commit
	}
	return "dev"
}

// Line returns the full stamped identity, one field per known value.
func Line() string {
	s := Short()
	if Commit != "" && Commit != "unknown" && Commit != s {
		s += " (" + Commit + ")"
	}
	if Date != "" && Date != "unknown" {
		s += " built " + Date
	}
	return s
}
