// Package caps implements the per-thread capability bitmask that gates
// syscall access. App bundles declare capabilities in their manifest;
// command-line programs inherit a capped default set from their parent.
package caps

import "strings"

// Set is a capability bitmask; each bit is one permission category.
type Set uint32

const (
	Filesystem Set = 1 << iota
	Network
	Audio
	Display
	Device
	Process
	Pipe
	SHM
	Event
	Compositor
	System
	DLL
	Thread
	ManagePerms

	numCaps = iota
)

// All grants every capability; reserved for system services.
const All Set = 1<<numCaps - 1

// Default is the set command-line programs inherit from their parent.
const Default = Filesystem | Process | Pipe | Event | DLL | Thread

// AutoGranted are infrastructure capabilities granted without user consent.
const AutoGranted = DLL | Thread | SHM | Event | Pipe

// Sensitive capabilities require explicit user consent on first launch.
const Sensitive = Filesystem | Network | Audio | Display | Device | Process |
	System | Compositor

var capNames = [numCaps]string{
	"filesystem", "network", "audio", "display", "device", "process",
	"pipe", "shm", "event", "compositor", "system", "dll", "thread",
	"manage_perms",
}

// Parse converts a comma-separated capability list into a Set. Unknown
// names are silently ignored.
func Parse(s string) Set {
	var out Set
	for _, part := range strings.Split(s, ",") {
		name := strings.TrimSpace(part)
		if name == "all" {
			out |= All
			continue
		}
		for i, n := range capNames {
			if name == n {
				out |= 1 << i
				break
			}
		}
	}
	return out
}

// Has reports whether every capability in req is present.
func (s Set) Has(req Set) bool { return s&req == req }

// String renders the set the way Parse reads it.
func (s Set) String() string {
	if s == 0 {
		return "none"
	}
	if s == All {
		return "all"
	}
	var names []string
	for i, n := range capNames {
		if s&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	return strings.Join(names, ",")
}
