// Package fs carries the per-process file descriptor table the scheduler
// owns on behalf of each thread. What a descriptor refers to (VFS files,
// pipe endpoints) is resolved by the owning subsystems; the table only
// records the mapping and hands back closed entries for cleanup.
package fs

// MaxFDs is the number of descriptor slots per process.
const MaxFDs = 64

// FDKind identifies what a descriptor refers to.
type FDKind uint8

const (
	// FDNone marks a free slot.
	FDNone FDKind = iota
	// FDTty is the console; descriptors 0..2 start here for user threads.
	FDTty
	// FDFile is an open VFS file; Ref is the global file id.
	FDFile
	// FDPipeRead and FDPipeWrite are pipe endpoints; Ref is the pipe id.
	FDPipeRead
	FDPipeWrite
)

func (k FDKind) String() string {
	switch k {
	case FDNone:
		return "none"
	case FDTty:
		return "tty"
	case FDFile:
		return "file"
	case FDPipeRead:
		return "pipe-r"
	case FDPipeWrite:
		return "pipe-w"
	default:
		return "?"
	}
}

// FDEntry is one descriptor slot.
type FDEntry struct {
	Kind    FDKind
	Ref     uint32
	Cloexec bool
}

// FDTable maps small integer descriptors to entries. It is a value type:
// assignment copies the whole table, which is exactly fork semantics.
type FDTable struct {
	slots [MaxFDs]FDEntry
}

// Alloc claims the lowest free descriptor. Returns false when the table
// is full.
func (t *FDTable) Alloc(kind FDKind, ref uint32) (uint32, bool) {
	return t.AllocAbove(0, kind, ref)
}

// AllocAbove claims the lowest free descriptor >= min.
func (t *FDTable) AllocAbove(min uint32, kind FDKind, ref uint32) (uint32, bool) {
	for fd := min; fd < MaxFDs; fd++ {
		if t.slots[fd].Kind == FDNone {
			t.slots[fd] = FDEntry{Kind: kind, Ref: ref}
			return fd, true
		}
	}
	return 0, false
}

// AllocAt claims a specific descriptor. Fails if the slot is taken.
func (t *FDTable) AllocAt(fd uint32, kind FDKind, ref uint32) bool {
	if fd >= MaxFDs || t.slots[fd].Kind != FDNone {
		return false
	}
	t.slots[fd] = FDEntry{Kind: kind, Ref: ref}
	return true
}

// Get looks up a descriptor.
func (t *FDTable) Get(fd uint32) (FDEntry, bool) {
	if fd >= MaxFDs || t.slots[fd].Kind == FDNone {
		return FDEntry{}, false
	}
	return t.slots[fd], true
}

// Close frees a descriptor and returns the old entry for cleanup
// (refcount drops on files and pipe ends).
func (t *FDTable) Close(fd uint32) (FDEntry, bool) {
	if fd >= MaxFDs || t.slots[fd].Kind == FDNone {
		return FDEntry{}, false
	}
	old := t.slots[fd]
	t.slots[fd] = FDEntry{}
	return old, true
}

// Dup2 copies oldFD onto newFD. The caller closes newFD first and takes
// care of refcounts; this only rewrites the slot.
func (t *FDTable) Dup2(oldFD, newFD uint32) bool {
	if oldFD >= MaxFDs || newFD >= MaxFDs || t.slots[oldFD].Kind == FDNone {
		return false
	}
	t.slots[newFD] = t.slots[oldFD]
	return true
}

// SetCloexec sets or clears the close-on-exec flag.
func (t *FDTable) SetCloexec(fd uint32, on bool) {
	if fd < MaxFDs && t.slots[fd].Kind != FDNone {
		t.slots[fd].Cloexec = on
	}
}

// CloseAll frees every descriptor and returns the closed entries.
func (t *FDTable) CloseAll() []FDEntry {
	var out []FDEntry
	for fd := range t.slots {
		if t.slots[fd].Kind != FDNone {
			out = append(out, t.slots[fd])
			t.slots[fd] = FDEntry{}
		}
	}
	return out
}

// CloseCloexec frees every close-on-exec descriptor and returns them.
func (t *FDTable) CloseCloexec() []FDEntry {
	var out []FDEntry
	for fd := range t.slots {
		if t.slots[fd].Kind != FDNone && t.slots[fd].Cloexec {
			out = append(out, t.slots[fd])
			t.slots[fd] = FDEntry{}
		}
	}
	return out
}

// Open counts the in-use descriptors.
func (t *FDTable) Open() int {
	n := 0
	for fd := range t.slots {
		if t.slots[fd].Kind != FDNone {
			n++
		}
	}
	return n
}
