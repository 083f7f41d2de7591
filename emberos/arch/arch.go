// Package arch models the architecture contact surface of the kernel: the
// saved CPU context with its integrity seals, the context-switch primitive,
// and the kernel address map constants the scheduler validates against.
package arch

import (
	"encoding/binary"
	"fmt"
)

// Kernel address map. The scheduler rejects saved contexts whose program
// counter or stack pointer fall outside these ranges.
const (
	// KernelAddrMin is the lowest valid kernel virtual address
	// (higher-half base).
	KernelAddrMin uint64 = 0xFFFF_FFFF_8000_0000

	// KernelPCMin and KernelPCMax bound the kernel code segment. A saved
	// program counter outside [KernelPCMin, KernelPCMax) cannot be a
	// legitimate switch target.
	KernelPCMin uint64 = 0xFFFF_FFFF_8010_0000
	KernelPCMax uint64 = 0xFFFF_FFFF_8200_0000

	// KernelTextBase is where thread entry points are assigned from.
	KernelTextBase uint64 = 0xFFFF_FFFF_8040_0000

	// KernelStackRegion is the base of the per-thread kernel stack area.
	KernelStackRegion uint64 = 0xFFFF_FFFF_D000_0000

	// KernelCR3 is the boot page table root shared by all kernel threads.
	KernelCR3 uint64 = 0x0010_0000
)

// PageDir is an opaque physical handle to a process page directory.
// Zero means the thread runs in the shared kernel address space.
type PageDir uint64

// Mode selects the execution mode of a user thread.
type Mode uint8

const (
	// ModeNative64 is native 64-bit long mode (CS=0x2B).
	ModeNative64 Mode = iota
	// ModeCompat32 is 32-bit compatibility mode under long mode (CS=0x1B).
	ModeCompat32
)

func (m Mode) String() string {
	switch m {
	case ModeNative64:
		return "native64"
	case ModeCompat32:
		return "compat32"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses a mode name as written by String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "native64":
		return ModeNative64, nil
	case "compat32":
		return ModeCompat32, nil
	default:
		return ModeNative64, fmt.Errorf("unknown arch mode %q", s)
	}
}

// FxStateSize is the size of the FXSAVE register image.
const FxStateSize = 512

// FxState is a saved FPU/SSE register image in FXSAVE format.
type FxState struct {
	Data [FxStateSize]byte
}

// NewFxState returns a register image with all x87 and SSE exceptions
// masked, the state a thread starts from.
func NewFxState() *FxState {
	s := &FxState{}
	// FCW (x87 control word) at offset 0, MXCSR at offset 24.
	binary.LittleEndian.PutUint16(s.Data[0:2], 0x037F)
	binary.LittleEndian.PutUint32(s.Data[24:28], 0x1F80)
	return s
}

// Clone returns an independent copy, as needed when forking.
func (s *FxState) Clone() *FxState {
	c := &FxState{}
	c.Data = s.Data
	return c
}
