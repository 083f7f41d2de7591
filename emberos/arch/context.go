package arch

import (
	"errors"
	"sync/atomic"
)

// canaryMagic seals every live CpuContext. A context whose canary does not
// read back as this value has been overwritten by something that was not
// the context-switch path.
const canaryMagic uint64 = 0xC0DE_57AC_C0DE_57AC

// Integrity failures reported by VerifyIntegrity, ordered by severity of
// what they imply about the surrounding memory.
var (
	ErrCanaryDead       = errors.New("context canary destroyed")
	ErrChecksumMismatch = errors.New("context checksum mismatch")
	ErrBadRange         = errors.New("context PC or SP outside kernel range")
)

// CpuContext is the register snapshot saved and restored by the
// context-switch primitive, plus the integrity seals guarding it.
//
// The snapshot is only read or written under the scheduler lock, with one
// exception: the save-complete gate, which the switch path flips outside
// the lock and which is therefore accessed atomically through Saved,
// MarkSaved and ClearSaved.
type CpuContext struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64

	R8, R9, R10, R11, R12, R13, R14, R15 uint64

	RSP    uint64
	RIP    uint64
	RFLAGS uint64
	CR3    uint64

	// saveComplete is 0 only inside the window where the switch primitive
	// is still writing the snapshot above. A context with saveComplete 0
	// must never be loaded onto a CPU.
	saveComplete uint32

	Canary   uint64
	Checksum uint64
}

// NewContext returns a sealed context that begins execution at entry.
//
// The stack pointer starts one word below stackTop so that the push+ret
// performed by the switch primitive leaves RSP%16 == 8 at function entry,
// as the ABI requires.
func NewContext(entry, stackTop uint64) CpuContext {
	c := CpuContext{
		RSP:          stackTop - 8,
		RBP:          stackTop,
		RIP:          entry,
		RFLAGS:       0x202, // IF + reserved bit 1
		CR3:          KernelCR3,
		saveComplete: 1,
		Canary:       canaryMagic,
	}
	c.Checksum = c.ComputeChecksum()
	return c
}

// ComputeChecksum folds the nineteen register words into one. The seals
// themselves and the save-complete gate are excluded.
func (c *CpuContext) ComputeChecksum() uint64 {
	return c.RAX ^ c.RBX ^ c.RCX ^ c.RDX ^
		c.RSI ^ c.RDI ^ c.RBP ^
		c.R8 ^ c.R9 ^ c.R10 ^ c.R11 ^
		c.R12 ^ c.R13 ^ c.R14 ^ c.R15 ^
		c.RSP ^ c.RIP ^ c.RFLAGS ^ c.CR3
}

// UpdateChecksum reseals the context after register mutation. Call sites
// that modify several registers reseal once, after the last write.
func (c *CpuContext) UpdateChecksum() {
	c.Checksum = c.ComputeChecksum()
}

// CanaryOK reports whether the canary seal is intact.
func (c *CpuContext) CanaryOK() bool { return c.Canary == canaryMagic }

// ChecksumOK reports whether the stored checksum matches the registers.
func (c *CpuContext) ChecksumOK() bool { return c.Checksum == c.ComputeChecksum() }

// VerifyIntegrity checks the context is safe to load onto a CPU: both
// seals intact and PC/SP inside the kernel ranges. The returned error
// identifies the first failed check.
func (c *CpuContext) VerifyIntegrity() error {
	if !c.CanaryOK() {
		return ErrCanaryDead
	}
	if !c.ChecksumOK() {
		return ErrChecksumMismatch
	}
	if c.RIP < KernelPCMin || c.RIP >= KernelPCMax || c.RSP < KernelAddrMin {
		return ErrBadRange
	}
	return nil
}

// Saved reports whether the snapshot is complete and loadable.
func (c *CpuContext) Saved() bool { return atomic.LoadUint32(&c.saveComplete) == 1 }

// MarkSaved publishes the snapshot as complete.
func (c *CpuContext) MarkSaved() { atomic.StoreUint32(&c.saveComplete, 1) }

// ClearSaved opens the save window. Done by the scheduler before handing
// the context to the switch primitive as the save target.
func (c *CpuContext) ClearSaved() { atomic.StoreUint32(&c.saveComplete, 0) }

// PC returns the saved program counter.
func (c *CpuContext) PC() uint64 { return c.RIP }

// SetPC replaces the saved program counter. The caller reseals.
func (c *CpuContext) SetPC(v uint64) { c.RIP = v }

// SP returns the saved stack pointer.
func (c *CpuContext) SP() uint64 { return c.RSP }

// SetSP replaces the saved stack pointer. The caller reseals.
func (c *CpuContext) SetSP(v uint64) { c.RSP = v }

// Flags returns the saved flags register.
func (c *CpuContext) Flags() uint64 { return c.RFLAGS }

// SetFlags replaces the saved flags register. The caller reseals.
func (c *CpuContext) SetFlags(v uint64) { c.RFLAGS = v }

// PageTable returns the saved page table root.
func (c *CpuContext) PageTable() uint64 { return c.CR3 }

// SetPageTable replaces the saved page table root. The caller reseals.
func (c *CpuContext) SetPageTable(v uint64) { c.CR3 = v }
