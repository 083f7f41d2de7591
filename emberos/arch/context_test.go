package arch

import (
	"errors"
	"testing"
)

func testContext() CpuContext {
	return NewContext(KernelTextBase+0x100, KernelStackRegion+0x2_0000)
}

func TestNewContextSealedAndLoadable(t *testing.T) {
	c := testContext()

	if err := c.VerifyIntegrity(); err != nil {
		t.Fatalf("VerifyIntegrity() = %v, want nil", err)
	}
	if !c.Saved() {
		t.Fatalf("Saved() = false, want true")
	}
	if got, want := c.SP(), KernelStackRegion+0x2_0000-8; got != want {
		t.Fatalf("SP() = %#x, want %#x", got, want)
	}
	if got, want := c.RBP, KernelStackRegion+0x2_0000; got != want {
		t.Fatalf("RBP = %#x, want %#x", got, want)
	}
	if got := c.Flags(); got != 0x202 {
		t.Fatalf("Flags() = %#x, want 0x202", got)
	}
	if got := c.PageTable(); got != KernelCR3 {
		t.Fatalf("PageTable() = %#x, want %#x", got, KernelCR3)
	}
}

func TestFlippedRegisterFailsVerify(t *testing.T) {
	c := testContext()

	regs := map[string]*uint64{
		"RAX": &c.RAX, "RBX": &c.RBX, "RCX": &c.RCX, "RDX": &c.RDX,
		"RSI": &c.RSI, "RDI": &c.RDI, "RBP": &c.RBP,
		"R8": &c.R8, "R9": &c.R9, "R10": &c.R10, "R11": &c.R11,
		"R12": &c.R12, "R13": &c.R13, "R14": &c.R14, "R15": &c.R15,
		"RSP": &c.RSP, "RIP": &c.RIP, "RFLAGS": &c.RFLAGS, "CR3": &c.CR3,
	}
	for name, reg := range regs {
		*reg ^= 1 << 7
		if err := c.VerifyIntegrity(); !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("VerifyIntegrity() after flipping %s = %v, want ErrChecksumMismatch", name, err)
		}
		*reg ^= 1 << 7
	}
	if err := c.VerifyIntegrity(); err != nil {
		t.Fatalf("VerifyIntegrity() after restore = %v, want nil", err)
	}
}

func TestDeadCanaryDistinguished(t *testing.T) {
	c := testContext()

	c.Canary ^= 0xFF
	if err := c.VerifyIntegrity(); !errors.Is(err, ErrCanaryDead) {
		t.Fatalf("VerifyIntegrity() = %v, want ErrCanaryDead", err)
	}
	if c.ChecksumOK() != true {
		t.Fatalf("ChecksumOK() = false, want true (canary is not part of the checksum)")
	}
}

func TestOutOfRangeTargetRejected(t *testing.T) {
	cases := []struct {
		name string
		mut  func(c *CpuContext)
	}{
		{"pc below text", func(c *CpuContext) { c.SetPC(KernelPCMin - 8) }},
		{"pc above text", func(c *CpuContext) { c.SetPC(KernelPCMax) }},
		{"user pc", func(c *CpuContext) { c.SetPC(0x40_0000) }},
		{"user sp", func(c *CpuContext) { c.SetSP(0x7FFF_F000) }},
	}
	for _, tc := range cases {
		c := testContext()
		tc.mut(&c)
		c.UpdateChecksum()
		if err := c.VerifyIntegrity(); !errors.Is(err, ErrBadRange) {
			t.Fatalf("VerifyIntegrity() [%s] = %v, want ErrBadRange", tc.name, err)
		}
	}
}

func TestUpdateChecksumReseals(t *testing.T) {
	c := testContext()

	c.RAX = 0xDEAD
	if c.ChecksumOK() {
		t.Fatalf("ChecksumOK() = true after unsealed mutation, want false")
	}
	c.UpdateChecksum()
	if err := c.VerifyIntegrity(); err != nil {
		t.Fatalf("VerifyIntegrity() after reseal = %v, want nil", err)
	}
}

func TestSaveCompleteGate(t *testing.T) {
	c := testContext()

	c.ClearSaved()
	if c.Saved() {
		t.Fatalf("Saved() = true after ClearSaved, want false")
	}
	if !c.ChecksumOK() {
		t.Fatalf("ChecksumOK() = false after ClearSaved, want true (gate is not sealed)")
	}
	c.MarkSaved()
	if !c.Saved() {
		t.Fatalf("Saved() = false after MarkSaved, want true")
	}
}

func TestSimSwitchPublishesOutgoing(t *testing.T) {
	old := testContext()
	next := testContext()

	old.ClearSaved()
	old.R12 = 0xFEED // register write the switch path must reseal over

	var sw SimSwitch
	sw.Switch(&old, &next)

	if !old.Saved() {
		t.Fatalf("old.Saved() = false after Switch, want true")
	}
	if err := old.VerifyIntegrity(); err != nil {
		t.Fatalf("old.VerifyIntegrity() after Switch = %v, want nil", err)
	}
	if got := sw.Switches(); got != 1 {
		t.Fatalf("Switches() = %d, want 1", got)
	}
}

func TestSimSwitchNilOutgoing(t *testing.T) {
	next := testContext()

	var sw SimSwitch
	sw.Switch(nil, &next)

	if got := sw.Switches(); got != 1 {
		t.Fatalf("Switches() = %d, want 1", got)
	}
}
