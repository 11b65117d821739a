package cpu

import "testing"

func TestIRQFlags(t *testing.T) {
	defer RestoreFlags(0)
	RestoreFlags(0)

	outer := SaveFlagsAndDisableIRQ()
	if outer&FlagI != 0 {
		t.Fatal("expected IRQs to be enabled before the first save")
	}
	if !IRQsDisabled() {
		t.Fatal("expected IRQs to be masked after SaveFlagsAndDisableIRQ")
	}

	inner := SaveFlagsAndDisableIRQ()
	if inner&FlagI == 0 {
		t.Fatal("expected nested save to observe masked IRQs")
	}

	RestoreFlags(inner)
	if !IRQsDisabled() {
		t.Fatal("expected IRQs to stay masked after restoring the nested save")
	}

	RestoreFlags(outer)
	if IRQsDisabled() {
		t.Fatal("expected IRQs to be unmasked after restoring the outer save")
	}
}

func TestHalt(t *testing.T) {
	defer func(orig func()) { haltFn = orig }(haltFn)

	var halted bool
	haltFn = func() { halted = true }

	Halt()
	if !halted {
		t.Fatal("expected Halt to invoke haltFn")
	}
}

func TestIRQFlagsOverlappingSections(t *testing.T) {
	defer RestoreFlags(0)

	first := SaveFlagsAndDisableIRQ()
	second := SaveFlagsAndDisableIRQ()

	// The sections are closed in the order they were opened, as happens
	// when two CPUs contend for the same IRQ-saving lock.
	RestoreFlags(first)
	if !IRQsDisabled() {
		t.Fatal("expected IRQs to stay masked while the second section is open")
	}

	RestoreFlags(second)
	if IRQsDisabled() {
		t.Fatal("expected IRQs to be unmasked once both sections are closed")
	}
}

func TestRestoreFlagsKeepsOtherBits(t *testing.T) {
	defer RestoreFlags(0)

	RestoreFlags(FlagD | FlagA)
	flags := SaveFlagsAndDisableIRQ()
	if flags&(FlagD|FlagA) != FlagD|FlagA || flags&FlagI != 0 {
		t.Fatalf("expected saved flags %x; got %x", FlagD|FlagA, flags)
	}

	RestoreFlags(flags)
	if IRQsDisabled() {
		t.Fatal("expected IRQs to be unmasked")
	}
}
