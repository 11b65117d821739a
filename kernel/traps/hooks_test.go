package traps

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"arm64os/kernel/gate"
)

func TestUndefHookRegistry(t *testing.T) {
	var (
		reg   UndefHookRegistry
		calls []string
	)

	mkHook := func(name string, mask, val uint32) *UndefHook {
		return &UndefHook{
			InstrMask: mask,
			InstrVal:  val,
			Fn: func(_ *gate.Registers, _ uint32) bool {
				calls = append(calls, name)
				return true
			},
		}
	}

	if reg.Len() != 0 || reg.Lookup(0, 0) != nil {
		t.Fatal("expected an empty registry")
	}

	first := mkHook("first", 0xffff0000, 0x12340000)
	second := mkHook("second", 0xff000000, 0x12000000)
	reg.Register(first)
	reg.Register(second)
	reg.Register(second)

	if got := reg.Len(); got != 2 {
		t.Fatalf("expected 2 hooks; got %d", got)
	}

	t.Run("last match wins", func(t *testing.T) {
		calls = nil
		reg.Lookup(0x1234abcd, 0)(nil, 0x1234abcd)
		if len(calls) != 1 || calls[0] != "second" {
			t.Fatalf("expected the last registered matching hook to run; got %v", calls)
		}
	})

	t.Run("single match", func(t *testing.T) {
		calls = nil
		reg.Unregister(second)
		reg.Lookup(0x1234abcd, 0)(nil, 0x1234abcd)
		if len(calls) != 1 || calls[0] != "first" {
			t.Fatalf("expected the first hook to run; got %v", calls)
		}
		if reg.Lookup(0x1235abcd, 0) != nil {
			t.Fatal("expected no hook to match 0x1235abcd")
		}
	})

	t.Run("unregister all", func(t *testing.T) {
		reg.Unregister(first)
		reg.Unregister(first)
		if got := reg.Len(); got != 0 {
			t.Fatalf("expected an empty registry; got %d hooks", got)
		}
		if reg.Lookup(0x1234abcd, 0) != nil {
			t.Fatal("expected lookup on an empty registry to fail")
		}
	})

	t.Run("re-register", func(t *testing.T) {
		reg.Register(second)
		reg.Register(first)
		calls = nil
		reg.Lookup(0x1234abcd, 0)(nil, 0x1234abcd)
		if len(calls) != 1 || calls[0] != "first" {
			t.Fatalf("expected registration order to decide; got %v", calls)
		}
	})
}

func TestUndefHookPStateMatch(t *testing.T) {
	var reg UndefHookRegistry

	h := &UndefHook{
		InstrMask:  0xffffffff,
		InstrVal:   0xe7f001f0,
		PStateMask: gate.PStateMode32Bit | gate.PStateModeMask,
		PStateVal:  gate.PStateMode32Bit | gate.PStateModeEL0t,
		Fn:         func(*gate.Registers, uint32) bool { return true },
	}
	reg.Register(h)

	specs := []struct {
		instr    uint32
		pstate   uint64
		expMatch bool
	}{
		{0xe7f001f0, gate.PStateMode32Bit, true},
		{0xe7f001f0, gate.PStateMode32Bit | gate.PStateThumbBit, true},
		{0xe7f001f0, gate.PStateModeEL0t, false},
		{0xe7f001f0, gate.PStateMode32Bit | gate.PStateModeEL1h, false},
		{0xe7f001f1, gate.PStateMode32Bit, false},
	}

	for specIndex, spec := range specs {
		if got := reg.Lookup(spec.instr, spec.pstate) != nil; got != spec.expMatch {
			t.Errorf("[spec %d] expected match to be %t; got %t", specIndex, spec.expMatch, got)
		}
	}
}

func TestUndefHookRegistryConcurrentUse(t *testing.T) {
	const (
		writers    = 4
		readers    = 4
		iterations = 500
	)

	var (
		reg UndefHookRegistry
		g   errgroup.Group
	)

	for i := 0; i < writers; i++ {
		h := &UndefHook{
			InstrMask: 0xffff0000,
			InstrVal:  0x12340000,
			Fn:        func(*gate.Registers, uint32) bool { return true },
		}
		g.Go(func() error {
			for j := 0; j < iterations; j++ {
				reg.Register(h)
				reg.Unregister(h)
			}
			return nil
		})
	}

	for i := 0; i < readers; i++ {
		g.Go(func() error {
			for j := 0; j < iterations; j++ {
				if fn := reg.Lookup(0x1234abcd, 0); fn != nil && !fn(nil, 0x1234abcd) {
					t.Error("expected a matching hook to handle the instruction")
				}
				if reg.Lookup(0x4321abcd, 0) != nil {
					t.Error("expected no hook to match 0x4321abcd")
				}
				if n := reg.Len(); n < 0 || n > writers {
					t.Errorf("expected at most %d hooks; got %d", writers, n)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := reg.Len(); got != 0 {
		t.Fatalf("expected an empty registry; got %d hooks", got)
	}
	if reg.Lookup(0x1234abcd, 0) != nil {
		t.Fatal("expected lookup on an empty registry to fail")
	}
}
