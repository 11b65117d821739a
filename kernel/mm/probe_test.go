package mm

import (
	"bytes"
	"fmt"
	"testing"

	"arm64os/kernel/kfmt"
)

type panickingSpace struct{}

func (panickingSpace) ReadAt(_ []byte, _ uintptr) error {
	panic("bus error")
}

func TestProbeRead(t *testing.T) {
	var (
		user   = NewPageMap()
		kern   = NewPageMap()
		kaddr  = uintptr(0xffffffc000080000)
		limit  AddrLimit
		probe  = Probe{Kernel: kern, User: user, Limit: &limit}
		uaddr  = uintptr(0x400000)
		lastOK = UserTop - 4
	)

	user.WriteU64(uaddr, 0x1122334455667788)
	user.WriteU32(lastOK, 0xcafebabe)
	kern.WriteU32(kaddr, 0xd4200000)

	specs := []struct {
		addr   uintptr
		width  int
		seg    Segment
		expVal uint64
		expErr error
	}{
		{uaddr, 8, UserDS, 0x1122334455667788, nil},
		{uaddr, 4, UserDS, 0x55667788, nil},
		{uaddr, 2, UserDS, 0x7788, nil},
		{uaddr, 1, UserDS, 0x88, nil},
		{uaddr, 3, UserDS, 0, ErrBadWidth},
		{lastOK, 4, UserDS, 0xcafebabe, nil},
		// kernel addresses are rejected under USER_DS
		{kaddr, 4, UserDS, 0, ErrUnreadable},
		{kaddr, 4, KernelDS, 0xd4200000, nil},
		// unmapped addresses fail regardless of the limit
		{uaddr + PageSize, 4, KernelDS, 0, ErrUnreadable},
		{kaddr - 4, 4, KernelDS, 0, ErrUnreadable},
		// reads that wrap around the address space fail
		{^uintptr(0) - 1, 4, KernelDS, 0, ErrUnreadable},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			restore := limit.Switch(spec.seg)
			defer restore()

			got, err := probe.Read(spec.addr, spec.width)
			if err != spec.expErr && !(err == nil && spec.expErr == nil) {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
			if got != spec.expVal {
				t.Fatalf("expected value 0x%x; got 0x%x", spec.expVal, got)
			}
		})
	}
}

func TestProbeRecoversFromPanickingAddressSpace(t *testing.T) {
	probe := Probe{Kernel: panickingSpace{}}

	if _, err := probe.ReadU64(0xffffffc000000000); err != ErrUnreadable {
		t.Fatalf("expected ErrUnreadable; got %v", err)
	}
}

func TestProbeWithoutUserSpace(t *testing.T) {
	probe := Probe{Kernel: NewPageMap()}

	if _, err := probe.ReadU32(0x1000); err != ErrUnreadable {
		t.Fatalf("expected ErrUnreadable for user address without user mappings; got %v", err)
	}
}

func TestTryReadRestoresLimit(t *testing.T) {
	var (
		limit AddrLimit
		kern  = NewPageMap()
		addr  = uintptr(0xffffffc000100000)
		probe = Probe{Kernel: kern}.WithLimit(&limit)
	)

	kern.WriteU64(addr, 42)

	if _, err := probe.ReadU64(addr); err != ErrUnreadable {
		t.Fatalf("expected kernel read under USER_DS to fail; got %v", err)
	}

	v, err := probe.TryRead(addr, 8)
	if err != nil || v != 42 {
		t.Fatalf("expected TryRead to return 42; got %d, %v", v, err)
	}
	if got := limit.Get(); got != UserDS {
		t.Fatalf("expected limit to be restored to UserDS after success; got %d", got)
	}

	if _, err = probe.TryRead(addr+PageSize, 8); err != ErrUnreadable {
		t.Fatalf("expected TryRead of unmapped page to fail; got %v", err)
	}
	if got := limit.Get(); got != UserDS {
		t.Fatalf("expected limit to be restored to UserDS after failure; got %d", got)
	}

	// An outer KERNEL_DS section is preserved as well
	restore := limit.Switch(KernelDS)
	probe.TryRead(addr, 8)
	if got := limit.Get(); got != KernelDS {
		t.Fatalf("expected nested TryRead to keep KernelDS; got %d", got)
	}
	restore()
	if got := limit.Get(); got != UserDS {
		t.Fatalf("expected restore to reinstate UserDS; got %d", got)
	}
}

func TestPageMap(t *testing.T) {
	m := NewPageMap()

	// Writes that straddle a page boundary map both pages
	m.WriteU64(PageSize-4, 0x0102030405060708)

	var buf [8]byte
	if err := m.ReadAt(buf[:], PageSize-4); err != nil {
		t.Fatal(err)
	}
	if exp := []byte{8, 7, 6, 5, 4, 3, 2, 1}; !bytes.Equal(buf[:], exp) {
		t.Fatalf("expected %v; got %v", exp, buf)
	}

	m.Unmap(PageSize)
	if err := m.ReadAt(buf[:], PageSize-4); err == nil {
		t.Fatal("expected read spanning an unmapped page to fail")
	}

	m.Map(0x10000, 1)
	if err := m.ReadAt(buf[:], 0x10ff8); err != nil {
		t.Fatalf("expected freshly mapped page to be readable; got %v", err)
	}
	if buf != [8]byte{} {
		t.Fatalf("expected freshly mapped page to be zero-filled; got %v", buf)
	}
}

func TestPageTableErrors(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	specs := []struct {
		fn  func(string, int, uint64)
		exp string
	}{
		{PTEError, "mmu.c:42: bad pte 00e8000080000f13.\n"},
		{PMDError, "mmu.c:42: bad pmd 00e8000080000f13.\n"},
		{PUDError, "mmu.c:42: bad pud 00e8000080000f13.\n"},
		{PGDError, "mmu.c:42: bad pgd 00e8000080000f13.\n"},
	}

	for specIndex, spec := range specs {
		buf.Reset()
		spec.fn("mmu.c", 42, 0xe8000080000f13)
		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
