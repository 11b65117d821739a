package task

import (
	"testing"

	"golang.org/x/sys/unix"

	"arm64os/kernel/unwind"
)

func TestUnhandledSignal(t *testing.T) {
	var tsk Task

	if !tsk.UnhandledSignal(unix.SIGILL) {
		t.Fatal("expected SIGILL to be unhandled by default")
	}

	tsk.CatchSignal(unix.SIGILL)
	if tsk.UnhandledSignal(unix.SIGILL) {
		t.Fatal("expected SIGILL to be handled after installing a handler")
	}
	if !tsk.UnhandledSignal(unix.SIGSEGV) {
		t.Fatal("expected SIGSEGV to remain unhandled")
	}

	tsk.GlobalInit = true
	if !tsk.UnhandledSignal(unix.SIGILL) {
		t.Fatal("expected signals sent to init to always count as unhandled")
	}
}

func TestStackBounds(t *testing.T) {
	tsk := Task{StackBase: 0xffffffc0003c8000}

	if got := tsk.StackLimit(); got != 0xffffffc0003c8000 {
		t.Fatalf("unexpected stack limit %x", got)
	}
	if got, exp := tsk.StackTop(), uintptr(0xffffffc0003c8000)+unwind.ThreadSize; got != exp {
		t.Fatalf("expected stack top %x; got %x", exp, got)
	}
}
