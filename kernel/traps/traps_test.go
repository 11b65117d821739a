package traps

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"arm64os/kernel/config"
	"arm64os/kernel/gate"
	"arm64os/kernel/kfmt"
	"arm64os/kernel/mm"
	"arm64os/kernel/task"
	"arm64os/kernel/unwind"
)

const (
	kernelText  = uintptr(0xffffffc000081000)
	kernelStack = uintptr(0xffffffc000400000)
	userText    = uintptr(0x400000)
)

// recorder implements the collaborators that terminate tasks or the system
// and remembers how it was invoked.
type recorder struct {
	mu sync.Mutex

	signals []SigInfo
	exits   []unix.Signal
	panics  []string

	crashLoaded bool
	crashes     int
}

func (r *recorder) ForceSignal(_ *task.Task, info SigInfo) {
	r.mu.Lock()
	r.signals = append(r.signals, info)
	r.mu.Unlock()
}

func (r *recorder) Exit(_ *task.Task, sig unix.Signal) {
	r.mu.Lock()
	r.exits = append(r.exits, sig)
	r.mu.Unlock()
}

func (r *recorder) Panic(msg string) {
	r.mu.Lock()
	r.panics = append(r.panics, msg)
	r.mu.Unlock()
}

func (r *recorder) Loaded() bool { return r.crashLoaded }

func (r *recorder) CrashKexec(_ *gate.Registers) {
	r.mu.Lock()
	r.crashes++
	r.mu.Unlock()
}

type notifierFunc func(msg string, ev *Event, err int) NotifyResult

func (f notifierFunc) NotifyDie(msg string, ev *Event, err int) NotifyResult { return f(msg, ev, err) }

type fixture struct {
	sys  *Subsystem
	rec  *recorder
	kmem *mm.PageMap
	umem *mm.PageMap
	tsk  *task.Task
	out  *bytes.Buffer
}

// captureConsole redirects console output to a buffer for the duration of
// the test.
func captureConsole(t *testing.T) *bytes.Buffer {
	var (
		buf       bytes.Buffer
		prevLevel = kfmt.ConsoleLevel()
	)

	kfmt.SetOutputSink(&buf)
	t.Cleanup(func() {
		kfmt.SetOutputSink(nil)
		kfmt.SetConsoleLevel(prevLevel)
	})

	buf.Reset()
	return &buf
}

func newFixture(t *testing.T, cfg config.Config, customize func(*Collaborators)) *fixture {
	f := &fixture{
		rec:  &recorder{},
		kmem: mm.NewPageMap(),
		umem: mm.NewPageMap(),
		out:  captureConsole(t),
	}

	f.kmem.Map(kernelStack, unwind.ThreadSize)
	f.kmem.Map(kernelText, mm.PageSize)
	f.umem.Map(userText, mm.PageSize)

	f.tsk = &task.Task{
		Comm:      "app",
		PID:       42,
		CPU:       1,
		StackBase: kernelStack,
		Mem:       f.umem,
	}

	c := Collaborators{
		Signals: f.rec,
		Exit:    f.rec,
		Panic:   f.rec,
		Kernel:  f.kmem,
	}
	if customize != nil {
		customize(&c)
	}

	f.sys = New(cfg, c)
	return f
}

func (f *fixture) userRegs(pc uintptr) *gate.Registers {
	return &gate.Registers{PC: uint64(pc), SP: 0x7ffff000, PState: gate.PStateModeEL0t}
}

func (f *fixture) kernelRegs(pc uintptr) *gate.Registers {
	return &gate.Registers{
		PC:     uint64(pc),
		SP:     uint64(kernelStack + unwind.ThreadSize - 0x100),
		PState: gate.PStateModeEL1h,
	}
}

func TestTrapKindString(t *testing.T) {
	specs := []struct {
		kind TrapKind
		exp  string
	}{
		{KindUndefinedInstruction, "undefined instruction"},
		{KindBadMode, "bad mode"},
		{KindUnimplementedSyscall, "unimplemented syscall"},
		{KindFatal, "fatal"},
		{TrapKind(42), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.kind.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestHandleUnimplementedSyscall(t *testing.T) {
	t.Run("native task", func(t *testing.T) {
		f := newFixture(t, config.Default(), nil)
		regs := f.userRegs(userText)
		regs.Syscallno = 999

		if got := f.sys.HandleUnimplementedSyscall(&Event{Kind: KindUnimplementedSyscall, Regs: regs, Task: f.tsk}); got != -int64(unix.ENOSYS) {
			t.Fatalf("expected -ENOSYS; got %d", got)
		}

		out := f.out.String()
		for _, exp := range []string{"app[42]: syscall 999\n", "Code: ", "CPU: 1 PID: 42 Comm: app\n", "pc : [<"} {
			if !strings.Contains(out, exp) {
				t.Errorf("expected output to contain %q; got:\n%s", exp, out)
			}
		}
	})

	t.Run("compat private syscall", func(t *testing.T) {
		var compat compatFunc = func(ev *Event) int64 {
			if ev.Regs.Syscallno == 0x0f0005 {
				return 0
			}
			return -int64(unix.ENOSYS)
		}

		f := newFixture(t, config.Default(), func(c *Collaborators) { c.Compat = compat })
		f.tsk.Compat = true

		regs := f.userRegs(userText)
		regs.PState |= gate.PStateMode32Bit
		regs.Syscallno = 0x0f0005
		if got := f.sys.HandleUnimplementedSyscall(&Event{Regs: regs, Task: f.tsk}); got != 0 {
			t.Fatalf("expected the compat handler result; got %d", got)
		}
		if f.out.Len() != 0 {
			t.Fatalf("expected no output; got:\n%s", f.out.String())
		}

		regs.Syscallno = 0x0f00ff
		if got := f.sys.HandleUnimplementedSyscall(&Event{Regs: regs, Task: f.tsk}); got != -int64(unix.ENOSYS) {
			t.Fatalf("expected -ENOSYS; got %d", got)
		}
	})

	t.Run("messages disabled", func(t *testing.T) {
		cfg := config.Default()
		cfg.ShowUnhandledSignals = false
		f := newFixture(t, cfg, nil)

		f.sys.HandleUnimplementedSyscall(&Event{Regs: f.userRegs(userText), Task: f.tsk})
		if f.out.Len() != 0 {
			t.Fatalf("expected no output; got:\n%s", f.out.String())
		}
	})
}

type compatFunc func(ev *Event) int64

func (f compatFunc) CompatSyscall(ev *Event) int64 { return f(ev) }

func TestNewLimiter(t *testing.T) {
	now := time.Unix(1000, 0)

	specs := []struct {
		rl       config.RateLimit
		expAllow int
	}{
		{config.RateLimit{}, 20},
		{config.RateLimit{Interval: time.Second}, 0},
		{config.RateLimit{Interval: 5 * time.Second, Burst: 3}, 3},
	}

	for specIndex, spec := range specs {
		l := newLimiter(spec.rl)

		var allowed int
		for i := 0; i < 20; i++ {
			if l.AllowN(now, 1) {
				allowed++
			}
		}

		if allowed != spec.expAllow {
			t.Errorf("[spec %d] expected %d messages to be allowed; got %d", specIndex, spec.expAllow, allowed)
		}
	}
}

func TestTaskOfFallsBackToIdle(t *testing.T) {
	f := newFixture(t, config.Default(), nil)

	if got := f.sys.taskOf(&Event{}); got.Comm != "swapper" || got != f.sys.taskOf(&Event{}) {
		t.Fatalf("expected a stable idle placeholder; got %+v", got)
	}

	cur := &task.Task{Comm: "cur"}
	f.sys.c.Current = func() *task.Task { return cur }
	if got := f.sys.taskOf(&Event{}); got != cur {
		t.Fatalf("expected the current task; got %+v", got)
	}
}
