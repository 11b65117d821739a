// Package traps implements the synchronous trap dispatch and fatal report
// path of the kernel.
//
// The vector entry code calls into a Subsystem whenever the CPU traps because
// of an undefined instruction, an exception taken in an impossible mode or an
// unimplemented system call. Traps are offered to registered interception
// hooks first; unclaimed user faults become signals while kernel faults are
// funnelled through Die, which serializes diagnostic reports across CPUs.
package traps

import (
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"arm64os/kernel/config"
	"arm64os/kernel/gate"
	"arm64os/kernel/kfmt"
	"arm64os/kernel/ksym"
	"arm64os/kernel/mm"
	"arm64os/kernel/task"
	"arm64os/kernel/unwind"
)

// TrapKind classifies a trap.
type TrapKind int

// The supported trap kinds.
const (
	KindUndefinedInstruction TrapKind = iota
	KindBadMode
	KindUnimplementedSyscall
	KindFatal
)

var trapKindNames = [...]string{
	KindUndefinedInstruction: "undefined instruction",
	KindBadMode:              "bad mode",
	KindUnimplementedSyscall: "unimplemented syscall",
	KindFatal:                "fatal",
}

// String returns the name of the trap kind.
func (k TrapKind) String() string {
	if k < 0 || int(k) >= len(trapKindNames) {
		return "unknown"
	}
	return trapKindNames[k]
}

// Event describes a trap while it is being handled.
type Event struct {
	Kind TrapKind

	// Regs is the register snapshot captured by the entry code.
	Regs *gate.Registers

	// Task is the task that was running when the trap occurred. If nil,
	// the Current collaborator is consulted.
	Task *task.Task

	// ESR is the exception syndrome reported by the CPU.
	ESR uint32

	// InInterrupt is set if the trap was taken while servicing an
	// interrupt.
	InInterrupt bool
}

// ILLOpcode is the si_code for an illegal opcode.
const ILLOpcode = 1

// SigInfo describes a signal delivered to a task as the result of a fault.
type SigInfo struct {
	Signo unix.Signal
	Errno int
	Code  int
	Addr  uintptr
}

// TaintDie is set in the taint mask once a fatal report has been emitted.
const TaintDie = uint64(1 << 7)

// Collaborators groups the services that the trap subsystem invokes but does
// not implement. Nil members are treated as absent.
type Collaborators struct {
	// Signals delivers signals to tasks.
	Signals Signaller

	// Breakpoints recognises AArch32 breakpoint instructions.
	Breakpoints BreakHandler

	// Compat implements the legacy AArch32 private syscalls.
	Compat CompatSyscaller

	// Bugs recognises BUG() traps in kernel code.
	Bugs BugReporter

	// Notifiers are offered every fatal report before it is printed.
	Notifiers []DieNotifier

	// Crash captures a crash dump.
	Crash CrashDumper

	// Panic halts the system. Defaults to kfmt.Panic.
	Panic Panicker

	// Exit terminates a task.
	Exit TaskExiter

	// Oops is notified when a fatal report starts and ends.
	Oops OopsObserver

	// Kernel resolves kernel addresses for the diagnostic probes.
	Kernel mm.AddressSpace

	// Symbols resolves text addresses in call traces and register dumps.
	Symbols ksym.Resolver

	// ExceptionText is the address range of the exception entry code.
	ExceptionText ksym.Range

	// Modules lists the loaded modules.
	Modules func() ksym.Modules

	// Current returns the task running on the local CPU.
	Current func() *task.Task

	// CPU returns the id of the local CPU. If nil, the CPU of the faulting
	// task is used.
	CPU func() int

	// CurrentFrame returns the frame of the caller when a call trace for
	// the current task is requested without a register snapshot.
	CurrentFrame func() unwind.Frame

	// Summary receives a copy of every call trace when the summary trace
	// mode is selected.
	Summary io.Writer

	// Log receives structured diagnostics about subsystem decisions.
	Log *slog.Logger

	// Now is used by the message rate limiter.
	Now func() time.Time
}

// Signaller is implemented by the signal delivery code.
type Signaller interface {
	ForceSignal(t *task.Task, info SigInfo)
}

// BreakHandler is offered every undefined instruction trap before the undef
// hooks. HandleBreak returns true if it consumed the trap.
type BreakHandler interface {
	HandleBreak(ev *Event) bool
}

// CompatSyscaller handles the AArch32 private syscalls. It returns -ENOSYS
// for syscalls that it does not implement.
type CompatSyscaller interface {
	CompatSyscall(ev *Event) int64
}

// BugReporter returns true if pc is the address of a BUG() trap.
type BugReporter interface {
	ReportBug(pc uintptr, regs *gate.Registers) bool
}

// NotifyResult is returned by die notifiers.
type NotifyResult int

// Die notifier results.
const (
	NotifyDone NotifyResult = iota
	NotifyOK

	// NotifyStop claims the report: nothing else is printed and the
	// faulting task is not terminated.
	NotifyStop
)

// DieNotifier observes fatal reports.
type DieNotifier interface {
	NotifyDie(msg string, ev *Event, err int) NotifyResult
}

// CrashDumper captures the state of the system for offline analysis.
type CrashDumper interface {
	// Loaded returns true if a crash kernel is available.
	Loaded() bool

	// CrashKexec captures a crash dump. It does not return when the dump
	// kernel takes over.
	CrashKexec(regs *gate.Registers)
}

// Panicker brings the whole system to a halt.
type Panicker interface {
	Panic(msg string)
}

// PanicFunc adapts a function to the Panicker interface.
type PanicFunc func(msg string)

// Panic implements Panicker.
func (f PanicFunc) Panic(msg string) { f(msg) }

// TaskExiter terminates a single task.
type TaskExiter interface {
	Exit(t *task.Task, sig unix.Signal)
}

// OopsObserver is told when a fatal report begins and ends.
type OopsObserver interface {
	OopsEnter()
	OopsExit()
}

// Subsystem holds the state of the trap handling code. It is created once at
// startup and shared by every CPU.
type Subsystem struct {
	cfg config.Config
	c   Collaborators

	hooks    UndefHookRegistry
	die      DieContext
	reporter *Reporter
	limiter  *rate.Limiter
	taint    atomic.Uint64

	// idle stands in for the current task when none is running.
	idle task.Task
}

// New returns a Subsystem that uses cfg and the supplied collaborators.
func New(cfg config.Config, c Collaborators) *Subsystem {
	if c.Panic == nil {
		c.Panic = PanicFunc(func(msg string) { kfmt.Panic(msg) })
	}
	if c.Log == nil {
		c.Log = slog.New(slog.DiscardHandler)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Current == nil {
		c.Current = func() *task.Task { return nil }
	}
	if c.Modules == nil {
		c.Modules = func() ksym.Modules { return nil }
	}

	s := &Subsystem{
		cfg:     cfg,
		c:       c,
		limiter: newLimiter(cfg.RateLimit),
		idle:    task.Task{Comm: "swapper"},
	}
	s.reporter = newReporter(cfg, c)

	return s
}

func newLimiter(rl config.RateLimit) *rate.Limiter {
	switch {
	case rl.Interval == 0:
		return rate.NewLimiter(rate.Inf, 0)
	case rl.Burst == 0:
		return rate.NewLimiter(0, 0)
	default:
		return rate.NewLimiter(rate.Every(rl.Interval/time.Duration(rl.Burst)), rl.Burst)
	}
}

// Reporter returns the diagnostic reporter used by the subsystem.
func (s *Subsystem) Reporter() *Reporter {
	return s.reporter
}

// RegisterUndefHook installs h. See UndefHookRegistry.Register.
func (s *Subsystem) RegisterUndefHook(h *UndefHook) {
	s.hooks.Register(h)
	s.c.Log.Debug("undef hook registered", "instr_mask", h.InstrMask, "instr_val", h.InstrVal,
		"pstate_mask", h.PStateMask, "pstate_val", h.PStateVal)
}

// UnregisterUndefHook removes h. See UndefHookRegistry.Unregister.
func (s *Subsystem) UnregisterUndefHook(h *UndefHook) {
	s.hooks.Unregister(h)
	s.c.Log.Debug("undef hook unregistered", "instr_mask", h.InstrMask, "instr_val", h.InstrVal)
}

// Tainted returns the taint mask.
func (s *Subsystem) Tainted() uint64 {
	return s.taint.Load()
}

// taskOf returns the task associated with ev, falling back to the current
// task and finally to a placeholder for the idle context.
func (s *Subsystem) taskOf(ev *Event) *task.Task {
	if ev.Task != nil {
		return ev.Task
	}
	if t := s.c.Current(); t != nil {
		return t
	}
	return &s.idle
}

// cpuOf returns the id of the CPU that took the trap described by ev, or -1
// if it cannot be determined.
func (s *Subsystem) cpuOf(ev *Event) int {
	if s.c.CPU != nil {
		return s.c.CPU()
	}
	if ev.Task != nil {
		return ev.Task.CPU
	}
	if t := s.c.Current(); t != nil {
		return t.CPU
	}
	return -1
}

// allowMessage applies the rate limit to informational user fault messages.
func (s *Subsystem) allowMessage() bool {
	return s.limiter.AllowN(s.c.Now(), 1)
}

func (s *Subsystem) forceSignal(t *task.Task, info SigInfo) {
	if s.c.Signals == nil {
		s.c.Log.Warn("no signal delivery service; dropping signal", "pid", t.PID, "signal", int(info.Signo))
		return
	}
	s.c.Signals.ForceSignal(t, info)
}
