package traps

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"arm64os/kernel/gate"
	"arm64os/kernel/kfmt"
	"arm64os/kernel/ksym"
	"arm64os/kernel/sync"
	"arm64os/kernel/task"
)

// DieState tracks the progress of a fatal report.
type DieState int32

// The states of a DieContext.
const (
	DieIdle DieState = iota
	DieEntering
	DieReporting
	DieEscalating
)

var dieStateNames = [...]string{
	DieIdle:       "idle",
	DieEntering:   "entering",
	DieReporting:  "reporting",
	DieEscalating: "escalating",
}

// String returns the name of the state.
func (s DieState) String() string {
	if s < 0 || int(s) >= len(dieStateNames) {
		return "unknown"
	}
	return dieStateNames[s]
}

// DieContext serializes fatal reports system-wide. At most one CPU emits a
// report at any time and every report is numbered with a counter that
// increases by one per emitted header.
type DieContext struct {
	lock sync.IRQSpinlock

	// owner holds the id plus one of the CPU whose report is in progress.
	// It is zero while no report is in progress or when the reporting CPU
	// is unknown.
	owner atomic.Int64

	// counter is only incremented while lock is held.
	counter   atomic.Uint64
	reentries atomic.Uint64
	state     atomic.Int32
}

// Counter returns the number of report headers emitted so far.
func (d *DieContext) Counter() uint64 { return d.counter.Load() }

// Reentries returns the number of recursive Die calls detected.
func (d *DieContext) Reentries() uint64 { return d.reentries.Load() }

// State returns the current state.
func (d *DieContext) State() DieState { return DieState(d.state.Load()) }

func (d *DieContext) setState(s DieState) { d.state.Store(int32(s)) }

// ownedBy returns true if cpu is emitting the report in progress.
func (d *DieContext) ownedBy(cpu int) bool {
	return cpu >= 0 && d.owner.Load() == int64(cpu)+1
}

func (d *DieContext) setOwner(cpu int) {
	if cpu < 0 {
		d.owner.Store(0)
		return
	}
	d.owner.Store(int64(cpu) + 1)
}

// DieContext returns the fatal report serialization state.
func (s *Subsystem) DieContext() *DieContext {
	return &s.die
}

// Die emits a fatal report for ev and decides how to escalate it. Reports
// from concurrent callers never interleave.
//
// If the CPU that owns the report in progress faults again, Die skips the
// report and halts the system: waiting for the lock it already holds would
// hang the CPU forever. Faults whose CPU cannot be determined always wait
// for the lock.
func (s *Subsystem) Die(msg string, ev *Event, err int) {
	tsk := s.taskOf(ev)
	regs := ev.Regs
	cpuID := s.cpuOf(ev)

	if s.die.ownedBy(cpuID) {
		s.die.reentries.Add(1)
		kfmt.Logf(kfmt.LevelEmerg, "Recursive die() failure, output suppressed\n")
		s.c.Log.Error("recursive die", "msg", msg, "cpu", cpuID, "pid", tsk.PID)
		s.c.Panic.Panic("Recursive die() failure")
		return
	}

	if s.c.Oops != nil {
		s.c.Oops.OopsEnter()
	}

	flags := s.die.lock.AcquireIRQSave()
	s.die.setOwner(cpuID)
	s.die.setState(DieEntering)

	kfmt.ConsoleVerbose()
	kfmt.BustSpinlocks(true)

	if regs != nil && !regs.UserMode() && s.c.Bugs != nil && s.c.Bugs.ReportBug(uintptr(regs.PC), regs) {
		msg = "Oops - BUG"
	}

	s.die.setState(DieReporting)
	stopped := s.report(msg, ev, tsk, err)

	s.die.setState(DieEscalating)
	if regs != nil && s.crashDumpWanted(ev, tsk) {
		s.c.Log.Warn("capturing crash dump", "msg", msg, "pid", tsk.PID)
		s.c.Crash.CrashKexec(regs)
	}

	kfmt.BustSpinlocks(false)
	s.taint.Or(TaintDie)
	s.die.setOwner(-1)
	s.die.setState(DieIdle)
	s.die.lock.ReleaseIRQRestore(flags)

	if s.c.Oops != nil {
		s.c.Oops.OopsExit()
	}

	switch {
	case ev.InInterrupt:
		s.panic("Fatal exception in interrupt", regs)
	case s.cfg.PanicOnOops:
		s.panic("Fatal exception", regs)
	case !stopped:
		s.exit(tsk, unix.SIGSEGV)
	}
}

// report prints the body of a fatal report. It returns true if a die
// notifier claimed the report, in which case nothing is printed.
func (s *Subsystem) report(msg string, ev *Event, tsk *task.Task, err int) bool {
	for _, n := range s.c.Notifiers {
		if n.NotifyDie(msg, ev, err) == NotifyStop {
			s.c.Log.Info("die notifier claimed report", "msg", msg, "pid", tsk.PID)
			return true
		}
	}

	var preempt, smp string
	if s.cfg.Preempt {
		preempt = " PREEMPT"
	}
	if s.cfg.SMP {
		smp = " SMP"
	}

	n := s.die.counter.Add(1)
	kfmt.Logf(kfmt.LevelEmerg, "Internal error: %s: %x [#%d]%s%s\n", msg, uint32(err), n, preempt, smp)
	s.c.Modules().Print(kfmt.Console(kfmt.LevelEmerg))

	regs := ev.Regs
	if regs != nil {
		s.reporter.ShowRegs(regs, tsk)
	}

	kfmt.Logf(kfmt.LevelEmerg, "Process %s (pid: %d, stack limit = 0x%016x)\n", tsk.Comm, tsk.PID, tsk.StackLimit())

	if regs != nil && (!regs.UserMode() || ev.InInterrupt) {
		if tsk.StackBase != 0 {
			s.reporter.DumpMemory(kfmt.LevelEmerg, "Stack: ", stackDumpStart(uintptr(regs.SP), tsk), tsk.StackTop(), tsk)
		}
		s.reporter.DumpBacktrace(regs, tsk)
		s.reporter.DumpInstr(kfmt.LevelEmerg, regs, tsk)
	}

	return false
}

// stackDumpStart clamps sp to the task's kernel stack so that a corrupted
// stack pointer cannot produce an unbounded dump.
func stackDumpStart(sp uintptr, tsk *task.Task) uintptr {
	if sp < tsk.StackLimit() || sp > tsk.StackTop() {
		return tsk.StackLimit()
	}
	return sp
}

func (s *Subsystem) crashDumpWanted(ev *Event, tsk *task.Task) bool {
	if s.c.Crash == nil || !s.c.Crash.Loaded() {
		return false
	}
	return ev.InInterrupt || tsk.PID == 0 || tsk.GlobalInit || s.cfg.PanicOnOops
}

func (s *Subsystem) panic(msg string, regs *gate.Registers) {
	if s.cfg.VerbosePanic && regs != nil {
		msg += "\nPC is at " + ksym.String(s.c.Symbols, uintptr(regs.PC)) +
			"\nLR is at " + ksym.String(s.c.Symbols, uintptr(regs.LR()))
	}

	s.c.Log.Error("escalating to panic", "msg", msg)
	s.c.Panic.Panic(msg)
}

func (s *Subsystem) exit(tsk *task.Task, sig unix.Signal) {
	if s.c.Exit == nil {
		s.c.Log.Warn("no task exit service; leaving task running", "pid", tsk.PID)
		return
	}
	s.c.Exit.Exit(tsk, sig)
}

// NotifyDie delivers info to the faulting task if the trap was taken from
// user mode and escalates to Die otherwise.
func (s *Subsystem) NotifyDie(msg string, ev *Event, info SigInfo, err int) {
	if ev.Regs != nil && ev.Regs.UserMode() {
		tsk := s.taskOf(ev)
		tsk.FaultAddress = 0
		tsk.FaultCode = err
		s.forceSignal(tsk, info)
		return
	}

	s.Die(msg, ev, err)
}
