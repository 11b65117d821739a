package traps

import (
	"golang.org/x/sys/unix"

	"arm64os/kernel/gate"
	"arm64os/kernel/kfmt"
	"arm64os/kernel/task"
)

// wideThumbPrefix is the smallest first halfword of a 32-bit Thumb
// instruction.
const wideThumbPrefix = 0xe800

// HandleUndefinedInstruction handles an undefined instruction trap. The trap
// is offered to the breakpoint handler and the undef hooks in turn; if
// neither consumes it, user tasks receive SIGILL and kernel faults are
// reported through Die.
func (s *Subsystem) HandleUndefinedInstruction(ev *Event) {
	regs := ev.Regs
	tsk := s.taskOf(ev)
	pc := uintptr(regs.PC)

	if s.c.Breakpoints != nil && s.c.Breakpoints.HandleBreak(ev) {
		return
	}

	if s.callUndefHook(regs, tsk) {
		return
	}

	if s.cfg.ShowUnhandledSignals && tsk.UnhandledSignal(unix.SIGILL) && s.allowMessage() {
		kfmt.Logf(kfmt.LevelInfo, "%s[%d]: undefined instruction: pc=%016x\n", tsk.Comm, tsk.PID, pc)
		s.reporter.DumpInstr(kfmt.LevelInfo, regs, tsk)
	}

	s.NotifyDie("Oops - undefined instruction", ev, SigInfo{
		Signo: unix.SIGILL,
		Code:  ILLOpcode,
		Addr:  pc,
	}, 0)
}

// callUndefHook offers a user mode undefined instruction to the registered
// hooks. It returns true if a hook handled it.
func (s *Subsystem) callUndefHook(regs *gate.Registers, tsk *task.Task) bool {
	if !regs.UserMode() {
		return false
	}

	instr, ok := s.fetchUserInstr(regs, tsk)
	if !ok {
		s.c.Log.Debug("cannot fetch faulting instruction", "pid", tsk.PID, "pc", regs.PC)
		return false
	}

	fn := s.hooks.Lookup(instr, regs.PState)
	if fn == nil {
		return false
	}

	return fn(regs, instr)
}

// fetchUserInstr reads the instruction at the PC of regs through the task's
// own address space. 32-bit Thumb instructions are returned with their first
// halfword in the upper 16 bits.
func (s *Subsystem) fetchUserInstr(regs *gate.Registers, tsk *task.Task) (uint32, bool) {
	var (
		p  = s.reporter.probeFor(tsk)
		pc = uintptr(regs.PC)
	)

	if !regs.ThumbMode() {
		instr, err := p.ReadU32(pc)
		return instr, err == nil
	}

	first, err := p.Read(pc, 2)
	if err != nil {
		return 0, false
	}

	instr := uint32(first)
	if instr < wideThumbPrefix {
		return instr, true
	}

	second, err := p.Read(pc+2, 2)
	if err != nil {
		return 0, false
	}

	return instr<<16 | uint32(second), true
}

// HandleBadMode handles an exception taken from a mode in which it can never
// legitimately occur. reason identifies the vector that was entered and esr
// holds the syndrome.
func (s *Subsystem) HandleBadMode(ev *Event, reason gate.VectorKind, esr uint32) {
	regs := ev.Regs
	tsk := s.taskOf(ev)

	kfmt.ConsoleVerbose()
	kfmt.Logf(kfmt.LevelCrit, "Bad mode in %s handler detected, code 0x%08x -- %s\n",
		reason.String(), esr, gate.ClassString(esr))
	s.reporter.ShowRegs(regs, tsk)

	s.NotifyDie("Oops - bad mode", ev, SigInfo{
		Signo: unix.SIGILL,
		Code:  ILLOpcode,
		Addr:  uintptr(regs.PC),
	}, 0)
}
