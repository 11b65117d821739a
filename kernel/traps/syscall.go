package traps

import (
	"golang.org/x/sys/unix"

	"arm64os/kernel/kfmt"
)

// errNoSys is the return value of an unimplemented syscall.
var errNoSys = -int64(unix.ENOSYS)

// HandleUnimplementedSyscall handles a syscall number with no handler. AArch32
// tasks get a chance to run one of the legacy private syscalls first. The
// return value is placed in the task's result register.
func (s *Subsystem) HandleUnimplementedSyscall(ev *Event) int64 {
	regs := ev.Regs
	tsk := s.taskOf(ev)

	if tsk.Compat && s.c.Compat != nil {
		if ret := s.c.Compat.CompatSyscall(ev); ret != errNoSys {
			return ret
		}
	}

	if s.cfg.ShowUnhandledSignals && s.allowMessage() {
		kfmt.Logf(kfmt.LevelInfo, "%s[%d]: syscall %d\n", tsk.Comm, tsk.PID, int32(regs.Syscallno))
		s.reporter.DumpInstr(kfmt.LevelDefault, regs, tsk)
		if regs.UserMode() {
			s.reporter.ShowRegs(regs, tsk)
		}
	}

	return errNoSys
}
