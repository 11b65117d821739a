package traps

import (
	"io"

	"arm64os/kernel/config"
	"arm64os/kernel/gate"
	"arm64os/kernel/kfmt"
	"arm64os/kernel/ksym"
	"arm64os/kernel/mm"
	"arm64os/kernel/task"
	"arm64os/kernel/unwind"
)

const (
	// dumpWordsPerLine is the number of 32-bit words printed on each line
	// of a memory dump.
	dumpWordsPerLine = 8

	// dumpFieldWidth is the width of a single word in a dump line,
	// including its leading space.
	dumpFieldWidth = 9

	// codeWordsBeforePC is the number of instruction words printed before
	// the faulting one.
	codeWordsBeforePC = 4
)

var hexDigits = [16]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

// Reporter produces the diagnostic dumps that make up a fatal report: memory
// windows, instruction windows, register snapshots and call traces. All
// memory accesses go through an mm.Probe so that reporting never faults.
type Reporter struct {
	probe         mm.Probe
	syms          ksym.Resolver
	exceptionText ksym.Range
	trace         TraceStrategy
	maxDepth      int
	decode        bool
	current       func() *task.Task
	currentFrame  func() unwind.Frame
}

func newReporter(cfg config.Config, c Collaborators) *Reporter {
	r := &Reporter{
		probe:         mm.Probe{Kernel: c.Kernel},
		syms:          c.Symbols,
		exceptionText: c.ExceptionText,
		maxDepth:      cfg.MaxUnwindDepth,
		decode:        cfg.DecodeReturnAddresses,
		current:       c.Current,
		currentFrame:  c.CurrentFrame,
	}

	full := FullTrace{Symbols: c.Symbols}
	r.trace = full
	if cfg.TraceMode == config.TraceSummary && c.Summary != nil {
		r.trace = &SummaryTrace{
			FullTrace: full,
			Out:       &kfmt.PrefixWriter{Sink: c.Summary, Prefix: []byte(cfg.SummaryPrefix)},
		}
	}

	return r
}

// probeFor returns a probe that resolves user addresses through tsk's
// mappings and honours its address limit.
func (r *Reporter) probeFor(tsk *task.Task) mm.Probe {
	p := r.probe
	if tsk != nil {
		p = p.WithUser(tsk.Mem).WithLimit(&tsk.AddrLimit)
	}
	return p
}

// DumpMemory prints the words in [bottom, top) preceded by a title line.
// Each output line covers a 32-byte aligned block: the line starts with the
// low 16 bits of the block address followed by eight fields that contain
// either the hex value of the word, blanks for words outside the requested
// range or "????????" for words that cannot be read.
//
// The dump runs with the task's address limit temporarily raised so that
// kernel addresses can be inspected; the previous limit is restored before
// DumpMemory returns.
func (r *Reporter) DumpMemory(lvl kfmt.Level, title string, bottom, top uintptr, tsk *task.Task) {
	p := r.probeFor(tsk)
	if p.Limit != nil {
		restore := p.Limit.Switch(mm.KernelDS)
		defer restore()
	}

	kfmt.Logf(lvl, "%s(0x%016x to 0x%016x)\n", title, bottom, top)

	for first := bottom &^ 31; first < top; first += 32 {
		var line [dumpWordsPerLine * dumpFieldWidth]byte
		for i := range line {
			line[i] = ' '
		}

		for i, addr := 0, first; i < dumpWordsPerLine && addr < top; i, addr = i+1, addr+4 {
			if addr < bottom {
				continue
			}

			field := line[i*dumpFieldWidth+1 : (i+1)*dumpFieldWidth]
			if val, err := p.ReadU32(addr); err == nil {
				putHex32(field, val)
			} else {
				copy(field, "????????")
			}
		}

		kfmt.Logf(lvl, "%04x:%s\n", first&0xffff, line[:])

		if first+32 < first {
			break
		}
	}
}

// DumpInstr prints the instruction words around the PC of regs: four words
// before it followed by the PC word in parentheses. If any of the words
// cannot be read the line ends with "bad PC value".
func (r *Reporter) DumpInstr(lvl kfmt.Level, regs *gate.Registers, tsk *task.Task) {
	p := r.probeFor(tsk)
	if p.Limit != nil {
		restore := p.Limit.Switch(mm.KernelDS)
		defer restore()
	}

	var (
		line [codeWordsBeforePC*dumpFieldWidth + len("(00000000) ") + len("bad PC value")]byte
		n    int
		pc   = uintptr(regs.PC)
	)

	for i := -codeWordsBeforePC; i <= 0; i++ {
		val, err := p.ReadU32(pc + uintptr(i*4))
		if err != nil {
			n += copy(line[n:], "bad PC value")
			break
		}

		if i == 0 {
			line[n] = '('
			putHex32(line[n+1:n+9], val)
			line[n+9] = ')'
			line[n+10] = ' '
			n += 11
			continue
		}

		putHex32(line[n:n+8], val)
		line[n+8] = ' '
		n += dumpFieldWidth
	}

	kfmt.Logf(lvl, "Code: %s\n", line[:n])
}

// ShowRegs prints the identity of tsk, the symbolic PC and LR and the
// contents of regs.
func (r *Reporter) ShowRegs(regs *gate.Registers, tsk *task.Task) {
	var l lineWriter

	kfmt.Logf(kfmt.LevelDefault, "CPU: %d PID: %d Comm: %s\n", tsk.CPU, tsk.PID, tsk.Comm)

	kfmt.Fprintf(&l, "PC is at ")
	ksym.Fprint(&l, r.syms, uintptr(regs.PC))
	kfmt.Logf(kfmt.LevelDefault, "%s\n", l.Bytes())

	l.Reset()
	kfmt.Fprintf(&l, "LR is at ")
	ksym.Fprint(&l, r.syms, uintptr(regs.LR()))
	kfmt.Logf(kfmt.LevelDefault, "%s\n", l.Bytes())

	regs.DumpTo(kfmt.Console(kfmt.LevelDefault))
}

// DumpBacktrace prints the call trace of tsk. If regs is not nil the walk
// starts at the frame described by regs; otherwise it starts at the caller's
// frame for the current task or at the saved frame of a sleeping task.
// Frames whose PC lies inside the exception entry text are followed by a
// dump of the exception register frame saved on the stack.
func (r *Reporter) DumpBacktrace(regs *gate.Registers, tsk *task.Task) {
	if tsk == nil {
		tsk = r.current()
	}

	r.trace.Begin()
	if tsk == nil {
		return
	}

	w := r.walker(r.startFrame(regs, tsk), tsk)
	for f, ok := w.Next(); ok; f, ok = w.Next() {
		r.trace.Entry(f.PC)
		if r.exceptionText.Contains(f.PC) {
			r.DumpMemory(kfmt.LevelDefault, "Exception stack", f.SP, f.SP+gate.RegistersSize, tsk)
		}
	}
}

// ShowStack prints the call trace of tsk, or of the current task if tsk is
// nil.
func (r *Reporter) ShowStack(tsk *task.Task) {
	r.DumpBacktrace(nil, tsk)
}

// CaptureStackTrace returns up to max program counters from the call trace
// of tsk. If sp is not zero it replaces the stack pointer of the starting
// frame, restricting the walk to frame records above it.
func (r *Reporter) CaptureStackTrace(tsk *task.Task, sp uintptr, max int) []uintptr {
	if tsk == nil {
		tsk = r.current()
	}
	if tsk == nil {
		return nil
	}

	start := r.startFrame(nil, tsk)
	if sp != 0 {
		start.SP = sp
	}

	return unwind.Capture(r.walker(start, tsk), max)
}

func (r *Reporter) startFrame(regs *gate.Registers, tsk *task.Task) unwind.Frame {
	switch {
	case regs != nil:
		return unwind.Frame{
			FP: uintptr(regs.FP()),
			SP: uintptr(regs.SP),
			PC: uintptr(regs.PC),
		}
	case tsk == r.current() && r.currentFrame != nil:
		return r.currentFrame()
	default:
		return tsk.Saved
	}
}

func (r *Reporter) walker(start unwind.Frame, tsk *task.Task) *unwind.Walker {
	opts := []unwind.Option{unwind.WithMaxDepth(r.maxDepth)}
	if tsk.StackBase != 0 {
		opts = append(opts, unwind.WithStackTop(tsk.StackTop()))
	}
	if r.decode && tsk.RetKey != 0 {
		opts = append(opts, unwind.WithTransform(unwind.XORKey(tsk.RetKey)))
	}

	return unwind.NewWalker(r.probeFor(tsk), start, opts...)
}

// TraceStrategy controls how call trace entries are emitted.
type TraceStrategy interface {
	// Begin is called once before the entries of a call trace.
	Begin()

	// Entry is called for every frame of a call trace.
	Entry(pc uintptr)
}

// FullTrace prints call traces to the console.
type FullTrace struct {
	Symbols ksym.Resolver
}

// Begin implements TraceStrategy.
func (t FullTrace) Begin() {
	kfmt.Logf(kfmt.LevelEmerg, "Call trace:\n")
}

// Entry implements TraceStrategy.
func (t FullTrace) Entry(pc uintptr) {
	var l lineWriter
	t.format(&l, pc)
	kfmt.Logf(kfmt.LevelDefault, "%s\n", l.Bytes())
}

func (t FullTrace) format(w io.Writer, pc uintptr) {
	kfmt.Fprintf(w, "[<%016x>] ", pc)
	ksym.Fprint(w, t.Symbols, pc)
}

// SummaryTrace prints call traces to the console and mirrors them to Out.
type SummaryTrace struct {
	FullTrace
	Out io.Writer
}

// Begin implements TraceStrategy.
func (t *SummaryTrace) Begin() {
	t.FullTrace.Begin()
	kfmt.Fprintf(t.Out, "Call trace:\n")
}

// Entry implements TraceStrategy.
func (t *SummaryTrace) Entry(pc uintptr) {
	var l lineWriter
	t.format(&l, pc)
	kfmt.Logf(kfmt.LevelDefault, "%s\n", l.Bytes())
	kfmt.Fprintf(t.Out, "%s\n", l.Bytes())
}

// lineWriter assembles a single console line without allocating.
type lineWriter struct {
	buf [256]byte
	n   int
}

func (l *lineWriter) Write(p []byte) (int, error) {
	n := copy(l.buf[l.n:], p)
	l.n += n
	return len(p), nil
}

func (l *lineWriter) Bytes() []byte { return l.buf[:l.n] }

func (l *lineWriter) Reset() { l.n = 0 }

func putHex32(dst []byte, v uint32) {
	for i := 7; i >= 0; i-- {
		dst[i] = hexDigits[v&0xf]
		v >>= 4
	}
}
