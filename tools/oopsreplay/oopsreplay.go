// Command oopsreplay feeds a captured trap through the trap handling code and
// prints the resulting console output. It is used to check how a report
// renders for a given register snapshot, memory image and symbol table
// without booting a kernel.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"arm64os/kernel/config"
	"arm64os/kernel/gate"
	"arm64os/kernel/kfmt"
	"arm64os/kernel/ksym"
	"arm64os/kernel/mm"
	"arm64os/kernel/task"
	"arm64os/kernel/traps"
)

// capture describes a single trap.
type capture struct {
	Kind        string `yaml:"kind"`
	Message     string `yaml:"message"`
	Err         int    `yaml:"err"`
	ESR         uint32 `yaml:"esr"`
	Vector      string `yaml:"vector"`
	InInterrupt bool   `yaml:"in_interrupt"`

	Task struct {
		Comm       string `yaml:"comm"`
		PID        int    `yaml:"pid"`
		CPU        int    `yaml:"cpu"`
		Compat     bool   `yaml:"compat"`
		GlobalInit bool   `yaml:"global_init"`
		StackBase  uint64 `yaml:"stack_base"`
		RetKey     uint64 `yaml:"ret_key"`
	} `yaml:"task"`

	Regs struct {
		X         []uint64 `yaml:"x"`
		SP        uint64   `yaml:"sp"`
		PC        uint64   `yaml:"pc"`
		PState    uint64   `yaml:"pstate"`
		Syscallno uint64   `yaml:"syscallno"`
	} `yaml:"regs"`

	Memory []struct {
		Addr  uint64   `yaml:"addr"`
		Words []uint32 `yaml:"words"`
	} `yaml:"memory"`

	Symbols []struct {
		Addr   uint64 `yaml:"addr"`
		Size   uint64 `yaml:"size"`
		Name   string `yaml:"name"`
		Module string `yaml:"module"`
	} `yaml:"symbols"`

	ExceptionText struct {
		Start uint64 `yaml:"start"`
		End   uint64 `yaml:"end"`
	} `yaml:"exception_text"`

	Modules []string `yaml:"modules"`
}

var vectors = map[string]gate.VectorKind{
	"":      gate.VectorSync,
	"sync":  gate.VectorSync,
	"irq":   gate.VectorIRQ,
	"fiq":   gate.VectorFIQ,
	"error": gate.VectorError,
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[oopsreplay] error: %s\n", err.Error())
	os.Exit(1)
}

func loadCapture(r io.Reader) (*capture, error) {
	var c capture

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode capture: %w", err)
	}

	if len(c.Regs.X) > 31 {
		return nil, fmt.Errorf("capture lists %d general purpose registers; at most 31 are supported", len(c.Regs.X))
	}
	if _, ok := vectors[c.Vector]; !ok {
		return nil, fmt.Errorf("unknown vector %q", c.Vector)
	}

	return &c, nil
}

// loggingServices stands in for the signal and task exit code.
type loggingServices struct {
	log *slog.Logger
}

func (s loggingServices) ForceSignal(t *task.Task, info traps.SigInfo) {
	s.log.Info("signal delivered", "pid", t.PID, "signal", unix.SignalName(info.Signo), "code", info.Code, "addr", info.Addr)
}

func (s loggingServices) Exit(t *task.Task, sig unix.Signal) {
	s.log.Info("task exited", "pid", t.PID, "signal", unix.SignalName(sig))
}

// replay runs c through a freshly created trap subsystem, writing console
// output to w. It returns the syscall result for syscall captures.
func replay(w io.Writer, c *capture, cfg config.Config, syms ksym.Resolver, log *slog.Logger) (int64, error) {
	mem := mm.NewPageMap()
	for _, region := range c.Memory {
		mem.Map(uintptr(region.Addr), uintptr(len(region.Words)*4))
		for i, word := range region.Words {
			mem.WriteU32(uintptr(region.Addr)+uintptr(i*4), word)
		}
	}

	if syms == nil {
		table := ksym.NewTable()
		for _, s := range c.Symbols {
			table.Add(ksym.Symbol{Addr: uintptr(s.Addr), Size: uintptr(s.Size), Name: s.Name, Module: s.Module})
		}
		syms = table
	}

	tsk := &task.Task{
		Comm:       c.Task.Comm,
		PID:        c.Task.PID,
		CPU:        c.Task.CPU,
		Compat:     c.Task.Compat,
		GlobalInit: c.Task.GlobalInit,
		StackBase:  uintptr(c.Task.StackBase),
		RetKey:     uintptr(c.Task.RetKey),
		Mem:        mem,
	}

	regs := &gate.Registers{
		SP:        c.Regs.SP,
		PC:        c.Regs.PC,
		PState:    c.Regs.PState,
		Syscallno: c.Regs.Syscallno,
	}
	copy(regs.X[:], c.Regs.X)

	services := loggingServices{log: log}
	sys := traps.New(cfg, traps.Collaborators{
		Signals: services,
		Exit:    services,
		Panic: traps.PanicFunc(func(msg string) {
			kfmt.Logf(kfmt.LevelEmerg, "Kernel panic - not syncing: %s\n", msg)
		}),
		Kernel:        mem,
		Symbols:       syms,
		ExceptionText: ksym.Range{Start: uintptr(c.ExceptionText.Start), End: uintptr(c.ExceptionText.End)},
		Modules:       func() ksym.Modules { return c.Modules },
		Current:       func() *task.Task { return tsk },
		Summary:       os.Stderr,
		Log:           log,
	})

	prevSink := kfmt.GetOutputSink()
	kfmt.SetOutputSink(w)
	defer kfmt.SetOutputSink(prevSink)

	ev := &traps.Event{Regs: regs, Task: tsk, ESR: c.ESR, InInterrupt: c.InInterrupt}

	switch c.Kind {
	case "undef":
		ev.Kind = traps.KindUndefinedInstruction
		sys.HandleUndefinedInstruction(ev)
	case "badmode":
		ev.Kind = traps.KindBadMode
		sys.HandleBadMode(ev, vectors[c.Vector], c.ESR)
	case "syscall":
		ev.Kind = traps.KindUnimplementedSyscall
		return sys.HandleUnimplementedSyscall(ev), nil
	case "die", "":
		ev.Kind = traps.KindFatal
		msg := c.Message
		if msg == "" {
			msg = "Oops"
		}
		sys.Die(msg, ev, c.Err)
	default:
		return 0, fmt.Errorf("unknown trap kind %q", c.Kind)
	}

	return 0, nil
}

func main() {
	var (
		cfgFile      = flag.String("config", "", "trap subsystem configuration (YAML)")
		kallsymsFile = flag.String("kallsyms", "", "symbol table in /proc/kallsyms format; overrides the capture symbols")
		verbose      = flag.Bool("v", false, "log subsystem decisions to stderr")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		exit(errors.New("usage: oopsreplay [flags] capture.yaml"))
	}

	cfg := config.Default()
	if *cfgFile != "" {
		f, err := os.Open(*cfgFile)
		if err != nil {
			exit(err)
		}
		cfg, err = config.Load(f)
		f.Close()
		if err != nil {
			exit(err)
		}
	}

	var syms ksym.Resolver
	if *kallsymsFile != "" {
		f, err := os.Open(*kallsymsFile)
		if err != nil {
			exit(err)
		}
		table, err := ksym.ParseKallsyms(f)
		f.Close()
		if err != nil {
			exit(err)
		}
		syms = table
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		exit(err)
	}
	c, err := loadCapture(f)
	f.Close()
	if err != nil {
		exit(err)
	}

	logHandler := slog.Handler(slog.DiscardHandler)
	if *verbose {
		logHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	}

	ret, err := replay(os.Stdout, c, cfg, syms, slog.New(logHandler))
	if err != nil {
		exit(err)
	}
	if c.Kind == "syscall" {
		fmt.Printf("syscall returned %d\n", ret)
	}
}
