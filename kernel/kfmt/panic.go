package kfmt

import (
	"arm64os/kernel"
	"arm64os/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. The console is switched to verbose mode
// and the console lock is busted so the message is never lost.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	ConsoleVerbose()
	BustSpinlocks(true)

	if err != nil {
		Logf(LevelEmerg, "Kernel panic - not syncing: [%s] %s\n", err.Module, err.Message)
	} else {
		Logf(LevelEmerg, "Kernel panic - not syncing\n")
	}
	Logf(LevelEmerg, "---[ end Kernel panic ]---\n")

	cpuHaltFn()
}

func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
