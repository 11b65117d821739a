package kfmt

import (
	"io"
	"sync/atomic"

	"arm64os/kernel/sync"
)

// Level is the severity attached to a console message. Lower values are more
// severe.
type Level int32

// The supported log levels.
const (
	LevelEmerg Level = iota
	LevelAlert
	LevelCrit
	LevelErr
	LevelWarning
	LevelNotice
	LevelInfo
	LevelDebug

	// LevelDefault selects defaultMessageLevel.
	LevelDefault Level = -1
)

const (
	defaultMessageLevel = LevelWarning
	defaultConsoleLevel = Level(7)

	// verboseConsoleLevel lets every message reach the console.
	verboseConsoleLevel = Level(15)
)

var (
	// consoleLock serializes console output so lines emitted by different
	// CPUs do not interleave.
	consoleLock sync.Spinlock

	consoleLevel = int32(defaultConsoleLevel)

	// oopsInProgress is non-zero while a fatal report is being written.
	oopsInProgress int32
)

// Logf formats according to format and sends the result to the console if
// lvl is more severe than the current console log level.
func Logf(lvl Level, format string, args ...interface{}) {
	if lvl == LevelDefault {
		lvl = defaultMessageLevel
	}

	if lvl >= Level(atomic.LoadInt32(&consoleLevel)) {
		return
	}

	// While an oops is in progress the console lock may be held by a CPU
	// that will never release it. Busting it is preferable to losing the
	// report.
	locked := consoleLock.TryToAcquire()
	if !locked && atomic.LoadInt32(&oopsInProgress) == 0 {
		consoleLock.Acquire()
		locked = true
	}

	Fprintf(outputSink, format, args...)

	if locked {
		consoleLock.Release()
	}
}

// Console returns an io.Writer that forwards its input to the console at the
// supplied level. It allows level-tagged output to be passed to code that
// prints via Fprintf.
func Console(lvl Level) io.Writer {
	return consoleWriter(lvl)
}

type consoleWriter Level

func (cw consoleWriter) Write(p []byte) (int, error) {
	Logf(Level(cw), "%s", p)
	return len(p), nil
}

// SetConsoleLevel sets the console log level. Messages with a level greater
// or equal to lvl are not printed.
func SetConsoleLevel(lvl Level) {
	atomic.StoreInt32(&consoleLevel, int32(lvl))
}

// ConsoleLevel returns the active console log level.
func ConsoleLevel() Level {
	return Level(atomic.LoadInt32(&consoleLevel))
}

// ConsoleVerbose raises the console log level so that every message is
// printed. It is invoked before emitting fatal diagnostics.
func ConsoleVerbose() {
	if ConsoleLevel() != 0 {
		SetConsoleLevel(verboseConsoleLevel)
	}
}

// BustSpinlocks marks the start (on=true) or the end (on=false) of a fatal
// report. While at least one report is in progress console output no longer
// waits for the console lock.
func BustSpinlocks(on bool) {
	if on {
		atomic.AddInt32(&oopsInProgress, 1)
		return
	}

	if atomic.AddInt32(&oopsInProgress, -1) < 0 {
		atomic.StoreInt32(&oopsInProgress, 0)
	}
}

// OopsInProgress returns true while BustSpinlocks is in effect.
func OopsInProgress() bool {
	return atomic.LoadInt32(&oopsInProgress) != 0
}
