package kfmt

import (
	"bytes"
	"testing"
)

func TestLogfLevels(t *testing.T) {
	defer func() {
		SetOutputSink(nil)
		SetConsoleLevel(defaultConsoleLevel)
	}()

	var buf bytes.Buffer
	SetOutputSink(&buf)

	specs := []struct {
		consoleLevel Level
		msgLevel     Level
		expPrinted   bool
	}{
		{defaultConsoleLevel, LevelEmerg, true},
		{defaultConsoleLevel, LevelInfo, true},
		{defaultConsoleLevel, LevelDebug, false},
		{defaultConsoleLevel, LevelDefault, true},
		{LevelWarning, LevelDefault, false},
		{LevelWarning, LevelErr, true},
		{0, LevelEmerg, false},
	}

	for specIndex, spec := range specs {
		buf.Reset()
		SetConsoleLevel(spec.consoleLevel)
		Logf(spec.msgLevel, "msg")

		if got := buf.Len() != 0; got != spec.expPrinted {
			t.Errorf("[spec %d] expected printed to be %t; got %t", specIndex, spec.expPrinted, got)
		}
	}
}

func TestConsoleVerbose(t *testing.T) {
	defer SetConsoleLevel(defaultConsoleLevel)

	SetConsoleLevel(LevelErr)
	ConsoleVerbose()
	if got := ConsoleLevel(); got != verboseConsoleLevel {
		t.Fatalf("expected console level %d; got %d", verboseConsoleLevel, got)
	}

	// A silenced console stays silent
	SetConsoleLevel(0)
	ConsoleVerbose()
	if got := ConsoleLevel(); got != 0 {
		t.Fatalf("expected console level to remain 0; got %d", got)
	}
}

func TestBustSpinlocks(t *testing.T) {
	defer func() {
		SetOutputSink(nil)
		for OopsInProgress() {
			BustSpinlocks(false)
		}
	}()

	var buf bytes.Buffer
	SetOutputSink(&buf)

	BustSpinlocks(true)
	if !OopsInProgress() {
		t.Fatal("expected oops to be in progress")
	}

	// A CPU that died while holding the console lock must not prevent the
	// report from being printed.
	consoleLock.Acquire()
	Logf(LevelEmerg, "still printed\n")
	consoleLock.Release()

	if got := buf.String(); got != "still printed\n" {
		t.Fatalf("expected output while console lock is held; got %q", got)
	}

	BustSpinlocks(false)
	BustSpinlocks(false)
	if OopsInProgress() {
		t.Fatal("expected unbalanced BustSpinlocks(false) to clamp at zero")
	}
}

func TestConsoleWriter(t *testing.T) {
	defer SetOutputSink(nil)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	Fprintf(Console(LevelEmerg), "sp : %016x\n", uint64(0xffffffc0003cbe30))
	if got, exp := buf.String(), "sp : ffffffc0003cbe30\n"; got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}
