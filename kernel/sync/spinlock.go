// Package sync provides the spinlock primitives used by code that runs with
// interrupts masked and therefore cannot sleep.
package sync

import (
	"sync/atomic"

	"arm64os/kernel/cpu"
)

const spinAttemptsBeforeYielding = 64

var (
	// yieldFn is invoked by spinning CPUs between batches of acquisition
	// attempts. It is mocked by tests.
	yieldFn = cpu.Relax

	// irqSaveFn and irqRestoreFn are mocked by tests.
	irqSaveFn    = cpu.SaveFlagsAndDisableIRQ
	irqRestoreFn = cpu.RestoreFlags
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	acquireSpinlock(&l.state, spinAttemptsBeforeYielding)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held returns true if the lock is currently held by some task.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}

func acquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for {
		for i := uint32(0); i < attemptsBeforeYielding; i++ {
			if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
				return
			}
		}

		if yieldFn != nil {
			yieldFn()
		}
	}
}

// IRQSpinlock is a Spinlock that also masks IRQs on the local CPU for as long
// as it is held.
type IRQSpinlock struct {
	Spinlock
}

// AcquireIRQSave masks local IRQs, acquires the lock and returns the IRQ
// state that must be passed to ReleaseIRQRestore.
func (l *IRQSpinlock) AcquireIRQSave() cpu.IRQFlags {
	flags := irqSaveFn()
	l.Acquire()
	return flags
}

// ReleaseIRQRestore releases the lock and restores the local IRQ state saved
// by AcquireIRQSave.
func (l *IRQSpinlock) ReleaseIRQRestore(flags cpu.IRQFlags) {
	l.Release()
	irqRestoreFn(flags)
}
