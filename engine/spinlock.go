// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package engine

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is the IRQ-safe leaf lock of the hierarchy in §5: the Shared
// Legacy Dispatcher's list_lock and each handler slot's per-slot lock. It
// deliberately exposes no context/timeout parameter, unlike sync.Mutex users
// elsewhere in this package — dispatch paths run in hard-IRQ context and
// must never be handed a primitive that can sleep.
type SpinLock struct {
	held atomic.Bool
}

// Lock busy-waits until the spinlock is acquired.
func (s *SpinLock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the spinlock without waiting.
func (s *SpinLock) TryLock() bool {
	return s.held.CompareAndSwap(false, true)
}

// Unlock releases the spinlock.
func (s *SpinLock) Unlock() {
	s.held.Store(false)
}
