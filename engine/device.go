// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package engine

import "sync"

// handlerSlot is one entry of a device's handler table (§3). Slots are
// exclusively owned by the owning Device's handler table.
type handlerSlot struct {
	dev    *Device
	irqID  int
	lock   SpinLock
	fn     HandlerFunc
	ctx    any
	masked bool
}

// legacyNode is the intrusive membership token described in §3/§9: a
// device participates in at most one Shared Legacy Dispatcher's device
// list, recorded here as the dispatcher and the device's current index in
// its slice-backed list.
type legacyNode struct {
	dispatcher *legacyDispatcher
	idx        int
}

// Device is the per-function IRQ state (C2): the active mode, the handler
// table, the MSI block handle, the legacy pin, and the shared-dispatcher
// backlink for one PCIe function. The zero value is not usable; construct
// with NewDevice.
type Device struct {
	mu sync.Mutex // dev_lock (§5, level 2)

	facade  Facade
	config  ConfigSpace
	msiCap  MSICapability // nil iff the device has no MSI capability block
	cmdLock *SpinLock     // per-device command-register spinlock (§9)
	registry *Registry

	pin       int  // legacy.pin, immutable after construction
	pluggedIn bool

	mode                   Mode
	handlerCount           int
	single                 handlerSlot // singleton storage (invariant 5)
	heap                   []handlerSlot
	registeredHandlerCount int

	node *legacyNode // non-nil iff attached to a Shared Legacy Dispatcher

	msiBlock MSIBlock
}

// DeviceConfig bundles the external collaborators a Device is constructed
// with: the borrowed config-space accessor, the (optional) MSI capability
// accessor, and the platform facade. None of these are owned by the engine
// (§1, §6) — they are supplied by the bus driver / platform.
type DeviceConfig struct {
	Pin      int // 0 if the device has no legacy pin
	Config   ConfigSpace
	MSICap   MSICapability // nil if the device lacks an MSI capability
	Facade   Facade
	Registry *Registry // required iff Pin != 0
}

// NewDevice constructs a Device in the Disabled mode (§3 invariant 1).
func NewDevice(cfg DeviceConfig) *Device {
	return &Device{
		facade:    cfg.Facade,
		config:    cfg.Config,
		msiCap:    cfg.MSICap,
		cmdLock:   &SpinLock{},
		registry:  cfg.Registry,
		pin:       cfg.Pin,
		pluggedIn: true,
		mode:      Disabled,
	}
}

// slot returns the handler slot for irqID, selecting the embedded singleton
// or the heap table per the current handler_count (invariant 5).
func (d *Device) slot(irqID int) *handlerSlot {
	if d.heap != nil {
		return &d.heap[irqID]
	}
	return &d.single
}

// Unplug marks the device as no longer present in the topology graph.
// Observed only under dev_lock (§5 "Cancellation / timeout").
func (d *Device) Unplug() {
	d.mu.Lock()
	d.pluggedIn = false
	d.mu.Unlock()
}

// resetBookkeeping is the sole routine that moves a device back to
// Disabled (§4.4). Callers must hold dev_lock and must only call this once
// the dispatch path is guaranteed to see no future invocations for this
// device (legacy: after detach; MSI: after FreeMSIBlock returns).
func (d *Device) resetBookkeeping() {
	d.heap = nil
	d.single = handlerSlot{}
	d.handlerCount = 0
	d.registeredHandlerCount = 0
	d.mode = Disabled
	d.msiBlock = nil
}

// allocHandlerTable switches handler storage to hold n slots, per invariant
// 5: n == 1 uses the embedded singleton, n > 1 allocates a heap array.
// Crossing the boundary always resets first, matching §3's "crossing
// requires reset".
func (d *Device) allocHandlerTable(n int, dev *Device) {
	d.heap = nil
	d.single = handlerSlot{}

	if n == 1 {
		d.single = handlerSlot{dev: dev, irqID: 0}
	} else {
		d.heap = make([]handlerSlot, n)
		for i := range d.heap {
			d.heap[i] = handlerSlot{dev: dev, irqID: i}
		}
	}

	d.handlerCount = n
}
