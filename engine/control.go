// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package engine

import (
	"context"
	"fmt"
	"log"
)

// LegacyRouter resolves a device's legacy pin to the platform's system
// interrupt vector — itself a bus-driver/topology concern out of scope for
// this engine (§1); supplied by whatever wires up the Device.
type LegacyRouter interface {
	Resolve(pin int) (vector int, ok bool)
}

// QueryCapabilities returns what a given mode offers for this device
// (§4.1). It never mutates state and never fails on an unplugged device.
func (d *Device) QueryCapabilities(mode Mode) (Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch mode {
	case Legacy:
		return Capabilities{
			Supported:       d.pin != 0,
			MaxIRQs:         1,
			PerVectorMasked: true,
		}, nil

	case MSI:
		if !d.facade.SupportsMSI() || d.msiCap == nil {
			return Capabilities{}, ErrNotSupported
		}
		return Capabilities{
			Supported:       true,
			MaxIRQs:         d.msiCap.MaxVectors(),
			PerVectorMasked: d.msiCap.HasPVM() || d.facade.SupportsMSIMasking(),
		}, nil

	case MSIX:
		return Capabilities{}, ErrNotSupported

	default:
		return Capabilities{}, ErrInvalidArgs
	}
}

// GetMode is a pure read of the device's current mode and handler-table
// occupancy (§4.1).
func (d *Device) GetMode() (mode Mode, handlerCount, registeredHandlerCount int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.mode, d.handlerCount, d.registeredHandlerCount
}

// SetMode is the only path that transitions Mode (§4.1 set_mode).
func (d *Device) SetMode(targetMode Mode, requestedIRQs int, router LegacyRouter) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if targetMode == Disabled {
		d.disableLocked()
		return nil
	}

	if d.mode != Disabled {
		return ErrBadState
	}

	if requestedIRQs == 0 {
		return ErrInvalidArgs
	}

	switch targetMode {
	case Legacy:
		return d.enterLegacyLocked(requestedIRQs, router)
	case MSI:
		return d.enterMSILocked(requestedIRQs)
	case MSIX:
		return ErrNotSupported
	default:
		return ErrInvalidArgs
	}
}

// disableLocked implements every DISABLED transition (§4.1): a no-op from
// Disabled, unwinding Legacy via detach, and unwinding MSI via the
// register-zero/mask-all/free-block sequence. It also serves as the unwind
// routine enterMSILocked calls on any mid-sequence failure (§4.1 "if any
// step fails, execute the DISABLED transition to fully unwind"). Caller
// must hold dev_lock.
func (d *Device) disableLocked() {
	switch d.mode {
	case Disabled:
		return

	case Legacy:
		dispatcher := d.node.dispatcher

		d.cmdLock.Lock()
		d.config.SetIntDisable(true)
		d.cmdLock.Unlock()

		dispatcher.detach(d)

		if err := d.registry.release(dispatcher.vectorID); err != nil {
			log.Printf("pcie: release legacy vector %d: %v", dispatcher.vectorID, err)
		}

		d.resetBookkeeping()

	case MSI:
		if d.msiCap != nil {
			d.msiCap.SetEnable(false)
			d.msiCap.SetAddress(0, 0)
			d.msiCap.SetData(0)

			if d.msiBlock != nil {
				for i := 0; i < d.msiBlock.VectorCount(); i++ {
					d.setVectorMask(d.msiBlock, i, true)
				}
			}
		}

		if d.msiBlock != nil {
			if err := d.facade.FreeMSIBlock(context.Background(), d.msiBlock); err != nil {
				log.Printf("pcie: free msi block: %v", err)
			}
		}

		d.resetBookkeeping()

	case MSIX:
		d.resetBookkeeping()
	}
}

// enterLegacyLocked implements "Enter LEGACY" (§4.1). Caller holds dev_lock
// and has already verified mode == Disabled and requestedIRQs != 0.
func (d *Device) enterLegacyLocked(requestedIRQs int, router LegacyRouter) error {
	if d.pin == 0 || requestedIRQs != 1 {
		return ErrNotSupported
	}

	if !d.pluggedIn {
		return ErrBadState
	}

	if router == nil {
		return ErrNoResources
	}

	vector, ok := router.Resolve(d.pin)
	if !ok {
		return ErrNoResources
	}

	d.allocHandlerTable(1, d)
	d.mode = Legacy

	dispatcher, err := d.registry.findOrCreate(vector)
	if err != nil {
		d.resetBookkeeping()
		return fmt.Errorf("pcie: %w: %v", ErrNoResources, err)
	}

	dispatcher.attach(d)

	return nil
}

// enterMSILocked implements "Enter MSI" (§4.1), strictly in the order
// specified there, unwinding via disableLocked on any failure. Caller holds
// dev_lock and has already verified mode == Disabled and requestedIRQs !=
// 0.
func (d *Device) enterMSILocked(requestedIRQs int) error {
	if d.msiCap == nil || !d.facade.SupportsMSI() {
		return ErrNotSupported
	}

	if requestedIRQs > d.msiCap.MaxVectors() {
		return ErrNotSupported
	}

	if !isPowerOfTwo(requestedIRQs) {
		// Open Question (§9) resolved: reject rather than silently
		// round up, so the control plane never grants (and
		// platform-masks) vectors the driver never asked for.
		return ErrInvalidArgs
	}

	if !d.pluggedIn {
		return ErrBadState
	}

	// Step 1: allocate a vector block of size requestedIRQs.
	block, err := d.facade.AllocMSIBlock(context.Background(), requestedIRQs, d.msiCap.Is64Bit(), false)
	if err != nil {
		return fmt.Errorf("pcie: %w: %v", ErrNoResources, err)
	}
	d.msiBlock = block

	// Step 2: allocate the handler table; initialise back-pointers and
	// per-slot locks.
	d.allocHandlerTable(requestedIRQs, d)

	// Step 3: set mode = MSI.
	d.mode = MSI

	// Step 4: program MSI registers.
	d.msiCap.SetEnable(false)

	for i := 0; i < requestedIRQs; i++ {
		d.setVectorMask(block, i, true)
		d.slot(i).masked = true
	}

	low := uint32(block.TargetAddress())
	high := uint32(block.TargetAddress() >> 32)
	d.msiCap.SetAddress(low, high)
	d.msiCap.SetData(block.TargetData())

	// Step 5: program MME = ceil(log2(requestedIRQs)), bounded to 5.
	d.msiCap.SetMME(ceilLog2(requestedIRQs))

	// Step 6: register C4 as the platform handler for every vector.
	for i := 0; i < requestedIRQs; i++ {
		slot := d.slot(i)
		if err := d.facade.RegisterMSIHandler(block, i, msiVectorFunc(slot, i), slot); err != nil {
			d.disableLocked()
			return fmt.Errorf("pcie: %w: register msi vector %d: %v", ErrNoResources, i, err)
		}
	}

	// Step 7: enable MSI at top level.
	d.msiCap.SetEnable(true)

	return nil
}

func msiVectorFunc(slot *handlerSlot, vectorIdx int) VectorFunc {
	return func(cookie any) bool {
		return msiDispatch(slot, vectorIdx)
	}
}

// RegisterHandler atomically installs or clears the callback and context
// for one handler slot (§4.1 register_handler).
func (d *Device) RegisterHandler(irqID int, fn HandlerFunc, ctx any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mode == Disabled {
		return ErrBadState
	}

	if irqID < 0 || irqID >= d.handlerCount {
		return ErrInvalidArgs
	}

	if fn == nil {
		ctx = nil
	}

	slot := d.slot(irqID)

	slot.lock.Lock()
	wasRegistered := slot.fn != nil
	slot.fn = fn
	slot.ctx = ctx
	nowRegistered := slot.fn != nil
	slot.lock.Unlock()

	switch {
	case !wasRegistered && nowRegistered:
		d.registeredHandlerCount++
	case wasRegistered && !nowRegistered:
		d.registeredHandlerCount--
	}

	return nil
}

// MaskUnmask masks or unmasks one handler slot and returns its previous
// masked state (§4.1 mask_unmask).
func (d *Device) MaskUnmask(irqID int, mask bool) (previouslyMasked bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mode == Disabled {
		return false, ErrBadState
	}

	if irqID < 0 || irqID >= d.handlerCount {
		return false, ErrInvalidArgs
	}

	if !mask && !d.pluggedIn {
		return false, ErrBadState
	}

	slot := d.slot(irqID)

	slot.lock.Lock()
	defer slot.lock.Unlock()

	if !mask && slot.fn == nil {
		return false, ErrBadState
	}

	switch d.mode {
	case Legacy:
		prev := slot.masked
		d.cmdLock.Lock()
		d.config.SetIntDisable(mask)
		d.cmdLock.Unlock()
		slot.masked = mask
		return prev, nil

	case MSI:
		if mask && !d.maskingSupported() {
			return false, ErrNotSupported
		}
		prev := slot.masked
		d.setVectorMask(d.msiBlock, irqID, mask)
		slot.masked = mask
		return prev, nil

	case MSIX:
		return false, ErrNotSupported

	default:
		return false, ErrInternal
	}
}

// ceilLog2 returns ceil(log2(n)) for n >= 1, bounded to 5 (§4.1 step 5).
func ceilLog2(n int) uint {
	var log2 uint
	for (1 << log2) < n {
		log2++
	}
	if log2 > 5 {
		log2 = 5
	}
	return log2
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
