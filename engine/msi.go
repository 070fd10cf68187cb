// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package engine

// maskingSupported reports whether either the device's Per-Vector Masking
// capability or the platform controller can mask individual MSI vectors
// (§4.1 query_capabilities, §4.3 step 2).
func (d *Device) maskingSupported() bool {
	return (d.msiCap != nil && d.msiCap.HasPVM()) || d.facade.SupportsMSIMasking()
}

// setVectorMask applies a mask/unmask to one MSI vector on every mechanism
// that supports it: the device's PVM register, when present, and the
// platform controller, when it supports masking.
func (d *Device) setVectorMask(block MSIBlock, vectorIdx int, mask bool) {
	if d.msiCap != nil && d.msiCap.HasPVM() {
		d.msiCap.SetVectorMask(vectorIdx, mask)
	}
	if d.facade.SupportsMSIMasking() {
		d.facade.MaskUnmaskMSI(block, vectorIdx, mask)
	}
}

// msiDispatch is the MSI Dispatcher (C4), invoked by the platform per
// vector with slot as the opaque cookie (§4.3). vectorIdx is the slot's
// index within the device's MSI block.
func msiDispatch(slot *handlerSlot, vectorIdx int) (reschedule bool) {
	dev := slot.dev

	slot.lock.Lock()
	defer slot.lock.Unlock()

	block := dev.msiBlock
	canMask := dev.maskingSupported()

	var prevMasked bool

	if canMask {
		prevMasked = slot.masked
		dev.setVectorMask(block, vectorIdx, true)
		slot.masked = true
	}

	if prevMasked || slot.fn == nil {
		// Already masked on entry, or no handler installed: leave
		// masked and do not invoke.
		return false
	}

	result := slot.fn(slot.irqID, slot.ctx)

	if !result.Masked() {
		dev.setVectorMask(block, vectorIdx, false)
		slot.masked = false
	}

	return result.Reschedule()
}
