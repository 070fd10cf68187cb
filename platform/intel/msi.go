// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package intel

import (
	"github.com/usbarmory/tamago-pcie/bits"
)

// Message Control bit positions (PCI Local Bus Specification, rev 3.0,
// §6.8.1, Figure 6-9).
const (
	msiEnable    = 0
	msiMMC       = 1 // 3-bit field
	msiMME       = 4 // 3-bit field
	msi64Bit     = 7
	msiPerVector = 8
)

// CapabilityMSI represents an MSI Capability Structure (§6.8.1). The layout
// of the address/data/mask fields that follow Message Control depends on the
// 64-bit Address Capable and Per-Vector Masking Capable bits, so Unmarshal
// records off and re-reads those fields live rather than caching offsets
// that could be stale after a write.
type CapabilityMSI struct {
	CapabilityHeader
	MessageControl uint16

	device *Device
	fn     uint32
	off    uint32
}

// Unmarshal decodes an MSI Capability Structure from the argument device
// configuration space at the given function and register offset.
func (msi *CapabilityMSI) Unmarshal(d *Device, fn uint32, off uint32) (err error) {
	val := d.Read(fn, off)
	msi.Vendor = uint8(val & 0xff)
	msi.Next = uint8(val >> 8)
	msi.MessageControl = uint16(val >> 16)

	msi.device = d
	msi.fn = fn
	msi.off = off

	return nil
}

// Is64Bit reports the capability's 64-bit Address Capable bit.
func (msi *CapabilityMSI) Is64Bit() bool {
	ctrl := uint32(msi.MessageControl)
	return bits.Get(&ctrl, msi64Bit)
}

// HasPVM reports the capability's Per-Vector Masking Capable bit.
func (msi *CapabilityMSI) HasPVM() bool {
	ctrl := uint32(msi.MessageControl)
	return bits.Get(&ctrl, msiPerVector)
}

// MaxVectors returns 2^MMC, the Multiple Message Capable field.
func (msi *CapabilityMSI) MaxVectors() int {
	ctrl := uint32(msi.MessageControl)
	return 1 << bits.GetN(&ctrl, msiMMC, 0b111)
}

func (msi *CapabilityMSI) readControl() uint32 {
	return msi.device.Read(msi.fn, msi.off)
}

func (msi *CapabilityMSI) writeControl(val uint32) {
	msi.device.Write(msi.fn, msi.off, val)
	msi.MessageControl = uint16(val >> 16)
}

// SetEnable writes the control register's MSI Enable bit.
func (msi *CapabilityMSI) SetEnable(enable bool) {
	val := msi.readControl()
	ctrl := val >> 16
	bits.SetTo(&ctrl, msiEnable, enable)
	msi.writeControl((ctrl << 16) | (val & 0xffff))
}

// SetMME writes the control register's Multiple Message Enable field.
func (msi *CapabilityMSI) SetMME(log2Count uint) {
	val := msi.readControl()
	ctrl := val >> 16
	bits.SetN(&ctrl, msiMME, 0b111, uint32(log2Count))
	msi.writeControl((ctrl << 16) | (val & 0xffff))
}

// addressOffset, dataOffset and maskOffset return this capability's field
// offsets, which shift depending on 64-bit addressing support (§6.8.1).
func (msi *CapabilityMSI) addressOffset() uint32 { return msi.off + 4 }

func (msi *CapabilityMSI) dataOffset() uint32 {
	if msi.Is64Bit() {
		return msi.off + 12
	}
	return msi.off + 8
}

func (msi *CapabilityMSI) maskOffset() uint32 {
	if msi.Is64Bit() {
		return msi.off + 16
	}
	return msi.off + 12
}

// SetAddress writes the Message Address field(s).
func (msi *CapabilityMSI) SetAddress(low, high uint32) {
	msi.device.Write(msi.fn, msi.addressOffset(), low)

	if msi.Is64Bit() {
		msi.device.Write(msi.fn, msi.addressOffset()+4, high)
	}
}

// SetData writes the 16-bit Message Data field.
func (msi *CapabilityMSI) SetData(data uint16) {
	off := msi.dataOffset()
	val := msi.device.Read(msi.fn, off&^uint32(2))
	bits.SetN(&val, int(off&2)*8, 0xffff, uint32(data))
	msi.device.Write(msi.fn, off&^uint32(2), val)
}

// SetVectorMask writes the Mask Bits register bit for vector, when HasPVM.
func (msi *CapabilityMSI) SetVectorMask(vector int, mask bool) {
	if !msi.HasPVM() {
		return
	}

	off := msi.maskOffset()
	val := msi.device.Read(msi.fn, off)
	bits.SetTo(&val, vector, mask)
	msi.device.Write(msi.fn, off, val)
}
