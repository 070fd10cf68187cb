// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package intel

// CapabilityMSIX represents an MSI-X Capability Structure. MSI-X itself is
// reserved and unimplemented by the engine; Device.InterruptCapabilities
// decodes this type when it finds one so the capability can be recognized
// and reported on rather than misread as an MSI capability.
type CapabilityMSIX struct {
	CapabilityHeader
	MessageControl uint16
	TableOffset    uint32
	PBAOffset      uint32
}

// Unmarshal decodes an MSI-X Capability Structure's common fields from the
// argument device configuration space at the given function and register
// offset.
func (msix *CapabilityMSIX) Unmarshal(d *Device, fn uint32, off uint32) (err error) {
	val := d.Read(fn, off)
	msix.Vendor = uint8(val & 0xff)
	msix.Next = uint8(val >> 8)
	msix.MessageControl = uint16(val >> 16)

	msix.TableOffset = d.Read(fn, off+4)
	msix.PBAOffset = d.Read(fn, off+8)

	return nil
}

// TableSize returns the number of entries in the MSI-X table.
func (msix *CapabilityMSIX) TableSize() int {
	return int(msix.MessageControl&0x7ff) + 1
}
