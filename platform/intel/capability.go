// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package intel

import (
	"encoding/binary"
)

// Capability IDs (PCI Code and ID Assignment Specification, rev 1.11).
const (
	Null    = 0x00
	Power   = 0x01
	MSI     = 0x05
	HotSwap = 0x06
	PCIe    = 0x10
	MSIX    = 0x11
)

// CapabilityHeader represents the common fields of PCI Capabilities entries.
type CapabilityHeader struct {
	Vendor uint8
	Next   uint8
}

// Unmarshal decodes a PCI Capability's common fields from the argument
// device configuration space at function 0 and the given register offset.
func (hdr *CapabilityHeader) Unmarshal(d *Device, off uint32) (err error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, d.Read(0, off))
	_, err = binary.Decode(buf, binary.LittleEndian, hdr)
	return
}

// Capabilities is an iterator over the entries of the device Capabilities
// List.
func (d *Device) Capabilities() func(func(off uint32, hdr *CapabilityHeader) bool) {
	return func(yield func(uint32, *CapabilityHeader) bool) {
		off := d.Read(0, CapabilitiesOffset)

		for off != 0 {
			hdr := &CapabilityHeader{}

			if err := hdr.Unmarshal(d, off); err != nil {
				return
			}

			if !yield(off, hdr) {
				return
			}

			off = uint32(hdr.Next)
		}
	}
}

// InterruptCapabilities walks the Capabilities List once and decodes the two
// entries the engine cares about: the MSI capability, fully unmarshalled at
// function fn, and an MSI-X capability, recognized by vendor ID and decoded
// only far enough to report its table size, since MSI-X remains
// unimplemented by the engine. A device with neither returns both nil.
func (d *Device) InterruptCapabilities(fn uint32) (msi *CapabilityMSI, msix *CapabilityMSIX, err error) {
	for off, hdr := range d.Capabilities() {
		switch hdr.Vendor {
		case MSI:
			m := &CapabilityMSI{}
			if err = m.Unmarshal(d, fn, off); err != nil {
				return nil, nil, err
			}
			msi = m

		case MSIX:
			x := &CapabilityMSIX{}
			if err = x.Unmarshal(d, fn, off); err != nil {
				return nil, nil, err
			}
			msix = x
		}
	}

	return msi, msix, nil
}
