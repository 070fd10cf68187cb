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

const (
	CONFIG_ADDRESS = 0x0cf8
	CONFIG_DATA    = 0x0cfc
)

const (
	maxBuses   = 256
	maxDevices = 32
)

// Header Type 0x0 offsets.
const (
	VendorID           = 0x00
	Command            = 0x04
	RevisionID         = 0x08
	Bar0               = 0x10
	CapabilitiesOffset = 0x34
)

// Command/Status dword bit positions (PCI Local Bus Specification, rev 3.0,
// §6.2.2/§6.2.3). Command occupies the low word, Status the high word of the
// same 32-bit config-space register.
const (
	commandIntDisable = 10
	statusIntStatus   = 16 + 3
)

// Device represents a PCI device addressable through CONFIG_ADDRESS/DATA.
type Device struct {
	io PortIO

	// Bus number
	Bus uint32
	// Vendor ID
	Vendor uint16
	// Device ID
	Device uint16

	// PCI Slot
	Slot uint32
}

func (d *Device) address(fn uint32, off uint32) uint32 {
	return 1<<31 | d.Bus<<16 | d.Slot<<11 | fn<<8 | off&0xfc
}

// Read reads the device configuration space for a given function and
// register offset.
func (d *Device) Read(fn uint32, off uint32) uint32 {
	d.io.Out32(CONFIG_ADDRESS, d.address(fn, off))
	return d.io.In32(CONFIG_DATA) >> ((off & 2) * 8)
}

// Write writes the device configuration space for a given function and
// register offset, the offset must be 32-bit aligned.
func (d *Device) Write(fn uint32, off uint32, val uint32) {
	if (off&2)*8 != 0 {
		return
	}

	d.io.Out32(CONFIG_ADDRESS, d.address(fn, off))
	d.io.Out32(CONFIG_DATA, val)
}

// BaseAddress returns a device Base Address register (BAR).
func (d *Device) BaseAddress(n int) uint {
	if n > 5 {
		return 0
	}

	off := Bar0 + uint32(n)*4
	bar := d.Read(0, off)

	switch bits.GetN(&bar, 1, 0b11) {
	case 0:
		return uint(bar)
	case 2:
		return uint(d.Read(0, off+4))<<32 | uint(bar)&0xfffffff0
	}

	return 0
}

func (d *Device) probe() bool {
	if d.Bus > maxBuses {
		return false
	}

	val := d.Read(0, VendorID)

	if d.Vendor = uint16(val); d.Vendor == 0xffff {
		return false
	}

	d.Device = uint16(val >> 16)

	return true
}

// Probe probes a PCI device by vendor/device ID on a given bus.
func Probe(io PortIO, bus int, vendor uint16, device uint16) *Device {
	d := &Device{io: io, Bus: uint32(bus)}

	for slot := uint32(0); slot < maxDevices; slot++ {
		d.Slot = slot

		if d.probe() && d.Vendor == vendor && d.Device == device {
			return d
		}
	}

	return nil
}

// Devices returns all found PCI devices on a given bus.
func Devices(io PortIO, bus int) (devices []*Device) {
	for slot := uint32(0); slot < maxDevices; slot++ {
		d := &Device{io: io, Bus: uint32(bus), Slot: slot}

		if d.probe() {
			devices = append(devices, d)
		}
	}

	return
}

// FunctionConfigSpace adapts one function of a Device to engine.ConfigSpace,
// exposing only the Command/Status bits the engine needs. Callers (the
// engine's Device) serialize every write through their own command-register
// spinlock; FunctionConfigSpace does not lock.
type FunctionConfigSpace struct {
	Dev *Device
	Fn  uint32
}

// IntDisable reads the command register's Interrupt Disable bit.
func (c *FunctionConfigSpace) IntDisable() bool {
	val := c.Dev.Read(c.Fn, Command)
	return bits.Get(&val, commandIntDisable)
}

// SetIntDisable writes the command register's Interrupt Disable bit.
func (c *FunctionConfigSpace) SetIntDisable(disable bool) {
	val := c.Dev.Read(c.Fn, Command)
	bits.SetTo(&val, commandIntDisable, disable)
	c.Dev.Write(c.Fn, Command, val)
}

// IntStatus reads the status register's Interrupt Status bit.
func (c *FunctionConfigSpace) IntStatus() bool {
	val := c.Dev.Read(c.Fn, Command)
	return bits.Get(&val, statusIntStatus)
}
