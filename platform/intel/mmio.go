// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package intel implements a reference engine.Facade/ConfigSpace/MSICapability
// adapter for Intel-compatible x86 platforms: PCI configuration-space access
// over the CONFIG_ADDRESS/CONFIG_DATA I/O ports, and interrupt routing
// through the Local and I/O Advanced Programmable Interrupt Controllers
// (LAPIC/IOAPIC).
//
// This package does not itself touch hardware: register access is abstracted
// behind PortIO and Region so it can be exercised on any target the embedder
// wires a concrete implementation for.
package intel

// PortIO abstracts the x86 port I/O instructions (IN/OUT) used to reach PCI
// configuration space through CONFIG_ADDRESS/CONFIG_DATA.
type PortIO interface {
	In32(port uint16) uint32
	Out32(port uint16, val uint32)
}

// Region abstracts a memory-mapped 32-bit register window, standing in for
// the LAPIC and each IOAPIC's MMIO window.
type Region interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
}
