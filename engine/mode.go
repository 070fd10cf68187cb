// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package engine

// Mode identifies which PCI/PCIe interrupt-delivery discipline is active for
// a device (§3).
type Mode int

const (
	// Disabled is the initial mode: no handlers, no attachment, no MSI
	// block held.
	Disabled Mode = iota
	// Legacy is pin-based INTx, multiplexed through a Shared Legacy
	// Dispatcher.
	Legacy
	// MSI is Message Signaled Interrupts, a private contiguous vector
	// block leased from the platform.
	MSI
	// MSIX is reserved; every path touching it returns ErrNotSupported.
	MSIX
)

func (m Mode) String() string {
	switch m {
	case Disabled:
		return "disabled"
	case Legacy:
		return "legacy"
	case MSI:
		return "msi"
	case MSIX:
		return "msi-x"
	default:
		return "unknown"
	}
}

// Capabilities describes what a mode offers for a given device (§4.1
// query_capabilities).
type Capabilities struct {
	Supported       bool
	MaxIRQs         int
	PerVectorMasked bool
}
