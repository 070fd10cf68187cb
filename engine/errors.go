// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package engine

import "errors"

// Error kinds returned by the driver-facing control plane (§7).
var (
	// ErrInvalidArgs signals an unknown mode, requested_irqs == 0, or an
	// out-of-range irq_id.
	ErrInvalidArgs = errors.New("pcie: invalid arguments")

	// ErrBadState signals a mode transition attempted without first
	// passing through Disabled, a register/mask call on a Disabled
	// device, unmasking a slot with no handler, or an unplugged device.
	ErrBadState = errors.New("pcie: bad state")

	// ErrNotSupported signals MSI-X in any form, MSI on a device or
	// platform lacking it, masking with no mask mechanism, or legacy
	// mode with pin == 0 or more than one requested vector.
	ErrNotSupported = errors.New("pcie: not supported")

	// ErrNoMemory signals a handler-table allocation failure.
	ErrNoMemory = errors.New("pcie: no memory")

	// ErrNoResources signals the platform refused to allocate an MSI
	// block of the requested size, or a legacy pin could not be mapped
	// to a system vector.
	ErrNoResources = errors.New("pcie: no resources")

	// ErrInternal signals an invariant violation reached a branch that
	// should be unreachable. Treat as a bug.
	ErrInternal = errors.New("pcie: internal error")
)
