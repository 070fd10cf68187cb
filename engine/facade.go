// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package engine

import "context"

// Result is the two-bit handler return contract shared by the Shared Legacy
// Dispatcher (C3) and the MSI Dispatcher (C4), §4.3.
type Result uint8

const (
	// Mask asks the dispatcher to leave the vector masked; the driver
	// will unmask it itself once ready.
	Mask Result = 1 << iota
	// Resched asks the dispatcher to report that a higher-priority
	// runnable exists.
	Resched
)

// Masked reports whether the Mask bit is set.
func (r Result) Masked() bool { return r&Mask != 0 }

// Reschedule reports whether the Resched bit is set.
func (r Result) Reschedule() bool { return r&Resched != 0 }

// HandlerFunc is the driver-supplied callback installed via
// Device.RegisterHandler. irqID is the per-device slot index (always 0 for
// Legacy); ctx is the opaque driver context passed at registration time.
type HandlerFunc func(irqID int, ctx any) Result

// VectorFunc is the callback a Facade implementation invokes when a
// platform interrupt vector fires; cookie is whatever was supplied to
// RegisterMSIHandler/RegisterIntHandler. The return value carries the
// dispatcher's reschedule request (§4.2, §4.3) on to whatever schedules
// runnables on this platform; implementations that don't model scheduling
// may ignore it.
type VectorFunc func(cookie any) (reschedule bool)

// MSIBlock is an opaque handle to a contiguous MSI vector block leased from
// the platform (§3 "MSI block").
type MSIBlock interface {
	// VectorCount returns the number of platform vectors in the block.
	VectorCount() int
	// Vector returns the platform vector id backing slot i.
	Vector(i int) int
	// TargetAddress is the posted-write address the device must be
	// programmed with (low 32 bits always valid; full 64 bits valid iff
	// the device is 64-bit capable).
	TargetAddress() uint64
	// TargetData is the base posted-write data pattern for vector 0 of
	// the block; vector i uses TargetData()+i, per the MSI capability's
	// vector-numbering convention (PCI Local Bus Specification, §6.8.1).
	TargetData() uint16
	// Allocated reports whether the block is currently leased to a
	// device (false after FreeMSIBlock returns).
	Allocated() bool
}

// Facade is the narrow adapter over the platform (C1, §4.5): allocate/free
// an MSI block, mask/unmask a vector at the controller, register a
// low-level handler, and probe capabilities. Implementations must be
// non-blocking for every method except AllocMSIBlock/FreeMSIBlock.
type Facade interface {
	// SupportsMSI reports whether the platform can deliver MSI at all.
	SupportsMSI() bool
	// SupportsMSIMasking reports whether the platform controller can
	// mask/unmask individual MSI vectors (independent of device PVM).
	SupportsMSIMasking() bool

	// AllocMSIBlock leases a contiguous block of count platform vectors.
	// need64Bit requests a block compatible with a 64-bit capable
	// device; isMSIX is carried through for a future MSI-X
	// implementation and must be false today (§9, reserved).
	AllocMSIBlock(ctx context.Context, count int, need64Bit bool, isMSIX bool) (MSIBlock, error)

	// FreeMSIBlock releases a block. It must block until every in-flight
	// dispatch for the block's vectors has drained before returning, so
	// that no VectorFunc registered against it runs after this call
	// returns (§5 ordering guarantee (b), §9 draining note).
	FreeMSIBlock(ctx context.Context, block MSIBlock) error

	// RegisterMSIHandler installs (or, with fn == nil, uninstalls) the
	// platform-level handler for one vector of block.
	RegisterMSIHandler(block MSIBlock, vector int, fn VectorFunc, cookie any) error

	// MaskUnmaskMSI masks or unmasks one vector of block at the platform
	// controller. Only called when SupportsMSIMasking is true.
	MaskUnmaskMSI(block MSIBlock, vector int, mask bool) error

	// MaskVector masks a legacy system vector at the platform
	// controller.
	MaskVector(vec int)
	// UnmaskVector unmasks a legacy system vector at the platform
	// controller.
	UnmaskVector(vec int)
	// RegisterIntHandler installs (or, with fn == nil, uninstalls) the
	// platform-level handler for a legacy system vector.
	RegisterIntHandler(vec int, fn VectorFunc, cookie any) error
}

// ConfigSpace is the per-device legacy config-space accessor borrowed from
// the (out of scope, §1) bus driver: the command register's INT_DISABLE bit
// and the status register's INT_STATUS bit. All writers of the command
// register must be serialized by the caller's command-register spinlock
// (§9) — ConfigSpace implementations do not lock internally.
type ConfigSpace interface {
	// IntDisable reads the command register's INT_DISABLE bit.
	IntDisable() bool
	// SetIntDisable writes the command register's INT_DISABLE bit.
	SetIntDisable(bool)
	// IntStatus reads the status register's INT_STATUS bit.
	IntStatus() bool
}

// MSICapability is the per-device MSI capability-block accessor borrowed
// from the bus driver (§3 "msi.cfg"); nil iff the device lacks MSI.
type MSICapability interface {
	// Is64Bit reports the capability's 64BIT field.
	Is64Bit() bool
	// MaxVectors returns the MMC advertised maximum vector count.
	MaxVectors() int
	// HasPVM reports whether the device implements Per-Vector Masking.
	HasPVM() bool

	// SetEnable writes the control register's ENABLE bit.
	SetEnable(bool)
	// SetMME writes the control register's MME field (log2 of the
	// active vector count, 0..5).
	SetMME(log2Count uint)
	// SetAddress writes the address-low field, and the address-high
	// field iff Is64Bit.
	SetAddress(low, high uint32)
	// SetData writes the 16-bit data field (offset differs between the
	// 32- and 64-bit capability forms; the implementation knows which).
	SetData(data uint16)
	// SetVectorMask writes the PVM mask register bit for vector, when
	// HasPVM is true.
	SetVectorMask(vector int, mask bool)
}
