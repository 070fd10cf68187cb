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
	// MinVector and MaxVector bound the LAPIC/IOAPIC addressable vector
	// space (Intel SDM Vol. 3A, §10.5.2): vectors 0-15 are reserved.
	MinVector = 16
	MaxVector = 255
)

// LAPIC registers (Intel SDM Vol. 3A, §10.4.1).
const (
	lapicID  = 0x20
	lapicEOI = 0xb0

	lapicSVR  = 0xf0
	svrEnable = 8
)

// LAPIC represents a Local APIC instance.
type LAPIC struct {
	Region Region
}

// ID returns the LAPIC identification register.
func (l *LAPIC) ID() uint32 {
	val := l.Region.Read32(lapicID)
	return bits.GetN(&val, 24, 0xf)
}

// Enable enables the Local APIC.
func (l *LAPIC) Enable() {
	val := l.Region.Read32(lapicSVR)
	bits.Set(&val, svrEnable)
	l.Region.Write32(lapicSVR, val)
}

// Disable disables the Local APIC.
func (l *LAPIC) Disable() {
	val := l.Region.Read32(lapicSVR)
	bits.Clear(&val, svrEnable)
	l.Region.Write32(lapicSVR, val)
}

// ClearInterrupt signals the end of an interrupt handling routine.
func (l *LAPIC) ClearInterrupt() {
	l.Region.Write32(lapicEOI, 0)
}

// I/O APIC registers (Intel SDM Vol. 3A, §10.6.2; Intel 82093AA datasheet).
const (
	ioregsel = 0x00
	iowin    = 0x10

	ioapicID  = 0x00
	ioapicVer = 0x01

	ioapicRedtbln  = 0x10
	redtblMask     = 16
	redtblDestMode = 11
	redtblIntVec   = 0
)

// IOAPIC represents an I/O APIC instance. Each redirection table entry is 64
// bits, split across two consecutive 32-bit windows (low dword: vector, mask
// and delivery/destination mode bits; high dword: destination field). This
// driver only ever programs the low dword and leaves destination routing at
// its power-on-default (broadcast to all local APICs), adequate for a
// single-CPU reference platform; multi-CPU destination routing is out of
// scope.
type IOAPIC struct {
	// Index identifies this controller among the platform's IOAPICs.
	Index  int
	Region Region
}

// Init initializes the I/O APIC identification register.
func (io *IOAPIC) Init() {
	io.Region.Write32(ioregsel, ioapicID)
	val := io.Region.Read32(iowin)
	bits.SetN(&val, 24, 0xf, uint32(io.Index))
	io.Region.Write32(iowin, val)
}

// ID returns the IOAPIC identification.
func (io *IOAPIC) ID() uint32 {
	io.Region.Write32(ioregsel, ioapicID)
	val := io.Region.Read32(iowin)
	return bits.GetN(&val, 24, 0xf)
}

func (io *IOAPIC) version() uint32 {
	io.Region.Write32(ioregsel, ioapicVer)
	return io.Region.Read32(iowin)
}

// entries returns the number of redirection table entries implemented.
func (io *IOAPIC) entries() int {
	version := io.version()
	return int(bits.GetN(&version, 16, 0xff)) + 1
}

// redtblIndex returns the low-dword IOREGSEL index of redirection table
// entry n, or -1 if n is out of range.
func (io *IOAPIC) redtblIndex(n int) int {
	if n < 0 || n >= io.entries() {
		return -1
	}
	return ioapicRedtbln + n*2
}

// programVector writes a redirection table entry to deliver vec in physical
// mode, masked or unmasked as requested.
func (io *IOAPIC) programVector(n int, vec int, masked bool) {
	sel := io.redtblIndex(n)
	if sel < 0 || vec < MinVector || vec > MaxVector {
		return
	}

	var val uint32
	bits.SetN(&val, redtblDestMode, 0b1, 0) // physical destination mode
	bits.SetN(&val, redtblIntVec, 0xff, uint32(vec))
	bits.SetTo(&val, redtblMask, masked)

	io.Region.Write32(ioregsel, uint32(sel))
	io.Region.Write32(iowin, val)
}

// MaskVector masks redirection table entry n.
func (io *IOAPIC) MaskVector(n int) {
	sel := io.redtblIndex(n)
	if sel < 0 {
		return
	}

	io.Region.Write32(ioregsel, uint32(sel))
	val := io.Region.Read32(iowin)
	bits.Set(&val, redtblMask)
	io.Region.Write32(ioregsel, uint32(sel))
	io.Region.Write32(iowin, val)
}

// EnableInterrupt activates an IOAPIC redirection table entry at the
// corresponding index for the desired interrupt vector.
func (io *IOAPIC) EnableInterrupt(index int, vec int) {
	io.programVector(index, vec, false)
}
