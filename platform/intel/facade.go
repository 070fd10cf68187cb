// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package intel

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/usbarmory/tamago-pcie/engine"
)

// vectorHandler holds one platform vector's registered callback. mu also
// serves as the drain barrier FreeMSIBlock uses to guarantee no dispatch is
// still in flight when it returns (§5 ordering guarantee, §9).
type vectorHandler struct {
	mu     sync.Mutex
	fn     engine.VectorFunc
	cookie any
}

// Facade is the reference engine.Facade implementation for an Intel-compatible
// platform. Legacy INTx vectors route through one I/O APIC redirection table
// entry per vector; this adapter assumes a trivial 1:1 mapping between a
// legacy vector id and its redirection table index (real deployments derive
// that mapping from ACPI routing tables, out of scope here). MSI vectors are
// leased from a flat platform vector pool, gated by a semaphore.Weighted so
// concurrent AllocMSIBlock callers never oversubscribe it, and delivered
// directly to the Local APIC rather than through the I/O APIC.
type Facade struct {
	lapic  *LAPIC
	ioapic *IOAPIC

	sem      *semaphore.Weighted
	poolBase int
	poolSize int

	mu       sync.Mutex
	free     []bool
	handlers map[int]*vectorHandler
}

// NewFacade constructs a Facade leasing MSI vectors from
// [poolBase, poolBase+poolSize).
func NewFacade(lapic *LAPIC, ioapic *IOAPIC, poolBase, poolSize int) *Facade {
	return &Facade{
		lapic:    lapic,
		ioapic:   ioapic,
		sem:      semaphore.NewWeighted(int64(poolSize)),
		poolBase: poolBase,
		poolSize: poolSize,
		free:     make([]bool, poolSize),
		handlers: make(map[int]*vectorHandler),
	}
}

// SupportsMSI reports whether a Local APIC was configured.
func (f *Facade) SupportsMSI() bool {
	return f.lapic != nil
}

// SupportsMSIMasking reports false: this platform has no independent
// controller-level MSI mask primitive, so masking relies solely on each
// device's Per-Vector Masking capability (§4.3, §9).
func (f *Facade) SupportsMSIMasking() bool {
	return false
}

// msiBlock is the Facade's engine.MSIBlock implementation: a contiguous run
// of leased platform vectors targeting this Facade's LAPIC.
type msiBlock struct {
	facade    *Facade
	vectors   []int
	allocated bool
}

func (b *msiBlock) VectorCount() int { return len(b.vectors) }
func (b *msiBlock) Vector(i int) int { return b.vectors[i] }
func (b *msiBlock) Allocated() bool  { return b.allocated }

// TargetAddress returns the LAPIC's MSI destination address (Intel SDM Vol.
// 3A, §10.11): fixed base 0xFEE00000 with the destination LAPIC ID at bits
// 19:12, physical destination mode.
func (b *msiBlock) TargetAddress() uint64 {
	dest := uint64(b.facade.lapic.ID())
	return 0xfee00000 | (dest << 12)
}

// TargetData returns the base Message Data pattern for vector 0 of the
// block (fixed delivery mode, edge triggered); vector i uses TargetData()+i.
func (b *msiBlock) TargetData() uint16 {
	return uint16(b.vectors[0])
}

// AllocMSIBlock leases count contiguous vectors from the platform pool.
func (f *Facade) AllocMSIBlock(ctx context.Context, count int, need64Bit bool, isMSIX bool) (engine.MSIBlock, error) {
	if isMSIX {
		return nil, engine.ErrNotSupported
	}

	if err := f.sem.Acquire(ctx, int64(count)); err != nil {
		return nil, err
	}

	f.mu.Lock()
	start := f.findFreeRunLocked(count)
	if start < 0 {
		f.mu.Unlock()
		f.sem.Release(int64(count))
		return nil, engine.ErrNoResources
	}

	for i := 0; i < count; i++ {
		f.free[start+i] = true
	}
	f.mu.Unlock()

	vectors := make([]int, count)
	for i := range vectors {
		vectors[i] = f.poolBase + start + i
	}

	return &msiBlock{facade: f, vectors: vectors, allocated: true}, nil
}

func (f *Facade) findFreeRunLocked(count int) int {
	for i := 0; i+count <= f.poolSize; i++ {
		ok := true
		for j := 0; j < count; j++ {
			if f.free[i+j] {
				ok = false
				break
			}
		}
		if ok {
			return i
		}
	}
	return -1
}

// FreeMSIBlock releases a block, draining every in-flight dispatch for its
// vectors before returning.
func (f *Facade) FreeMSIBlock(ctx context.Context, block engine.MSIBlock) error {
	mb, ok := block.(*msiBlock)
	if !ok || !mb.allocated {
		return engine.ErrInvalidArgs
	}

	for _, vec := range mb.vectors {
		f.mu.Lock()
		vh := f.handlers[vec]
		f.mu.Unlock()

		if vh == nil {
			continue
		}

		vh.mu.Lock()
		vh.fn = nil
		vh.cookie = nil
		vh.mu.Unlock()
	}

	f.mu.Lock()
	for _, vec := range mb.vectors {
		delete(f.handlers, vec)
	}
	start := mb.vectors[0] - f.poolBase
	for i := range mb.vectors {
		f.free[start+i] = false
	}
	f.mu.Unlock()

	f.sem.Release(int64(len(mb.vectors)))
	mb.allocated = false

	return nil
}

// RegisterMSIHandler installs (or, fn == nil, uninstalls) the callback for
// one vector of block.
func (f *Facade) RegisterMSIHandler(block engine.MSIBlock, vector int, fn engine.VectorFunc, cookie any) error {
	mb, ok := block.(*msiBlock)
	if !ok || vector < 0 || vector >= len(mb.vectors) {
		return engine.ErrInvalidArgs
	}

	vec := mb.vectors[vector]

	f.mu.Lock()
	vh, ok := f.handlers[vec]
	if !ok {
		vh = &vectorHandler{}
		f.handlers[vec] = vh
	}
	f.mu.Unlock()

	vh.mu.Lock()
	vh.fn = fn
	vh.cookie = cookie
	vh.mu.Unlock()

	return nil
}

// MaskUnmaskMSI is unreachable: SupportsMSIMasking always reports false.
func (f *Facade) MaskUnmaskMSI(block engine.MSIBlock, vector int, mask bool) error {
	return engine.ErrNotSupported
}

// MaskVector masks a legacy vector at the I/O APIC.
func (f *Facade) MaskVector(vec int) {
	f.ioapic.MaskVector(vec)
}

// UnmaskVector unmasks a legacy vector at the I/O APIC, reprogramming its
// redirection table entry for physical delivery to this vector.
func (f *Facade) UnmaskVector(vec int) {
	f.ioapic.programVector(vec, vec, false)
}

// RegisterIntHandler installs (or, fn == nil, uninstalls) the callback for a
// legacy vector, masking its redirection table entry each time it installs
// or uninstalls one.
func (f *Facade) RegisterIntHandler(vec int, fn engine.VectorFunc, cookie any) error {
	f.mu.Lock()
	vh, ok := f.handlers[vec]
	if fn == nil {
		delete(f.handlers, vec)
		f.mu.Unlock()
		f.ioapic.MaskVector(vec)
		return nil
	}
	if !ok {
		vh = &vectorHandler{}
		f.handlers[vec] = vh
	}
	f.mu.Unlock()

	vh.mu.Lock()
	vh.fn = fn
	vh.cookie = cookie
	vh.mu.Unlock()

	f.ioapic.programVector(vec, vec, true)

	return nil
}

// Dispatch is the entry point a platform's low-level interrupt stub (out of
// scope here; ordinarily an IDT gate) calls when vec fires. It returns the
// dispatcher's reschedule request.
func (f *Facade) Dispatch(vec int) bool {
	f.mu.Lock()
	vh := f.handlers[vec]
	f.mu.Unlock()

	if vh == nil {
		return false
	}

	vh.mu.Lock()
	defer vh.mu.Unlock()

	if vh.fn == nil {
		return false
	}

	reschedule := vh.fn(vh.cookie)
	f.lapic.ClearInterrupt()

	return reschedule
}
