// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package engine

import (
	"context"
	"sync"
)

type fakeMSIBlock struct {
	count     int
	allocated bool
}

func (b *fakeMSIBlock) VectorCount() int      { return b.count }
func (b *fakeMSIBlock) Vector(i int) int      { return 100 + i }
func (b *fakeMSIBlock) TargetAddress() uint64 { return 0xfee00000 }
func (b *fakeMSIBlock) TargetData() uint16    { return 0x40 }
func (b *fakeMSIBlock) Allocated() bool       { return b.allocated }

// fakeFacade is an in-memory stand-in for a platform Facade, recording the
// installed handlers, the legacy vector mask state and the number of MSI
// handler registrations and block frees so tests can assert on them.
type fakeFacade struct {
	mu sync.Mutex

	supportsMSI        bool
	supportsMSIMasking bool

	allocErr    error
	registerErr error

	masked      map[int]bool
	intHandlers map[int]VectorFunc
	intCookies  map[int]any

	msiHandlers map[int]VectorFunc
	msiCookies  map[int]any

	msiRegisterCalls int
	freeCalls        int
}

func newFakeFacade() *fakeFacade {
	return &fakeFacade{
		supportsMSI: true,
		masked:      make(map[int]bool),
		intHandlers: make(map[int]VectorFunc),
		intCookies:  make(map[int]any),
		msiHandlers: make(map[int]VectorFunc),
		msiCookies:  make(map[int]any),
	}
}

func (f *fakeFacade) SupportsMSI() bool        { return f.supportsMSI }
func (f *fakeFacade) SupportsMSIMasking() bool { return f.supportsMSIMasking }

func (f *fakeFacade) AllocMSIBlock(ctx context.Context, count int, need64Bit, isMSIX bool) (MSIBlock, error) {
	if f.allocErr != nil {
		return nil, f.allocErr
	}
	return &fakeMSIBlock{count: count, allocated: true}, nil
}

func (f *fakeFacade) FreeMSIBlock(ctx context.Context, block MSIBlock) error {
	f.mu.Lock()
	f.freeCalls++
	f.mu.Unlock()

	if b, ok := block.(*fakeMSIBlock); ok {
		b.allocated = false
	}
	return nil
}

func (f *fakeFacade) RegisterMSIHandler(block MSIBlock, vector int, fn VectorFunc, cookie any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.msiRegisterCalls++

	if f.registerErr != nil {
		return f.registerErr
	}

	if fn == nil {
		delete(f.msiHandlers, vector)
		delete(f.msiCookies, vector)
		return nil
	}

	f.msiHandlers[vector] = fn
	f.msiCookies[vector] = cookie
	return nil
}

func (f *fakeFacade) MaskUnmaskMSI(block MSIBlock, vector int, mask bool) error {
	return nil
}

func (f *fakeFacade) MaskVector(vec int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.masked[vec] = true
}

func (f *fakeFacade) UnmaskVector(vec int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.masked[vec] = false
}

func (f *fakeFacade) RegisterIntHandler(vec int, fn VectorFunc, cookie any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fn == nil {
		delete(f.intHandlers, vec)
		delete(f.intCookies, vec)
		return nil
	}

	f.intHandlers[vec] = fn
	f.intCookies[vec] = cookie
	return nil
}

// fireLegacy simulates the platform delivering an interrupt on a legacy
// vector.
func (f *fakeFacade) fireLegacy(vec int) bool {
	f.mu.Lock()
	fn := f.intHandlers[vec]
	cookie := f.intCookies[vec]
	f.mu.Unlock()

	if fn == nil {
		return false
	}
	return fn(cookie)
}

// fireMSI simulates the platform delivering an interrupt on an MSI vector
// (indexed within the block, as RegisterMSIHandler receives it).
func (f *fakeFacade) fireMSI(vector int) bool {
	f.mu.Lock()
	fn := f.msiHandlers[vector]
	cookie := f.msiCookies[vector]
	f.mu.Unlock()

	if fn == nil {
		return false
	}
	return fn(cookie)
}

type fakeConfigSpace struct {
	mu         sync.Mutex
	intDisable bool
	intStatus  bool
}

func (c *fakeConfigSpace) IntDisable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intDisable
}

func (c *fakeConfigSpace) SetIntDisable(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intDisable = v
}

func (c *fakeConfigSpace) IntStatus() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intStatus
}

type fakeMSICapability struct {
	is64Bit    bool
	maxVectors int
	hasPVM     bool

	enabled bool
	mme     uint
	addrLow uint32
	data    uint16
	masks   map[int]bool
}

func newFakeMSICapability(maxVectors int, hasPVM bool) *fakeMSICapability {
	return &fakeMSICapability{maxVectors: maxVectors, hasPVM: hasPVM, masks: make(map[int]bool)}
}

func (m *fakeMSICapability) Is64Bit() bool      { return m.is64Bit }
func (m *fakeMSICapability) MaxVectors() int    { return m.maxVectors }
func (m *fakeMSICapability) HasPVM() bool       { return m.hasPVM }
func (m *fakeMSICapability) SetEnable(e bool)   { m.enabled = e }
func (m *fakeMSICapability) SetMME(log2Count uint) { m.mme = log2Count }
func (m *fakeMSICapability) SetAddress(low, high uint32) { m.addrLow = low }
func (m *fakeMSICapability) SetData(data uint16) { m.data = data }

func (m *fakeMSICapability) SetVectorMask(vector int, mask bool) {
	m.masks[vector] = mask
}

type fakeRouter struct {
	vector int
	ok     bool
}

func (r fakeRouter) Resolve(pin int) (int, bool) { return r.vector, r.ok }

func maskResult(mask, resched bool) Result {
	var r Result
	if mask {
		r |= Mask
	}
	if resched {
		r |= Resched
	}
	return r
}
