// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package engine

import (
	"fmt"
	"log"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// legacyDispatcher is the Shared Legacy Dispatcher (C3), one instance per
// system INTx vector, multiplexing that single platform IRQ across every
// PCIe function wired to it (§4.2).
type legacyDispatcher struct {
	vectorID int
	facade   Facade

	listLock SpinLock // §5 level 4
	devices  []*Device
}

// attach links dev into the dispatcher's device list (§4.2 attach).
func (ld *legacyDispatcher) attach(dev *Device) {
	// Defensive: the device must start masked, written under the
	// device's own command-register lock (§9), not the list lock.
	dev.cmdLock.Lock()
	dev.config.SetIntDisable(true)
	dev.cmdLock.Unlock()

	ld.listLock.Lock()
	wasEmpty := len(ld.devices) == 0
	dev.node = &legacyNode{dispatcher: ld, idx: len(ld.devices)}
	ld.devices = append(ld.devices, dev)
	ld.listLock.Unlock()

	if wasEmpty {
		ld.facade.UnmaskVector(ld.vectorID)
	}
}

// detach unlinks dev from the dispatcher's device list (§4.2 detach).
func (ld *legacyDispatcher) detach(dev *Device) {
	ld.listLock.Lock()

	dev.cmdLock.Lock()
	dev.config.SetIntDisable(true)
	dev.cmdLock.Unlock()

	idx := dev.node.idx
	ld.devices = append(ld.devices[:idx], ld.devices[idx+1:]...)
	for i := idx; i < len(ld.devices); i++ {
		ld.devices[i].node.idx = i
	}
	dev.node = nil

	empty := len(ld.devices) == 0
	ld.listLock.Unlock()

	if empty {
		ld.facade.MaskVector(ld.vectorID)
	}
}

// dispatch is invoked by the platform in IRQ context for this vector
// (§4.2). It returns whether a higher-priority runnable was signaled by any
// serviced device.
func (ld *legacyDispatcher) dispatch() (reschedule bool) {
	ld.listLock.Lock()
	defer ld.listLock.Unlock()

	if len(ld.devices) == 0 {
		ld.facade.MaskVector(ld.vectorID)
		log.Printf("pcie: spurious interrupt on legacy vector %d, masking", ld.vectorID)
		return false
	}

	for _, dev := range ld.devices {
		asserting := dev.config.IntStatus() && !dev.config.IntDisable()
		if !asserting {
			continue
		}

		slot := dev.slot(0)
		slot.lock.Lock()

		var result Result
		var ran bool

		if !slot.masked && slot.fn != nil {
			result = slot.fn(0, slot.ctx)
			ran = true
		}

		if !ran || result.Masked() {
			dev.cmdLock.Lock()
			dev.config.SetIntDisable(true)
			dev.cmdLock.Unlock()
			slot.masked = true
		}

		if ran && result.Reschedule() {
			reschedule = true
		}

		slot.lock.Unlock()
	}

	return reschedule
}

// handleVector is the VectorFunc registered with the platform facade for
// this dispatcher's vector.
func (ld *legacyDispatcher) handleVector(cookie any) bool {
	return ld.dispatch()
}

// Registry is the bus-driver legacy-vector registry (C6): it indexes
// existing Shared Legacy Dispatchers by vector id under legacy_registry_lock
// (§5 level 3) and creates them on first use.
type Registry struct {
	facade Facade

	mu          sync.Mutex
	dispatchers map[int]*legacyDispatcher
	refs        map[int]int
	group       singleflight.Group
}

// NewRegistry constructs an empty legacy-dispatcher registry bound to a
// platform facade.
func NewRegistry(facade Facade) *Registry {
	return &Registry{
		facade:      facade,
		dispatchers: make(map[int]*legacyDispatcher),
		refs:        make(map[int]int),
	}
}

// findOrCreate returns a shared-ownership handle to the dispatcher for
// vectorID, creating it (and registering its low-level handler with the
// platform in the masked state) on first use. Concurrent callers racing on
// the same fresh vectorID are coalesced onto a single creation via
// singleflight so the platform registration happens exactly once; every
// caller still receives its own reference-count increment.
func (r *Registry) findOrCreate(vectorID int) (*legacyDispatcher, error) {
	key := strconv.Itoa(vectorID)

	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.Lock()
		ld, ok := r.dispatchers[vectorID]
		r.mu.Unlock()

		if ok {
			return ld, nil
		}

		ld = &legacyDispatcher{vectorID: vectorID, facade: r.facade}

		if err := r.facade.RegisterIntHandler(vectorID, ld.handleVector, ld); err != nil {
			return nil, fmt.Errorf("pcie: register legacy vector %d: %w", vectorID, err)
		}
		r.facade.MaskVector(vectorID)

		r.mu.Lock()
		r.dispatchers[vectorID] = ld
		r.mu.Unlock()

		return ld, nil
	})

	if err != nil {
		return nil, err
	}

	ld := v.(*legacyDispatcher)

	r.mu.Lock()
	r.refs[vectorID]++
	r.mu.Unlock()

	return ld, nil
}

// release drops one reference to the dispatcher for vectorID, destroying it
// (masking the vector and uninstalling the platform handler) when the last
// reference drops.
func (r *Registry) release(vectorID int) error {
	r.mu.Lock()
	r.refs[vectorID]--
	destroy := r.refs[vectorID] <= 0

	var ld *legacyDispatcher
	if destroy {
		ld = r.dispatchers[vectorID]
		delete(r.dispatchers, vectorID)
		delete(r.refs, vectorID)
	}
	r.mu.Unlock()

	if !destroy || ld == nil {
		return nil
	}

	r.facade.MaskVector(vectorID)
	return r.facade.RegisterIntHandler(vectorID, nil, nil)
}
