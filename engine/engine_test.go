// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package engine

import (
	"errors"
	"testing"
)

func newLegacyDevice(t *testing.T, pin int) (*Device, *fakeFacade, *fakeConfigSpace, *Registry) {
	t.Helper()

	facade := newFakeFacade()
	config := &fakeConfigSpace{}
	registry := NewRegistry(facade)

	dev := NewDevice(DeviceConfig{
		Pin:      pin,
		Config:   config,
		Facade:   facade,
		Registry: registry,
	})

	return dev, facade, config, registry
}

func TestSetModeLegacyEnterDispatchExit(t *testing.T) {
	dev, facade, config, _ := newLegacyDevice(t, 1)

	router := fakeRouter{vector: 50, ok: true}

	if err := dev.SetMode(Legacy, 1, router); err != nil {
		t.Fatalf("SetMode(Legacy): %v", err)
	}

	if mode, handlerCount, _ := dev.GetMode(); mode != Legacy || handlerCount != 1 {
		t.Fatalf("GetMode() = %v/%d, want Legacy/1", mode, handlerCount)
	}

	if !config.IntDisable() {
		t.Fatal("expected device masked at attach")
	}

	if facade.masked[50] {
		t.Fatal("expected vector unmasked once a device is attached")
	}

	var invoked bool

	if err := dev.RegisterHandler(0, func(irqID int, ctx any) Result {
		invoked = true
		return maskResult(false, true)
	}, nil); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	config.intStatus = true
	config.intDisable = false

	if reschedule := facade.fireLegacy(50); !reschedule {
		t.Fatal("expected reschedule true from dispatch")
	}
	if !invoked {
		t.Fatal("expected handler to run")
	}
	if config.IntDisable() {
		t.Fatal("handler did not request masking, device should stay unmasked")
	}

	if err := dev.SetMode(Disabled, 0, nil); err != nil {
		t.Fatalf("SetMode(Disabled): %v", err)
	}

	if mode, handlerCount, _ := dev.GetMode(); mode != Disabled || handlerCount != 0 {
		t.Fatalf("GetMode() after disable = %v/%d, want Disabled/0", mode, handlerCount)
	}

	if !facade.masked[50] {
		t.Fatal("expected vector re-masked once the last device detaches")
	}
}

func TestSetModeLegacyRequiresPin(t *testing.T) {
	dev, _, _, _ := newLegacyDevice(t, 0)

	if err := dev.SetMode(Legacy, 1, fakeRouter{ok: true}); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("SetMode(Legacy) with pin 0 = %v, want ErrNotSupported", err)
	}
}

func TestSetModeLegacyRouterFailureIsNoResources(t *testing.T) {
	dev, _, _, _ := newLegacyDevice(t, 1)

	if err := dev.SetMode(Legacy, 1, fakeRouter{ok: false}); !errors.Is(err, ErrNoResources) {
		t.Fatalf("SetMode(Legacy) with unresolved pin = %v, want ErrNoResources", err)
	}
	if mode, _, _ := dev.GetMode(); mode != Disabled {
		t.Fatalf("mode after failed enter = %v, want Disabled", mode)
	}
}

func TestSharedLegacyDispatcherSpuriousInterruptMasks(t *testing.T) {
	facade := newFakeFacade()
	registry := NewRegistry(facade)

	ld, err := registry.findOrCreate(7)
	if err != nil {
		t.Fatalf("findOrCreate: %v", err)
	}

	if facade.fireLegacy(7) {
		t.Fatal("expected no reschedule on an empty dispatcher")
	}
	if !facade.masked[7] {
		t.Fatal("expected spurious interrupt to mask the vector")
	}

	_ = ld
}

func TestSharedLegacyDispatcherRoutesAndRefcounts(t *testing.T) {
	facade := newFakeFacade()
	registry := NewRegistry(facade)

	configA := &fakeConfigSpace{}
	devA := NewDevice(DeviceConfig{Pin: 1, Config: configA, Facade: facade, Registry: registry})

	configB := &fakeConfigSpace{}
	devB := NewDevice(DeviceConfig{Pin: 2, Config: configB, Facade: facade, Registry: registry})

	if err := devA.SetMode(Legacy, 1, fakeRouter{vector: 30, ok: true}); err != nil {
		t.Fatalf("SetMode(Legacy) devA: %v", err)
	}
	if err := devB.SetMode(Legacy, 1, fakeRouter{vector: 30, ok: true}); err != nil {
		t.Fatalf("SetMode(Legacy) devB: %v", err)
	}

	if facade.masked[30] {
		t.Fatal("expected vector unmasked once both devices are attached")
	}

	var ranA, ranB int

	if err := devA.RegisterHandler(0, func(int, any) Result {
		ranA++
		return maskResult(false, false)
	}, nil); err != nil {
		t.Fatalf("RegisterHandler devA: %v", err)
	}
	if err := devB.RegisterHandler(0, func(int, any) Result {
		ranB++
		return maskResult(false, false)
	}, nil); err != nil {
		t.Fatalf("RegisterHandler devB: %v", err)
	}

	// Only devB is asserting; dispatch must walk the shared dispatcher's
	// device list and route to devB alone, leaving devA's handler unrun.
	configB.intStatus = true
	configB.intDisable = false

	if facade.fireLegacy(30) {
		t.Fatal("expected no reschedule request")
	}
	if ranA != 0 {
		t.Fatal("expected devA's handler not to run for an interrupt devA did not assert")
	}
	if ranB != 1 {
		t.Fatalf("ranB = %d, want 1", ranB)
	}

	// Detaching devA must not tear the shared dispatcher down while devB
	// is still attached: the vector stays unmasked and refcounted.
	if err := devA.SetMode(Disabled, 0, nil); err != nil {
		t.Fatalf("SetMode(Disabled) devA: %v", err)
	}
	if facade.masked[30] {
		t.Fatal("expected vector to remain unmasked while devB is still attached")
	}

	if err := devB.SetMode(Disabled, 0, nil); err != nil {
		t.Fatalf("SetMode(Disabled) devB: %v", err)
	}
	if !facade.masked[30] {
		t.Fatal("expected vector re-masked once the last device detaches")
	}
}

func newMSIDevice(t *testing.T, maxVectors int, hasPVM bool) (*Device, *fakeFacade, *fakeMSICapability) {
	t.Helper()

	facade := newFakeFacade()
	msiCap := newFakeMSICapability(maxVectors, hasPVM)

	dev := NewDevice(DeviceConfig{
		Config: &fakeConfigSpace{},
		MSICap: msiCap,
		Facade: facade,
	})

	return dev, facade, msiCap
}

func TestSetModeMSIEnterDispatchDisable(t *testing.T) {
	dev, facade, msiCap := newMSIDevice(t, 4, true)

	if err := dev.SetMode(MSI, 2, nil); err != nil {
		t.Fatalf("SetMode(MSI): %v", err)
	}

	if !msiCap.enabled {
		t.Fatal("expected MSI enabled after successful enter")
	}
	if msiCap.mme != 1 {
		t.Fatalf("mme = %d, want 1 (ceil(log2(2)))", msiCap.mme)
	}
	if facade.msiRegisterCalls != 2 {
		t.Fatalf("msiRegisterCalls = %d, want 2", facade.msiRegisterCalls)
	}

	var ran int

	for i := 0; i < 2; i++ {
		if err := dev.RegisterHandler(i, func(irqID int, ctx any) Result {
			ran++
			return maskResult(false, false)
		}, nil); err != nil {
			t.Fatalf("RegisterHandler(%d): %v", i, err)
		}

		// Vectors enter MSI mode masked (invariant 4); the driver must
		// unmask after installing a handler before dispatch will run it.
		if _, err := dev.MaskUnmask(i, false); err != nil {
			t.Fatalf("MaskUnmask(%d, unmask): %v", i, err)
		}
	}

	facade.fireMSI(0)
	facade.fireMSI(1)

	if ran != 2 {
		t.Fatalf("ran = %d, want 2", ran)
	}

	if err := dev.SetMode(Disabled, 0, nil); err != nil {
		t.Fatalf("SetMode(Disabled): %v", err)
	}
	if msiCap.enabled {
		t.Fatal("expected MSI disabled")
	}
	if facade.freeCalls != 1 {
		t.Fatalf("freeCalls = %d, want 1", facade.freeCalls)
	}
}

func TestSetModeMSIRejectsNonPowerOfTwo(t *testing.T) {
	dev, _, _ := newMSIDevice(t, 8, true)

	if err := dev.SetMode(MSI, 3, nil); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("SetMode(MSI, 3) = %v, want ErrInvalidArgs", err)
	}
}

func TestSetModeMSIExceedsMaxVectors(t *testing.T) {
	dev, _, _ := newMSIDevice(t, 2, true)

	if err := dev.SetMode(MSI, 4, nil); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("SetMode(MSI, 4) with max 2 = %v, want ErrNotSupported", err)
	}
}

func TestSetModeMSIUnwindsOnRegisterFailure(t *testing.T) {
	dev, facade, msiCap := newMSIDevice(t, 4, true)
	facade.registerErr = errors.New("platform refused registration")

	if err := dev.SetMode(MSI, 2, nil); !errors.Is(err, ErrNoResources) {
		t.Fatalf("SetMode(MSI) = %v, want wrapped ErrNoResources", err)
	}

	if mode, handlerCount, _ := dev.GetMode(); mode != Disabled || handlerCount != 0 {
		t.Fatalf("GetMode() after failed enter = %v/%d, want Disabled/0", mode, handlerCount)
	}
	if msiCap.enabled {
		t.Fatal("expected MSI left disabled after unwind")
	}
	if facade.freeCalls != 1 {
		t.Fatalf("freeCalls = %d, want 1 (unwind must free the block)", facade.freeCalls)
	}
}

func TestRegisterHandlerTracksRegisteredCount(t *testing.T) {
	dev, _, _ := newMSIDevice(t, 4, true)

	if err := dev.SetMode(MSI, 2, nil); err != nil {
		t.Fatalf("SetMode(MSI): %v", err)
	}

	fn := func(irqID int, ctx any) Result { return 0 }

	if err := dev.RegisterHandler(0, fn, nil); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	if _, _, registered := dev.GetMode(); registered != 1 {
		t.Fatalf("registeredHandlerCount = %d, want 1", registered)
	}

	if err := dev.RegisterHandler(0, nil, nil); err != nil {
		t.Fatalf("RegisterHandler(nil): %v", err)
	}
	if _, _, registered := dev.GetMode(); registered != 0 {
		t.Fatalf("registeredHandlerCount = %d, want 0 after clearing", registered)
	}

	if err := dev.RegisterHandler(5, fn, nil); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("RegisterHandler(5) = %v, want ErrInvalidArgs", err)
	}
}

func TestMaskUnmaskLegacyRoundTrip(t *testing.T) {
	dev, _, config, _ := newLegacyDevice(t, 1)

	if err := dev.SetMode(Legacy, 1, fakeRouter{vector: 9, ok: true}); err != nil {
		t.Fatalf("SetMode(Legacy): %v", err)
	}
	if err := dev.RegisterHandler(0, func(int, any) Result { return 0 }, nil); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	prev, err := dev.MaskUnmask(0, true)
	if err != nil {
		t.Fatalf("MaskUnmask(mask): %v", err)
	}
	if prev {
		t.Fatal("expected previous masked state false")
	}
	if !config.IntDisable() {
		t.Fatal("expected INT_DISABLE set after masking")
	}

	prev, err = dev.MaskUnmask(0, false)
	if err != nil {
		t.Fatalf("MaskUnmask(unmask): %v", err)
	}
	if !prev {
		t.Fatal("expected previous masked state true")
	}
	if config.IntDisable() {
		t.Fatal("expected INT_DISABLE clear after unmasking")
	}
}

func TestMaskUnmaskRequiresHandlerToUnmask(t *testing.T) {
	dev, _, _, _ := newLegacyDevice(t, 1)

	if err := dev.SetMode(Legacy, 1, fakeRouter{vector: 9, ok: true}); err != nil {
		t.Fatalf("SetMode(Legacy): %v", err)
	}

	if _, err := dev.MaskUnmask(0, false); !errors.Is(err, ErrBadState) {
		t.Fatalf("MaskUnmask(unmask) with no handler = %v, want ErrBadState", err)
	}
}

func TestMaskUnmaskMSIWithoutMaskingSupportRejectsMask(t *testing.T) {
	dev, _, _ := newMSIDevice(t, 2, false)

	if err := dev.SetMode(MSI, 2, nil); err != nil {
		t.Fatalf("SetMode(MSI): %v", err)
	}
	if err := dev.RegisterHandler(0, func(int, any) Result { return 0 }, nil); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	if _, err := dev.MaskUnmask(0, true); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("MaskUnmask(mask) without masking support = %v, want ErrNotSupported", err)
	}

	if _, err := dev.MaskUnmask(0, false); err != nil {
		t.Fatalf("MaskUnmask(unmask) without masking support should still succeed: %v", err)
	}
}

func TestMaskUnmaskBadStateWhenDisabled(t *testing.T) {
	dev, _, _ := newMSIDevice(t, 2, true)

	if _, err := dev.MaskUnmask(0, true); !errors.Is(err, ErrBadState) {
		t.Fatalf("MaskUnmask on Disabled device = %v, want ErrBadState", err)
	}
}

func TestQueryCapabilities(t *testing.T) {
	dev, _, _ := newMSIDevice(t, 8, true)

	caps, err := dev.QueryCapabilities(MSI)
	if err != nil {
		t.Fatalf("QueryCapabilities(MSI): %v", err)
	}
	if !caps.Supported || caps.MaxIRQs != 8 || !caps.PerVectorMasked {
		t.Fatalf("QueryCapabilities(MSI) = %+v, want Supported/8/true", caps)
	}

	caps, err = dev.QueryCapabilities(MSIX)
	if !errors.Is(err, ErrNotSupported) {
		t.Fatalf("QueryCapabilities(MSIX) = %v, want ErrNotSupported", err)
	}

	legacyDev, _, _, _ := newLegacyDevice(t, 0)
	caps, err = legacyDev.QueryCapabilities(Legacy)
	if err != nil {
		t.Fatalf("QueryCapabilities(Legacy): %v", err)
	}
	if caps.Supported {
		t.Fatal("expected Legacy unsupported on a device with pin 0")
	}
}

func TestSetModeRejectsReentryWithoutDisable(t *testing.T) {
	dev, _, _ := newMSIDevice(t, 2, true)

	if err := dev.SetMode(MSI, 2, nil); err != nil {
		t.Fatalf("SetMode(MSI): %v", err)
	}
	if err := dev.SetMode(MSI, 2, nil); !errors.Is(err, ErrBadState) {
		t.Fatalf("second SetMode(MSI) without disabling first = %v, want ErrBadState", err)
	}
}
