// TamaGo PCIe interrupt management engine
// https://github.com/usbarmory/tamago-pcie
//
// Copyright (c) The TamaGo PCIe Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package intel

import (
	"log"

	"github.com/usbarmory/tamago-pcie/engine"
)

// NewDeviceConfig probes one function of a PCI device for its
// interrupt-relevant capabilities and assembles a ready-to-use
// engine.DeviceConfig from the result: the function's command/status
// accessor, its MSI capability (nil if absent), and the shared facade and
// legacy-vector registry. An MSI-X capability, if found, is logged and
// otherwise ignored, since the engine does not implement MSI-X.
func NewDeviceConfig(dev *Device, fn uint32, pin int, facade *Facade, registry *engine.Registry) (engine.DeviceConfig, error) {
	msi, msix, err := dev.InterruptCapabilities(fn)
	if err != nil {
		return engine.DeviceConfig{}, err
	}

	if msix != nil {
		log.Printf("pcie: device %04x:%04x exposes MSI-X (%d vectors), not supported", dev.Vendor, dev.Device, msix.TableSize())
	}

	cfg := engine.DeviceConfig{
		Pin:      pin,
		Config:   &FunctionConfigSpace{Dev: dev, Fn: fn},
		Facade:   facade,
		Registry: registry,
	}

	if msi != nil {
		cfg.MSICap = msi
	}

	return cfg, nil
}
