package ble

import (
	"context"
	"fmt"
	"sync"
)

// Device represents a discovered BLE peripheral.
type Device struct {
	ID   string
	Name string
	RSSI int
}

// ScanForDevices enables the transport, runs one scan and returns the
// peripherals seen, in discovery order, one entry per id with the latest
// name and RSSI.
func ScanForDevices(ctx context.Context, t Transport, opts ScanOptions) ([]Device, error) {
	if err := t.Enable(ctx); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	index := make(map[string]int)

	release := t.Listen(func(ev Event) {
		if ev.Kind != EventDiscovered {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if i, ok := index[ev.PeripheralID]; ok {
			if ev.Name != "" {
				devices[i].Name = ev.Name
			}
			devices[i].RSSI = ev.RSSI
			return
		}
		index[ev.PeripheralID] = len(devices)
		devices = append(devices, Device{ID: ev.PeripheralID, Name: ev.Name, RSSI: ev.RSSI})
	})
	defer release()

	if err := t.Scan(ctx, opts); err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Device, len(devices))
	copy(out, devices)
	return out, nil
}
