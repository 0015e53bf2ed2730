package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"
)

// TinyGoTransport wraps tinygo-org/bluetooth (CoreBluetooth on macOS,
// BlueZ on Linux, WinRT on Windows).
// On macOS, peripheral ids are CoreBluetooth UUIDs rather than MAC
// addresses; callers treat both as opaque strings.
type TinyGoTransport struct {
	Emitter

	adapter *bluetooth.Adapter
	bonder  Bonder

	enabled  atomic.Bool
	scanning atomic.Bool

	// mu protects devices, chars and rssi.
	mu      sync.Mutex
	devices map[string]*bluetooth.Device
	chars   map[string]map[charKey]*bluetooth.DeviceCharacteristic
	rssi    map[string]int
}

type charKey struct {
	service string
	char    string
}

// NewTinyGoTransport creates a transport on the default adapter. A nil
// bonder leaves bonding to the operating system.
func NewTinyGoTransport(bonder Bonder) *TinyGoTransport {
	if bonder == nil {
		bonder = OSBonder{}
	}
	return &TinyGoTransport{
		adapter: bluetooth.DefaultAdapter,
		bonder:  bonder,
		devices: make(map[string]*bluetooth.Device),
		chars:   make(map[string]map[charKey]*bluetooth.DeviceCharacteristic),
		rssi:    make(map[string]int),
	}
}

// Compile-time check that TinyGoTransport implements Transport.
var _ Transport = (*TinyGoTransport)(nil)

func (t *TinyGoTransport) Enable(_ context.Context) error {
	if t.enabled.Load() {
		return nil
	}
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotEnabled, err)
	}

	// The adapter-level handler is the only place the stack reports
	// link changes, including unsolicited drops.
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		id := device.Address.String()
		if connected {
			t.Emit(Event{Kind: EventConnected, PeripheralID: id})
			return
		}
		t.forget(id)
		t.Emit(Event{Kind: EventDisconnected, PeripheralID: id})
	})

	t.enabled.Store(true)
	return nil
}

func (t *TinyGoTransport) Scan(ctx context.Context, opts ScanOptions) error {
	if !t.enabled.Load() {
		return ErrNotEnabled
	}
	if !t.scanning.CompareAndSwap(false, true) {
		return fmt.Errorf("ble: scan: %w", ErrBusy)
	}
	defer t.scanning.Store(false)

	filter := make([]bluetooth.UUID, 0, len(opts.ServiceUUIDs))
	for _, s := range opts.ServiceUUIDs {
		u, err := bluetooth.ParseUUID(NormalizeUUID(s))
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filter = append(filter, u)
	}

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = t.adapter.StopScan()
		case <-done:
		}
	}()

	seen := make(map[string]bool)
	err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !matchesAny(result, filter) {
			return
		}
		id := result.Address.String()
		t.mu.Lock()
		t.rssi[id] = int(result.RSSI)
		dup := seen[id]
		seen[id] = true
		t.mu.Unlock()
		if dup && !opts.AllowDuplicates {
			return
		}
		t.Emit(Event{
			Kind:         EventDiscovered,
			PeripheralID: id,
			Name:         result.LocalName(),
			RSSI:         int(result.RSSI),
		})
	})
	close(done)
	t.Emit(Event{Kind: EventScanStopped})

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func matchesAny(result bluetooth.ScanResult, filter []bluetooth.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, u := range filter {
		if result.HasServiceUUID(u) {
			return true
		}
	}
	return false
}

func (t *TinyGoTransport) Connect(ctx context.Context, id string, _ ConnectOptions) error {
	if !t.enabled.Load() {
		return ErrNotEnabled
	}

	var addr bluetooth.Address
	addr.Set(id)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect ctx.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect cannot be cancelled; a late success is
		// torn down so the link does not linger untracked.
		go func() {
			if res := <-ch; res.err == nil {
				_ = res.device.Disconnect()
			}
		}()
		return fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("ble: connect to %s: %w", id, res.err)
		}
		dev := res.device
		t.mu.Lock()
		t.devices[id] = &dev
		t.mu.Unlock()
		return nil
	}
}

func (t *TinyGoTransport) CreateBond(ctx context.Context, id string) error {
	if _, err := t.device(id); err != nil {
		return err
	}
	return t.bonder.Bond(ctx, id)
}

func (t *TinyGoTransport) RetrieveServices(ctx context.Context, id string) (ServiceMap, error) {
	dev, err := t.device(id)
	if err != nil {
		return nil, err
	}

	type result struct {
		services ServiceMap
		chars    map[charKey]*bluetooth.DeviceCharacteristic
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		svcs, err := dev.DiscoverServices(nil)
		if err != nil {
			ch <- result{err: stackError("discover services", err)}
			return
		}
		out := make(ServiceMap, len(svcs))
		handles := make(map[charKey]*bluetooth.DeviceCharacteristic)
		for i := range svcs {
			svcID := NormalizeUUID(svcs[i].UUID().String())
			chars, err := svcs[i].DiscoverCharacteristics(nil)
			if err != nil {
				ch <- result{err: stackError("discover characteristics of "+svcID, err)}
				return
			}
			for j := range chars {
				charID := NormalizeUUID(chars[j].UUID().String())
				// Properties are not exposed on every platform;
				// EnableNotifications reports unsupported characteristics.
				out[svcID] = append(out[svcID], Characteristic{UUID: charID, Notify: true})
				handles[charKey{svcID, charID}] = &chars[j]
			}
		}
		ch <- result{services: out, chars: handles}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: discover services: %w", ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		t.mu.Lock()
		t.chars[id] = res.chars
		t.mu.Unlock()
		return res.services, nil
	}
}

// ReadRSSI returns the strength of the last advertisement seen for id.
// tinygo/bluetooth does not expose RSSI for an established link.
func (t *TinyGoTransport) ReadRSSI(_ context.Context, id string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rssi, ok := t.rssi[id]
	if !ok {
		return 0, fmt.Errorf("ble: read RSSI of %s: %w", id, ErrUnsupported)
	}
	return rssi, nil
}

func (t *TinyGoTransport) StartNotification(ctx context.Context, id, serviceID, charID string) error {
	key := charKey{NormalizeUUID(serviceID), NormalizeUUID(charID)}
	t.mu.Lock()
	char, ok := t.chars[id][key]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: %s/%s on %s: %w", serviceID, charID, id, ErrCharacteristicNotFound)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- char.EnableNotifications(func(buf []byte) {
			// The stack reuses buf after the callback returns.
			value := make([]byte, len(buf))
			copy(value, buf)
			t.Emit(Event{
				Kind:             EventValueUpdated,
				PeripheralID:     id,
				ServiceID:        key.service,
				CharacteristicID: key.char,
				Value:            value,
			})
		})
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ble: enable notifications: %w", ctx.Err())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ble: enable notifications on %s: %w: %v", charID, ErrNotifyUnsupported, err)
		}
		return nil
	}
}

func (t *TinyGoTransport) Disconnect(ctx context.Context, id string) error {
	dev, err := t.device(id)
	if err != nil {
		// Nothing tracked: the link is already gone.
		return nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- dev.Disconnect() }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ble: disconnect %s: %w", id, ctx.Err())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ble: disconnect %s: %w", id, err)
		}
		t.forget(id)
		slog.Debug("[BLE] disconnect requested", "id", id)
		return nil
	}
}

func (t *TinyGoTransport) device(id string) (*bluetooth.Device, error) {
	if !t.enabled.Load() {
		return nil, ErrNotEnabled
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	dev, ok := t.devices[id]
	if !ok {
		return nil, fmt.Errorf("ble: %s: %w", id, ErrNotConnected)
	}
	return dev, nil
}

func (t *TinyGoTransport) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.devices, id)
	delete(t.chars, id)
}

// scanWindow is the default scan duration when none is configured.
const scanWindow = 5 * time.Second

// DefaultScanOptions mirrors the reference behaviour: no service filter,
// five seconds, duplicates suppressed.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{Duration: scanWindow}
}
