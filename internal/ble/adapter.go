// Package ble defines the transport contract the session manager drives:
// scanning, connecting, bonding, service discovery, notifications and
// disconnects against a native BLE stack. Implementations report
// asynchronous lifecycle and data events to registered listeners.
package ble

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Transport sentinels. Implementations wrap these so callers can classify
// failures with errors.Is.
var (
	ErrNotEnabled             = errors.New("ble: adapter not enabled")
	ErrBusy                   = errors.New("ble: device busy")
	ErrBondRejected           = errors.New("ble: bond rejected")
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
	ErrNotifyUnsupported      = errors.New("ble: notify not supported")
	ErrNotConnected           = errors.New("ble: peripheral not connected")
	ErrUnsupported            = errors.New("ble: operation not supported")
)

// EventKind identifies an asynchronous transport event.
type EventKind int

const (
	EventDiscovered EventKind = iota
	EventScanStopped
	EventConnected
	EventDisconnected
	EventValueUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventDiscovered:
		return "discovered"
	case EventScanStopped:
		return "scan-stopped"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventValueUpdated:
		return "value-updated"
	default:
		return "unknown"
	}
}

// Event is emitted by a Transport. Fields not relevant to Kind are zero.
type Event struct {
	Kind             EventKind
	PeripheralID     string
	Name             string // Discovered only; empty when not advertised
	RSSI             int    // Discovered only
	ServiceID        string // ValueUpdated only
	CharacteristicID string // ValueUpdated only
	Value            []byte // ValueUpdated only; owned by the receiver
	Time             time.Time
}

// EventHandler receives transport events. Handlers must not block.
type EventHandler func(Event)

// ScanOptions configures a discovery scan.
type ScanOptions struct {
	ServiceUUIDs    []string      // empty matches every advertisement
	Duration        time.Duration // how long the scan runs
	AllowDuplicates bool          // report repeated advertisements
}

// ConnectOptions configures a connection attempt.
type ConnectOptions struct {
	AutoConnect bool // let the stack re-establish the link when it drops
}

// Characteristic describes a discovered GATT characteristic.
type Characteristic struct {
	UUID   string
	Notify bool
}

// ServiceMap maps a service UUID to its characteristics.
type ServiceMap map[string][]Characteristic

// Has reports whether the service exposes the characteristic.
func (m ServiceMap) Has(serviceID, charID string) bool {
	for _, c := range m[NormalizeUUID(serviceID)] {
		if c.UUID == NormalizeUUID(charID) {
			return true
		}
	}
	return false
}

// ServiceOf returns the service exposing charID, if any.
func (m ServiceMap) ServiceOf(charID string) (string, bool) {
	charID = NormalizeUUID(charID)
	for svc, chars := range m {
		for _, c := range chars {
			if c.UUID == charID {
				return svc, true
			}
		}
	}
	return "", false
}

// Transport abstracts the native BLE stack for testing.
type Transport interface {
	// Enable powers on the adapter. Must be called before any other method.
	Enable(ctx context.Context) error
	// Listen registers h for every subsequent event. The returned func
	// removes the registration and is safe to call more than once.
	Listen(h EventHandler) (release func())
	// Scan runs for opts.Duration or until ctx is done, emitting
	// EventDiscovered per result and a final EventScanStopped.
	Scan(ctx context.Context, opts ScanOptions) error
	// Connect establishes a link to the peripheral.
	Connect(ctx context.Context, id string, opts ConnectOptions) error
	// CreateBond pairs with a connected peripheral.
	CreateBond(ctx context.Context, id string) error
	// RetrieveServices discovers the GATT database of a connected peripheral.
	RetrieveServices(ctx context.Context, id string) (ServiceMap, error)
	// ReadRSSI returns the current signal strength in dBm.
	ReadRSSI(ctx context.Context, id string) (int, error)
	// StartNotification enables notifications; values arrive as
	// EventValueUpdated.
	StartNotification(ctx context.Context, id, serviceID, charID string) error
	// Disconnect terminates the link.
	Disconnect(ctx context.Context, id string) error
}

// baseUUIDSuffix completes 16-bit and 32-bit assigned numbers into the
// Bluetooth base UUID.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID returns the lowercase dashed 128-bit form of s so keys
// compare equal whatever form configuration or the stack used. 16-bit and
// 32-bit short forms are expanded against the Bluetooth base UUID. Input
// that is not a UUID is only trimmed and lowercased.
func NormalizeUUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch len(s) {
	case 4:
		if isHex(s) {
			return "0000" + s + baseUUIDSuffix
		}
	case 8:
		if isHex(s) {
			return s + baseUUIDSuffix
		}
	}
	if u, err := uuid.Parse(s); err == nil {
		return u.String()
	}
	return s
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
