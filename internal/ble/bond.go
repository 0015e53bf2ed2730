package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Bonder pairs with a connected peripheral.
type Bonder interface {
	Bond(ctx context.Context, id string) error
}

// OSBonder leaves bonding to the platform stack, which pairs on the first
// encrypted attribute access. Bond always succeeds.
type OSBonder struct{}

func (OSBonder) Bond(context.Context, string) error { return nil }

// BlueZ DBus constants
const (
	bluezBus            = "org.bluez"
	bluezAdapter1       = "org.bluez.Adapter1"
	bluezDevice1        = "org.bluez.Device1"
	dbusPropertiesGet   = "org.freedesktop.DBus.Properties.Get"
	dbusPropertiesSet   = "org.freedesktop.DBus.Properties.Set"
	bluezErrExists      = "org.bluez.Error.AlreadyExists"
	bluezErrInProgress  = "org.bluez.Error.InProgress"
	bluezErrAuthPrefix  = "org.bluez.Error.Authentication"
	bluezErrNotReady    = "org.bluez.Error.NotReady"
	defaultBlueZAdapter = "hci0"
)

// BlueZBonder pairs through org.bluez.Device1.Pair on the system bus.
type BlueZBonder struct {
	adapter string

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewBlueZBonder creates a bonder for the named controller (default hci0).
// The system bus connection is opened lazily on first use.
func NewBlueZBonder(adapter string) *BlueZBonder {
	if adapter == "" {
		adapter = defaultBlueZAdapter
	}
	return &BlueZBonder{adapter: adapter}
}

func (b *BlueZBonder) Bond(ctx context.Context, id string) error {
	conn, err := b.bus()
	if err != nil {
		return fmt.Errorf("ble: bond %s: %w: %v", id, ErrNotEnabled, err)
	}
	obj := conn.Object(bluezBus, DevicePath(b.adapter, id))

	var paired dbus.Variant
	if err := obj.CallWithContext(ctx, dbusPropertiesGet, 0, bluezDevice1, "Paired").Store(&paired); err == nil {
		if v, ok := paired.Value().(bool); ok && v {
			return nil
		}
	}

	call := obj.CallWithContext(ctx, bluezDevice1+".Pair", 0)
	if call.Err == nil {
		return nil
	}
	return classifyBlueZError(id, call.Err)
}

// Close releases the system bus connection.
func (b *BlueZBonder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

func (b *BlueZBonder) bus() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil && b.conn.Connected() {
		return b.conn, nil
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	b.conn = conn
	return conn, nil
}

func classifyBlueZError(id string, err error) error {
	name, ok := dbusErrorName(err)
	if !ok {
		return fmt.Errorf("ble: bond %s: %w", id, err)
	}
	switch {
	case name == bluezErrExists:
		return nil
	case name == bluezErrInProgress:
		return fmt.Errorf("ble: bond %s: %w", id, ErrBusy)
	case name == bluezErrNotReady:
		return fmt.Errorf("ble: bond %s: %w", id, ErrNotEnabled)
	case strings.HasPrefix(name, bluezErrAuthPrefix):
		return fmt.Errorf("ble: bond %s: %w: %s", id, ErrBondRejected, name)
	default:
		return fmt.Errorf("ble: bond %s: %s", id, err.Error())
	}
}

// dbusErrorName extracts the D-Bus error name; godbus has returned both
// value and pointer forms across releases.
// stackError prefixes err with op. Replies meaning the stack is still busy
// with an earlier request also wrap ErrBusy.
func stackError(op string, err error) error {
	if isBusy(err) {
		return fmt.Errorf("ble: %s: %w: %v", op, ErrBusy, err)
	}
	return fmt.Errorf("ble: %s: %w", op, err)
}

func isBusy(err error) bool {
	if errors.Is(err, ErrBusy) {
		return true
	}
	if name, ok := dbusErrorName(err); ok && name == bluezErrInProgress {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "in progress") || strings.Contains(msg, "busy")
}

func dbusErrorName(err error) (string, bool) {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name, true
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name, true
	}
	return "", false
}

// DevicePath returns the BlueZ object path for a device address on the
// given controller, e.g. /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func DevicePath(adapter, mac string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + strings.ToUpper(strings.ReplaceAll(mac, ":", "_")))
}

// AdapterPath returns the BlueZ object path for a controller.
func AdapterPath(adapter string) dbus.ObjectPath {
	if adapter == "" {
		adapter = defaultBlueZAdapter
	}
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// AdapterPowered reports whether the BlueZ controller is powered. When
// powerOn is set and the controller is off, it is switched on first.
func AdapterPowered(ctx context.Context, conn *dbus.Conn, adapter string, powerOn bool) (bool, error) {
	obj := conn.Object(bluezBus, AdapterPath(adapter))
	var powered dbus.Variant
	if err := obj.CallWithContext(ctx, dbusPropertiesGet, 0, bluezAdapter1, "Powered").Store(&powered); err != nil {
		return false, fmt.Errorf("ble: read %s power state: %w", adapter, err)
	}
	if on, _ := powered.Value().(bool); on || !powerOn {
		return on, nil
	}
	if err := obj.CallWithContext(ctx, dbusPropertiesSet, 0, bluezAdapter1, "Powered", dbus.MakeVariant(true)).Err; err != nil {
		return false, fmt.Errorf("ble: power on %s: %w", adapter, err)
	}
	return true, nil
}
