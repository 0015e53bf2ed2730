// Package permission asks the platform whether the process may use the
// Bluetooth radio before any scan or connect is issued.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/blegate/internal/ble"
)

// Capability names a platform permission.
type Capability string

const (
	CapScan     Capability = "bluetooth_scan"
	CapConnect  Capability = "bluetooth_connect"
	CapLocation Capability = "location"
)

// All lists every capability the gateway needs.
var All = []Capability{CapScan, CapConnect, CapLocation}

// Gate yields a grant per requested capability.
type Gate interface {
	RequestCapabilities(ctx context.Context, caps []Capability) (map[Capability]bool, error)
}

// ErrDenied matches every DeniedError.
var ErrDenied = errors.New("permission: denied")

// DeniedError lists the capabilities a Gate refused.
type DeniedError struct {
	Denied []Capability
}

func (e *DeniedError) Error() string {
	names := make([]string, len(e.Denied))
	for i, c := range e.Denied {
		names[i] = string(c)
	}
	return "permission: denied: " + strings.Join(names, ", ")
}

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// Require requests caps from g and fails unless every one is granted.
func Require(ctx context.Context, g Gate, caps ...Capability) error {
	grants, err := g.RequestCapabilities(ctx, caps)
	if err != nil {
		return fmt.Errorf("permission: request: %w", err)
	}
	var denied []Capability
	for _, c := range caps {
		if !grants[c] {
			denied = append(denied, c)
		}
	}
	if len(denied) > 0 {
		sort.Slice(denied, func(i, j int) bool { return denied[i] < denied[j] })
		return &DeniedError{Denied: denied}
	}
	slog.Debug("[PERMISSION] granted", "capabilities", caps)
	return nil
}

// StaticGate grants exactly the capabilities set to true.
type StaticGate map[Capability]bool

// AllowAll grants every capability. Used where the OS prompts on first
// radio access instead of exposing a query.
func AllowAll() StaticGate {
	g := make(StaticGate, len(All))
	for _, c := range All {
		g[c] = true
	}
	return g
}

func (g StaticGate) RequestCapabilities(_ context.Context, caps []Capability) (map[Capability]bool, error) {
	out := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		out[c] = g[c]
	}
	return out, nil
}

// BlueZGate grants radio capabilities when the BlueZ controller is powered.
// Location is not gated on Linux.
type BlueZGate struct {
	Adapter string
	// PowerOn switches an unpowered controller on instead of denying.
	PowerOn bool

	dial func() (*dbus.Conn, error)
}

// connectSystemBus adapts the variadic dbus.ConnectSystemBus to the dial signature.
func connectSystemBus() (*dbus.Conn, error) { return dbus.ConnectSystemBus() }

// NewBlueZGate creates a gate for the named controller.
func NewBlueZGate(adapter string, powerOn bool) *BlueZGate {
	return &BlueZGate{Adapter: adapter, PowerOn: powerOn, dial: connectSystemBus}
}

func (g *BlueZGate) RequestCapabilities(ctx context.Context, caps []Capability) (map[Capability]bool, error) {
	out := make(map[Capability]bool, len(caps))
	needRadio := false
	for _, c := range caps {
		switch c {
		case CapLocation:
			out[c] = true
		case CapScan, CapConnect:
			needRadio = true
		}
	}
	if !needRadio {
		return out, nil
	}

	dial := g.dial
	if dial == nil {
		dial = connectSystemBus
	}
	conn, err := dial()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	defer conn.Close()

	powered, err := ble.AdapterPowered(ctx, conn, g.Adapter, g.PowerOn)
	if err != nil {
		return nil, err
	}
	if !powered {
		slog.Warn("[PERMISSION] bluetooth controller is powered off", "adapter", g.Adapter)
	}
	for _, c := range caps {
		if c == CapScan || c == CapConnect {
			out[c] = powered
		}
	}
	return out, nil
}
