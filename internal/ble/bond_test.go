package ble

import (
	"context"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestDevicePath(t *testing.T) {
	got := DevicePath("hci0", "e8:6b:ea:cf:c6:e2")
	want := dbus.ObjectPath("/org/bluez/hci0/dev_E8_6B_EA_CF_C6_E2")
	if got != want {
		t.Errorf("DevicePath() = %q, want %q", got, want)
	}
	if !got.IsValid() {
		t.Errorf("DevicePath() = %q is not a valid object path", got)
	}
}

func TestAdapterPathDefault(t *testing.T) {
	if got := AdapterPath(""); got != "/org/bluez/hci0" {
		t.Errorf("AdapterPath(\"\") = %q, want /org/bluez/hci0", got)
	}
}

func TestStackErrorMarksBusy(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantBusy bool
	}{
		{"bluez in progress", dbus.Error{Name: "org.bluez.Error.InProgress"}, true},
		{"bluez in progress pointer", &dbus.Error{Name: "org.bluez.Error.InProgress"}, true},
		{"in progress text", errors.New("Operation already in progress"), true},
		{"busy text", errors.New("device or resource busy"), true},
		{"already busy", ErrBusy, true},
		{"bluez failed", dbus.Error{Name: "org.bluez.Error.Failed", Body: []any{"Software caused connection abort"}}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stackError("discover services", tt.err)
			if errors.Is(got, ErrBusy) != tt.wantBusy {
				t.Errorf("stackError() = %v, busy = %v, want %v", got, !tt.wantBusy, tt.wantBusy)
			}
		})
	}
}

func TestClassifyBlueZError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    error
		wantNil bool
	}{
		{"already paired", dbus.Error{Name: "org.bluez.Error.AlreadyExists"}, nil, true},
		{"rejected", dbus.Error{Name: "org.bluez.Error.AuthenticationRejected"}, ErrBondRejected, false},
		{"canceled", &dbus.Error{Name: "org.bluez.Error.AuthenticationCanceled"}, ErrBondRejected, false},
		{"in progress", dbus.Error{Name: "org.bluez.Error.InProgress"}, ErrBusy, false},
		{"not ready", dbus.Error{Name: "org.bluez.Error.NotReady"}, ErrNotEnabled, false},
		{"plain", errors.New("boom"), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyBlueZError("AA:BB:CC:DD:EE:FF", tt.err)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("classifyBlueZError() = %v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("classifyBlueZError() = nil, want error")
			}
			if tt.want != nil && !errors.Is(got, tt.want) {
				t.Errorf("classifyBlueZError() = %v, want wrapping %v", got, tt.want)
			}
		})
	}
}

func TestOSBonderAlwaysSucceeds(t *testing.T) {
	if err := (OSBonder{}).Bond(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Errorf("Bond() error = %v", err)
	}
}
