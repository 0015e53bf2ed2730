package session

import (
	"time"

	"github.com/chaz8081/blegate/internal/ble"
)

// NoName is reported for peripherals that did not advertise a name.
const NoName = "NO NAME"

// State is a peripheral's position in the connection lifecycle.
type State int

const (
	StateDiscovered State = iota
	StateConnecting
	StateConnected
	StateBonding
	StateBonded
	StateSubscribing
	StateReady
	StateDisconnecting
	StateDisconnected
	StateFailed
)

var stateNames = [...]string{
	StateDiscovered:    "Discovered",
	StateConnecting:    "Connecting",
	StateConnected:     "Connected",
	StateBonding:       "Bonding",
	StateBonded:        "Bonded",
	StateSubscribing:   "Subscribing",
	StateReady:         "Ready",
	StateDisconnecting: "Disconnecting",
	StateDisconnected:  "Disconnected",
	StateFailed:        "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether s ends a connection attempt.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// inProgress reports whether a connect or disconnect sequence is running.
func (s State) inProgress() bool {
	switch s {
	case StateConnecting, StateConnected, StateBonding, StateBonded, StateSubscribing, StateDisconnecting:
		return true
	}
	return false
}

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateDiscovered:    {StateConnecting},
	StateConnecting:    {StateConnected, StateFailed, StateDisconnecting, StateDisconnected},
	StateConnected:     {StateBonding, StateSubscribing, StateFailed, StateDisconnecting, StateDisconnected},
	StateBonding:       {StateBonded, StateFailed, StateDisconnecting, StateDisconnected},
	StateBonded:        {StateSubscribing, StateFailed, StateDisconnecting, StateDisconnected},
	StateSubscribing:   {StateReady, StateFailed, StateDisconnecting, StateDisconnected},
	StateReady:         {StateDisconnecting, StateDisconnected},
	StateDisconnecting: {StateDisconnected, StateFailed},
	StateDisconnected:  {StateConnecting},
	StateFailed:        {StateConnecting, StateDisconnecting, StateDisconnected},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Subscription is a characteristic currently notifying.
type Subscription struct {
	ServiceID        string
	CharacteristicID string
}

// Peripheral is a read-only snapshot of one peripheral's session.
type Peripheral struct {
	ID            string
	Name          string
	State         State
	LastRSSI      *int
	Subscriptions []Subscription
	Services      ble.ServiceMap
	LastError     error
	UpdatedAt     time.Time
}

// Subscribed reports whether charID is in the snapshot's subscriptions.
func (p Peripheral) Subscribed(charID string) bool {
	charID = ble.NormalizeUUID(charID)
	for _, s := range p.Subscriptions {
		if s.CharacteristicID == charID {
			return true
		}
	}
	return false
}

// Change describes one state transition.
type Change struct {
	Peripheral Peripheral // snapshot after the transition
	From       State
	To         State
	Err        error // set when To is Failed
}
