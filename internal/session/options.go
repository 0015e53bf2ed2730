package session

import (
	"time"

	"github.com/chaz8081/blegate/internal/ble"
)

// SubscribePolicy decides how subscription failures affect Ready.
type SubscribePolicy int

const (
	// PolicyPartial reaches Ready when at least one core characteristic
	// subscribed; failed ones can be retried with Resubscribe.
	PolicyPartial SubscribePolicy = iota
	// PolicyStrict fails the connection on any subscription failure.
	PolicyStrict
)

func (p SubscribePolicy) String() string {
	if p == PolicyStrict {
		return "strict"
	}
	return "partial"
}

// CharacteristicRef names a characteristic to subscribe to after discovery.
type CharacteristicRef struct {
	ServiceID        string
	CharacteristicID string
	// Core marks characteristics that must subscribe for PolicyPartial to
	// reach Ready. When no ref is marked, every ref counts as core.
	Core bool
}

// Options configures the Manager.
type Options struct {
	RequireBond     bool
	AutoConnect     bool
	ReadRSSI        bool // read signal strength after service discovery
	Subscriptions   []CharacteristicRef
	SubscribePolicy SubscribePolicy

	ConnectTimeout    time.Duration
	BondTimeout       time.Duration
	DiscoveryTimeout  time.Duration
	SubscribeTimeout  time.Duration
	DisconnectTimeout time.Duration

	// Service discovery is retried while the stack reports busy, waiting
	// DiscoveryBackoff << attempt between tries.
	DiscoveryRetries int
	DiscoveryBackoff time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		RequireBond:       true,
		AutoConnect:       true,
		ReadRSSI:          true,
		SubscribePolicy:   PolicyPartial,
		ConnectTimeout:    10 * time.Second,
		BondTimeout:       30 * time.Second,
		DiscoveryTimeout:  10 * time.Second,
		SubscribeTimeout:  5 * time.Second,
		DisconnectTimeout: 5 * time.Second,
		DiscoveryRetries:  3,
		DiscoveryBackoff:  300 * time.Millisecond,
	}
}

// withDefaults fills zero durations from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.BondTimeout <= 0 {
		o.BondTimeout = d.BondTimeout
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = d.SubscribeTimeout
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = d.DisconnectTimeout
	}
	if o.DiscoveryRetries < 0 {
		o.DiscoveryRetries = 0
	}
	if o.DiscoveryBackoff <= 0 {
		o.DiscoveryBackoff = d.DiscoveryBackoff
	}
	refs := make([]CharacteristicRef, len(o.Subscriptions))
	for i, r := range o.Subscriptions {
		refs[i] = CharacteristicRef{
			ServiceID:        ble.NormalizeUUID(r.ServiceID),
			CharacteristicID: ble.NormalizeUUID(r.CharacteristicID),
			Core:             r.Core,
		}
	}
	o.Subscriptions = refs
	return o
}

// coreRefs reports which refs count as core.
func (o Options) coreRefs() []bool {
	core := make([]bool, len(o.Subscriptions))
	marked := false
	for i, r := range o.Subscriptions {
		core[i] = r.Core
		marked = marked || r.Core
	}
	if !marked {
		for i := range core {
			core[i] = true
		}
	}
	return core
}

// maxBackoffShift caps the shift so the delay cannot overflow.
const maxBackoffShift = 16

// backoffDelay returns the wait before retry attempt n (0-based).
func backoffDelay(attempt int, base time.Duration) time.Duration {
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	return base << uint(attempt)
}
