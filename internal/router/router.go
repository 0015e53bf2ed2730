// Package router fans inbound characteristic notifications out to
// subscribers keyed by (peripheral, service, characteristic).
//
// The subscription table is copy-on-write: writers serialize on a mutex and
// publish a new table, dispatch reads the current table without locking.
// Enqueue hands notifications to a single delivery goroutine so the
// transport's callback path never waits on consumers, and notifications are
// delivered in arrival order.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/blegate/internal/ble"
)

// Key identifies a notifying characteristic on a peripheral.
type Key struct {
	PeripheralID     string
	ServiceID        string
	CharacteristicID string
}

// NewKey builds a Key with service and characteristic UUIDs normalized.
func NewKey(peripheralID, serviceID, charID string) Key {
	return Key{
		PeripheralID:     peripheralID,
		ServiceID:        ble.NormalizeUUID(serviceID),
		CharacteristicID: ble.NormalizeUUID(charID),
	}
}

func (k Key) String() string {
	return k.PeripheralID + "/" + k.ServiceID + "/" + k.CharacteristicID
}

// Notification is one characteristic value pushed by a peripheral. It is
// consumed once by the router and not retained afterwards.
type Notification struct {
	Key
	Value []byte
	Time  time.Time
}

// FromEvent converts a transport value event.
func FromEvent(ev ble.Event) Notification {
	return Notification{
		Key:   NewKey(ev.PeripheralID, ev.ServiceID, ev.CharacteristicID),
		Value: ev.Value,
		Time:  ev.Time,
	}
}

// Payload is a decoded notification.
type Payload struct {
	Key
	Text string
	Time time.Time
}

// Consumer receives decoded payloads. A returned error is logged and does
// not affect other consumers.
type Consumer func(Payload) error

// RawConsumer receives the undecoded notification. Value must not be
// modified; it is shared by every raw consumer of the key.
type RawConsumer func(Notification) error

// Handle identifies a subscription for Unsubscribe.
type Handle struct {
	ID  uuid.UUID
	Key Key
}

type subscriber struct {
	id      uuid.UUID
	decoded Consumer
	raw     RawConsumer
}

type table map[Key][]subscriber

// Router routes notifications to subscribers.
type Router struct {
	mu    sync.Mutex // serializes table writers
	table atomic.Pointer[table]

	qmu     sync.Mutex
	pending []Notification
	wake    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// New creates an empty router. Call Start before relying on Enqueue.
func New() *Router {
	r := &Router{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	empty := make(table)
	r.table.Store(&empty)
	return r
}

// Subscribe registers a consumer of decoded payloads for key.
func (r *Router) Subscribe(key Key, c Consumer) Handle {
	return r.add(key, subscriber{id: uuid.New(), decoded: c})
}

// SubscribeRaw registers a consumer of undecoded bytes for key.
func (r *Router) SubscribeRaw(key Key, c RawConsumer) Handle {
	return r.add(key, subscriber{id: uuid.New(), raw: c})
}

func (r *Router) add(key Key, s subscriber) Handle {
	key = NewKey(key.PeripheralID, key.ServiceID, key.CharacteristicID)

	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cloneTable()
	next[key] = append(next[key], s)
	r.table.Store(&next)
	return Handle{ID: s.id, Key: key}
}

// Unsubscribe removes the subscription. It reports whether it was present.
func (r *Router) Unsubscribe(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.table.Load()
	subs := cur[h.Key]
	for i, s := range subs {
		if s.id != h.ID {
			continue
		}
		next := r.cloneTable()
		rest := make([]subscriber, 0, len(subs)-1)
		rest = append(rest, subs[:i]...)
		rest = append(rest, subs[i+1:]...)
		if len(rest) == 0 {
			delete(next, h.Key)
		} else {
			next[h.Key] = rest
		}
		r.table.Store(&next)
		return true
	}
	return false
}

// RemovePeripheral drops every subscription for the peripheral and returns
// how many were removed.
func (r *Router) RemovePeripheral(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.cloneTable()
	removed := 0
	for k, subs := range next {
		if k.PeripheralID == id {
			removed += len(subs)
			delete(next, k)
		}
	}
	if removed > 0 {
		r.table.Store(&next)
	}
	return removed
}

// Subscribers returns the number of subscriptions registered for key.
func (r *Router) Subscribers(key Key) int {
	key = NewKey(key.PeripheralID, key.ServiceID, key.CharacteristicID)
	return len((*r.table.Load())[key])
}

// cloneTable copies the current table; slices are shared because writers
// never modify a published slice in place. Caller holds r.mu.
func (r *Router) cloneTable() table {
	cur := *r.table.Load()
	next := make(table, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

// Dispatch delivers n synchronously to every subscriber of its key, in
// subscription order, and returns how many consumers accepted it.
func (r *Router) Dispatch(n Notification) int {
	n.Key = NewKey(n.PeripheralID, n.ServiceID, n.CharacteristicID)
	subs := (*r.table.Load())[n.Key]
	if len(subs) == 0 {
		slog.Debug("[ROUTER] no subscribers", "key", n.Key.String())
		return 0
	}

	var payload *Payload
	ok := 0
	for _, s := range subs {
		var err error
		if s.raw != nil {
			err = safeCall(func() error { return s.raw(n) })
		} else {
			if payload == nil {
				payload = &Payload{Key: n.Key, Text: Decode(n.Value), Time: n.Time}
			}
			p := *payload
			err = safeCall(func() error { return s.decoded(p) })
		}
		if err != nil {
			r.failed.Add(1)
			slog.Warn("[ROUTER] consumer failed", "key", n.Key.String(), "subscription", s.id.String(), "error", err)
			continue
		}
		ok++
	}
	r.delivered.Add(uint64(ok))
	return ok
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("router: consumer panic: %v", rec)
		}
	}()
	return fn()
}

// Enqueue queues n for the delivery goroutine. It never blocks and never
// drops; notifications are delivered in the order they were enqueued.
func (r *Router) Enqueue(n Notification) {
	r.qmu.Lock()
	r.pending = append(r.pending, n)
	r.qmu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start launches the delivery goroutine. It stops when ctx is done or Close
// is called. Calling Start more than once has no effect.
func (r *Router) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		go r.run(ctx)
	})
}

func (r *Router) run(ctx context.Context) {
	defer close(r.done)
	for {
		r.drain()
		select {
		case <-r.wake:
		case <-r.stop:
			r.drain()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) drain() {
	for {
		r.qmu.Lock()
		batch := r.pending
		r.pending = nil
		r.qmu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, n := range batch {
			r.Dispatch(n)
		}
	}
}

// Close delivers anything still queued and stops the delivery goroutine.
func (r *Router) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.startOnce.Do(func() {
		r.drain()
		close(r.done)
	})
	<-r.done
}

// Stats returns the number of successful and failed consumer deliveries.
func (r *Router) Stats() (delivered, failed uint64) {
	return r.delivered.Load(), r.failed.Load()
}

// Decode maps each byte to the character with the same code point
// (U+0000 to U+00FF). It does no multi-byte decoding; consumers that need
// the exact bytes subscribe with SubscribeRaw.
func Decode(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}
