// Package display keeps what a status screen shows: each peripheral's
// connection state and the latest decoded value per characteristic.
package display

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/blegate/internal/router"
	"github.com/chaz8081/blegate/internal/session"
)

// Source publishes session state changes.
type Source interface {
	Watch(fn session.StateListener) (release func())
}

// Value is the latest payload seen on one characteristic.
type Value struct {
	ServiceID        string    `json:"service"`
	CharacteristicID string    `json:"characteristic"`
	Text             string    `json:"text"`
	Received         time.Time `json:"received"`
}

// Entry is one row of the board.
type Entry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	RSSI      *int      `json:"rssi,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Values    []Value   `json:"values,omitempty"`
}

type row struct {
	entry  Entry
	values map[string]Value
}

// Board collects state changes and decoded notifications.
type Board struct {
	r    *router.Router
	refs []session.CharacteristicRef

	mu      sync.RWMutex
	rows    map[string]*row
	handles map[string][]router.Handle
	release func()
}

// New creates a board that subscribes to refs on every peripheral it sees
// start connecting.
func New(r *router.Router, refs []session.CharacteristicRef) *Board {
	return &Board{
		r:       r,
		refs:    refs,
		rows:    make(map[string]*row),
		handles: make(map[string][]router.Handle),
	}
}

// Attach starts following src. Call Close to detach.
func (b *Board) Attach(src Source) {
	release := src.Watch(b.onChange)
	b.mu.Lock()
	b.release = release
	b.mu.Unlock()
}

// Close detaches from the source and drops router subscriptions.
func (b *Board) Close() {
	b.mu.Lock()
	release := b.release
	b.release = nil
	handles := b.handles
	b.handles = make(map[string][]router.Handle)
	b.mu.Unlock()

	if release != nil {
		release()
	}
	for _, hs := range handles {
		for _, h := range hs {
			b.r.Unsubscribe(h)
		}
	}
}

func (b *Board) onChange(c session.Change) {
	p := c.Peripheral
	if c.To == session.StateConnecting {
		b.subscribe(p.ID)
	}

	b.mu.Lock()
	rw := b.row(p.ID)
	rw.entry.Name = p.Name
	rw.entry.State = c.To.String()
	rw.entry.UpdatedAt = p.UpdatedAt
	if p.LastRSSI != nil {
		v := *p.LastRSSI
		rw.entry.RSSI = &v
	}
	rw.entry.Error = ""
	if c.Err != nil {
		rw.entry.Error = c.Err.Error()
	}
	b.mu.Unlock()

	slog.Debug("[DISPLAY] state", "id", p.ID, "name", p.Name, "state", c.To.String())
}

// subscribe replaces the router subscriptions for id. Disconnects drop
// routes in the router, so they are renewed on every attempt.
func (b *Board) subscribe(id string) {
	if b.r == nil {
		return
	}
	b.mu.Lock()
	old := b.handles[id]
	delete(b.handles, id)
	b.mu.Unlock()
	for _, h := range old {
		b.r.Unsubscribe(h)
	}

	hs := make([]router.Handle, 0, len(b.refs))
	for _, ref := range b.refs {
		key := router.NewKey(id, ref.ServiceID, ref.CharacteristicID)
		hs = append(hs, b.r.Subscribe(key, b.onPayload))
	}
	b.mu.Lock()
	b.handles[id] = hs
	b.mu.Unlock()
}

func (b *Board) onPayload(p router.Payload) error {
	slog.Info("[DISPLAY] received value", "id", p.Key.PeripheralID, "characteristic", p.Key.CharacteristicID, "value", p.Text, "at", p.Time.Format(time.TimeOnly))

	b.mu.Lock()
	defer b.mu.Unlock()
	rw := b.row(p.Key.PeripheralID)
	rw.values[p.Key.CharacteristicID] = Value{
		ServiceID:        p.Key.ServiceID,
		CharacteristicID: p.Key.CharacteristicID,
		Text:             p.Text,
		Received:         p.Time,
	}
	return nil
}

// row returns the row for id, creating it. Callers hold mu.
func (b *Board) row(id string) *row {
	rw := b.rows[id]
	if rw == nil {
		rw = &row{
			entry:  Entry{ID: id, Name: session.NoName, State: session.StateDiscovered.String()},
			values: make(map[string]Value),
		}
		b.rows[id] = rw
	}
	return rw
}

// Entry returns the board row for id.
func (b *Board) Entry(id string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rw := b.rows[id]
	if rw == nil {
		return Entry{}, false
	}
	return rw.snapshot(), true
}

// Entries returns every row ordered by id.
func (b *Board) Entries() []Entry {
	b.mu.RLock()
	out := make([]Entry, 0, len(b.rows))
	for _, rw := range b.rows {
		out = append(out, rw.snapshot())
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Values returns the latest values for id ordered by characteristic.
func (b *Board) Values(id string) []Value {
	e, _ := b.Entry(id)
	return e.Values
}

func (rw *row) snapshot() Entry {
	e := rw.entry
	if rw.entry.RSSI != nil {
		v := *rw.entry.RSSI
		e.RSSI = &v
	}
	e.Values = make([]Value, 0, len(rw.values))
	for _, v := range rw.values {
		e.Values = append(e.Values, v)
	}
	sort.Slice(e.Values, func(i, j int) bool { return e.Values[i].CharacteristicID < e.Values[j].CharacteristicID })
	return e
}
