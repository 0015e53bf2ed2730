// Package session drives BLE peripherals through connect, bond, service
// discovery and notification subscription, and tracks their lifecycle.
//
// Each peripheral is owned by an actor goroutine that applies every state
// transition for its id in order. Transport calls run in job goroutines
// that post their results back to the actor tagged with a generation
// number; a disconnect bumps the generation so results from the superseded
// sequence are discarded. Different peripherals proceed concurrently.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/blegate/internal/ble"
	"github.com/chaz8081/blegate/internal/router"
)

// StateListener is called after a state transition. Listeners for one
// peripheral are called in transition order from a single goroutine and
// may call back into the Manager.
type StateListener func(Change)

type listener struct {
	id int
	fn StateListener
}

// Manager owns the session registry.
type Manager struct {
	transport ble.Transport
	router    *router.Router
	opts      Options

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	release func()

	// mu protects peers and closed.
	mu     sync.RWMutex
	peers  map[string]*peripheral
	closed bool

	// lmu protects listeners, watchers and nextListener.
	lmu          sync.Mutex
	listeners    map[string][]listener
	watchers     []listener
	nextListener int

	changes     *mailbox[Change]
	changesDone chan struct{}

	// scans numbers Scan calls; discoveries are tagged with it.
	scans atomic.Uint64

	jobs sync.WaitGroup
}

// New creates a Manager. Notifications received from the transport are
// handed to r; r may be nil when no routing is needed.
func New(t ble.Transport, r *router.Router, opts Options) *Manager {
	return &Manager{
		transport:   t,
		router:      r,
		opts:        opts.withDefaults(),
		peers:       make(map[string]*peripheral),
		listeners:   make(map[string][]listener),
		changes:     newMailbox[Change](),
		changesDone: make(chan struct{}),
	}
}

// Start enables the transport and begins consuming its events. The Manager
// stops when ctx is done or Close is called.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.release = m.transport.Listen(m.handleEvent)
	go m.deliverChanges()

	if err := m.transport.Enable(m.ctx); err != nil {
		return classify("enable", "", err)
	}
	slog.Info("[SESSION] manager started", "require_bond", m.opts.RequireBond, "policy", m.opts.SubscribePolicy.String(), "subscriptions", len(m.opts.Subscriptions))
	return nil
}

// Close cancels in-flight operations, stops every actor and waits for them
// to exit. Pending commands fail with ErrTransportUnavailable.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	peers := make([]*peripheral, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	if !m.started.Load() {
		return
	}

	// Queue shutdown ahead of any result the cancelled jobs post.
	for _, p := range peers {
		p.box.push(p.shutdown)
		p.box.close()
	}
	m.cancel()
	m.release()
	for _, p := range peers {
		<-p.done
	}
	m.jobs.Wait()
	m.changes.close()
	<-m.changesDone
	slog.Info("[SESSION] manager closed")
}

// Connect drives the peripheral to Ready and returns once it is Ready or
// the attempt failed. It returns nil immediately when already Ready and
// ErrAlreadyInProgress while another sequence is running.
func (m *Manager) Connect(ctx context.Context, id string) error {
	return m.call(ctx, opConnect, id, true, func(p *peripheral, reply chan<- error) {
		p.connect(reply)
	})
}

// Disconnect tears the link down. It is a no-op for peripherals that are
// not linked, and supersedes an in-flight Connect.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	return m.call(ctx, opDisconnect, id, false, func(p *peripheral, reply chan<- error) {
		p.disconnect(reply)
	})
}

// Resubscribe retries notification subscription for one characteristic.
// The peripheral must be Ready or Bonded.
func (m *Manager) Resubscribe(ctx context.Context, id, charID string) error {
	return m.call(ctx, opResubscribe, id, false, func(p *peripheral, reply chan<- error) {
		p.resubscribe(ble.NormalizeUUID(charID), reply)
	})
}

// CurrentState returns a snapshot of the peripheral. Unknown peripherals
// are reported as Disconnected. It never blocks on in-flight operations.
func (m *Manager) CurrentState(id string) Peripheral {
	m.mu.RLock()
	p := m.peers[id]
	m.mu.RUnlock()
	if p == nil {
		return Peripheral{ID: id, State: StateDisconnected}
	}
	return *p.snap.Load()
}

// List returns snapshots of every tracked peripheral ordered by id.
func (m *Manager) List() []Peripheral {
	m.mu.RLock()
	out := make([]Peripheral, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p.snap.Load())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnStateChange registers fn for transitions of one peripheral. The
// registration survives the peripheral leaving the registry. Call the
// returned func to remove it.
func (m *Manager) OnStateChange(id string, fn StateListener) (release func()) {
	m.lmu.Lock()
	l := listener{id: m.nextListener, fn: fn}
	m.nextListener++
	m.listeners[id] = append(m.listeners[id], l)
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			defer m.lmu.Unlock()
			m.listeners[id] = without(m.listeners[id], l.id)
			if len(m.listeners[id]) == 0 {
				delete(m.listeners, id)
			}
		})
	}
}

// Watch registers fn for transitions of every peripheral.
func (m *Manager) Watch(fn StateListener) (release func()) {
	m.lmu.Lock()
	l := listener{id: m.nextListener, fn: fn}
	m.nextListener++
	m.watchers = append(m.watchers, l)
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			defer m.lmu.Unlock()
			m.watchers = without(m.watchers, l.id)
		})
	}
}

func without(ls []listener, id int) []listener {
	out := make([]listener, 0, len(ls))
	for _, l := range ls {
		if l.id != id {
			out = append(out, l)
		}
	}
	return out
}

// Scan runs one discovery scan. Discovered peripherals enter the registry
// as Discovered. When the scan completes, Discovered entries it did not
// see are evicted; entries that were ever linked stay.
func (m *Manager) Scan(ctx context.Context, opts ble.ScanOptions) error {
	if !m.started.Load() || m.isClosed() {
		return &Error{Kind: KindTransportUnavailable, Op: opScan, Detail: "manager not running"}
	}
	scan := m.scans.Add(1)
	slog.Info("[SESSION] scan started", "services", opts.ServiceUUIDs, "duration", opts.Duration)
	if err := m.transport.Scan(ctx, opts); err != nil {
		return classify(opScan, "", err)
	}
	// An interrupted scan says nothing about what is out of range.
	if ctx.Err() == nil {
		m.evictUnseen(scan)
	}
	return nil
}

// evictUnseen queues eviction of Discovered entries not seen by scan. The
// check runs on each actor after the discoveries already queued there.
func (m *Manager) evictUnseen(scan uint64) {
	m.mu.RLock()
	peers := make([]*peripheral, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.RUnlock()
	for _, p := range peers {
		p.box.push(func() { p.evictIfUnseen(scan) })
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// handleEvent runs on the transport's callback path and must not block.
func (m *Manager) handleEvent(ev ble.Event) {
	switch ev.Kind {
	case ble.EventDiscovered:
		if p := m.lookup(ev.PeripheralID, true); p != nil {
			scan := m.scans.Load()
			p.box.push(func() { p.discovered(ev.Name, ev.RSSI, scan) })
		}
	case ble.EventDisconnected:
		if p := m.lookup(ev.PeripheralID, false); p != nil {
			p.box.push(p.linkLost)
		}
	case ble.EventConnected:
		slog.Debug("[SESSION] link up", "id", ev.PeripheralID)
	case ble.EventValueUpdated:
		slog.Debug("[SESSION] value", "id", ev.PeripheralID, "characteristic", ev.CharacteristicID, "bytes", len(ev.Value))
		if m.router != nil {
			m.router.Enqueue(router.FromEvent(ev))
		}
	case ble.EventScanStopped:
		slog.Debug("[SESSION] scan stopped")
	}
}

// errRetired tells call that the actor left the registry before running
// the command and the lookup must be repeated.
var errRetired = errors.New("session: peripheral retired")

// call runs cmd on the actor for id and waits for its reply. When create is
// false and the peripheral is unknown, Disconnect succeeds trivially and
// other commands fail with ErrNotReady.
func (m *Manager) call(ctx context.Context, op, id string, create bool, cmd func(*peripheral, chan<- error)) error {
	if !m.started.Load() {
		return &Error{Kind: KindTransportUnavailable, Op: op, PeripheralID: id, Detail: "manager not started"}
	}
	for {
		if m.isClosed() {
			return &Error{Kind: KindTransportUnavailable, Op: op, PeripheralID: id, Detail: "manager closed"}
		}
		p := m.lookup(id, create)
		if p == nil {
			if op == opDisconnect {
				return nil
			}
			return &Error{Kind: KindNotReady, Op: op, PeripheralID: id, Detail: "peripheral not connected"}
		}

		reply := make(chan error, 1)
		ok := p.box.push(func() {
			if p.retired {
				reply <- errRetired
				return
			}
			cmd(p, reply)
		})
		if !ok {
			continue
		}

		select {
		case err := <-reply:
			if errors.Is(err, errRetired) {
				continue
			}
			return err
		case <-ctx.Done():
			return classify(op, id, ctx.Err())
		}
	}
}

// lookup returns the actor for id, creating it when create is set.
func (m *Manager) lookup(id string, create bool) *peripheral {
	m.mu.RLock()
	p := m.peers[id]
	closed := m.closed
	m.mu.RUnlock()
	if p != nil || !create || closed {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if p = m.peers[id]; p != nil {
		return p
	}
	p = newPeripheral(m, id)
	m.peers[id] = p
	go p.run()
	return p
}

// retire removes p from the registry and drops its routes. Called from
// p's actor.
func (m *Manager) retire(p *peripheral) {
	m.forget(p)
	if m.router != nil {
		m.router.RemovePeripheral(p.id)
	}
	slog.Debug("[SESSION] peripheral removed from registry", "id", p.id)
}

// forget removes p from the registry and stops its actor once the queued
// commands have drained. Called from p's actor.
func (m *Manager) forget(p *peripheral) {
	m.mu.Lock()
	if m.peers[p.id] == p {
		delete(m.peers, p.id)
	}
	m.mu.Unlock()
	p.retired = true
	p.box.close()
}

// goJob runs fn in a tracked goroutine.
func (m *Manager) goJob(fn func()) {
	m.jobs.Add(1)
	go func() {
		defer m.jobs.Done()
		fn()
	}()
}

func (m *Manager) publish(c Change) {
	m.changes.push(c)
}

func (m *Manager) deliverChanges() {
	defer close(m.changesDone)
	for {
		c, ok := m.changes.pop()
		if !ok {
			return
		}
		m.lmu.Lock()
		targets := make([]StateListener, 0, len(m.watchers)+len(m.listeners[c.Peripheral.ID]))
		for _, l := range m.listeners[c.Peripheral.ID] {
			targets = append(targets, l.fn)
		}
		for _, l := range m.watchers {
			targets = append(targets, l.fn)
		}
		m.lmu.Unlock()

		for _, fn := range targets {
			notify(fn, c)
		}
	}
}

func notify(fn StateListener, c Change) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[SESSION] state listener panicked", "id", c.Peripheral.ID, "panic", rec)
		}
	}()
	fn(c)
}
