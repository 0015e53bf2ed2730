package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chaz8081/blegate/internal/ble"
)

// peripheral is the actor owning one registry entry. Fields below snap are
// only touched from run.
type peripheral struct {
	id   string
	m    *Manager
	box  *mailbox[func()]
	done chan struct{}
	snap atomic.Pointer[Peripheral]

	state    State
	name     string
	rssi     *int
	subs     []Subscription
	services ble.ServiceMap
	lastErr  error
	retired  bool
	seenScan uint64 // last scan that reported the peripheral

	gen    uint64
	cancel context.CancelFunc

	connectWaiters    []chan<- error
	disconnectWaiters []chan<- error
	resubReply        chan<- error
}

func newPeripheral(m *Manager, id string) *peripheral {
	p := &peripheral{
		id:    id,
		m:     m,
		box:   newMailbox[func()](),
		done:  make(chan struct{}),
		state: StateDiscovered,
		name:  NoName,
	}
	p.store()
	return p
}

func (p *peripheral) run() {
	defer close(p.done)
	for {
		fn, ok := p.box.pop()
		if !ok {
			return
		}
		fn()
	}
}

// post queues fn on the actor if gen is still current when it runs.
func (p *peripheral) post(gen uint64, fn func()) {
	p.box.push(func() {
		if p.retired || gen != p.gen {
			return
		}
		fn()
	})
}

func (p *peripheral) store() {
	snap := Peripheral{
		ID:        p.id,
		Name:      p.name,
		State:     p.state,
		LastError: p.lastErr,
		Services:  p.services,
		UpdatedAt: time.Now(),
	}
	if p.rssi != nil {
		v := *p.rssi
		snap.LastRSSI = &v
	}
	if len(p.subs) > 0 {
		snap.Subscriptions = append([]Subscription(nil), p.subs...)
	}
	p.snap.Store(&snap)
}

// transition moves to next, publishes the snapshot and notifies listeners.
func (p *peripheral) transition(next State, err error) {
	from := p.state
	if !CanTransition(from, next) {
		slog.Error("[SESSION] illegal transition ignored", "id", p.id, "from", from.String(), "to", next.String())
		return
	}
	p.state = next
	if next == StateFailed {
		p.lastErr = err
	} else if next == StateConnecting {
		p.lastErr = nil
	}
	p.store()

	if err != nil {
		slog.Warn("[SESSION] state change", "id", p.id, "from", from.String(), "to", next.String(), "error", err)
	} else {
		slog.Info("[SESSION] state change", "id", p.id, "from", from.String(), "to", next.String())
	}
	p.m.publish(Change{Peripheral: *p.snap.Load(), From: from, To: next, Err: err})
}

// supersede invalidates the running job and any result it may still post.
func (p *peripheral) supersede() {
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.resolveResubscribe(&Error{Kind: KindSuperseded, Op: opResubscribe, PeripheralID: p.id, Detail: "session changed"})
}

func (p *peripheral) discovered(name string, rssi int, scan uint64) {
	if name != "" {
		p.name = name
	}
	p.rssi = &rssi
	if scan > p.seenScan {
		p.seenScan = scan
	}
	p.store()
	slog.Debug("[SESSION] discovered", "id", p.id, "name", p.name, "rssi", rssi)
}

// evictIfUnseen drops an entry that never left Discovered and was not
// reported by scan. Routes registered for it are kept for a later connect.
func (p *peripheral) evictIfUnseen(scan uint64) {
	if p.retired || p.state != StateDiscovered || p.seenScan >= scan {
		return
	}
	p.m.forget(p)
	slog.Debug("[SESSION] evicted stale discovery", "id", p.id, "scan", scan)
}

func (p *peripheral) connect(reply chan<- error) {
	switch {
	case p.state == StateReady:
		reply <- nil
		return
	case p.state.inProgress():
		reply <- newError(KindAlreadyInProgress, opConnect, p.id, "state %s", p.state)
		return
	}

	p.supersede()
	p.subs = nil
	p.transition(StateConnecting, nil)
	p.connectWaiters = append(p.connectWaiters, reply)

	gen := p.gen
	ctx, cancel := context.WithCancel(p.m.ctx)
	p.cancel = cancel
	p.m.goJob(func() { p.connectSequence(ctx, gen) })
}

// advance applies an intermediate transition posted by a job.
func (p *peripheral) advance(gen uint64, next State) {
	p.post(gen, func() { p.transition(next, nil) })
}

// finishConnect resolves the connect sequence started at gen.
func (p *peripheral) finishConnect(gen uint64, subs []Subscription, err error) {
	p.post(gen, func() {
		if p.cancel != nil {
			p.cancel()
			p.cancel = nil
		}
		if err != nil {
			p.transition(StateFailed, err)
		} else {
			// Keep anything Resubscribe added while Bonded.
			for _, s := range p.subs {
				if !containsSub(subs, s.CharacteristicID) {
					subs = append(subs, s)
				}
			}
			p.subs = subs
			p.transition(StateReady, nil)
		}
		p.resolveConnect(err)
	})
}

func containsSub(subs []Subscription, charID string) bool {
	for _, s := range subs {
		if s.CharacteristicID == charID {
			return true
		}
	}
	return false
}

func (p *peripheral) resolveConnect(err error) {
	for _, w := range p.connectWaiters {
		w <- err
	}
	p.connectWaiters = nil
}

func (p *peripheral) resolveDisconnect(err error) {
	for _, w := range p.disconnectWaiters {
		w <- err
	}
	p.disconnectWaiters = nil
}

func (p *peripheral) disconnect(reply chan<- error) {
	switch p.state {
	case StateDisconnected, StateDiscovered:
		reply <- nil
		return
	case StateDisconnecting:
		p.disconnectWaiters = append(p.disconnectWaiters, reply)
		return
	}

	p.supersede()
	p.resolveConnect(&Error{Kind: KindSuperseded, Op: opConnect, PeripheralID: p.id, Detail: "disconnect requested"})
	p.transition(StateDisconnecting, nil)
	p.disconnectWaiters = append(p.disconnectWaiters, reply)

	gen := p.gen
	ctx, cancel := context.WithCancel(p.m.ctx)
	p.cancel = cancel
	p.m.goJob(func() {
		err := p.m.step(ctx, p.m.opts.DisconnectTimeout, func(ctx context.Context) error {
			return p.m.transport.Disconnect(ctx, p.id)
		})
		p.post(gen, func() {
			if p.cancel != nil {
				p.cancel()
				p.cancel = nil
			}
			if err != nil {
				serr := classify(opDisconnect, p.id, err)
				p.transition(StateFailed, serr)
				p.resolveDisconnect(serr)
				return
			}
			p.confirmDisconnect()
		})
	})
}

// confirmDisconnect completes an explicit disconnect and retires the entry.
func (p *peripheral) confirmDisconnect() {
	p.supersede()
	p.subs = nil
	p.transition(StateDisconnected, nil)
	p.m.retire(p)
	p.resolveDisconnect(nil)
}

// linkLost handles a disconnect event from the transport.
func (p *peripheral) linkLost() {
	if p.retired {
		return
	}
	switch p.state {
	case StateDisconnected, StateDiscovered:
		return
	case StateDisconnecting:
		p.confirmDisconnect()
		return
	}

	p.supersede()
	p.resolveConnect(&Error{Kind: KindSuperseded, Op: opConnect, PeripheralID: p.id, Detail: "peripheral disconnected"})
	p.subs = nil
	p.transition(StateDisconnected, nil)
	// The entry stays for reconnects; its routes do not.
	if p.m.router != nil {
		p.m.router.RemovePeripheral(p.id)
	}
}

func (p *peripheral) resubscribe(charID string, reply chan<- error) {
	if p.state != StateReady && p.state != StateBonded {
		reply <- newError(KindNotReady, opResubscribe, p.id, "state %s", p.state)
		return
	}
	if p.resubReply != nil {
		reply <- &Error{Kind: KindAlreadyInProgress, Op: opResubscribe, PeripheralID: p.id, Detail: "resubscribe running"}
		return
	}
	if containsSub(p.subs, charID) {
		reply <- nil
		return
	}

	serviceID, ok := p.serviceFor(charID)
	if !ok {
		reply <- newError(KindSubscribe, opResubscribe, p.id, "unknown characteristic %s", charID)
		return
	}

	p.resubReply = reply
	gen := p.gen
	ctx := p.m.ctx
	p.m.goJob(func() {
		err := p.m.step(ctx, p.m.opts.SubscribeTimeout, func(ctx context.Context) error {
			return p.m.transport.StartNotification(ctx, p.id, serviceID, charID)
		})
		p.post(gen, func() {
			if err != nil {
				serr := classify(opResubscribe, p.id, err)
				slog.Warn("[SESSION] resubscribe failed", "id", p.id, "characteristic", charID, "error", serr)
				p.resolveResubscribe(serr)
				return
			}
			p.subs = append(p.subs, Subscription{ServiceID: serviceID, CharacteristicID: charID})
			p.store()
			slog.Info("[SESSION] resubscribed", "id", p.id, "characteristic", charID)
			p.resolveResubscribe(nil)
		})
	})
}

func (p *peripheral) resolveResubscribe(err error) {
	if p.resubReply != nil {
		p.resubReply <- err
		p.resubReply = nil
	}
}

// serviceFor finds the service of charID from configuration, then from the
// discovered GATT database.
func (p *peripheral) serviceFor(charID string) (string, bool) {
	for _, r := range p.m.opts.Subscriptions {
		if r.CharacteristicID == charID {
			return r.ServiceID, true
		}
	}
	return p.services.ServiceOf(charID)
}

// shutdown runs when the Manager closes.
func (p *peripheral) shutdown() {
	p.supersede()
	closed := &Error{Kind: KindTransportUnavailable, PeripheralID: p.id, Detail: "manager closed"}
	p.resolveConnect(closed)
	p.resolveDisconnect(closed)
	p.retired = true
}

// connectSequence runs connect, bond, discovery and subscription for the
// attempt identified by gen. It never touches actor state directly.
func (p *peripheral) connectSequence(ctx context.Context, gen uint64) {
	m := p.m
	o := m.opts

	err := m.step(ctx, o.ConnectTimeout, func(ctx context.Context) error {
		return m.transport.Connect(ctx, p.id, ble.ConnectOptions{AutoConnect: o.AutoConnect})
	})
	if err != nil {
		p.finishConnect(gen, nil, classify(opConnect, p.id, err))
		return
	}
	p.advance(gen, StateConnected)

	if o.RequireBond {
		if ctx.Err() != nil {
			return
		}
		p.advance(gen, StateBonding)
		err := m.step(ctx, o.BondTimeout, func(ctx context.Context) error {
			return m.transport.CreateBond(ctx, p.id)
		})
		if err != nil {
			p.finishConnect(gen, nil, classify(opBond, p.id, err))
			return
		}
		p.advance(gen, StateBonded)
	}

	if ctx.Err() != nil {
		return
	}
	p.advance(gen, StateSubscribing)

	services, err := p.discoverServices(ctx)
	if err != nil {
		p.finishConnect(gen, nil, classify(opDiscover, p.id, err))
		return
	}
	p.post(gen, func() {
		p.services = services
		p.store()
	})

	if o.ReadRSSI {
		var rssi int
		err := m.step(ctx, o.SubscribeTimeout, func(ctx context.Context) error {
			var err error
			rssi, err = m.transport.ReadRSSI(ctx, p.id)
			return err
		})
		if err != nil {
			slog.Debug("[SESSION] read RSSI failed", "id", p.id, "error", err)
		} else {
			p.post(gen, func() {
				p.rssi = &rssi
				p.store()
			})
		}
	}

	subs, err := p.subscribeAll(ctx, services)
	p.finishConnect(gen, subs, err)
}

// discoverServices retries while the stack reports busy.
func (p *peripheral) discoverServices(ctx context.Context) (ble.ServiceMap, error) {
	m := p.m
	for attempt := 0; ; attempt++ {
		var services ble.ServiceMap
		err := m.step(ctx, m.opts.DiscoveryTimeout, func(ctx context.Context) error {
			var err error
			services, err = m.transport.RetrieveServices(ctx, p.id)
			return err
		})
		if err == nil {
			return services, nil
		}
		if !errors.Is(err, ble.ErrBusy) || attempt >= m.opts.DiscoveryRetries {
			return nil, err
		}

		delay := backoffDelay(attempt, m.opts.DiscoveryBackoff)
		slog.Info("[SESSION] discovery busy, retrying", "id", p.id, "attempt", attempt+1, "delay", delay)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}

// subscribeAll enables every configured characteristic and applies the
// subscribe policy.
func (p *peripheral) subscribeAll(ctx context.Context, services ble.ServiceMap) ([]Subscription, error) {
	m := p.m
	refs := m.opts.Subscriptions
	core := m.opts.coreRefs()

	var subs []Subscription
	var firstErr *Error
	coreOK := false
	for i, r := range refs {
		var err error
		if !services.Has(r.ServiceID, r.CharacteristicID) {
			err = ble.ErrCharacteristicNotFound
		} else {
			err = m.step(ctx, m.opts.SubscribeTimeout, func(ctx context.Context) error {
				return m.transport.StartNotification(ctx, p.id, r.ServiceID, r.CharacteristicID)
			})
		}
		if err != nil {
			serr := classify(opSubscribe, p.id, err)
			if serr.Kind == KindSuperseded {
				return nil, serr
			}
			slog.Warn("[SESSION] subscription failed", "id", p.id, "service", r.ServiceID, "characteristic", r.CharacteristicID, "error", serr)
			if firstErr == nil {
				firstErr = serr
			}
			if m.opts.SubscribePolicy == PolicyStrict {
				return nil, serr
			}
			continue
		}
		slog.Info("[SESSION] notifications started", "id", p.id, "service", r.ServiceID, "characteristic", r.CharacteristicID)
		subs = append(subs, Subscription{ServiceID: r.ServiceID, CharacteristicID: r.CharacteristicID})
		coreOK = coreOK || core[i]
	}

	if len(refs) > 0 && !coreOK {
		return nil, firstErr
	}
	return subs, nil
}

// step runs fn under a per-step deadline derived from ctx.
func (m *Manager) step(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(sctx)
}
