package keeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/blegate/internal/session"
)

const testID = "AA:BB:CC:DD:EE:FF"

// mockSessions records commands and lets tests fire state changes.
type mockSessions struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	connectErrs []error // consumed one per Connect; nil once exhausted
	listeners   map[int]session.StateListener
	nextID      int
	connected   chan struct{}
}

func newMockSessions(errs ...error) *mockSessions {
	return &mockSessions{
		connectErrs: errs,
		listeners:   make(map[int]session.StateListener),
		connected:   make(chan struct{}, 64),
	}
}

func (m *mockSessions) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	m.connects++
	var err error
	if len(m.connectErrs) > 0 {
		err = m.connectErrs[0]
		m.connectErrs = m.connectErrs[1:]
	}
	m.mu.Unlock()
	m.connected <- struct{}{}
	return err
}

func (m *mockSessions) Disconnect(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	return nil
}

func (m *mockSessions) OnStateChange(id string, fn session.StateListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nextID
	m.nextID++
	m.listeners[n] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, n)
	}
}

func (m *mockSessions) emit(to session.State) {
	m.mu.Lock()
	fns := make([]session.StateListener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(session.Change{Peripheral: session.Peripheral{ID: testID, State: to}, From: session.StateReady, To: to})
	}
}

func (m *mockSessions) counts() (connects, disconnects, listeners int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects, m.disconnects, len(m.listeners)
}

func (m *mockSessions) waitConnect(t *testing.T) {
	t.Helper()
	select {
	case <-m.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connect")
	}
}

func fastOptions() Options {
	return Options{
		Reconnect:         true,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        4 * time.Millisecond,
		DisconnectTimeout: time.Second,
	}
}

func TestReconnectBackoff(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, time.Second, 30*time.Second)
		if got != want {
			t.Errorf("backoffDelay(%d) = %v, want %v", i, got, want)
		}
	}
}

func TestBackoffDelayOverflowProtection(t *testing.T) {
	got := backoffDelay(100, time.Second, 30*time.Second)
	if got != 30*time.Second {
		t.Errorf("backoffDelay(100) = %v, want 30s", got)
	}

	got = backoffDelay(31, time.Hour, 60*time.Second)
	if got != 60*time.Second {
		t.Errorf("backoffDelay(31, 1h) = %v, want 60s", got)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	k := New(newMockSessions(), Options{Reconnect: true})
	if k.opts.BaseBackoff != time.Second || k.opts.MaxBackoff != 30*time.Second {
		t.Errorf("opts = %+v, want 1s/30s backoff", k.opts)
	}
}

func TestKeepConnects(t *testing.T) {
	s := newMockSessions()
	k := New(s, fastOptions())
	k.Keep(context.Background(), testID)
	k.Keep(context.Background(), testID)
	s.waitConnect(t)

	if !k.Kept(testID) {
		t.Error("Kept() = false after Keep")
	}
	time.Sleep(20 * time.Millisecond)
	if c, _, l := s.counts(); c != 1 || l != 1 {
		t.Errorf("connects = %d, listeners = %d, want 1 and 1", c, l)
	}
	if err := k.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestReconnectAfterLinkLoss(t *testing.T) {
	s := newMockSessions()
	k := New(s, fastOptions())
	defer k.Close(context.Background())

	k.Keep(context.Background(), testID)
	s.waitConnect(t)

	s.emit(session.StateDisconnected)
	s.waitConnect(t)

	s.emit(session.StateFailed)
	s.waitConnect(t)
}

func TestRetryAfterConnectFailure(t *testing.T) {
	timeout := &session.Error{Kind: session.KindTimeout, Op: "connect", PeripheralID: testID}
	s := newMockSessions(timeout, timeout, nil)
	k := New(s, fastOptions())
	defer k.Close(context.Background())

	k.Keep(context.Background(), testID)
	for i := 0; i < 3; i++ {
		s.waitConnect(t)
	}

	time.Sleep(20 * time.Millisecond)
	if c, _, _ := s.counts(); c != 3 {
		t.Errorf("connects = %d, want 3", c)
	}
}

func TestBondRejectedStopsLoop(t *testing.T) {
	s := newMockSessions(&session.Error{Kind: session.KindBondRejected, Op: "bond", PeripheralID: testID})
	k := New(s, fastOptions())
	defer k.Close(context.Background())

	k.Keep(context.Background(), testID)
	s.waitConnect(t)

	s.emit(session.StateFailed)
	time.Sleep(30 * time.Millisecond)
	if c, _, _ := s.counts(); c != 1 {
		t.Errorf("connects = %d, want 1 after bond rejection", c)
	}
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	s := newMockSessions()
	opts := fastOptions()
	opts.Reconnect = false
	k := New(s, opts)
	defer k.Close(context.Background())

	k.Keep(context.Background(), testID)
	s.waitConnect(t)

	s.emit(session.StateDisconnected)
	time.Sleep(30 * time.Millisecond)
	if c, _, _ := s.counts(); c != 1 {
		t.Errorf("connects = %d, want 1", c)
	}
}

func TestAlreadyInProgressWaitsForOutcome(t *testing.T) {
	s := newMockSessions(session.ErrAlreadyInProgress)
	k := New(s, fastOptions())
	defer k.Close(context.Background())

	k.Keep(context.Background(), testID)
	s.waitConnect(t)

	time.Sleep(20 * time.Millisecond)
	if c, _, _ := s.counts(); c != 1 {
		t.Fatalf("connects = %d, want 1 while another connect runs", c)
	}

	s.emit(session.StateFailed)
	s.waitConnect(t)
}

func TestReleaseDisconnects(t *testing.T) {
	s := newMockSessions()
	k := New(s, fastOptions())

	k.Keep(context.Background(), testID)
	s.waitConnect(t)

	if err := k.Release(context.Background(), testID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if k.Kept(testID) {
		t.Error("Kept() = true after Release")
	}
	_, d, l := s.counts()
	if d != 1 || l != 0 {
		t.Errorf("disconnects = %d, listeners = %d, want 1 and 0", d, l)
	}

	// A dropped link after release triggers nothing.
	s.emit(session.StateDisconnected)
	time.Sleep(20 * time.Millisecond)
	if c, _, _ := s.counts(); c != 1 {
		t.Errorf("connects = %d, want 1", c)
	}

	if err := k.Release(context.Background(), "unknown"); err != nil {
		t.Errorf("Release(unknown) error = %v", err)
	}
}

func TestCloseStopsReconnectLoop(t *testing.T) {
	fail := errors.New("boom")
	s := newMockSessions(fail, fail, fail, fail, fail, fail, fail, fail)
	opts := fastOptions()
	opts.BaseBackoff = time.Hour
	opts.MaxBackoff = time.Hour
	k := New(s, opts)

	k.Keep(context.Background(), testID)
	k.Keep(context.Background(), "11:22:33:44:55:66")
	s.waitConnect(t)
	s.waitConnect(t)

	done := make(chan error, 1)
	go func() { done <- k.Close(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not interrupt the backoff sleep")
	}
	if _, d, _ := s.counts(); d != 2 {
		t.Errorf("disconnects = %d, want 2", d)
	}
}
