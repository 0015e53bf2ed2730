// Package keeper holds configured peripherals connected. The session
// manager never retries on its own; the keeper reissues Connect with
// exponential backoff after a failure or a dropped link.
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blegate/internal/session"
)

// Sessions is the part of session.Manager the keeper drives.
type Sessions interface {
	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
	OnStateChange(id string, fn session.StateListener) (release func())
}

// Options configures reconnection.
type Options struct {
	// Reconnect enables retries after a failed attempt or a lost link.
	Reconnect bool
	// BaseBackoff is the delay before the first retry. It doubles per attempt.
	BaseBackoff time.Duration
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
	// DisconnectTimeout bounds each disconnect issued by Release and Close.
	DisconnectTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Reconnect:         true,
		BaseBackoff:       time.Second,
		MaxBackoff:        30 * time.Second,
		DisconnectTimeout: 5 * time.Second,
	}
}

type target struct {
	id      string
	cancel  context.CancelFunc
	release func()
	dropped chan struct{}
	done    chan struct{}
}

// Keeper supervises a set of peripherals.
type Keeper struct {
	s    Sessions
	opts Options

	mu      sync.Mutex
	targets map[string]*target
}

// New creates a Keeper.
func New(s Sessions, opts Options) *Keeper {
	d := DefaultOptions()
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = d.BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = d.MaxBackoff
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = d.DisconnectTimeout
	}
	return &Keeper{s: s, opts: opts, targets: make(map[string]*target)}
}

// Keep starts supervising id. Keeping an id twice has no effect.
func (k *Keeper) Keep(ctx context.Context, id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.targets[id]; ok {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &target{
		id:      id,
		cancel:  cancel,
		dropped: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	t.release = k.s.OnStateChange(id, func(c session.Change) {
		if c.To == session.StateDisconnected || c.To == session.StateFailed {
			select {
			case t.dropped <- struct{}{}:
			default:
			}
		}
	})
	k.targets[id] = t
	go k.loop(ctx, t)
}

// Kept reports whether id is supervised.
func (k *Keeper) Kept(id string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.targets[id]
	return ok
}

// Release stops supervising id and disconnects it.
func (k *Keeper) Release(ctx context.Context, id string) error {
	k.mu.Lock()
	t := k.targets[id]
	delete(k.targets, id)
	k.mu.Unlock()
	if t == nil {
		return nil
	}
	k.stop(t)
	return k.disconnect(ctx, id)
}

// Close stops every loop and disconnects all supervised peripherals.
func (k *Keeper) Close(ctx context.Context) error {
	k.mu.Lock()
	targets := k.targets
	k.targets = make(map[string]*target)
	k.mu.Unlock()

	var errs []error
	for _, t := range targets {
		k.stop(t)
		if err := k.disconnect(ctx, t.id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (k *Keeper) stop(t *target) {
	t.cancel()
	t.release()
	<-t.done
}

func (k *Keeper) disconnect(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, k.opts.DisconnectTimeout)
	defer cancel()
	if err := k.s.Disconnect(ctx, id); err != nil {
		slog.Warn("[KEEPER] disconnect failed", "id", id, "error", err)
		return err
	}
	return nil
}

// loop connects t and reconnects it with backoff until ctx ends.
func (k *Keeper) loop(ctx context.Context, t *target) {
	defer close(t.done)
	for attempt := 0; ; {
		// The first attempt goes out immediately.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, k.opts.BaseBackoff, k.opts.MaxBackoff)
			slog.Info("[KEEPER] reconnect backoff", "id", t.id, "attempt", attempt+1, "delay", delay)
			if !sleep(ctx, delay) {
				return
			}
		}

		drain(t.dropped)
		err := k.s.Connect(ctx, t.id)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
			if attempt > 0 {
				slog.Info("[KEEPER] reconnected", "id", t.id)
			}
			attempt = 0
		case errors.Is(err, session.ErrAlreadyInProgress):
			// Someone else is driving it; wait for the outcome.
		case errors.Is(err, session.ErrBondRejected):
			slog.Error("[KEEPER] bond rejected, giving up until kept again", "id", t.id, "error", err)
			return
		default:
			slog.Warn("[KEEPER] connect failed", "id", t.id, "error", err, "attempt", attempt+1)
			if !k.opts.Reconnect {
				return
			}
			attempt++
			continue
		}

		select {
		case <-t.dropped:
		case <-ctx.Done():
			return
		}
		if !k.opts.Reconnect {
			return
		}
		slog.Warn("[KEEPER] link lost, reconnecting", "id", t.id)
		attempt++
	}
}

// maxBackoffShift keeps base<<attempt from overflowing.
const maxBackoffShift = 30

// backoffDelay returns the reconnection delay for attempt n, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
