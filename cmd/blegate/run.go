package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/blegate/internal/ble"
	"github.com/chaz8081/blegate/internal/config"
	"github.com/chaz8081/blegate/internal/display"
	"github.com/chaz8081/blegate/internal/httpapi"
	"github.com/chaz8081/blegate/internal/journal"
	"github.com/chaz8081/blegate/internal/keeper"
	"github.com/chaz8081/blegate/internal/permission"
	"github.com/chaz8081/blegate/internal/router"
	"github.com/chaz8081/blegate/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect the configured peripherals and serve the status API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidate()
		if err != nil {
			return err
		}
		printBanner(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

// newGate picks the permission gate for the current platform. Other
// platforms prompt on first use, so nothing is checked up front.
func newGate(cfg *config.Config) permission.Gate {
	if runtime.GOOS == "linux" {
		return permission.NewBlueZGate(cfg.Bond.Adapter, true)
	}
	return permission.AllowAll()
}

func newTransport(cfg *config.Config) (*ble.TinyGoTransport, func()) {
	if cfg.Bond.Method == "bluez" {
		b := ble.NewBlueZBonder(cfg.Bond.Adapter)
		return ble.NewTinyGoTransport(b), func() { _ = b.Close() }
	}
	return ble.NewTinyGoTransport(ble.OSBonder{}), func() {}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := permission.Require(ctx, newGate(cfg), permission.CapScan, permission.CapConnect); err != nil {
		return err
	}

	// Components outlive the signal so shutdown can still disconnect.
	base := context.WithoutCancel(ctx)

	transport, closeBonder := newTransport(cfg)
	defer closeBonder()

	r := router.New()
	r.Start(base)
	defer r.Close()

	var jw *journal.Writer
	if cfg.JournalPath != "" {
		w, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer w.Close()
		jw = w
	}

	opts := cfg.SessionOptions()
	m := session.New(transport, r, opts)
	if err := m.Start(base); err != nil {
		return fmt.Errorf("starting session manager: %w", err)
	}
	defer m.Close()

	if jw != nil {
		m.Watch(jw.Observe)
		slog.Info("[RUN] journal enabled", "path", cfg.JournalPath)
	}

	board := display.New(r, opts.Subscriptions)
	board.Attach(m)
	defer board.Close()

	if err := m.Scan(ctx, cfg.ScanOptions()); err != nil {
		slog.Warn("[RUN] initial scan failed", "error", err)
	}

	k := keeper.New(m, cfg.KeeperOptions())
	for _, p := range cfg.Peripherals {
		k.Keep(base, p.ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.HTTP.Listen != "" {
		srv := httpapi.NewServer(cfg.HTTP.Listen, httpapi.NewHandler(m, board).Routes())
		g.Go(func() error { return httpapi.Serve(gctx, srv) })

		if cfg.HTTP.Advertise {
			stopAdvertising, err := advertise(cfg.HTTP)
			if err != nil {
				slog.Warn("[RUN] mDNS advertisement failed", "error", err)
			} else {
				defer stopAdvertising()
			}
		}
	}

	notify(daemon.SdNotifyReady)
	slog.Info("[RUN] ready", "peripherals", len(cfg.Peripherals))

	<-gctx.Done()
	slog.Info("[RUN] shutting down")
	notify(daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(base, 15*time.Second)
	defer cancel()
	if err := k.Close(shutdownCtx); err != nil {
		slog.Warn("[RUN] keeper shutdown", "error", err)
	}
	disconnectAll(shutdownCtx, m)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Goodbye!")
	return nil
}

func advertise(h config.HTTPConfig) (func(), error) {
	port, err := httpapi.PortOf(h.Listen)
	if err != nil {
		return nil, err
	}
	return httpapi.Advertise(h.Instance, port)
}

// disconnectAll tears down links opened outside the keeper, such as those
// requested over HTTP.
func disconnectAll(ctx context.Context, m *session.Manager) {
	for _, p := range m.List() {
		if p.State == session.StateDisconnected || p.State == session.StateDiscovered {
			continue
		}
		if err := m.Disconnect(ctx, p.ID); err != nil {
			slog.Warn("[RUN] disconnect failed", "id", p.ID, "error", err)
		}
	}
}

func notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		slog.Warn("[RUN] sd_notify failed", "state", state, "error", err)
		return
	}
	if sent {
		slog.Debug("[RUN] sd_notify sent", "state", state)
	}
}
