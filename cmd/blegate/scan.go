package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/blegate/internal/ble"
	"github.com/chaz8081/blegate/internal/permission"
	"github.com/chaz8081/blegate/internal/session"
)

var scanDuration time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby peripherals and print what was seen",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidate()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := permission.Require(ctx, newGate(cfg), permission.CapScan); err != nil {
			return err
		}

		opts := cfg.ScanOptions()
		if scanDuration > 0 {
			opts.Duration = scanDuration
		}

		transport, closeBonder := newTransport(cfg)
		defer closeBonder()

		fmt.Printf("Scanning for %s...\n", opts.Duration)
		devices, err := ble.ScanForDevices(ctx, transport, opts)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No peripherals found.")
			return nil
		}

		fmt.Printf("%-38s  %-24s  %s\n", "ID", "NAME", "RSSI")
		for _, d := range devices {
			name := d.Name
			if name == "" {
				name = session.NoName
			}
			fmt.Printf("%-38s  %-24s  %d dBm\n", d.ID, name, d.RSSI)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().DurationVar(&scanDuration, "duration", 0, "scan duration (default: scan.duration from config)")
}
