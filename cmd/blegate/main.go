package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chaz8081/blegate/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "blegate",
	Short: "Keep BLE peripherals connected and route their notifications",
	Long: `blegate connects to Bluetooth Low Energy peripherals, bonds with them,
subscribes to their characteristics and fans the notifications out to the
status board, the transition journal and a small HTTP API.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/blegate/config.yaml)")
	rootCmd.AddCommand(runCmd, scanCmd, journalCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.WriteDefault()
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return nil
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return nil
	},
}

// loadAndValidate loads the config, validates it and installs the logger.
func loadAndValidate() (*config.Config, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	setupLogging(cfg.LogLevel)
	return cfg, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("Config loaded", "path", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	slog.Info("No config file found, using defaults")
	return config.Default(), nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	ids := make([]string, 0, len(cfg.Peripherals))
	for _, p := range cfg.Peripherals {
		if p.Name != "" {
			ids = append(ids, fmt.Sprintf("%s (%s)", p.ID, p.Name))
			continue
		}
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		ids = append(ids, "none")
	}

	httpLine := "disabled"
	if cfg.HTTP.Listen != "" {
		httpLine = cfg.HTTP.Listen
		if cfg.HTTP.Advertise {
			httpLine += " (mDNS: " + cfg.HTTP.Instance + ")"
		}
	}
	journalLine := cfg.JournalPath
	if journalLine == "" {
		journalLine = "disabled"
	}

	fmt.Println("=== blegate ===")
	fmt.Printf("  Peripherals: %s\n", strings.Join(ids, ", "))
	fmt.Printf("  Bond:        %s (required: %t, adapter %s)\n", cfg.Bond.Method, cfg.Session.RequireBond, cfg.Bond.Adapter)
	fmt.Printf("  Subscribe:   %d characteristics, %s policy\n", len(cfg.Session.Subscriptions), cfg.Session.SubscribePolicy)
	fmt.Printf("  Reconnect:   %t (max backoff %s)\n", cfg.Reconnect.Enabled, cfg.Reconnect.MaxBackoff.D())
	fmt.Printf("  HTTP:        %s\n", httpLine)
	fmt.Printf("  Journal:     %s\n", journalLine)
	fmt.Printf("  Log:         %s\n", cfg.LogLevel)
	fmt.Println("===============")
}
