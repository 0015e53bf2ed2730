package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/blegate/internal/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal [file]",
	Short: "Print recorded state transitions",
	Long: `Print the transitions recorded in a journal file. Without an argument
the journal_path from the config is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadAndValidate()
			if err != nil {
				return err
			}
			path = cfg.JournalPath
		}
		if path == "" {
			return fmt.Errorf("no journal file given and journal_path is not set")
		}

		recs, err := journal.ReadAll(path)
		for _, r := range recs {
			line := fmt.Sprintf("%s  %-20s  %-12s -> %-12s", r.Time.Local().Format(time.DateTime+".000"), r.PeripheralID, r.From, r.To)
			if r.Name != "" {
				line += "  " + r.Name
			}
			if r.RSSI != nil {
				line += fmt.Sprintf("  %d dBm", *r.RSSI)
			}
			if r.Error != "" {
				line += "  error: " + r.Error
			}
			fmt.Println(line)
		}
		return err
	},
}
