package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"meshbridge/internal/domain"
	"meshbridge/internal/memory"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history <sender-id>",
		Short: "Show the most recent stored messages for a sender (e.g. !a1b2c3d4)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be > 0")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := memory.Open(cfg.Storage.DataDir, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			records, err := store.Recent(ctx, args[0], limit)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			printHistory(os.Stdout, args[0], records)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func printHistory(w io.Writer, sender string, records []domain.MessageRecord) {
	if len(records) == 0 {
		fmt.Fprintf(w, "No history for %s\n", sender)
		return
	}
	for _, r := range records {
		ch := "-"
		if r.Channel != nil {
			ch = strconv.Itoa(*r.Channel)
		}
		line := fmt.Sprintf("%s  %-3s  ch=%s  %s", r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.Direction, ch, r.Text)
		if r.Direction == domain.DirectionOut && r.LatencyMs > 0 {
			line += fmt.Sprintf("  (%.0f ms)", r.LatencyMs)
		}
		fmt.Fprintln(w, line)
	}
}
