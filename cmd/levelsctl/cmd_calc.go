package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"optionlevels/internal/book"
	"optionlevels/internal/models"
	"optionlevels/internal/processor"
)

var (
	calcExpiry string
	calcWrite  bool
)

var calcCmd = &cobra.Command{
	Use:   "calc",
	Short: "Fetch the current book and print its levels",
	Long: `Fetch one snapshot from the provider, select the expiry and print
R, S, BG and SG.

Examples:
  levelsctl calc
  levelsctl calc --expiry 2024-12-27
  levelsctl calc --write`,
	RunE: runCalc,
}

func init() {
	rootCmd.AddCommand(calcCmd)
	calcCmd.Flags().StringVar(&calcExpiry, "expiry", "", "Expiry date (YYYY-MM-DD); auto-selected when empty")
	calcCmd.Flags().BoolVar(&calcWrite, "write", false, "Also write the row to the configured sinks")
}

func runCalc(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	params, err := cfg.Levels.Params()
	if err != nil {
		return err
	}
	snapshot, err := newSnapshotFunc(cfg, provider, currency)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	snap, err := snapshot(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("fetch %s: %w", provider, err)
	}

	var (
		row     models.LevelRow
		outcome processor.Outcome
		ok      bool
	)
	if calcExpiry != "" {
		day, err := time.Parse("2006-01-02", calcExpiry)
		if err != nil {
			return fmt.Errorf("invalid --expiry: %w", err)
		}
		row, outcome, ok = processor.ComputeExpiry(snap, book.ExpiryCode(day), params)
	} else {
		row, outcome, ok = processor.Compute(snap, params)
	}
	if !ok {
		return fmt.Errorf("no levels for %s %s: %s (%d records)", snap.Provider, snap.Currency, outcome.Reason, len(snap.Records))
	}

	if err := printRows(cmd.OutOrStdout(), []models.LevelRow{row}); err != nil {
		return err
	}
	if !calcWrite {
		return nil
	}
	return writeRows(ctx, cfg, []models.LevelRow{row}, "calc")
}
