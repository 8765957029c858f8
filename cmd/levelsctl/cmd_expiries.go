package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"optionlevels/internal/book"
)

var expiriesCmd = &cobra.Command{
	Use:   "expiries",
	Short: "List expiries in the current book and the auto-selection",
	RunE:  runExpiries,
}

func init() {
	rootCmd.AddCommand(expiriesCmd)
}

type expiryView struct {
	Code     int     `json:"code"`
	Date     string  `json:"date"`
	Volume   float64 `json:"volume"`
	DaysAway int     `json:"days_away"`
	Selected bool    `json:"selected"`
}

func runExpiries(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	snapshot, err := newSnapshotFunc(cfg, provider, currency)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	snap, err := snapshot(cmd.Context(), now)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", provider, err)
	}

	volumes := book.Volumes(snap.Records)
	selected, ok := book.SelectExpiry(volumes, now)

	var views []expiryView
	for _, e := range book.ListExpiries(volumes, now) {
		views = append(views, expiryView{
			Code:     e.Code,
			Date:     e.Date.Format("02Jan06"),
			Volume:   e.Volume,
			DaysAway: e.DaysAway,
			Selected: ok && e.Code == selected,
		})
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		return writeJSON(out, views)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EXPIRY\tCODE\tVOLUME\tDAYS\t")
	for _, v := range views {
		mark := ""
		if v.Selected {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%d\t%.1f\t%d\t%s\n", v.Date, v.Code, v.Volume, v.DaysAway, mark)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(out, "no expiry after today has volume")
	}
	return nil
}
