package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"optionlevels/internal/writer"
)

var (
	pineOutput string
	pineSymbol string
)

var pineCmd = &cobra.Command{
	Use:   "pine",
	Short: "Generate the TradingView indicator from the daily CSV",
	RunE:  runPine,
}

func init() {
	rootCmd.AddCommand(pineCmd)
	pineCmd.Flags().StringVar(&pineOutput, "output", "", "Output file (default writer.pine.output)")
	pineCmd.Flags().StringVar(&pineSymbol, "symbol", "BTCUSDT", "Chart symbol the indicator draws on")
}

func runPine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := pineOutput
	if out == "" {
		out = cfg.Writer.Pine.Output
	}
	out = writer.PathFor(out, provider, currency)
	daily := writer.PathFor(cfg.Writer.Daily.Path, provider, currency)

	opts := writer.PineOptions{Title: cfg.Writer.Pine.Title, Symbol: pineSymbol}
	n, err := writer.WritePine(daily, out, opts, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s with %d days\n", out, n)
	return nil
}
