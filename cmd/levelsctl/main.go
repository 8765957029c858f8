package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"optionlevels/config"
	"optionlevels/internal/models"
	"optionlevels/internal/reader/bybit"
	"optionlevels/internal/reader/deribit"
	"optionlevels/internal/reader/thales"
	"optionlevels/internal/reader/transport"
	"optionlevels/internal/writer"
	"optionlevels/logger"
)

var (
	configPath string
	provider   string
	currency   string
	format     string
)

var rootCmd = &cobra.Command{
	Use:   "levelsctl",
	Short: "One-shot option level calculations and backfills",
	Long: `levelsctl computes resistance, support and gamma levels from option
books outside the long-running daemon.

Examples:
  levelsctl calc --provider deribit --currency ETH
  levelsctl expiries
  levelsctl backfill --days 7 --hour-step 1
  levelsctl pine --output data/levels.pine`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&provider, "provider", thales.Provider, "Provider: thales, deribit or bybit")
	rootCmd.PersistentFlags().StringVar(&currency, "currency", "BTC", "Underlying currency")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "Output format: table or json")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and points logs at stderr so command
// output stays clean.
func loadConfig() (*config.Config, error) {
	log := logger.GetLogger()
	if err := config.LoadDotEnv(); err != nil {
		log.WithError(err).Warn("Error loading .env file")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	output := cfg.Logging.Output
	if output == "" || output == "stdout" {
		output = "stderr"
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, output, cfg.Logging.MaxAge); err != nil {
		return nil, err
	}
	return cfg, nil
}

// snapshotFunc fetches one book for the selected provider as of now.
type snapshotFunc func(ctx context.Context, now time.Time) (models.BookSnapshot, error)

func newSnapshotFunc(cfg *config.Config, name, ccy string) (snapshotFunc, error) {
	ccy = strings.ToUpper(ccy)
	switch strings.ToLower(name) {
	case thales.Provider:
		cfg.Source.Thales.Currency = ccy
		index := deribit.NewClient(cfg.Source.Thales.IndexURL, transport.New("thales_index", cfg.Reader))
		r := thales.NewReader(cfg, transport.New(thales.Provider, cfg.Reader), deribit.RESTSpot{Client: index, Currency: ccy}, nil)
		return r.Snapshot, nil
	case deribit.Provider:
		cfg.Source.Deribit.IndexStream = false
		r := deribit.NewReader(cfg, transport.New(deribit.Provider, cfg.Reader), nil)
		return func(ctx context.Context, now time.Time) (models.BookSnapshot, error) {
			return r.Snapshot(ctx, ccy, now)
		}, nil
	case bybit.Provider:
		r := bybit.NewReader(cfg, nil)
		return func(ctx context.Context, now time.Time) (models.BookSnapshot, error) {
			return r.Snapshot(ctx, ccy, now)
		}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRows(w io.Writer, rows []models.LevelRow) error {
	if format == "json" {
		return writeJSON(w, rows)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tPROVIDER\tCCY\tEXPIRY\tSPOT\tR\tS\tBG\tSG\tCROSSINGS")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
			r.Timestamp.Format(writer.MinuteLayout), r.Provider, r.Currency, r.ExpiryCode,
			writer.RoundLevel(r.Spot), writer.RoundLevel(r.R), writer.RoundLevel(r.S),
			writer.RoundLevel(r.BG), writer.RoundLevel(r.SG), r.Crossings)
	}
	return tw.Flush()
}

// writeRows sends rows through the configured sinks once.
func writeRows(ctx context.Context, cfg *config.Config, rows []models.LevelRow, reason string) error {
	sinks, err := writer.FromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	if len(sinks) == 0 {
		return fmt.Errorf("no sinks enabled in %s", configPath)
	}
	d := writer.NewDispatcher(cfg, nil, sinks...)
	failed := d.Dispatch(ctx, rows, reason)
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logger.GetLogger().WithComponent("levelsctl").WithError(err).Warn("failed to close sink")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sinks failed", failed, len(sinks))
	}
	return nil
}
