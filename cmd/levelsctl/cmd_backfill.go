package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"optionlevels/config"
	"optionlevels/internal/models"
	"optionlevels/internal/processor"
	"optionlevels/internal/reader/deribit"
	"optionlevels/internal/reader/thales"
	"optionlevels/internal/reader/transport"
	"optionlevels/logger"
)

var (
	backfillDays       int
	backfillHourStep   int
	backfillMinuteStep int
	backfillLookback   time.Duration
	backfillDryRun     bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Recompute historical levels and write them to the sinks",
	Long: `Recompute levels for past time slots.

Thales slots run every --hour-step hours over the last --days days, each
covering the day from midnight to the end of the slot hour. Deribit slots
run every --minute-step minutes over trades from the preceding --lookback.

Examples:
  levelsctl backfill --days 7 --hour-step 1
  levelsctl backfill --provider deribit --days 10 --minute-step 5 --lookback 4h`,
	RunE: runBackfill,
}

func init() {
	rootCmd.AddCommand(backfillCmd)
	backfillCmd.Flags().IntVar(&backfillDays, "days", 7, "Days of history to rebuild")
	backfillCmd.Flags().IntVar(&backfillHourStep, "hour-step", 1, "Hours between thales slots")
	backfillCmd.Flags().IntVar(&backfillMinuteStep, "minute-step", 5, "Minutes between deribit slots")
	backfillCmd.Flags().DurationVar(&backfillLookback, "lookback", 4*time.Hour, "Trade window behind each deribit slot")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Print rows instead of writing them")
}

// slot is one historical computation: the fetch window and the row stamp.
type slot struct {
	From, To, Stamp time.Time
}

// thalesSlots covers days whole UTC days ending today, one slot per step
// hours. Slots ending after now are dropped.
func thalesSlots(now time.Time, days, hourStep int) []slot {
	if days < 1 || hourStep < 1 {
		return nil
	}
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var out []slot
	for d := days - 1; d >= 0; d-- {
		day := today.AddDate(0, 0, -d)
		for h := hourStep - 1; h < 24; h += hourStep {
			from, to := thales.DayWindow(day.Add(time.Duration(h) * time.Hour))
			if to.After(now) {
				break
			}
			out = append(out, slot{From: from, To: to, Stamp: to.Truncate(time.Minute)})
		}
	}
	return out
}

// minuteSlots steps from now-days to now, each slot looking back lookback.
func minuteSlots(now time.Time, days, step int, lookback time.Duration) []slot {
	if days < 1 || step < 1 {
		return nil
	}
	end := now.UTC().Truncate(time.Minute)
	var out []slot
	for t := end.AddDate(0, 0, -days); !t.After(end); t = t.Add(time.Duration(step) * time.Minute) {
		out = append(out, slot{From: t.Add(-lookback), To: t, Stamp: t})
	}
	return out
}

// tradesIn returns trades stamped in (from, to] and their mean index price.
func tradesIn(trades []deribit.Trade, from, to time.Time) ([]deribit.Trade, float64) {
	lo, hi := from.UnixMilli(), to.UnixMilli()
	var (
		out   []deribit.Trade
		sum   float64
		count int
	)
	for _, t := range trades {
		if t.Timestamp <= lo || t.Timestamp > hi {
			continue
		}
		out = append(out, t)
		if t.IndexPrice > 0 {
			sum += t.IndexPrice
			count++
		}
	}
	if count == 0 {
		return out, 0
	}
	return out, sum / float64(count)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	now := time.Now().UTC()

	var rows []models.LevelRow
	switch strings.ToLower(provider) {
	case thales.Provider:
		rows, err = backfillThales(ctx, cfg, now)
	case deribit.Provider:
		rows, err = backfillDeribit(ctx, cfg, now)
	default:
		return fmt.Errorf("backfill is not supported for provider %q", provider)
	}
	if err != nil {
		return err
	}

	if backfillDryRun {
		return printRows(cmd.OutOrStdout(), rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no rows to write")
		return nil
	}
	if err := writeRows(ctx, cfg, rows, "backfill"); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "backfilled %d rows\n", len(rows))
	return nil
}

func backfillThales(ctx context.Context, cfg *config.Config, now time.Time) ([]models.LevelRow, error) {
	params, err := cfg.Levels.Params()
	if err != nil {
		return nil, err
	}
	ccy := strings.ToUpper(currency)
	cfg.Source.Thales.Currency = ccy
	index := deribit.NewClient(cfg.Source.Thales.IndexURL, transport.New("thales_index", cfg.Reader))
	reader := thales.NewReader(cfg, transport.New(thales.Provider, cfg.Reader), deribit.RESTSpot{Client: index, Currency: ccy}, nil)

	log := logger.GetLogger().WithComponent("backfill").WithFields(logger.Fields{"provider": thales.Provider})
	slots := thalesSlots(now, backfillDays, backfillHourStep)

	var rows []models.LevelRow
	for i, s := range slots {
		if err := ctx.Err(); err != nil {
			return rows, err
		}
		snap, err := reader.SnapshotWindow(ctx, s.From, s.To, s.Stamp)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"slot": s.Stamp}).Warn("slot fetch failed")
			continue
		}
		row, outcome, ok := processor.Compute(snap, params)
		if !ok {
			log.WithFields(logger.Fields{"slot": s.Stamp, "reason": outcome.Reason}).Debug("slot skipped")
			continue
		}
		rows = append(rows, row)
		if (i+1)%24 == 0 {
			log.WithFields(logger.Fields{"done": i + 1, "total": len(slots)}).Info("backfill progress")
		}
	}
	return rows, nil
}

func backfillDeribit(ctx context.Context, cfg *config.Config, now time.Time) ([]models.LevelRow, error) {
	params, err := cfg.Levels.Params()
	if err != nil {
		return nil, err
	}
	ccy := strings.ToUpper(currency)
	client := deribit.NewClient(cfg.Source.Deribit.URL, transport.New(deribit.Provider, cfg.Reader))

	slots := minuteSlots(now, backfillDays, backfillMinuteStep, backfillLookback)
	if len(slots) == 0 {
		return nil, nil
	}

	log := logger.GetLogger().WithComponent("backfill").WithFields(logger.Fields{"provider": deribit.Provider})
	trades, err := client.Trades(ctx, ccy, slots[0].From, slots[len(slots)-1].To)
	if err != nil {
		return nil, fmt.Errorf("fetch trades: %w", err)
	}
	log.WithFields(logger.Fields{"trades": len(trades), "slots": len(slots)}).Info("trades fetched")

	var rows []models.LevelRow
	for _, s := range slots {
		window, spot := tradesIn(trades, s.From, s.To)
		if len(window) == 0 {
			continue
		}
		records, _ := deribit.TradeRecords(window, ccy, spot)
		snap := models.BookSnapshot{
			Provider:    deribit.Provider,
			Currency:    ccy,
			Spot:        spot,
			Records:     records,
			WindowStart: s.From,
			WindowEnd:   s.To,
			Timestamp:   s.Stamp,
		}
		if row, _, ok := processor.Compute(snap, params); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}
