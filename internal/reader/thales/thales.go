// Package thales polls the Thales MFI market screener, which publishes the
// day's option trades as headerless CSV lines.
package thales

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	appconfig "optionlevels/config"
	"optionlevels/internal/channel"
	"optionlevels/internal/levels"
	"optionlevels/internal/metrics"
	"optionlevels/internal/models"
	"optionlevels/logger"
)

const (
	Provider   = "thales"
	defaultURL = "https://oss.thales-mfi.com/api/MarketScreener/FetchOptions"
)

// Fetcher performs GET requests. *transport.Client satisfies it.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// SpotSource supplies the underlying index price.
type SpotSource interface {
	Spot(ctx context.Context) (float64, error)
}

// DayWindow spans UTC midnight to the last second of t's hour.
func DayWindow(t time.Time) (from, to time.Time) {
	t = t.UTC()
	from = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	to = t.Truncate(time.Hour).Add(59*time.Minute + 59*time.Second)
	return from, to
}

// TrailingWindow spans the d before t.
func TrailingWindow(t time.Time, d time.Duration) (from, to time.Time) {
	t = t.UTC()
	return t.Add(-d), t
}

// ParseCSV decodes lines of the form type,expiry,strike,_,side,size,premium.
// Type 0 is a call and side 0 a buyer. Malformed lines are skipped and
// counted.
func ParseCSV(data []byte, currency string, ts time.Time) ([]models.OptionRecord, int) {
	var (
		out     []models.OptionRecord
		skipped int
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			skipped++
			continue
		}
		rec.Provider = Provider
		rec.Currency = currency
		rec.Timestamp = ts
		out = append(out, rec)
	}
	return out, skipped
}

func parseLine(line string) (models.OptionRecord, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 7 {
		return models.OptionRecord{}, fmt.Errorf("expected 7 fields, got %d", len(parts))
	}
	ints := make([]int, 0, 3)
	for _, i := range []int{0, 1, 4} {
		v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return models.OptionRecord{}, fmt.Errorf("field %d: %w", i, err)
		}
		ints = append(ints, v)
	}
	floats := make([]float64, 0, 3)
	for _, i := range []int{2, 5, 6} {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return models.OptionRecord{}, fmt.Errorf("field %d: %w", i, err)
		}
		floats = append(floats, v)
	}

	rec := models.OptionRecord{
		ExpiryCode: ints[1],
		Type:       levels.Call,
		Side:       models.SideBuy,
		Strike:     floats[0],
		Size:       floats[1],
		Premium:    floats[2],
	}
	if ints[0] != 0 {
		rec.Type = levels.Put
	}
	if ints[2] != 0 {
		rec.Side = models.SideSell
	}
	rec.Instrument = fmt.Sprintf("%d-%g-%s", rec.ExpiryCode, rec.Strike, rec.Type)
	return rec, nil
}

// Reader polls the screener and emits one snapshot per interval.
type Reader struct {
	config   *appconfig.Config
	client   Fetcher
	spot     SpotSource
	channels *channel.Channels
	ctx      context.Context
	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

// NewReader builds a reader. spot may be nil, in which case snapshots carry
// a zero spot.
func NewReader(cfg *appconfig.Config, client Fetcher, spot SpotSource, ch *channel.Channels) *Reader {
	return &Reader{
		config:   cfg,
		client:   client,
		spot:     spot,
		channels: ch,
		log:      logger.GetLogger(),
	}
}

func (r *Reader) baseURL() string {
	if u := r.config.Source.Thales.URL; u != "" {
		return u
	}
	return defaultURL
}

// Fetch returns every record traded between from and to.
func (r *Reader) Fetch(ctx context.Context, from, to time.Time) ([]models.OptionRecord, error) {
	q := url.Values{}
	q.Set("source", "1")
	q.Set("fromDate", strconv.FormatInt(from.UnixMilli(), 10))
	q.Set("toDate", strconv.FormatInt(to.UnixMilli(), 10))

	body, err := r.client.Get(ctx, r.baseURL()+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("thales fetch: %w", err)
	}
	logger.IncrementPoll(Provider, len(body))

	records, skipped := ParseCSV(body, r.currency(), to)
	if skipped > 0 {
		r.log.WithComponent("thales_reader").WithFields(logger.Fields{
			"skipped": skipped,
			"parsed":  len(records),
		}).Debug("skipped malformed lines")
	}
	return records, nil
}

func (r *Reader) currency() string {
	if c := r.config.Source.Thales.Currency; c != "" {
		return strings.ToUpper(c)
	}
	return "BTC"
}

// window resolves the configured window ending at now.
func (r *Reader) window(now time.Time) (time.Time, time.Time) {
	cfg := r.config.Source.Thales
	if cfg.Window == "trailing" {
		d := cfg.Trailing
		if d <= 0 {
			d = 24 * time.Hour
		}
		return TrailingWindow(now, d)
	}
	return DayWindow(now)
}

// Snapshot fetches the configured window ending at now.
func (r *Reader) Snapshot(ctx context.Context, now time.Time) (models.BookSnapshot, error) {
	from, to := r.window(now)
	return r.SnapshotWindow(ctx, from, to, now)
}

// SnapshotWindow fetches an explicit window, as backfills do.
func (r *Reader) SnapshotWindow(ctx context.Context, from, to, stamp time.Time) (models.BookSnapshot, error) {
	records, err := r.Fetch(ctx, from, to)
	if err != nil {
		return models.BookSnapshot{}, err
	}

	snap := models.BookSnapshot{
		Provider:    Provider,
		Currency:    r.currency(),
		Records:     records,
		WindowStart: from,
		WindowEnd:   to,
		Timestamp:   stamp.UTC(),
	}
	if r.spot != nil {
		spot, err := r.spot.Spot(ctx)
		if err != nil {
			r.log.WithComponent("thales_reader").WithError(err).Warn("spot unavailable; using zero")
		} else {
			snap.Spot = spot
		}
	}
	return snap, nil
}

// Start begins polling until ctx is done.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("thales reader already running")
	}
	cfg := r.config.Source.Thales
	if !cfg.Enabled {
		r.mu.Unlock()
		return fmt.Errorf("thales reader disabled via configuration")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}

	r.wg.Add(1)
	go r.poll(interval)

	r.log.WithComponent("thales_reader").WithFields(logger.Fields{
		"interval": interval.String(),
		"window":   cfg.Window,
		"currency": r.currency(),
	}).Info("thales reader started")
	return nil
}

// Stop waits for the poll loop to exit. The loop ends when the context
// passed to Start is cancelled.
func (r *Reader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
	r.log.WithComponent("thales_reader").Info("thales reader stopped")
}

func (r *Reader) poll(interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.pollOnce()

		select {
		case <-ticker.C:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Reader) pollOnce() {
	log := r.log.WithComponent("thales_reader")

	snap, err := r.Snapshot(r.ctx, time.Now())
	metrics.ObservePoll(Provider, err)
	if err != nil {
		if r.ctx.Err() == nil {
			logger.IncrementPollError()
			log.WithError(err).Warn("failed to fetch thales trades")
		}
		return
	}

	if r.channels.SendBook(r.ctx, snap) {
		log.WithFields(logger.Fields{
			"records": len(snap.Records),
			"spot":    snap.Spot,
		}).Debug("snapshot sent to books channel")
	} else if r.ctx.Err() == nil {
		metrics.EmitDropMetric(r.log, metrics.DropMetricBookSnapshot, Provider, snap.Currency, "books")
		log.Warn("books channel is full, dropping snapshot")
	}
}
