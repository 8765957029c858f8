package deribit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	appconfig "optionlevels/config"
	"optionlevels/internal/channel"
	"optionlevels/internal/metrics"
	"optionlevels/internal/models"
	"optionlevels/logger"
)

// SpotSource supplies the underlying index price.
type SpotSource interface {
	Spot(ctx context.Context) (float64, error)
}

// RESTSpot serves the index price straight from the REST endpoint.
type RESTSpot struct {
	Client   *Client
	Currency string
}

func (r RESTSpot) Spot(ctx context.Context) (float64, error) {
	return r.Client.IndexPrice(ctx, r.Currency)
}

// Reader polls one snapshot per configured currency and interval.
type Reader struct {
	config   *appconfig.Config
	client   *Client
	channels *channel.Channels
	spots    map[string]SpotSource
	streams  []*IndexStream
	ctx      context.Context
	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewReader(cfg *appconfig.Config, fetcher Fetcher, ch *channel.Channels) *Reader {
	client := NewClient(cfg.Source.Deribit.URL, fetcher)
	r := &Reader{
		config:   cfg,
		client:   client,
		channels: ch,
		spots:    make(map[string]SpotSource),
		log:      logger.GetLogger(),
	}
	for _, ccy := range cfg.Source.Deribit.Currencies {
		ccy = strings.ToUpper(ccy)
		if cfg.Source.Deribit.IndexStream {
			s := NewIndexStream(cfg.Source.Deribit.WSURL, ccy, client)
			r.streams = append(r.streams, s)
			r.spots[ccy] = s
			continue
		}
		r.spots[ccy] = RESTSpot{Client: client, Currency: ccy}
	}
	return r
}

// Client exposes the REST client for one-shot commands.
func (r *Reader) Client() *Client {
	return r.client
}

func (r *Reader) spot(ctx context.Context, currency string) (float64, error) {
	if s, ok := r.spots[currency]; ok {
		return s.Spot(ctx)
	}
	return r.client.IndexPrice(ctx, currency)
}

// Snapshot reads the configured book for currency as of now.
func (r *Reader) Snapshot(ctx context.Context, currency string, now time.Time) (models.BookSnapshot, error) {
	currency = strings.ToUpper(currency)
	cfg := r.config.Source.Deribit
	log := r.log.WithComponent("deribit_reader").WithFields(logger.Fields{
		"currency": currency,
		"mode":     cfg.Mode,
	})

	spot, err := r.spot(ctx, currency)
	if err != nil {
		return models.BookSnapshot{}, fmt.Errorf("index price: %w", err)
	}

	snap := models.BookSnapshot{
		Provider:  Provider,
		Currency:  currency,
		Spot:      spot,
		WindowEnd: now.UTC(),
		Timestamp: now.UTC(),
	}

	start := time.Now()
	var skipped int
	switch cfg.Mode {
	case "trades":
		lookback := cfg.Lookback
		if lookback <= 0 {
			lookback = 24 * time.Hour
		}
		snap.WindowStart = snap.WindowEnd.Add(-lookback)
		trades, err := r.client.Trades(ctx, currency, snap.WindowStart, snap.WindowEnd)
		if err != nil {
			return models.BookSnapshot{}, err
		}
		snap.Records, skipped = TradeRecords(trades, currency, spot)
	default:
		snap.WindowStart = snap.WindowEnd
		summaries, err := r.client.BookSummaries(ctx, currency)
		if err != nil {
			return models.BookSnapshot{}, err
		}
		snap.Records, skipped = SummaryRecords(summaries, currency, spot, snap.Timestamp)
	}

	logger.LogPerformanceEntry(log, "deribit_reader", "api_request", time.Since(start), logger.Fields{
		"records": len(snap.Records),
		"skipped": skipped,
	})
	logger.IncrementPoll(Provider, len(snap.Records))
	return snap, nil
}

func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("deribit reader already running")
	}
	cfg := r.config.Source.Deribit
	if !cfg.Enabled {
		r.mu.Unlock()
		return fmt.Errorf("deribit reader disabled via configuration")
	}
	if len(cfg.Currencies) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("no currencies configured for deribit")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	for _, s := range r.streams {
		s.Start(ctx)
	}

	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	for _, ccy := range cfg.Currencies {
		r.wg.Add(1)
		go r.worker(strings.ToUpper(ccy), interval)
	}

	r.log.WithComponent("deribit_reader").WithFields(logger.Fields{
		"currencies":   cfg.Currencies,
		"interval":     interval.String(),
		"mode":         cfg.Mode,
		"index_stream": cfg.IndexStream,
	}).Info("deribit reader started")
	return nil
}

// Stop waits for workers and streams to exit after the Start context is
// cancelled.
func (r *Reader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
	for _, s := range r.streams {
		s.Wait()
	}
	r.log.WithComponent("deribit_reader").Info("deribit reader stopped")
}

func (r *Reader) worker(currency string, interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.pollOnce(currency)

		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reader) pollOnce(currency string) {
	log := r.log.WithComponent("deribit_reader").WithFields(logger.Fields{"currency": currency})

	snap, err := r.Snapshot(r.ctx, currency, time.Now())
	metrics.ObservePoll(Provider, err)
	if err != nil {
		if r.ctx.Err() == nil {
			logger.IncrementPollError()
			log.WithError(err).Warn("failed to read deribit book")
		}
		return
	}

	if r.channels.SendBook(r.ctx, snap) {
		logger.LogDataFlowEntry(log, "deribit_api", "books_channel", len(snap.Records), "option_records")
	} else if r.ctx.Err() == nil {
		metrics.EmitDropMetric(r.log, metrics.DropMetricBookSnapshot, Provider, currency, "books")
		log.Warn("books channel is full, dropping snapshot")
	}
}
