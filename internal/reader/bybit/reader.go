// Package bybit polls Bybit option tickers through the official connector
// and turns open interest into option books.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"

	appconfig "optionlevels/config"
	"optionlevels/internal/channel"
	"optionlevels/internal/metrics"
	"optionlevels/internal/models"
	"optionlevels/logger"
)

const Provider = "bybit"

// Reader fetches option tickers per configured base coin.
type Reader struct {
	config   *appconfig.Config
	client   *bybit.Client
	channels *channel.Channels
	limiter  *rate.Limiter
	ctx      context.Context
	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewReader(cfg *appconfig.Config, ch *channel.Channels) *Reader {
	log := logger.GetLogger()

	base := cfg.Source.Bybit.URL
	if base == "" {
		base = "https://api.bybit.com"
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(strings.TrimRight(base, "/")))
	client.HTTPClient = &http.Client{Timeout: cfg.Reader.Timeout}

	rps := cfg.Reader.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	log.WithComponent("bybit_reader").WithFields(logger.Fields{
		"base_url": base,
		"timeout":  cfg.Reader.Timeout.String(),
	}).Info("bybit option reader initialized")

	return &Reader{
		config:   cfg,
		client:   client,
		channels: ch,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		log:      log,
	}
}

// Snapshot fetches the option tickers for currency.
func (r *Reader) Snapshot(ctx context.Context, currency string, now time.Time) (models.BookSnapshot, error) {
	currency = strings.ToUpper(currency)
	log := r.log.WithComponent("bybit_reader").WithFields(logger.Fields{
		"currency":  currency,
		"operation": "fetch_tickers",
	})

	if err := r.limiter.Wait(ctx); err != nil {
		return models.BookSnapshot{}, err
	}

	params := map[string]interface{}{
		"category": "option",
		"baseCoin": currency,
	}
	start := time.Now()
	resp, err := r.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return models.BookSnapshot{}, fmt.Errorf("bybit tickers: %w", err)
	}
	if resp.RetCode != 0 {
		return models.BookSnapshot{}, fmt.Errorf("bybit tickers: %d %s", resp.RetCode, resp.RetMsg)
	}
	logger.LogPerformanceEntry(log, "bybit_reader", "api_request", time.Since(start), nil)

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return models.BookSnapshot{}, fmt.Errorf("bybit tickers: marshal: %w", err)
	}

	now = now.UTC()
	records, spot, skipped, err := TickerRecords(payload, currency, now)
	if err != nil {
		return models.BookSnapshot{}, err
	}
	if skipped > 0 {
		log.WithFields(logger.Fields{"skipped": skipped}).Debug("skipped unparseable symbols")
	}
	logger.IncrementPoll(Provider, len(payload))

	return models.BookSnapshot{
		Provider:    Provider,
		Currency:    currency,
		Spot:        spot,
		Records:     records,
		WindowStart: now,
		WindowEnd:   now,
		Timestamp:   now,
	}, nil
}

func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("bybit reader already running")
	}
	cfg := r.config.Source.Bybit
	if !cfg.Enabled {
		r.mu.Unlock()
		return fmt.Errorf("bybit reader disabled via configuration")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	for _, ccy := range cfg.Currencies {
		r.wg.Add(1)
		go r.worker(strings.ToUpper(ccy), interval)
	}

	r.log.WithComponent("bybit_reader").WithFields(logger.Fields{
		"currencies": cfg.Currencies,
		"interval":   interval.String(),
	}).Info("bybit reader started")
	return nil
}

func (r *Reader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("bybit_reader").Info("stopping bybit reader")
	r.wg.Wait()
	r.log.WithComponent("bybit_reader").Info("bybit reader stopped")
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
	log := r.log.WithComponent("bybit_reader").WithFields(logger.Fields{"currency": currency})

	snap, err := r.Snapshot(r.ctx, currency, time.Now())
	metrics.ObservePoll(Provider, err)
	if err != nil {
		if r.ctx.Err() == nil {
			logger.IncrementPollError()
			log.WithError(err).Warn("failed to fetch bybit tickers")
		}
		return
	}

	if r.channels.SendBook(r.ctx, snap) {
		logger.LogDataFlowEntry(log, "bybit_api", "books_channel", len(snap.Records), "option_records")
	} else if r.ctx.Err() == nil {
		metrics.EmitDropMetric(r.log, metrics.DropMetricBookSnapshot, Provider, currency, "books")
		log.Warn("books channel is full, dropping snapshot")
	}
}
