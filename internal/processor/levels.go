// Package processor turns provider snapshots into level rows.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "optionlevels/config"
	"optionlevels/internal/book"
	"optionlevels/internal/channel"
	"optionlevels/internal/levels"
	"optionlevels/internal/metrics"
	"optionlevels/internal/models"
	"optionlevels/logger"
)

// Skip reasons reported with skipped snapshots.
const (
	SkipNoRecords = "no_records"
	SkipNoExpiry  = "no_expiry"
	SkipEmptySide = "empty_side"
	SkipTooWide   = "scan_too_wide"
)

// Outcome describes why Process did or did not produce a row.
type Outcome struct {
	Reason  string
	Dropped int
}

// Processor runs a pool of workers that consume Books and produce Rows.
type Processor struct {
	config   *appconfig.Config
	params   levels.Params
	channels *channel.Channels
	ctx      context.Context
	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

// New validates the configured engine parameters and builds a processor.
func New(cfg *appconfig.Config, ch *channel.Channels) (*Processor, error) {
	params, err := cfg.Levels.Params()
	if err != nil {
		return nil, err
	}
	return &Processor{
		config:   cfg,
		params:   params,
		channels: ch,
		log:      logger.GetLogger(),
	}, nil
}

// Params returns the engine parameters in use.
func (p *Processor) Params() levels.Params {
	return p.params
}

// Process computes the level row for one snapshot. The expiry is picked
// from the snapshot's own records relative to its timestamp. It reports
// false with a skip reason when no row can be produced.
func (p *Processor) Process(snap models.BookSnapshot) (models.LevelRow, Outcome, bool) {
	return Compute(snap, p.params)
}

// Compute is Process without a processor, for one-shot callers.
func Compute(snap models.BookSnapshot, params levels.Params) (models.LevelRow, Outcome, bool) {
	if len(snap.Records) == 0 {
		return models.LevelRow{}, Outcome{Reason: SkipNoRecords}, false
	}

	now := snap.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	code, ok := book.SelectExpiry(book.Volumes(snap.Records), now)
	if !ok {
		return models.LevelRow{}, Outcome{Reason: SkipNoExpiry}, false
	}
	return ComputeExpiry(snap, code, params)
}

// ComputeExpiry computes the row for an explicitly chosen expiry.
func ComputeExpiry(snap models.BookSnapshot, code int, params levels.Params) (models.LevelRow, Outcome, bool) {
	b, dropped := book.Build(snap.Records, code)
	out := Outcome{Dropped: dropped}

	res, ok := levels.Compute(b, params, snap.Spot)
	if !ok {
		out.Reason = SkipEmptySide
		if !b.Empty() {
			out.Reason = SkipTooWide
		}
		return models.LevelRow{}, out, false
	}

	return models.LevelRow{
		Provider:   snap.Provider,
		Currency:   snap.Currency,
		Timestamp:  snap.Timestamp.UTC(),
		ExpiryCode: code,
		Spot:       snap.Spot,
		R:          res.R,
		S:          res.S,
		BG:         res.BG,
		SG:         res.SG,
		Crossings:  res.Crossings,
		Longs:      len(b.Longs),
		Shorts:     len(b.Shorts),
	}, out, true
}

func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("processor already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	numWorkers := p.config.Processor.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.log.WithComponent("processor").WithFields(logger.Fields{
		"workers":   numWorkers,
		"step":      p.params.Step,
		"weighting": p.config.Levels.Weighting,
	}).Info("level processor started")
	return nil
}

// Stop waits for the workers. They exit when the Start context is cancelled
// or the Books channel is closed.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.log.WithComponent("processor").Info("level processor stopped")
}

func (p *Processor) worker(id int) {
	defer p.wg.Done()

	log := p.log.WithComponent("processor").WithFields(logger.Fields{"worker_id": id})
	for {
		select {
		case <-p.ctx.Done():
			log.Debug("worker stopped due to context cancellation")
			return
		case snap, ok := <-p.channels.Books:
			if !ok {
				log.Debug("books channel closed, worker stopping")
				return
			}
			p.handle(snap)
		}
	}
}

func (p *Processor) handle(snap models.BookSnapshot) {
	log := p.log.WithComponent("processor").WithFields(logger.Fields{
		"provider": snap.Provider,
		"currency": snap.Currency,
		"records":  len(snap.Records),
	})

	start := time.Now()
	row, out, ok := p.Process(snap)
	if out.Dropped > 0 {
		log.WithFields(logger.Fields{"dropped": out.Dropped}).Debug("dropped invalid records")
	}
	if !ok {
		logger.IncrementSkipped()
		metrics.ObserveSkipped(snap.Provider, out.Reason)
		log.WithFields(logger.Fields{"reason": out.Reason}).Info("no levels for period")
		return
	}

	took := time.Since(start)
	logger.IncrementComputed()
	metrics.ObserveComputed(snap.Provider, snap.Currency, row.Crossings, took)
	logger.LogPerformanceEntry(log, "processor", "compute_levels", took, logger.Fields{
		"crossings": row.Crossings,
	})

	if !p.channels.SendRow(p.ctx, row) && p.ctx.Err() == nil {
		metrics.EmitDropMetric(p.log, metrics.DropMetricLevelRow, snap.Provider, snap.Currency, "rows")
		log.Warn("rows channel is full, dropping level row")
	}
}
