package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "optionlevels/config"
	"optionlevels/internal/channel"
	"optionlevels/internal/metrics"
	"optionlevels/internal/models"
	"optionlevels/logger"
)

// Dispatcher drains the Rows channel into batches and hands every batch to
// each sink. A failing sink does not stop the others.
type Dispatcher struct {
	config   *appconfig.Config
	channels *channel.Channels
	sinks    []Sink
	ctx      context.Context
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	log      *logger.Log

	batch []models.LevelRow

	batchesWritten int64
	rowsWritten    int64
	errorsCount    int64
}

func NewDispatcher(cfg *appconfig.Config, ch *channel.Channels, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		config:   cfg,
		channels: ch,
		sinks:    sinks,
		log:      logger.GetLogger(),
	}
}

// Sinks returns the configured sinks.
func (d *Dispatcher) Sinks() []Sink {
	return d.sinks
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	if len(d.sinks) == 0 {
		d.mu.Unlock()
		return fmt.Errorf("no sinks configured")
	}
	d.running = true
	d.ctx = ctx
	d.mu.Unlock()

	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	d.log.WithComponent("writer").WithFields(logger.Fields{
		"sinks":          names,
		"batch_size":     d.config.Writer.Batch.Size,
		"flush_interval": d.config.Writer.Batch.Timeout.String(),
	}).Info("writer dispatcher started")

	d.wg.Add(1)
	go d.run()

	d.wg.Add(1)
	go d.metricsReporter()
	return nil
}

// Stop waits for the dispatcher to drain, flushes what is left and closes
// every sink.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.wg.Wait()

	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	d.log.WithComponent("writer").Info("writer dispatcher stopped")
	return errors.Join(errs...)
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	size := d.config.Writer.Batch.Size
	if size < 1 {
		size = 1
	}
	interval := d.config.Writer.Batch.Timeout
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.drain()
			d.flush("shutdown")
			return
		case row, ok := <-d.channels.Rows:
			if !ok {
				d.flush("channel_closed")
				return
			}
			d.batch = append(d.batch, row)
			if len(d.batch) >= size {
				d.flush("batch_size")
			}
		case <-ticker.C:
			d.flush("interval")
		}
	}
}

// drain takes whatever is already buffered on the channel.
func (d *Dispatcher) drain() {
	for {
		select {
		case row, ok := <-d.channels.Rows:
			if !ok {
				return
			}
			d.batch = append(d.batch, row)
		default:
			return
		}
	}
}

func (d *Dispatcher) flush(reason string) {
	if len(d.batch) == 0 {
		return
	}
	rows := d.batch
	d.batch = nil

	// sinks get their own deadline so shutdown flushes still complete
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	d.Dispatch(ctx, rows, reason)
}

// Dispatch writes rows to every sink and reports how many sinks failed.
func (d *Dispatcher) Dispatch(ctx context.Context, rows []models.LevelRow, reason string) int {
	failed := 0
	for _, s := range d.sinks {
		start := time.Now()
		err := s.Write(ctx, rows)
		metrics.ObserveWrite(s.Name(), len(rows), err)

		log := d.log.WithComponent("writer").WithFields(logger.Fields{
			"sink":   s.Name(),
			"rows":   len(rows),
			"reason": reason,
		})
		if err != nil {
			failed++
			atomic.AddInt64(&d.errorsCount, 1)
			log.WithError(err).Error("sink write failed")
			continue
		}
		logger.IncrementRowsWritten(s.Name(), len(rows))
		logger.LogPerformanceEntry(log, "writer", "sink_write", time.Since(start), nil)
	}
	atomic.AddInt64(&d.batchesWritten, 1)
	atomic.AddInt64(&d.rowsWritten, int64(len(rows)))
	return failed
}

// Stats returns the cumulative counters.
func (d *Dispatcher) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		BatchesWritten: atomic.LoadInt64(&d.batchesWritten),
		RowsWritten:    atomic.LoadInt64(&d.rowsWritten),
		ErrorsCount:    atomic.LoadInt64(&d.errorsCount),
		RowsChannelLen: len(d.channels.Rows),
		RowsChannelCap: cap(d.channels.Rows),
	}
}

func (d *Dispatcher) metricsReporter() {
	defer d.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportWriter(d.log, "writer", d.Stats())
		}
	}
}
