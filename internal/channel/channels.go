// Package channel holds the buffered queues between readers, the level
// processor and the writers.
package channel

import (
	"context"
	"sync"
	"time"

	"optionlevels/internal/models"
	"optionlevels/logger"
)

// ChannelStats keeps counters for telemetry.
type ChannelStats struct {
	BooksSent    int64
	BooksDropped int64
	RowsSent     int64
	RowsDropped  int64
}

// Channels carries provider snapshots to the processor and computed rows to
// the writers.
type Channels struct {
	Books chan models.BookSnapshot
	Rows  chan models.LevelRow

	stats     ChannelStats
	mu        sync.RWMutex
	closeOnce sync.Once
	log       *logger.Log
}

func NewChannels(bookBufferSize, rowBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Books: make(chan models.BookSnapshot, bookBufferSize),
		Rows:  make(chan models.LevelRow, rowBufferSize),
		log:   log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"book_buffer_size": bookBufferSize,
		"row_buffer_size":  rowBufferSize,
	}).Info("channels initialized")

	return c
}

// SendBook enqueues a snapshot without blocking. It reports false when the
// buffer is full or ctx is done.
func (c *Channels) SendBook(ctx context.Context, snap models.BookSnapshot) bool {
	select {
	case c.Books <- snap:
		c.update(func(s *ChannelStats) { s.BooksSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.update(func(s *ChannelStats) { s.BooksDropped++ })
		return false
	}
}

// SendRow enqueues a computed row without blocking.
func (c *Channels) SendRow(ctx context.Context, row models.LevelRow) bool {
	select {
	case c.Rows <- row:
		c.update(func(s *ChannelStats) { s.RowsSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.update(func(s *ChannelStats) { s.RowsDropped++ })
		return false
	}
}

func (c *Channels) update(fn func(*ChannelStats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// StartMetricsReporting logs channel statistics every interval until ctx is
// done.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logStats()
			}
		}
	}()
}

func (c *Channels) logStats() {
	stats := c.GetStats()
	c.log.WithComponent("channels").WithFields(logger.Fields{
		"books_sent":    stats.BooksSent,
		"books_dropped": stats.BooksDropped,
		"rows_sent":     stats.RowsSent,
		"rows_dropped":  stats.RowsDropped,
		"books_len":     len(c.Books),
		"books_cap":     cap(c.Books),
		"rows_len":      len(c.Rows),
		"rows_cap":      cap(c.Rows),
	}).Info("channel statistics")
}

// CloseBooks closes the snapshot queue once all readers have stopped.
func (c *Channels) CloseBooks() {
	c.closeOnce.Do(func() { close(c.Books) })
}

// CloseRows closes the row queue once the processor has stopped.
func (c *Channels) CloseRows() {
	close(c.Rows)
	c.log.WithComponent("channels").Info("channels closed")
}
