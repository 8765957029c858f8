package api

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"optionlevels/internal/models"
)

// RowStore keeps the most recent level rows in memory. It is a writer sink
// so the dispatcher feeds it like any other destination.
type RowStore struct {
	mu     sync.RWMutex
	items  []models.LevelRow
	limit  int
	latest map[string]models.LevelRow
}

func NewRowStore(limit int) *RowStore {
	if limit <= 0 {
		limit = 1440
	}
	return &RowStore{limit: limit, latest: make(map[string]models.LevelRow)}
}

func storeKey(provider, currency string) string {
	return strings.ToLower(provider) + "|" + strings.ToUpper(currency)
}

func (s *RowStore) Name() string { return "memory" }

func (s *RowStore) Write(_ context.Context, rows []models.LevelRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rows {
		s.items = append(s.items, r)
		k := storeKey(r.Provider, r.Currency)
		if prev, ok := s.latest[k]; !ok || !r.Timestamp.Before(prev.Timestamp) {
			s.latest[k] = r
		}
	}
	if len(s.items) > s.limit {
		s.items = append([]models.LevelRow(nil), s.items[len(s.items)-s.limit:]...)
	}
	return nil
}

func (s *RowStore) Close() error { return nil }

// Recent returns up to n rows matching the filters, oldest first. Empty
// filters match everything.
func (s *RowStore) Recent(provider, currency string, n int) []models.LevelRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.LevelRow
	for i := len(s.items) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		r := s.items[i]
		if provider != "" && !strings.EqualFold(r.Provider, provider) {
			continue
		}
		if currency != "" && !strings.EqualFold(r.Currency, currency) {
			continue
		}
		out = append(out, r)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Latest returns the newest row per provider and currency.
func (s *RowStore) Latest() []models.LevelRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.LevelRow, 0, len(s.latest))
	for _, r := range s.latest {
		out = append(out, r)
	}
	return out
}

// logRecord is a captured log entry served by /api/logs.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook retaining recent warnings and errors.
type logStore struct {
	mu      sync.RWMutex
	items   []logRecord
	limit   int
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	if limit <= 0 {
		limit = 200
	}
	ls := &logStore{limit: limit}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}
	for k, v := range entry.Data {
		if k == "component" {
			continue
		}
		if record.Fields == nil {
			record.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			record.Fields[k] = val.Error()
		case fmt.Stringer:
			record.Fields[k] = val.String()
		default:
			record.Fields[k] = val
		}
	}

	s.mu.Lock()
	s.items = append(s.items, record)
	if len(s.items) > s.limit {
		s.items = append([]logRecord(nil), s.items[len(s.items)-s.limit:]...)
	}
	s.mu.Unlock()
	return nil
}

func (s *logStore) snapshot() []logRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]logRecord, len(s.items))
	copy(out, s.items)
	return out
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
