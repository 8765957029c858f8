package writer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"optionlevels/internal/models"
)

// MinuteLayout formats the datetime column of the minute series.
const MinuteLayout = "2006-01-02T15:04"

var minuteHeader = []string{"datetime", "R", "S", "BG", "SG"}

// CSVSink appends one line per row to a minute series file. The path may
// contain {provider} and {currency}.
type CSVSink struct {
	path string
	mu   sync.Mutex
}

func NewCSVSink(path string) *CSVSink {
	return &CSVSink{path: path}
}

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) Write(_ context.Context, rows []models.LevelRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, groups := groupByPath(s.path, rows)
	for _, path := range order {
		if err := appendMinute(path, groups[path]); err != nil {
			return err
		}
	}
	return nil
}

func appendMinute(path string, rows []models.LevelRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}

	_, statErr := os.Stat(path)
	fresh := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(minuteHeader); err != nil {
			return err
		}
	}
	for _, r := range rows {
		rec := []string{
			r.Timestamp.UTC().Format(MinuteLayout),
			RoundLevel(r.R),
			RoundLevel(r.S),
			RoundLevel(r.BG),
			RoundLevel(r.SG),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *CSVSink) Close() error { return nil }
