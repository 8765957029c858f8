package writer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"optionlevels/internal/models"
)

// DailyLayout formats the date column of the daily file.
const DailyLayout = "02/01/2006"

var dailyHeader = []string{"date", "high", "low", "buyerGamma", "sellerGamma"}

// DailyRow is one line of the daily file.
type DailyRow struct {
	Date        time.Time
	High        float64
	Low         float64
	BuyerGamma  float64
	SellerGamma float64
}

// DailyCSVSink keeps one line per UTC day, replacing the day's line on every
// write and retaining the most recent days.
type DailyCSVSink struct {
	path      string
	retention int
	mu        sync.Mutex
}

// NewDailyCSVSink builds a sink. retention <= 0 keeps every day.
func NewDailyCSVSink(path string, retention int) *DailyCSVSink {
	return &DailyCSVSink{path: path, retention: retention}
}

func (s *DailyCSVSink) Name() string { return "daily_csv" }

func (s *DailyCSVSink) Write(_ context.Context, rows []models.LevelRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, groups := groupByPath(s.path, rows)
	for _, path := range order {
		if err := s.upsert(path, groups[path]); err != nil {
			return err
		}
	}
	return nil
}

func (s *DailyCSVSink) upsert(path string, rows []models.LevelRow) error {
	existing, err := ReadDaily(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	byDay := make(map[string]DailyRow, len(existing)+len(rows))
	for _, d := range existing {
		byDay[d.Date.Format(DailyLayout)] = d
	}
	for _, r := range rows {
		ts := r.Timestamp.UTC()
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		byDay[day.Format(DailyLayout)] = DailyRow{
			Date:        day,
			High:        r.R,
			Low:         r.S,
			BuyerGamma:  r.BG,
			SellerGamma: r.SG,
		}
	}

	out := make([]DailyRow, 0, len(byDay))
	for _, d := range byDay {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	if s.retention > 0 && len(out) > s.retention {
		out = out[len(out)-s.retention:]
	}
	return writeDaily(path, out)
}

func writeDaily(path string, rows []DailyRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	w := csv.NewWriter(f)
	w.Write(dailyHeader)
	for _, d := range rows {
		w.Write([]string{
			d.Date.Format(DailyLayout),
			RoundLevel(d.High),
			RoundLevel(d.Low),
			RoundLevel(d.BuyerGamma),
			RoundLevel(d.SellerGamma),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadDaily loads a daily file. Lines that do not parse are skipped.
func ReadDaily(path string) ([]DailyRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var out []DailyRow
	for _, rec := range records {
		if len(rec) < 3 {
			continue
		}
		date, err := time.Parse(DailyLayout, rec[0])
		if err != nil {
			continue
		}
		vals := make([]float64, 4)
		ok := true
		for i := 1; i < len(rec) && i <= 4; i++ {
			v, err := strconv.ParseFloat(rec[i], 64)
			if err != nil {
				ok = false
				break
			}
			vals[i-1] = v
		}
		if !ok {
			continue
		}
		if len(rec) < 4 {
			vals[2] = vals[0]
		}
		if len(rec) < 5 {
			vals[3] = vals[1]
		}
		out = append(out, DailyRow{Date: date, High: vals[0], Low: vals[1], BuyerGamma: vals[2], SellerGamma: vals[3]})
	}
	return out, nil
}

func (s *DailyCSVSink) Close() error { return nil }
