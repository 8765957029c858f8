package thales

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	appconfig "optionlevels/config"
	"optionlevels/internal/channel"
	"optionlevels/internal/levels"
	"optionlevels/internal/models"
	"optionlevels/internal/reader/transport"
)

const sample = `0,20084,100000,x,0,2,1500
1,20084,95000,x,1,1.5,800
garbage line
0,20085,105000,x,1,1,600
`

type fixedSpot float64

func (f fixedSpot) Spot(context.Context) (float64, error) { return float64(f), nil }

type failingSpot struct{}

func (failingSpot) Spot(context.Context) (float64, error) { return 0, errors.New("index down") }

func TestParseCSV(t *testing.T) {
	ts := time.Date(2024, 12, 20, 10, 0, 0, 0, time.UTC)
	records, skipped := ParseCSV([]byte(sample), "BTC", ts)
	if skipped != 1 {
		t.Fatalf("expected 1 skipped line, got %d", skipped)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	first := records[0]
	if first.Type != levels.Call || first.Side != models.SideBuy || first.Strike != 100000 ||
		first.Size != 2 || first.Premium != 1500 || first.ExpiryCode != 20084 {
		t.Errorf("unexpected first record: %+v", first)
	}
	if records[1].Type != levels.Put || records[1].Side != models.SideSell {
		t.Errorf("unexpected second record: %+v", records[1])
	}
	if first.Provider != Provider || first.Currency != "BTC" || !first.Timestamp.Equal(ts) {
		t.Errorf("metadata not set: %+v", first)
	}
}

func TestDayWindow(t *testing.T) {
	now := time.Date(2024, 12, 20, 14, 23, 10, 0, time.UTC)
	from, to := DayWindow(now)
	if want := time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC); !from.Equal(want) {
		t.Errorf("from = %s, want %s", from, want)
	}
	if want := time.Date(2024, 12, 20, 14, 59, 59, 0, time.UTC); !to.Equal(want) {
		t.Errorf("to = %s, want %s", to, want)
	}

	from, to = TrailingWindow(now, 6*time.Hour)
	if to.Sub(from) != 6*time.Hour || !to.Equal(now) {
		t.Errorf("unexpected trailing window %s..%s", from, to)
	}
}

func newTestReader(t *testing.T, handler http.HandlerFunc, spot SpotSource) (*Reader, *channel.Channels) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := appconfig.Default()
	cfg.Source.Thales.Enabled = true
	cfg.Source.Thales.URL = srv.URL
	cfg.Source.Thales.IntervalMs = 10
	cfg.Reader.Retry.MaxAttempts = 1

	ch := channel.NewChannels(4, 4)
	return NewReader(&cfg, transport.New(Provider, cfg.Reader), spot, ch), ch
}

func TestSnapshotQueriesWindow(t *testing.T) {
	now := time.Date(2024, 12, 20, 14, 23, 0, 0, time.UTC)
	from, to := DayWindow(now)

	r, _ := newTestReader(t, func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		if q.Get("source") != "1" {
			t.Errorf("missing source parameter")
		}
		if q.Get("fromDate") != "1734652800000" {
			t.Errorf("unexpected fromDate %s", q.Get("fromDate"))
		}
		if q.Get("toDate") == "" {
			t.Errorf("missing toDate")
		}
		w.Write([]byte(sample))
	}, fixedSpot(97000))

	snap, err := r.Snapshot(context.Background(), now)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Records) != 3 || snap.Spot != 97000 {
		t.Fatalf("unexpected snapshot: %d records, spot %v", len(snap.Records), snap.Spot)
	}
	if !snap.WindowStart.Equal(from) || !snap.WindowEnd.Equal(to) {
		t.Errorf("window not recorded: %s..%s", snap.WindowStart, snap.WindowEnd)
	}
}

func TestSnapshotToleratesSpotFailure(t *testing.T) {
	r, _ := newTestReader(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(sample))
	}, failingSpot{})

	snap, err := r.Snapshot(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Spot != 0 {
		t.Fatalf("expected zero spot, got %v", snap.Spot)
	}
}

func TestSnapshotPropagatesHTTPError(t *testing.T) {
	r, _ := newTestReader(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}, nil)

	if _, err := r.Snapshot(context.Background(), time.Now()); err == nil {
		t.Fatal("expected error")
	}
}

func TestStartEmitsSnapshots(t *testing.T) {
	r, ch := newTestReader(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(sample))
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}

	select {
	case snap := <-ch.Books:
		if snap.Provider != Provider || len(snap.Records) != 3 {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot emitted")
	}

	cancel()
	r.Stop()
}

func TestStartDisabled(t *testing.T) {
	cfg := appconfig.Default()
	r := NewReader(&cfg, nil, nil, channel.NewChannels(1, 1))
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected disabled error")
	}
}
