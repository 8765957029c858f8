package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"optionlevels/config"
	"optionlevels/internal/channel"
	"optionlevels/internal/levels"
)

const tickersJSON = `{"category":"option","list":[
	{"symbol":"BTC-27DEC24-100000-C","markPrice":"2500","underlyingPrice":"97000","openInterest":"12.5"},
	{"symbol":"BTC-27DEC24-90000-P","markPrice":"800","underlyingPrice":"97000","openInterest":"0"},
	{"symbol":"BTC-27DEC24-95000-P-USDT","markPrice":"1200","underlyingPrice":"97000","openInterest":"3"},
	{"symbol":"ETH-27DEC24-4000-C","markPrice":"100","openInterest":"1"},
	{"symbol":"broken","openInterest":"1"}
]}`

func TestTickerRecords(t *testing.T) {
	ts := time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC)
	records, spot, skipped, err := TickerRecords([]byte(tickersJSON), "btc", ts)
	if err != nil {
		t.Fatalf("TickerRecords: %v", err)
	}
	if spot != 97000 {
		t.Errorf("spot = %v", spot)
	}
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Type != levels.Call || records[0].Size != 12.5 || records[0].Premium != 2500 || records[0].Side != "" {
		t.Errorf("unexpected call record %+v", records[0])
	}
	if records[1].Type != levels.Put || records[1].Strike != 95000 {
		t.Errorf("settle-coin suffix not handled: %+v", records[1])
	}
}

func TestTickerRecordsBadPayload(t *testing.T) {
	if _, _, _, err := TickerRecords([]byte("{"), "BTC", time.Now()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSnapshotFromServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/tickers" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("category") != "option" || q.Get("baseCoin") != "BTC" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":` + tickersJSON + `,"time":1}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Source.Bybit.URL = srv.URL
	cfg.Reader.Timeout = time.Second

	r := NewReader(&cfg, channel.NewChannels(1, 1))
	snap, err := r.Snapshot(context.Background(), "BTC", time.Now())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Provider != Provider || snap.Spot != 97000 || len(snap.Records) != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestStartDisabled(t *testing.T) {
	cfg := config.Default()
	r := NewReader(&cfg, channel.NewChannels(1, 1))
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected disabled error")
	}
}
