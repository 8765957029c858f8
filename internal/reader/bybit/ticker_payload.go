package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"optionlevels/internal/book"
	"optionlevels/internal/models"
)

// optionTicker is one entry of /v5/market/tickers for category=option.
// Prices are quoted in USD.
type optionTicker struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	UnderlyingPrice string `json:"underlyingPrice"`
	OpenInterest    string `json:"openInterest"`
	Volume24h       string `json:"volume24h"`
}

type tickersResult struct {
	Category string         `json:"category"`
	List     []optionTicker `json:"list"`
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// TickerRecords converts a tickers result into open-interest records and
// returns the first positive underlying price as spot.
func TickerRecords(payload []byte, currency string, ts time.Time) ([]models.OptionRecord, float64, int, error) {
	var res tickersResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, 0, 0, fmt.Errorf("decode tickers: %w", err)
	}

	var (
		out     []models.OptionRecord
		spot    float64
		skipped int
	)
	currency = strings.ToUpper(currency)
	for _, tk := range res.List {
		inst, err := book.ParseInstrument(tk.Symbol)
		if err != nil || inst.Currency != currency {
			skipped++
			continue
		}
		if spot <= 0 {
			if spot = parseFloat(tk.UnderlyingPrice); spot <= 0 {
				spot = parseFloat(tk.IndexPrice)
			}
		}
		oi := parseFloat(tk.OpenInterest)
		if oi <= 0 {
			continue
		}
		out = append(out, models.OptionRecord{
			Provider:   Provider,
			Instrument: tk.Symbol,
			Currency:   currency,
			ExpiryCode: inst.ExpiryCode,
			Type:       inst.Type,
			Strike:     inst.Strike,
			Size:       oi,
			Premium:    parseFloat(tk.MarkPrice),
			Timestamp:  ts,
		})
	}
	return out, spot, skipped, nil
}
