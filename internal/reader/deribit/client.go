// Package deribit reads option books and index prices from Deribit's public
// JSON-RPC over HTTP API, and streams the index over websocket.
package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"optionlevels/internal/book"
	"optionlevels/internal/models"
)

const (
	Provider   = "deribit"
	defaultURL = "https://www.deribit.com/api/v2"
	tradePage  = 1000
)

// Fetcher performs GET requests. *transport.Client satisfies it.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// APIError is the error member of a JSON-RPC reply.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("deribit error %d: %s", e.Code, e.Message)
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *APIError       `json:"error"`
}

// BookSummary is one instrument of get_book_summary_by_currency. Prices are
// quoted in the base currency.
type BookSummary struct {
	InstrumentName  string  `json:"instrument_name"`
	OpenInterest    float64 `json:"open_interest"`
	MarkPrice       float64 `json:"mark_price"`
	UnderlyingPrice float64 `json:"underlying_price"`
	Volume          float64 `json:"volume"`
}

// Trade is one option trade.
type Trade struct {
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"`
	Amount         float64 `json:"amount"`
	Price          float64 `json:"price"`
	IndexPrice     float64 `json:"index_price"`
	Timestamp      int64   `json:"timestamp"`
}

type tradesPage struct {
	Trades  []Trade `json:"trades"`
	HasMore bool    `json:"has_more"`
}

// Client wraps the public REST endpoints.
type Client struct {
	base    string
	fetcher Fetcher
}

func NewClient(base string, fetcher Fetcher) *Client {
	if base == "" {
		base = defaultURL
	}
	return &Client{base: strings.TrimRight(base, "/"), fetcher: fetcher}
}

func (c *Client) call(ctx context.Context, method string, q url.Values, out interface{}) error {
	body, err := c.fetcher.Get(ctx, c.base+"/public/"+method+"?"+q.Encode())
	if err != nil {
		return fmt.Errorf("deribit %s: %w", method, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("deribit %s: decode: %w", method, err)
	}
	if env.Error != nil {
		return fmt.Errorf("deribit %s: %w", method, env.Error)
	}
	if len(env.Result) == 0 {
		return fmt.Errorf("deribit %s: empty result", method)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("deribit %s: decode result: %w", method, err)
	}
	return nil
}

func indexName(currency string) string {
	return strings.ToLower(currency) + "_usd"
}

// IndexPrice returns the USD index for currency.
func (c *Client) IndexPrice(ctx context.Context, currency string) (float64, error) {
	var res struct {
		IndexPrice float64 `json:"index_price"`
	}
	q := url.Values{"index_name": {indexName(currency)}}
	if err := c.call(ctx, "get_index_price", q, &res); err != nil {
		return 0, err
	}
	if res.IndexPrice <= 0 {
		return 0, fmt.Errorf("deribit get_index_price: non-positive price %v", res.IndexPrice)
	}
	return res.IndexPrice, nil
}

// BookSummaries returns every listed option on currency.
func (c *Client) BookSummaries(ctx context.Context, currency string) ([]BookSummary, error) {
	var res []BookSummary
	q := url.Values{"currency": {strings.ToUpper(currency)}, "kind": {"option"}}
	if err := c.call(ctx, "get_book_summary_by_currency", q, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Trades returns the option trades between from and to, newest page first.
// Pages are walked backwards until the API reports no more.
func (c *Client) Trades(ctx context.Context, currency string, from, to time.Time) ([]Trade, error) {
	var (
		out []Trade
		end = to.UnixMilli()
	)
	start := from.UnixMilli()
	for end >= start {
		q := url.Values{
			"currency":        {strings.ToUpper(currency)},
			"kind":            {"option"},
			"start_timestamp": {strconv.FormatInt(start, 10)},
			"end_timestamp":   {strconv.FormatInt(end, 10)},
			"count":           {strconv.Itoa(tradePage)},
		}
		var page tradesPage
		if err := c.call(ctx, "get_last_trades_by_currency_and_time", q, &page); err != nil {
			return out, err
		}
		if len(page.Trades) == 0 {
			break
		}
		out = append(out, page.Trades...)
		if !page.HasMore {
			break
		}

		oldest := page.Trades[0].Timestamp
		for _, t := range page.Trades[1:] {
			if t.Timestamp < oldest {
				oldest = t.Timestamp
			}
		}
		end = oldest - 1
	}
	return out, nil
}

// SummaryRecords converts book summaries into open-interest records. The
// records carry no side and count on both books.
func SummaryRecords(summaries []BookSummary, currency string, spot float64, ts time.Time) ([]models.OptionRecord, int) {
	var (
		out     []models.OptionRecord
		skipped int
	)
	for _, s := range summaries {
		inst, err := book.ParseInstrument(s.InstrumentName)
		if err != nil {
			skipped++
			continue
		}
		if s.OpenInterest <= 0 {
			continue
		}
		underlying := spot
		if underlying <= 0 {
			underlying = s.UnderlyingPrice
		}
		out = append(out, models.OptionRecord{
			Provider:   Provider,
			Instrument: s.InstrumentName,
			Currency:   strings.ToUpper(currency),
			ExpiryCode: inst.ExpiryCode,
			Type:       inst.Type,
			Strike:     inst.Strike,
			Size:       s.OpenInterest,
			Premium:    s.MarkPrice * underlying,
			Timestamp:  ts,
		})
	}
	return out, skipped
}

// TradeRecords converts trades into buyer and seller records priced at the
// index in force at each trade.
func TradeRecords(trades []Trade, currency string, spot float64) ([]models.OptionRecord, int) {
	var (
		out     []models.OptionRecord
		skipped int
	)
	for _, t := range trades {
		inst, err := book.ParseInstrument(t.InstrumentName)
		if err != nil {
			skipped++
			continue
		}
		side := models.SideBuy
		switch t.Direction {
		case "buy":
		case "sell":
			side = models.SideSell
		default:
			skipped++
			continue
		}
		index := t.IndexPrice
		if index <= 0 {
			index = spot
		}
		out = append(out, models.OptionRecord{
			Provider:   Provider,
			Instrument: t.InstrumentName,
			Currency:   strings.ToUpper(currency),
			ExpiryCode: inst.ExpiryCode,
			Type:       inst.Type,
			Side:       side,
			Strike:     inst.Strike,
			Size:       t.Amount,
			Premium:    t.Price * index,
			Timestamp:  time.UnixMilli(t.Timestamp).UTC(),
		})
	}
	return out, skipped
}
