package models

import (
	"time"

	"optionlevels/internal/levels"
)

// Trade sides as reported by providers. Open-interest records carry no side.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// OptionRecord is one normalized trade or open-interest line from a provider.
// Premium is per contract in USD.
type OptionRecord struct {
	Provider   string
	Instrument string
	Currency   string
	ExpiryCode int
	Type       levels.OptionType
	Side       string
	Strike     float64
	Size       float64
	Premium    float64
	Timestamp  time.Time
}

// BookSnapshot is the result of one provider poll.
type BookSnapshot struct {
	Provider    string
	Currency    string
	Spot        float64
	Records     []OptionRecord
	WindowStart time.Time
	WindowEnd   time.Time
	Timestamp   time.Time
}

// LevelRow is one persisted level computation.
type LevelRow struct {
	Provider   string    `json:"provider"`
	Currency   string    `json:"currency"`
	Timestamp  time.Time `json:"timestamp"`
	ExpiryCode int       `json:"expiry_code"`
	Spot       float64   `json:"spot"`
	R          float64   `json:"r"`
	S          float64   `json:"s"`
	BG         float64   `json:"bg"`
	SG         float64   `json:"sg"`
	Crossings  int       `json:"crossings"`
	Longs      int       `json:"longs"`
	Shorts     int       `json:"shorts"`
}
