// Package book groups provider records into expiry cohorts and builds the
// position book handed to the level engine.
package book

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"optionlevels/internal/levels"
	"optionlevels/internal/models"
)

const day = 24 * time.Hour

// NearWindowDays bounds the preferred expiry window after today.
const NearWindowDays = 7

// ExpiryCode returns the number of whole UTC days since the Unix epoch.
func ExpiryCode(t time.Time) int {
	return int(t.UTC().Unix() / int64(day/time.Second))
}

// ExpiryDate returns UTC midnight of the day identified by code.
func ExpiryDate(code int) time.Time {
	return time.Unix(int64(code)*int64(day/time.Second), 0).UTC()
}

// Instrument is a parsed exchange option symbol.
type Instrument struct {
	Currency   string
	ExpiryCode int
	Strike     float64
	Type       levels.OptionType
}

// ParseInstrument parses exchange option names of the form
// BTC-27DEC24-100000-C. A trailing settle-coin segment is ignored.
func ParseInstrument(name string) (Instrument, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(name)), "-")
	if len(parts) < 4 {
		return Instrument{}, fmt.Errorf("instrument %q: expected CCY-DDMMMYY-STRIKE-C|P", name)
	}

	expiry, err := time.Parse("2Jan06", titleMonth(parts[1]))
	if err != nil {
		return Instrument{}, fmt.Errorf("instrument %q: bad expiry: %w", name, err)
	}
	strike, err := strconv.ParseFloat(strings.ReplaceAll(parts[2], "D", "."), 64)
	if err != nil || strike <= 0 {
		return Instrument{}, fmt.Errorf("instrument %q: bad strike %q", name, parts[2])
	}

	var typ levels.OptionType
	switch parts[3] {
	case "C":
		typ = levels.Call
	case "P":
		typ = levels.Put
	default:
		return Instrument{}, fmt.Errorf("instrument %q: bad option type %q", name, parts[3])
	}

	return Instrument{
		Currency:   parts[0],
		ExpiryCode: ExpiryCode(expiry),
		Strike:     strike,
		Type:       typ,
	}, nil
}

// titleMonth turns 27DEC24 into 27Dec24 for time.Parse.
func titleMonth(s string) string {
	i := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if i < 0 || len(s) < i+3 {
		return s
	}
	return s[:i+1] + strings.ToLower(s[i+1:i+3]) + s[i+3:]
}

// Volumes aggregates record size per expiry code.
func Volumes(records []models.OptionRecord) map[int]float64 {
	out := make(map[int]float64)
	for _, r := range records {
		out[r.ExpiryCode] += r.Size
	}
	return out
}

// SelectExpiry picks the cohort to aggregate: the highest-volume code in
// (today, today+7], else the nearest code after today. Only codes with
// positive volume qualify and ties go to the lower code.
func SelectExpiry(volumes map[int]float64, now time.Time) (int, bool) {
	today := ExpiryCode(now)

	codes := make([]int, 0, len(volumes))
	for code, v := range volumes {
		if v > 0 && code > today {
			codes = append(codes, code)
		}
	}
	if len(codes) == 0 {
		return 0, false
	}
	sort.Ints(codes)

	best, found := 0, false
	for _, code := range codes {
		if code > today+NearWindowDays {
			break
		}
		if !found || volumes[code] > volumes[best] {
			best, found = code, true
		}
	}
	if found {
		return best, true
	}
	return codes[0], true
}

// Expiry describes one cohort for listing.
type Expiry struct {
	Code     int
	Date     time.Time
	Volume   float64
	DaysAway int
}

// ListExpiries returns every cohort ordered by code.
func ListExpiries(volumes map[int]float64, now time.Time) []Expiry {
	today := ExpiryCode(now)
	out := make([]Expiry, 0, len(volumes))
	for code, v := range volumes {
		out = append(out, Expiry{Code: code, Date: ExpiryDate(code), Volume: v, DaysAway: code - today})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Build filters records to one expiry and splits them into the buyer and
// seller sides. Records without a side are open interest and count on both.
// Invalid records are dropped and counted.
func Build(records []models.OptionRecord, code int) (levels.Book, int) {
	var b levels.Book
	dropped := 0
	for _, r := range records {
		if r.ExpiryCode != code {
			continue
		}
		p := levels.Position{Strike: r.Strike, Type: r.Type, Size: r.Size, Premium: r.Premium}
		if err := p.Validate(); err != nil {
			dropped++
			continue
		}
		switch r.Side {
		case models.SideBuy:
			b.Longs = append(b.Longs, p)
		case models.SideSell:
			p.Side = levels.Short
			b.Shorts = append(b.Shorts, p)
		default:
			b.Longs = append(b.Longs, p)
			p.Side = levels.Short
			b.Shorts = append(b.Shorts, p)
		}
	}
	return b, dropped
}
