// Package levels derives resistance, support and gamma concentration levels
// from an aggregate option position book.
//
// The engine is pure: every function is a deterministic function of its
// inputs, holds no package state and may be called concurrently.
package levels

import (
	"fmt"
	"math"
)

// OptionType distinguishes calls from puts.
type OptionType int

const (
	Call OptionType = iota
	Put
)

func (t OptionType) String() string {
	switch t {
	case Call:
		return "call"
	case Put:
		return "put"
	default:
		return fmt.Sprintf("OptionType(%d)", int(t))
	}
}

// Side records whether an exposure is held by a buyer or a writer.
type Side int

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return fmt.Sprintf("Side(%d)", int(s))
	}
}

// Position is one option exposure contributing to the aggregate book.
// Premium is per contract and already expressed in the underlying's quote
// currency.
type Position struct {
	Strike  float64
	Type    OptionType
	Side    Side
	Size    float64
	Premium float64
}

// Validate rejects positions that must never reach the engine.
func (p Position) Validate() error {
	if math.IsNaN(p.Strike) || math.IsInf(p.Strike, 0) || p.Strike <= 0 {
		return fmt.Errorf("strike must be a positive number, got %v", p.Strike)
	}
	if math.IsNaN(p.Size) || math.IsInf(p.Size, 0) || p.Size < 0 {
		return fmt.Errorf("size must be a non-negative number, got %v", p.Size)
	}
	if math.IsNaN(p.Premium) || math.IsInf(p.Premium, 0) {
		return fmt.Errorf("premium must be finite, got %v", p.Premium)
	}
	if p.Type != Call && p.Type != Put {
		return fmt.Errorf("unknown option type %d", int(p.Type))
	}
	if p.Side != Long && p.Side != Short {
		return fmt.Errorf("unknown side %d", int(p.Side))
	}
	return nil
}

// Book holds the buyer and seller sides of one expiry cohort.
type Book struct {
	Longs  []Position
	Shorts []Position
}

// Empty reports whether either side has no positions.
func (b Book) Empty() bool {
	return len(b.Longs) == 0 || len(b.Shorts) == 0
}

// Strikes returns the lowest and highest strike across both sides.
func (b Book) Strikes() (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, side := range [][]Position{b.Longs, b.Shorts} {
		for _, p := range side {
			lo = math.Min(lo, p.Strike)
			hi = math.Max(hi, p.Strike)
			ok = true
		}
	}
	if !ok {
		return 0, 0, false
	}
	return lo, hi, true
}
