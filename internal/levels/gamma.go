package levels

import (
	"math"
	"sort"
)

// Weighting selects how a side's strike concentration is measured.
// One pipeline must use one weighting throughout.
type Weighting int

const (
	// WeightMean is the size-weighted arithmetic mean strike.
	WeightMean Weighting = iota
	// WeightMedian is the strike at which cumulative size first reaches half
	// of the total.
	WeightMedian
	// WeightNearMoney is the weighted mean over strikes within 5% of spot.
	WeightNearMoney
)

const nearMoneyBand = 0.05

// WeightedStrike returns the size-weighted strike concentration of
// positions. The boolean is false when total size is zero and the caller
// must substitute its own value.
func WeightedStrike(positions []Position, w Weighting, spot float64) (float64, bool) {
	switch w {
	case WeightMedian:
		return medianStrike(positions)
	case WeightNearMoney:
		if spot > 0 {
			lo, hi := spot*(1-nearMoneyBand), spot*(1+nearMoneyBand)
			near := make([]Position, 0, len(positions))
			for _, p := range positions {
				if p.Strike >= lo && p.Strike <= hi {
					near = append(near, p)
				}
			}
			if v, ok := meanStrike(near); ok {
				return v, true
			}
		}
		return meanStrike(positions)
	default:
		return meanStrike(positions)
	}
}

func meanStrike(positions []Position) (float64, bool) {
	var weighted, total float64
	for _, p := range positions {
		weighted += p.Strike * p.Size
		total += p.Size
	}
	if total <= 0 {
		return 0, false
	}
	// keep the mean inside the strike bounds despite rounding
	v := weighted / total
	lo, hi := strikeBounds(positions)
	return math.Min(math.Max(v, lo), hi), true
}

func medianStrike(positions []Position) (float64, bool) {
	sorted := make([]Position, 0, len(positions))
	var total float64
	for _, p := range positions {
		if p.Size > 0 {
			sorted = append(sorted, p)
			total += p.Size
		}
	}
	if total <= 0 {
		return 0, false
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Strike < sorted[j].Strike })

	half := total / 2
	var cum float64
	for _, p := range sorted {
		cum += p.Size
		if cum >= half {
			return p.Strike, true
		}
	}
	return sorted[len(sorted)-1].Strike, true
}

// strikeBounds only considers positions that carry weight.
func strikeBounds(positions []Position) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, p := range positions {
		if p.Size > 0 {
			lo = math.Min(lo, p.Strike)
			hi = math.Max(hi, p.Strike)
		}
	}
	return lo, hi
}

// gammaLevels computes bg and sg with the midpoint fallback and bg >= sg.
func gammaLevels(b Book, w Weighting, spot, s, r float64) (bg, sg float64) {
	mid := (r + s) / 2
	bg, ok := WeightedStrike(b.Longs, w, spot)
	if !ok {
		bg = mid
	}
	sg, ok = WeightedStrike(b.Shorts, w, spot)
	if !ok {
		sg = mid
	}
	if bg < sg {
		bg, sg = sg, bg
	}
	return bg, sg
}
