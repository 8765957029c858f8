package levels

import "math"

// RangePolicy chooses how the scan window is derived from a book.
type RangePolicy int

const (
	// RangeStrikes scans ±10% around the observed strike range.
	RangeStrikes RangePolicy = iota
	// RangeSpot widens the window to cover ±15% around spot when positions
	// are sparse around the money.
	RangeSpot
)

const (
	strikeMargin = 0.10
	spotMargin   = 0.15
)

// MaxSamples bounds the number of prices one scan pass may evaluate.
const MaxSamples = 2_000_000

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// sampleable reports whether [lo, hi) is a non-empty finite window that
// step walks in at most MaxSamples samples.
func sampleable(lo, hi, step float64) bool {
	if !(step > 0) || !finite(step) || !finite(lo) || !finite(hi) || !(hi > lo) {
		return false
	}
	return (hi-lo)/step <= MaxSamples
}

// ScanRange returns the price window [min, max) searched for crossings.
func ScanRange(b Book, policy RangePolicy, spot float64) (lo, hi float64, ok bool) {
	minStrike, maxStrike, ok := b.Strikes()
	if !ok {
		return 0, 0, false
	}
	lo = minStrike * (1 - strikeMargin)
	hi = maxStrike * (1 + strikeMargin)
	if policy == RangeSpot && spot > 0 {
		lo = math.Min(minStrike, spot*(1-spotMargin))
		hi = math.Max(maxStrike, spot*(1+spotMargin))
	}
	return math.Floor(lo), math.Ceil(hi), true
}

// crossing is one root of the differential together with the sampled
// interval that bracketed it. Exact-zero samples have from == to.
type crossing struct {
	price    float64
	from, to float64
}

// crossingAcc is the fold state carried across sampled prices.
type crossingAcc struct {
	prevPrice float64
	prevDiff  float64 // last non-zero differential
	primed    bool
	atZero    bool
	found     []crossing
}

func (acc crossingAcc) next(price, diff float64) crossingAcc {
	switch {
	case diff == 0:
		if !acc.atZero {
			acc.found = append(acc.found, crossing{price: price, from: price, to: price})
		}
		acc.atZero = true
	case acc.atZero:
		// the sign change across a recorded zero is not a second root
		acc.atZero = false
		acc.prevDiff = diff
		acc.primed = true
	default:
		if acc.primed && acc.prevDiff*diff < 0 {
			prev := math.Abs(acc.prevDiff)
			t := prev / (prev + math.Abs(diff))
			acc.found = append(acc.found, crossing{
				price: acc.prevPrice + t*(price-acc.prevPrice),
				from:  acc.prevPrice,
				to:    price,
			})
		}
		acc.prevDiff = diff
		acc.primed = true
	}
	acc.prevPrice = price
	return acc
}

// fold samples the differential from lo in increments of step. The upper
// bound is exclusive unless closed is set, in which case hi itself is the
// final sample.
func fold(longs, shorts []Position, lo, hi, step float64, closed bool) []crossing {
	var acc crossingAcc
	for i := 0; ; i++ {
		price := lo + float64(i)*step
		if price >= hi {
			break
		}
		acc = acc.next(price, differential(longs, shorts, price))
	}
	if closed {
		acc = acc.next(hi, differential(longs, shorts, hi))
	}
	return acc.found
}

func prices(cs []crossing) []float64 {
	out := make([]float64, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.price)
	}
	return out
}

// FindCrossings walks [priceMin, priceMax) in increments of step and returns,
// in ascending order, every price where the buyer PnL of longs equals the
// seller PnL of shorts. Roots between samples are linearly interpolated;
// a sample landing exactly on a root is reported at that price.
func FindCrossings(longs, shorts []Position, priceMin, priceMax, step float64) []float64 {
	if !sampleable(priceMin, priceMax, step) {
		return nil
	}
	return prices(fold(longs, shorts, priceMin, priceMax, step, false))
}

// RefineCrossings locates brackets with a coarse scan and re-scans each
// bracket at the fine step. Two roots hidden inside one coarse interval
// cancel out and are not seen.
func RefineCrossings(longs, shorts []Position, priceMin, priceMax, coarse, fine float64) []float64 {
	if !(fine > 0) || !finite(fine) {
		return nil
	}
	if !(coarse > fine) {
		return FindCrossings(longs, shorts, priceMin, priceMax, fine)
	}
	if !sampleable(priceMin, priceMax, coarse) || coarse/fine > MaxSamples {
		return nil
	}

	var out []float64
	for _, c := range fold(longs, shorts, priceMin, priceMax, coarse, false) {
		if c.from == c.to {
			out = append(out, c.price)
			continue
		}
		refined := fold(longs, shorts, c.from, c.to, fine, true)
		if len(refined) == 0 {
			out = append(out, c.price)
			continue
		}
		out = append(out, prices(refined)...)
	}
	return out
}
