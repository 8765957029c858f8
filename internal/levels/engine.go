package levels

import (
	"fmt"
	"math"
)

// Params are the scan and policy knobs of one pipeline.
type Params struct {
	// Step is the scan granularity in quote currency units.
	Step float64
	// CoarseStep enables the two-pass scan when greater than Step.
	CoarseStep float64
	Range      RangePolicy
	Single     SinglePolicy
	Weighting  Weighting
}

// DefaultParams scans at unit granularity around the strike range and
// collapses single crossings.
func DefaultParams() Params {
	return Params{
		Step:      1,
		Range:     RangeStrikes,
		Single:    SingleCollapse,
		Weighting: WeightMean,
	}
}

func (p Params) Validate() error {
	if !(p.Step > 0) || math.IsInf(p.Step, 0) {
		return fmt.Errorf("step must be positive and finite, got %v", p.Step)
	}
	if math.IsNaN(p.CoarseStep) || math.IsInf(p.CoarseStep, 0) {
		return fmt.Errorf("coarse step must be finite, got %v", p.CoarseStep)
	}
	if p.CoarseStep != 0 && p.CoarseStep < p.Step {
		return fmt.Errorf("coarse step %v must be zero or at least step %v", p.CoarseStep, p.Step)
	}
	if p.CoarseStep/p.Step > MaxSamples {
		return fmt.Errorf("coarse step %v is more than %d fine steps", p.CoarseStep, MaxSamples)
	}
	switch p.Range {
	case RangeStrikes, RangeSpot:
	default:
		return fmt.Errorf("unknown range policy %d", int(p.Range))
	}
	switch p.Single {
	case SingleCollapse, SingleSpotOffset:
	default:
		return fmt.Errorf("unknown single-crossing policy %d", int(p.Single))
	}
	switch p.Weighting {
	case WeightMean, WeightMedian, WeightNearMoney:
	default:
		return fmt.Errorf("unknown weighting %d", int(p.Weighting))
	}
	return nil
}

// Scannable reports whether [lo, hi) can be sampled within MaxSamples at
// the step Compute would use for the outer pass.
func (p Params) Scannable(lo, hi float64) bool {
	step := p.Step
	if p.CoarseStep > p.Step {
		step = p.CoarseStep
	}
	return sampleable(lo, hi, step)
}

// Result holds the four derived levels. S <= R and BG >= SG always hold.
type Result struct {
	R, S, BG, SG float64
	// Crossings is the number of roots the scan found.
	Crossings int
}

// Compute derives levels from b. It reports false when either side of the
// book is empty or when the scan window would need more than MaxSamples
// samples; callers treat that as a skipped period. Params are assumed to
// have passed Validate.
func Compute(b Book, p Params, spot float64) (Result, bool) {
	if b.Empty() {
		return Result{}, false
	}
	lo, hi, ok := ScanRange(b, p.Range, spot)
	if !ok || !p.Scannable(lo, hi) {
		return Result{}, false
	}

	var crossings []float64
	if p.CoarseStep > p.Step {
		crossings = RefineCrossings(b.Longs, b.Shorts, lo, hi, p.CoarseStep, p.Step)
	} else {
		crossings = FindCrossings(b.Longs, b.Shorts, lo, hi, p.Step)
	}

	minStrike, maxStrike, _ := b.Strikes()
	s, r := SelectLevels(crossings, Fallback{MinStrike: minStrike, MaxStrike: maxStrike}, p.Single, spot)
	bg, sg := gammaLevels(b, p.Weighting, spot, s, r)

	return Result{R: r, S: s, BG: bg, SG: sg, Crossings: len(crossings)}, true
}
