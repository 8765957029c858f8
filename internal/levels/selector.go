package levels

// SinglePolicy resolves a scan that produced exactly one crossing.
type SinglePolicy int

const (
	// SingleCollapse reports the lone crossing as both support and resistance.
	SingleCollapse SinglePolicy = iota
	// SingleSpotOffset keeps the crossing on its side of spot and places the
	// missing boundary 5% away from spot.
	SingleSpotOffset
)

const spotOffset = 0.05

// Fallback carries the bounds used when no crossing is found.
type Fallback struct {
	MinStrike float64
	MaxStrike float64
}

// SelectLevels turns an ascending crossing sequence into support and
// resistance. Interior crossings are discarded. The result always satisfies
// s <= r.
func SelectLevels(crossings []float64, fb Fallback, policy SinglePolicy, spot float64) (s, r float64) {
	useSpot := policy == SingleSpotOffset && spot > 0

	switch n := len(crossings); {
	case n >= 2:
		s, r = crossings[0], crossings[n-1]
	case n == 1:
		c := crossings[0]
		switch {
		case !useSpot:
			s, r = c, c
		case c < spot:
			s, r = c, spot*(1+spotOffset)
		default:
			s, r = spot*(1-spotOffset), c
		}
	default:
		if useSpot {
			s, r = spot*(1-spotOffset), spot*(1+spotOffset)
		} else {
			s, r = fb.MinStrike, fb.MaxStrike
		}
	}

	if s > r {
		s, r = r, s
	}
	return s, r
}
