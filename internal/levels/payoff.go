package levels

// Perspective selects whose profit a payoff is measured from.
type Perspective int

const (
	Buyer Perspective = iota
	Seller
)

// Intrinsic returns the exercise value of p with the underlying at price.
func Intrinsic(p Position, price float64) float64 {
	var v float64
	if p.Type == Call {
		v = price - p.Strike
	} else {
		v = p.Strike - price
	}
	if v < 0 {
		return 0
	}
	return v
}

// EvaluatePnL sums the size-weighted profit of positions at the given
// underlying price. Buyers earn intrinsic minus premium, sellers the reverse.
func EvaluatePnL(positions []Position, price float64, view Perspective) float64 {
	var total float64
	for _, p := range positions {
		v := Intrinsic(p, price) - p.Premium
		if view == Seller {
			v = -v
		}
		total += v * p.Size
	}
	return total
}

// differential is buyer PnL of longs minus seller PnL of shorts.
func differential(longs, shorts []Position, price float64) float64 {
	return EvaluatePnL(longs, price, Buyer) - EvaluatePnL(shorts, price, Seller)
}
