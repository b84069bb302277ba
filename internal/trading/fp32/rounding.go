package fp32

// Action identifies the order-book operation a conversion is performed for.
type Action uint8

const (
	ActionPost Action = iota
	ActionFill
	ActionCancel
)

// Direction is the economic side of the order that triggers the conversion.
type Direction uint8

const (
	DirectionBorrow Direction = iota
	DirectionLend
)

// RoundingMode selects between MulFloor and MulCeil.
type RoundingMode uint8

const (
	Floor RoundingMode = iota
	Ceil
)

// FIXME: every action rounds down on both sides. Rounding against the user
// (ceil when the user pays, floor when the user receives) would stop dust from
// leaking out of the vault, but the market has always settled with floor and
// changing it alters fill amounts for existing makers.
var roundingTable = [3][2]RoundingMode{
	ActionPost:   {DirectionBorrow: Floor, DirectionLend: Floor},
	ActionFill:   {DirectionBorrow: Floor, DirectionLend: Floor},
	ActionCancel: {DirectionBorrow: Floor, DirectionLend: Floor},
}

// RoundingFor returns the rounding mode used when converting quantities for
// the given action and direction.
func RoundingFor(a Action, d Direction) RoundingMode {
	return roundingTable[a][d]
}

// Quote converts a base quantity at price p using the rounding mode configured
// for (a, d).
func Quote(base uint64, p Price, a Action, d Direction) (uint64, error) {
	if RoundingFor(a, d) == Ceil {
		return MulCeil(base, p)
	}
	return MulFloor(base, p)
}
