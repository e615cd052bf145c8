package model

// Side is the transaction side of an order leg.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderStyle is how the leg is priced.
type OrderStyle string

const (
	Market OrderStyle = "MARKET"
	Limit  OrderStyle = "LIMIT"
)

// Leg is one priced leg of an order intent.
// Lots is the user-entered lot count; the quantity sent downstream is
// always Lots × the instrument's lot size.
type Leg struct {
	Token      string     `json:"token"`
	Side       Side       `json:"side"`
	Lots       int        `json:"lots"`
	Style      OrderStyle `json:"style"`
	LimitPrice int64      `json:"limit_price,omitempty"` // paise; required iff Style == Limit
}

// BracketParams carries the extra prices of a bracket ("super") order.
// TargetPrice and StopLossPrice are both required; TrailingJump is optional.
type BracketParams struct {
	TargetPrice   int64 `json:"target_price"`    // paise
	StopLossPrice int64 `json:"stop_loss_price"` // paise
	TrailingJump  int64 `json:"trailing_jump,omitempty"`
}

// BasketRef names the basket an intent belongs to.
// Append=true references an existing basket; otherwise a new one is created.
type BasketRef struct {
	Name   string `json:"name"`
	Append bool   `json:"append"`
}

// OrderIntent is a validated-but-not-placed order: one or more legs plus
// optional bracket and basket attributes. Placement itself is owned by the
// external order-placement collaborator.
type OrderIntent struct {
	Legs    []Leg          `json:"legs"`
	Product string         `json:"product"` // INTRADAY, CARRYFORWARD, DELIVERY
	Bracket *BracketParams `json:"bracket,omitempty"`
	Basket  *BasketRef     `json:"basket,omitempty"`
}
