package model

import "time"

// SourceType tells callers where a price came from.
type SourceType string

const (
	SourceLive      SourceType = "LIVE"
	SourceLastClose SourceType = "LAST_CLOSE"
	SourceSimulated SourceType = "SIMULATED"
	SourceInvalid   SourceType = "INVALID" // no live print and no last-close known
)

// DepthLevel is one price/quantity level of the order book.
type DepthLevel struct {
	Price int64 `json:"price"` // paise
	Qty   int64 `json:"qty"`
}

// PriceRecord is the latest known price for one token.
// Overwritten in place on every inbound feed message, never deleted.
type PriceRecord struct {
	Token      string       `json:"token"`
	Exchange   string       `json:"exchange"`
	LTP        int64        `json:"ltp"` // paise
	Bid        int64        `json:"bid,omitempty"`
	Ask        int64        `json:"ask,omitempty"`
	Depth      []DepthLevel `json:"depth,omitempty"`
	Timestamp  time.Time    `json:"ts"` // exchange/feed production time
	Source     SourceType   `json:"source"`
	ReceivedAt time.Time    `json:"received_at"` // local ingestion time
}

// Usable reports whether the record may be shown or used as a price.
// A zero LTP is never usable regardless of source.
func (p *PriceRecord) Usable() bool {
	return p.LTP > 0 && (p.Source == SourceLive || p.Source == SourceLastClose)
}
