package model

import "time"

// Kind classifies a tradeable instrument.
type Kind string

const (
	KindIndex  Kind = "INDEX"
	KindEquity Kind = "EQUITY"
	KindFuture Kind = "FUTURE"
	KindOption Kind = "OPTION"
)

// OptionSide is the option leg type.
type OptionSide string

const (
	CallOption OptionSide = "CE"
	PutOption  OptionSide = "PE"
)

// Instrument represents a tradeable instrument from the instrument master.
// Immutable once loaded; the catalog refresh job owns its lifecycle.
// All prices are int64 in paise (1 INR = 100 paise) to avoid float drift.
type Instrument struct {
	Token          string     `json:"token"`
	Exchange       string     `json:"exchange"` // NSE, NFO, BSE, ...
	Segment        int        `json:"segment"`  // feed exchange-type code (1=NSE_CM, 2=NSE_FO, ...)
	TradingSymbol  string     `json:"trading_symbol"`
	Name           string     `json:"name"` // underlying name, e.g. "NIFTY"
	Kind           Kind       `json:"kind"`
	LotSize        int        `json:"lot_size"`
	StrikeInterval int64      `json:"strike_interval"` // paise; options/futures underlyings only
	Strike         int64      `json:"strike"`          // paise; options only
	Side           OptionSide `json:"side"`            // options only
	Expiry         time.Time  `json:"expiry"`          // options/futures only
}

// Key returns a unique key for this instrument: "exchange:token".
func (i *Instrument) Key() string {
	return i.Exchange + ":" + i.Token
}

// IsOption reports whether the instrument is an option contract.
func (i *Instrument) IsOption() bool {
	return i.Kind == KindOption
}
