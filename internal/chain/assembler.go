// Package chain assembles option-chain and straddle views by overlaying
// Price Store data onto catalog skeletons.
//
// Two ATM policies live here and must never mix: the LTP-rounded ATM
// (atm_ltp.go) for chains and subscription planning, and the
// lowest-combined-premium ATM (atm_premium.go) for the straddle view only.
// Keeping them in separate files with no shared selection code is a
// business rule, not a style choice.
package chain

import (
	"time"

	"chainfeed/internal/catalog"
	"chainfeed/internal/model"
	"chainfeed/internal/pricestore"
)

// ChainRow is one strike of a live-enhanced option chain. A nil leg means
// no usable price exists for it; legs are never rendered as zero.
type ChainRow struct {
	Strike int64              `json:"strike"` // paise
	CE     *model.PriceRecord `json:"ce,omitempty"`
	PE     *model.PriceRecord `json:"pe,omitempty"`
}

// Chain is the live-enhanced option chain for one (underlying, expiry).
type Chain struct {
	Underlying string     `json:"underlying"`
	Expiry     time.Time  `json:"expiry"`
	Rows       []ChainRow `json:"rows"`
}

// StraddleRow pairs the CE and PE premium at one strike.
type StraddleRow struct {
	Strike   int64 `json:"strike"`  // paise
	CELtp    int64 `json:"ce_ltp"`  // paise
	PELtp    int64 `json:"pe_ltp"`  // paise
	Combined int64 `json:"combined"`
	Valid    bool  `json:"valid"` // both legs usable
}

// Assembler builds chain and straddle views. It is stateless between
// requests; every call reads the current Price Store contents.
type Assembler struct {
	cat   *catalog.Catalog
	store *pricestore.Store
}

// New creates an assembler over the given catalog and price store.
func New(cat *catalog.Catalog, store *pricestore.Store) *Assembler {
	return &Assembler{cat: cat, store: store}
}

// BuildChain returns the skeleton for (underlying, expiry) with each leg's
// current usable price attached. Legs without a usable price stay nil.
func (a *Assembler) BuildChain(underlying string, expiry time.Time) (*Chain, error) {
	sk, err := a.cat.BuildSkeleton(underlying, expiry)
	if err != nil {
		return nil, err
	}

	ch := &Chain{Underlying: underlying, Expiry: expiry, Rows: make([]ChainRow, 0, len(sk.Strikes))}
	for _, e := range sk.Strikes {
		row := ChainRow{Strike: e.Strike}
		if e.CEToken != "" {
			if rec, err := a.store.UsablePrice(e.CEToken); err == nil {
				row.CE = &rec
			}
		}
		if e.PEToken != "" {
			if rec, err := a.store.UsablePrice(e.PEToken); err == nil {
				row.PE = &rec
			}
		}
		ch.Rows = append(ch.Rows, row)
	}
	return ch, nil
}

// buildStraddleRows computes one straddle row per skeleton strike, ordered
// by strike. Rows with an unusable leg are returned with Valid=false so the
// view can render "no data"; they never enter ATM selection.
func (a *Assembler) buildStraddleRows(sk *catalog.Skeleton) []StraddleRow {
	rows := make([]StraddleRow, 0, len(sk.Strikes))
	for _, e := range sk.Strikes {
		row := StraddleRow{Strike: e.Strike}
		var ceOK, peOK bool
		if e.CEToken != "" {
			if rec, err := a.store.UsablePrice(e.CEToken); err == nil {
				row.CELtp = rec.LTP
				ceOK = true
			}
		}
		if e.PEToken != "" {
			if rec, err := a.store.UsablePrice(e.PEToken); err == nil {
				row.PELtp = rec.LTP
				peOK = true
			}
		}
		row.Valid = ceOK && peOK && row.CELtp > 0 && row.PELtp > 0
		if row.Valid {
			row.Combined = row.CELtp + row.PELtp
		}
		rows = append(rows, row)
	}
	return rows
}
