package chain

import (
	"fmt"
	"time"
)

// StraddleStrikesPerSide fixes the straddle window at 12 strikes on each
// side of the center (25 rows total). The window size does not change when
// the center moves between calls.
const StraddleStrikesPerSide = 12

// StraddleView is the straddle table for one (underlying, expiry), centered
// on the lowest-combined-premium ATM.
type StraddleView struct {
	Underlying string        `json:"underlying"`
	Expiry     time.Time     `json:"expiry"`
	ATMStrike  int64         `json:"atm_strike"` // paise; lowest-premium method
	Rows       []StraddleRow `json:"rows"`
}

// lowestPremiumATM picks the strike minimizing combined premium among valid
// rows. This selection exists only for the straddle view; it shares no code
// with the LTP-based method and must stay that way.
func lowestPremiumATM(rows []StraddleRow) (int64, bool) {
	var atm int64
	var best int64
	found := false
	for _, r := range rows {
		if !r.Valid {
			continue
		}
		if !found || r.Combined < best {
			best = r.Combined
			atm = r.Strike
			found = true
		}
	}
	return atm, found
}

// BuildStraddleView assembles straddle rows for (underlying, expiry),
// selects the ATM by lowest combined premium, and returns the fixed window
// around it. The ATM is recomputed from current prices on every call, so a
// repeated call may center on a different strike as premiums move.
func (a *Assembler) BuildStraddleView(underlying string, expiry time.Time) (*StraddleView, error) {
	sk, err := a.cat.BuildSkeleton(underlying, expiry)
	if err != nil {
		return nil, err
	}

	rows := a.buildStraddleRows(sk)
	atm, ok := lowestPremiumATM(rows)
	if !ok {
		return nil, &AtmUnresolvableError{
			Underlying: underlying,
			Cause:      fmt.Errorf("no straddle row with both legs priced"),
		}
	}

	strikes := make([]int64, len(rows))
	for i, r := range rows {
		strikes[i] = r.Strike
	}
	lo, hi := windowAround(strikes, atm, StraddleStrikesPerSide)

	return &StraddleView{
		Underlying: underlying,
		Expiry:     expiry,
		ATMStrike:  atm,
		Rows:       rows[lo:hi],
	}, nil
}
