package chain

import (
	"fmt"
	"time"
)

// AtmUnresolvableError means the ATM strike cannot be computed because the
// underlying has no usable price. Callers surface this; they never guess a
// center strike.
type AtmUnresolvableError struct {
	Underlying string
	Cause      error
}

func (e *AtmUnresolvableError) Error() string {
	return fmt.Sprintf("chain: ATM unresolvable for %s: %v", e.Underlying, e.Cause)
}

func (e *AtmUnresolvableError) Unwrap() error { return e.Cause }

// LTPBasedATM rounds the underlying's last traded price to the nearest
// strike-interval multiple. This is the only ATM method allowed outside the
// straddle view, and the only one that may size the subscription universe.
func (a *Assembler) LTPBasedATM(underlying string) (int64, error) {
	ins, ok := a.cat.Underlying(underlying)
	if !ok || ins.StrikeInterval <= 0 {
		return 0, &AtmUnresolvableError{Underlying: underlying, Cause: fmt.Errorf("no strike interval for underlying")}
	}
	rec, err := a.store.UnderlyingPrice(underlying)
	if err != nil {
		return 0, &AtmUnresolvableError{Underlying: underlying, Cause: err}
	}

	interval := ins.StrikeInterval
	// Half-up rounding to the nearest interval multiple.
	return (rec.LTP + interval/2) / interval * interval, nil
}

// SubscriptionRange picks the option tokens to subscribe for an underlying:
// the configured number of strikes on each side of the LTP-based ATM, for
// each of the given expiries. Fewer strikes near the edge of the listed
// range return as-is; nothing synthetic is ever added.
func (a *Assembler) SubscriptionRange(underlying string, expiries []time.Time, strikesPerSide int) ([]string, error) {
	atm, err := a.LTPBasedATM(underlying)
	if err != nil {
		return nil, err
	}

	var tokens []string
	for _, expiry := range expiries {
		sk, err := a.cat.BuildSkeleton(underlying, expiry)
		if err != nil {
			continue // expiry not listed yet; skip, don't fail the range
		}
		lo, hi := windowAround(strikeList(sk), atm, strikesPerSide)
		for _, e := range sk.Strikes[lo:hi] {
			if e.CEToken != "" {
				tokens = append(tokens, e.CEToken)
			}
			if e.PEToken != "" {
				tokens = append(tokens, e.PEToken)
			}
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("chain: no listed contracts around ATM for %s", underlying)
	}
	return tokens, nil
}
