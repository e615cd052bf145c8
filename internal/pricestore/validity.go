package pricestore

import (
	"errors"
	"fmt"

	"chainfeed/internal/markethours"
	"chainfeed/internal/model"
)

// ErrNotFound means no record has ever been stored for the token.
var ErrNotFound = errors.New("pricestore: token not found")

// ErrFeedUnavailable means a record exists but carries no usable price
// (no live print and no last-close to fall back on).
var ErrFeedUnavailable = errors.New("pricestore: no usable price for token")

// StalePriceError marks a price whose timestamp predates the previous
// trading day. Stale prices are rejected, not displayed as live.
type StalePriceError struct {
	Token string
	Age   string
}

func (e *StalePriceError) Error() string {
	return fmt.Sprintf("pricestore: stale price for %s (ts %s behind)", e.Token, e.Age)
}

// CorruptedPriceError marks a price outside its plausible band relative to
// the last known close.
type CorruptedPriceError struct {
	Token     string
	LTP       int64
	LastClose int64
}

func (e *CorruptedPriceError) Error() string {
	return fmt.Sprintf("pricestore: implausible price for %s (ltp=%d close=%d)", e.Token, e.LTP, e.LastClose)
}

// checkValidity applies the usable / stale / plausibility rules to a record.
func (s *Store) checkValidity(rec *model.PriceRecord) error {
	if !rec.Usable() {
		return ErrFeedUnavailable
	}

	now := s.Now()
	if rec.Source != model.SourceLastClose && markethours.OlderThanOneTradingDay(rec.Timestamp, now) {
		return &StalePriceError{Token: rec.Token, Age: now.Sub(rec.Timestamp).Round(1e9).String()}
	}

	if s.MaxDeviationPct > 0 && rec.Source == model.SourceLive {
		if close, ok := s.LastClose(rec.Token); ok && close > 0 {
			dev := float64(rec.LTP-close) / float64(close) * 100
			if dev < 0 {
				dev = -dev
			}
			if dev > s.MaxDeviationPct {
				return &CorruptedPriceError{Token: rec.Token, LTP: rec.LTP, LastClose: close}
			}
		}
	}
	return nil
}
