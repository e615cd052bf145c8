// Package orders gates order intents on structural correctness and margin
// sufficiency. It decides; the external order-placement collaborator acts.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chainfeed/pkg/smartconnect"
)

// MarginLeg is one priced leg sent to the margin collaborator. Qty is
// already lot-size-multiplied.
type MarginLeg struct {
	Exchange  string
	Product   string
	TradeType string // BUY, SELL
	Token     string
	Qty       int
	Price     int64 // paise
}

// Quote is the outcome of one margin calculation. Never cached: margin
// moves with every tick and position change.
type Quote struct {
	Required  int64 `json:"required"`  // paise
	Available int64 `json:"available"` // paise
}

// MarginClient is the external margin collaborator. Both calls must be
// usable in batched multi-leg form.
type MarginClient interface {
	QuoteMargin(ctx context.Context, legs []MarginLeg) (required int64, err error)
	AvailableMargin(ctx context.Context) (int64, error)
}

// ErrMarginQuoteTimeout means the collaborator did not answer in time.
// Validation treats required margin as unknown and fails closed.
var ErrMarginQuoteTimeout = errors.New("orders: margin quote timed out")

// SmartAPIMargin backs MarginClient with the broker's batched margin
// calculator and RMS limit endpoints.
type SmartAPIMargin struct {
	Client *smartconnect.Client
}

func (m *SmartAPIMargin) QuoteMargin(ctx context.Context, legs []MarginLeg) (int64, error) {
	positions := make([]smartconnect.MarginPosition, len(legs))
	for i, l := range legs {
		positions[i] = smartconnect.MarginPosition{
			Exchange:    l.Exchange,
			ProductType: l.Product,
			TradeType:   l.TradeType,
			Token:       l.Token,
			Qty:         l.Qty,
			Price:       l.Price,
		}
	}

	type result struct {
		required int64
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		res, err := m.Client.CalculateMargin(positions)
		if err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{required: res.TotalMarginRequired}
	}()

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %v", ErrMarginQuoteTimeout, ctx.Err())
	case r := <-ch:
		return r.required, r.err
	}
}

func (m *SmartAPIMargin) AvailableMargin(ctx context.Context) (int64, error) {
	type result struct {
		avail int64
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		rms, err := m.Client.GetRMSLimit()
		if err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{avail: rms.Net}
	}()

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %v", ErrMarginQuoteTimeout, ctx.Err())
	case r := <-ch:
		return r.avail, r.err
	}
}

// defaultQuoteTimeout bounds one margin collaborator round trip.
const defaultQuoteTimeout = 5 * time.Second
