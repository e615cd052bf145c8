package orders

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chainfeed/internal/catalog"
	"chainfeed/internal/markethours"
	"chainfeed/internal/model"
	"chainfeed/internal/pricestore"
)

type fakeMargin struct {
	required  int64
	available int64
	quoteErr  error
	availErr  error
	block     bool // hold QuoteMargin until the context expires

	quoteCalls int
	lastLegs   []MarginLeg
}

func (f *fakeMargin) QuoteMargin(ctx context.Context, legs []MarginLeg) (int64, error) {
	f.quoteCalls++
	f.lastLegs = legs
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if f.quoteErr != nil {
		return 0, f.quoteErr
	}
	return f.required, nil
}

func (f *fakeMargin) AvailableMargin(ctx context.Context) (int64, error) {
	if f.availErr != nil {
		return 0, f.availErr
	}
	return f.available, nil
}

func newValidator(margin *fakeMargin) *Validator {
	noon := time.Date(2026, time.January, 7, 12, 0, 0, 0, markethours.IST)
	expiry := time.Date(2026, time.September, 24, 0, 0, 0, 0, markethours.IST)
	cat := catalog.New([]model.Instrument{
		{Token: "26000", Exchange: "NSE", Segment: 1, Name: "NIFTY", Kind: model.KindIndex, StrikeInterval: 5000},
		{Token: "43501", Exchange: "NFO", Segment: 2, Name: "NIFTY", Kind: model.KindOption,
			LotSize: 75, Strike: 2520000, Side: model.CallOption, Expiry: expiry},
		{Token: "43502", Exchange: "NFO", Segment: 2, Name: "NIFTY", Kind: model.KindOption,
			LotSize: 75, Strike: 2520000, Side: model.PutOption, Expiry: expiry},
	})
	store := pricestore.New(cat)
	store.Now = func() time.Time { return noon }
	store.Apply(pricestore.Update{Token: "43501", Exchange: "NFO", LTP: 21000, Timestamp: noon})

	v := NewValidator(cat, store, margin)
	v.QuoteTimeout = 100 * time.Millisecond
	return v
}

func limitLeg(token string, lots int, price int64) model.Leg {
	return model.Leg{Token: token, Side: model.Buy, Lots: lots, Style: model.Limit, LimitPrice: price}
}

func TestValidateAcceptsWithinMargin(t *testing.T) {
	margin := &fakeMargin{required: 5_500_000, available: 10_000_000}
	v := newValidator(margin)

	dec := v.Validate(context.Background(), model.OrderIntent{
		Legs: []model.Leg{limitLeg("43501", 2, 21000)},
	})
	if !dec.Accepted {
		t.Fatalf("rejected: %s %s", dec.Reason, dec.Detail)
	}
	if dec.Required != 5_500_000 || dec.Available != 10_000_000 {
		t.Errorf("figures = %d/%d", dec.Required, dec.Available)
	}

	// Quantity sent downstream is lots times lot size.
	if len(margin.lastLegs) != 1 {
		t.Fatalf("legs quoted = %d", len(margin.lastLegs))
	}
	got := margin.lastLegs[0]
	if got.Qty != 150 {
		t.Errorf("qty = %d, want 2 lots x 75", got.Qty)
	}
	if got.Price != 21000 || got.Exchange != "NFO" || got.TradeType != "BUY" {
		t.Errorf("quoted leg = %+v", got)
	}
	if got.Product != "INTRADAY" {
		t.Errorf("product defaulted to %q", got.Product)
	}
}

func TestValidateRejectsInsufficientMargin(t *testing.T) {
	margin := &fakeMargin{required: 5_500_000, available: 5_000_000}
	v := newValidator(margin)

	dec := v.Validate(context.Background(), model.OrderIntent{
		Legs: []model.Leg{limitLeg("43501", 1, 21000)},
	})
	if dec.Accepted {
		t.Fatal("accepted despite shortfall")
	}
	if dec.Reason != ReasonInsufficientMargin {
		t.Fatalf("reason = %s", dec.Reason)
	}
	if dec.Required != 5_500_000 || dec.Available != 5_000_000 {
		t.Errorf("figures = %d/%d, want both attached", dec.Required, dec.Available)
	}
}

func TestValidateFailsClosedOnQuoteError(t *testing.T) {
	margin := &fakeMargin{quoteErr: errors.New("broker 500")}
	v := newValidator(margin)

	dec := v.Validate(context.Background(), model.OrderIntent{
		Legs: []model.Leg{limitLeg("43501", 1, 21000)},
	})
	if dec.Accepted {
		t.Fatal("accepted with unknown margin")
	}
	if dec.Reason != ReasonMarginQuoteFailed {
		t.Errorf("reason = %s", dec.Reason)
	}
}

func TestValidateFailsClosedOnQuoteTimeout(t *testing.T) {
	margin := &fakeMargin{block: true}
	v := newValidator(margin)

	start := time.Now()
	dec := v.Validate(context.Background(), model.OrderIntent{
		Legs: []model.Leg{limitLeg("43501", 1, 21000)},
	})
	if dec.Accepted {
		t.Fatal("accepted after timeout")
	}
	if dec.Reason != ReasonMarginQuoteFailed {
		t.Errorf("reason = %s", dec.Reason)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("did not honor quote timeout, took %v", elapsed)
	}
}

func TestValidateFailsClosedOnAvailableMarginError(t *testing.T) {
	margin := &fakeMargin{required: 100, availErr: errors.New("rms down")}
	v := newValidator(margin)

	dec := v.Validate(context.Background(), model.OrderIntent{
		Legs: []model.Leg{limitLeg("43501", 1, 21000)},
	})
	if dec.Accepted || dec.Reason != ReasonMarginQuoteFailed {
		t.Errorf("decision = %+v", dec)
	}
}

func TestValidateStructuralRejections(t *testing.T) {
	margin := &fakeMargin{required: 1, available: 100}
	v := newValidator(margin)
	ctx := context.Background()

	cases := []struct {
		name   string
		intent model.OrderIntent
		reason Reason
	}{
		{"empty", model.OrderIntent{}, ReasonEmptyIntent},
		{"bracket missing stoploss", model.OrderIntent{
			Legs:    []model.Leg{limitLeg("43501", 1, 21000)},
			Bracket: &model.BracketParams{TargetPrice: 22000},
		}, ReasonIncompleteBracket},
		{"bracket missing target", model.OrderIntent{
			Legs:    []model.Leg{limitLeg("43501", 1, 21000)},
			Bracket: &model.BracketParams{StopLossPrice: 20000},
		}, ReasonIncompleteBracket},
		{"append to unknown basket", model.OrderIntent{
			Legs:   []model.Leg{limitLeg("43501", 1, 21000)},
			Basket: &model.BasketRef{Name: "nope", Append: true},
		}, ReasonUnknownBasket},
		{"unknown token", model.OrderIntent{
			Legs: []model.Leg{limitLeg("99999", 1, 21000)},
		}, ReasonUnknownInstrument},
		{"zero lots", model.OrderIntent{
			Legs: []model.Leg{limitLeg("43501", 0, 21000)},
		}, ReasonBadQuantity},
		{"limit without price", model.OrderIntent{
			Legs: []model.Leg{{Token: "43501", Side: model.Buy, Lots: 1, Style: model.Limit}},
		}, ReasonMissingLimitPrice},
		{"market leg without usable price", model.OrderIntent{
			Legs: []model.Leg{{Token: "43502", Side: model.Sell, Lots: 1, Style: model.Market}},
		}, ReasonPriceUnavailable},
	}
	for _, tc := range cases {
		dec := v.Validate(ctx, tc.intent)
		if dec.Accepted {
			t.Errorf("%s: accepted", tc.name)
			continue
		}
		if dec.Reason != tc.reason {
			t.Errorf("%s: reason = %s, want %s", tc.name, dec.Reason, tc.reason)
		}
	}
	if margin.quoteCalls != 0 {
		t.Errorf("structural rejections reached the margin collaborator %d times", margin.quoteCalls)
	}
}

func TestValidateMarketLegUsesStorePrice(t *testing.T) {
	margin := &fakeMargin{required: 1, available: 100}
	v := newValidator(margin)

	dec := v.Validate(context.Background(), model.OrderIntent{
		Legs: []model.Leg{{Token: "43501", Side: model.Sell, Lots: 1, Style: model.Market}},
	})
	if !dec.Accepted {
		t.Fatalf("rejected: %s %s", dec.Reason, dec.Detail)
	}
	if margin.lastLegs[0].Price != 21000 {
		t.Errorf("market leg priced at %d, want store LTP 21000", margin.lastLegs[0].Price)
	}
}

func TestValidateBasketLifecycle(t *testing.T) {
	margin := &fakeMargin{required: 1, available: 100}
	v := newValidator(margin)
	ctx := context.Background()

	leg := limitLeg("43501", 1, 21000)
	dec := v.Validate(ctx, model.OrderIntent{
		Legs:   []model.Leg{leg},
		Basket: &model.BasketRef{Name: "iron-condor"},
	})
	if !dec.Accepted {
		t.Fatalf("create rejected: %s", dec.Detail)
	}
	if !v.Baskets.Exists("iron-condor") {
		t.Fatal("basket not created on acceptance")
	}

	dec = v.Validate(ctx, model.OrderIntent{
		Legs:   []model.Leg{limitLeg("43502", 1, 18000)},
		Basket: &model.BasketRef{Name: "iron-condor", Append: true},
	})
	if !dec.Accepted {
		t.Fatalf("append rejected: %s", dec.Detail)
	}
	b, ok := v.Baskets.Get("iron-condor")
	if !ok || len(b.Legs) != 2 {
		t.Fatalf("basket legs = %d, want 2", len(b.Legs))
	}

	// Rejected intents leave the registry untouched.
	margin.required = 1_000_000
	dec = v.Validate(ctx, model.OrderIntent{
		Legs:   []model.Leg{leg},
		Basket: &model.BasketRef{Name: "iron-condor", Append: true},
	})
	if dec.Accepted {
		t.Fatal("accepted over margin")
	}
	b, _ = v.Baskets.Get("iron-condor")
	if len(b.Legs) != 2 {
		t.Errorf("rejected intent mutated basket, legs = %d", len(b.Legs))
	}
}

func TestQuoteMarginStandalone(t *testing.T) {
	margin := &fakeMargin{required: 5_500_000, available: 5_000_000}
	v := newValidator(margin)

	q, err := v.QuoteMargin(context.Background(), model.OrderIntent{
		Legs: []model.Leg{limitLeg("43501", 1, 21000)},
	})
	if err != nil {
		t.Fatalf("QuoteMargin: %v", err)
	}
	if q.Required != 5_500_000 || q.Available != 5_000_000 {
		t.Errorf("quote = %+v", q)
	}

	_, err = v.QuoteMargin(context.Background(), model.OrderIntent{
		Legs: []model.Leg{limitLeg("99999", 1, 21000)},
	})
	if err == nil || !strings.Contains(err.Error(), string(ReasonUnknownInstrument)) {
		t.Errorf("unknown token error = %v", err)
	}
}
