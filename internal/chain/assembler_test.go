package chain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"chainfeed/internal/catalog"
	"chainfeed/internal/markethours"
	"chainfeed/internal/model"
	"chainfeed/internal/pricestore"
)

var (
	expSep = time.Date(2026, time.September, 24, 0, 0, 0, 0, markethours.IST)
	expOct = time.Date(2026, time.October, 1, 0, 0, 0, 0, markethours.IST)
	noon   = time.Date(2026, time.January, 7, 12, 0, 0, 0, markethours.IST)
)

// fixture builds NIFTY (50-rupee interval) strikes 25000..25400 and
// BANKNIFTY (100-rupee interval) strikes 48300..48900 for two expiries.
func fixture() (*catalog.Catalog, *pricestore.Store, *Assembler) {
	ins := []model.Instrument{
		{Token: "26000", Exchange: "NSE", Segment: 1, Name: "NIFTY", Kind: model.KindIndex, StrikeInterval: 5000},
		{Token: "26009", Exchange: "NSE", Segment: 1, Name: "BANKNIFTY", Kind: model.KindIndex, StrikeInterval: 10000},
	}
	addOption := func(name string, strike int64, side model.OptionSide, expiry time.Time) {
		tag := "C"
		if side == model.PutOption {
			tag = "P"
		}
		ins = append(ins, model.Instrument{
			Token:    fmt.Sprintf("%s%s%d-%s", name[:1], tag, strike, expiry.Format("0102")),
			Exchange: "NFO", Segment: 2, Name: name,
			Kind: model.KindOption, LotSize: 75,
			Strike: strike, Side: side, Expiry: expiry,
		})
	}
	for _, expiry := range []time.Time{expSep, expOct} {
		for strike := int64(2500000); strike <= 2540000; strike += 5000 {
			addOption("NIFTY", strike, model.CallOption, expiry)
			addOption("NIFTY", strike, model.PutOption, expiry)
		}
		for strike := int64(4830000); strike <= 4890000; strike += 10000 {
			addOption("BANKNIFTY", strike, model.CallOption, expiry)
			addOption("BANKNIFTY", strike, model.PutOption, expiry)
		}
	}

	cat := catalog.New(ins)
	store := pricestore.New(cat)
	store.Now = func() time.Time { return noon }
	return cat, store, New(cat, store)
}

func price(store *pricestore.Store, token string, ltp int64) {
	store.Apply(pricestore.Update{Token: token, Exchange: "NFO", LTP: ltp, Timestamp: noon})
}

func optTok(cat *catalog.Catalog, underlying string, strike int64, side model.OptionSide, expiry time.Time) string {
	tok, ok := cat.OptionToken(underlying, expiry, strike, side)
	if !ok {
		panic(fmt.Sprintf("no token for %s %d %s", underlying, strike, side))
	}
	return tok
}

func TestLTPBasedATMHalfUp(t *testing.T) {
	_, store, asm := fixture()

	cases := []struct {
		underlying string
		ltp        int64
		want       int64
	}{
		{"NIFTY", 2517500, 2520000},      // exact midpoint rounds up
		{"NIFTY", 2517400, 2515000},      // below midpoint rounds down
		{"NIFTY", 2520000, 2520000},      // already on a strike
		{"BANKNIFTY", 4861000, 4860000},  // 48,610 with 100 interval
		{"BANKNIFTY", 4865000, 4870000},  // midpoint rounds up
	}
	tokens := map[string]string{"NIFTY": "26000", "BANKNIFTY": "26009"}
	for _, tc := range cases {
		price(store, tokens[tc.underlying], tc.ltp)
		got, err := asm.LTPBasedATM(tc.underlying)
		if err != nil {
			t.Fatalf("%s@%d: %v", tc.underlying, tc.ltp, err)
		}
		if got != tc.want {
			t.Errorf("%s@%d: ATM %d, want %d", tc.underlying, tc.ltp, got, tc.want)
		}
	}
}

func TestLTPBasedATMUnresolvable(t *testing.T) {
	_, _, asm := fixture()

	_, err := asm.LTPBasedATM("NIFTY")
	var atmErr *AtmUnresolvableError
	if !errors.As(err, &atmErr) {
		t.Fatalf("expected AtmUnresolvableError, got %v", err)
	}
	if atmErr.Underlying != "NIFTY" {
		t.Errorf("underlying = %s", atmErr.Underlying)
	}
}

func TestBuildChainLeavesUnpricedLegsNil(t *testing.T) {
	cat, store, asm := fixture()

	ce := optTok(cat, "NIFTY", 2520000, model.CallOption, expSep)
	pe := optTok(cat, "NIFTY", 2520000, model.PutOption, expSep)
	price(store, ce, 21000)
	// PE gets a zero-LTP update with no known close: INVALID, never shown.
	store.Apply(pricestore.Update{Token: pe, Exchange: "NFO", Timestamp: noon})

	ch, err := asm.BuildChain("NIFTY", expSep)
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}
	if len(ch.Rows) != 9 {
		t.Fatalf("rows = %d, want 9", len(ch.Rows))
	}
	for _, row := range ch.Rows {
		switch row.Strike {
		case 2520000:
			if row.CE == nil || row.CE.LTP != 21000 {
				t.Errorf("CE at 2520000 = %+v, want LTP 21000", row.CE)
			}
			if row.PE != nil {
				t.Errorf("invalid PE rendered: %+v", row.PE)
			}
		default:
			if row.CE != nil || row.PE != nil {
				t.Errorf("unpriced legs at %d not nil", row.Strike)
			}
		}
	}
}

func TestStraddleATMIsLowestCombinedPremium(t *testing.T) {
	cat, store, asm := fixture()

	// Underlying LTP would round to 25,200 -- the straddle view must not
	// use it. Premiums put the cheapest straddle at 25,150.
	price(store, "26000", 2517500)
	premiums := map[int64][2]int64{
		2510000: {12000, 9000},  // 210.00 combined
		2515000: {10000, 8000},  // 180.00 combined, lowest
		2520000: {11500, 9000},  // 205.00 combined
	}
	for strike, p := range premiums {
		price(store, optTok(cat, "NIFTY", strike, model.CallOption, expSep), p[0])
		price(store, optTok(cat, "NIFTY", strike, model.PutOption, expSep), p[1])
	}
	// A cheaper-looking strike with only one priced leg stays out of the
	// running entirely.
	price(store, optTok(cat, "NIFTY", 2505000, model.CallOption, expSep), 1000)

	view, err := asm.BuildStraddleView("NIFTY", expSep)
	if err != nil {
		t.Fatalf("BuildStraddleView: %v", err)
	}
	if view.ATMStrike != 2515000 {
		t.Errorf("straddle ATM = %d, want 2515000", view.ATMStrike)
	}

	ltpATM, err := asm.LTPBasedATM("NIFTY")
	if err != nil {
		t.Fatalf("LTPBasedATM: %v", err)
	}
	if ltpATM == view.ATMStrike {
		t.Error("the two ATM methods coincided; fixture must keep them distinct")
	}

	for _, row := range view.Rows {
		if row.Strike == 2505000 && row.Valid {
			t.Error("single-leg strike marked valid")
		}
		if row.Strike == 2515000 && row.Combined != 18000 {
			t.Errorf("combined at ATM = %d, want 18000", row.Combined)
		}
	}
}

func TestStraddleWindowClippedAtRangeEdge(t *testing.T) {
	cat, store, asm := fixture()

	// Only 9 listed strikes: a 12-per-side window covers them all.
	for strike := int64(2500000); strike <= 2540000; strike += 5000 {
		price(store, optTok(cat, "NIFTY", strike, model.CallOption, expSep), 10000+strike%7)
		price(store, optTok(cat, "NIFTY", strike, model.PutOption, expSep), 9000)
	}

	view, err := asm.BuildStraddleView("NIFTY", expSep)
	if err != nil {
		t.Fatalf("BuildStraddleView: %v", err)
	}
	if len(view.Rows) != 9 {
		t.Errorf("rows = %d, want all 9 (clipped, never padded)", len(view.Rows))
	}
}

func TestStraddleWindowFixedAtTwelvePerSide(t *testing.T) {
	// 31 listed strikes so the window cannot clip.
	ins := []model.Instrument{
		{Token: "26000", Exchange: "NSE", Segment: 1, Name: "NIFTY", Kind: model.KindIndex, StrikeInterval: 5000},
	}
	for strike := int64(2500000); strike <= 2650000; strike += 5000 {
		for _, side := range []model.OptionSide{model.CallOption, model.PutOption} {
			ins = append(ins, model.Instrument{
				Token:    fmt.Sprintf("N%s%d", side, strike),
				Exchange: "NFO", Segment: 2, Name: "NIFTY",
				Kind: model.KindOption, LotSize: 75,
				Strike: strike, Side: side, Expiry: expSep,
			})
		}
	}
	cat := catalog.New(ins)
	store := pricestore.New(cat)
	store.Now = func() time.Time { return noon }
	asm := New(cat, store)

	// Combined premium grows with distance from 25,750.
	const atm = int64(2575000)
	for strike := int64(2500000); strike <= 2650000; strike += 5000 {
		dist := absDiff(strike, atm) / 100
		store.Apply(pricestore.Update{Token: fmt.Sprintf("NCE%d", strike), Exchange: "NFO", LTP: 10000 + dist, Timestamp: noon})
		store.Apply(pricestore.Update{Token: fmt.Sprintf("NPE%d", strike), Exchange: "NFO", LTP: 9000 + dist, Timestamp: noon})
	}

	view, err := asm.BuildStraddleView("NIFTY", expSep)
	if err != nil {
		t.Fatalf("BuildStraddleView: %v", err)
	}
	if view.ATMStrike != atm {
		t.Fatalf("ATM = %d, want %d", view.ATMStrike, atm)
	}
	if len(view.Rows) != 25 {
		t.Fatalf("rows = %d, want 12+1+12", len(view.Rows))
	}
	if view.Rows[0].Strike != atm-12*5000 || view.Rows[24].Strike != atm+12*5000 {
		t.Errorf("window spans %d..%d, want %d..%d",
			view.Rows[0].Strike, view.Rows[24].Strike, atm-12*5000, atm+12*5000)
	}
	if view.Rows[12].Strike != atm {
		t.Errorf("center row = %d, want ATM", view.Rows[12].Strike)
	}
}

func TestStraddleUnresolvableWithoutValidRows(t *testing.T) {
	cat, store, asm := fixture()

	// One leg priced per strike: no valid straddle row anywhere.
	price(store, optTok(cat, "NIFTY", 2520000, model.CallOption, expSep), 21000)

	_, err := asm.BuildStraddleView("NIFTY", expSep)
	var atmErr *AtmUnresolvableError
	if !errors.As(err, &atmErr) {
		t.Fatalf("expected AtmUnresolvableError, got %v", err)
	}
}

func TestSubscriptionRange(t *testing.T) {
	_, store, asm := fixture()
	price(store, "26000", 2517500) // ATM 2520000

	// Unlisted expiry is skipped, not an error.
	unlisted := time.Date(2026, time.December, 31, 0, 0, 0, 0, markethours.IST)
	tokens, err := asm.SubscriptionRange("NIFTY", []time.Time{expSep, unlisted}, 2)
	if err != nil {
		t.Fatalf("SubscriptionRange: %v", err)
	}
	// 2 per side around 2520000 -> strikes 2510000..2530000, CE+PE each.
	if len(tokens) != 10 {
		t.Errorf("tokens = %d, want 10", len(tokens))
	}

	// At the range edge the window clips.
	price(store, "26000", 2500000)
	tokens, err = asm.SubscriptionRange("NIFTY", []time.Time{expSep}, 2)
	if err != nil {
		t.Fatalf("edge SubscriptionRange: %v", err)
	}
	// ATM at the lowest strike: itself plus 2 above -> 3 strikes.
	if len(tokens) != 6 {
		t.Errorf("edge tokens = %d, want 6", len(tokens))
	}
}

func TestSubscriptionRangeNoPrice(t *testing.T) {
	_, _, asm := fixture()
	_, err := asm.SubscriptionRange("NIFTY", []time.Time{expSep}, 2)
	var atmErr *AtmUnresolvableError
	if !errors.As(err, &atmErr) {
		t.Fatalf("expected AtmUnresolvableError, got %v", err)
	}
}

func TestWindowAround(t *testing.T) {
	strikes := []int64{100, 200, 300, 400, 500}

	cases := []struct {
		center  int64
		perSide int
		lo, hi  int
	}{
		{300, 1, 1, 4},
		{300, 10, 0, 5}, // clipped both sides
		{100, 2, 0, 3},  // clipped low
		{500, 2, 2, 5},  // clipped high
		{260, 1, 1, 4},  // nearest is 300
	}
	for _, tc := range cases {
		lo, hi := windowAround(strikes, tc.center, tc.perSide)
		if lo != tc.lo || hi != tc.hi {
			t.Errorf("windowAround(center=%d, perSide=%d) = [%d,%d), want [%d,%d)",
				tc.center, tc.perSide, lo, hi, tc.lo, tc.hi)
		}
	}
}
