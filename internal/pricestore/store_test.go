package pricestore

import (
	"errors"
	"testing"
	"time"

	"chainfeed/internal/catalog"
	"chainfeed/internal/markethours"
	"chainfeed/internal/model"
)

func testCatalog() *catalog.Catalog {
	expiry := time.Date(2026, time.September, 24, 0, 0, 0, 0, markethours.IST)
	return catalog.New([]model.Instrument{
		{
			Token: "26000", Exchange: "NSE", Segment: 1,
			TradingSymbol: "NIFTY", Name: "NIFTY",
			Kind: model.KindIndex, StrikeInterval: 5000,
		},
		{
			Token: "43501", Exchange: "NFO", Segment: 2,
			TradingSymbol: "NIFTY24SEP25200CE", Name: "NIFTY",
			Kind: model.KindOption, LotSize: 75,
			Strike: 2520000, Side: model.CallOption, Expiry: expiry,
		},
		{
			Token: "43502", Exchange: "NFO", Segment: 2,
			TradingSymbol: "NIFTY24SEP25200PE", Name: "NIFTY",
			Kind: model.KindOption, LotSize: 75,
			Strike: 2520000, Side: model.PutOption, Expiry: expiry,
		},
	})
}

// fixedNow is a Wednesday mid-session, IST.
var fixedNow = time.Date(2026, time.January, 7, 12, 0, 0, 0, markethours.IST)

func newTestStore() *Store {
	s := New(testCatalog())
	s.Now = func() time.Time { return fixedNow }
	return s
}

func TestApplyLiveUpdate(t *testing.T) {
	s := newTestStore()
	rec := s.Apply(Update{Token: "26000", Exchange: "NSE", LTP: 2517500, Timestamp: fixedNow})

	if rec.Source != model.SourceLive {
		t.Fatalf("expected LIVE, got %v", rec.Source)
	}
	got, err := s.UsablePrice("26000")
	if err != nil {
		t.Fatalf("UsablePrice: %v", err)
	}
	if got.LTP != 2517500 {
		t.Errorf("LTP = %d, want 2517500", got.LTP)
	}
}

func TestZeroLTPFallsBackToLastClose(t *testing.T) {
	s := newTestStore()
	s.SetLastClose("43501", 83150) // 831.50 in paise

	rec := s.Apply(Update{Token: "43501", Exchange: "NFO", Timestamp: fixedNow})
	if rec.Source != model.SourceLastClose {
		t.Fatalf("expected LAST_CLOSE, got %v", rec.Source)
	}
	if rec.LTP != 83150 {
		t.Errorf("LTP = %d, want 83150", rec.LTP)
	}

	// Repeated reads return the same stored record.
	for i := 0; i < 3; i++ {
		got, err := s.UsablePrice("43501")
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if got.LTP != 83150 || got.Source != model.SourceLastClose {
			t.Errorf("read %d: got LTP=%d source=%v", i, got.LTP, got.Source)
		}
	}
}

func TestZeroLTPWithoutCloseIsInvalid(t *testing.T) {
	s := newTestStore()
	rec := s.Apply(Update{Token: "43501", Exchange: "NFO", Timestamp: fixedNow})

	if rec.Source != model.SourceInvalid {
		t.Fatalf("expected INVALID, got %v", rec.Source)
	}
	if _, err := s.UsablePrice("43501"); !errors.Is(err, ErrFeedUnavailable) {
		t.Errorf("expected ErrFeedUnavailable, got %v", err)
	}
	// A later close arrival does not retroactively fix the stored record,
	// but the next zero-LTP update resolves.
	s.SetLastClose("43501", 83150)
	rec = s.Apply(Update{Token: "43501", Exchange: "NFO", Timestamp: fixedNow})
	if rec.Source != model.SourceLastClose {
		t.Errorf("expected LAST_CLOSE after close learned, got %v", rec.Source)
	}
}

func TestUnknownTokenNotFound(t *testing.T) {
	s := newTestStore()
	if _, err := s.Get("99999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.UnderlyingPrice("FINNIFTY"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown underlying, got %v", err)
	}
}

func TestPrevCloseFeedsLastCloseAndHook(t *testing.T) {
	s := newTestStore()
	var hookToken string
	var hookClose int64
	s.OnLastClose = func(token string, close int64) {
		hookToken, hookClose = token, close
	}

	s.Apply(Update{Token: "26000", Exchange: "NSE", LTP: 2517500, PrevClose: 2498000, Timestamp: fixedNow})

	if c, ok := s.LastClose("26000"); !ok || c != 2498000 {
		t.Errorf("LastClose = %d,%v, want 2498000,true", c, ok)
	}
	if hookToken != "26000" || hookClose != 2498000 {
		t.Errorf("hook got %s/%d, want 26000/2498000", hookToken, hookClose)
	}
}

func TestUnchangedPrevCloseNotifiesOnce(t *testing.T) {
	s := newTestStore()
	var hookCalls int
	s.OnLastClose = func(string, int64) { hookCalls++ }

	// Every quote packet repeats the previous close; the persist hook must
	// not turn that into a write per message.
	for i := 0; i < 100; i++ {
		s.Apply(Update{Token: "26000", Exchange: "NSE", LTP: 2517500, PrevClose: 2498000, Timestamp: fixedNow})
	}
	if hookCalls != 1 {
		t.Fatalf("persist hook fired %d times for an unchanged close, want 1", hookCalls)
	}

	// The next session's close is a new value and fires again.
	s.Apply(Update{Token: "26000", Exchange: "NSE", LTP: 2520000, PrevClose: 2517500, Timestamp: fixedNow})
	if hookCalls != 2 {
		t.Fatalf("persist hook fired %d times after a changed close, want 2", hookCalls)
	}

	s.SetLastClose("26000", 2517500)
	if hookCalls != 2 {
		t.Errorf("persist hook fired on an unchanged SetLastClose")
	}
}

func TestStalePriceRejected(t *testing.T) {
	s := newTestStore()
	// Friday before the previous trading day (Tue Jan 6).
	stale := time.Date(2026, time.January, 2, 14, 0, 0, 0, markethours.IST)
	s.Apply(Update{Token: "26000", Exchange: "NSE", LTP: 2517500, Timestamp: stale})

	_, err := s.UsablePrice("26000")
	var staleErr *StalePriceError
	if !errors.As(err, &staleErr) {
		t.Fatalf("expected StalePriceError, got %v", err)
	}
	if staleErr.Token != "26000" {
		t.Errorf("stale token = %s", staleErr.Token)
	}

	// Previous trading day itself is acceptable.
	prev := time.Date(2026, time.January, 6, 15, 0, 0, 0, markethours.IST)
	s.Apply(Update{Token: "26000", Exchange: "NSE", LTP: 2517500, Timestamp: prev})
	if _, err := s.UsablePrice("26000"); err != nil {
		t.Errorf("previous-day price should be usable: %v", err)
	}
}

func TestImplausiblePriceRejected(t *testing.T) {
	s := newTestStore()
	s.SetLastClose("43501", 80000)

	// 40% band: 113000 is > 40% above an 80000 close.
	s.Apply(Update{Token: "43501", Exchange: "NFO", LTP: 113000, Timestamp: fixedNow})
	_, err := s.UsablePrice("43501")
	var corrErr *CorruptedPriceError
	if !errors.As(err, &corrErr) {
		t.Fatalf("expected CorruptedPriceError, got %v", err)
	}

	// Within the band passes.
	s.Apply(Update{Token: "43501", Exchange: "NFO", LTP: 100000, Timestamp: fixedNow})
	if _, err := s.UsablePrice("43501"); err != nil {
		t.Errorf("in-band price should be usable: %v", err)
	}

	// Fallback records skip the plausibility check by construction.
	s.Apply(Update{Token: "43501", Exchange: "NFO", Timestamp: fixedNow})
	rec, err := s.UsablePrice("43501")
	if err != nil {
		t.Fatalf("last-close fallback should be usable: %v", err)
	}
	if rec.Source != model.SourceLastClose {
		t.Errorf("source = %v", rec.Source)
	}
}

func TestSeedLastClose(t *testing.T) {
	s := newTestStore()
	s.SeedLastClose(map[string]int64{"43501": 83150, "43502": 0})

	if c, ok := s.LastClose("43501"); !ok || c != 83150 {
		t.Errorf("seeded close = %d,%v", c, ok)
	}
	if _, ok := s.LastClose("43502"); ok {
		t.Error("zero close should not be seeded")
	}
}

func TestGetBySymbolStrikeType(t *testing.T) {
	s := newTestStore()
	expiry := time.Date(2026, time.September, 24, 0, 0, 0, 0, markethours.IST)
	s.Apply(Update{Token: "43501", Exchange: "NFO", LTP: 21000, Timestamp: fixedNow})

	rec, err := s.GetBySymbolStrikeType("NIFTY", expiry, 2520000, model.CallOption)
	if err != nil {
		t.Fatalf("GetBySymbolStrikeType: %v", err)
	}
	if rec.Token != "43501" || rec.LTP != 21000 {
		t.Errorf("got %s/%d", rec.Token, rec.LTP)
	}

	if _, err := s.GetBySymbolStrikeType("NIFTY", expiry, 9999900, model.CallOption); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unlisted strike, got %v", err)
	}
}
