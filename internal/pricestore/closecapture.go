package pricestore

import (
	"log"
	"sync"
	"time"
)

// CloseCapture observes post-close ticks and records each token's closing
// price once its post-15:30 prints have been stable for StableFor. The
// captured value feeds the store's last-close table, which is what the
// next session's LTP==0 fallback resolves to.
type CloseCapture struct {
	store     *Store
	closeTime time.Time

	// StableFor is how long a price must remain constant after close to be
	// taken as the closing price. Default: 30 seconds.
	StableFor time.Duration

	// MaxGrace is the hard deadline after closeTime; whatever price is
	// current at that point is captured. Default: 5 minutes.
	MaxGrace time.Duration

	mu     sync.Mutex
	states map[string]*captureState
}

type captureState struct {
	lastPrice   int64
	stableSince time.Time
	captured    bool
}

// NewCloseCapture creates a capture session for the given close time.
func NewCloseCapture(store *Store, closeTime time.Time) *CloseCapture {
	return &CloseCapture{
		store:     store,
		closeTime: closeTime,
		StableFor: 30 * time.Second,
		MaxGrace:  5 * time.Minute,
		states:    make(map[string]*captureState),
	}
}

// Observe records a tick and captures the token's close when the price has
// stabilized (or the hard deadline passed). Returns true once captured.
func (cc *CloseCapture) Observe(token string, price int64, now time.Time) bool {
	if price <= 0 {
		return false
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()

	st := cc.states[token]
	if st == nil {
		st = &captureState{}
		cc.states[token] = st
	}
	if st.captured {
		return true
	}

	if !now.After(cc.closeTime) {
		st.lastPrice = price
		return false
	}

	if now.After(cc.closeTime.Add(cc.MaxGrace)) {
		cc.capture(token, st, price)
		return true
	}

	if price != st.lastPrice {
		st.lastPrice = price
		st.stableSince = now
		return false
	}
	if st.stableSince.IsZero() {
		st.stableSince = now
		return false
	}
	if now.Sub(st.stableSince) >= cc.StableFor {
		cc.capture(token, st, price)
		return true
	}
	return false
}

// AllCaptured reports whether every observed token has a captured close.
func (cc *CloseCapture) AllCaptured() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if len(cc.states) == 0 {
		return false
	}
	for _, st := range cc.states {
		if !st.captured {
			return false
		}
	}
	return true
}

func (cc *CloseCapture) capture(token string, st *captureState, price int64) {
	st.captured = true
	st.lastPrice = price
	cc.store.SetLastClose(token, price)
	log.Printf("[closecapture] %s close captured at %d", token, price)
}
