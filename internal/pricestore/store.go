// Package pricestore is the token-keyed cache of the latest price per
// instrument. Records are immutable once stored; an update builds a fresh
// record and swaps it in, so readers always observe either the previous or
// the new record, never a torn one. Writes are serialized per token shard
// so two ingestion connections can never interleave an update for the same
// token.
package pricestore

import (
	"log"
	"sync"
	"time"

	"chainfeed/internal/catalog"
	"chainfeed/internal/model"
)

const shardCount = 64

// Update is one decoded feed message for a token.
type Update struct {
	Token     string
	Exchange  string
	LTP       int64 // paise; 0 means "no live print" (pre-open, holiday)
	Bid       int64
	Ask       int64
	PrevClose int64 // paise; exchange-provided previous close, 0 if absent
	Depth     []model.DepthLevel
	Timestamp time.Time
}

// Store holds the latest PriceRecord per token plus the last-close table
// used for the LTP==0 fallback.
type Store struct {
	cat     *catalog.Catalog
	records sync.Map // token -> *model.PriceRecord (immutable)

	shards [shardCount]sync.Mutex // per-token write serialization

	closeMu   sync.RWMutex
	lastClose map[string]int64 // token -> close price in paise

	// OnLastClose is invoked whenever a new last-close value is learned
	// (from a feed close field or the close capture). Used to persist the
	// value out of process.
	OnLastClose func(token string, close int64)

	// Now is the clock; overridable in tests.
	Now func() time.Time

	// MaxDeviationPct is the plausibility band around the last known close.
	// A live print deviating more than this from the close is treated as
	// corrupted, not rendered. Zero disables the check.
	MaxDeviationPct float64
}

// New creates an empty store backed by the given catalog.
func New(cat *catalog.Catalog) *Store {
	return &Store{
		cat:             cat,
		lastClose:       make(map[string]int64),
		Now:             time.Now,
		MaxDeviationPct: 40,
	}
}

func (s *Store) shard(token string) *sync.Mutex {
	var h uint32 = 2166136261
	for i := 0; i < len(token); i++ {
		h ^= uint32(token[i])
		h *= 16777619
	}
	return &s.shards[h%shardCount]
}

// SeedLastClose primes the last-close table, typically from the Redis
// snapshot at startup.
func (s *Store) SeedLastClose(closes map[string]int64) {
	s.closeMu.Lock()
	for tok, c := range closes {
		if c > 0 {
			s.lastClose[tok] = c
		}
	}
	n := len(s.lastClose)
	s.closeMu.Unlock()
	log.Printf("[pricestore] seeded %d last-close values", n)
}

// SetLastClose records a close price for a token. The persist hook fires
// only when the value changes: feed packets repeat the previous close on
// every message, and the ingest path must not pay a persist per packet.
func (s *Store) SetLastClose(token string, close int64) {
	if close <= 0 {
		return
	}
	s.closeMu.Lock()
	if s.lastClose[token] == close {
		s.closeMu.Unlock()
		return
	}
	s.lastClose[token] = close
	s.closeMu.Unlock()
	if s.OnLastClose != nil {
		s.OnLastClose(token, close)
	}
}

// LastClose returns the known close price for a token, if any.
func (s *Store) LastClose(token string) (int64, bool) {
	s.closeMu.RLock()
	c, ok := s.lastClose[token]
	s.closeMu.RUnlock()
	return c, ok
}

// Apply stores the update as the token's latest record and returns the
// record actually stored. A zero LTP resolves to the last known close when
// one exists; otherwise the record is stored as INVALID and is never
// surfaced as a usable price.
func (s *Store) Apply(u Update) model.PriceRecord {
	if u.PrevClose > 0 {
		s.SetLastClose(u.Token, u.PrevClose)
	}

	rec := model.PriceRecord{
		Token:      u.Token,
		Exchange:   u.Exchange,
		LTP:        u.LTP,
		Bid:        u.Bid,
		Ask:        u.Ask,
		Depth:      u.Depth,
		Timestamp:  u.Timestamp,
		Source:     model.SourceLive,
		ReceivedAt: s.Now(),
	}

	if u.LTP == 0 {
		if close, ok := s.LastClose(u.Token); ok {
			rec.LTP = close
			rec.Source = model.SourceLastClose
		} else {
			rec.Source = model.SourceInvalid
		}
	}

	mu := s.shard(u.Token)
	mu.Lock()
	s.records.Store(u.Token, &rec)
	mu.Unlock()
	return rec
}

// Get returns the latest record for a token.
func (s *Store) Get(token string) (model.PriceRecord, error) {
	v, ok := s.records.Load(token)
	if !ok {
		return model.PriceRecord{}, ErrNotFound
	}
	return *v.(*model.PriceRecord), nil
}

// GetBySymbolStrikeType resolves (underlying, strike, side) through the
// catalog for the given expiry, then delegates to Get.
func (s *Store) GetBySymbolStrikeType(underlying string, expiry time.Time, strike int64, side model.OptionSide) (model.PriceRecord, error) {
	tok, ok := s.cat.OptionToken(underlying, expiry, strike, side)
	if !ok {
		return model.PriceRecord{}, ErrNotFound
	}
	return s.Get(tok)
}

// UsablePrice returns the latest record for a token only if it passes the
// usability, staleness, and plausibility rules.
func (s *Store) UsablePrice(token string) (model.PriceRecord, error) {
	rec, err := s.Get(token)
	if err != nil {
		return model.PriceRecord{}, err
	}
	if err := s.checkValidity(&rec); err != nil {
		return model.PriceRecord{}, err
	}
	return rec, nil
}

// UnderlyingPrice resolves an underlying name to its index/equity token and
// returns its usable price, or an explicit unavailability error.
func (s *Store) UnderlyingPrice(name string) (model.PriceRecord, error) {
	ins, ok := s.cat.Underlying(name)
	if !ok {
		return model.PriceRecord{}, ErrNotFound
	}
	return s.UsablePrice(ins.Token)
}
