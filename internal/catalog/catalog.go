// Package catalog provides read-only lookup over the instrument master:
// by token, by underlying, and by (underlying, expiry) for chain skeletons.
// The catalog is immutable after construction; refresh happens out of band
// by rebuilding and swapping the whole catalog.
package catalog

import (
	"fmt"
	"sort"
	"time"

	"chainfeed/internal/model"
)

// StrikeEntry is one strike row of a chain skeleton, carrying the CE and PE
// tokens if listed. An empty token means that leg is not listed.
type StrikeEntry struct {
	Strike  int64 // paise
	CEToken string
	PEToken string
}

// Skeleton is the structural half of an option chain for one
// (underlying, expiry): strikes in ascending order with leg tokens.
type Skeleton struct {
	Underlying string
	Expiry     time.Time
	Strikes    []StrikeEntry
}

// sideKey identifies one option contract within an underlying+expiry.
type sideKey struct {
	strike int64
	side   model.OptionSide
}

type chainKey struct {
	underlying string
	expiry     string // yyyy-mm-dd
}

// Catalog is the in-memory instrument master.
type Catalog struct {
	byToken     map[string]*model.Instrument
	underlyings map[string]*model.Instrument           // INDEX/EQUITY by name
	chains      map[chainKey]map[sideKey]string        // -> option token
	expiries    map[string][]time.Time                 // underlying -> sorted expiry set
	strikes     map[chainKey][]int64                   // sorted distinct strikes
}

func dateKey(t time.Time) string { return t.Format("2006-01-02") }

// New builds a catalog from a loaded instrument slice.
func New(instruments []model.Instrument) *Catalog {
	c := &Catalog{
		byToken:     make(map[string]*model.Instrument, len(instruments)),
		underlyings: make(map[string]*model.Instrument),
		chains:      make(map[chainKey]map[sideKey]string),
		expiries:    make(map[string][]time.Time),
		strikes:     make(map[chainKey][]int64),
	}

	expirySeen := make(map[string]map[string]time.Time)
	strikeSeen := make(map[chainKey]map[int64]bool)

	for i := range instruments {
		ins := &instruments[i]
		c.byToken[ins.Token] = ins

		switch ins.Kind {
		case model.KindIndex, model.KindEquity:
			c.underlyings[ins.Name] = ins

		case model.KindOption:
			ck := chainKey{underlying: ins.Name, expiry: dateKey(ins.Expiry)}
			if c.chains[ck] == nil {
				c.chains[ck] = make(map[sideKey]string)
			}
			c.chains[ck][sideKey{strike: ins.Strike, side: ins.Side}] = ins.Token

			if expirySeen[ins.Name] == nil {
				expirySeen[ins.Name] = make(map[string]time.Time)
			}
			expirySeen[ins.Name][dateKey(ins.Expiry)] = ins.Expiry

			if strikeSeen[ck] == nil {
				strikeSeen[ck] = make(map[int64]bool)
			}
			if !strikeSeen[ck][ins.Strike] {
				strikeSeen[ck][ins.Strike] = true
				c.strikes[ck] = append(c.strikes[ck], ins.Strike)
			}

		case model.KindFuture:
			if expirySeen[ins.Name] == nil {
				expirySeen[ins.Name] = make(map[string]time.Time)
			}
		}
	}

	for name, set := range expirySeen {
		exps := make([]time.Time, 0, len(set))
		for _, e := range set {
			exps = append(exps, e)
		}
		sort.Slice(exps, func(i, j int) bool { return exps[i].Before(exps[j]) })
		c.expiries[name] = exps
	}
	for ck := range c.strikes {
		s := c.strikes[ck]
		sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	}

	return c
}

// Size returns the number of loaded instruments.
func (c *Catalog) Size() int { return len(c.byToken) }

// ByToken looks up an instrument by its feed token.
func (c *Catalog) ByToken(token string) (*model.Instrument, bool) {
	ins, ok := c.byToken[token]
	return ins, ok
}

// Underlyings returns the sorted names of all underlyings with listed chains.
func (c *Catalog) Underlyings() []string {
	names := make([]string, 0, len(c.underlyings))
	for n := range c.underlyings {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Underlying returns the INDEX/EQUITY instrument for an underlying name.
func (c *Catalog) Underlying(name string) (*model.Instrument, bool) {
	ins, ok := c.underlyings[name]
	return ins, ok
}

// Expiries returns the sorted expiry dates listed for an underlying.
func (c *Catalog) Expiries(underlying string) []time.Time {
	return c.expiries[underlying]
}

// OptionToken resolves (underlying, expiry, strike, side) to a feed token.
func (c *Catalog) OptionToken(underlying string, expiry time.Time, strike int64, side model.OptionSide) (string, bool) {
	ck := chainKey{underlying: underlying, expiry: dateKey(expiry)}
	tok, ok := c.chains[ck][sideKey{strike: strike, side: side}]
	return tok, ok
}

// BuildSkeleton assembles the chain skeleton for one (underlying, expiry).
// Strikes ascend; a missing leg token is left empty, never invented.
func (c *Catalog) BuildSkeleton(underlying string, expiry time.Time) (*Skeleton, error) {
	ck := chainKey{underlying: underlying, expiry: dateKey(expiry)}
	strikes, ok := c.strikes[ck]
	if !ok || len(strikes) == 0 {
		return nil, fmt.Errorf("catalog: no contracts for %s %s", underlying, dateKey(expiry))
	}

	sk := &Skeleton{
		Underlying: underlying,
		Expiry:     expiry,
		Strikes:    make([]StrikeEntry, 0, len(strikes)),
	}
	for _, strike := range strikes {
		sk.Strikes = append(sk.Strikes, StrikeEntry{
			Strike:  strike,
			CEToken: c.chains[ck][sideKey{strike: strike, side: model.CallOption}],
			PEToken: c.chains[ck][sideKey{strike: strike, side: model.PutOption}],
		})
	}
	return sk, nil
}

// Tokens returns all option tokens of a skeleton, CE and PE interleaved by
// strike. Used by the subscription planner.
func (s *Skeleton) Tokens() []string {
	out := make([]string, 0, 2*len(s.Strikes))
	for _, e := range s.Strikes {
		if e.CEToken != "" {
			out = append(out, e.CEToken)
		}
		if e.PEToken != "" {
			out = append(out, e.PEToken)
		}
	}
	return out
}
