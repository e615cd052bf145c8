// Package pool owns the bounded set of streaming feed connections. It packs
// token interest across slots without exceeding per-connection capacity,
// drives the per-connection reconnect state machine, and re-sends each
// connection's full subscription set after a reconnect.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"chainfeed/pkg/smartconnect"
)

// Conn is one feed connection as the pool sees it.
type Conn interface {
	Connect(ctx context.Context) error
	Subscribe(entries []smartconnect.TokenListEntry) error
	Unsubscribe(entries []smartconnect.TokenListEntry) error
	Close()
}

// Dialer creates an unconnected Conn for a slot. onPrice and onDisconnect
// are wired into the connection's read loop before Connect is called.
type Dialer func(slotID int, onPrice func(smartconnect.PriceMessage), onDisconnect func(err error)) (Conn, error)

// CapacityExceededError reports a subscribe request that would exceed the
// total slot capacity. Callers must shed interest (e.g. narrow the strike
// range); the pool never silently truncates.
type CapacityExceededError struct {
	Requested int // tokens in the rejected request
	Held      int // tokens already subscribed
	Capacity  int // capacityPerConn × maxConns
	Overage   int // how many tokens over the limit
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("pool: subscribe for %d tokens exceeds capacity %d by %d (already holding %d)",
		e.Requested, e.Capacity, e.Overage, e.Held)
}

// Config sizes the pool.
type Config struct {
	CapacityPerConn int           // e.g. 5000
	MaxConns        int           // account-level connection ceiling, e.g. 5
	BaseCooldown    time.Duration // first backoff window, default 5s
	MaxCooldown     time.Duration // backoff cap, default 5m
}

// Manager is the connection pool. All control-path operations (Subscribe,
// Unsubscribe, Reconnect, the cooldown sweep) serialize on one manager-wide
// lock: slot assignment is a global packing decision.
type Manager struct {
	cfg       Config
	dial      Dialer
	segmentOf func(token string) int // token -> feed exchange-type code

	ctrl    chan func()   // serialized control path
	stopped chan struct{} // closed when Run returns
	slots   []*slot

	// OnStateChange observes slot transitions, for metrics and alerting.
	OnStateChange func(slotID int, from, to State)

	// OnAuthFatal fires when a connection's credentials are rejected and
	// the slot leaves the retry rotation.
	OnAuthFatal func(slotID int, err error)

	// OnPrice receives every decoded price packet from every connection.
	// It runs on the connection's read goroutine and must not block.
	OnPrice func(slotID int, msg smartconnect.PriceMessage)

	now func() time.Time
}

// New creates a pool manager. segmentOf resolves a token to its feed
// exchange-type code (catalog-backed in production).
func New(cfg Config, dial Dialer, segmentOf func(token string) int) *Manager {
	if cfg.BaseCooldown == 0 {
		cfg.BaseCooldown = 5 * time.Second
	}
	if cfg.MaxCooldown == 0 {
		cfg.MaxCooldown = 5 * time.Minute
	}
	return &Manager{
		cfg:       cfg,
		dial:      dial,
		segmentOf: segmentOf,
		ctrl:      make(chan func()),
		stopped:   make(chan struct{}),
		now:       time.Now,
	}
}

// Run drives the control path and the cooldown sweep until ctx is done.
// All slot mutation happens on this goroutine.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.stopped)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, s := range m.slots {
				if s.conn != nil {
					s.conn.Close()
				}
			}
			return
		case fn := <-m.ctrl:
			fn()
		case <-ticker.C:
			m.sweepCooldowns(ctx)
		}
	}
}

// do runs fn on the control goroutine and waits for it. Once Run has
// returned, do gives up instead of blocking: read goroutines report their
// disconnects through here and must not outlive shutdown.
func (m *Manager) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.ctrl <- func() { fn(); close(done) }:
	case <-m.stopped:
		return errors.New("pool: manager stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-m.stopped:
		return errors.New("pool: manager stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TotalCapacity is the hard subscription ceiling across all slots.
func (m *Manager) TotalCapacity() int {
	return m.cfg.CapacityPerConn * m.cfg.MaxConns
}

// Subscribe assigns each not-yet-subscribed token to a slot with free
// capacity, opening new connections up to the ceiling. The whole request is
// rejected with CapacityExceededError when it cannot fit.
func (m *Manager) Subscribe(ctx context.Context, tokens []string) error {
	var err error
	derr := m.do(ctx, func() { err = m.subscribeLocked(ctx, tokens) })
	if derr != nil {
		return derr
	}
	return err
}

func (m *Manager) subscribeLocked(ctx context.Context, tokens []string) error {
	fresh := make([]string, 0, len(tokens))
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		if seen[tok] || m.slotOf(tok) != nil {
			continue
		}
		seen[tok] = true
		fresh = append(fresh, tok)
	}
	if len(fresh) == 0 {
		return nil
	}

	held := m.totalSubscribed()
	if held+len(fresh) > m.TotalCapacity() {
		return &CapacityExceededError{
			Requested: len(tokens),
			Held:      held,
			Capacity:  m.TotalCapacity(),
			Overage:   held + len(fresh) - m.TotalCapacity(),
		}
	}

	// Pack into existing slots first, then open new ones.
	assigned := make(map[*slot][]string)
	remaining := fresh
	for _, s := range m.slots {
		if len(remaining) == 0 {
			break
		}
		free := m.cfg.CapacityPerConn - len(s.subscribed)
		if free <= 0 || s.authFatal {
			continue
		}
		n := len(remaining)
		if n > free {
			n = free
		}
		assigned[s] = remaining[:n]
		remaining = remaining[n:]
	}
	for len(remaining) > 0 {
		if len(m.slots) >= m.cfg.MaxConns {
			// Unreachable when the capacity check above holds, unless slots
			// went auth-fatal and shrank effective capacity.
			return &CapacityExceededError{
				Requested: len(tokens),
				Held:      held,
				Capacity:  m.TotalCapacity(),
				Overage:   len(remaining),
			}
		}
		s, err := m.openSlot(ctx)
		if err != nil {
			return err
		}
		n := len(remaining)
		if n > m.cfg.CapacityPerConn {
			n = m.cfg.CapacityPerConn
		}
		assigned[s] = remaining[:n]
		remaining = remaining[n:]
	}

	for s, toks := range assigned {
		for _, tok := range toks {
			s.subscribed[tok] = struct{}{}
		}
		if s.state == Connected {
			if err := s.conn.Subscribe(m.groupByExchange(toks)); err != nil {
				log.Printf("[pool] conn %d subscribe send failed: %v", s.id, err)
				m.enterCooldown(s, err)
			}
		}
		// Slots in COOLDOWN pick the tokens up via the full resubscribe
		// on their next successful connect.
	}
	return nil
}

// Unsubscribe removes tokens from their slots. Connections stay open even
// when a slot empties, to avoid connect/disconnect thrash.
func (m *Manager) Unsubscribe(ctx context.Context, tokens []string) error {
	var err error
	derr := m.do(ctx, func() {
		perSlot := make(map[*slot][]string)
		for _, tok := range tokens {
			if s := m.slotOf(tok); s != nil {
				delete(s.subscribed, tok)
				perSlot[s] = append(perSlot[s], tok)
			}
		}
		for s, toks := range perSlot {
			if s.state == Connected {
				if serr := s.conn.Unsubscribe(m.groupByExchange(toks)); serr != nil {
					log.Printf("[pool] conn %d unsubscribe send failed: %v", s.id, serr)
					m.enterCooldown(s, serr)
				}
			}
		}
	})
	if derr != nil {
		return derr
	}
	return err
}

// Reconnect is the operator action: it clears COOLDOWN on the targeted
// slots (-1 for all) and makes exactly one reconnect attempt each. A failed
// attempt re-enters COOLDOWN; there is no automatic retry loop here.
func (m *Manager) Reconnect(ctx context.Context, slotID int) (attempted, succeeded int, err error) {
	derr := m.do(ctx, func() {
		for _, s := range m.slots {
			if slotID >= 0 && s.id != slotID {
				continue
			}
			if s.state == Connected {
				continue
			}
			// Operator intervention also clears the auth-fatal flag; the
			// operator presumably fixed the credentials first.
			s.authFatal = false
			s.cooldownUntil = time.Time{}
			attempted++
			if m.connect(ctx, s) == nil {
				succeeded++
			}
		}
		if slotID >= 0 && attempted == 0 {
			err = fmt.Errorf("pool: no reconnectable connection with id %d", slotID)
		}
	})
	if derr != nil {
		return 0, 0, derr
	}
	return attempted, succeeded, err
}

// SlotStatus is one connection's externally visible state.
type SlotStatus struct {
	ID            int       `json:"id"`
	State         string    `json:"state"`
	Subscribed    int       `json:"subscribed"`
	Capacity      int       `json:"capacity"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	AuthFatal     bool      `json:"auth_fatal,omitempty"`
}

// Status snapshots all slots.
func (m *Manager) Status(ctx context.Context) []SlotStatus {
	var out []SlotStatus
	m.do(ctx, func() {
		for _, s := range m.slots {
			out = append(out, SlotStatus{
				ID:            s.id,
				State:         s.state.String(),
				Subscribed:    len(s.subscribed),
				Capacity:      m.cfg.CapacityPerConn,
				CooldownUntil: s.cooldownUntil,
				AuthFatal:     s.authFatal,
			})
		}
	})
	return out
}

// ---- internals (control goroutine only) ----

func (m *Manager) slotOf(token string) *slot {
	for _, s := range m.slots {
		if _, ok := s.subscribed[token]; ok {
			return s
		}
	}
	return nil
}

func (m *Manager) totalSubscribed() int {
	n := 0
	for _, s := range m.slots {
		n += len(s.subscribed)
	}
	return n
}

func (m *Manager) openSlot(ctx context.Context) (*slot, error) {
	s := newSlot(len(m.slots))
	onPrice := func(msg smartconnect.PriceMessage) {
		if m.OnPrice != nil {
			m.OnPrice(s.id, msg)
		}
	}
	conn, err := m.dial(s.id, onPrice, func(cerr error) { m.handleDisconnect(s, cerr) })
	if err != nil {
		return nil, fmt.Errorf("pool: dial slot %d: %w", s.id, err)
	}
	s.conn = conn
	m.slots = append(m.slots, s)
	if err := m.connect(ctx, s); err != nil {
		// Slot stays registered; COOLDOWN (or auth-fatal) handles the rest.
		log.Printf("[pool] conn %d initial connect failed: %v", s.id, err)
	}
	return s, nil
}

func (m *Manager) connect(ctx context.Context, s *slot) error {
	m.transition(s, Connecting)
	if err := s.conn.Connect(ctx); err != nil {
		if errors.Is(err, smartconnect.ErrAuthRejected) {
			// Bad credentials never heal on retry.
			s.authFatal = true
			m.transition(s, Disconnected)
			log.Printf("[pool] conn %d authentication rejected, not retrying: %v", s.id, err)
			if m.OnAuthFatal != nil {
				m.OnAuthFatal(s.id, err)
			}
			return err
		}
		m.enterCooldown(s, err)
		return err
	}
	m.transition(s, Connected)
	s.backoff = 0

	if len(s.subscribed) > 0 {
		toks := make([]string, 0, len(s.subscribed))
		for tok := range s.subscribed {
			toks = append(toks, tok)
		}
		sort.Strings(toks)
		if err := s.conn.Subscribe(m.groupByExchange(toks)); err != nil {
			m.enterCooldown(s, err)
			return err
		}
		log.Printf("[pool] conn %d resubscribed %d tokens", s.id, len(toks))
	}
	return nil
}

func (m *Manager) handleDisconnect(s *slot, err error) {
	if err == nil {
		return // clean close during shutdown
	}
	m.do(context.Background(), func() {
		if s.state == Connected {
			log.Printf("[pool] conn %d dropped: %v", s.id, err)
			m.enterCooldown(s, err)
		}
	})
}

func (m *Manager) enterCooldown(s *slot, cause error) {
	if s.backoff == 0 {
		s.backoff = m.cfg.BaseCooldown
	} else {
		s.backoff *= 2
		if s.backoff > m.cfg.MaxCooldown {
			s.backoff = m.cfg.MaxCooldown
		}
	}
	s.cooldownUntil = m.now().Add(s.backoff)
	m.transition(s, Cooldown)
	log.Printf("[pool] conn %d in cooldown for %s after: %v", s.id, s.backoff, cause)
}

// sweepCooldowns moves expired-COOLDOWN slots back to CONNECTING. This is
// the only automatic path out of COOLDOWN; everything else goes through the
// operator Reconnect.
func (m *Manager) sweepCooldowns(ctx context.Context) {
	now := m.now()
	for _, s := range m.slots {
		if s.state == Cooldown && !now.Before(s.cooldownUntil) {
			if err := m.connect(ctx, s); err != nil {
				log.Printf("[pool] conn %d auto reconnect failed: %v", s.id, err)
			}
		}
	}
}

func (m *Manager) transition(s *slot, to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	if to != Cooldown {
		s.cooldownUntil = time.Time{}
	}
	if m.OnStateChange != nil {
		m.OnStateChange(s.id, from, to)
	}
}

func (m *Manager) groupByExchange(tokens []string) []smartconnect.TokenListEntry {
	byEx := make(map[int][]string)
	for _, tok := range tokens {
		byEx[m.segmentOf(tok)] = append(byEx[m.segmentOf(tok)], tok)
	}
	exTypes := make([]int, 0, len(byEx))
	for ex := range byEx {
		exTypes = append(exTypes, ex)
	}
	sort.Ints(exTypes)
	entries := make([]smartconnect.TokenListEntry, 0, len(byEx))
	for _, ex := range exTypes {
		entries = append(entries, smartconnect.TokenListEntry{ExchangeType: ex, Tokens: byEx[ex]})
	}
	return entries
}
