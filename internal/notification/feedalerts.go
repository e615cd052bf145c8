package notification

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"chainfeed/internal/feed/pool"
)

// FeedAlerter turns pool slot transitions into operator alerts.
// Cooldown entries warn, repeated cooldowns on the same slot escalate,
// and auth-fatal slots are always critical. Alerts per slot are
// rate-limited so a flapping line does not flood the channel.
type FeedAlerter struct {
	notifier Notifier

	mu        sync.Mutex
	lastSent  map[int]time.Time
	cooldowns map[int]int

	// MinInterval is the per-slot floor between alerts.
	MinInterval time.Duration
	now         func() time.Time
}

// NewFeedAlerter creates an alerter delivering through the given notifier.
func NewFeedAlerter(n Notifier) *FeedAlerter {
	return &FeedAlerter{
		notifier:    n,
		lastSent:    make(map[int]time.Time),
		cooldowns:   make(map[int]int),
		MinInterval: 2 * time.Minute,
		now:         time.Now,
	}
}

// OnStateChange is wired to the pool manager. Safe for concurrent use.
func (a *FeedAlerter) OnStateChange(slotID int, from, to pool.State) {
	var alert Alert
	switch {
	case to == pool.Cooldown:
		a.mu.Lock()
		a.cooldowns[slotID]++
		n := a.cooldowns[slotID]
		a.mu.Unlock()

		level := AlertWarning
		if n >= 3 {
			level = AlertCritical
		}
		alert = Alert{
			Level:   level,
			Title:   fmt.Sprintf("feed slot %d in cooldown", slotID),
			Message: fmt.Sprintf("slot %d dropped (%s -> %s), cooldown #%d since start", slotID, from, to, n),
		}

	case to == pool.Connected:
		a.mu.Lock()
		recovering := a.cooldowns[slotID] > 0
		a.cooldowns[slotID] = 0
		a.mu.Unlock()
		if !recovering {
			return // initial connect, not a recovery
		}
		alert = Alert{
			Level:   AlertInfo,
			Title:   fmt.Sprintf("feed slot %d recovered", slotID),
			Message: fmt.Sprintf("slot %d reconnected and resubscribed", slotID),
		}

	default:
		return
	}

	if !a.allow(slotID, alert.Level) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.notifier.Send(ctx, alert); err != nil {
		log.Printf("[feed-alerter] send failed: %v", err)
	}
}

// AuthFailure reports a slot permanently lost to credential rejection.
// Never rate-limited: this needs a human.
func (a *FeedAlerter) AuthFailure(slotID int, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	alert := Alert{
		Level:   AlertCritical,
		Title:   fmt.Sprintf("feed slot %d auth rejected", slotID),
		Message: fmt.Sprintf("slot %d removed from rotation until operator reconnect: %v", slotID, err),
	}
	if serr := a.notifier.Send(ctx, alert); serr != nil {
		log.Printf("[feed-alerter] send failed: %v", serr)
	}
}

// allow applies the per-slot rate limit. Critical alerts always pass.
func (a *FeedAlerter) allow(slotID int, level AlertLevel) bool {
	if level == AlertCritical {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if last, ok := a.lastSent[slotID]; ok && now.Sub(last) < a.MinInterval {
		return false
	}
	a.lastSent[slotID] = now
	return true
}
