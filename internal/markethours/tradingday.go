package markethours

import "time"

// LastTradingDay returns the most recent trading day at or before t,
// truncated to midnight IST.
func LastTradingDay(t time.Time) time.Time {
	d := t.In(IST)
	for i := 0; i < 10; i++ {
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, IST)
		}
		d = d.AddDate(0, 0, -1)
	}
	// Long holiday runs don't exceed 10 days on NSE
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, IST)
}

// OlderThanOneTradingDay reports whether ts predates the previous trading
// day relative to now. A price carrying such a timestamp must not be shown
// as live.
func OlderThanOneTradingDay(ts, now time.Time) bool {
	latest := LastTradingDay(now)
	prev := LastTradingDay(latest.AddDate(0, 0, -1))
	return ts.In(IST).Before(prev)
}
