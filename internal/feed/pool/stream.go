package pool

import (
	"context"

	"chainfeed/pkg/smartconnect"
)

// StreamCreds are the feed credentials shared by every pool connection.
type StreamCreds struct {
	AuthToken  string
	APIKey     string
	ClientCode string
	FeedToken  string
}

// streamConn adapts smartconnect.Stream to the pool's Conn interface,
// fixing the subscription mode per pool.
type streamConn struct {
	s    *smartconnect.Stream
	mode int
}

func (c *streamConn) Connect(ctx context.Context) error {
	return c.s.Connect(ctx)
}

func (c *streamConn) Subscribe(entries []smartconnect.TokenListEntry) error {
	return c.s.Subscribe("chainfeed", c.mode, entries)
}

func (c *streamConn) Unsubscribe(entries []smartconnect.TokenListEntry) error {
	return c.s.Unsubscribe("chainfeed", c.mode, entries)
}

func (c *streamConn) Close() { c.s.Close() }

// StreamDialer returns a Dialer backed by the real market feed. onMalformed
// counts dropped unparseable packets.
func StreamDialer(creds StreamCreds, mode int, onMalformed func()) Dialer {
	return func(slotID int, onPrice func(smartconnect.PriceMessage), onDisconnect func(err error)) (Conn, error) {
		s, err := smartconnect.NewStream(creds.AuthToken, creds.APIKey, creds.ClientCode, creds.FeedToken)
		if err != nil {
			return nil, err
		}
		s.OnPrice = onPrice
		s.OnDisconnect = onDisconnect
		s.OnMalformed = onMalformed
		return &streamConn{s: s, mode: mode}, nil
	}
}
