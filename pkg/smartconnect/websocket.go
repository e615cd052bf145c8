package smartconnect

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	FeedURI           = "wss://smartapisocket.angelone.in/smart-stream"
	HeartBeatMessage  = "ping"
	HeartBeatInterval = 10 * time.Second

	// MaxTokensPerRequest is the upstream per-message batch limit for
	// subscribe/unsubscribe requests.
	MaxTokensPerRequest = 1000
)

// Subscription actions and modes.
const (
	SubscribeAction   = 1
	UnsubscribeAction = 0

	ModeLTP       = 1
	ModeQuote     = 2
	ModeSnapQuote = 3
)

// Feed exchange-type codes.
const (
	NSE_CM = 1
	NSE_FO = 2
	BSE_CM = 3
	BSE_FO = 4
	MCX_FO = 5
)

// ErrAuthRejected means the feed refused the connection's credentials.
// This is fatal for the connection; retrying with the same tokens will not
// succeed.
var ErrAuthRejected = errors.New("smartconnect: feed rejected credentials")

// ErrNotConnected is returned for writes on a closed stream.
var ErrNotConnected = errors.New("smartconnect: stream not connected")

// TokenListEntry groups tokens under one exchange type for subscribe
// requests.
type TokenListEntry struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// DepthEntry is one level of the best-five data in a snap-quote packet.
type DepthEntry struct {
	Price int64 // paise
	Qty   int64
	Buy   bool
}

// PriceMessage is one decoded binary feed packet. Which fields are set
// depends on Mode: LTP packets carry only the price, Quote adds the
// previous close, SnapQuote adds best-five depth.
type PriceMessage struct {
	Mode         int
	ExchangeType int
	Token        string
	Sequence     int64
	ExchangeTS   time.Time
	LTP          int64 // paise
	PrevClose    int64 // paise; Quote/SnapQuote only
	BestBid      int64
	BestAsk      int64
	Depth        []DepthEntry
}

// Stream is one websocket connection to the market feed. It owns no retry
// policy: on any failure it reports through OnDisconnect and stops, leaving
// reconnect decisions to the caller.
type Stream struct {
	AuthToken  string
	APIKey     string
	ClientCode string
	FeedToken  string

	Dialer *websocket.Dialer

	// OnPrice receives every decoded price packet.
	OnPrice func(PriceMessage)
	// OnDisconnect is called once when the read loop exits, with the
	// terminating error (nil on clean close).
	OnDisconnect func(err error)
	// OnMalformed is called for every dropped unparseable packet.
	OnMalformed func()

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	closed bool
}

// NewStream creates an unconnected stream.
func NewStream(authToken, apiKey, clientCode, feedToken string) (*Stream, error) {
	if authToken == "" || apiKey == "" || clientCode == "" || feedToken == "" {
		return nil, errors.New("smartconnect: all feed credentials are required")
	}
	return &Stream{
		AuthToken:  authToken,
		APIKey:     apiKey,
		ClientCode: clientCode,
		FeedToken:  feedToken,
		Dialer:     websocket.DefaultDialer,
	}, nil
}

// Connect dials the feed and starts the read and heartbeat loops.
// A 401/403 handshake response returns ErrAuthRejected.
func (s *Stream) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Add("Authorization", s.AuthToken)
	header.Add("x-api-key", s.APIKey)
	header.Add("x-client-code", s.ClientCode)
	header.Add("x-feed-token", s.FeedToken)

	conn, resp, err := s.Dialer.DialContext(ctx, FeedURI, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: %s", ErrAuthRejected, resp.Status)
		}
		return fmt.Errorf("smartconnect: dial feed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.closed = false
	s.mu.Unlock()

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	go s.readLoop(conn)
	go s.heartbeatLoop(loopCtx, conn)
	return nil
}

// Close shuts the stream down without firing OnDisconnect as an error.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
}

type subscribeRequest struct {
	CorrelationID string          `json:"correlationID,omitempty"`
	Action        int             `json:"action"`
	Params        subscribeParams `json:"params"`
}

type subscribeParams struct {
	Mode      int              `json:"mode"`
	TokenList []TokenListEntry `json:"tokenList"`
}

// Subscribe sends subscription requests for the given token groups,
// splitting into batches of MaxTokensPerRequest.
func (s *Stream) Subscribe(correlationID string, mode int, entries []TokenListEntry) error {
	return s.sendTokenRequest(correlationID, SubscribeAction, mode, entries)
}

// Unsubscribe removes the given token groups from the connection.
func (s *Stream) Unsubscribe(correlationID string, mode int, entries []TokenListEntry) error {
	return s.sendTokenRequest(correlationID, UnsubscribeAction, mode, entries)
}

func (s *Stream) sendTokenRequest(correlationID string, action, mode int, entries []TokenListEntry) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	for _, batch := range splitBatches(entries, MaxTokensPerRequest) {
		req := subscribeRequest{
			CorrelationID: correlationID,
			Action:        action,
			Params:        subscribeParams{Mode: mode, TokenList: batch},
		}
		s.mu.Lock()
		err := conn.WriteJSON(req)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("smartconnect: send token request: %w", err)
		}
	}
	return nil
}

// splitBatches re-groups entries so no single request carries more than
// maxTokens tokens, preserving exchange grouping.
func splitBatches(entries []TokenListEntry, maxTokens int) [][]TokenListEntry {
	var batches [][]TokenListEntry
	var cur []TokenListEntry
	count := 0

	flush := func() {
		if len(cur) > 0 {
			batches = append(batches, cur)
			cur = nil
			count = 0
		}
	}

	for _, e := range entries {
		toks := e.Tokens
		for len(toks) > 0 {
			room := maxTokens - count
			if room == 0 {
				flush()
				room = maxTokens
			}
			n := len(toks)
			if n > room {
				n = room
			}
			cur = append(cur, TokenListEntry{ExchangeType: e.ExchangeType, Tokens: toks[:n]})
			count += n
			toks = toks[n:]
		}
	}
	flush()
	return batches
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	var loopErr error
	defer func() {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if s.OnDisconnect != nil {
			if closed {
				s.OnDisconnect(nil)
			} else {
				s.OnDisconnect(loopErr)
			}
		}
	}()

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			loopErr = err
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			msg, err := ParsePriceMessage(message)
			if err != nil {
				if s.OnMalformed != nil {
					s.OnMalformed()
				}
				continue
			}
			if s.OnPrice != nil {
				s.OnPrice(msg)
			}
		case websocket.TextMessage:
			// Text frames are heartbeat replies and error notices; neither
			// carries price data.
		}
	}
}

func (s *Stream) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(HeartBeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, []byte(HeartBeatMessage))
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// ---- Binary packet parsing ----

// Packet layout (little-endian):
//
//	[0]      subscription mode
//	[1]      exchange type
//	[2:27]   token, NUL-padded ASCII
//	[27:35]  sequence number
//	[35:43]  exchange timestamp, epoch millis
//	[43:51]  last traded price, paise
//
// Quote mode extends to 123 bytes; previous close sits at [115:123].
// SnapQuote extends to 379 bytes with best-five data at [147:347].
const (
	ltpPacketLen       = 51
	quotePacketLen     = 123
	snapQuotePacketLen = 379
)

// ParsePriceMessage decodes one binary feed packet. Packets shorter than
// their mode's fixed length are rejected.
func ParsePriceMessage(b []byte) (PriceMessage, error) {
	if len(b) < ltpPacketLen {
		return PriceMessage{}, fmt.Errorf("smartconnect: packet too short: %d bytes", len(b))
	}

	msg := PriceMessage{
		Mode:         int(b[0]),
		ExchangeType: int(b[1]),
		Token:        parseTokenValue(b[2:27]),
		Sequence:     int64(binary.LittleEndian.Uint64(b[27:35])),
		LTP:          int64(binary.LittleEndian.Uint64(b[43:51])),
	}
	if msg.Token == "" {
		return PriceMessage{}, errors.New("smartconnect: packet missing token")
	}
	if ms := int64(binary.LittleEndian.Uint64(b[35:43])); ms > 0 {
		msg.ExchangeTS = time.Unix(0, ms*int64(time.Millisecond)).UTC()
	}

	switch msg.Mode {
	case ModeLTP:
		return msg, nil
	case ModeQuote:
		if len(b) < quotePacketLen {
			return PriceMessage{}, fmt.Errorf("smartconnect: quote packet too short: %d bytes", len(b))
		}
		msg.PrevClose = int64(binary.LittleEndian.Uint64(b[115:123]))
		return msg, nil
	case ModeSnapQuote:
		if len(b) < snapQuotePacketLen {
			return PriceMessage{}, fmt.Errorf("smartconnect: snap-quote packet too short: %d bytes", len(b))
		}
		msg.PrevClose = int64(binary.LittleEndian.Uint64(b[115:123]))
		msg.Depth = parseBestFive(b[147:347])
		for _, d := range msg.Depth {
			if d.Buy && msg.BestBid == 0 {
				msg.BestBid = d.Price
			}
			if !d.Buy && msg.BestAsk == 0 {
				msg.BestAsk = d.Price
			}
		}
		return msg, nil
	default:
		return PriceMessage{}, fmt.Errorf("smartconnect: unknown subscription mode %d", msg.Mode)
	}
}

func parseTokenValue(b []byte) string {
	for i := 0; i < len(b); i++ {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// parseBestFive decodes the ten 20-byte best-five packets (five buy, five
// sell), in exchange order.
func parseBestFive(b []byte) []DepthEntry {
	out := make([]DepthEntry, 0, 10)
	for i := 0; i+20 <= len(b); i += 20 {
		p := b[i : i+20]
		flag := binary.LittleEndian.Uint16(p[0:2])
		out = append(out, DepthEntry{
			Qty:   int64(binary.LittleEndian.Uint64(p[2:10])),
			Price: int64(binary.LittleEndian.Uint64(p[10:18])),
			Buy:   flag == 1,
		})
	}
	return out
}
