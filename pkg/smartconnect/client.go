// Package smartconnect is a minimal Angel One SmartAPI client covering the
// endpoints this system consumes: session management, RMS limits, the
// batched margin calculator, and the streaming market feed (websocket.go).
package smartconnect

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultRoot = "https://apiconnect.angelone.in"

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",
	"api.rms.limit":    "/rest/secure/angelbroking/user/v1/getRMS",
	"api.ltp.data":     "/rest/secure/angelbroking/order/v1/getLtpData",
	"api.margin.batch": "/rest/secure/angelbroking/margin/v1/batch",
}

// Config configures the REST client.
type Config struct {
	APIKey      string
	AccessToken string
	FeedToken   string
	RootURL     string        // default: https://apiconnect.angelone.in
	Timeout     time.Duration // default: 7s
	LocalIP     string
	PublicIP    string
	MAC         string
}

// Client is the SmartAPI REST client.
type Client struct {
	apiKey      string
	accessToken string
	feedToken   string
	rootURL     string
	httpClient  *http.Client

	localIP  string
	publicIP string
	mac      string
}

// APIError is a non-OK response from SmartAPI.
type APIError struct {
	Route     string
	ErrorCode string
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("smartconnect: %s failed: %s %s", e.Route, e.ErrorCode, e.Message)
}

// NewClient creates a SmartAPI client.
func NewClient(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.LocalIP == "" {
		cfg.LocalIP = "127.0.0.1"
	}
	if cfg.PublicIP == "" {
		cfg.PublicIP = cfg.LocalIP
	}
	if cfg.MAC == "" {
		cfg.MAC = "00:11:22:33:44:55"
	}
	return &Client{
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		feedToken:   cfg.FeedToken,
		rootURL:     strings.TrimRight(cfg.RootURL, "/"),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		localIP:     cfg.LocalIP,
		publicIP:    cfg.PublicIP,
		mac:         cfg.MAC,
	}
}

func (c *Client) AccessToken() string { return c.accessToken }
func (c *Client) FeedToken() string   { return c.feedToken }

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", c.localIP)
	h.Set("X-ClientPublicIP", c.publicIP)
	h.Set("X-MACAddress", c.mac)
	h.Set("X-PrivateKey", c.apiKey)
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	if c.accessToken != "" {
		h.Set("Authorization", "Bearer "+c.accessToken)
	}
	return h
}

// envelope is the common SmartAPI response wrapper.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

func (c *Client) post(route string, params any, out any) error {
	uri, ok := routes[route]
	if !ok {
		return fmt.Errorf("smartconnect: unknown route %s", route)
	}
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("smartconnect: marshal %s: %w", route, err)
	}

	req, err := http.NewRequest(http.MethodPost, c.rootURL+uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = c.headers()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("smartconnect: %s: %w", route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("smartconnect: read %s: %w", route, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("smartconnect: parse %s: %w", route, err)
	}
	if !env.Status {
		return &APIError{Route: route, ErrorCode: env.ErrorCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("smartconnect: decode %s data: %w", route, err)
		}
	}
	return nil
}

func (c *Client) get(route string, out any) error {
	uri, ok := routes[route]
	if !ok {
		return fmt.Errorf("smartconnect: unknown route %s", route)
	}
	req, err := http.NewRequest(http.MethodGet, c.rootURL+uri, nil)
	if err != nil {
		return err
	}
	req.Header = c.headers()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("smartconnect: %s: %w", route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("smartconnect: read %s: %w", route, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("smartconnect: parse %s: %w", route, err)
	}
	if !env.Status {
		return &APIError{Route: route, ErrorCode: env.ErrorCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("smartconnect: decode %s data: %w", route, err)
		}
	}
	return nil
}

// ---- Session ----

// GenerateSession logs in with the given credentials and a fresh TOTP code,
// storing the JWT and feed token on the client.
func (c *Client) GenerateSession(clientCode, password, totp string) error {
	var data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	err := c.post("api.login", map[string]string{
		"clientcode": clientCode,
		"password":   password,
		"totp":       totp,
	}, &data)
	if err != nil {
		return err
	}
	if data.JWTToken == "" {
		return errors.New("smartconnect: login returned empty jwt token")
	}
	c.accessToken = data.JWTToken
	c.feedToken = data.FeedToken
	return nil
}

// TerminateSession logs the client out.
func (c *Client) TerminateSession(clientCode string) error {
	return c.post("api.logout", map[string]string{"clientcode": clientCode}, nil)
}

// ---- RMS / funds ----

// RMSLimit is the subset of the RMS response this system consumes.
// SmartAPI returns monetary fields as rupee strings; they are converted
// to paise here.
type RMSLimit struct {
	Net           int64 // available margin in paise
	AvailableCash int64
	UtilisedDebit int64
}

// GetRMSLimit fetches the account's margin limits.
func (c *Client) GetRMSLimit() (*RMSLimit, error) {
	var data struct {
		Net            string `json:"net"`
		AvailableCash  string `json:"availablecash"`
		UtilisedDebits string `json:"utiliseddebits"`
	}
	if err := c.get("api.rms.limit", &data); err != nil {
		return nil, err
	}
	return &RMSLimit{
		Net:           rupeesToPaise(data.Net),
		AvailableCash: rupeesToPaise(data.AvailableCash),
		UtilisedDebit: rupeesToPaise(data.UtilisedDebits),
	}, nil
}

// ---- Margin calculator ----

// MarginPosition is one leg of a batched margin calculation.
type MarginPosition struct {
	Exchange    string  `json:"exchange"`    // NSE, NFO
	ProductType string  `json:"productType"` // INTRADAY, CARRYFORWARD, DELIVERY
	TradeType   string  `json:"tradeType"`   // BUY, SELL
	Token       string  `json:"token"`
	Qty         int     `json:"qty"`   // lot-size-multiplied quantity
	Price       int64   `json:"-"`     // paise; serialized as rupees below
	PriceRupees float64 `json:"price"`
}

// MarginResult is the margin calculator response in paise.
type MarginResult struct {
	TotalMarginRequired int64
	MarginComponents    map[string]int64
}

// CalculateMargin runs one batched margin calculation for all positions.
// The batch form is preferred over per-leg calls so all legs are priced at
// the same instant.
func (c *Client) CalculateMargin(positions []MarginPosition) (*MarginResult, error) {
	if len(positions) == 0 {
		return nil, errors.New("smartconnect: margin batch needs at least one position")
	}
	for i := range positions {
		positions[i].PriceRupees = float64(positions[i].Price) / 100
	}

	var data struct {
		TotalMarginRequired float64            `json:"totalMarginRequired"`
		MarginComponents    map[string]float64 `json:"marginComponents"`
	}
	err := c.post("api.margin.batch", map[string]any{"positions": positions}, &data)
	if err != nil {
		return nil, err
	}

	res := &MarginResult{
		TotalMarginRequired: int64(data.TotalMarginRequired*100 + 0.5),
		MarginComponents:    make(map[string]int64, len(data.MarginComponents)),
	}
	for k, v := range data.MarginComponents {
		res.MarginComponents[k] = int64(v*100 + 0.5)
	}
	return res, nil
}

// ---- LTP ----

// GetLTP fetches a single instrument's last traded price in paise via REST.
// The streaming feed is the primary price source; this is the cold-start
// path before a token's first tick arrives.
func (c *Client) GetLTP(exchange, tradingSymbol, token string) (int64, error) {
	var data struct {
		LTP float64 `json:"ltp"`
	}
	err := c.post("api.ltp.data", map[string]string{
		"exchange":      exchange,
		"tradingsymbol": tradingSymbol,
		"symboltoken":   token,
	}, &data)
	if err != nil {
		return 0, err
	}
	return int64(data.LTP*100 + 0.5), nil
}

func rupeesToPaise(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	if f < 0 {
		return int64(f*100 - 0.5)
	}
	return int64(f*100 + 0.5)
}
