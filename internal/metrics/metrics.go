package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the chain engine.
type Metrics struct {
	// Feed ingest
	FeedMessagesTotal  *prometheus.CounterVec // labels: mode
	MalformedMessages  prometheus.Counter
	PriceUpdatesTotal  prometheus.Counter
	InvalidPricesTotal prometheus.Counter
	LastCloseFallbacks prometheus.Counter
	ClosesCaptured     prometheus.Counter

	// Connection pool
	FeedReconnects   prometheus.Counter
	SlotState        *prometheus.GaugeVec // labels: slot; 0=disconnected 1=connecting 2=connected 3=cooldown
	CooldownSlots    prometheus.Gauge
	SubscribedTokens prometheus.Gauge

	// Chain / straddle assembly
	ChainBuildDur    prometheus.Histogram
	StraddleBuildDur prometheus.Histogram

	// Order validation
	MarginQuoteDur  prometheus.Histogram
	OrdersValidated *prometheus.CounterVec // labels: result=accepted|rejected

	// Redis persistence
	RedisWriteDur            prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		FeedMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainfeed_feed_messages_total",
			Help: "Feed messages received from the stream (by subscription mode)",
		}, []string{"mode"}),
		MalformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfeed_malformed_messages_total",
			Help: "Feed messages dropped because they failed to parse",
		}),
		PriceUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfeed_price_updates_total",
			Help: "Price records applied to the store",
		}),
		InvalidPricesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfeed_invalid_prices_total",
			Help: "Updates marked INVALID (zero price with no known close)",
		}),
		LastCloseFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfeed_last_close_fallbacks_total",
			Help: "Updates served from the previous close instead of a live price",
		}),
		ClosesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfeed_closes_captured_total",
			Help: "Closing prices captured after the session end",
		}),

		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfeed_feed_reconnects_total",
			Help: "Feed connection attempts after the initial connect",
		}),
		SlotState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chainfeed_slot_state",
			Help: "Pool slot state (0=disconnected, 1=connecting, 2=connected, 3=cooldown)",
		}, []string{"slot"}),
		CooldownSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainfeed_cooldown_slots",
			Help: "Pool slots currently in cooldown",
		}),
		SubscribedTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainfeed_subscribed_tokens",
			Help: "Tokens currently held across all pool slots",
		}),

		ChainBuildDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainfeed_chain_build_duration_seconds",
			Help:    "Option chain assembly latency",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
		StraddleBuildDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainfeed_straddle_build_duration_seconds",
			Help:    "Straddle view assembly latency",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),

		MarginQuoteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainfeed_margin_quote_duration_seconds",
			Help:    "Batched margin quote latency against the broker",
			Buckets: prometheus.DefBuckets,
		}),
		OrdersValidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainfeed_orders_validated_total",
			Help: "Order intents validated (by result)",
		}, []string{"result"}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainfeed_redis_write_duration_seconds",
			Help:    "Redis last-close write latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainfeed_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfeed_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfeed_redis_buffered_writes_total",
			Help: "Close writes buffered locally while the circuit was open",
		}),
	}

	prometheus.MustRegister(
		m.FeedMessagesTotal,
		m.MalformedMessages,
		m.PriceUpdatesTotal,
		m.InvalidPricesTotal,
		m.LastCloseFallbacks,
		m.ClosesCaptured,
		m.FeedReconnects,
		m.SlotState,
		m.CooldownSlots,
		m.SubscribedTokens,
		m.ChainBuildDur,
		m.StraddleBuildDur,
		m.MarginQuoteDur,
		m.OrdersValidated,
		m.RedisWriteDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	ConnectedSlots int       `json:"connected_slots"`
	TotalSlots     int       `json:"total_slots"`
	LastPriceTime  time.Time `json:"last_price_time"`
	RedisConnected bool      `json:"redis_connected"`
	CatalogOK      bool      `json:"catalog_ok"`
	TokensHeld     int       `json:"tokens_held"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetSlots(connected, total int) {
	h.mu.Lock()
	h.ConnectedSlots = connected
	h.TotalSlots = total
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastPriceTime(t time.Time) {
	h.mu.Lock()
	h.LastPriceTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetCatalogOK(v bool) {
	h.mu.Lock()
	h.CatalogOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetTokensHeld(n int) {
	h.mu.Lock()
	h.TokensHeld = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.CatalogOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if h.ConnectedSlots < h.TotalSlots || !h.RedisConnected || !h.CatalogOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if h.ConnectedSlots == 0 && !h.RedisConnected {
		overallStatus = "unhealthy"
	}

	priceAge := ""
	if !h.LastPriceTime.IsZero() {
		priceAge = time.Since(h.LastPriceTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		ConnectedSlots  int     `json:"connected_slots"`
		TotalSlots      int     `json:"total_slots"`
		LastPriceTime   string  `json:"last_price_time"`
		PriceAge        string  `json:"price_age"`
		TokensHeld      int     `json:"tokens_held"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		CatalogOK       bool    `json:"catalog_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		ConnectedSlots:  h.ConnectedSlots,
		TotalSlots:      h.TotalSlots,
		LastPriceTime:   h.LastPriceTime.Format(time.RFC3339),
		PriceAge:        priceAge,
		TokensHeld:      h.TokensHeld,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		CatalogOK:       h.CatalogOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
