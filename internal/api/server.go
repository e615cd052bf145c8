// Package api exposes the chain engine over HTTP: chain and straddle
// views, underlying prices, order validation, baskets, and pool admin.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"chainfeed/internal/catalog"
	"chainfeed/internal/chain"
	"chainfeed/internal/feed/pool"
	"chainfeed/internal/metrics"
	"chainfeed/internal/model"
	"chainfeed/internal/orders"
	"chainfeed/internal/pricestore"
)

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// Server is the REST API server.
type Server struct {
	cat       *catalog.Catalog
	store     *pricestore.Store
	assembler *chain.Assembler
	validator *orders.Validator
	pool      *pool.Manager
	met       *metrics.Metrics

	srv *http.Server
}

// NewServer wires all handlers onto a fresh mux.
func NewServer(addr string, cat *catalog.Catalog, store *pricestore.Store, asm *chain.Assembler, val *orders.Validator, pm *pool.Manager, met *metrics.Metrics) *Server {
	s := &Server{
		cat:       cat,
		store:     store,
		assembler: asm,
		validator: val,
		pool:      pm,
		met:       met,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/api/underlyings", s.handleUnderlyings)
	mux.HandleFunc("/api/expiries", s.handleExpiries)
	mux.HandleFunc("/api/chain", s.handleChain)
	mux.HandleFunc("/api/straddle", s.handleStraddle)
	mux.HandleFunc("/api/underlying/price", s.handleUnderlyingPrice)
	mux.HandleFunc("/api/orders/validate", s.handleValidate)
	mux.HandleFunc("/api/orders/margin", s.handleMarginQuote)
	mux.HandleFunc("/api/baskets", s.handleBaskets)
	mux.HandleFunc("/api/pool/status", s.handlePoolStatus)
	mux.HandleFunc("/api/admin/reconnect", s.handleReconnect)

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[api] server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// viewArgs parses the underlying and expiry query parameters shared by the
// chain and straddle endpoints. Expiry format is 2006-01-02.
func (s *Server) viewArgs(w http.ResponseWriter, r *http.Request) (string, time.Time, bool) {
	underlying := r.URL.Query().Get("underlying")
	if underlying == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing underlying"})
		return "", time.Time{}, false
	}
	expStr := r.URL.Query().Get("expiry")
	if expStr == "" {
		// Default to the nearest listed expiry.
		exps := s.cat.Expiries(underlying)
		if len(exps) == 0 {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no expiries for " + underlying})
			return "", time.Time{}, false
		}
		return underlying, exps[0], true
	}
	expiry, err := time.Parse("2006-01-02", expStr)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad expiry, want YYYY-MM-DD"})
		return "", time.Time{}, false
	}
	return underlying, expiry, true
}

func (s *Server) handleUnderlyings(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	writeJSON(w, http.StatusOK, s.cat.Underlyings())
}

func (s *Server) handleExpiries(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	underlying := r.URL.Query().Get("underlying")
	if underlying == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing underlying"})
		return
	}
	exps := s.cat.Expiries(underlying)
	out := make([]string, len(exps))
	for i, e := range exps {
		out[i] = e.Format("2006-01-02")
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	underlying, expiry, ok := s.viewArgs(w, r)
	if !ok {
		return
	}

	start := time.Now()
	ch, err := s.assembler.BuildChain(underlying, expiry)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if s.met != nil {
		s.met.ChainBuildDur.Observe(time.Since(start).Seconds())
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleStraddle(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	underlying, expiry, ok := s.viewArgs(w, r)
	if !ok {
		return
	}

	start := time.Now()
	view, err := s.assembler.BuildStraddleView(underlying, expiry)
	if err != nil {
		var atmErr *chain.AtmUnresolvableError
		if errors.As(err, &atmErr) {
			// No priced rows yet: the view is unavailable, not broken.
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusNotFound, err)
		return
	}
	if s.met != nil {
		s.met.StraddleBuildDur.Observe(time.Since(start).Seconds())
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUnderlyingPrice(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	underlying := r.URL.Query().Get("underlying")
	if underlying == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing underlying"})
		return
	}
	rec, err := s.store.UnderlyingPrice(underlying)
	if err != nil {
		code := http.StatusServiceUnavailable
		if errors.Is(err, pricestore.ErrNotFound) {
			code = http.StatusNotFound
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != "POST" {
		http.Error(w, `{"error":"POST only"}`, http.StatusMethodNotAllowed)
		return
	}

	var intent model.OrderIntent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	start := time.Now()
	decision := s.validator.Validate(r.Context(), intent)
	if s.met != nil {
		s.met.MarginQuoteDur.Observe(time.Since(start).Seconds())
		result := "rejected"
		if decision.Accepted {
			result = "accepted"
		}
		s.met.OrdersValidated.WithLabelValues(result).Inc()
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleMarginQuote(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != "POST" {
		http.Error(w, `{"error":"POST only"}`, http.StatusMethodNotAllowed)
		return
	}

	var intent model.OrderIntent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	quote, err := s.validator.QuoteMargin(r.Context(), intent)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleBaskets(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	if name := r.URL.Query().Get("name"); name != "" {
		b, ok := s.validator.Baskets.Get(name)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "basket " + name + " does not exist"})
			return
		}
		writeJSON(w, http.StatusOK, b)
		return
	}
	writeJSON(w, http.StatusOK, s.validator.Baskets.Names())
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	writeJSON(w, http.StatusOK, s.pool.Status(r.Context()))
}

// handleReconnect is the operator path: one attempt per targeted slot,
// reported truthfully. It never loops.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	if r.Method != "POST" {
		http.Error(w, `{"error":"POST only"}`, http.StatusMethodNotAllowed)
		return
	}

	slotID := -1 // all slots
	if v := r.URL.Query().Get("slot"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, `{"error":"bad slot"}`, http.StatusBadRequest)
			return
		}
		slotID = n
	}

	attempted, succeeded, err := s.pool.Reconnect(r.Context(), slotID)
	resp := map[string]interface{}{
		"attempted": attempted,
		"succeeded": succeeded,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	log.Printf("[api] operator reconnect slot=%d attempted=%d succeeded=%d err=%v", slotID, attempted, succeeded, err)
	writeJSON(w, http.StatusOK, resp)
}
