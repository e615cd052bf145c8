package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pquerna/otp/totp"

	"chainfeed/config"
	"chainfeed/internal/api"
	"chainfeed/internal/catalog"
	"chainfeed/internal/chain"
	"chainfeed/internal/feed/pool"
	"chainfeed/internal/markethours"
	"chainfeed/internal/metrics"
	"chainfeed/internal/model"
	"chainfeed/internal/notification"
	"chainfeed/internal/orders"
	"chainfeed/internal/pricestore"
	redisstore "chainfeed/internal/store/redis"
	"chainfeed/pkg/smartconnect"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[chainengine] starting...")

	// ---- Load config from env ----
	cfg := config.Load()
	underlyings := cfg.ParseUnderlyings()
	log.Printf("[chainengine] underlyings: %v, %d expiries each", underlyings, cfg.ExpiryCount())

	// ---- Load instrument catalog ----
	cat, err := catalog.LoadSQLite(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[chainengine] catalog load failed: %v", err)
	}
	log.Printf("[chainengine] catalog loaded: %d instruments", cat.Size())

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetCatalogOK(true)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Redis last-close persistence ----
	var closeWriter *redisstore.BufferedWriter
	rstore, err := redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Printf("[chainengine] WARNING: redis init failed: %v (closes will not survive restarts)", err)
		health.SetRedisConnected(false)
	} else {
		health.SetRedisConnected(true)
		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
			log.Printf("[chainengine] redis circuit breaker: %s -> %s", from, to)
		}
		closeWriter = redisstore.NewBufferedWriter(ctx, rstore, cb, 10000)
		closeWriter.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
		health.StartLivenessChecker(ctx, rstore.Client(), nil, 10*time.Second)
	}

	// ---- Price store (seeded from persisted closes) ----
	store := pricestore.New(cat)
	if rstore != nil {
		entries, err := rstore.LoadLastCloses(ctx)
		if err != nil {
			log.Printf("[chainengine] WARNING: last-close load failed: %v", err)
		} else if len(entries) > 0 {
			seed := make(map[string]int64, len(entries))
			for _, e := range entries {
				seed[e.Token] = e.Price
			}
			store.SeedLastClose(seed)
			log.Printf("[chainengine] seeded %d last closes from redis", len(entries))
		}
	}
	if closeWriter != nil {
		store.OnLastClose = func(token string, close int64) {
			exchange := ""
			if ins, ok := cat.ByToken(token); ok {
				exchange = ins.Exchange
			}
			start := time.Now()
			err := closeWriter.WriteLastClose(redisstore.CloseEntry{
				Token:    token,
				Exchange: exchange,
				Price:    close,
				TS:       markethours.LastTradingDay(time.Now()),
			})
			prom.RedisWriteDur.Observe(time.Since(start).Seconds())
			if err != nil {
				log.Printf("[chainengine] last-close persist failed for %s: %v", token, err)
			}
		}
	}

	// ---- Broker session ----
	totpCode, err := totp.GenerateCode(cfg.AngelTOTPSecret, time.Now())
	if err != nil {
		log.Fatalf("[chainengine] TOTP generation failed: %v", err)
	}
	sc := smartconnect.NewClient(smartconnect.Config{APIKey: cfg.AngelAPIKey})
	if err := sc.GenerateSession(cfg.AngelClientCode, cfg.AngelPassword, totpCode); err != nil {
		log.Fatalf("[chainengine] login failed: %v", err)
	}
	log.Println("[chainengine] broker session ready")

	// ---- Alerting ----
	var notifier notification.Notifier = notification.NewLogNotifier()
	switch {
	case cfg.TelegramBotToken != "" && cfg.TelegramChatID != "":
		notifier = notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
		log.Println("[chainengine] alerts via telegram")
	case cfg.AlertWebhookURL != "":
		notifier = notification.NewWebhookNotifier(cfg.AlertWebhookURL)
		log.Printf("[chainengine] alerts via webhook %s", cfg.AlertWebhookURL)
	}
	alerter := notification.NewFeedAlerter(notifier)

	// ---- Close capture (armed daily at session end) ----
	var capture atomic.Pointer[pricestore.CloseCapture]

	// ---- Feed connection pool ----
	creds := pool.StreamCreds{
		AuthToken:  sc.AccessToken(),
		APIKey:     cfg.AngelAPIKey,
		ClientCode: cfg.AngelClientCode,
		FeedToken:  sc.FeedToken(),
	}
	dialer := pool.StreamDialer(creds, smartconnect.ModeQuote, func() {
		prom.MalformedMessages.Inc()
	})
	segmentOf := func(token string) int {
		if ins, ok := cat.ByToken(token); ok {
			return ins.Segment
		}
		return smartconnect.NSE_FO
	}
	pm := pool.New(pool.Config{
		CapacityPerConn: cfg.CapacityPerConn(),
		MaxConns:        cfg.MaxConnections(),
	}, dialer, segmentOf)

	var slotMu sync.Mutex
	slotStates := make(map[int]pool.State)
	pm.OnStateChange = func(slotID int, from, to pool.State) {
		prom.SlotState.WithLabelValues(strconv.Itoa(slotID)).Set(float64(to))
		if to == pool.Connecting && from == pool.Cooldown {
			prom.FeedReconnects.Inc()
		}

		slotMu.Lock()
		slotStates[slotID] = to
		connected, cooldown := 0, 0
		for _, st := range slotStates {
			switch st {
			case pool.Connected:
				connected++
			case pool.Cooldown:
				cooldown++
			}
		}
		total := len(slotStates)
		slotMu.Unlock()

		prom.CooldownSlots.Set(float64(cooldown))
		health.SetSlots(connected, total)
		alerter.OnStateChange(slotID, from, to)
	}
	pm.OnAuthFatal = alerter.AuthFailure
	pm.OnPrice = func(slotID int, msg smartconnect.PriceMessage) {
		prom.FeedMessagesTotal.WithLabelValues(strconv.Itoa(msg.Mode)).Inc()

		exchange := ""
		if ins, ok := cat.ByToken(msg.Token); ok {
			exchange = ins.Exchange
		}
		var depth []model.DepthLevel
		for _, d := range msg.Depth {
			if d.Buy {
				depth = append(depth, model.DepthLevel{Price: d.Price, Qty: d.Qty})
			}
		}
		rec := store.Apply(pricestore.Update{
			Token:     msg.Token,
			Exchange:  exchange,
			LTP:       msg.LTP,
			Bid:       msg.BestBid,
			Ask:       msg.BestAsk,
			PrevClose: msg.PrevClose,
			Depth:     depth,
			Timestamp: msg.ExchangeTS,
		})
		prom.PriceUpdatesTotal.Inc()
		switch rec.Source {
		case model.SourceLastClose:
			prom.LastCloseFallbacks.Inc()
		case model.SourceInvalid:
			prom.InvalidPricesTotal.Inc()
		}
		health.SetLastPriceTime(time.Now())

		if cc := capture.Load(); cc != nil {
			if cc.Observe(msg.Token, msg.LTP, time.Now()) {
				prom.ClosesCaptured.Inc()
			}
		}
	}
	go pm.Run(ctx)

	// ---- Chain assembler, order validation ----
	asm := chain.New(cat, store)
	validator := orders.NewValidator(cat, store, &orders.SmartAPIMargin{Client: sc})

	// ---- Subscription planning ----
	go planSubscriptions(ctx, cfg, cat, asm, pm, prom, health)

	// ---- Daily close-capture arming ----
	go func() {
		for {
			now := time.Now()
			closeTime := markethours.TodayClose(now)
			if !markethours.IsTradingDay(now) || now.After(closeTime.Add(10*time.Minute)) {
				next := markethours.NextOpen(now)
				closeTime = markethours.TodayClose(next)
			}
			wait := time.Until(closeTime.Add(-5 * time.Minute))
			if wait > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}

			cc := pricestore.NewCloseCapture(store, closeTime)
			capture.Store(cc)
			log.Printf("[chainengine] close capture armed for %s", closeTime.In(markethours.IST).Format("15:04:05"))

			// Keep observing through the grace window, then disarm.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(closeTime.Add(cc.MaxGrace + time.Minute))):
			}
			capture.Store(nil)
			log.Printf("[chainengine] close capture disarmed (all captured: %v)", cc.AllCaptured())

			// Sleep past midnight before re-arming for the next session.
			select {
			case <-ctx.Done():
				return
			case <-time.After(8 * time.Hour):
			}
		}
	}()

	// ---- REST API ----
	apiSrv := api.NewServer(cfg.APIAddr, cat, store, asm, validator, pm, prom)
	apiSrv.Start()
	log.Printf("[chainengine] ready: api=%s metrics=%s", cfg.APIAddr, cfg.MetricsAddr)
	log.Printf("[chainengine] %s", markethours.StatusString(time.Now()))

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[chainengine] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	apiSrv.Stop(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	if rstore != nil {
		rstore.Close()
	}
	if err := sc.TerminateSession(cfg.AngelClientCode); err != nil {
		log.Printf("[chainengine] session logout failed: %v", err)
	}
	log.Println("[chainengine] shutdown complete.")
}

// planSubscriptions subscribes the underlyings first, waits for each to
// become priceable, then subscribes the ATM-centered strike window for the
// configured expiries. Re-checks hourly so a drifting underlying widens the
// held set (tokens are only ever added; nothing is unsubscribed mid-day).
func planSubscriptions(ctx context.Context, cfg *config.Config, cat *catalog.Catalog, asm *chain.Assembler, pm *pool.Manager, prom *metrics.Metrics, health *metrics.HealthStatus) {
	underlyings := cfg.ParseUnderlyings()

	// Underlyings first: their prices drive the ATM windows.
	var indexTokens []string
	for _, u := range underlyings {
		ins, ok := cat.Underlying(u)
		if !ok {
			log.Printf("[planner] unknown underlying %q, skipping", u)
			continue
		}
		indexTokens = append(indexTokens, ins.Token)
	}
	if err := pm.Subscribe(ctx, indexTokens); err != nil {
		log.Printf("[planner] underlying subscribe failed: %v", err)
	}

	planned := make(map[string]bool) // underlying -> options subscribed
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		allPlanned := true
		for _, u := range underlyings {
			if planned[u] {
				continue
			}
			expiries := cat.Expiries(u)
			if len(expiries) > cfg.ExpiryCount() {
				expiries = expiries[:cfg.ExpiryCount()]
			}
			tokens, err := asm.SubscriptionRange(u, expiries, cfg.StrikeWindow(u))
			if err != nil {
				var atmErr *chain.AtmUnresolvableError
				if errors.As(err, &atmErr) {
					allPlanned = false // no price yet, keep waiting
					continue
				}
				log.Printf("[planner] %s: %v", u, err)
				planned[u] = true
				continue
			}

			if err := pm.Subscribe(ctx, tokens); err != nil {
				var capErr *pool.CapacityExceededError
				if errors.As(err, &capErr) {
					log.Printf("[planner] %s: %v (reduce STRIKE_WINDOWS or SUBSCRIBE_EXPIRIES)", u, capErr)
					planned[u] = true
					continue
				}
				log.Printf("[planner] %s subscribe failed: %v", u, err)
				allPlanned = false
				continue
			}

			planned[u] = true
			log.Printf("[planner] %s: subscribed %d option tokens across %d expiries", u, len(tokens), len(expiries))
		}

		held := 0
		for _, st := range pm.Status(ctx) {
			held += st.Subscribed
		}
		prom.SubscribedTokens.Set(float64(held))
		health.SetTokensHeld(held)

		if allPlanned && len(planned) == len(underlyings) {
			// Hourly drift re-check: the LTP-based center may have moved.
			// Subscribing is additive; the pool dedupes tokens it holds.
			ticker.Reset(time.Hour)
			planned = make(map[string]bool)
		}
	}
}
