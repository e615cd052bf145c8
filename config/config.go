package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Angel One credentials
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	AngelTOTPSecret string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	APIAddr       string

	// Feed pool
	FeedMaxConnections  string
	FeedCapacityPerConn string

	// Subscription planning
	SubscribeUnderlyings string // comma-separated, e.g. "NIFTY,BANKNIFTY"
	SubscribeExpiries    string // nearest N expiries per underlying
	StrikeWindows        string // per-underlying strikes per side, e.g. "NIFTY:25,BANKNIFTY:50"
	DefaultStrikeWindow  string

	// Alerting (optional; empty disables the channel)
	TelegramBotToken string
	TelegramChatID   string
	AlertWebhookURL  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		AngelAPIKey:     mustEnv("ANGEL_API_KEY"),
		AngelClientCode: mustEnv("ANGEL_CLIENT_CODE"),
		AngelPassword:   mustEnv("ANGEL_PASSWORD"),
		AngelTOTPSecret: mustEnv("ANGEL_TOTP_SECRET"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/instruments.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),

		FeedMaxConnections:  getEnv("FEED_MAX_CONNECTIONS", "3"),
		FeedCapacityPerConn: getEnv("FEED_CAPACITY_PER_CONN", "1000"),

		SubscribeUnderlyings: getEnv("SUBSCRIBE_UNDERLYINGS", "NIFTY,BANKNIFTY"),
		SubscribeExpiries:    getEnv("SUBSCRIBE_EXPIRIES", "2"),
		StrikeWindows:        getEnv("STRIKE_WINDOWS", ""),
		DefaultStrikeWindow:  getEnv("DEFAULT_STRIKE_WINDOW", "25"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
	}
}

// ParseUnderlyings splits SubscribeUnderlyings into clean names.
func (c *Config) ParseUnderlyings() []string {
	parts := strings.Split(c.SubscribeUnderlyings, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseStrikeWindows parses STRIKE_WINDOWS ("NIFTY:25,BANKNIFTY:50") into a
// per-underlying strikes-per-side map. Unlisted underlyings fall back to
// DEFAULT_STRIKE_WINDOW via StrikeWindow.
func (c *Config) ParseStrikeWindows() map[string]int {
	out := make(map[string]int)
	for _, p := range strings.Split(c.StrikeWindows, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, ":", 2)
		if len(kv) != 2 {
			log.Printf("[config] skipping invalid strike window entry: %q", p)
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid strike window count: %q", p)
			continue
		}
		out[strings.TrimSpace(kv[0])] = n
	}
	return out
}

// StrikeWindow returns the strikes-per-side for one underlying.
func (c *Config) StrikeWindow(underlying string) int {
	if n, ok := c.ParseStrikeWindows()[underlying]; ok {
		return n
	}
	return c.MustInt("DEFAULT_STRIKE_WINDOW", c.DefaultStrikeWindow)
}

// ExpiryCount returns how many nearest expiries to subscribe per underlying.
func (c *Config) ExpiryCount() int {
	return c.MustInt("SUBSCRIBE_EXPIRIES", c.SubscribeExpiries)
}

// MaxConnections returns the feed pool connection cap.
func (c *Config) MaxConnections() int {
	return c.MustInt("FEED_MAX_CONNECTIONS", c.FeedMaxConnections)
}

// CapacityPerConn returns the per-connection token capacity.
func (c *Config) CapacityPerConn() int {
	return c.MustInt("FEED_CAPACITY_PER_CONN", c.FeedCapacityPerConn)
}

// MustInt parses a positive integer config value or exits.
func (c *Config) MustInt(name, value string) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		log.Fatalf("[config] %s must be a positive integer, got %q", name, value)
	}
	return n
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
