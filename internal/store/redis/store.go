// Package redis persists last-close prices so the engine can serve
// LAST_CLOSE fallbacks immediately after a restart, before the first
// live tick arrives.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const (
	closeKeyPrefix = "lastclose:"

	// Last closes stay useful across long weekends and holiday runs,
	// but not forever.
	closeTTL = 14 * 24 * time.Hour
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// CloseEntry is one persisted last-close price.
type CloseEntry struct {
	Token    string    `json:"token"`
	Exchange string    `json:"exchange"`
	Price    int64     `json:"price"` // paise
	TS       time.Time `json:"ts"`    // trading day the close belongs to
}

// Store reads and writes last-close prices in Redis.
type Store struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// New creates a Store and pings the server.
func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Store{client: client}, nil
}

func closeKey(exchange, token string) string {
	return closeKeyPrefix + exchange + ":" + token
}

// WriteLastClose persists one last-close price.
func (s *Store) WriteLastClose(ctx context.Context, e CloseEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal close entry: %w", err)
	}
	return s.client.Set(ctx, closeKey(e.Exchange, e.Token), string(data), closeTTL).Err()
}

// WriteLastCloseBatch persists multiple closes in one pipeline roundtrip.
// Used by the end-of-day capture sweep.
func (s *Store) WriteLastCloseBatch(ctx context.Context, entries []CloseEntry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal close entry %s: %w", e.Token, err)
		}
		pipe.Set(ctx, closeKey(e.Exchange, e.Token), string(data), closeTTL)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis close batch (%d entries): %w", len(entries), err)
	}
	return nil
}

// LoadLastCloses scans all persisted closes. Called once at startup to
// seed the in-memory price store.
func (s *Store) LoadLastCloses(ctx context.Context) ([]CloseEntry, error) {
	var entries []CloseEntry
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, closeKeyPrefix+"*", 500).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s*: %w", closeKeyPrefix, err)
		}

		if len(keys) > 0 {
			vals, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("redis mget %d close keys: %w", len(keys), err)
			}
			for i, v := range vals {
				str, ok := v.(string)
				if !ok {
					continue // expired between SCAN and MGET
				}
				var e CloseEntry
				if err := json.Unmarshal([]byte(str), &e); err != nil {
					log.Printf("[redis] bad close entry at %s: %v", keys[i], err)
					continue
				}
				entries = append(entries, e)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return entries, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
