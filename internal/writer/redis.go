package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	appconfig "optionlevels/config"
	"optionlevels/internal/models"
)

// ErrNoLevels is returned when Redis holds no row for a key.
var ErrNoLevels = errors.New("no levels stored")

// RedisSink stores the latest row per provider and currency plus a capped
// history list, newest first.
type RedisSink struct {
	client  *redis.Client
	prefix  string
	history int64
}

// NewRedisClient connects to the configured Redis.
func NewRedisClient(cfg appconfig.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedisSink(client *redis.Client, prefix string, history int64) *RedisSink {
	if prefix == "" {
		prefix = "levels"
	}
	return &RedisSink{client: client, prefix: prefix, history: history}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) key(provider, currency, suffix string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.prefix, strings.ToLower(provider), strings.ToUpper(currency), suffix)
}

func (s *RedisSink) Write(ctx context.Context, rows []models.LevelRow) error {
	for _, r := range rows {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal level row: %w", err)
		}
		latest := s.key(r.Provider, r.Currency, "latest")
		if err := s.client.Set(ctx, latest, string(payload), 0).Err(); err != nil {
			return fmt.Errorf("redis set %s: %w", latest, err)
		}
		if s.history <= 0 {
			continue
		}
		hist := s.key(r.Provider, r.Currency, "history")
		if err := s.client.LPush(ctx, hist, string(payload)).Err(); err != nil {
			return fmt.Errorf("redis lpush %s: %w", hist, err)
		}
		if err := s.client.LTrim(ctx, hist, 0, s.history-1).Err(); err != nil {
			return fmt.Errorf("redis ltrim %s: %w", hist, err)
		}
	}
	return nil
}

// Latest returns the newest stored row.
func (s *RedisSink) Latest(ctx context.Context, provider, currency string) (models.LevelRow, error) {
	var row models.LevelRow
	val, err := s.client.Get(ctx, s.key(provider, currency, "latest")).Result()
	if errors.Is(err, redis.Nil) {
		return row, ErrNoLevels
	}
	if err != nil {
		return row, err
	}
	if err := json.Unmarshal([]byte(val), &row); err != nil {
		return row, fmt.Errorf("decode level row: %w", err)
	}
	return row, nil
}

// History returns up to n rows, newest first.
func (s *RedisSink) History(ctx context.Context, provider, currency string, n int64) ([]models.LevelRow, error) {
	vals, err := s.client.LRange(ctx, s.key(provider, currency, "history"), 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.LevelRow, 0, len(vals))
	for _, v := range vals {
		var row models.LevelRow
		if err := json.Unmarshal([]byte(v), &row); err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
