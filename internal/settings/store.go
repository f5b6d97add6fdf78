package settings

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheKey = "periodguard:settings:v1"

// OverrideSource persists runtime overrides.
type OverrideSource interface {
	LoadOverrides(ctx context.Context) (map[string]string, error)
	SaveOverride(ctx context.Context, key, value string, actorID int64) error
}

// Store layers overrides over the environment defaults and caches the result in Redis.
type Store struct {
	defaults Settings
	source   OverrideSource
	cache    *redis.Client
	ttl      time.Duration
	logger   *slog.Logger
	group    singleflight.Group
}

// NewStore constructs a Store. cache may be nil to disable caching.
func NewStore(defaults Settings, source OverrideSource, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{defaults: defaults, source: source, cache: cache, ttl: ttl, logger: logger}
}

// Current implements Provider.
func (s *Store) Current(ctx context.Context) (Settings, error) {
	if cached, ok := s.readCache(ctx); ok {
		return cached, nil
	}
	v, err, _ := s.group.Do(cacheKey, func() (any, error) {
		merged, err := s.load(ctx)
		if err != nil {
			return Settings{}, err
		}
		s.writeCache(ctx, merged)
		return merged, nil
	})
	if err != nil {
		return Settings{}, err
	}
	return v.(Settings), nil
}

// Set stores an override after checking it produces valid settings.
func (s *Store) Set(ctx context.Context, key, value string, actorID int64) (Settings, error) {
	if s.source == nil {
		return Settings{}, errors.New("settings: override source not configured")
	}
	current, err := s.load(ctx)
	if err != nil {
		return Settings{}, err
	}
	next, err := current.Apply(map[string]string{key: value})
	if err != nil {
		return Settings{}, err
	}
	if err := s.source.SaveOverride(ctx, key, value, actorID); err != nil {
		return Settings{}, err
	}
	s.Invalidate(ctx)
	return next, nil
}

// Invalidate drops the cached settings.
func (s *Store) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKey).Err(); err != nil {
		s.logger.Warn("settings: cache invalidate", slog.Any("error", err))
	}
}

func (s *Store) load(ctx context.Context) (Settings, error) {
	if s.source == nil {
		return s.defaults, nil
	}
	overrides, err := s.source.LoadOverrides(ctx)
	if err != nil {
		return Settings{}, err
	}
	return s.defaults.Apply(overrides)
}

func (s *Store) readCache(ctx context.Context) (Settings, bool) {
	if s.cache == nil {
		return Settings{}, false
	}
	raw, err := s.cache.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("settings: cache read", slog.Any("error", err))
		}
		return Settings{}, false
	}
	var cached Settings
	if err := json.Unmarshal(raw, &cached); err != nil {
		s.logger.Warn("settings: cache decode", slog.Any("error", err))
		return Settings{}, false
	}
	return cached, true
}

func (s *Store) writeCache(ctx context.Context, value Settings) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey, raw, s.ttl).Err(); err != nil {
		s.logger.Warn("settings: cache write", slog.Any("error", err))
	}
}
