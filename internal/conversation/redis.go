package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/reliability"
	"github.com/ent0n29/abel/internal/service"
)

// CacheServiceName is the registry name of the Redis history cache.
const CacheServiceName = "cache"

const redisProvider = "redis"

type RedisConfig struct {
	URL          string
	TTL          time.Duration
	MaxTurns     int
	Timeout      time.Duration
	AllowMock    bool
	ProbeTimeout time.Duration
	Logger       zerolog.Logger
	Observer     reliability.Observer
}

// RedisHistory keeps turns in Redis lists keyed by conversation. While the
// cache service is in mock mode it serves from an in-process store.
type RedisHistory struct {
	cfg      RedisConfig
	rdb      *redis.Client
	state    *service.State
	fallback *MemoryHistory
}

func NewRedisHistory(ctx context.Context, cfg RedisConfig) *RedisHistory {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	h := &RedisHistory{cfg: cfg, fallback: NewMemoryHistory(cfg.MaxTurns)}
	h.state = service.Init(ctx, service.Spec{
		Name:         CacheServiceName,
		Kind:         service.KindCache,
		HasMock:      true,
		AllowMock:    cfg.AllowMock,
		ProbeTimeout: cfg.ProbeTimeout,
	}, h.probe, cfg.Logger)
	return h
}

func (h *RedisHistory) State() *service.State { return h.state }

func (h *RedisHistory) Close() error {
	if h.rdb == nil {
		return nil
	}
	return h.rdb.Close()
}

func (h *RedisHistory) probe(ctx context.Context) error {
	if h.cfg.URL == "" {
		return apperr.Configuration(redisProvider, "REDIS_URL")
	}
	if h.rdb == nil {
		opts, err := redis.ParseURL(h.cfg.URL)
		if err != nil {
			return apperr.Invalid(redisProvider, "REDIS_URL", err)
		}
		h.rdb = redis.NewClient(opts)
	}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		return apperr.Upstream(redisProvider, "ping", 0, err)
	}
	return nil
}

func (h *RedisHistory) Append(ctx context.Context, id string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	mock, err := h.state.Gate("history_append")
	if err != nil {
		return err
	}
	if mock {
		return h.fallback.Append(ctx, id, turns...)
	}

	values := make([]any, 0, len(turns))
	for _, t := range turns {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode turn: %w", err)
		}
		values = append(values, raw)
	}
	key := historyKey(id)
	_, err = reliability.Call(ctx, h.callSpec("history_append"), func(ctx context.Context) (struct{}, error) {
		pipe := h.rdb.TxPipeline()
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, int64(-h.cfg.MaxTurns), -1)
		pipe.Expire(ctx, key, h.cfg.TTL)
		_, err := pipe.Exec(ctx)
		return struct{}{}, err
	})
	return err
}

func (h *RedisHistory) Recent(ctx context.Context, id string, n int) ([]Turn, error) {
	mock, err := h.state.Gate("history_recent")
	if err != nil {
		return nil, err
	}
	if mock {
		return h.fallback.Recent(ctx, id, n)
	}

	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	raw, err := reliability.Call(ctx, h.callSpec("history_recent"), func(ctx context.Context) ([]string, error) {
		return h.rdb.LRange(ctx, historyKey(id), start, -1).Result()
	})
	if err != nil {
		return nil, err
	}
	out := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			h.cfg.Logger.Warn().Err(err).Str("conversation_id", id).Msg("skipping undecodable history entry")
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (h *RedisHistory) Clear(ctx context.Context, id string) error {
	mock, err := h.state.Gate("history_clear")
	if err != nil {
		return err
	}
	if mock {
		return h.fallback.Clear(ctx, id)
	}
	_, err = reliability.Call(ctx, h.callSpec("history_clear"), func(ctx context.Context) (int64, error) {
		return h.rdb.Del(ctx, historyKey(id)).Result()
	})
	return err
}

func (h *RedisHistory) callSpec(op string) reliability.CallSpec {
	return reliability.CallSpec{
		Provider: redisProvider,
		Op:       op,
		Timeout:  h.cfg.Timeout,
		Logger:   h.cfg.Logger,
		Observer: h.cfg.Observer,
	}
}

func historyKey(id string) string {
	return "abel:conversation:" + id + ":history"
}
