package admission

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

type redisLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
	seq     atomic.Uint64
}

// NewRedisLimiter constructs a Redis backed sliding-window limiter. Redis
// failures fail open so admission never blocks ingestion outright.
func NewRedisLimiter(addr, password string, db int, logger *slog.Logger) (Limiter, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisLimiter{
		client:  client,
		logger:  logger,
		prefix:  "guardrail:admission:",
		timeout: 250 * time.Millisecond,
	}, nil
}

func (l *redisLimiter) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	now := time.Now()
	cutoff := now.Add(-window)
	redisKey := l.prefix + key

	if err := l.client.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(cutoff.UnixNano(), 10)).Err(); err != nil {
		l.logRedisError("zremrangebyscore", err)
		return Decision{Allowed: true}
	}
	count, err := l.client.ZCard(ctx, redisKey).Result()
	if err != nil {
		l.logRedisError("zcard", err)
		return Decision{Allowed: true}
	}
	if int(count) >= limit {
		retry := window
		oldest, err := l.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
		if err != nil {
			l.logRedisError("zrange", err)
		} else if len(oldest) > 0 {
			exit := time.Unix(0, int64(oldest[0].Score)).Add(window)
			if until := exit.Sub(now); until > 0 && until < retry {
				retry = until
			}
		}
		return Decision{Allowed: false, Count: int(count), RetryAfter: retry}
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + strconv.FormatUint(l.seq.Add(1), 10)
	if err := l.client.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		l.logRedisError("zadd", err)
		return Decision{Allowed: true}
	}
	if err := l.client.Expire(ctx, redisKey, window+time.Minute).Err(); err != nil {
		l.logRedisError("expire", err)
	}
	return Decision{Allowed: true, Count: int(count) + 1}
}

func (l *redisLimiter) Close() {
	if l.client != nil {
		_ = l.client.Close()
	}
}

func (l *redisLimiter) logRedisError(op string, err error) {
	if l.logger == nil {
		return
	}
	l.logger.Error("redis admission limiter error", "op", op, "error", err)
}
