// Package cache is the namespaced surface over the remote in-memory store.
// Every externally visible key is prefixed "<app_id>:<env>:" and every
// operation retries transient failures with exponential backoff and jitter.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/errs"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Z mirrors a sorted-set member so callers outside the cache package do not
// import the driver.
type Z struct {
	Member string
	Score  float64
}

// StreamEntry is one entry of a stream.
type StreamEntry struct {
	ID     string
	Values map[string]interface{}
}

type Client struct {
	rdb        *redis.Client
	namespace  string
	maxRetries int
	logger     *log.Logger
	metrics    *Metrics
}

// NewClient reserves a connection pool against the configured store and
// verifies it with a PING.
func NewClient(cfg config.CacheConfig, namespace string, logger *log.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, errs.Wrap(errs.KindConnection, "cache ping", err)
	}
	return &Client{
		rdb:        rdb,
		namespace:  namespace,
		maxRetries: cfg.MaxRetries,
		logger:     logger.Named("cache"),
		metrics:    NewMetrics(),
	}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key returns k with the namespace prefix applied. Exposed for pipeline
// callers that build raw commands.
func (c *Client) Key(k string) string {
	return c.namespace + ":" + k
}

// Metrics returns the client's live counters.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// classify maps a driver error onto the fabric's error kinds. Server-side
// command errors are not retryable; transport problems are.
func classify(err error) errs.Kind {
	if err == nil {
		return errs.KindUnknown
	}
	if errors.Is(err, redis.Nil) {
		return errs.KindNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.KindTimeout
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		if strings.HasPrefix(redisErr.Error(), "LOADING") || strings.HasPrefix(redisErr.Error(), "BUSY") {
			return errs.KindThrottled
		}
		return errs.KindFatal
	}
	if k := errs.KindOf(err); k != errs.KindUnknown {
		return k
	}
	// Anything else from the driver is a transport failure.
	return errs.KindConnection
}

func retryable(kind errs.Kind) bool {
	switch kind {
	case errs.KindConnection, errs.KindTimeout, errs.KindThrottled:
		return true
	}
	return false
}

// do runs fn with retry and metrics accounting. redis.Nil is passed through
// untouched; the per-op wrappers decide whether absence is a failure.
func (c *Client) do(ctx context.Context, op string, fn func() error) error {
	bo := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}
	var err error
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err = fn()
		latency := time.Since(start)
		if err == nil || errors.Is(err, redis.Nil) {
			c.metrics.recordSuccess(latency)
			return err
		}
		kind := classify(err)
		c.metrics.recordFailure(latency, kind.String())
		if !retryable(kind) || attempt >= c.maxRetries {
			c.logger.Error("Cache operation failed",
				zap.String("op", op),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return errs.Wrap(kind, op, err)
		}
		select {
		case <-time.After(bo.Duration()):
		case <-ctx.Done():
			return errs.Wrap(errs.KindTimeout, op, ctx.Err())
		}
	}
}

// ---- strings ----

// Get returns the value at key. Absence is surfaced as a NotFound error and
// counted as a cache miss.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := c.do(ctx, "GET", func() error {
		var e error
		val, e = c.rdb.Get(ctx, c.Key(key)).Result()
		return e
	})
	if errors.Is(err, redis.Nil) {
		c.metrics.recordMiss()
		return "", errs.Newf(errs.KindNotFound, "key not found: %s", key)
	}
	if err != nil {
		return "", err
	}
	c.metrics.recordHit()
	return val, nil
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.do(ctx, "SET", func() error {
		return c.rdb.Set(ctx, c.Key(key), value, ttl).Err()
	})
}

// SetNX sets key only when absent; returns whether the set happened.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.do(ctx, "SETNX", func() error {
		var e error
		ok, e = c.rdb.SetNX(ctx, c.Key(key), value, ttl).Result()
		return e
	})
	return ok, err
}

// SetMulti writes every pair in one MULTI/EXEC pipeline with a shared TTL,
// so the keys either all land or none do.
func (c *Client) SetMulti(ctx context.Context, kv map[string]interface{}, ttl time.Duration) error {
	return c.do(ctx, "SETMULTI", func() error {
		_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for k, v := range kv {
				pipe.Set(ctx, c.Key(k), v, ttl)
			}
			return nil
		})
		return err
	})
}

func (c *Client) Delete(ctx context.Context, keys ...string) (int64, error) {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.Key(k)
	}
	var n int64
	err := c.do(ctx, "DEL", func() error {
		var e error
		n, e = c.rdb.Del(ctx, full...).Result()
		return e
	})
	return n, err
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := c.do(ctx, "EXISTS", func() error {
		var e error
		n, e = c.rdb.Exists(ctx, c.Key(key)).Result()
		return e
	})
	return n > 0, err
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.do(ctx, "EXPIRE", func() error {
		var e error
		ok, e = c.rdb.Expire(ctx, c.Key(key), ttl).Result()
		return e
	})
	return ok, err
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := c.do(ctx, "TTL", func() error {
		var e error
		d, e = c.rdb.TTL(ctx, c.Key(key)).Result()
		return e
	})
	return d, err
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(ctx, "INCR", func() error {
		var e error
		n, e = c.rdb.Incr(ctx, c.Key(key)).Result()
		return e
	})
	return n, err
}

func (c *Client) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	var n int64
	err := c.do(ctx, "INCRBY", func() error {
		var e error
		n, e = c.rdb.IncrBy(ctx, c.Key(key), delta).Result()
		return e
	})
	return n, err
}

// ---- hashes ----

func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	var val string
	err := c.do(ctx, "HGET", func() error {
		var e error
		val, e = c.rdb.HGet(ctx, c.Key(key), field).Result()
		return e
	})
	if errors.Is(err, redis.Nil) {
		c.metrics.recordMiss()
		return "", errs.Newf(errs.KindNotFound, "hash field not found: %s/%s", key, field)
	}
	if err != nil {
		return "", err
	}
	c.metrics.recordHit()
	return val, nil
}

func (c *Client) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return c.do(ctx, "HSET", func() error {
		return c.rdb.HSet(ctx, c.Key(key), fields).Err()
	})
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var vals map[string]string
	err := c.do(ctx, "HGETALL", func() error {
		var e error
		vals, e = c.rdb.HGetAll(ctx, c.Key(key)).Result()
		return e
	})
	return vals, err
}

func (c *Client) HMGet(ctx context.Context, key string, fields ...string) ([]interface{}, error) {
	var vals []interface{}
	err := c.do(ctx, "HMGET", func() error {
		var e error
		vals, e = c.rdb.HMGet(ctx, c.Key(key), fields...).Result()
		return e
	})
	return vals, err
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	var n int64
	err := c.do(ctx, "HDEL", func() error {
		var e error
		n, e = c.rdb.HDel(ctx, c.Key(key), fields...).Result()
		return e
	})
	return n, err
}

// HScanFields walks the hash's fields matching the glob pattern.
func (c *Client) HScanFields(ctx context.Context, key, pattern string) (map[string]string, error) {
	out := make(map[string]string)
	var cursor uint64
	for {
		var kvs []string
		err := c.do(ctx, "HSCAN", func() error {
			var e error
			kvs, cursor, e = c.rdb.HScan(ctx, c.Key(key), cursor, pattern, 100).Result()
			return e
		})
		if err != nil {
			return nil, err
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			out[kvs[i]] = kvs[i+1]
		}
		if cursor == 0 {
			return out, nil
		}
	}
}

// ---- sets ----

func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) (int64, error) {
	var n int64
	err := c.do(ctx, "SADD", func() error {
		var e error
		n, e = c.rdb.SAdd(ctx, c.Key(key), members...).Result()
		return e
	})
	return n, err
}

func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) (int64, error) {
	var n int64
	err := c.do(ctx, "SREM", func() error {
		var e error
		n, e = c.rdb.SRem(ctx, c.Key(key), members...).Result()
		return e
	})
	return n, err
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := c.do(ctx, "SMEMBERS", func() error {
		var e error
		members, e = c.rdb.SMembers(ctx, c.Key(key)).Result()
		return e
	})
	return members, err
}

func (c *Client) SIsMember(ctx context.Context, key string, member interface{}) (bool, error) {
	var ok bool
	err := c.do(ctx, "SISMEMBER", func() error {
		var e error
		ok, e = c.rdb.SIsMember(ctx, c.Key(key), member).Result()
		return e
	})
	return ok, err
}

// ---- sorted sets ----

func (c *Client) ZAdd(ctx context.Context, key string, members ...Z) (int64, error) {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Member: m.Member, Score: m.Score}
	}
	var n int64
	err := c.do(ctx, "ZADD", func() error {
		var e error
		n, e = c.rdb.ZAdd(ctx, c.Key(key), zs...).Result()
		return e
	})
	return n, err
}

// ZRank returns the 1-based rank of member, ascending or descending.
// Absence is NotFound.
func (c *Client) ZRank(ctx context.Context, key, member string, desc bool) (int64, error) {
	var rank int64
	err := c.do(ctx, "ZRANK", func() error {
		var e error
		if desc {
			rank, e = c.rdb.ZRevRank(ctx, c.Key(key), member).Result()
		} else {
			rank, e = c.rdb.ZRank(ctx, c.Key(key), member).Result()
		}
		return e
	})
	if errors.Is(err, redis.Nil) {
		return 0, errs.Newf(errs.KindNotFound, "member not ranked: %s", member)
	}
	if err != nil {
		return 0, err
	}
	return rank + 1, nil
}

func (c *Client) ZScore(ctx context.Context, key, member string) (float64, error) {
	var score float64
	err := c.do(ctx, "ZSCORE", func() error {
		var e error
		score, e = c.rdb.ZScore(ctx, c.Key(key), member).Result()
		return e
	})
	if errors.Is(err, redis.Nil) {
		return 0, errs.Newf(errs.KindNotFound, "member not scored: %s", member)
	}
	return score, err
}

func (c *Client) ZRange(ctx context.Context, key string, start, stop int64, desc bool) ([]Z, error) {
	var zs []redis.Z
	err := c.do(ctx, "ZRANGE", func() error {
		var e error
		if desc {
			zs, e = c.rdb.ZRevRangeWithScores(ctx, c.Key(key), start, stop).Result()
		} else {
			zs, e = c.rdb.ZRangeWithScores(ctx, c.Key(key), start, stop).Result()
		}
		return e
	})
	if err != nil {
		return nil, err
	}
	return fromRedisZ(zs), nil
}

func (c *Client) ZRangeByScore(ctx context.Context, key, min, max string, offset, count int64) ([]Z, error) {
	var zs []redis.Z
	err := c.do(ctx, "ZRANGEBYSCORE", func() error {
		var e error
		zs, e = c.rdb.ZRangeByScoreWithScores(ctx, c.Key(key), &redis.ZRangeBy{
			Min: min, Max: max, Offset: offset, Count: count,
		}).Result()
		return e
	})
	if err != nil {
		return nil, err
	}
	return fromRedisZ(zs), nil
}

func (c *Client) ZRem(ctx context.Context, key string, members ...interface{}) (int64, error) {
	var n int64
	err := c.do(ctx, "ZREM", func() error {
		var e error
		n, e = c.rdb.ZRem(ctx, c.Key(key), members...).Result()
		return e
	})
	return n, err
}

func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(ctx, "ZCARD", func() error {
		var e error
		n, e = c.rdb.ZCard(ctx, c.Key(key)).Result()
		return e
	})
	return n, err
}

func fromRedisZ(zs []redis.Z) []Z {
	out := make([]Z, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		out[i] = Z{Member: member, Score: z.Score}
	}
	return out
}

// ---- lists ----

func (c *Client) LPush(ctx context.Context, key string, values ...interface{}) (int64, error) {
	var n int64
	err := c.do(ctx, "LPUSH", func() error {
		var e error
		n, e = c.rdb.LPush(ctx, c.Key(key), values...).Result()
		return e
	})
	return n, err
}

func (c *Client) RPush(ctx context.Context, key string, values ...interface{}) (int64, error) {
	var n int64
	err := c.do(ctx, "RPUSH", func() error {
		var e error
		n, e = c.rdb.RPush(ctx, c.Key(key), values...).Result()
		return e
	})
	return n, err
}

// LPop returns NotFound on an empty list.
func (c *Client) LPop(ctx context.Context, key string) (string, error) {
	var val string
	err := c.do(ctx, "LPOP", func() error {
		var e error
		val, e = c.rdb.LPop(ctx, c.Key(key)).Result()
		return e
	})
	if errors.Is(err, redis.Nil) {
		return "", errs.Newf(errs.KindNotFound, "list empty: %s", key)
	}
	return val, err
}

func (c *Client) RPop(ctx context.Context, key string) (string, error) {
	var val string
	err := c.do(ctx, "RPOP", func() error {
		var e error
		val, e = c.rdb.RPop(ctx, c.Key(key)).Result()
		return e
	})
	if errors.Is(err, redis.Nil) {
		return "", errs.Newf(errs.KindNotFound, "list empty: %s", key)
	}
	return val, err
}

func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.do(ctx, "LTRIM", func() error {
		return c.rdb.LTrim(ctx, c.Key(key), start, stop).Err()
	})
}

func (c *Client) LIndex(ctx context.Context, key string, index int64) (string, error) {
	var val string
	err := c.do(ctx, "LINDEX", func() error {
		var e error
		val, e = c.rdb.LIndex(ctx, c.Key(key), index).Result()
		return e
	})
	if errors.Is(err, redis.Nil) {
		return "", errs.Newf(errs.KindNotFound, "no element at index %d: %s", index, key)
	}
	return val, err
}

func (c *Client) LRem(ctx context.Context, key string, count int64, value interface{}) (int64, error) {
	var n int64
	err := c.do(ctx, "LREM", func() error {
		var e error
		n, e = c.rdb.LRem(ctx, c.Key(key), count, value).Result()
		return e
	})
	return n, err
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var vals []string
	err := c.do(ctx, "LRANGE", func() error {
		var e error
		vals, e = c.rdb.LRange(ctx, c.Key(key), start, stop).Result()
		return e
	})
	return vals, err
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(ctx, "LLEN", func() error {
		var e error
		n, e = c.rdb.LLen(ctx, c.Key(key)).Result()
		return e
	})
	return n, err
}

// ---- streams ----

func (c *Client) XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	var id string
	err := c.do(ctx, "XADD", func() error {
		var e error
		id, e = c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: c.Key(stream), Values: values}).Result()
		return e
	})
	return id, err
}

func (c *Client) XRange(ctx context.Context, stream, start, stop string) ([]StreamEntry, error) {
	var msgs []redis.XMessage
	err := c.do(ctx, "XRANGE", func() error {
		var e error
		msgs, e = c.rdb.XRange(ctx, c.Key(stream), start, stop).Result()
		return e
	})
	if err != nil {
		return nil, err
	}
	out := make([]StreamEntry, len(msgs))
	for i, m := range msgs {
		out[i] = StreamEntry{ID: m.ID, Values: m.Values}
	}
	return out, nil
}

func (c *Client) XLen(ctx context.Context, stream string) (int64, error) {
	var n int64
	err := c.do(ctx, "XLEN", func() error {
		var e error
		n, e = c.rdb.XLen(ctx, c.Key(stream)).Result()
		return e
	})
	return n, err
}

func (c *Client) XTrimMaxLen(ctx context.Context, stream string, maxLen int64) (int64, error) {
	var n int64
	err := c.do(ctx, "XTRIM", func() error {
		var e error
		n, e = c.rdb.XTrimMaxLen(ctx, c.Key(stream), maxLen).Result()
		return e
	})
	return n, err
}

// ---- pub/sub ----

func (c *Client) Publish(ctx context.Context, channel string, message interface{}) error {
	return c.do(ctx, "PUBLISH", func() error {
		return c.rdb.Publish(ctx, c.Key(channel), message).Err()
	})
}

// Subscribe opens a subscription on the namespaced channels. The caller owns
// the returned PubSub and must Close it.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	full := make([]string, len(channels))
	for i, ch := range channels {
		full[i] = c.Key(ch)
	}
	return c.rdb.Subscribe(ctx, full...)
}

// PSubscribe opens a pattern subscription on the namespaced patterns.
func (c *Client) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	full := make([]string, len(patterns))
	for i, p := range patterns {
		full[i] = c.Key(p)
	}
	return c.rdb.PSubscribe(ctx, full...)
}

// ---- scripting ----

// Eval runs a Lua script verbatim. Only the keys are namespaced; args pass
// through untouched.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.Key(k)
	}
	var res interface{}
	err := c.do(ctx, "EVAL", func() error {
		var e error
		res, e = c.rdb.Eval(ctx, script, full, args...).Result()
		return e
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// Pipelined runs fn against a pipeline. Keys inside fn must be prefixed with
// Client.Key by the caller.
func (c *Client) Pipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	return c.do(ctx, "PIPELINE", func() error {
		_, err := c.rdb.Pipelined(ctx, fn)
		return err
	})
}

// ---- health ----

// HealthReport is the structured result of an active probe.
type HealthReport struct {
	Healthy    bool              `json:"healthy"`
	State      string            `json:"state"`
	PingMs     int64             `json:"ping_ms"`
	ServerInfo map[string]string `json:"server_info,omitempty"`
	Metrics    Snapshot          `json:"metrics"`
}

// HealthCheck PINGs the store and collects a few server info fields.
func (c *Client) HealthCheck(ctx context.Context) HealthReport {
	start := time.Now()
	err := c.rdb.Ping(ctx).Err()
	pingMs := time.Since(start).Milliseconds()
	report := HealthReport{
		Healthy: err == nil,
		State:   c.metrics.State().String(),
		PingMs:  pingMs,
		Metrics: c.metrics.Snapshot(),
	}
	if err != nil {
		c.logger.Error("Cache health check failed", zap.Error(err))
		report.State = StateFailed.String()
		return report
	}
	if info, infoErr := c.rdb.Info(ctx, "server", "clients", "memory").Result(); infoErr == nil {
		report.ServerInfo = parseInfo(info)
	}
	return report
}

func parseInfo(info string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(info, "\r\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			out[k] = v
		}
	}
	return out
}
