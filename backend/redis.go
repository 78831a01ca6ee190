package backend

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// casScript performs the compare-and-swap atomically server-side: if the
// current value at KEYS[1] equals ARGV[1] (or the key is absent and ARGV[1]
// is the empty-sentinel), it is replaced with ARGV[2] and TTL ARGV[3]
// (milliseconds, 0 meaning no expiry) is applied.
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
local expected = ARGV[1]
local absentSentinel = ARGV[4]
if cur == false then
	if expected ~= absentSentinel then
		return 0
	end
else
	if cur ~= expected then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[2])
local ttlMs = tonumber(ARGV[3])
if ttlMs > 0 then
	redis.call("PEXPIRE", KEYS[1], ttlMs)
end
return 1
`)

const casAbsentSentinel = "\x00ratethrottle-absent\x00"

// RedisBackend implements Backend over a well-known data-structure server
// (Redis). Ordered-timestamp operations use native sorted sets with
// score == timestamp in fractional seconds; members are disambiguated with a
// monotonic per-process sequence so equal timestamps can coexist, per the
// sliding-window strategy's tie-break rule.
type RedisBackend struct {
	client *redis.Client
	logger zerolog.Logger
	seq    int64
}

// NewRedisBackend creates a RedisBackend from a connection URL of the form
// accepted by redis.ParseURL (e.g. "redis://localhost:6379/0").
func NewRedisBackend(url string, logger zerolog.Logger) (*RedisBackend, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratethrottle: invalid redis url: %w", err)
	}
	return NewRedisBackendFromClient(redis.NewClient(opt), logger), nil
}

// NewRedisBackendFromClient wraps an already-constructed *redis.Client.
// Useful when the caller wants to share a client/pool across subsystems, or
// in tests against a miniredis instance.
func NewRedisBackendFromClient(client *redis.Client, logger zerolog.Logger) *RedisBackend {
	return &RedisBackend{client: client, logger: logger}
}

func (r *RedisBackend) wrap(err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, r.wrap(err)
	}
	return v, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.wrap(r.client.Set(ctx, key, value, ttl).Err())
}

func (r *RedisBackend) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return 0, r.wrap(err)
	}
	return incr.Val(), nil
}

func (r *RedisBackend) CompareAndSwap(ctx context.Context, key string, expected, newVal []byte, ttl time.Duration) (bool, error) {
	expectedStr := casAbsentSentinel
	if expected != nil {
		expectedStr = string(expected)
	}
	res, err := casScript.Run(ctx, r.client, []string{key}, expectedStr, string(newVal), ttl.Milliseconds(), casAbsentSentinel).Int()
	if err != nil {
		return false, r.wrap(err)
	}
	return res == 1, nil
}

func (r *RedisBackend) AppendTimestamp(ctx context.Context, key string, ts time.Time) error {
	seq := atomic.AddInt64(&r.seq, 1)
	member := strconv.FormatInt(ts.UnixNano(), 10) + ":" + strconv.FormatInt(seq, 10)
	score := float64(ts.UnixNano()) / 1e9
	return r.wrap(r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (r *RedisBackend) TrimBefore(ctx context.Context, key string, cutoff time.Time) error {
	max := "(" + formatScore(cutoff) // exclusive upper bound at cutoff
	return r.wrap(r.client.ZRemRangeByScore(ctx, key, "-inf", max).Err())
}

func (r *RedisBackend) CountAfter(ctx context.Context, key string, cutoff time.Time) (int, error) {
	n, err := r.client.ZCount(ctx, key, formatScore(cutoff), "+inf").Result()
	if err != nil {
		return 0, r.wrap(err)
	}
	return int(n), nil
}

func (r *RedisBackend) OldestAfter(ctx context.Context, key string, cutoff time.Time) (time.Time, bool, error) {
	res, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   formatScore(cutoff),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return time.Time{}, false, r.wrap(err)
	}
	if len(res) == 0 {
		return time.Time{}, false, nil
	}
	return parseTimestampMember(res[0]), true, nil
}

func (r *RedisBackend) Touch(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return r.wrap(r.client.Persist(ctx, key).Err())
	}
	return r.wrap(r.client.Expire(ctx, key, ttl).Err())
}

func (r *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, r.wrap(err)
	}
	return n > 0, nil
}

func (r *RedisBackend) ExpiresAt(ctx context.Context, key string) (time.Time, bool, error) {
	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return time.Time{}, false, r.wrap(err)
	}
	if ttl <= 0 {
		return time.Time{}, false, nil
	}
	return time.Now().Add(ttl), true, nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, r.wrap(err)
	}
	return n > 0, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func formatScore(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', -1, 64)
}

func parseTimestampMember(member string) time.Time {
	for i := 0; i < len(member); i++ {
		if member[i] == ':' {
			nanos, _ := strconv.ParseInt(member[:i], 10, 64)
			return time.Unix(0, nanos)
		}
	}
	return time.Time{}
}
