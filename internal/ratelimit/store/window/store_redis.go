package window

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"shiftgate/internal/ratelimit/models"
	"shiftgate/pkg/platform/sentinel"
)

const keyPrefix = "rl:"

// casScript swaps the record only when its embedded version matches.
// KEYS[1] record key; ARGV[1] expected version; ARGV[2] encoded record;
// ARGV[3] ttl in milliseconds.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
local expected = tonumber(ARGV[1])
if current then
  local ok, decoded = pcall(cjson.decode, current)
  if not ok or tonumber(decoded['version']) ~= expected then
    return 0
  end
elseif expected ~= 0 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisStore shares windows across processes. Expiry is delegated to Redis
// key TTLs, so Sweep has nothing to do.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore accepts *redis.Client, *redis.ClusterClient or a ring. In a
// cluster every operation touches a single key, so no hash tags are needed.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*models.WindowRecord, error) {
	raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get window %s: %w", key, err)
	}
	var rec models.WindowRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode window %s: %w", key, err)
	}
	return &rec, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected int64, next models.WindowRecord, ttl time.Duration) (bool, error) {
	next.Version = expected + 1
	value, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode window %s: %w", key, err)
	}
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	swapped, err := casScript.Run(ctx, s.client, []string{keyPrefix + key}, expected, value, ms).Int()
	if err != nil {
		return false, fmt.Errorf("swap window %s: %w", key, err)
	}
	return swapped == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete window %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
