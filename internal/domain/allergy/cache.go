package allergy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ehr/patient-records/internal/platform/db"
)

// ListCache holds loaded allergy lists keyed by tenant and patient. Every
// patient has a generation that Invalidate advances; a list loaded under an
// older generation is never stored.
type ListCache interface {
	Get(ctx context.Context, patientID uuid.UUID) (*Allergies, bool, error)
	// Generation is read before loading from the database.
	Generation(ctx context.Context, patientID uuid.UUID) (int64, error)
	// Set stores list only while the generation still equals gen and
	// reports whether it did.
	Set(ctx context.Context, patientID uuid.UUID, gen int64, list *Allergies) (bool, error)
	Invalidate(ctx context.Context, patientID uuid.UUID) error
}

const cacheKeyPrefix = "allergies"

// cacheKey hash-tags tenant and patient so the list and its generation land
// in the same cluster slot.
func cacheKey(ctx context.Context, patientID uuid.UUID) string {
	tenant := db.TenantFromContext(ctx)
	if tenant == "" {
		tenant = "default"
	}
	return fmt.Sprintf("%s:{%s:%s}", cacheKeyPrefix, tenant, patientID)
}

func generationKey(ctx context.Context, patientID uuid.UUID) string {
	return cacheKey(ctx, patientID) + ":gen"
}

// setIfGeneration writes KEYS[2] only when KEYS[1] equals ARGV[1]. A missing
// generation counts as 0. ARGV[3] is the ttl in milliseconds, 0 for none.
var setIfGeneration = redis.NewScript(`
local gen = redis.call('GET', KEYS[1]) or '0'
if gen ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`)

type RedisListCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisListCache(client redis.UniversalClient, ttl time.Duration) *RedisListCache {
	return &RedisListCache{client: client, ttl: ttl}
}

func (c *RedisListCache) Get(ctx context.Context, patientID uuid.UUID) (*Allergies, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(ctx, patientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	var list Allergies
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false, fmt.Errorf("cache decode: %w", err)
	}
	return &list, true, nil
}

func (c *RedisListCache) Generation(ctx context.Context, patientID uuid.UUID) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(ctx, patientID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache generation: %w", err)
	}
	return gen, nil
}

func (c *RedisListCache) Set(ctx context.Context, patientID uuid.UUID, gen int64, list *Allergies) (bool, error) {
	raw, err := json.Marshal(list)
	if err != nil {
		return false, fmt.Errorf("cache encode: %w", err)
	}
	keys := []string{generationKey(ctx, patientID), cacheKey(ctx, patientID)}
	stored, err := setIfGeneration.Run(ctx, c.client, keys, gen, raw, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("cache set: %w", err)
	}
	return stored == 1, nil
}

// Invalidate advances the generation and drops the list in one MULTI. The
// generation key has no ttl so it cannot fall back to a value a slow loader
// still holds.
func (c *RedisListCache) Invalidate(ctx context.Context, patientID uuid.UUID) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(ctx, patientID))
		pipe.Del(ctx, cacheKey(ctx, patientID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// NopListCache never holds anything; used when Redis is not configured. Set
// accepts and discards every list.
type NopListCache struct{}

func (NopListCache) Get(context.Context, uuid.UUID) (*Allergies, bool, error) {
	return nil, false, nil
}

func (NopListCache) Generation(context.Context, uuid.UUID) (int64, error) {
	return 0, nil
}

func (NopListCache) Set(context.Context, uuid.UUID, int64, *Allergies) (bool, error) {
	return true, nil
}

func (NopListCache) Invalidate(context.Context, uuid.UUID) error {
	return nil
}
