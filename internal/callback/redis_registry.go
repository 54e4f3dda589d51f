package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const omegaKeyPrefix = "saga:omegas:"

// RedisRegistry shares registrations between coordinators through one hash
// per service, keyed by instance id.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl, now: time.Now}
}

func serviceKey(service string) string {
	return omegaKeyPrefix + service
}

func (r *RedisRegistry) Register(ctx context.Context, o Omega) error {
	if o.SeenAt.IsZero() {
		o.SeenAt = r.now()
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal omega: %w", err)
	}
	key := serviceKey(o.ServiceName)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, o.InstanceID, raw)
	if r.ttl > 0 {
		// the hash outlives its freshest member by one ttl
		pipe.Expire(ctx, key, 2*r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register omega: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Deregister(ctx context.Context, service, instance string) error {
	if err := r.client.HDel(ctx, serviceKey(service), instance).Err(); err != nil {
		return fmt.Errorf("deregister omega: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, service, instance string) (Omega, error) {
	now := r.now()
	raw, err := r.client.HGet(ctx, serviceKey(service), instance).Result()
	switch {
	case err == nil:
		var o Omega
		if err := json.Unmarshal([]byte(raw), &o); err == nil && alive(o, now, r.ttl) {
			return o, nil
		}
	case !errors.Is(err, redis.Nil):
		return Omega{}, fmt.Errorf("lookup omega: %w", err)
	}

	all, err := r.client.HGetAll(ctx, serviceKey(service)).Result()
	if err != nil {
		return Omega{}, fmt.Errorf("lookup omegas of %s: %w", service, err)
	}
	var (
		best  Omega
		found bool
	)
	for _, v := range all {
		var o Omega
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			continue
		}
		if alive(o, now, r.ttl) && (!found || o.SeenAt.After(best.SeenAt)) {
			best, found = o, true
		}
	}
	if !found {
		return Omega{}, ErrNoCallback
	}
	return best, nil
}
