package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Generator hands out ticket numbers for a (clinic, service day) pair. The
// day is part of the key, so a new day starts again at 1.
type Generator interface {
	Next(ctx context.Context, clinicID, day string) (int, error)
}

// Allocator is the store side of number allocation.
type Allocator interface {
	AllocateNumber(ctx context.Context, clinicID, day string) (int, error)
}

// StoreGenerator allocates from the ticket store's counter rows. Called with a
// transactional context, the allocation commits or rolls back with the ticket.
type StoreGenerator struct {
	allocator Allocator
}

func NewStoreGenerator(allocator Allocator) *StoreGenerator {
	return &StoreGenerator{allocator: allocator}
}

func (g *StoreGenerator) Next(ctx context.Context, clinicID, day string) (int, error) {
	number, err := g.allocator.AllocateNumber(ctx, clinicID, day)
	if err != nil {
		return 0, err
	}
	return number, nil
}

// RedisGenerator increments a per-day counter key. A number taken by a
// creation that later fails is not reused.
type RedisGenerator struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisGenerator(client redis.Cmdable, ttl time.Duration) *RedisGenerator {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisGenerator{client: client, ttl: ttl}
}

func Key(clinicID, day string) string {
	return fmt.Sprintf("seq:%s:%s", clinicID, day)
}

func (g *RedisGenerator) Next(ctx context.Context, clinicID, day string) (int, error) {
	key := Key(clinicID, day)
	var incr *redis.IntCmd
	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, g.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return int(incr.Val()), nil
}
