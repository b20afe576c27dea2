package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DioGolang/GoStore/pkg/logger"
	"github.com/DioGolang/GoStore/pkg/metrics"
	"github.com/DioGolang/GoStore/store"
	"github.com/redis/go-redis/v9"
)

// Finder is the key-lookup half of a repository.
type Finder[E any] interface {
	FindByKey(ctx context.Context, keys ...any) (*E, error)
}

// Entity is a read-through cache in front of a repository's key lookup.
// A cached row is returned without touching the store; cache failures
// degrade to the inner repository and never fail the read.
type Entity[E any] struct {
	inner  Finder[E]
	client *redis.Client
	desc   *store.Descriptor[E]
	ttl    time.Duration
	log    logger.Logger
	met    metrics.Metrics
}

type Option[E any] func(*Entity[E])

func WithLogger[E any](l logger.Logger) Option[E] {
	return func(c *Entity[E]) { c.log = l }
}

func WithMetrics[E any](m metrics.Metrics) Option[E] {
	return func(c *Entity[E]) { c.met = m }
}

func NewEntity[E any](inner Finder[E], client *redis.Client, desc *store.Descriptor[E], ttl time.Duration, opts ...Option[E]) *Entity[E] {
	c := &Entity[E]{
		inner:  inner,
		client: client,
		desc:   desc,
		ttl:    ttl,
		log:    logger.NewNop(),
		met:    metrics.NewNoop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Entity[E]) cacheKey(keys ...any) string {
	parts := make([]string, 0, len(keys)+2)
	parts = append(parts, "gostore", c.desc.Table())
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%v", k))
	}
	return strings.Join(parts, ":")
}

func (c *Entity[E]) FindByKey(ctx context.Context, keys ...any) (*E, error) {
	k := c.cacheKey(keys...)

	data, err := c.client.Get(ctx, k).Bytes()
	switch {
	case err == nil:
		e := new(E)
		if jerr := json.Unmarshal(data, e); jerr == nil {
			c.met.IncCacheHit(c.desc.Table())
			return e, nil
		}
		// Poisoned entry, drop it and fall through to the store.
		c.client.Del(ctx, k)
	case !errors.Is(err, redis.Nil):
		c.log.Warn(ctx, "cache read failed", logger.WithError(err))
	}
	c.met.IncCacheMiss(c.desc.Table())

	e, err := c.inner.FindByKey(ctx, keys...)
	if err != nil || e == nil {
		return e, err
	}

	if data, jerr := json.Marshal(e); jerr == nil {
		if serr := c.client.Set(ctx, k, data, c.ttl).Err(); serr != nil {
			c.log.Warn(ctx, "cache write failed", logger.WithError(serr))
		}
	}
	return e, nil
}

// Invalidate drops the cached row for a key, typically right after the
// unit of work commits a change to it.
func (c *Entity[E]) Invalidate(ctx context.Context, keys ...any) error {
	return c.client.Del(ctx, c.cacheKey(keys...)).Err()
}
