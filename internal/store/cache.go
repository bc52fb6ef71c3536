package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/castworks/cw-studio/internal/data"
)

const defaultTTL = 30 * time.Second

// Cache is a read-through layer over the handful of entities the
// runtime path reads on every cycle. Redis outages degrade to direct
// database reads; writes invalidate, never populate.
type Cache struct {
	rdb    *redis.Client
	models data.Models
	ttl    time.Duration
}

func NewCache(rdb *redis.Client, models data.Models, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = defaultTTL
	}
	return &Cache{rdb: rdb, models: models, ttl: ttl}
}

func cameraKey(id int64) string      { return fmt.Sprintf("studio:camera:%d", id) }
func assetKey(id int64) string       { return fmt.Sprintf("studio:asset:%d", id) }
func destinationKey(id int64) string { return fmt.Sprintf("studio:destination:%d", id) }

const settingsKey = "studio:settings"

// readThrough fills dst from cache or falls back to load and caches the
// result. Cache errors other than a miss are logged and treated as a
// miss.
func readThrough[T any](ctx context.Context, c *Cache, key string, load func(context.Context) (*T, error)) (*T, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if uerr := json.Unmarshal(raw, &v); uerr == nil {
			return &v, nil
		}
		// Corrupt entry, drop it and reload.
		c.rdb.Del(ctx, key)
	} else if !errors.Is(err, redis.Nil) {
		log.Printf("[store] cache read %s: %v", key, err)
	}

	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if raw, merr := json.Marshal(v); merr == nil {
		if serr := c.rdb.Set(ctx, key, raw, c.ttl).Err(); serr != nil {
			log.Printf("[store] cache write %s: %v", key, serr)
		}
	}
	return v, nil
}

func (c *Cache) Camera(ctx context.Context, id int64) (*data.Camera, error) {
	return readThrough(ctx, c, cameraKey(id), func(ctx context.Context) (*data.Camera, error) {
		return c.models.Cameras.GetByID(ctx, id)
	})
}

func (c *Cache) Asset(ctx context.Context, id int64) (*data.Asset, error) {
	return readThrough(ctx, c, assetKey(id), func(ctx context.Context) (*data.Asset, error) {
		return c.models.Assets.GetByID(ctx, id)
	})
}

func (c *Cache) Destination(ctx context.Context, id int64) (*data.Destination, error) {
	return readThrough(ctx, c, destinationKey(id), func(ctx context.Context) (*data.Destination, error) {
		return c.models.Destinations.GetByID(ctx, id)
	})
}

func (c *Cache) Settings(ctx context.Context) (*data.Settings, error) {
	return readThrough(ctx, c, settingsKey, func(ctx context.Context) (*data.Settings, error) {
		return c.models.Settings.Get(ctx)
	})
}

func (c *Cache) InvalidateCamera(ctx context.Context, id int64) {
	c.invalidate(ctx, cameraKey(id))
}

func (c *Cache) InvalidateAsset(ctx context.Context, id int64) {
	c.invalidate(ctx, assetKey(id))
}

// InvalidateAssets drops every cached asset. Used by the settings
// update, which rewrites location fields on all of them.
func (c *Cache) InvalidateAssets(ctx context.Context) {
	keys, err := c.rdb.Keys(ctx, "studio:asset:*").Result()
	if err != nil {
		log.Printf("[store] cache scan assets: %v", err)
		return
	}
	if len(keys) > 0 {
		c.invalidate(ctx, keys...)
	}
}

func (c *Cache) InvalidateDestination(ctx context.Context, id int64) {
	c.invalidate(ctx, destinationKey(id))
}

func (c *Cache) InvalidateSettings(ctx context.Context) {
	c.invalidate(ctx, settingsKey)
}

func (c *Cache) invalidate(ctx context.Context, keys ...string) {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		log.Printf("[store] cache invalidate %v: %v", keys, err)
	}
}
