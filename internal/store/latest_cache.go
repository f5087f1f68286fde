package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// LatestCache keeps the newest reading per (device, sensor) in Redis so
// the device-detail view avoids a window-function query on the hot path.
// It is best-effort: a nil *LatestCache disables caching entirely and any
// Redis error falls back to SQL at the call site.
type LatestCache struct {
	rdb *redis.Client
}

func NewLatestCache(rdb *redis.Client) *LatestCache { return &LatestCache{rdb: rdb} }

const latestCacheTTL = 24 * time.Hour

func latestKey(deviceID, sensorType string) string {
	return "telemetry:latest:" + deviceID + ":" + sensorType
}

func (c *LatestCache) Store(ctx context.Context, t *Telemetry) error {
	if c == nil {
		return nil
	}
	buf, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, latestKey(t.DeviceID, t.SensorType), buf, latestCacheTTL).Err()
}

// DeviceLatest returns the cached latest readings for one device, newest
// first by sensor type key order. ok is false when the scan failed or
// found nothing, in which case the caller should query storage.
func (c *LatestCache) DeviceLatest(ctx context.Context, deviceID string) ([]Telemetry, bool) {
	if c == nil {
		return nil, false
	}
	pattern := latestKey(deviceID, "*")
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var out []Telemetry
	for iter.Next(ctx) {
		raw, err := c.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			return nil, false
		}
		var t Telemetry
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, false
		}
		out = append(out, t)
	}
	if err := iter.Err(); err != nil {
		return nil, false
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func (c *LatestCache) DropDevice(ctx context.Context, deviceID string) error {
	if c == nil {
		return nil
	}
	iter := c.rdb.Scan(ctx, 0, latestKey(deviceID, "*"), 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
