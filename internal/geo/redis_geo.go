// Package geo mirrors live vehicle positions into a Redis GEO set.
package geo

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/example/live-tracking/internal/errors"
	"github.com/example/live-tracking/internal/models"
)

// RedisUpdater is the subset of redis operations the mirror needs.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

// NewRedisUpdater adapts a go-redis client to RedisUpdater.
func NewRedisUpdater(c *redis.Client) RedisUpdater { return &redisAdapter{c: c} }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

// Mirror writes each sample's position to a GEO set and its metadata to a
// per-vehicle hash.
type Mirror struct {
	rc       RedisUpdater
	key      string
	attempts int
	delay    time.Duration
}

func NewMirror(rc RedisUpdater, key string) *Mirror {
	return &Mirror{rc: rc, key: key, attempts: 3, delay: 200 * time.Millisecond}
}

// WithRetry overrides the attempt count and the initial retry delay.
func (m *Mirror) WithRetry(attempts int, delay time.Duration) *Mirror {
	if attempts < 1 {
		attempts = 1
	}
	m.attempts, m.delay = attempts, delay
	return m
}

// Upsert mirrors s, retrying with doubling delay until attempts run out or
// ctx is cancelled.
func (m *Mirror) Upsert(ctx context.Context, s models.LocationSample) error {
	if s.VehicleID == "" {
		return errors.Required("vehicle_id")
	}
	return backoff.Retry(func() error { return m.write(ctx, s) }, m.policy(ctx))
}

func (m *Mirror) policy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.delay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(m.attempts-1)), ctx)
}

func (m *Mirror) write(ctx context.Context, s models.LocationSample) error {
	if err := m.rc.GeoAdd(ctx, m.key, &redis.GeoLocation{Longitude: s.Lon, Latitude: s.Lat, Name: s.VehicleID}); err != nil {
		return err
	}
	return m.rc.HSet(ctx, MetaKey(s.VehicleID), map[string]interface{}{
		"driver_id":  s.DriverID,
		"booking_id": s.BookingID,
		"ts":         s.TS,
	})
}

func MetaKey(vehicleID string) string { return "vehicle:live:" + vehicleID }
