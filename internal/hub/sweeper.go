package hub

import (
	"context"
	"time"

	"github.com/example/live-tracking/internal/models"
	"github.com/example/live-tracking/internal/observability"
)

// EvictStale drops positions not refreshed within ttl and announces each
// evicted vehicle as offline.
func (h *Hub) EvictStale(ttl time.Duration) []models.LocationSample {
	evicted := h.store.EvictStale(h.now().Add(-ttl))
	for _, s := range evicted {
		observability.DriversEvicted.Inc()
		h.logger.Info("driver evicted", "vehicle_id", s.VehicleID, "driver_id", s.DriverID, "last_seen", s.ReceivedAt)
		h.BroadcastAll(models.EventDriverOffline, models.DriverOffline{VehicleID: s.VehicleID, DriverID: s.DriverID})
	}
	if len(evicted) > 0 {
		observability.DriversActive.Set(float64(h.store.DriverCount()))
	}
	return evicted
}

// RunEviction calls EvictStale every interval until ctx is done. A
// non-positive ttl disables eviction.
func (h *Hub) RunEviction(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = ttl / 2
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.EvictStale(ttl)
		}
	}
}
