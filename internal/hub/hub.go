// Package hub is the realtime relay: it keeps the connection registry,
// routes inbound events into the tracking store and fans outbound events
// out to connections.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/live-tracking/internal/models"
	"github.com/example/live-tracking/internal/observability"
	"github.com/example/live-tracking/internal/tracking"
)

// Publisher forwards accepted location samples to downstream systems.
// Implementations must not block the caller.
type Publisher interface {
	PublishLocation(ctx context.Context, s models.LocationSample) error
}

// TripRecorder keeps a log of booking status transitions.
type TripRecorder interface {
	RecordTransition(ctx context.Context, ev models.TripEvent) error
}

const defaultTripQueue = 256

type Hub struct {
	store     *tracking.Store
	registry  *Registry
	logger    *slog.Logger
	publisher Publisher
	trips     TripRecorder
	now       func() time.Time

	tripLogTimeout time.Duration
	tripQueueSize  int

	// trip transitions are written in order by a single worker
	tripMu     sync.RWMutex
	tripQueue  chan models.TripEvent
	tripClosed bool
	tripDone   chan struct{}
}

type Option func(*Hub)

func WithPublisher(p Publisher) Option { return func(h *Hub) { h.publisher = p } }

func WithTripRecorder(r TripRecorder) Option { return func(h *Hub) { h.trips = r } }

func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

// WithTripQueue sets how many transitions may wait for the trip log before
// new ones are dropped.
func WithTripQueue(size int) Option { return func(h *Hub) { h.tripQueueSize = size } }

func New(store *tracking.Store, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		store:          store,
		registry:       NewRegistry(),
		logger:         logger,
		now:            time.Now,
		tripLogTimeout: 2 * time.Second,
		tripQueueSize:  defaultTripQueue,
	}
	for _, o := range opts {
		o(h)
	}
	if h.trips != nil {
		if h.tripQueueSize <= 0 {
			h.tripQueueSize = defaultTripQueue
		}
		h.tripQueue = make(chan models.TripEvent, h.tripQueueSize)
		h.tripDone = make(chan struct{})
		go h.writeTrips()
	}
	return h
}

// Close stops accepting trip transitions and waits until the queued ones
// are written.
func (h *Hub) Close() {
	if h.tripQueue == nil {
		return
	}
	h.tripMu.Lock()
	if h.tripClosed {
		h.tripMu.Unlock()
		return
	}
	h.tripClosed = true
	close(h.tripQueue)
	h.tripMu.Unlock()
	<-h.tripDone
}

func (h *Hub) Store() *tracking.Store { return h.store }

func (h *Hub) Registry() *Registry { return h.registry }

// Connect registers a freshly opened connection with no role.
func (h *Hub) Connect(c Conn) {
	h.registry.Add(c)
	h.logger.Debug("connection opened", "conn_id", c.ID())
	h.refreshGauges()
}

// Disconnect releases the connection. A connection that joined as a driver
// takes its vehicle offline for everyone else, unless another live
// connection has since joined for the same vehicle.
func (h *Hub) Disconnect(c Conn) {
	ident, ok := h.registry.Remove(c.ID())
	if !ok {
		return
	}
	h.logger.Debug("connection closed", "conn_id", c.ID(), "role", string(ident.Role))
	if ident.IsDriver() {
		if other, claimed := h.registry.DriverConn(ident.VehicleID); claimed {
			h.logger.Info("vehicle still claimed, keeping position", "vehicle_id", ident.VehicleID, "conn_id", other)
		} else {
			h.store.RemoveDriver(ident.VehicleID)
			h.BroadcastAll(models.EventDriverOffline, models.DriverOffline{VehicleID: ident.VehicleID, DriverID: ident.DriverID})
		}
	}
	h.refreshGauges()
}

// BroadcastAll sends the event to every registered connection, with no role
// filtering. Recipients that cannot take the message are skipped. It returns
// the number of connections the message was queued for.
func (h *Hub) BroadcastAll(event string, payload any) int {
	delivered := 0
	for _, c := range h.registry.Conns() {
		if err := c.Send(event, payload); err != nil {
			observability.BroadcastDropped.Inc()
			h.logger.Warn("broadcast skipped recipient", "event", event, "conn_id", c.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) reply(c Conn, event string, payload any) {
	if c == nil {
		return
	}
	if err := c.Send(event, payload); err != nil {
		observability.BroadcastDropped.Inc()
		h.logger.Warn("reply dropped", "event", event, "conn_id", c.ID(), "error", err)
	}
}

// recordTransition stamps b with the hub clock and queues it for the trip
// log. A full queue drops the transition.
func (h *Hub) recordTransition(b models.BookingSnapshot) {
	if h.tripQueue == nil {
		return
	}
	ev := models.TripEventFrom(b, h.now())
	h.tripMu.RLock()
	defer h.tripMu.RUnlock()
	if h.tripClosed {
		return
	}
	select {
	case h.tripQueue <- ev:
	default:
		observability.TripLogErrors.Inc()
		h.logger.Error("trip log queue full, transition dropped", "booking_id", ev.BookingID, "status", string(ev.Status))
	}
}

func (h *Hub) writeTrips() {
	defer close(h.tripDone)
	for ev := range h.tripQueue {
		ctx, cancel := context.WithTimeout(context.Background(), h.tripLogTimeout)
		if err := h.trips.RecordTransition(ctx, ev); err != nil {
			observability.TripLogErrors.Inc()
			h.logger.Error("trip log write failed", "booking_id", ev.BookingID, "status", string(ev.Status), "error", err)
		}
		cancel()
	}
}

func (h *Hub) refreshGauges() {
	counts := h.registry.CountByRole()
	for _, role := range []Role{RoleNone, RoleDriver, RoleCustomer, RoleAdmin} {
		label := string(role)
		if role == RoleNone {
			label = "pending"
		}
		observability.ConnectionsActive.WithLabelValues(label).Set(float64(counts[role]))
	}
	observability.DriversActive.Set(float64(h.store.DriverCount()))
}
