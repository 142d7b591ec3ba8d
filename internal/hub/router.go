package hub

import (
	"context"
	"encoding/json"

	"github.com/example/live-tracking/internal/errors"
	"github.com/example/live-tracking/internal/models"
	"github.com/example/live-tracking/internal/observability"
)

// Dispatch handles one inbound event from c. Events from one connection are
// expected to be dispatched sequentially. A rejected event leaves state
// untouched, produces no broadcast, and is answered with an error event; the
// rejection is also returned to the caller.
func (h *Hub) Dispatch(ctx context.Context, c Conn, msg models.Message) error {
	var err error
	switch msg.Event {
	case models.EventLocationUpdate:
		var u models.LocationUpdate
		if err = decode(msg.Data, &u); err == nil {
			err = h.UpdateLocation(ctx, u)
		}
	case models.EventDriverJoin:
		err = h.driverJoin(c, msg.Data)
	case models.EventBookingAccept:
		err = h.bookingAccept(msg.Data)
	case models.EventTripStart:
		err = h.tripTransition(msg.Data, models.StatusStarted)
	case models.EventTripComplete:
		err = h.tripTransition(msg.Data, models.StatusCompleted)
	case models.EventCustomerJoin:
		err = h.customerJoin(c, msg.Data)
	case models.EventCustomerJoinCar:
		err = h.customerJoinCar(c, msg.Data)
	case models.EventAdminJoin:
		h.adminJoin(c)
	default:
		err = errors.NewValidationError("event", msg.Event, "unknown event")
	}

	if err != nil {
		observability.EventsTotal.WithLabelValues(eventLabel(msg.Event), observability.OutcomeRejected).Inc()
		h.logger.Warn("event rejected", "event", msg.Event, "conn_id", connID(c), "error", err)
		h.reply(c, models.EventError, errorPayload(msg.Event, err))
		return err
	}
	observability.EventsTotal.WithLabelValues(msg.Event, observability.OutcomeOK).Inc()
	return nil
}

// UpdateLocation validates and stores a location update, then broadcasts it
// as location:live. It is also the entry point for non-realtime ingress.
func (h *Hub) UpdateLocation(ctx context.Context, u models.LocationUpdate) error {
	sample, err := u.Sample(h.now())
	if err != nil {
		return err
	}
	h.store.UpsertLocation(sample)
	observability.DriversActive.Set(float64(h.store.DriverCount()))
	h.BroadcastAll(models.EventLocationLive, sample)
	if h.publisher != nil {
		if err := h.publisher.PublishLocation(ctx, sample); err != nil {
			h.logger.Warn("location publish failed", "vehicle_id", sample.VehicleID, "error", err)
		}
	}
	return nil
}

func (h *Hub) driverJoin(c Conn, data json.RawMessage) error {
	var j models.DriverJoin
	if err := decode(data, &j); err != nil {
		return err
	}
	if err := j.Validate(); err != nil {
		return err
	}
	h.setIdentity(c, Identity{Role: RoleDriver, VehicleID: j.VehicleID, DriverID: j.DriverID, DriverName: j.DriverName})
	h.logger.Info("driver joined", "vehicle_id", j.VehicleID, "driver_id", j.DriverID, "driver_name", j.DriverName)
	h.BroadcastAll(models.EventDriverAvailable, models.DriverAvailable{
		VehicleID:  j.VehicleID,
		DriverID:   j.DriverID,
		DriverName: j.DriverName,
		Status:     "online",
	})
	return nil
}

func (h *Hub) bookingAccept(data json.RawMessage) error {
	var ev models.BookingEvent
	if err := decode(data, &ev); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	snap := h.store.AcceptBooking(ev)
	h.logger.Info("booking accepted", "booking_id", ev.BookingID, "vehicle_id", ev.VehicleID, "driver_id", ev.DriverID)
	h.recordTransition(snap)
	h.BroadcastAll(models.EventBookingAccepted, transition(ev, models.StatusAccepted))
	return nil
}

// tripTransition applies trip:start or trip:complete. Unknown bookings are
// left alone but the event is still broadcast.
func (h *Hub) tripTransition(data json.RawMessage, status models.BookingStatus) error {
	var ev models.BookingEvent
	if err := decode(data, &ev); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	var (
		snap    models.BookingSnapshot
		changed bool
		event   string
	)
	if status == models.StatusStarted {
		snap, changed = h.store.StartTrip(ev.BookingID)
		event = models.EventTripStarted
	} else {
		snap, changed = h.store.CompleteTrip(ev.BookingID)
		event = models.EventTripCompleted
	}
	if changed {
		h.recordTransition(snap)
	}
	h.logger.Info("trip transition", "booking_id", ev.BookingID, "status", string(status), "applied", changed)
	h.BroadcastAll(event, transition(ev, status))
	return nil
}

func (h *Hub) customerJoin(c Conn, data json.RawMessage) error {
	var j models.CustomerJoin
	if err := decode(data, &j); err != nil {
		return err
	}
	if err := j.Validate(); err != nil {
		return err
	}
	h.setIdentity(c, Identity{Role: RoleCustomer, BookingID: j.BookingID, CustomerID: j.CustomerID})
	snap, err := h.store.Booking(j.BookingID)
	if err != nil {
		h.reply(c, models.EventBookingNotFound, models.BookingNotFound{
			BookingID: j.BookingID,
			Message:   "No active booking found with this id",
		})
		return nil
	}
	h.reply(c, models.EventBookingStatus, snap)
	return nil
}

func (h *Hub) customerJoinCar(c Conn, data json.RawMessage) error {
	var j models.CustomerCarJoin
	if err := decode(data, &j); err != nil {
		return err
	}
	if err := j.Validate(); err != nil {
		return err
	}
	h.setIdentity(c, Identity{Role: RoleCustomer, CarID: j.CarID, CustomerID: j.CustomerID})
	snap, err := h.store.BookingByVehicle(j.CarID)
	if err != nil {
		h.reply(c, models.EventBookingNotFound, models.BookingNotFound{
			CarID:   j.CarID,
			Message: "No active booking found for this car",
		})
		return nil
	}
	h.reply(c, models.EventBookingStatus, snap)
	return nil
}

func (h *Hub) adminJoin(c Conn) {
	h.setIdentity(c, Identity{Role: RoleAdmin, Admin: true})
	h.reply(c, models.EventDashboardData, h.store.Dashboard())
}

func (h *Hub) setIdentity(c Conn, ident Identity) {
	if c == nil {
		return
	}
	if !h.registry.Join(c.ID(), ident) {
		h.logger.Warn("identity for unregistered connection", "conn_id", c.ID(), "role", string(ident.Role))
		return
	}
	h.refreshGauges()
}

func transition(ev models.BookingEvent, status models.BookingStatus) models.BookingTransition {
	return models.BookingTransition{
		BookingID: ev.BookingID,
		VehicleID: ev.VehicleID,
		DriverID:  ev.DriverID,
		Status:    status,
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.NewValidationError("", nil, "missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.NewValidationError("", string(data), "malformed payload")
	}
	return nil
}

func errorPayload(event string, err error) models.ErrorPayload {
	out := models.ErrorPayload{Event: event, Message: err.Error()}
	var ve *errors.ValidationError
	if errors.As(err, &ve) {
		out.Field = ve.Field
	}
	return out
}

// eventLabel keeps unknown event names out of metric labels.
func eventLabel(event string) string {
	switch event {
	case models.EventLocationUpdate, models.EventDriverJoin, models.EventBookingAccept,
		models.EventTripStart, models.EventTripComplete, models.EventCustomerJoin,
		models.EventCustomerJoinCar, models.EventAdminJoin:
		return event
	}
	return "unknown"
}

func connID(c Conn) string {
	if c == nil {
		return ""
	}
	return c.ID()
}
