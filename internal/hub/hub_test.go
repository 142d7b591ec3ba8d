package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/example/live-tracking/internal/errors"
	"github.com/example/live-tracking/internal/models"
	"github.com/example/live-tracking/internal/storage"
	"github.com/example/live-tracking/internal/tracking"
)

type sent struct {
	event   string
	payload any
}

type fakeConn struct {
	id   string
	fail bool

	mu   sync.Mutex
	msgs []sent
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(event string, payload any) error {
	if f.fail {
		return errors.New("buffer full")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{event, payload})
	return nil
}

func (f *fakeConn) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m.event)
	}
	return out
}

func (f *fakeConn) last(t *testing.T) sent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.msgs)
	return f.msgs[len(f.msgs)-1]
}

type fakePublisher struct {
	mu      sync.Mutex
	samples []models.LocationSample
}

func (p *fakePublisher) PublishLocation(_ context.Context, s models.LocationSample) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, s)
	return nil
}

type fakeRecorder struct {
	ch chan models.TripEvent
}

func (r *fakeRecorder) RecordTransition(_ context.Context, ev models.TripEvent) error {
	r.ch <- ev
	return nil
}

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestHub(opts ...Option) *Hub {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(tracking.NewStore(), logger, opts...)
}

func connect(h *Hub, ids ...string) []*fakeConn {
	out := make([]*fakeConn, 0, len(ids))
	for _, id := range ids {
		c := &fakeConn{id: id}
		h.Connect(c)
		out = append(out, c)
	}
	return out
}

func msg(t *testing.T, event string, data any) models.Message {
	t.Helper()
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case string:
		raw = json.RawMessage(v)
	default:
		b, err := json.Marshal(v)
		require.NoError(t, err)
		raw = b
	}
	return models.Message{Event: event, Data: raw}
}

func TestDriverJoinBroadcastsAvailability(t *testing.T) {
	h := newTestHub()
	conns := connect(h, "driver", "dash", "customer")
	ctx := context.Background()

	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventDriverJoin,
		`{"vehicle_id":"V1","driver_id":"D1","driver_name":"Alice"}`)))

	want := models.DriverAvailable{VehicleID: "V1", DriverID: "D1", DriverName: "Alice", Status: "online"}
	for _, c := range conns {
		got := c.last(t)
		assert.Equal(t, models.EventDriverAvailable, got.event)
		assert.Equal(t, want, got.payload)
	}

	ident, ok := h.Registry().Identity("driver")
	require.True(t, ok)
	assert.Equal(t, RoleDriver, ident.Role)
	assert.Equal(t, "V1", ident.VehicleID)
}

func TestLocationUpdateBroadcastsAndStores(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHub(WithPublisher(pub))
	conns := connect(h, "driver", "dash")
	ctx := context.Background()

	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventLocationUpdate,
		`{"vehicle_id":"V1","lat":"26.91","lon":"75.78","ts":"2024-01-01T00:00:00Z","driver_id":"D1"}`)))

	drivers := h.Store().ActiveDrivers()
	require.Len(t, drivers, 1)
	assert.Equal(t, "V1", drivers[0].VehicleID)
	assert.InDelta(t, 26.91, drivers[0].Lat, 1e-9)
	assert.InDelta(t, 75.78, drivers[0].Lon, 1e-9)
	assert.Equal(t, "2024-01-01T00:00:00Z", drivers[0].TS)
	assert.Equal(t, "D1", drivers[0].DriverID)

	for _, c := range conns {
		got := c.last(t)
		assert.Equal(t, models.EventLocationLive, got.event)
		assert.Equal(t, "V1", got.payload.(models.LocationSample).VehicleID)
	}
	require.Len(t, pub.samples, 1)
	assert.Equal(t, "V1", pub.samples[0].VehicleID)
}

func TestLocationUpdateLastWriteWins(t *testing.T) {
	h := newTestHub()
	conns := connect(h, "driver")
	ctx := context.Background()

	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventLocationUpdate, `{"vehicle_id":"V1","lat":1,"lon":1,"ts":"t1"}`)))
	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventLocationUpdate, `{"vehicle_id":"V1","lat":2,"lon":3,"ts":"t2"}`)))

	drivers := h.Store().ActiveDrivers()
	require.Len(t, drivers, 1)
	assert.Equal(t, 2.0, drivers[0].Lat)
	assert.Equal(t, 3.0, drivers[0].Lon)
	assert.Equal(t, "t2", drivers[0].TS)
}

func TestMalformedLocationIsRejectedWithoutBroadcast(t *testing.T) {
	h := newTestHub()
	conns := connect(h, "driver", "dash")
	ctx := context.Background()

	err := h.Dispatch(ctx, conns[0], msg(t, models.EventLocationUpdate, `{"vehicle_id":"V1","lat":"north","lon":"75.78"}`))
	require.Error(t, err)
	assert.True(t, apperr.IsValidationError(err))

	assert.Empty(t, h.Store().ActiveDrivers())
	assert.Empty(t, conns[1].events())

	got := conns[0].last(t)
	assert.Equal(t, models.EventError, got.event)
	e := got.payload.(models.ErrorPayload)
	assert.Equal(t, models.EventLocationUpdate, e.Event)
	assert.Equal(t, "lat", e.Field)
}

func TestBadJSONAndUnknownEvents(t *testing.T) {
	h := newTestHub()
	conns := connect(h, "c1")
	ctx := context.Background()

	assert.Error(t, h.Dispatch(ctx, conns[0], msg(t, models.EventBookingAccept, `{"booking_id":`)))
	assert.Error(t, h.Dispatch(ctx, conns[0], msg(t, models.EventBookingAccept, nil)))
	assert.Error(t, h.Dispatch(ctx, conns[0], msg(t, "booking:cancel", `{}`)))
	assert.Equal(t, []string{models.EventError, models.EventError, models.EventError}, conns[0].events())
	assert.Empty(t, h.Store().ActiveBookings())
}

func TestTripEventsOnUnknownBookingStillBroadcast(t *testing.T) {
	h := newTestHub()
	conns := connect(h, "driver", "dash")
	ctx := context.Background()

	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventTripStart, `{"booking_id":"B9","vehicle_id":"V1","driver_id":"D1"}`)))
	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventTripComplete, `{"booking_id":"B9","vehicle_id":"V1","driver_id":"D1"}`)))

	assert.Empty(t, h.Store().ActiveBookings())
	assert.Equal(t, []string{models.EventTripStarted, models.EventTripCompleted}, conns[1].events())
	assert.Equal(t, models.BookingTransition{BookingID: "B9", VehicleID: "V1", DriverID: "D1", Status: models.StatusCompleted}, conns[1].last(t).payload)
}

func TestBookingLifecycleRecordsTransitions(t *testing.T) {
	rec := &fakeRecorder{ch: make(chan models.TripEvent, 8)}
	h := newTestHub(WithTripRecorder(rec))
	defer h.Close()
	conns := connect(h, "driver", "dash")
	ctx := context.Background()
	ev := `{"booking_id":"B1","vehicle_id":"V1","driver_id":"D1"}`

	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventBookingAccept, ev)))
	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventTripStart, ev)))
	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventTripComplete, ev)))

	assert.Equal(t, []string{models.EventBookingAccepted, models.EventTripStarted, models.EventTripCompleted}, conns[1].events())

	b, err := h.Store().Booking("B1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, b.Status)
	assert.NotEmpty(t, b.StartTime)
	assert.NotEmpty(t, b.EndTime)

	var statuses []models.BookingStatus
	for i := 0; i < 3; i++ {
		select {
		case ev := <-rec.ch:
			statuses = append(statuses, ev.Status)
			assert.Equal(t, testNow, ev.RecordedAt)
		case <-time.After(time.Second):
			t.Fatal("transition not recorded")
		}
	}
	assert.Equal(t, []models.BookingStatus{models.StatusAccepted, models.StatusStarted, models.StatusCompleted}, statuses)
}

func TestTripHistoryKeepsTransitionOrder(t *testing.T) {
	trips := storage.NewMemoryStore()
	h := newTestHub(WithTripRecorder(trips), WithTripQueue(4096))
	conns := connect(h, "driver")
	ctx := context.Background()

	const bookings = 500
	for i := 0; i < bookings; i++ {
		ev := fmt.Sprintf(`{"booking_id":"B%d","vehicle_id":"V1","driver_id":"D1"}`, i)
		require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventBookingAccept, ev)))
		require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventTripStart, ev)))
		require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventTripComplete, ev)))
	}
	h.Close()

	want := []models.BookingStatus{models.StatusAccepted, models.StatusStarted, models.StatusCompleted}
	for i := 0; i < bookings; i++ {
		id := fmt.Sprintf("B%d", i)
		history, err := trips.History(ctx, id)
		require.NoError(t, err)
		got := make([]models.BookingStatus, 0, len(history))
		for _, ev := range history {
			got = append(got, ev.Status)
		}
		require.Equal(t, want, got, id)
	}
}

func TestCloseIsIdempotentAndStopsRecording(t *testing.T) {
	trips := storage.NewMemoryStore()
	h := newTestHub(WithTripRecorder(trips))
	conns := connect(h, "driver")
	h.Close()
	h.Close()

	require.NoError(t, h.Dispatch(context.Background(), conns[0], msg(t, models.EventBookingAccept, `{"booking_id":"B1"}`)))
	history, err := trips.History(context.Background(), "B1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCustomerJoinByBooking(t *testing.T) {
	h := newTestHub()
	conns := connect(h, "driver", "customer", "other")
	ctx := context.Background()

	require.NoError(t, h.Dispatch(ctx, conns[1], msg(t, models.EventCustomerJoin, `{"booking_id":"B1","customer_id":"C1"}`)))
	got := conns[1].last(t)
	assert.Equal(t, models.EventBookingNotFound, got.event)
	assert.Equal(t, "B1", got.payload.(models.BookingNotFound).BookingID)

	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventBookingAccept, `{"booking_id":"B1","vehicle_id":"V1","driver_id":"D1"}`)))
	require.NoError(t, h.Dispatch(ctx, conns[1], msg(t, models.EventCustomerJoin, `{"booking_id":"B1","customer_id":"C1"}`)))
	got = conns[1].last(t)
	assert.Equal(t, models.EventBookingStatus, got.event)
	assert.Equal(t, models.StatusAccepted, got.payload.(models.BookingSnapshot).Status)

	// replies go to the sender only
	assert.Equal(t, []string{models.EventBookingAccepted}, conns[2].events())

	ident, _ := h.Registry().Identity("customer")
	assert.Equal(t, RoleCustomer, ident.Role)
	assert.Equal(t, "C1", ident.CustomerID)
}

func TestCustomerJoinByCar(t *testing.T) {
	h := newTestHub()
	conns := connect(h, "driver", "customer")
	ctx := context.Background()

	require.NoError(t, h.Dispatch(ctx, conns[1], msg(t, models.EventCustomerJoinCar, `{"car_id":"V1","customer_id":"C1"}`)))
	got := conns[1].last(t)
	assert.Equal(t, models.EventBookingNotFound, got.event)
	assert.Equal(t, models.BookingNotFound{CarID: "V1", Message: "No active booking found for this car"}, got.payload)

	// a plain location update without booking does not make the car trackable
	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventLocationUpdate, `{"vehicle_id":"V1","lat":1,"lon":1}`)))
	require.NoError(t, h.Dispatch(ctx, conns[1], msg(t, models.EventCustomerJoinCar, `{"car_id":"V1","customer_id":"C1"}`)))
	assert.Equal(t, models.EventBookingNotFound, conns[1].last(t).event)

	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventLocationUpdate, `{"vehicle_id":"V1","lat":1,"lon":1,"booking_id":"B1"}`)))
	require.NoError(t, h.Dispatch(ctx, conns[1], msg(t, models.EventCustomerJoinCar, `{"car_id":"V1","customer_id":"C1"}`)))
	got = conns[1].last(t)
	assert.Equal(t, models.EventBookingStatus, got.event)
	snap := got.payload.(models.BookingSnapshot)
	assert.Equal(t, "B1", snap.BookingID)
	assert.Equal(t, "V1", snap.CarID)
}

func TestAdminJoinReceivesDashboard(t *testing.T) {
	h := newTestHub()
	conns := connect(h, "d1", "d2", "admin")
	ctx := context.Background()

	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventDriverJoin, `{"vehicle_id":"V1","driver_id":"D1"}`)))
	require.NoError(t, h.Dispatch(ctx, conns[1], msg(t, models.EventDriverJoin, `{"vehicle_id":"V2","driver_id":"D2"}`)))
	for _, u := range []string{
		`{"vehicle_id":"V1","lat":1,"lon":1}`,
		`{"vehicle_id":"V2","lat":2,"lon":2}`,
		`{"vehicle_id":"V1","lat":3,"lon":3}`,
	} {
		require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventLocationUpdate, u)))
	}
	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventBookingAccept, `{"booking_id":"B1","vehicle_id":"V1"}`)))
	h.Disconnect(conns[1])

	require.NoError(t, h.Dispatch(ctx, conns[2], msg(t, models.EventAdminJoin, `{}`)))
	got := conns[2].last(t)
	require.Equal(t, models.EventDashboardData, got.event)
	data := got.payload.(models.DashboardData)
	require.Len(t, data.Drivers, 1)
	assert.Equal(t, "V1", data.Drivers[0].VehicleID)
	require.Len(t, data.Bookings, 1)
	assert.Equal(t, "B1", data.Bookings[0].BookingID)

	ident, _ := h.Registry().Identity("admin")
	assert.Equal(t, RoleAdmin, ident.Role)
}

func TestDriverDisconnectBroadcastsOffline(t *testing.T) {
	h := newTestHub()
	conns := connect(h, "driver", "dash")
	ctx := context.Background()

	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventDriverJoin, `{"vehicle_id":"V1","driver_id":"D1","driver_name":"Alice"}`)))
	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventLocationUpdate, `{"vehicle_id":"V1","lat":1,"lon":1,"driver_id":"D1"}`)))

	h.Disconnect(conns[0])

	got := conns[1].last(t)
	assert.Equal(t, models.EventDriverOffline, got.event)
	assert.Equal(t, models.DriverOffline{VehicleID: "V1", DriverID: "D1"}, got.payload)
	assert.Empty(t, h.Store().ActiveDrivers())
	assert.Equal(t, 1, h.Registry().Count())

	// disconnected connections receive nothing further
	n := len(conns[0].events())
	h.BroadcastAll(models.EventLocationLive, nil)
	assert.Len(t, conns[0].events(), n)
}

func TestDriverKeepsRoleAfterOtherJoins(t *testing.T) {
	h := newTestHub()
	conns := connect(h, "driver", "dash")
	ctx := context.Background()

	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventDriverJoin, `{"vehicle_id":"V1","driver_id":"D1","driver_name":"Alice"}`)))
	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventLocationUpdate, `{"vehicle_id":"V1","lat":1,"lon":1,"driver_id":"D1"}`)))
	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventAdminJoin, nil)))
	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventCustomerJoinCar, `{"car_id":"V1"}`)))

	h.Disconnect(conns[0])

	assert.Equal(t, []string{models.EventDriverAvailable, models.EventLocationLive, models.EventDriverOffline}, conns[1].events())
	assert.Equal(t, models.DriverOffline{VehicleID: "V1", DriverID: "D1"}, conns[1].last(t).payload)
	assert.Empty(t, h.Store().ActiveDrivers())
}

func TestStaleDriverDisconnectKeepsReconnectedPosition(t *testing.T) {
	h := newTestHub()
	conns := connect(h, "old", "new", "dash")
	ctx := context.Background()
	join := `{"vehicle_id":"V1","driver_id":"D1","driver_name":"Alice"}`

	require.NoError(t, h.Dispatch(ctx, conns[0], msg(t, models.EventDriverJoin, join)))
	require.NoError(t, h.Dispatch(ctx, conns[1], msg(t, models.EventDriverJoin, join)))
	require.NoError(t, h.Dispatch(ctx, conns[1], msg(t, models.EventLocationUpdate, `{"vehicle_id":"V1","lat":1,"lon":1,"driver_id":"D1"}`)))

	h.Disconnect(conns[0])
	assert.Len(t, h.Store().ActiveDrivers(), 1)
	assert.NotContains(t, conns[2].events(), models.EventDriverOffline)

	h.Disconnect(conns[1])
	assert.Empty(t, h.Store().ActiveDrivers())
	assert.Equal(t, models.EventDriverOffline, conns[2].last(t).event)
}

func TestNonDriverDisconnectIsSilent(t *testing.T) {
	h := newTestHub()
	conns := connect(h, "customer", "dash")
	require.NoError(t, h.Dispatch(context.Background(), conns[0], msg(t, models.EventCustomerJoinCar, `{"car_id":"V1"}`)))

	h.Disconnect(conns[0])
	h.Disconnect(conns[0])
	assert.Empty(t, conns[1].events())
}

func TestBroadcastSkipsFailingRecipient(t *testing.T) {
	h := newTestHub()
	good := &fakeConn{id: "a"}
	bad := &fakeConn{id: "b", fail: true}
	tail := &fakeConn{id: "c"}
	for _, c := range []Conn{good, bad, tail} {
		h.Connect(c)
	}

	n := h.BroadcastAll(models.EventDriverAvailable, models.DriverAvailable{VehicleID: "V1"})
	assert.Equal(t, 2, n)
	assert.Len(t, good.events(), 1)
	assert.Len(t, tail.events(), 1)
}

func TestExternalIngressUsesSameValidation(t *testing.T) {
	h := newTestHub()
	conns := connect(h, "dash")

	err := h.UpdateLocation(context.Background(), models.LocationUpdate{VehicleID: "V1"})
	assert.True(t, apperr.IsValidationError(err))
	assert.Empty(t, conns[0].events())

	err = h.UpdateLocation(context.Background(), models.LocationUpdate{VehicleID: "V1", Lat: models.NewCoordinate(1), Lon: models.NewCoordinate(2)})
	require.NoError(t, err)
	assert.Equal(t, []string{models.EventLocationLive}, conns[0].events())
}

func TestEvictStaleAnnouncesOffline(t *testing.T) {
	now := testNow
	h := newTestHub(WithClock(func() time.Time { return now }))
	conns := connect(h, "dash")

	require.NoError(t, h.UpdateLocation(context.Background(), models.LocationUpdate{
		VehicleID: "V1", DriverID: "D1", Lat: models.NewCoordinate(1), Lon: models.NewCoordinate(2),
	}))

	assert.Empty(t, h.EvictStale(time.Minute))

	now = now.Add(2 * time.Minute)
	evicted := h.EvictStale(time.Minute)
	require.Len(t, evicted, 1)
	assert.Equal(t, models.DriverOffline{VehicleID: "V1", DriverID: "D1"}, conns[0].last(t).payload)
	assert.Empty(t, h.Store().ActiveDrivers())
}

func TestRunEvictionStopsOnCancel(t *testing.T) {
	h := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.RunEviction(ctx, time.Minute, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunEviction did not return")
	}

	// disabled ttl returns immediately
	h.RunEviction(context.Background(), 0, 0)
}
