// Package tracking holds the authoritative live state of the hub: the last
// position of every active vehicle, the snapshot of every booking seen since
// start, and the vehicle to booking index used to track by car.
//
// All three maps are guarded by one mutex because several operations touch
// more than one of them at once.
package tracking

import (
	"sync"
	"time"

	"github.com/example/live-tracking/internal/models"
)

type Store struct {
	mu          sync.RWMutex
	drivers     map[string]models.LocationSample
	bookings    map[string]*models.BookingSnapshot
	carBookings map[string]string
	now         func() time.Time
}

func NewStore() *Store {
	return &Store{
		drivers:     make(map[string]models.LocationSample),
		bookings:    make(map[string]*models.BookingSnapshot),
		carBookings: make(map[string]string),
		now:         time.Now,
	}
}

// WithClock replaces the time source used for status timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// UpsertLocation stores the sample as the vehicle's current position
// (last write wins). When the sample carries a booking id the booking's
// location view and the vehicle index are updated too.
func (s *Store) UpsertLocation(sample models.LocationSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[sample.VehicleID] = sample
	if sample.BookingID == "" {
		return
	}
	b, ok := s.bookings[sample.BookingID]
	if !ok {
		b = &models.BookingSnapshot{BookingID: sample.BookingID}
		s.bookings[sample.BookingID] = b
	}
	lat, lon := sample.Lat, sample.Lon
	b.VehicleID = sample.VehicleID
	if sample.DriverID != "" {
		b.DriverID = sample.DriverID
	}
	b.Lat, b.Lon = &lat, &lon
	b.TS = sample.TS
	s.carBookings[sample.VehicleID] = sample.BookingID
}

// AcceptBooking creates or overwrites the booking with status accepted.
func (s *Store) AcceptBooking(ev models.BookingEvent) models.BookingSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &models.BookingSnapshot{
		BookingID: ev.BookingID,
		VehicleID: ev.VehicleID,
		DriverID:  ev.DriverID,
		Status:    models.StatusAccepted,
		TS:        s.stamp(),
	}
	s.bookings[ev.BookingID] = b
	if ev.VehicleID != "" {
		s.carBookings[ev.VehicleID] = ev.BookingID
	}
	return *b
}

// StartTrip marks an existing booking as started. It reports false when the
// booking is unknown or already past that state, leaving state untouched.
func (s *Store) StartTrip(bookingID string) (models.BookingSnapshot, bool) {
	return s.advance(bookingID, models.StatusStarted)
}

// CompleteTrip marks an existing booking as completed.
func (s *Store) CompleteTrip(bookingID string) (models.BookingSnapshot, bool) {
	return s.advance(bookingID, models.StatusCompleted)
}

func (s *Store) advance(bookingID string, status models.BookingStatus) (models.BookingSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[bookingID]
	if !ok {
		return models.BookingSnapshot{}, false
	}
	if b.Status.Rank() >= status.Rank() {
		return *b, false
	}
	now := s.stamp()
	b.Status = status
	switch status {
	case models.StatusStarted:
		b.StartTime = now
	case models.StatusCompleted:
		b.EndTime = now
	}
	return *b, true
}

// RemoveDriver drops the vehicle's position. The vehicle index is left alone.
func (s *Store) RemoveDriver(vehicleID string) (models.LocationSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sample, ok := s.drivers[vehicleID]
	if ok {
		delete(s.drivers, vehicleID)
	}
	return sample, ok
}

// EvictStale removes every position received before cutoff and returns the
// evicted samples.
func (s *Store) EvictStale(cutoff time.Time) []models.LocationSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LocationSample
	for id, sample := range s.drivers {
		if sample.ReceivedAt.Before(cutoff) {
			out = append(out, sample)
			delete(s.drivers, id)
		}
	}
	sortSamples(out)
	return out
}
