package tracking

import (
	"sort"

	"github.com/example/live-tracking/internal/errors"
	"github.com/example/live-tracking/internal/models"
)

// ActiveDrivers returns every current position ordered by vehicle id.
func (s *Store) ActiveDrivers() []models.LocationSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.driversLocked()
}

// ActiveBookings returns every known booking ordered by booking id.
func (s *Store) ActiveBookings() []models.BookingSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bookingsLocked()
}

// Dashboard returns drivers and bookings from one consistent read.
func (s *Store) Dashboard() models.DashboardData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.DashboardData{Drivers: s.driversLocked(), Bookings: s.bookingsLocked()}
}

func (s *Store) Booking(bookingID string) (models.BookingSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[bookingID]
	if !ok {
		return models.BookingSnapshot{}, errors.NewNotFoundError("booking", bookingID)
	}
	return *b, nil
}

// BookingByVehicle resolves the vehicle through the index. An index entry
// whose booking is unknown is reported as not found.
func (s *Store) BookingByVehicle(vehicleID string) (models.BookingSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bookingID, ok := s.carBookings[vehicleID]
	if !ok {
		return models.BookingSnapshot{}, errors.NewNotFoundError("vehicle", vehicleID)
	}
	b, ok := s.bookings[bookingID]
	if !ok {
		return models.BookingSnapshot{}, errors.NewNotFoundError("booking", bookingID)
	}
	out := *b
	out.CarID = vehicleID
	return out, nil
}

// DriverCount is the number of vehicles with a live position.
func (s *Store) DriverCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.drivers)
}

func (s *Store) driversLocked() []models.LocationSample {
	out := make([]models.LocationSample, 0, len(s.drivers))
	for _, d := range s.drivers {
		out = append(out, d)
	}
	sortSamples(out)
	return out
}

func (s *Store) bookingsLocked() []models.BookingSnapshot {
	out := make([]models.BookingSnapshot, 0, len(s.bookings))
	for _, b := range s.bookings {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookingID < out[j].BookingID })
	return out
}

func sortSamples(samples []models.LocationSample) {
	sort.Slice(samples, func(i, j int) bool { return samples[i].VehicleID < samples[j].VehicleID })
}
