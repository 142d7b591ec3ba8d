package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/example/live-tracking/internal/errors"
)

// Coordinate is a latitude or longitude as sent by driver clients. Some
// clients send numbers, others send numeric strings; both are accepted and
// the value is only interpreted by Float.
type Coordinate struct {
	raw     string
	present bool
}

// NewCoordinate builds a Coordinate from a float, mostly for Go callers.
func NewCoordinate(v float64) Coordinate {
	return Coordinate{raw: strconv.FormatFloat(v, 'f', -1, 64), present: true}
}

func (c *Coordinate) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	c.raw = strings.TrimSpace(s)
	c.present = true
	return nil
}

func (c Coordinate) MarshalJSON() ([]byte, error) {
	if !c.present {
		return []byte("null"), nil
	}
	return json.Marshal(c.raw)
}

// Float parses the coordinate and checks it lies within [-limit, limit].
func (c Coordinate) Float(field string, limit float64) (float64, error) {
	if !c.present || c.raw == "" {
		return 0, errors.Required(field)
	}
	f, err := strconv.ParseFloat(c.raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.NewValidationError(field, c.raw, "must be a number")
	}
	if f < -limit || f > limit {
		return 0, errors.NewValidationError(field, f, "out of range")
	}
	return f, nil
}

// LocationUpdate is the inbound location:update payload.
type LocationUpdate struct {
	VehicleID string     `json:"vehicle_id"`
	Lat       Coordinate `json:"lat"`
	Lon       Coordinate `json:"lon"`
	TS        string     `json:"ts"`
	DriverID  string     `json:"driver_id"`
	BookingID string     `json:"booking_id,omitempty"`
}

// Sample validates the update and converts it into a LocationSample.
// A missing ts is filled from receivedAt.
func (u LocationUpdate) Sample(receivedAt time.Time) (LocationSample, error) {
	if strings.TrimSpace(u.VehicleID) == "" {
		return LocationSample{}, errors.Required("vehicle_id")
	}
	lat, err := u.Lat.Float("lat", 90)
	if err != nil {
		return LocationSample{}, err
	}
	lon, err := u.Lon.Float("lon", 180)
	if err != nil {
		return LocationSample{}, err
	}
	ts := u.TS
	if ts == "" {
		ts = receivedAt.UTC().Format(time.RFC3339)
	}
	return LocationSample{
		VehicleID:  u.VehicleID,
		Lat:        lat,
		Lon:        lon,
		TS:         ts,
		DriverID:   u.DriverID,
		BookingID:  u.BookingID,
		ReceivedAt: receivedAt,
	}, nil
}

// LocationSample is the last known position of a vehicle.
type LocationSample struct {
	VehicleID  string    `json:"vehicle_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	TS         string    `json:"ts"`
	DriverID   string    `json:"driver_id"`
	BookingID  string    `json:"booking_id,omitempty"`
	ReceivedAt time.Time `json:"-"`
}

type BookingStatus string

const (
	StatusAccepted  BookingStatus = "accepted"
	StatusStarted   BookingStatus = "started"
	StatusCompleted BookingStatus = "completed"
)

// Rank orders statuses along the lifecycle; unknown or empty is 0.
func (s BookingStatus) Rank() int {
	switch s {
	case StatusAccepted:
		return 1
	case StatusStarted:
		return 2
	case StatusCompleted:
		return 3
	default:
		return 0
	}
}

// BookingSnapshot is the live view of one booking. Status is empty when the
// booking is only known from location updates.
type BookingSnapshot struct {
	BookingID string        `json:"booking_id"`
	CarID     string        `json:"car_id,omitempty"`
	VehicleID string        `json:"vehicle_id"`
	DriverID  string        `json:"driver_id"`
	Status    BookingStatus `json:"status,omitempty"`
	TS        string        `json:"ts,omitempty"`
	StartTime string        `json:"start_time,omitempty"`
	EndTime   string        `json:"end_time,omitempty"`
	Lat       *float64      `json:"lat,omitempty"`
	Lon       *float64      `json:"lon,omitempty"`
}

// BookingEvent is the payload of booking:accept, trip:start and trip:complete.
type BookingEvent struct {
	BookingID string `json:"booking_id"`
	VehicleID string `json:"vehicle_id"`
	DriverID  string `json:"driver_id"`
}

func (e BookingEvent) Validate() error {
	if strings.TrimSpace(e.BookingID) == "" {
		return errors.Required("booking_id")
	}
	return nil
}

type DriverJoin struct {
	VehicleID  string `json:"vehicle_id"`
	DriverID   string `json:"driver_id"`
	DriverName string `json:"driver_name"`
}

func (j DriverJoin) Validate() error {
	if strings.TrimSpace(j.VehicleID) == "" {
		return errors.Required("vehicle_id")
	}
	if strings.TrimSpace(j.DriverID) == "" {
		return errors.Required("driver_id")
	}
	return nil
}

type CustomerJoin struct {
	BookingID  string `json:"booking_id"`
	CustomerID string `json:"customer_id"`
}

func (j CustomerJoin) Validate() error {
	if strings.TrimSpace(j.BookingID) == "" {
		return errors.Required("booking_id")
	}
	return nil
}

type CustomerCarJoin struct {
	CarID      string `json:"car_id"`
	CustomerID string `json:"customer_id"`
}

func (j CustomerCarJoin) Validate() error {
	if strings.TrimSpace(j.CarID) == "" {
		return errors.Required("car_id")
	}
	return nil
}

// TripEvent is one booking status transition, stamped when the hub applied it.
type TripEvent struct {
	BookingID  string
	VehicleID  string
	DriverID   string
	Status     BookingStatus
	RecordedAt time.Time
}

// TripEventFrom builds the transition record for a snapshot.
func TripEventFrom(b BookingSnapshot, at time.Time) TripEvent {
	return TripEvent{
		BookingID:  b.BookingID,
		VehicleID:  b.VehicleID,
		DriverID:   b.DriverID,
		Status:     b.Status,
		RecordedAt: at.UTC(),
	}
}
