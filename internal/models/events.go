package models

import "encoding/json"

// Inbound event names.
const (
	EventLocationUpdate  = "location:update"
	EventDriverJoin      = "driver:join"
	EventBookingAccept   = "booking:accept"
	EventTripStart       = "trip:start"
	EventTripComplete    = "trip:complete"
	EventCustomerJoin    = "customer:join"
	EventCustomerJoinCar = "customer:join:car"
	EventAdminJoin       = "admin:join"
)

// Outbound event names.
const (
	EventLocationLive    = "location:live"
	EventDriverAvailable = "driver:available"
	EventDriverOffline   = "driver:offline"
	EventBookingAccepted = "booking:accepted"
	EventTripStarted     = "trip:started"
	EventTripCompleted   = "trip:completed"
	EventBookingStatus   = "booking:status"
	EventBookingNotFound = "booking:notfound"
	EventDashboardData   = "dashboard:data"
	EventError           = "error"
)

// Message is the frame exchanged over the realtime transport.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type DriverAvailable struct {
	VehicleID  string `json:"vehicle_id"`
	DriverID   string `json:"driver_id"`
	DriverName string `json:"driver_name"`
	Status     string `json:"status"`
}

type DriverOffline struct {
	VehicleID string `json:"vehicle_id"`
	DriverID  string `json:"driver_id"`
}

// BookingTransition is broadcast for booking:accepted, trip:started and
// trip:completed.
type BookingTransition struct {
	BookingID string        `json:"booking_id"`
	VehicleID string        `json:"vehicle_id"`
	DriverID  string        `json:"driver_id"`
	Status    BookingStatus `json:"status"`
}

type BookingNotFound struct {
	BookingID string `json:"booking_id,omitempty"`
	CarID     string `json:"car_id,omitempty"`
	Message   string `json:"message"`
}

type DashboardData struct {
	Drivers  []LocationSample  `json:"drivers"`
	Bookings []BookingSnapshot `json:"bookings"`
}

// ErrorPayload is replied to a sender whose event was rejected.
type ErrorPayload struct {
	Event   string `json:"event"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}
