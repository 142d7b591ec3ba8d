package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/live-tracking/internal/dispatch"
	"github.com/example/live-tracking/internal/errors"
	"github.com/example/live-tracking/internal/hub"
	"github.com/example/live-tracking/internal/models"
	"github.com/example/live-tracking/internal/storage"
)

type Options struct {
	AllowedOrigins []string
	SendBuffer     int
	// Trips enables GET /booking/{id}/history when set.
	Trips storage.TripLog
	// BaseContext is cancelled on shutdown to close realtime sessions.
	BaseContext context.Context
}

type Server struct {
	hub      *hub.Hub
	trips    storage.TripLog
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
	origins  originPolicy
	buffer   int
	baseCtx  context.Context
}

func NewServer(h *hub.Hub, logger *slog.Logger, opts Options) *Server {
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	s := &Server{
		hub:     h,
		trips:   opts.Trips,
		logger:  logger,
		mux:     mux.NewRouter(),
		origins: newOriginPolicy(opts.AllowedOrigins),
		buffer:  opts.SendBuffer,
		baseCtx: opts.BaseContext,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return s.origins.allows(r.Header.Get("Origin")) },
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	get := []string{http.MethodGet, http.MethodOptions}

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")

	for _, prefix := range []string{"", "/api/live-tracking"} {
		drivers, bookings := "/active-drivers", "/active-bookings"
		if prefix != "" {
			drivers, bookings = "/drivers", "/bookings"
		}
		s.mux.HandleFunc(prefix+drivers, s.handleActiveDrivers).Methods(get...)
		s.mux.HandleFunc(prefix+bookings, s.handleActiveBookings).Methods(get...)
		s.mux.HandleFunc(prefix+"/booking/{id}", s.handleBooking).Methods(get...)
		s.mux.HandleFunc(prefix+"/car/{vehicleId}", s.handleCar).Methods(get...)
		if s.trips != nil {
			s.mux.HandleFunc(prefix+"/booking/{id}/history", s.handleBookingHistory).Methods(get...)
		}
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleActiveDrivers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Store().ActiveDrivers())
}

func (s *Server) handleActiveBookings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Store().ActiveBookings())
}

func (s *Server) handleBooking(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b, err := s.hub.Store().Booking(id)
	if err != nil {
		s.writeLookupError(w, err, map[string]string{"message": "Booking not found"})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCar(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["vehicleId"]
	b, err := s.hub.Store().BookingByVehicle(vehicleID)
	if err != nil {
		msg := "No booking found for car"
		var nf *errors.NotFoundError
		if errors.As(err, &nf) && nf.Resource == "booking" {
			msg = "Booking not found for car"
		}
		s.writeLookupError(w, err, map[string]string{"message": msg, "car_id": vehicleID})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBookingHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, err := s.trips.History(r.Context(), id)
	if err != nil {
		s.logger.Error("trip history lookup failed", "booking_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "history unavailable"})
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "No trip events for booking"})
		return
	}
	type item struct {
		BookingID  string `json:"booking_id"`
		VehicleID  string `json:"vehicle_id"`
		DriverID   string `json:"driver_id"`
		Status     string `json:"status"`
		RecordedAt string `json:"recorded_at"`
	}
	out := make([]item, 0, len(events))
	for _, ev := range events {
		out = append(out, item{ev.BookingID, ev.VehicleID, ev.DriverID, string(ev.Status), ev.RecordedAt.Format(time.RFC3339Nano)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error, body map[string]string) {
	if errors.IsNotFound(err) {
		writeJSON(w, http.StatusNotFound, body)
		return
	}
	s.logger.Error("lookup failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		s.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", remoteIP(r))
		return
	}
	sess := dispatch.NewWSSession(uuid.NewString(), conn, s.buffer)
	log := s.logger.With("conn_id", sess.ID(), "remote_addr", remoteIP(r))
	log.Info("client connected")

	s.hub.Connect(sess)
	go sess.WritePump(s.baseCtx)

	ctx := r.Context()
	err = sess.ReadPump(func(m models.Message) {
		_ = s.hub.Dispatch(ctx, sess, m)
	})
	s.hub.Disconnect(sess)
	_ = sess.Close()
	if err != nil {
		log.Info("client disconnected", "error", err)
		return
	}
	log.Info("client disconnected")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
