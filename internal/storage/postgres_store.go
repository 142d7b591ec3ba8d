package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/live-tracking/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate executes a schema script, e.g. migrations/001_create_trip_events.sql.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

// RecordTransition inserts ev with the time the hub applied it, so History
// order does not depend on when the write reached the database.
func (p *PostgresStore) RecordTransition(ctx context.Context, ev models.TripEvent) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO trip_events(booking_id, vehicle_id, driver_id, status, recorded_at) VALUES($1,$2,$3,$4,$5)`,
		ev.BookingID, ev.VehicleID, ev.DriverID, string(ev.Status), ev.RecordedAt.UTC())
	return err
}

func (p *PostgresStore) History(ctx context.Context, bookingID string) ([]models.TripEvent, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT booking_id, vehicle_id, driver_id, status, recorded_at FROM trip_events WHERE booking_id=$1 ORDER BY recorded_at, id`,
		bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TripEvent
	for rows.Next() {
		var (
			ev     models.TripEvent
			status string
		)
		if err := rows.Scan(&ev.BookingID, &ev.VehicleID, &ev.DriverID, &status, &ev.RecordedAt); err != nil {
			return nil, err
		}
		ev.Status = models.BookingStatus(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
