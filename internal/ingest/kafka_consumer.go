package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"github.com/example/live-tracking/internal/errors"
	"github.com/example/live-tracking/internal/models"
	"github.com/example/live-tracking/internal/observability"
)

// LocationHandler receives decoded location updates, normally
// (*hub.Hub).UpdateLocation.
type LocationHandler func(ctx context.Context, u models.LocationUpdate) error

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// LocationConsumer feeds GPS telemetry published to Kafka into the hub, for
// devices that report over a message bus rather than a websocket.
type LocationConsumer struct {
	reader MessageReader
	handle LocationHandler
	logger *slog.Logger
	wait   func(ctx context.Context, d time.Duration) bool
}

func NewLocationConsumer(brokers []string, topic, group string, handle LocationHandler, logger *slog.Logger) *LocationConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
	return newLocationConsumer(r, handle, logger)
}

func newLocationConsumer(r MessageReader, handle LocationHandler, logger *slog.Logger) *LocationConsumer {
	return &LocationConsumer{reader: r, handle: handle, logger: logger, wait: waitContext}
}

// waitContext sleeps for d and reports false if ctx ends first.
func waitContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Run reads until ctx is cancelled. Read errors back off exponentially up to
// 30s; malformed messages are counted and skipped.
func (c *LocationConsumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			c.logger.Warn("kafka read error", "error", err, "backoff", wait)
			if !c.wait(ctx, wait) {
				return nil
			}
			continue
		}
		bo.Reset()
		c.handleMessage(ctx, m)
	}
}

func (c *LocationConsumer) handleMessage(ctx context.Context, m kafka.Message) {
	var u models.LocationUpdate
	if err := json.Unmarshal(m.Value, &u); err != nil {
		observability.IngestMessagesTotal.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid location message", "offset", m.Offset, "error", err)
		return
	}
	if u.VehicleID == "" && len(m.Key) > 0 {
		u.VehicleID = string(m.Key)
	}
	if err := c.handle(ctx, u); err != nil {
		outcome := "failed"
		if errors.IsValidationError(err) {
			outcome = "invalid"
		}
		observability.IngestMessagesTotal.WithLabelValues(outcome).Inc()
		c.logger.Warn("location message rejected", "offset", m.Offset, "vehicle_id", u.VehicleID, "error", err)
		return
	}
	observability.IngestMessagesTotal.WithLabelValues("ok").Inc()
}

func (c *LocationConsumer) Close() error {
	return c.reader.Close()
}
