// Command consumer mirrors the hub's location-live stream into a Redis GEO
// set so that non-realtime readers can query current positions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/live-tracking/internal/config"
	apperrors "github.com/example/live-tracking/internal/errors"
	"github.com/example/live-tracking/internal/geo"
	"github.com/example/live-tracking/internal/logging"
	"github.com/example/live-tracking/internal/models"
	"github.com/example/live-tracking/internal/observability"
)

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: healthRouter(rc)}
	go func() {
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	defer srv.Close()

	reader := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer reader.Close()

	logger.Info("mirror consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup, "geo_key", cfg.RedisGeoKey)
	run(ctx, reader, geo.NewMirror(geo.NewRedisUpdater(rc), cfg.RedisGeoKey), logger)
	logger.Info("mirror consumer stopped")
}

func healthRouter(rc *redis.Client) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/ready", func(w http.ResponseWriter, req *http.Request) {
		if err := rc.Ping(req.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	}).Methods(http.MethodGet)
	return r
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

type upserter interface {
	Upsert(ctx context.Context, s models.LocationSample) error
}

// run mirrors messages until ctx is cancelled.
func run(ctx context.Context, r messageReader, m upserter, logger *slog.Logger) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			logger.Warn("kafka read error", "error", err, "backoff", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		observability.MirrorMessagesTotal.WithLabelValues(mirror(ctx, m, msg, logger)).Inc()
	}
}

func mirror(ctx context.Context, m upserter, msg kafka.Message, logger *slog.Logger) string {
	s, err := decodeSample(msg)
	if err != nil {
		logger.Warn("invalid message", "offset", msg.Offset, "error", err)
		return "invalid"
	}
	if err := m.Upsert(ctx, s); err != nil {
		logger.Error("redis update failed", "vehicle_id", s.VehicleID, "error", err)
		return "failed"
	}
	return observability.OutcomeOK
}

// decodeSample parses a location-live message. The message key is the
// vehicle id and fills it in when the payload omits it.
func decodeSample(m kafka.Message) (models.LocationSample, error) {
	var s models.LocationSample
	if err := json.Unmarshal(m.Value, &s); err != nil {
		return s, apperrors.NewValidationError("", nil, err.Error())
	}
	if s.VehicleID == "" {
		s.VehicleID = string(m.Key)
	}
	if s.VehicleID == "" {
		return s, apperrors.Required("vehicle_id")
	}
	return s, nil
}
