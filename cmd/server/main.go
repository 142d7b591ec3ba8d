package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/live-tracking/internal/config"
	httpapi "github.com/example/live-tracking/internal/http"
	"github.com/example/live-tracking/internal/hub"
	"github.com/example/live-tracking/internal/ingest"
	"github.com/example/live-tracking/internal/logging"
	"github.com/example/live-tracking/internal/storage"
	"github.com/example/live-tracking/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	trips := openTripLog(ctx, cfg, logger)
	if c, ok := trips.(io.Closer); ok {
		defer c.Close()
	}

	opts := []hub.Option{hub.WithTripRecorder(trips)}
	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLiveTopic, logger)
		opts = append(opts, hub.WithPublisher(producer))
		defer producer.Close()
	}
	h := hub.New(tracking.NewStore(), logger, opts...)
	defer h.Close()

	if len(cfg.KafkaBrokers) > 0 {
		consumer := ingest.NewLocationConsumer(cfg.KafkaBrokers, cfg.KafkaIngestTopic, cfg.KafkaGroup, h.UpdateLocation, logger)
		defer consumer.Close()
		go func() {
			logger.Info("kafka ingest started", "topic", cfg.KafkaIngestTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
			_ = consumer.Run(ctx)
		}()
	}

	if cfg.DriverTTL > 0 {
		logger.Info("stale driver eviction enabled", "ttl", cfg.DriverTTL, "interval", cfg.DriverSweepInterval)
		go h.RunEviction(ctx, cfg.DriverTTL, cfg.DriverSweepInterval)
	}

	api := httpapi.NewServer(h, logger, httpapi.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		SendBuffer:     cfg.WSSendBuffer,
		Trips:          trips,
		BaseContext:    ctx,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}()

	logger.Info("live tracking hub listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("live tracking hub stopped")
}

// openTripLog uses Postgres when PG_DSN is set, falling back to memory so the
// hub still runs without a database.
func openTripLog(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) storage.TripLog {
	if cfg.PGDSN == "" {
		return storage.NewMemoryStore()
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres unavailable, trip log kept in memory", "error", err)
		return storage.NewMemoryStore()
	}
	if cfg.RunMigrations {
		b, err := os.ReadFile(filepath.Join("migrations", "001_create_trip_events.sql"))
		if err != nil {
			logger.Error("migration read error", "error", err)
		} else if err := ps.Migrate(ctx, string(b)); err != nil {
			logger.Error("migration exec error", "error", err)
		} else {
			logger.Info("migration applied", "file", "001_create_trip_events.sql")
		}
	}
	return ps
}
