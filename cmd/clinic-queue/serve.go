package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/eventsink"
	"qms/clinic-queue/internal/fanout"
	"qms/clinic-queue/internal/httpapi"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/realtime"
	"qms/clinic-queue/internal/redisclient"
	"qms/clinic-queue/internal/sequence"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/memory"
	"qms/clinic-queue/internal/store/postgres"
	"qms/clinic-queue/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "clinic-queue"

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and realtime feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, serviceName, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.RedisEnabled() {
		redisClient, err = redisclient.New(ctx, redisclient.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	var generator sequence.Generator = sequence.NewStoreGenerator(st)
	if cfg.Queue.SequenceBackend == config.BackendRedis {
		generator = sequence.NewRedisGenerator(redisClient, cfg.Redis.SequenceKeyTTL)
		logger.Warn("redis sequence backend: a failed ticket insert leaves a gap in that day's numbers")
	}

	hub := fanout.New(fanout.Options{
		InboxSize:        cfg.Fanout.Buffer,
		SubscriberBuffer: cfg.Fanout.SubscriberBuffer,
		Logger:           logger,
	})
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("start fanout: %w", err)
	}
	defer hub.Stop()

	if cfg.KafkaEnabled() {
		sink := eventsink.New(hub, eventsink.NewWriter(eventsink.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}), logger)
		go func() {
			if err := sink.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("event sink stopped", "error", err)
			}
			if err := sink.Close(); err != nil {
				logger.Warn("close kafka writer", "error", err)
			}
		}()
		logger.Info("exporting ticket events", "topic", cfg.Kafka.Topic)
	}

	service := queue.NewService(st, generator, hub, clock.Real(), queue.Options{
		Location:        cfg.Location(),
		SingleOccupancy: cfg.Queue.SingleOccupancy,
		Logger:          logger,
	})

	routerOpts := httpapi.RouterOptions{
		Logger: logger,
		RateLimit: httpapi.RateLimitConfig{
			IPPerMinute:     cfg.RateLimit.PerMinute,
			IPBurst:         cfg.RateLimit.Burst,
			ClinicPerMinute: cfg.RateLimit.ClinicPerMinute,
			ClinicBurst:     cfg.RateLimit.ClinicBurst,
		},
		Realtime: realtime.NewHandler(hub, logger).HTTPHandler("/realtime"),
	}
	if redisClient != nil {
		routerOpts.Idempotency = httpapi.NewRedisIdempotencyStore(redisClient, cfg.Redis.IdempotencyTTL)
	}
	router := httpapi.NewRouter(httpapi.NewHandler(service), routerOpts)

	// Read and write timeouts would cut long-lived realtime streams.
	server := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           otelhttp.NewHandler(router, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("clinic-queue listening",
			"addr", server.Addr,
			"store", cfg.Queue.StoreBackend,
			"sequence", cfg.Queue.SequenceBackend,
			"timezone", cfg.Location().String(),
			"single_occupancy", cfg.Queue.SingleOccupancy)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.TicketStore, func(), error) {
	if cfg.Queue.StoreBackend == config.BackendMemory {
		st := memory.NewStore()
		seedMemoryStore(st, cfg.Seed)
		logger.Warn("memory store: tickets are lost on restart",
			"clinics", len(cfg.Seed.Clinics),
			"patients", len(cfg.Seed.Patients))
		return st, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	return postgres.NewStore(pool), pool.Close, nil
}

func seedMemoryStore(st *memory.Store, seed config.Seed) {
	for _, clinic := range seed.Clinics {
		st.PutClinic(models.Clinic{
			ClinicID: clinic.ID,
			Name:     clinic.Name,
			Active:   !clinic.Inactive,
		})
	}
	for _, patient := range seed.Patients {
		st.PutPatient(models.Patient{
			PatientID: patient.ID,
			FullName:  patient.FullName,
		})
	}
}
