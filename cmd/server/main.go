package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/api"
	"github.com/dennisdiepolder/monti/handoff/internal/assignment"
	"github.com/dennisdiepolder/monti/handoff/internal/auth"
	"github.com/dennisdiepolder/monti/handoff/internal/config"
	"github.com/dennisdiepolder/monti/handoff/internal/events"
	"github.com/dennisdiepolder/monti/handoff/internal/handoff"
	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/presence"
	"github.com/dennisdiepolder/monti/handoff/internal/queue"
	"github.com/dennisdiepolder/monti/handoff/internal/storage"
	"github.com/dennisdiepolder/monti/handoff/internal/supabase"
	"github.com/dennisdiepolder/monti/handoff/internal/ticker"
	"github.com/dennisdiepolder/monti/handoff/internal/websocket"
	"github.com/dennisdiepolder/monti/handoff/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("store_driver", cfg.StoreDriver).
		Str("record_store", cfg.RecordStore).
		Str("ticket_backend", cfg.TicketBackend).
		Bool("broker", cfg.BrokerURL != "").
		Msg("starting handoff server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build application")
	}
	defer a.close()

	go a.hub.Run(ctx)
	go a.worker.Start(ctx)
	go a.ticker.Start(ctx)
	if a.consumer != nil {
		go func() {
			if err := a.consumer.RunWithReconnect(ctx); err != nil {
				log.Error().Err(err).Msg("event consumer stopped")
			}
		}()
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Stop hub, worker, ticker and consumer
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// app holds the wired components of the server
type app struct {
	router   http.Handler
	hub      *websocket.Hub
	worker   *assignment.Worker
	ticker   *ticker.Ticker
	consumer *events.Consumer
	closers  []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("error during shutdown")
		}
	}
}

type recordStore interface {
	storage.HandoffStore
	storage.NotificationStore
}

// build wires every component selected by cfg
func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}
	m := metrics.Get()

	// Presence, queue and idempotency markers
	var (
		reg    presence.Registry
		q      queue.Manager
		marker events.Marker
	)
	switch cfg.StoreDriver {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("invalid REDIS_URL: %w", err))
		}
		rdb := redis.NewClient(opts)
		a.closers = append(a.closers, rdb.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return fail(fmt.Errorf("failed to reach redis: %w", err))
		}
		reg = presence.NewRedisRegistry(rdb, cfg.PresenceTTL)
		q = queue.NewRedisManager(rdb, cfg.QueueRetention)
		marker = events.NewRedisMarker(rdb, cfg.IdempotencyTTL)
	default:
		reg = presence.NewMemoryRegistry(cfg.PresenceTTL)
		q = queue.NewMemoryManager(cfg.QueueRetention)
		marker = events.NewMemoryMarker(cfg.IdempotencyTTL)
	}

	// Durable records
	var sqlite *storage.SQLiteStore
	if cfg.RecordStore == "sqlite" || cfg.TicketBackend == "sqlite" {
		s, err := storage.NewSQLiteStore(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return fail(err)
		}
		sqlite = s
		a.closers = append(a.closers, s.Close)
	}

	var records recordStore = sqlite
	if cfg.RecordStore == "dynamo" {
		d, err := storage.NewDynamoDBStore(ctx, storage.LoadDynamoConfig(), logger)
		if err != nil {
			return fail(err)
		}
		records = d
	}

	var (
		tickets       storage.TicketStore       = sqlite
		conversations storage.ConversationStore = sqlite
	)
	if cfg.TicketBackend == "supabase" {
		sb, err := supabase.New(supabase.Config{URL: cfg.SupabaseURL, APIKey: cfg.SupabaseKey})
		if err != nil {
			return fail(err)
		}
		tickets, conversations = sb, sb
	}

	// Event pipeline
	proc := events.NewProcessor(records, tickets, marker, logger)
	var pub events.Publisher
	if cfg.BrokerURL != "" {
		dialOpts := events.ConnectionOptions{
			URL:           cfg.BrokerURL,
			RetryAttempts: 5,
			Delay:         time.Second,
			Logger:        logger,
		}
		conn, err := events.DialWithRetry(ctx, dialOpts)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, func() error { return closeConn(conn) })

		rp, err := events.NewRabbitPublisher(conn, cfg.BrokerExchange, cfg.EventMessageTTL, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to set up publisher: %w", err))
		}
		pub = rp
		a.consumer = events.NewConsumer(conn, cfg.BrokerExchange, cfg.BrokerQueue, cfg.ConsumerWorkers, proc, logger).
			WithRedial(dialOpts)
		a.closers = append(a.closers, a.consumer.Close)
	} else {
		logger.Warn().Msg("BROKER_URL not set, events are applied in-process")
	}
	dispatcher := events.NewDispatcher(pub, proc, logger)

	// Workflow and assignment
	profiles, err := assignment.LoadProfiles(cfg.RoutingProfilesPath)
	if err != nil {
		return fail(err)
	}
	a.hub = websocket.NewHub(logger)
	svc := handoff.NewService(handoff.Deps{
		Handoffs:      records,
		Tickets:       tickets,
		Conversations: conversations,
		Presence:      reg,
		Queue:         q,
		Notifier:      a.hub,
		Events:        dispatcher,
		Topics:        profiles.InferTopic,
		Metrics:       m,
		PresenceTTL:   cfg.PresenceTTL,
	}, logger)
	a.ticker = ticker.NewTicker(q, svc, cfg.QueueUpdateInterval, logger)
	engine := assignment.NewEngine(svc, reg, q, profiles, logger)
	a.worker = assignment.NewWorker(engine, q, cfg.AssignmentRescanInterval, logger)
	svc.SetTrigger(a.worker)

	// HTTP surface
	verifier, err := auth.NewVerifier(auth.Config{
		Secret:     cfg.JWTSecret,
		OIDCIssuer: cfg.OIDCIssuer,
		SkipAuth:   cfg.SkipAuth,
	}, logger)
	if err != nil {
		return fail(err)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(m))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", healthHandler)
	r.Get("/metrics", m.Handler())
	r.Get("/ws", websocket.NewHandler(a.hub, verifier, svc, cfg, logger).WithSessionGuard(svc).ServeHTTP)
	api.Mount(r, svc, verifier, dispatcher, logger)

	a.router = r
	return a, nil
}

func closeConn(conn *amqp.Connection) error {
	if conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"handoff"}`)
}
