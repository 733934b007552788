package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/ai-response-service/internal/api/handler"
	"github.com/cuongbtq/ai-response-service/internal/api/router"
	"github.com/cuongbtq/ai-response-service/internal/config"
	"github.com/cuongbtq/ai-response-service/internal/conversation"
	convmemory "github.com/cuongbtq/ai-response-service/internal/conversation/memory"
	convpostgres "github.com/cuongbtq/ai-response-service/internal/conversation/postgres"
	"github.com/cuongbtq/ai-response-service/internal/events"
	"github.com/cuongbtq/ai-response-service/internal/generation"
	"github.com/cuongbtq/ai-response-service/internal/metrics"
	"github.com/cuongbtq/ai-response-service/internal/queue"
	queuememory "github.com/cuongbtq/ai-response-service/internal/queue/memory"
	queuepostgres "github.com/cuongbtq/ai-response-service/internal/queue/postgres"
	"github.com/cuongbtq/ai-response-service/internal/realtime"
	"github.com/cuongbtq/ai-response-service/internal/responder"
	"github.com/cuongbtq/ai-response-service/internal/responses"
	"github.com/cuongbtq/ai-response-service/internal/worker"
	"github.com/cuongbtq/ai-response-service/shared/logger"
	"github.com/cuongbtq/ai-response-service/shared/postgresql"
	"github.com/cuongbtq/ai-response-service/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics, err := metrics.New(promRegistry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// Connection registry
	registry := realtime.NewRegistry(
		realtime.WithHeartbeatInterval(cfg.Realtime.HeartbeatInterval),
		realtime.WithRecorder(appMetrics),
		realtime.WithLogger(appLogger.Logger),
	)

	catalogue := initCatalogue(&cfg.Generation)
	generator := initGenerator(&cfg.Generation, catalogue, appLogger.Logger)

	// Pick the job store strategy
	var (
		mode         = router.ModeDurable
		jobStore     queue.Store
		convStore    conversation.Store
		dbClient     *postgresql.Client
		rabbitClient *rabbitmq.Client
		pool         *worker.Pool
		relay        *events.Relay
		janitor      *worker.Janitor
	)

	dbClient, err = initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		appLogger.Warn("PostgreSQL unreachable, running with the in-process job store",
			slog.Any("error", err),
		)
		mode = router.ModeEphemeral
		dbClient = nil
	}

	// Cleanup function to close all resources
	defer func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}()

	var serviceOpts []responses.Option

	if mode == router.ModeDurable {
		pgJobs := queuepostgres.New(dbClient.GetDB(), appLogger.Logger)
		pgMessages := convpostgres.New(dbClient.GetDB(), appLogger.Logger)
		if cfg.Database.AutoMigrate {
			if err := pgJobs.Migrate(ctx); err != nil {
				return err
			}
			if err := pgMessages.Migrate(ctx); err != nil {
				return err
			}
		}
		jobStore, convStore = pgJobs, pgMessages

		rabbitClient, err = initRabbitMQ(ctx, &cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}

		appLogger.Info("RabbitMQ connection established")

		// Every API instance gets its own queue of user events
		eventQueue, err := rabbitClient.DeclareQueue(rabbitmq.QueueSpec{
			Exclusive:  true,
			AutoDelete: true,
		}, events.UserBindingKey)
		if err != nil {
			return fmt.Errorf("failed to declare event queue: %w", err)
		}
		relay = events.NewRelay(rabbitClient, eventQueue, registry, appLogger.Logger)

		serviceOpts = append(serviceOpts, responses.WithWaker(worker.NewWakeNotifier(rabbitClient)))
	} else {
		memJobs := queuememory.New()
		jobStore, convStore = memJobs, convmemory.New()

		// Jobs run in this process and report straight to local connections
		pool = worker.New(memJobs, cfg.Worker.QueueName,
			responder.New(generator, convStore, registry, catalogue, appLogger.Logger),
			workerOptions(cfg, appLogger.Logger, appMetrics)...,
		)
		janitor = worker.NewJanitor(memJobs, []string{cfg.Worker.QueueName}, retentionPolicy(&cfg.Queue),
			cfg.Queue.CleanupInterval, appMetrics, appLogger.Logger)
	}

	serviceOpts = append(serviceOpts,
		responses.WithResponder(responder.New(generator, convStore, nil, catalogue, appLogger.Logger)),
		responses.WithMaxAttempts(cfg.Queue.DefaultMaxAttempts),
		responses.WithLogger(appLogger.Logger),
	)
	service := responses.NewService(jobStore, cfg.Worker.QueueName, serviceOpts...)

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, mode, service, jobStore, registry, promRegistry)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if cfg.Server.SyncTimeout >= srv.WriteTimeout {
		srv.WriteTimeout = cfg.Server.SyncTimeout + 5*time.Second
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
			slog.String("store", mode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return registry.Run(gctx)
	})

	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx, fmt.Sprintf("%s-events-%s", cfg.App.Name, uuid.NewString()[:8]))
		})
	}

	if pool != nil {
		if err := pool.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			return janitor.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		registry.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		}
		if pool != nil {
			if err := pool.Close(shutdownCtx); err != nil {
				appLogger.Warn("Worker pool did not drain", slog.Any("error", err))
			}
		}
		return nil
	})

	appLogger.Info("API service is running", slog.String("address", addr))

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableSource,
		TimeFormat:   timeFormat,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}

	return rabbitmq.NewClient(ctx, rabbitConfig, logger)
}

// initCatalogue builds the persona catalogue from configuration
func initCatalogue(cfg *config.GenerationConfig) *generation.Catalogue {
	personas := make([]generation.Persona, len(cfg.Personas))
	for i, p := range cfg.Personas {
		personas[i] = generation.Persona{
			ID:           p.ID,
			Name:         p.Name,
			Description:  p.Description,
			AvatarURL:    p.AvatarURL,
			SystemPrompt: p.SystemPrompt,
		}
	}
	return generation.NewCatalogue(personas...)
}

// initGenerator initializes the chat completion client
func initGenerator(cfg *config.GenerationConfig, catalogue *generation.Catalogue, logger *slog.Logger) *generation.Client {
	return generation.NewClient(generation.Config{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Timeout:     cfg.Timeout,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}, catalogue, generation.WithLogger(logger))
}

// workerOptions maps worker and queue settings to pool options
func workerOptions(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) []worker.Option {
	return []worker.Option{
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithRateLimit(cfg.Worker.RateLimit, cfg.Worker.RateBurst),
		worker.WithBackoff(queue.Backoff{Initial: cfg.Queue.BackoffBase, Max: cfg.Queue.BackoffMax}),
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithJobTimeout(cfg.Worker.JobTimeout),
		worker.WithHeartbeat(cfg.Worker.HeartbeatInterval, cfg.Worker.StaleJobThreshold),
		worker.WithLogger(logger),
		worker.WithObserver(m),
	}
}

// retentionPolicy maps queue settings to the janitor policy
func retentionPolicy(cfg *config.QueueConfig) worker.RetentionPolicy {
	return worker.RetentionPolicy{
		CompletedAge:  cfg.CompletedKeepAge,
		CompletedKeep: cfg.CompletedKeepCount,
		FailedAge:     cfg.FailedKeepAge,
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, mode string, service *responses.Service, store queue.Store, registry *realtime.Registry, gatherer prometheus.Gatherer) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:      logger,
		Responses:   service,
		Store:       store,
		SyncTimeout: cfg.Server.SyncTimeout,
	}

	opts := router.Options{
		ServiceName:    cfg.App.Name,
		StoreMode:      mode,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
		Realtime: realtime.NewHandler(registry, realtime.Config{
			WriteTimeout:   cfg.Realtime.WriteTimeout,
			ReadLimit:      cfg.Realtime.ReadLimit,
			SendBuffer:     cfg.Realtime.SendBuffer,
			AllowedOrigins: cfg.Realtime.AllowedOrigins,
		}, logger),
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = metrics.Handler(gatherer)
		opts.MetricsPath = cfg.Metrics.Path
	}

	// Setup router
	return router.SetupRouter(handlerDeps, opts)
}
