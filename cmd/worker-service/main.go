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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/ai-response-service/internal/config"
	convpostgres "github.com/cuongbtq/ai-response-service/internal/conversation/postgres"
	"github.com/cuongbtq/ai-response-service/internal/events"
	"github.com/cuongbtq/ai-response-service/internal/generation"
	"github.com/cuongbtq/ai-response-service/internal/metrics"
	"github.com/cuongbtq/ai-response-service/internal/queue"
	queuepostgres "github.com/cuongbtq/ai-response-service/internal/queue/postgres"
	"github.com/cuongbtq/ai-response-service/internal/responder"
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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("queue", cfg.Worker.QueueName),
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL
	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("PostgreSQL connection established")

	jobStore := queuepostgres.New(dbClient.GetDB(), appLogger.Logger)
	convStore := convpostgres.New(dbClient.GetDB(), appLogger.Logger)
	if cfg.Database.AutoMigrate {
		if err := jobStore.Migrate(ctx); err != nil {
			return err
		}
		if err := convStore.Migrate(ctx); err != nil {
			return err
		}
	}

	// Initialize RabbitMQ
	rabbitClient, err := initRabbitMQ(ctx, &cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	wakeQueue, err := rabbitClient.DeclareQueue(rabbitmq.QueueSpec{
		Name:       cfg.RabbitMQ.WakeQueue.Name,
		Durable:    cfg.RabbitMQ.WakeQueue.Durable,
		AutoDelete: cfg.RabbitMQ.WakeQueue.AutoDelete,
		Exclusive:  cfg.RabbitMQ.WakeQueue.Exclusive,
	}, worker.WakeRoutingKey(cfg.Worker.QueueName))
	if err != nil {
		return fmt.Errorf("failed to declare wake queue: %w", err)
	}

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

	catalogue := initCatalogue(&cfg.Generation)
	generator := generation.NewClient(generation.Config{
		BaseURL:     cfg.Generation.BaseURL,
		APIKey:      cfg.Generation.APIKey,
		Model:       cfg.Generation.Model,
		Timeout:     cfg.Generation.Timeout,
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
	}, catalogue, generation.WithLogger(appLogger.Logger))

	handler := responder.New(generator, convStore, events.NewBrokerEmitter(rabbitClient), catalogue, appLogger.Logger)

	pool := worker.New(jobStore, cfg.Worker.QueueName, handler,
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithRateLimit(cfg.Worker.RateLimit, cfg.Worker.RateBurst),
		worker.WithBackoff(queue.Backoff{Initial: cfg.Queue.BackoffBase, Max: cfg.Queue.BackoffMax}),
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithJobTimeout(cfg.Worker.JobTimeout),
		worker.WithHeartbeat(cfg.Worker.HeartbeatInterval, cfg.Worker.StaleJobThreshold),
		worker.WithLogger(appLogger.Logger),
		worker.WithObserver(appMetrics),
	)

	dispatcher := worker.NewDispatcher(rabbitClient, wakeQueue, appLogger.Logger, pool)
	janitor := worker.NewJanitor(jobStore, []string{cfg.Worker.QueueName}, worker.RetentionPolicy{
		CompletedAge:  cfg.Queue.CompletedKeepAge,
		CompletedKeep: cfg.Queue.CompletedKeepCount,
		FailedAge:     cfg.Queue.FailedKeepAge,
	}, cfg.Queue.CleanupInterval, appMetrics, appLogger.Logger)

	g, gctx := errgroup.WithContext(ctx)

	if err := pool.Start(gctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	g.Go(func() error {
		return dispatcher.Run(gctx, pool.ID())
	})

	g.Go(func() error {
		return janitor.Run(gctx)
	})

	if cfg.Metrics.Enabled {
		metricsSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           metricsMux(cfg.Metrics.Path, promRegistry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			appLogger.Info("Starting metrics server", slog.String("address", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down worker service...",
			slog.Int("in_flight", pool.InFlight()),
		)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancel()

		if err := pool.Close(shutdownCtx); err != nil {
			appLogger.Warn("Worker pool did not drain", slog.Any("error", err))
		}
		return nil
	})

	appLogger.Info("Worker service is running",
		slog.String("worker_id", pool.ID()),
		slog.String("wake_queue", wakeQueue),
	)

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableSource,
		TimeFormat:   timeFormat,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(ctx, &postgresql.Config{
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
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(ctx, &rabbitmq.Config{
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
	}, logger)
}

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

func metricsMux(path string, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler(gatherer))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
