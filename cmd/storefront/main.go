package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/storefront/internal/api"
	"github.com/jogardn/storefront/internal/catalog"
	"github.com/jogardn/storefront/internal/changefeed"
	"github.com/jogardn/storefront/internal/circuitbreaker"
	"github.com/jogardn/storefront/internal/config"
	"github.com/jogardn/storefront/internal/events"
	"github.com/jogardn/storefront/internal/inventory"
	"github.com/jogardn/storefront/internal/orders"
	"github.com/jogardn/storefront/internal/prefs"
	"github.com/jogardn/storefront/internal/store"
	"github.com/jogardn/storefront/internal/store/dynamo"
	"github.com/jogardn/storefront/internal/store/memory"
	"github.com/jogardn/storefront/internal/store/postgres"
	"github.com/jogardn/storefront/internal/synchronizer"
	"github.com/jogardn/storefront/internal/websocket"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := cfg.NewLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := changefeed.NewBroker(changefeed.DefaultBuffer, logger)
	defer broker.Close()

	backend, err := openBackend(ctx, cfg, broker, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer backend.Close()

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures: cfg.BreakerMaxFailures,
		Timeout:     cfg.BreakerTimeout,
		MaxRequests: 1,
		IsFailure:   store.IsBackendFailure,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from":            from.String(),
				"to":              to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}, logger)
	guard := store.NewGuard(breakers.Breaker(cfg.StoreBackend), cfg.StoreTimeout)

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		stop, err := startKafkaBridge(ctx, cfg, brokers, broker, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to start Kafka bridge")
		}
		defer stop()
	}

	view := synchronizer.New(backend, broker, synchronizer.Options{LoadTimeout: cfg.StoreTimeout * 2}, logger)
	defer view.Dispose()
	go initView(ctx, view, logger)

	cache := prefs.NewFileStore(cfg.PrefsPath)
	ledger := inventory.NewLedger(backend, guard, logger)
	handler := api.NewHandler(api.Deps{
		Workflow: orders.NewWorkflow(ledger, backend, backend, guard, cache, logger),
		Status:   orders.NewStatusMachine(backend, guard, view, logger),
		Catalog:  catalog.NewService(backend, backend, guard, view, logger),
		View:     view,
		Prefs:    cache,
		Breakers: breakers,
	}, logger)

	hub := websocket.NewHub(cfg.InstanceID, logger)
	go hub.Run(ctx)
	go hub.Relay(ctx, broker)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, hub.HandleWebSocket, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":        cfg.Port,
			"backend":     cfg.StoreBackend,
			"instance_id": cfg.InstanceID,
		}).Info("Starting storefront")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	cancel()

	logger.Info("Server gracefully stopped")
}

// openBackend connects the configured store and arranges for its changes to
// reach broker.
func openBackend(ctx context.Context, cfg *config.Config, broker *changefeed.Broker, logger *logrus.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := postgres.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		listener, err := postgres.NewListener(cfg.DatabaseURL, pg, broker, logger)
		if err != nil {
			pg.Close()
			return nil, err
		}
		go func() {
			listener.Run(ctx)
			listener.Close()
		}()
		return pg, nil

	case config.BackendDynamoDB:
		client, err := dynamo.NewClient(ctx, cfg.AWSRegion, cfg.DynamoDBEndpoint)
		if err != nil {
			return nil, err
		}
		ddb := dynamo.New(client, dynamo.Tables{
			Products: cfg.ProductTableName,
			Orders:   cfg.OrderTableName,
			Settings: cfg.SettingsTableName,
		}, logger)
		pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		if err := ddb.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("dynamodb not reachable: %w", err)
		}
		return store.NewNotifying(ddb, broker, cfg.InstanceID, logger), nil

	default:
		mem := memory.New(broker, cfg.InstanceID, logger)
		if !cfg.IsProduction() {
			mem.Seed(demoProducts()...)
		}
		return mem, nil
	}
}

func startKafkaBridge(ctx context.Context, cfg *config.Config, brokers []string, broker *changefeed.Broker, logger *logrus.Logger) (func(), error) {
	producer, err := events.NewKafkaProducer(brokers, cfg.KafkaTopic, logger)
	if err != nil {
		return nil, err
	}
	bridge := events.NewBridge(broker, producer, cfg.InstanceID, logger)

	consumer, err := events.NewKafkaConsumer(brokers, cfg.KafkaTopic, "storefront-"+cfg.InstanceID, bridge, logger)
	if err != nil {
		producer.Close()
		return nil, err
	}

	go bridge.Forward(ctx)
	go func() {
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Error("Kafka consumer stopped")
		}
	}()

	logger.WithField("brokers", brokers).Info("Kafka bridge started")
	return func() {
		consumer.Close()
		producer.Close()
	}, nil
}

// initView retries the first snapshot until it succeeds. The API answers
// 503 meanwhile.
func initView(ctx context.Context, view *synchronizer.Synchronizer, logger *logrus.Logger) {
	delay := time.Second
	for {
		_, err := view.Init(ctx)
		if err == nil || errors.Is(err, synchronizer.ErrDisposed) {
			return
		}
		logger.WithError(err).WithField("retry_in", delay.String()).Warn("Initial load failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

func demoProducts() []models.Product {
	return []models.Product{
		{
			ID:          "demo-wool-coat",
			Name:        "Wool Blend Coat",
			Brand:       "MAGDEE",
			Category:    models.CategoryOuter,
			Price:       450000,
			Stock:       5,
			Description: "Single-breasted coat in a soft wool blend.",
			Sizes:       []string{"S", "M", "L"},
			Colors:      []string{"Black", "Camel"},
			IsFeatured:  true,
		},
		{
			ID:           "demo-knit",
			Name:         "Cable Knit Sweater",
			Brand:        "MAGDEE",
			Category:     models.CategoryTop,
			Price:        129000,
			Stock:        12,
			Sizes:        []string{"FREE"},
			Colors:       []string{"Ivory", "Grey"},
			IsBestSeller: true,
		},
		{
			ID:       "demo-tote",
			Name:     "Leather Tote",
			Brand:    "MAGDEE",
			Category: models.CategoryAccessories,
			Price:    1250000,
			Stock:    2,
		},
	}
}
