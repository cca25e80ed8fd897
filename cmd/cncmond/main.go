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

	"github.com/SherClockHolmes/webpush-go"

	"cnc-monitor-backend/config"
	"cnc-monitor-backend/internal/api"
	"cnc-monitor-backend/internal/db"
	"cnc-monitor-backend/internal/dispatch"
	"cnc-monitor-backend/internal/engine"
	"cnc-monitor-backend/internal/live"
	"cnc-monitor-backend/internal/logger"
	"cnc-monitor-backend/internal/model"
	"cnc-monitor-backend/internal/notification"
	"cnc-monitor-backend/internal/statecache"
	"cnc-monitor-backend/internal/store"
	"cnc-monitor-backend/internal/telemetry"
	"cnc-monitor-backend/internal/transfer"
	"cnc-monitor-backend/internal/views"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}
	logger.Init(logger.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	logger.Info("configuration loaded", "path", configPath)

	if err := run(cfg); err != nil {
		logger.Error("cnc monitor stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	shifts, err := views.NewShifts(cfg.Shifts)
	if err != nil {
		return err
	}

	// Initialize database
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Info("database initialized", "driver", cfg.Database.Driver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)
	cache := statecache.New()

	eng := engine.New(appStore, cache, engine.WithManualWindow(cfg.Ingest.ManualWindow))
	if err := eng.Warm(ctx); err != nil {
		return err
	}

	viewSvc := views.NewService(appStore, cache, cfg.Location(), shifts)
	broker := notification.NewBroker(notification.NewRegistry(), viewSvc, cfg.Live.Parallelism, cfg.Live.PushTimeout)
	eng.AddListener(broker)
	go broker.Run(ctx)

	var webpushOptions *webpush.Options
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		alerts := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, webpushOptions)
		alerts.Start(ctx)
		eng.AddListener(alerts)
	} else {
		logger.Warn("VAPID keys are not configured; stop alerts are disabled")
	}

	ingestor := telemetry.NewIngestor(eng, cfg.Ingest.Workers, cfg.Ingest.QueueSize)
	ingestor.Start(ctx)
	subscriber := telemetry.NewSubscriber(ctx, cfg.MQTT.Topic, cfg.MQTT.QoS, ingestor)
	mqttClient, err := telemetry.NewClient(cfg.MQTT, subscriber.OnConnect)
	if err != nil {
		return err
	}
	defer mqttClient.Close()

	dispatchSvc := dispatch.NewService(appStore, func(m model.Machine) (transfer.FileTransfer, error) {
		return transfer.ForMachine(m, cfg.Transfer)
	})
	if err := dispatchSvc.SyncVariants(ctx, cfg.Transfer.ActiveMachines); err != nil {
		return fmt.Errorf("failed to apply active-mode machines: %w", err)
	}

	router := api.NewRouter(api.Deps{
		Store:    appStore,
		Cache:    cache,
		Views:    viewSvc,
		Dispatch: dispatchSvc,
		Live:     live.NewServer(broker, nil),
		WebPush:  webpushOptions,
	}, cfg.Server)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutdown signal received, stopping services")
	case err := <-serverErr:
		return fmt.Errorf("HTTP server ListenAndServe: %w", err)
	}

	// Create a deadline to wait for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server Shutdown: %w", err)
	}

	cancel()
	ingestor.Wait()

	logger.Info("server gracefully stopped")
	return nil
}
