// main package for the tts-studio service
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

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/config"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/objectstore"
	"github.com/book-expert/tts-studio/internal/orchestrator"
	"github.com/book-expert/tts-studio/internal/projectstore"
	"github.com/book-expert/tts-studio/internal/provider"
	"github.com/book-expert/tts-studio/internal/quota"
	"github.com/book-expert/tts-studio/internal/server"
	"github.com/book-expert/tts-studio/internal/tracker"
	"github.com/book-expert/tts-studio/internal/voices"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "tts-studio-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Provider credentials may come from a local .env file
	if envErr := godotenv.Load(); envErr != nil {
		bootstrapLog.Warn("No .env file found, using system environment variables")
	} else {
		bootstrapLog.Info("Loaded environment variables from .env file")
	}

	// 3. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 4. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "tts-studio.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, finalLog)
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	blobs, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return err
	}

	projects, err := projectstore.New(jetstreamContext, projectstore.Buckets{
		Projects:      cfg.NATS.ProjectsKVBucket,
		Subscriptions: cfg.NATS.SubscriptionsKVBucket,
		Commits:       cfg.NATS.QuotaCommitsKVBucket,
	})
	if err != nil {
		return err
	}

	ledger := quota.NewLedger(projects, cfg.Quota.Unmetered, log)
	if ledger.Unmetered() {
		log.Warn("Quota enforcement is disabled (unmetered mode).")
	}

	client := provider.NewClient(
		cfg.Provider.BaseURL,
		cfg.Provider.ClientID,
		cfg.Provider.ClientSecret,
		cfg.Provider.Timeout(),
		cfg.Orchestrator.MinAudioBytes,
	)

	healthCtx, cancelHealth := context.WithTimeout(ctx, cfg.Provider.Timeout())
	if healthErr := client.HealthCheck(healthCtx); healthErr != nil {
		log.Warn("Provider health check failed, continuing: %v", healthErr)
	}

	cancelHealth()

	registry, closeVoices, err := openVoices(cfg.Voices.CatalogPath, log)
	if err != nil {
		return err
	}
	defer closeVoices()

	jobTracker := tracker.New(client, blobs, projects, ledger, cfg.Provider.PollInterval(), log)
	worker := tracker.NewNatsWorker(natsConnection, cfg.NATS.JobTrackingSubject, jobTracker, cfg.Tracker.Timeout(), log)

	workerErr := make(chan error, 1)

	go func() {
		workerErr <- worker.Run(ctx)
	}()

	generator := orchestrator.New(orchestrator.Dependencies{
		Provider:   client,
		Blobs:      blobs,
		Projects:   projects,
		Quota:      ledger,
		Voices:     registry,
		Dispatcher: tracker.NewPublisher(natsConnection, cfg.NATS.JobTrackingSubject),
		Log:        log,
	}, orchestrator.SettingsFromConfig(cfg))

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(generator, blobs, log).Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serverErr := make(chan error, 1)

	go func() {
		serverErr <- httpServer.ListenAndServe()
	}()

	log.System("TTS-Studio listening on %s. Tracking jobs on subject: %s", cfg.Server.Addr, cfg.NATS.JobTrackingSubject)

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	log.System("Shutting down.")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("Failed to shut down HTTP server: %v", shutdownErr)
	}

	cancelRun()

	if runErr := <-workerErr; runErr != nil {
		log.Error("Tracker worker stopped with error: %v", runErr)
	}

	return nil
}

// openVoices watches the voice catalog when one is configured. Without a
// catalog no voice is ever flagged for maintenance.
func openVoices(path string, log *logger.Logger) (core.VoiceRegistry, func(), error) {
	if path == "" {
		log.Warn("No voice catalog configured; maintenance flags are disabled.")

		return voices.NewCatalog(nil), func() {}, nil
	}

	watcher, err := voices.NewWatcher(path, log)
	if err != nil {
		return nil, nil, err
	}

	return watcher, func() {
		if closeErr := watcher.Close(); closeErr != nil {
			log.Error("Failed to close voice catalog watcher: %v", closeErr)
		}
	}, nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
