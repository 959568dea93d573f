package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"e2ee-directory/internal/config"
	"e2ee-directory/internal/keys"
	"e2ee-directory/internal/kv"
	"e2ee-directory/internal/observability/logging"
	"e2ee-directory/internal/observability/metrics"
	"e2ee-directory/internal/push"
	"e2ee-directory/internal/service"
	"e2ee-directory/internal/storage"
	transport "e2ee-directory/internal/transport/http"
)

func main() {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "directory",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})

	slog.SetDefault(logger)
	metrics.MustRegister("directory")

	logger.Info("starting service")

	cfg := config.Load()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	store := kv.New(db)
	if err := store.Migrate(); err != nil {
		logger.Error("migrate kv store", "error", err)
		os.Exit(1)
	}
	preKeys := keys.NewStore(db)
	if err := preKeys.Migrate(); err != nil {
		logger.Error("migrate pre-key store", "error", err)
		os.Exit(1)
	}

	accounts := storage.NewAccounts(store, cfg.TombstoneTTL)
	svc := service.New(
		accounts,
		preKeys,
		service.NewHTTPMessagesClient(cfg.MessagesBaseURL),
		service.NewHTTPPresenceClient(cfg.PresenceBaseURL),
		logger,
	)

	pushManager := push.NewManager(accounts,
		push.NewAPNSender(cfg.APNEndpoint, cfg.APNAuthToken, cfg.APNTopic),
		push.NewFCMSender(cfg.FCMEndpoint, cfg.FCMServerKey),
		logger,
	)

	go purgeExpired(store, logger)

	handler := transport.NewRouter(svc, pushManager, transport.Config{
		UsernameReservationTTL: cfg.UsernameReservationTTL,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("directory service listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// purgeExpired clears expired reservations and tombstones in the background.
// Reads already treat expired rows as absent, so this is housekeeping only.
func purgeExpired(store *kv.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		removed, err := store.PurgeExpired(ctx)
		cancel()
		if err != nil {
			logger.Warn("purge expired rows", "error", err)
			continue
		}
		if removed > 0 {
			logger.Info("purged expired rows", "count", removed)
		}
	}
}
