package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/canopyhub/canopy/internal/api/http"
	"github.com/canopyhub/canopy/internal/application/account"
	"github.com/canopyhub/canopy/internal/application/admin"
	"github.com/canopyhub/canopy/internal/application/audit"
	"github.com/canopyhub/canopy/internal/application/auth"
	"github.com/canopyhub/canopy/internal/application/dispatcher"
	"github.com/canopyhub/canopy/internal/application/engine"
	"github.com/canopyhub/canopy/internal/application/notify"
	"github.com/canopyhub/canopy/internal/config"
	"github.com/canopyhub/canopy/internal/domain/envelope"
	"github.com/canopyhub/canopy/internal/infrastructure/endpoint"
	"github.com/canopyhub/canopy/internal/infrastructure/keystore"
	"github.com/canopyhub/canopy/internal/infrastructure/postgres"
	"github.com/canopyhub/canopy/internal/infrastructure/sse"
	"github.com/canopyhub/canopy/internal/infrastructure/treesim"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	// repositories
	controllerRepo := postgres.NewControllerRepository(pool)
	peerRepo := postgres.NewPeerRepository(pool)
	msglogRepo := postgres.NewMessageLogRepository(pool)
	collectionRepo := postgres.NewCollectionRepository(pool)
	operationRepo := postgres.NewOperationRepository(pool)
	operatorRepo := postgres.NewOperatorRepository(pool)
	sessionRepo := postgres.NewSessionRepository(pool)
	notificationRepo := postgres.NewNotificationRepository(pool)

	// infrastructure
	sseHub := sse.NewHub()
	keyStore, err := keystore.NewFromEnv()
	if err != nil {
		log.Fatalf("keystore error: %v", err)
	}
	trees := treesim.New(time.Now().UTC())

	var messageEndpoint dispatcher.Endpoint
	if cfg.EndpointBaseURL != "" {
		messageEndpoint = endpoint.NewClient(cfg.EndpointBaseURL, cfg.EndpointTimeout)
	} else {
		messageEndpoint = endpoint.Local{}
	}

	// services
	auditSvc := audit.NewService(keyStore, logger)
	notifySvc := notify.NewService(notificationRepo, sseHub, logger)
	engineSvc := engine.NewService(operationRepo, collectionRepo, trees, trees, auditSvc, notifySvc, logger)
	dispatcherSvc := dispatcher.NewService(controllerRepo, peerRepo, msglogRepo, collectionRepo, trees, messageEndpoint, engineSvc, notifySvc, logger)
	adminSvc := admin.NewService(controllerRepo, peerRepo, collectionRepo, cfg.MetadataBaseURL, logger)
	accountSvc := account.NewService(operatorRepo, logger)
	authSvc := auth.NewService(operatorRepo, sessionRepo, cfg.SessionTTL, logger)

	bootstrapAdmin(ctx, accountSvc, logger)

	// API server
	apiServer := httpapi.NewServer(dispatcherSvc, engineSvc, notifySvc, adminSvc, accountSvc, authSvc, msglogRepo, sseHub, cfg.SessionCookieName, cfg.SessionCookieSecure)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// background loops
	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	runner := engine.NewRunner(engineSvc, operationRepo, cfg.RunnerInterval, logger)
	go runner.Run(runCtx)
	go notifySvc.Run(runCtx, 5*time.Second)
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if n, err := sessionRepo.DeleteExpired(context.Background()); err == nil && n > 0 {
					logger.Info().Int("sessions", n).Msg("expired sessions removed")
				}
			}
		}
	}()

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	stopWorkers()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}

// bootstrapAdmin seeds the first ADMIN operator from the environment.
// With operators already present it does nothing.
func bootstrapAdmin(ctx context.Context, accounts *account.Service, logger zerolog.Logger) {
	username := os.Getenv("BOOTSTRAP_ADMIN_USERNAME")
	password := os.Getenv("BOOTSTRAP_ADMIN_PASSWORD")
	if username == "" || password == "" {
		return
	}
	var authorityKey *envelope.Address
	if raw := os.Getenv("BOOTSTRAP_ADMIN_AUTHORITY_KEY"); raw != "" {
		addr, err := envelope.AddressFromHex(raw)
		if err != nil {
			logger.Warn().Err(err).Msg("invalid BOOTSTRAP_ADMIN_AUTHORITY_KEY, skipping bootstrap")
			return
		}
		authorityKey = &addr
	}
	op, err := accounts.Bootstrap(ctx, username, password, authorityKey)
	if err != nil {
		logger.Warn().Err(err).Msg("admin bootstrap failed")
		return
	}
	if op != nil {
		logger.Info().Str("username", op.Username).Msg("bootstrap admin created")
	}
}
