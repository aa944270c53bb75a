package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"flowforge/api/internal/app"
	"flowforge/api/internal/archive"
	"flowforge/api/internal/collab"
	"flowforge/api/internal/config"
	"flowforge/api/internal/detail"
	"flowforge/api/internal/store"
	"flowforge/api/internal/transport"
	"flowforge/api/internal/version"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	dataStore := store.NewPostgresStore(db)

	detailStore, err := detail.NewRedisStore(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer detailStore.Close()

	var manager *version.Manager
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archiver, err := archive.New(ctx, archive.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
		if err != nil {
			logger.Fatal("archive setup failed", zap.Error(err))
		}
		logger.Info("version archive enabled", zap.String("bucket", cfg.MinioBucket))
		manager = version.NewManager(dataStore, detailStore, archiver, logger)
	} else {
		manager = version.NewManager(dataStore, detailStore, nil, logger)
	}

	secret := []byte(cfg.JWTSecret)
	registry := collab.NewRegistry()
	hub := transport.NewHub(secret, logger)
	coordinator := collab.NewCoordinator(registry, hub, dataStore, logger)
	hub.Bind(coordinator)

	service := app.NewService(dataStore, manager, secret, cfg.TokenTTL, logger)
	httpServer := app.NewHTTPServer(service, registry, cfg.CORSOrigin, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws/collaboration", hub)
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("flowforge api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
