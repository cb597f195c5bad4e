package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/knowhub/collab/internal/api"
	"github.com/knowhub/collab/internal/auth"
	"github.com/knowhub/collab/internal/backplane"
	"github.com/knowhub/collab/internal/collab"
	"github.com/knowhub/collab/internal/config"
	"github.com/knowhub/collab/internal/retention"
	"github.com/knowhub/collab/internal/storage"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to open revision store", zap.Error(err))
	}
	defer store.Close()

	hub := collab.NewHub(store, logger)
	resolver := auth.NewResolver(cfg.JWTSecret)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RedisAddr != "" {
		bp := backplane.NewRedis(cfg.RedisAddr, logger)
		defer bp.Close()
		hub.UseBackplane(bp)
		go func() {
			if err := bp.Run(ctx, hub.DeliverRemote); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("backplane stopped", zap.Error(err))
			}
		}()
		logger.Info("backplane enabled", zap.String("redis", cfg.RedisAddr))
	}

	pruner := retention.New(store, retention.Config{
		Interval: cfg.RetentionInterval,
		Keep:     cfg.RetentionKeep,
	}, logger)
	pruner.Start()
	defer pruner.Stop()

	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Get("/ws", collab.ServeWS(hub, resolver, logger))
	r.Mount("/", api.New(hub, store, logger).Routes())

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("collab server starting",
		zap.String("addr", cfg.Addr),
		zap.String("db", cfg.DBPath))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
