package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sautimusic/backend/internal/app"
	"github.com/sautimusic/backend/internal/handlers"
	"github.com/sautimusic/backend/internal/middleware"
	"go.uber.org/zap"
)

func main() {
	app.ReadConfig(os.Getenv("CONFIG_FILE"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, "sauti-payments-api")
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		os.Exit(1)
	}
	defer a.Close(context.Background())
	logger := a.Logger

	if a.Config.JWTSecret == "" {
		logger.Fatal("JWT_SECRET_KEY must be set")
	}

	ready := map[string]handlers.ReadinessCheck{
		"postgres": a.DB.PingContext,
	}
	if a.Redis != nil {
		ready["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Auth:     middleware.NewAuthenticator(a.Config.JWTSecret, logger),
		Metrics:  a.Metrics,
		Logger:   logger,
		Webhooks: handlers.NewWebhookHandler(a.Reconciler, logger),
		Accounts: handlers.NewAccountHandler(a.Ledger, logger),
		Payments: handlers.NewPaymentHandler(a.Payments, logger),
		Sacco:    handlers.NewSaccoHandler(a.Sacco, logger),
		Exchange: handlers.NewExchangeHandler(a.Exchange, logger),
		Ready:    ready,
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(a.Config.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
