package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"p2prent/gateway"
	"p2prent/observability/logging"
)

const jwtSecretEnv = "P2PRENT_GATEWAY_JWT_SECRET"

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:8080", "Gateway listen address")
	nodeURL := flag.String("node", "http://127.0.0.1:8645", "Rental node JSON-RPC endpoint")
	nodeToken := flag.String("node-token", "", "Bearer token for the node RPC")
	idemPath := flag.String("idempotency-db", "./gateway-idempotency.db", "Path to the idempotency cache")
	rpm := flag.Float64("rate-rpm", 600, "Per-client requests per minute")
	burst := flag.Int("rate-burst", 20, "Per-client burst budget")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("P2PRENT_ENV"))
	logger := logging.Setup("rent-gateway", env, os.Getenv("P2PRENT_LOG_LEVEL"))

	secret := strings.TrimSpace(os.Getenv(jwtSecretEnv))
	if secret == "" {
		logger.Error("JWT secret not configured", slog.String("env", jwtSecretEnv))
		os.Exit(1)
	}

	idem, err := gateway.OpenIdempotencyStore(*idemPath, 24*time.Hour)
	if err != nil {
		logger.Error("Failed to open idempotency store", slog.Any("error", err))
		os.Exit(1)
	}
	defer idem.Close()

	router := gateway.NewRouter(gateway.Config{
		Client:        gateway.NewClient(*nodeURL, *nodeToken),
		Authenticator: gateway.NewAuthenticator([]byte(secret)),
		RateLimiter:   gateway.NewRateLimiter(gateway.RateLimit{RequestsPerMinute: *rpm, Burst: *burst}),
		Idempotency:   idem,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting gateway", slog.String("addr", *listenAddr), slog.String("node", *nodeURL))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Gateway stopped", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown failed", slog.Any("error", err))
	}
}
