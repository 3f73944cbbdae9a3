package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"p2prent/config"
	"p2prent/native/factory"
	"p2prent/native/registry"
	"p2prent/native/rental"
	"p2prent/observability/logging"
	"p2prent/observability/metrics"
	"p2prent/rpc"
	"p2prent/storage"
)

const rpcTokenEnv = "P2PRENT_RPC_TOKEN"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("rentd", cfg.Environment, cfg.LogLevel)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	store := storage.NewStore(db)

	eng := rental.NewEngine()
	eng.SetState(store)
	eng.SetTokenMessenger(countingMessenger{next: rental.NopTokenMessenger{}})

	reg := registry.NewRegistry()
	reg.SetState(store)
	if err := seedRegistry(reg, cfg); err != nil {
		logger.Error("Failed to seed registry", slog.Any("error", err))
		os.Exit(1)
	}

	fac := factory.NewFactory()
	fac.SetState(store)
	fac.SetModeratorChecker(reg)

	authToken := strings.TrimSpace(os.Getenv(rpcTokenEnv))
	if authToken == "" {
		authToken = cfg.RPCAuthToken
	}
	if authToken == "" {
		logger.Warn("RPC auth token not configured; mutating methods are open")
	}

	server := rpc.NewServer(eng, reg, fac, store, authToken)
	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting JSON-RPC server", slog.String("addr", cfg.RPCAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("RPC server stopped", slog.Any("error", err))
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

// seedRegistry initializes the moderator allow-list from config on first
// start. An already-initialized registry is left untouched.
func seedRegistry(reg *registry.Registry, cfg *config.Config) error {
	ownerHex := strings.TrimSpace(cfg.RegistryOwner)
	if ownerHex == "" {
		return nil
	}
	owner, err := parseAddress(ownerHex)
	if err != nil {
		return fmt.Errorf("registry owner: %w", err)
	}
	mods := make([][20]byte, 0, len(cfg.Moderators))
	for _, raw := range cfg.Moderators {
		mod, err := parseAddress(raw)
		if err != nil {
			return fmt.Errorf("moderator %q: %w", raw, err)
		}
		mods = append(mods, mod)
	}
	err = reg.Init(owner, mods)
	if errors.Is(err, registry.ErrAlreadyInitialized) {
		return nil
	}
	return err
}

// countingMessenger wraps the deployment's token messenger so outbound
// transfer instructions show up in the node metrics.
type countingMessenger struct {
	next rental.TokenMessenger
}

func (m countingMessenger) Transfer(wallet [20]byte, to [20]byte, amount *big.Int, memo string) error {
	metrics.Rental().ObserveTokenSend()
	return m.next.Transfer(wallet, to, amount, memo)
}

func parseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return addr, err
	}
	if len(decoded) != 20 {
		return addr, fmt.Errorf("address must be 20 bytes")
	}
	copy(addr[:], decoded)
	return addr, nil
}
