// Command vaultd runs the collateral vault service: the HTTP ingress, the
// operation coordinator, and the monitor's background reconciliation,
// snapshot, stale-cleanup, and health loops, all wired against a single
// Postgres-backed ledger store.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/collateralvault/vaultd/internal/balancetracker"
	"github.com/collateralvault/vaultd/internal/chainclient"
	"github.com/collateralvault/vaultd/internal/chainvault"
	"github.com/collateralvault/vaultd/internal/config"
	"github.com/collateralvault/vaultd/internal/coordinator"
	"github.com/collateralvault/vaultd/internal/httpapi"
	"github.com/collateralvault/vaultd/internal/ledger/postgres"
	"github.com/collateralvault/vaultd/internal/logging"
	"github.com/collateralvault/vaultd/internal/monitor"
	"github.com/collateralvault/vaultd/internal/ratelimit"
	"github.com/collateralvault/vaultd/internal/txmanager"
	"github.com/collateralvault/vaultd/internal/vaultmgr"
)

func main() {
	overlayPath := flag.String("config", "", "path to an optional YAML config overlay")
	flag.Parse()

	cfg, err := config.Load(*overlayPath)
	if err != nil {
		panic(err)
	}

	log := logging.New(cfg.LogLevel)

	store, err := postgres.Open(cfg.StoreURL, cfg.StorePoolSize)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}

	payer, err := chainvault.LoadKeypair(cfg.PayerKeypairPath)
	if err != nil {
		log.WithError(err).Fatal("load payer keypair")
	}
	authority, err := chainvault.LoadKeypair(cfg.AuthorityKeypairPath)
	if err != nil {
		log.WithError(err).Fatal("load authority keypair")
	}

	builder, err := chainvault.New(chainvault.Config{
		ProgramID:           cfg.ProgramID,
		MaxConcurrentBuilds: cfg.MaxConcurrentBuilds,
	})
	if err != nil {
		log.WithError(err).Fatal("build chainvault builder")
	}

	chain, err := chainclient.New(chainclient.Config{
		RPCURL:       cfg.ChainRPCURL,
		RPCRateLimit: cfg.ChainRPCRateLimit,
		RPCBurst:     cfg.ChainRPCBurst,
	})
	if err != nil {
		log.WithError(err).Fatal("build chain client")
	}

	vaults := vaultmgr.New(store, log)
	txns := txmanager.New(store, log)
	tracker := balancetracker.New(store, balancetracker.Config{
		RedisAddr:       cfg.RedisAddr,
		LocalCacheSize:  cfg.LocalCacheSize,
		FreshnessWindow: cfg.CacheFreshnessWindow,
	}, log)

	coord := coordinator.New(store, vaults, txns, tracker, builder, chain, coordinator.Keys{
		Payer:     payer,
		Authority: authority,
	}, coordinator.Config{
		MaxRetries:          cfg.MaxRetries,
		RetryDelay:          cfg.RetryDelay,
		PendingOperationTTL: cfg.PendingOperationTTL,
	}, log)

	mon := monitor.New(store, tracker, txns, chain, coord, monitor.Config{
		ReconciliationInterval: cfg.ReconciliationInterval,
		SnapshotInterval:       cfg.SnapshotInterval,
		StaleCleanupInterval:   cfg.StaleCleanupInterval,
		StaleThreshold:         cfg.StaleThreshold,
		HealthInterval:         cfg.HealthInterval,
		MaxPendingCount:        cfg.MaxPendingCount,
	}, nil, log)

	limiter := ratelimit.New(store, cfg.RateLimitCapacity, cfg.RateLimitRefillPerSec)

	router := httpapi.NewRouter(httpapi.Dependencies{
		Store:       store,
		Coordinator: coord,
		Tracker:     tracker,
		Txns:        txns,
		Monitor:     mon,
		Limiter:     limiter,
		Log:         log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mon.Start(ctx)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.IngressPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Infof("vaultd listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown")
	}
	if err := store.Close(); err != nil {
		log.WithError(err).Error("close store")
	}
	log.Info("vaultd stopped")
}
