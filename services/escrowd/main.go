package main

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"stellarpay/crypto"
	"stellarpay/escrow"
	"stellarpay/ledger"
	"stellarpay/observability/logging"
	"stellarpay/oracle"
	"stellarpay/storage"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		logging.Setup("escrowd", "dev", "").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.Setup("escrowd", cfg.Environment, cfg.LogFile)

	store, err := storage.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	keys, err := crypto.NewFileKeyStore(cfg.KeystorePath)
	if err != nil {
		log.Error("open keystore", "path", cfg.KeystorePath, "error", err)
		os.Exit(1)
	}

	metrics := NewMetrics(prometheus.DefaultRegisterer)

	gateway := ledger.NewHorizonGateway(cfg.HorizonURL)
	engine := escrow.NewEngine(gateway, store, keys, cfg.NetworkPassphrase)
	engine.SetEmitter(metrics)

	fallback, ok := new(big.Rat).SetString(cfg.FallbackRate)
	if !ok || fallback.Sign() <= 0 {
		log.Error("invalid fallback rate", "value", cfg.FallbackRate)
		os.Exit(1)
	}
	rates := oracle.NewConverter(
		oracle.NewCache(oracle.NewCoinGecko(http.DefaultClient, "", ""), cfg.OracleTTL.Duration),
		fallback,
	)

	auth := NewAuthenticator(cfg.APIKeys, cfg.TimestampSkew.Duration, time.Now)
	server := NewServer(engine, gateway, store, auth, rates, metrics, cfg.RateLimitPerMinute, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := NewDeadlineWatcher(engine, store, cfg.SweepInterval.Duration, metrics, log)
	go watcher.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("escrowd listening", "addr", cfg.ListenAddress, "horizon", cfg.HorizonURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
	}
}
