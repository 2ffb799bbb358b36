package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"hypertuna/config"
	"hypertuna/discovery"
	"hypertuna/dispatch"
	"hypertuna/escrow"
	"hypertuna/escrow/escrowdb"
	"hypertuna/gateway"
	"hypertuna/gateway/auth"
	"hypertuna/gateway/middleware"
	"hypertuna/mirror"
	"hypertuna/observability/logging"
	"hypertuna/registry"
	"hypertuna/token"

	telemetry "hypertuna/observability/otel"
)

const (
	exitClean   = 0
	exitStartup = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitStartup
	}

	logger := logging.SetupWithOptions("hypertuna-gateway", cfg.Observability.Environment, logging.Options{
		FilePath: cfg.Observability.LogFile,
	})

	if cfg.Observability.Traces || cfg.Observability.Metrics {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "hypertuna-gateway",
			Environment: cfg.Observability.Environment,
			Endpoint:    cfg.Observability.OTLPEndpoint,
			Insecure:    cfg.Observability.OTLPInsecure,
			Headers:     telemetry.ParseHeaders(cfg.Observability.OTLPHeaders),
			Traces:      cfg.Observability.Traces,
			Metrics:     cfg.Observability.Metrics,
		})
		if err != nil {
			logger.Error("telemetry init failed", "error", err)
			return exitStartup
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(shutdownCtx)
		}()
	}

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	tokenDB, err := leveldb.OpenFile(filepath.Join(cfg.DataDir, "tokens"), nil)
	if err != nil {
		logger.Error("open token store", "error", err)
		return exitStartup
	}
	defer tokenDB.Close()
	tokens, err := token.NewService(tokenDB, nil, logger)
	if err != nil {
		logger.Error("token service init", "error", err)
		return exitStartup
	}

	scheduler := dispatch.NewScheduler(dispatch.Config{
		MaxConcurrentJobsPerPeer: cfg.Dispatch.MaxConcurrentJobsPerPeer,
		MaxFailureRate:           cfg.Dispatch.MaxFailureRate,
		ReassignOnLagBlocks:      cfg.Dispatch.ReassignOnLagBlocks,
		CircuitBreakerThreshold:  cfg.Dispatch.CircuitBreakerThreshold,
		CircuitBreakerDuration:   cfg.Dispatch.CircuitBreakerDuration,
	}, logger)

	blindPeer := mirror.New(mirror.Config{
		Enabled:          cfg.Mirror.Enabled,
		StorageDir:       cfg.Mirror.StorageDir,
		TrustedPeersPath: cfg.Mirror.TrustedPeersPath,
		KeySeed:          cfg.Mirror.KeySeed,
	}, logger)
	if err := blindPeer.Initialize(); err != nil {
		logger.Error("mirror init", "error", err)
		return exitStartup
	}
	if cfg.Mirror.Enabled {
		if err := blindPeer.Start(); err != nil {
			logger.Error("mirror start", "error", err)
			return exitStartup
		}
	}

	registryDB, err := leveldb.OpenFile(filepath.Join(cfg.DataDir, "registry"), nil)
	if err != nil {
		logger.Error("open registry store", "error", err)
		return exitStartup
	}
	defer registryDB.Close()
	reg, err := registry.New(registryDB, registry.Options{
		AuthSecret:  []byte(cfg.Auth.SharedSecret),
		Staleness:   cfg.Registry.Staleness,
		Sink:        scheduler,
		Replication: blindPeer,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("registry init", "error", err)
		return exitStartup
	}
	go reg.Run(rootCtx, cfg.Registry.SweepInterval)

	// The SQL store keeps deposit state and lease history; when configured it
	// listens on the vault so every tracked and released lease is recorded.
	var leaseListener escrow.ReleaseListener
	var depositStore escrow.DepositStore
	if cfg.Escrow.DatabaseURL != "" {
		store, err := escrowdb.Open(rootCtx, cfg.Escrow.DatabaseURL)
		if err != nil {
			logger.Error("escrow db init", "error", err)
			return exitStartup
		}
		defer store.Close()
		leaseListener = escrowdb.NewRecorder(store, logger)
		depositStore = store
	}

	vault := escrow.NewVault(logger, leaseListener)
	if cfg.Escrow.Endpoint != "" {
		escrowClient, err := escrow.NewClient(escrow.ClientConfig{
			BaseURL:            cfg.Escrow.Endpoint,
			ClientID:           cfg.Escrow.ClientID,
			Secret:             []byte(cfg.Escrow.SigningSecret),
			RequestTimeout:     cfg.Escrow.Timeout,
			ClientCAFile:       cfg.Escrow.ClientCAFile,
			CertFile:           cfg.Escrow.ClientCertFile,
			KeyFile:            cfg.Escrow.ClientKeyFile,
			InsecureSkipVerify: cfg.Escrow.InsecureSkipVerify,
		}, logger)
		if err != nil {
			logger.Error("escrow client init", "error", err)
			return exitStartup
		}
		watcher := escrow.NewWatcher(escrowClient, vault, depositStore, cfg.Escrow.SweepInterval, cfg.Escrow.RenewBefore, logger)
		go watcher.Run(rootCtx)
	}

	advertiser, err := discovery.NewAdvertiser(discovery.Config{
		Enabled:             cfg.Discovery.Enabled,
		OpenAccess:          cfg.Discovery.OpenAccess,
		GatewayID:           cfg.GatewayID,
		PublicURL:           cfg.Server.PublicURL,
		WsURL:               cfg.Server.WsURL,
		SharedSecret:        cfg.Auth.SharedSecret,
		SharedSecretVersion: cfg.Auth.SharedSecretVersion,
		DisplayName:         cfg.Discovery.DisplayName,
		Region:              cfg.Discovery.Region,
		KeySeed:             cfg.Discovery.KeySeed,
		RefreshInterval:     cfg.Discovery.RefreshInterval,
		TTL:                 cfg.Discovery.TTL,
	}, &discovery.TCPSwarm{ListenAddr: cfg.Discovery.ListenAddress, Logger: logger}, logger)
	if err != nil {
		logger.Error("advertiser init", "error", err)
		return exitStartup
	}
	if err := advertiser.Start(); err != nil {
		logger.Error("advertiser start", "error", err)
		return exitStartup
	}

	var authenticator *auth.Authenticator
	if cfg.Auth.SharedSecret != "" {
		authenticator = auth.New([]byte(cfg.Auth.SharedSecret), cfg.Auth.SignatureTolerance)
	}
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"token":   {RatePerSecond: cfg.TokenLimit.RatePerSecond, Burst: cfg.TokenLimit.Burst},
		"control": {RatePerSecond: cfg.ControlLimit.RatePerSecond, Burst: cfg.ControlLimit.Burst},
	}, logger)
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "hypertuna-gateway",
		LogRequests: strings.EqualFold(cfg.Observability.Environment, "development"),
		Enabled:     true,
	}, logger)

	edge := gateway.NewServer(gateway.Options{
		Logger:              logger,
		Tokens:              tokens,
		Registry:            reg,
		Scheduler:           scheduler,
		Mirror:              blindPeer,
		Authenticator:       authenticator,
		RateLimiter:         limiter,
		Observability:       obs,
		GatewayID:           cfg.GatewayID,
		SharedSecret:        cfg.Auth.SharedSecret,
		SharedSecretVersion: cfg.Auth.SharedSecretVersion,
		SignatureTolerance:  cfg.Auth.SignatureTolerance,
		DefaultTokenTTL:     cfg.Token.DefaultTTL,
		BlindPeerStatusURL:  os.Getenv("BLIND_PEER_STATUS_URL"),
	})

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      edge.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			"listen", cfg.Server.ListenAddress,
			"gateway_id", cfg.GatewayID,
			"tls", cfg.Server.TLSCertFile != "")
		if cfg.Server.TLSCertFile != "" {
			serveErr <- srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			serveErr <- srv.ListenAndServe()
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	code := exitClean
	select {
	case sig := <-signals:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			code = exitRuntime
		}
	}

	// Shutdown order: stop accepting, drain, destroy the vault, stop the
	// mirror, stop the advertiser. The vault destroy must run even on a
	// runtime failure so writer keys never outlive the process.
	drain := cfg.Server.DrainTimeout
	if drain <= 0 {
		drain = 15 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), drain)
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Warn("drain incomplete", "error", err)
	}
	cancel()
	stop()

	vault.Destroy("shutdown")
	if err := blindPeer.Stop(); err != nil {
		logger.Warn("mirror stop failed", "error", err)
	}
	if err := advertiser.Stop(); err != nil {
		logger.Warn("advertiser stop failed", "error", err)
	}
	logger.Info("gateway stopped")
	return code
}
