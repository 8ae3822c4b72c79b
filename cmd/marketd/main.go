package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"marketd/config"
	"marketd/core"
	"marketd/events"
	"marketd/gateway"
	"marketd/market/reconcile"
	"marketd/observability/logging"
	"marketd/observability/otel"
	"marketd/p2p"
	"marketd/rpc"
	"marketd/storage"

	"marketd/crypto"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{
		Service: "marketd",
		Env:     cfg.Environment,
		File:    cfg.LogFile,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "marketd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			logger.Error("telemetry init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", slog.Any("error", err))
			}
		}()
	}

	key, err := crypto.LoadNodeKey(cfg.NodeKeystorePath, strings.TrimSpace(os.Getenv("MARKETD_KEYSTORE_PASSPHRASE")))
	if err != nil {
		logger.Error("failed to load node key", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// The messaging client and the node reference each other: the client
	// ingests into the node, the node broadcasts through the client.
	var node *core.Node
	client := p2p.NewClient(cfg.MessagingURL, func(ctx context.Context, env *p2p.Envelope) error {
		return node.HandleEnvelope(ctx, env)
	}, logger)

	// Same shape for the order index, which reads back through the node.
	var orders *gateway.OrderIndex
	emitter := events.EmitterFunc(func(e events.Event) {
		if record := e.Record(); record != nil {
			logger.Info("event", slog.String("type", record.Type))
		}
		if orders != nil {
			orders.Emit(e)
		}
	})

	node, err = core.NewNode(db, key, core.NodeOptions{
		Emitter:     emitter,
		Logger:      logger,
		Broadcaster: client,
		Reconcile: reconcile.Options{
			MaxAttempts: cfg.ReconcileMaxAttempts,
			PendingTTL:  time.Duration(cfg.PendingTTLHours) * time.Hour,
			SeenTTL:     time.Duration(cfg.SeenTTLHours) * time.Hour,
		},
	})
	if err != nil {
		logger.Error("failed to assemble node", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("node ready", slog.String("address", node.Address()))

	orders, err = gateway.NewOrderIndex(cfg.Gateway.OrderIndexPath, node, logger)
	if err != nil {
		logger.Error("failed to open order index", slog.Any("error", err))
		os.Exit(1)
	}

	gatewayHandler, err := gateway.New(gateway.Config{
		Node:   node,
		Orders: orders,
		Authenticator: gateway.NewAuthenticator(gateway.AuthConfig{
			Enabled:    cfg.Gateway.JWTSecret != "",
			HMACSecret: cfg.Gateway.JWTSecret,
			Issuer:     cfg.Gateway.Issuer,
			Audience:   cfg.Gateway.Audience,
		}, logger),
		RateLimiter: gateway.NewRateLimiter(gateway.RateLimit{
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			Burst:             cfg.Gateway.Burst,
		}, logger),
	})
	if err != nil {
		logger.Error("failed to build gateway", slog.Any("error", err))
		os.Exit(1)
	}

	node.Start(ctx)
	defer node.Stop()
	if strings.TrimSpace(cfg.MessagingURL) != "" {
		client.Start(ctx)
		defer client.Stop()
	}

	rpcServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           rpc.NewServer(node, strings.TrimSpace(os.Getenv("MARKETD_RPC_TOKEN"))).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	gatewayServer := &http.Server{
		Addr:              cfg.GatewayAddress,
		Handler:           gatewayHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("rpc listening", slog.String("addr", cfg.RPCAddress))
		errCh <- rpcServer.ListenAndServe()
	}()
	go func() {
		logger.Info("gateway listening", slog.String("addr", cfg.GatewayAddress))
		errCh <- gatewayServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = rpcServer.Shutdown(shutdownCtx)
	_ = gatewayServer.Shutdown(shutdownCtx)
}
