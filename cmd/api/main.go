package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/example/bank-api/internal/api"
	"github.com/example/bank-api/internal/auth"
	"github.com/example/bank-api/internal/config"
	"github.com/example/bank-api/internal/health"
	"github.com/example/bank-api/internal/ledger"
	"github.com/example/bank-api/internal/payments"
	"github.com/example/bank-api/internal/publisher"
	"github.com/example/bank-api/internal/security"
	"github.com/example/bank-api/pkg/audit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("bank api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	allowlist, err := security.ParseCIDRAllowlist(cfg.IPAllowlist)
	if err != nil {
		return err
	}

	store, err := ledger.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}

	auditor, closeAudit, err := newAuditor(cfg.AuditLogPath)
	if err != nil {
		return err
	}
	defer closeAudit()

	pub, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}

	engine := payments.NewEngine(payments.Dependencies{
		Store:     store,
		Publisher: pub,
		Auditor:   auditor,
		Logger:    logger,
	})

	deps := api.Dependencies{
		Logger:       logger,
		Payments:     engine,
		Ledger:       store,
		Batches:      store,
		Auditor:      auditor,
		IPAllowlist:  allowlist,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		deps.RateLimiter = &security.RedisTokenBucket{
			Redis:      redisClient,
			Prefix:     "bank_api",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefillPerSec,
			FailOpen:   !cfg.IsProduction(),
		}
	} else {
		logger.Warn("rate limiting disabled", "reason", "REDIS_ADDR not set")
	}

	if cfg.OAuthClients != "" {
		clients, err := auth.ParseClients(cfg.OAuthClients)
		if err != nil {
			return err
		}
		keySet, err := newKeySet(cfg, logger)
		if err != nil {
			return err
		}
		deps.OAuth = &auth.OAuthServer{
			Store:          clients,
			Keys:           keySet,
			Issuer:         cfg.OAuthIssuer,
			AccessTokenTTL: cfg.OAuthTokenTTL,
			Logger:         logger,
		}
		deps.JWTValidator = &auth.JWTValidator{KeySet: keySet, Issuer: cfg.OAuthIssuer, Leeway: 30 * time.Second}
		logger.Info("oauth enabled",
			"clients", clients.Len(),
			"issuer", cfg.OAuthIssuer,
			"kid", keySet.KeyID(),
			"verification_keys", len(keySet.JWKS().Keys),
		)
	} else {
		logger.Warn("oauth disabled", "reason", "OAUTH_CLIENTS not set")
	}

	router, err := api.NewRouter(deps)
	if err != nil {
		return err
	}

	var tlsCfg *tls.Config
	if cfg.TLSEnabled() {
		if err := security.VerifyTLSFiles(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
			return err
		}
		tlsCfg, err = security.LoadServerTLSConfig(security.TLSConfig{
			CertFile:          cfg.TLSCertFile,
			KeyFile:           cfg.TLSKeyFile,
			CAFile:            cfg.TLSCAFile,
			RequireClientAuth: cfg.TLSCAFile != "",
		})
		if err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         tlsCfg,
	}

	ln, err := net.Listen("tcp", cfg.APIAddr)
	if err != nil {
		return err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	var grpcOpts []grpc.ServerOption
	if tlsCfg != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	grpcServer := health.NewGRPCServer(store, logger, grpcOpts...)

	grpcLn, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = ln.Close()
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc health listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("bank api listening", "addr", cfg.APIAddr, "tls", tlsCfg != nil, "env", cfg.Environment)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	grpcServer.GracefulStop()

	return serveErr
}

func newKeySet(cfg *config.Config, logger *slog.Logger) (*auth.KeySet, error) {
	if cfg.OAuthSigningKeyFile == "" {
		logger.Warn("oauth signing key generated", "reason", "OAUTH_SIGNING_KEY_FILE not set")
		return auth.NewKeySet()
	}
	return auth.LoadKeySet(cfg.OAuthSigningKeyFile, cfg.OAuthRetiredKeyFiles...)
}

func newAuditor(path string) (*audit.ChainLogger, func(), error) {
	if path == "" {
		return audit.NewChainLogger(), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return audit.NewChainLoggerWithSink(f), func() { _ = f.Close() }, nil
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (payments.Publisher, error) {
	if cfg.SAPODataURL == "" {
		logger.Warn("confirmation push disabled", "reason", "SAP_ODATA_URL not set")
		return publisher.Noop{}, nil
	}

	client := &http.Client{Timeout: cfg.SAPTimeout}
	if cfg.SAPCAFile != "" {
		tlsCfg, err := security.LoadClientTLSConfig(security.TLSConfig{CAFile: cfg.SAPCAFile})
		if err != nil {
			return nil, err
		}
		client.Transport = &http.Transport{TLSClientConfig: tlsCfg, Proxy: http.ProxyFromEnvironment}
	}

	od, err := publisher.NewOData(publisher.Config{
		URL:      cfg.SAPODataURL,
		User:     cfg.SAPUser,
		Password: cfg.SAPPassword,
		Timeout:  cfg.SAPTimeout,
	}, client)
	if err != nil {
		return nil, err
	}

	return publisher.NewBreaker(od, publisher.BreakerConfig{
		Name:                "sap-odata",
		ConsecutiveFailures: uint32(cfg.PublisherBreakerFailures),
	}, logger), nil
}
