package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/api"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/artifacts"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/config"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/identity"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/negotiation"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/obligation"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/observability"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/pdp"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/pep"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/pip"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/verifier"
)

// Connector holds every wired component of a running connector.
type Connector struct {
	Config     *config.Config
	Store      *store.SQLStore
	Payloads   artifacts.Store
	Info       *pip.Provider
	Dispatcher *pep.Dispatcher
	Execution  *pep.ExecutionService
	Access     *verifier.AccessVerifier
	Provision  *verifier.ProvisionVerifier
	Contracts  *negotiation.Manager
	Sweeper    *obligation.Sweeper
	Tokens     *identity.TokenManager
	Telemetry  *observability.Provider

	redis  *redis.Client
	logger *slog.Logger
}

// NewConnector wires the components described by cfg. Nothing runs until
// Start.
//
//nolint:gocyclo
func NewConnector(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	c := &Connector{Config: cfg, logger: logger}

	telemetry := observability.DefaultConfig()
	telemetry.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	tp, err := observability.New(ctx, telemetry)
	if err != nil {
		return nil, err
	}
	c.Telemetry = tp

	// Entity store: Postgres, or SQLite in lite mode.
	if cfg.DatabaseURL == "" {
		//nolint:gosec // G301: data directory shared with artifact payloads
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		logger.InfoContext(ctx, "lite mode: using sqlite", "path", filepath.Join(cfg.DataDir, "connector.db"))
	}
	st, err := store.Open(cfg.DatabaseURL, filepath.Join(cfg.DataDir, "connector.db"))
	if err != nil {
		return nil, err
	}
	c.Store = st
	if err := st.DB().PingContext(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if err := st.Init(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	payloads, err := artifacts.NewStore(ctx, artifacts.StorageConfig{
		Type:     artifacts.StoreType(cfg.Artifacts.StorageType),
		DataDir:  cfg.DataDir,
		Bucket:   cfg.Artifacts.Bucket,
		Prefix:   cfg.Artifacts.Prefix,
		Region:   cfg.Artifacts.Region,
		Endpoint: cfg.Artifacts.Endpoint,
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Payloads = payloads

	// Access counts live in Redis when configured so replicas share them.
	var counter pip.AccessCounter = st
	if cfg.Redis.Addr != "" {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		counter = pip.NewRedisCounter(c.redis, "connector:access")
	}
	c.Info = pip.NewProvider(st, counter)

	c.Dispatcher = pep.NewDispatcher(pep.DispatcherConfig{
		Workers:       cfg.Dispatch.Workers,
		QueueSize:     cfg.Dispatch.QueueSize,
		MaxAttempts:   cfg.Dispatch.MaxAttempts,
		RetryDelay:    cfg.Dispatch.RetryDelay,
		RatePerSecond: cfg.Dispatch.RatePerSecond,
	}, pep.NewHTTPSender(10*time.Second, nil), logger)
	c.Execution = pep.NewExecutionService(c.Dispatcher, cfg.ConnectorID, cfg.ClearingHouseURL, logger)

	backend := pdp.BackendInternal
	var remote pdp.PolicyDecisionPoint
	if cfg.External() {
		backend = pdp.BackendExternal
		remote = pdp.NewRemotePDP(pdp.RemoteConfig{URL: cfg.ExternalPDPURL}).WithLogger(logger)
	}
	validator := pdp.NewValidator(c.Info, c.Execution, pdp.WithLogger(logger))
	opts := verifier.Options{
		TolerateUnsupportedPatterns: cfg.TolerateUnsupportedPatterns,
		Backend:                     backend,
		ConnectorID:                 cfg.ConnectorID,
		Logger:                      logger,
		Observer:                    tp,
	}
	c.Access = verifier.NewAccessVerifier(st, validator, c.Info, remote, opts)
	c.Provision = verifier.NewProvisionVerifier(validator, remote, opts)

	c.Contracts, err = negotiation.NewManager(negotiation.Config{
		ConnectorID: cfg.ConnectorID,
		BaseURI:     cfg.BaseURI,
		Validity:    cfg.ContractValidity,
	}, st,
		negotiation.WithOffers(st),
		negotiation.WithClearingHouse(c.Execution),
		negotiation.WithLogger(logger),
	)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	c.Sweeper = obligation.NewSweeper(st, payloads, obligation.Config{
		Interval: cfg.SweepInterval,
		Backend:  backend,
		Logger:   logger,
		Observer: tp,
	})

	keys, err := identity.NewInMemoryKeySet()
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	var tokenOpts []identity.TokenOption
	if cfg.DATIssuer != "" {
		tokenOpts = append(tokenOpts, identity.WithIssuer(cfg.DATIssuer))
	}
	c.Tokens = identity.NewTokenManager(keys, tokenOpts...)

	return c, nil
}

// APIServer exposes the wired components over HTTP.
func (c *Connector) APIServer(limiter *api.RateLimiter) *api.Server {
	s := &api.Server{
		ConnectorID: c.Config.ConnectorID,
		Access:      c.Access,
		Provision:   c.Provision,
		Contracts:   c.Contracts,
		Sweeper:     c.Sweeper,
		Catalog:     c.Store,
		Payloads:    c.Payloads,
		Notifier:    c.Execution,
		Tokens:      c.Tokens,
		Limiter:     limiter,
		Middleware:  []func(http.Handler) http.Handler{c.Telemetry.HTTPMiddleware("api")},
		Logger:      c.logger,
	}
	if c.Config.API.IssueTokens {
		s.Issuer = c.Tokens
	}
	return s
}

// Start launches background delivery and the enforcement sweep.
func (c *Connector) Start(ctx context.Context) error {
	if err := c.Dispatcher.Start(ctx); err != nil {
		return err
	}
	return c.Sweeper.Start(ctx)
}

// Close stops background work and releases connections.
func (c *Connector) Close() error {
	var errs []error
	if c.Sweeper != nil {
		c.Sweeper.Stop()
	}
	if c.Dispatcher != nil {
		c.Dispatcher.Stop()
	}
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	if c.Telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, c.Telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
