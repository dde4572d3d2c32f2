package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"trading-gateway-core/config"
	"trading-gateway-core/internal/api"
	"trading-gateway-core/internal/broker"
	"trading-gateway-core/internal/cache"
	"trading-gateway-core/internal/database"
	"trading-gateway-core/internal/events"
	"trading-gateway-core/internal/gateway"
	"trading-gateway-core/internal/logging"
	"trading-gateway-core/internal/order"
	"trading-gateway-core/internal/orders"
	"trading-gateway-core/internal/reconcile"
	"trading-gateway-core/internal/risk"
	"trading-gateway-core/internal/vault"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	memoryStore := flag.Bool("memory-store", false, "keep orders in memory instead of PostgreSQL (dry runs)")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		l := logging.Default()
		l.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus := events.NewEventBus()

	// Order store
	store, closeStore := openStore(ctx, cfg, *memoryStore, logger)
	defer closeStore()

	// Order cache: shared redis tier when enabled, in-process tier always
	orderCache, redisTier := openCache(cfg, logger)
	if redisTier != nil {
		defer redisTier.Close()
	}

	// Gateway credentials
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create vault client")
	}
	creds, err := vaultClient.GatewayCredentials(ctx, cfg.GatewayConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load gateway credentials")
	}
	logger.Info().
		Bool("vault", vaultClient.IsEnabled()).
		Str("account", creds.Account).
		Str("url", creds.URL).
		Msg("Gateway credentials loaded")

	// Connection pool
	pool := newGatewayPool(cfg, creds, eventBus, logger)
	defer pool.Close()
	go initializePool(ctx, pool, logger)

	adapter := broker.NewAdapter(pool, logger)
	gate := risk.NewGate(risk.Config{
		MaxPositionPct: cfg.RiskConfig.MaxPositionPct,
		MaxLossPct:     cfg.RiskConfig.MaxLossPct,
		MaxPositions:   cfg.RiskConfig.MaxPositions,
		OptionStopPct:  cfg.RiskConfig.OptionStopPct,
		StockStopPct:   cfg.RiskConfig.StockStopPct,
	})
	reconciler := reconcile.NewReconciler(store, orderCache, eventBus, logger)
	manager := order.NewManager(adapter, store, orderCache, gate, reconciler, eventBus, logger)

	var reconciliation api.Reconciliation
	if cfg.ReconcileConfig.Enabled {
		poller := reconcile.NewPoller(reconciler, adapter, cfg.ReconcileConfig.Interval, logger)
		poller.Start(ctx)
		defer poller.Stop()
		reconciliation = poller
	} else {
		logger.Info().Msg("Reconciliation poller disabled")
	}

	server := api.NewServer(api.ServerConfig{
		Port:           cfg.ServerConfig.Port,
		Host:           cfg.ServerConfig.Host,
		AllowedOrigins: api.ParseOrigins(cfg.ServerConfig.AllowedOrigins),
		ProductionMode: cfg.ServerConfig.ProductionMode,
	}, manager, reconciliation, eventBus, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	logger.Info().Msg("Shutdown complete")
}

// openStore connects PostgreSQL and applies migrations, or returns an
// in-memory store for dry runs.
func openStore(ctx context.Context, cfg *config.Config, inMemory bool, logger zerolog.Logger) (orders.Store, func()) {
	if inMemory {
		logger.Warn().Msg("Using in-memory order store; orders will not survive a restart")
		return database.NewMemoryStore(), func() {}
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.RunMigrations(migrateCtx); err != nil {
		db.Close()
		logger.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	return database.NewOrderRepository(db), db.Close
}

// openCache builds the order cache. The redis tier is returned separately so
// it can be closed on shutdown; it is nil when redis is disabled.
func openCache(cfg *config.Config, logger zerolog.Logger) (*cache.OrderCache, *cache.CacheService) {
	var redisTier *cache.CacheService
	if cfg.RedisConfig.Enabled {
		svc, err := cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis cache unavailable, using in-process cache only")
		} else {
			redisTier = svc
		}
	}

	orderCache := cache.NewOrderCache(cfg.CacheConfig, logger, redisTier, cache.NewMemoryTier())
	return orderCache, redisTier
}

// newGatewayPool builds the connection pool. Each slot gets its own
// Connection Manager; connection state changes are published on the bus.
func newGatewayPool(cfg *config.Config, creds *vault.GatewayCredentials, bus *events.EventBus, logger zerolog.Logger) *gateway.Pool {
	g := cfg.GatewayConfig
	dialer := &gateway.WebsocketDialer{
		URL:               creds.URL,
		Account:           creds.Account,
		Token:             creds.Token,
		RequestsPerSecond: g.RequestsPerSecond,
	}
	managerCfg := gateway.Config{
		HeartbeatInterval:    g.HeartbeatInterval,
		StaleAfter:           g.StaleAfter,
		RequestTimeout:       g.RequestTimeout,
		MaxReconnectAttempts: g.MaxReconnectAttempts,
		BaseBackoff:          g.BaseBackoff,
		MaxBackoff:           g.MaxBackoff,
		MinClientID:          g.MinClientID,
		MaxClientID:          g.MaxClientID,
	}

	factory := func(slot int) gateway.Connection {
		m := gateway.NewManager(slot, managerCfg, dialer, logger)
		m.SetStateCallback(func(info gateway.ConnectionInfo, up bool) {
			if up {
				bus.PublishConnectionRestored(info.Slot, info.ClientID, info.SessionID)
				return
			}
			bus.PublishConnectionLost(info.Slot, info.ClientID, info.LastError)
		})
		return m
	}

	return gateway.NewPool(gateway.PoolConfig{
		MaxConnections:  cfg.PoolConfig.MaxConnections,
		CheckoutTimeout: cfg.PoolConfig.CheckoutTimeout,
	}, factory, logger)
}

// initializePool connects the pool, retrying with backoff while the gateway is
// unreachable. Requests fail with ErrPoolNotInitialized until it succeeds.
func initializePool(ctx context.Context, pool *gateway.Pool, logger zerolog.Logger) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return pool.Initialize(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", next).Msg("Gateway pool initialization failed")
	})
	if err != nil {
		logger.Info().Err(err).Msg("Gateway pool initialization stopped")
	}
}
