// Command sync-orders runs a single reconciliation pass against the gateway and
// prints what changed. It uses the same configuration as the service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trading-gateway-core/config"
	"trading-gateway-core/internal/broker"
	"trading-gateway-core/internal/cache"
	"trading-gateway-core/internal/database"
	"trading-gateway-core/internal/gateway"
	"trading-gateway-core/internal/logging"
	"trading-gateway-core/internal/reconcile"
	"trading-gateway-core/internal/vault"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall time limit")
	asJSON := flag.Bool("json", false, "print the result as JSON")
	flag.Parse()

	// Try the working directory, then next to the binary
	exe, _ := os.Executable()
	godotenv.Load()
	godotenv.Load(filepath.Join(filepath.Dir(exe), ".env"))

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     "stderr",
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "sync-orders",
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

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
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run database migrations")
	}
	store := database.NewOrderRepository(db)

	// Refresh the shared cache too, so a running service sees the result
	var tiers []cache.Tier
	if cfg.RedisConfig.Enabled {
		if svc, err := cache.NewCacheService(cfg.RedisConfig, logger); err == nil {
			defer svc.Close()
			tiers = append(tiers, svc)
		} else {
			logger.Warn().Err(err).Msg("Redis cache unavailable, skipping cache refresh")
		}
	}
	orderCache := cache.NewOrderCache(cfg.CacheConfig, logger, tiers...)

	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create vault client")
	}
	creds, err := vaultClient.GatewayCredentials(ctx, cfg.GatewayConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load gateway credentials")
	}

	// One connection is enough for a single pass
	dialer := &gateway.WebsocketDialer{
		URL:               creds.URL,
		Account:           creds.Account,
		Token:             creds.Token,
		RequestsPerSecond: cfg.GatewayConfig.RequestsPerSecond,
	}
	pool := gateway.NewPool(gateway.PoolConfig{
		MaxConnections:  1,
		CheckoutTimeout: cfg.PoolConfig.CheckoutTimeout,
	}, func(slot int) gateway.Connection {
		return gateway.NewManager(slot, gateway.Config{
			RequestTimeout:       cfg.GatewayConfig.RequestTimeout,
			MaxReconnectAttempts: cfg.GatewayConfig.MaxReconnectAttempts,
			BaseBackoff:          cfg.GatewayConfig.BaseBackoff,
			MaxBackoff:           cfg.GatewayConfig.MaxBackoff,
			MinClientID:          cfg.GatewayConfig.MinClientID,
			MaxClientID:          cfg.GatewayConfig.MaxClientID,
		}, dialer, logger)
	}, logger)
	defer pool.Close()

	if err := pool.Initialize(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to gateway")
	}

	adapter := broker.NewAdapter(pool, logger)
	poller := reconcile.NewPoller(reconcile.NewReconciler(store, orderCache, nil, logger), adapter, 0, logger)

	result, err := poller.RunOnce(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Reconciliation failed")
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result)
		return
	}

	fmt.Printf("Live open orders: %d\n", result.Live)
	fmt.Printf("Updated:          %d\n", result.Updated)
	fmt.Printf("Unchanged:        %d\n", result.Unchanged)
	fmt.Printf("Duration:         %s\n", result.Duration.Round(time.Millisecond))

	if len(result.Resolved) > 0 {
		fmt.Println("\nResolved (no longer open at the gateway):")
		for _, r := range result.Resolved {
			fmt.Printf("  %-10d %-14s %s\n", r.OrderID, r.Status, r.Resolution)
		}
	}
	if len(result.Brackets) > 0 {
		fmt.Println("\nBracket changes:")
		for _, b := range result.Brackets {
			fmt.Printf("  %-44s %s -> %s\n", b.OcaGroup, b.From, b.To)
		}
	}
}
