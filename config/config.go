package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	GatewayConfig   GatewayConfig   `json:"gateway"`
	PoolConfig      PoolConfig      `json:"pool"`
	RiskConfig      RiskConfig      `json:"risk"`
	CacheConfig     CacheConfig     `json:"cache"`
	ReconcileConfig ReconcileConfig `json:"reconcile"`
	LoggingConfig   LoggingConfig   `json:"logging"`
	ServerConfig    ServerConfig    `json:"server"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	VaultConfig     VaultConfig     `json:"vault"`
	RedisConfig     RedisConfig     `json:"redis"`
}

// GatewayConfig holds trading gateway session settings
type GatewayConfig struct {
	URL                  string        `json:"url"`     // websocket endpoint of the gateway bridge
	Account              string        `json:"account"` // brokerage account id
	Token                string        `json:"token"`   // session token (prefer vault)
	HeartbeatInterval    time.Duration `json:"heartbeat_interval"`
	StaleAfter           time.Duration `json:"stale_after"` // heartbeat age treated as link death
	RequestTimeout       time.Duration `json:"request_timeout"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
	BaseBackoff          time.Duration `json:"base_backoff"`
	MaxBackoff           time.Duration `json:"max_backoff"`
	RequestsPerSecond    float64       `json:"requests_per_second"`
	MinClientID          int           `json:"min_client_id"`
	MaxClientID          int           `json:"max_client_id"`
}

// PoolConfig holds connection pool settings
type PoolConfig struct {
	MaxConnections  int           `json:"max_connections"`
	CheckoutTimeout time.Duration `json:"checkout_timeout"`
}

// RiskConfig holds risk gate policy limits (fractions, not percentages)
type RiskConfig struct {
	MaxPositionPct float64 `json:"max_position_pct"`
	MaxLossPct     float64 `json:"max_loss_pct"`
	MaxPositions   int     `json:"max_positions"`
	OptionStopPct  float64 `json:"option_stop_pct"`
	StockStopPct   float64 `json:"stock_stop_pct"`
}

// CacheConfig holds per-entity cache TTLs
type CacheConfig struct {
	OrderTTL   time.Duration `json:"order_ttl"`
	BracketTTL time.Duration `json:"bracket_ttl"`
}

// ReconcileConfig holds the reconciliation poller settings
type ReconcileConfig struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ProductionMode  bool   `json:"production_mode"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path of the gateway credentials secret
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// RedisConfig holds Redis configuration for the shared cache tier
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

func Load() (*Config, error) {
	return LoadFile("config.json")
}

// LoadFile loads the given config file if it exists, then applies environment
// overrides and defaults.
func LoadFile(filename string) (*Config, error) {
	cfg, err := loadFromFile(filename)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Environment variables take precedence
	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Gateway
	cfg.GatewayConfig.URL = getEnvOrDefault("GATEWAY_URL", cfg.GatewayConfig.URL)
	cfg.GatewayConfig.Account = getEnvOrDefault("GATEWAY_ACCOUNT", cfg.GatewayConfig.Account)
	cfg.GatewayConfig.Token = getEnvOrDefault("GATEWAY_TOKEN", cfg.GatewayConfig.Token)
	cfg.GatewayConfig.HeartbeatInterval = getEnvDurationOrDefault("GATEWAY_HEARTBEAT_INTERVAL", cfg.GatewayConfig.HeartbeatInterval)
	cfg.GatewayConfig.StaleAfter = getEnvDurationOrDefault("GATEWAY_STALE_AFTER", cfg.GatewayConfig.StaleAfter)
	cfg.GatewayConfig.RequestTimeout = getEnvDurationOrDefault("GATEWAY_REQUEST_TIMEOUT", cfg.GatewayConfig.RequestTimeout)
	cfg.GatewayConfig.MaxReconnectAttempts = getEnvIntOrDefault("GATEWAY_MAX_RECONNECT_ATTEMPTS", cfg.GatewayConfig.MaxReconnectAttempts)
	cfg.GatewayConfig.BaseBackoff = getEnvDurationOrDefault("GATEWAY_BASE_BACKOFF", cfg.GatewayConfig.BaseBackoff)
	cfg.GatewayConfig.MaxBackoff = getEnvDurationOrDefault("GATEWAY_MAX_BACKOFF", cfg.GatewayConfig.MaxBackoff)
	cfg.GatewayConfig.RequestsPerSecond = getEnvFloatOrDefault("GATEWAY_REQUESTS_PER_SECOND", cfg.GatewayConfig.RequestsPerSecond)

	// Pool
	cfg.PoolConfig.MaxConnections = getEnvIntOrDefault("POOL_MAX_CONNECTIONS", cfg.PoolConfig.MaxConnections)
	cfg.PoolConfig.CheckoutTimeout = getEnvDurationOrDefault("POOL_CHECKOUT_TIMEOUT", cfg.PoolConfig.CheckoutTimeout)

	// Risk
	cfg.RiskConfig.MaxPositionPct = getEnvFloatOrDefault("RISK_MAX_POSITION_PCT", cfg.RiskConfig.MaxPositionPct)
	cfg.RiskConfig.MaxLossPct = getEnvFloatOrDefault("RISK_MAX_LOSS_PCT", cfg.RiskConfig.MaxLossPct)
	cfg.RiskConfig.MaxPositions = getEnvIntOrDefault("RISK_MAX_POSITIONS", cfg.RiskConfig.MaxPositions)
	cfg.RiskConfig.OptionStopPct = getEnvFloatOrDefault("RISK_OPTION_STOP_PCT", cfg.RiskConfig.OptionStopPct)
	cfg.RiskConfig.StockStopPct = getEnvFloatOrDefault("RISK_STOCK_STOP_PCT", cfg.RiskConfig.StockStopPct)

	// Cache
	cfg.CacheConfig.OrderTTL = getEnvDurationOrDefault("CACHE_ORDER_TTL", cfg.CacheConfig.OrderTTL)
	cfg.CacheConfig.BracketTTL = getEnvDurationOrDefault("CACHE_BRACKET_TTL", cfg.CacheConfig.BracketTTL)

	// Reconcile
	if v := os.Getenv("RECONCILE_ENABLED"); v != "" {
		cfg.ReconcileConfig.Enabled = v == "true"
	}
	cfg.ReconcileConfig.Interval = getEnvDurationOrDefault("RECONCILE_INTERVAL", cfg.ReconcileConfig.Interval)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LoggingConfig.JSONFormat = v == "true"
	}
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true" || cfg.LoggingConfig.IncludeFile

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)
	if v := os.Getenv("PRODUCTION_MODE"); v != "" {
		cfg.ServerConfig.ProductionMode = v == "true"
	}

	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Vault config
	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)
	cfg.VaultConfig.TLSEnabled = cfg.VaultConfig.CACert != "" || cfg.VaultConfig.TLSEnabled

	// Redis config
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)
}

// applyDefaults fills anything left unset by the file and the environment
func applyDefaults(cfg *Config) {
	g := &cfg.GatewayConfig
	if g.URL == "" {
		g.URL = "ws://127.0.0.1:4002/session"
	}
	if g.HeartbeatInterval <= 0 {
		g.HeartbeatInterval = 30 * time.Second
	}
	if g.StaleAfter <= 0 {
		g.StaleAfter = 2 * time.Minute
	}
	if g.RequestTimeout <= 0 {
		g.RequestTimeout = 15 * time.Second
	}
	if g.MaxReconnectAttempts <= 0 {
		g.MaxReconnectAttempts = 5
	}
	if g.BaseBackoff <= 0 {
		g.BaseBackoff = time.Second
	}
	if g.MaxBackoff <= 0 {
		g.MaxBackoff = 30 * time.Second
	}
	if g.RequestsPerSecond <= 0 {
		g.RequestsPerSecond = 45 // gateway allows 50 msgs/sec per session
	}
	if g.MinClientID <= 0 {
		g.MinClientID = 100
	}
	if g.MaxClientID <= g.MinClientID {
		g.MaxClientID = 999
	}

	if cfg.PoolConfig.MaxConnections <= 0 {
		cfg.PoolConfig.MaxConnections = 3
	}
	if cfg.PoolConfig.CheckoutTimeout <= 0 {
		cfg.PoolConfig.CheckoutTimeout = 10 * time.Second
	}

	r := &cfg.RiskConfig
	if r.MaxPositionPct <= 0 {
		r.MaxPositionPct = 0.10
	}
	if r.MaxLossPct <= 0 {
		r.MaxLossPct = 0.15
	}
	if r.MaxPositions <= 0 {
		r.MaxPositions = 10
	}
	if r.OptionStopPct <= 0 {
		r.OptionStopPct = 0.30
	}
	if r.StockStopPct <= 0 {
		r.StockStopPct = 0.15
	}

	if cfg.CacheConfig.OrderTTL <= 0 {
		cfg.CacheConfig.OrderTTL = 30 * time.Second
	}
	if cfg.CacheConfig.BracketTTL <= 0 {
		cfg.CacheConfig.BracketTTL = 60 * time.Second
	}

	if cfg.ReconcileConfig.Interval <= 0 {
		cfg.ReconcileConfig.Interval = 15 * time.Second
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}

	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 10
	}

	d := &cfg.DatabaseConfig
	if d.Host == "" {
		d.Host = "localhost"
	}
	if d.Port == 0 {
		d.Port = 5432
	}
	if d.User == "" {
		d.User = "trader"
	}
	if d.Database == "" {
		d.Database = "trading"
	}
	if d.SSLMode == "" {
		d.SSLMode = "disable"
	}

	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://localhost:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "trading-gateway/credentials"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
