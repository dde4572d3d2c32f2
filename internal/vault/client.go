package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"trading-gateway-core/config"

	"github.com/hashicorp/vault/api"
)

// ErrCredentialsNotFound is returned when the secret path holds no credentials
var ErrCredentialsNotFound = errors.New("gateway credentials not found")

// GatewayCredentials is the gateway session secret stored in Vault
type GatewayCredentials struct {
	URL     string `json:"url"`
	Account string `json:"account"`
	Token   string `json:"token"`
}

// Client wraps the HashiCorp Vault client. With Vault disabled it serves the
// credentials from the gateway config instead.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *GatewayCredentials
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// GatewayCredentials returns the gateway session credentials. Fields missing
// from the secret are taken from fallback, so a secret holding only the token
// is enough. Results are cached until ClearCache.
func (c *Client) GatewayCredentials(ctx context.Context, fallback config.GatewayConfig) (*GatewayCredentials, error) {
	base := GatewayCredentials{URL: fallback.URL, Account: fallback.Account, Token: fallback.Token}

	if !c.config.Enabled {
		return &base, nil
	}

	c.mu.RLock()
	if c.cached != nil {
		creds := *c.cached
		c.mu.RUnlock()
		return &creds, nil
	}
	c.mu.RUnlock()

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrCredentialsNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", c.secretPath())
	}

	creds := base
	if v := getString(data, "url"); v != "" {
		creds.URL = v
	}
	if v := getString(data, "account"); v != "" {
		creds.Account = v
	}
	if v := getString(data, "token"); v != "" {
		creds.Token = v
	}

	c.mu.Lock()
	cached := creds
	c.cached = &cached
	c.mu.Unlock()

	return &creds, nil
}

// StoreGatewayCredentials writes the gateway credentials to Vault
func (c *Client) StoreGatewayCredentials(ctx context.Context, creds GatewayCredentials) error {
	if !c.config.Enabled {
		return fmt.Errorf("vault is disabled")
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"url":     creds.URL,
			"account": creds.Account,
			"token":   creds.Token,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), secretData); err != nil {
		return fmt.Errorf("failed to store gateway credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()

	return nil
}

// ClearCache drops the cached credentials so the next read goes to Vault
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// secretPath returns the KV v2 data path of the credentials secret
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
