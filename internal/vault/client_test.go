package vault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"trading-gateway-core/config"
)

func TestGatewayCredentials_VaultDisabledUsesConfig(t *testing.T) {
	c, err := NewClient(config.VaultConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.IsEnabled() {
		t.Error("Expected vault to be disabled")
	}

	creds, err := c.GatewayCredentials(context.Background(), config.GatewayConfig{
		URL:     "ws://gw:4002/session",
		Account: "DU123",
		Token:   "env-token",
	})
	if err != nil {
		t.Fatalf("GatewayCredentials failed: %v", err)
	}
	if creds.URL != "ws://gw:4002/session" || creds.Account != "DU123" || creds.Token != "env-token" {
		t.Errorf("Expected config credentials, got %+v", creds)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Expected disabled vault to be healthy, got %v", err)
	}
	if err := c.StoreGatewayCredentials(context.Background(), *creds); err == nil {
		t.Error("Expected store to fail with vault disabled")
	}
}

// fakeVault serves a KV v2 secret at secret/data/trading-gateway/credentials
func fakeVault(t *testing.T, data map[string]interface{}, reads *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/trading-gateway/credentials" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		if r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		atomic.AddInt32(reads, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data":     data,
				"metadata": map[string]interface{}{"version": 1},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func vaultConfig(addr, secretPath string) config.VaultConfig {
	return config.VaultConfig{
		Enabled:    true,
		Address:    addr,
		Token:      "root",
		MountPath:  "secret",
		SecretPath: secretPath,
	}
}

func TestGatewayCredentials_ReadsSecretWithFallback(t *testing.T) {
	var reads int32
	srv := fakeVault(t, map[string]interface{}{"token": "vault-token", "account": "U999"}, &reads)

	c, err := NewClient(vaultConfig(srv.URL, "trading-gateway/credentials"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	fallback := config.GatewayConfig{URL: "ws://gw:4002/session", Account: "DU123", Token: "env-token"}
	creds, err := c.GatewayCredentials(context.Background(), fallback)
	if err != nil {
		t.Fatalf("GatewayCredentials failed: %v", err)
	}
	if creds.Token != "vault-token" {
		t.Errorf("Expected token from vault, got %s", creds.Token)
	}
	if creds.Account != "U999" {
		t.Errorf("Expected account from vault, got %s", creds.Account)
	}
	if creds.URL != "ws://gw:4002/session" {
		t.Errorf("Expected URL from fallback, got %s", creds.URL)
	}

	// second read is served from the cache
	if _, err := c.GatewayCredentials(context.Background(), fallback); err != nil {
		t.Fatalf("cached read failed: %v", err)
	}
	if n := atomic.LoadInt32(&reads); n != 1 {
		t.Errorf("Expected 1 vault read, got %d", n)
	}

	c.ClearCache()
	if _, err := c.GatewayCredentials(context.Background(), fallback); err != nil {
		t.Fatalf("read after ClearCache failed: %v", err)
	}
	if n := atomic.LoadInt32(&reads); n != 2 {
		t.Errorf("Expected 2 vault reads after ClearCache, got %d", n)
	}
}

func TestGatewayCredentials_MissingSecret(t *testing.T) {
	var reads int32
	srv := fakeVault(t, map[string]interface{}{}, &reads)

	c, err := NewClient(vaultConfig(srv.URL, "elsewhere"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = c.GatewayCredentials(context.Background(), config.GatewayConfig{})
	if !errors.Is(err, ErrCredentialsNotFound) {
		t.Errorf("Expected ErrCredentialsNotFound, got %v", err)
	}
}
