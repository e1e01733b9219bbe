package config

import (
	"fmt"

	"github.com/hashicorp/vault/api"
)

// SecretManager wraps the Vault API client for reading secrets, used to
// overlay the broker DSN's credentials over plain env vars.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager creates a Vault client pointed at the given address and
// authenticated with the provided token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetSecret reads a secret at the given path and returns the raw data map.
// For KV v2 backends the caller must unwrap the nested "data" key.
func (s *SecretManager) GetSecret(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	return secret.Data, nil
}

// GetKV2 reads from a KV v2 backend and returns the inner "data" map,
// unwrapping the v2 envelope.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	raw, err := s.GetSecret(path)
	if err != nil {
		return nil, err
	}
	data, ok := raw["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// BrokerOverlay reads the AMQP user/pass from a Vault KV v2 secret when addr
// is set. It returns ok=false when addr is empty or the secret cannot be
// read, so the caller falls back to plain env vars — Vault is an optional
// overlay, never a hard requirement, since most of the pipeline's
// deployments run without it.
func BrokerOverlay(addr, token, path string) (user, pass string, ok bool) {
	if addr == "" {
		return "", "", false
	}
	mgr, err := NewSecretManager(addr, token)
	if err != nil {
		return "", "", false
	}
	secrets, err := mgr.GetKV2(path)
	if err != nil {
		return "", "", false
	}
	u, _ := secrets["RABBITMQ_USER"].(string)
	p, _ := secrets["RABBITMQ_PASS"].(string)
	if u == "" && p == "" {
		return "", "", false
	}
	return u, p, true
}
