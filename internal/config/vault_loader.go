package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// VaultSecretsDir is where the Vault agent renders one file per secret.
	VaultSecretsDir = "/vault/secrets"
	// DefaultTimeout bounds the wait for a required secret. The controllers
	// run inside a function timeout, so this stays short.
	DefaultTimeout = 10 * time.Second
	// PollInterval is how often a missing required secret is re-checked.
	PollInterval = 1 * time.Second
)

// VaultLoader resolves secrets from the environment, falling back to files
// rendered by a Vault agent sidecar.
type VaultLoader struct {
	secretsDir string
	timeout    time.Duration
}

// NewVaultLoader reads VAULT_SECRETS_DIR and VAULT_SECRETS_TIMEOUT.
func NewVaultLoader() *VaultLoader {
	return &VaultLoader{
		secretsDir: getEnv("VAULT_SECRETS_DIR", VaultSecretsDir),
		timeout:    getEnvDuration("VAULT_SECRETS_TIMEOUT", DefaultTimeout),
	}
}

// LoadEnv returns the value of key. The environment wins; otherwise the
// secret file is read. A required secret that has not been rendered yet is
// polled for until the loader's timeout.
func (v *VaultLoader) LoadEnv(key string, required bool) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}

	path := filepath.Join(v.secretsDir, key)
	value, err := readSecret(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s: %w", key, err)
	}
	if value != "" || !required {
		if value != "" {
			slog.Debug("Loaded secret from Vault agent", "key", key)
		}
		return value, nil
	}

	slog.Info("Waiting for required secret", "key", key, "timeout", v.timeout)
	start := time.Now()
	deadline := start.Add(v.timeout)
	for time.Now().Before(deadline) {
		time.Sleep(min(PollInterval, time.Until(deadline)))

		value, err := readSecret(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret %s: %w", key, err)
		}
		if value != "" {
			slog.Info("Loaded required secret from Vault agent", "key", key, "waited", time.Since(start).Round(time.Millisecond))
			return value, nil
		}
	}

	return "", fmt.Errorf("timeout waiting for required secret %s after %v", key, v.timeout)
}

// readSecret returns the trimmed file content, or "" when the file does not
// exist yet. Agent templates usually end with a newline.
func readSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
