package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// ErrSecretNotFound is returned by KVv1.Read when nothing is stored at the path.
var ErrSecretNotFound = errors.New("secret not found")

// KVv1 reads and writes whole secrets under one KV v1 mount.
type KVv1 struct {
	client    *Client
	mountPath string
}

// NewKVv1 scopes client to mountPath, e.g. "secret".
func NewKVv1(client *Client, mountPath string) *KVv1 {
	return &KVv1{
		client:    client,
		mountPath: mountPath,
	}
}

func (kv *KVv1) fullPath(path string) string {
	return fmt.Sprintf("%s/%s", kv.mountPath, path)
}

// Write replaces the secret at path.
func (kv *KVv1) Write(ctx context.Context, path string, data map[string]any) error {
	fullPath := kv.fullPath(path)

	_, err := do(ctx, kv.client.retry, "write "+fullPath, func() (*api.Secret, error) {
		return kv.client.client.Logical().WriteWithContext(ctx, fullPath, data)
	})
	if err != nil {
		return fmt.Errorf("failed to write secret to %s: %w", fullPath, err)
	}

	return nil
}

// Read returns the secret data at path, or ErrSecretNotFound.
func (kv *KVv1) Read(ctx context.Context, path string) (map[string]any, error) {
	fullPath := kv.fullPath(path)

	secret, err := do(ctx, kv.client.retry, "read "+fullPath, func() (*api.Secret, error) {
		return kv.client.client.Logical().ReadWithContext(ctx, fullPath)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from %s: %w", fullPath, err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w at %s", ErrSecretNotFound, fullPath)
	}

	return secret.Data, nil
}

// Delete removes the secret at path. Deleting a missing secret succeeds.
func (kv *KVv1) Delete(ctx context.Context, path string) error {
	fullPath := kv.fullPath(path)

	_, err := do(ctx, kv.client.retry, "delete "+fullPath, func() (*api.Secret, error) {
		return kv.client.client.Logical().DeleteWithContext(ctx, fullPath)
	})
	if err != nil {
		return fmt.Errorf("failed to delete secret at %s: %w", fullPath, err)
	}

	return nil
}
