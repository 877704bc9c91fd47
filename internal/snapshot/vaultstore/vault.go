// Package vaultstore persists snapshots in a Vault KV v1 mount.
package vaultstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/libops/budget-watch/internal/snapshot"
	"github.com/libops/budget-watch/internal/vault"
)

const (
	fieldValue = "value"
	fieldTags  = "tags"
)

// Store implements snapshot.Store on a KV v1 secret per key.
type Store struct {
	kv *vault.KVv1
}

// New creates a Vault backed snapshot store.
func New(kv *vault.KVv1) *Store {
	return &Store{kv: kv}
}

// secretPath maps "/stack/ThrottledFunctions" to "stack/ThrottledFunctions".
func secretPath(key string) string {
	return strings.TrimPrefix(key, "/")
}

func (s *Store) Put(ctx context.Context, key string, value []byte, meta snapshot.Metadata) error {
	data := map[string]any{fieldValue: string(value)}
	if len(meta.Tags) > 0 {
		tags := make(map[string]any, len(meta.Tags))
		for k, v := range meta.Tags {
			tags[k] = v
		}
		data[fieldTags] = tags
	}
	return s.kv.Write(ctx, secretPath(key), data)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.kv.Read(ctx, secretPath(key))
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return nil, snapshot.ErrNotFound
		}
		return nil, err
	}

	value, ok := data[fieldValue].(string)
	if !ok {
		return nil, fmt.Errorf("secret %s has no string %q field", key, fieldValue)
	}
	if value == "" {
		return nil, snapshot.ErrNotFound
	}
	return []byte(value), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, secretPath(key))
}
