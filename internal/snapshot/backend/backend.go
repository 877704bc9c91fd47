// Package backend builds the snapshot store selected by SNAPSHOT_BACKEND.
package backend

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/libops/budget-watch/internal/config"
	"github.com/libops/budget-watch/internal/snapshot"
	"github.com/libops/budget-watch/internal/snapshot/dynamostore"
	"github.com/libops/budget-watch/internal/snapshot/redisstore"
	"github.com/libops/budget-watch/internal/snapshot/s3store"
	"github.com/libops/budget-watch/internal/snapshot/ssmstore"
	"github.com/libops/budget-watch/internal/snapshot/vaultstore"
	"github.com/libops/budget-watch/internal/vault"
)

// New returns the configured store and a closer that releases it.
// The closer is never nil.
func New(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (snapshot.Store, func() error, error) {
	noClose := func() error { return nil }

	switch cfg.SnapshotBackend {
	case config.BackendSSM:
		return ssmstore.New(ssm.NewFromConfig(awsCfg)), noClose, nil

	case config.BackendDynamoDB:
		return dynamostore.New(dynamodb.NewFromConfig(awsCfg), cfg.SnapshotTable), noClose, nil

	case config.BackendS3:
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			// Local endpoints such as LocalStack need path-style addressing.
			o.UsePathStyle = cfg.EndpointURL != ""
		})
		return s3store.New(client, cfg.SnapshotBucket, cfg.SnapshotPrefix), noClose, nil

	case config.BackendVault:
		client, err := vault.NewClient(&vault.Config{Address: cfg.VaultAddr, Token: cfg.VaultToken})
		if err != nil {
			return nil, noClose, fmt.Errorf("failed to create vault client: %w", err)
		}
		return vaultstore.New(vault.NewKVv1(client, cfg.VaultKVMount)), noClose, nil

	case config.BackendRedis:
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, noClose, err
		}
		return store, store.Close, nil

	case config.BackendMemory:
		return snapshot.NewMemoryStore(), noClose, nil

	default:
		return nil, noClose, fmt.Errorf("unknown snapshot backend %q", cfg.SnapshotBackend)
	}
}
