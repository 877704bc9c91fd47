// Package dynamostore persists snapshots as DynamoDB items.
//
// Table schema:
//   - Partition key: snapshot_key (string)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name budget-watch-snapshots \
//	  --attribute-definitions AttributeName=snapshot_key,AttributeType=S \
//	  --key-schema AttributeName=snapshot_key,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/libops/budget-watch/internal/snapshot"
)

const (
	attrKey       = "snapshot_key"
	attrValue     = "value"
	attrUpdatedAt = "updated_at"
	attrTags      = "tags"
)

// Client is the subset of the DynamoDB API used by Store.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store implements snapshot.Store with one item per key.
type Store struct {
	client    Client
	tableName string
	now       func() time.Time
}

// New creates a DynamoDB backed snapshot store.
func New(client Client, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func (s *Store) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrKey: &types.AttributeValueMemberS{Value: key},
	}
}

// Put replaces the item unconditionally.
func (s *Store) Put(ctx context.Context, key string, value []byte, meta snapshot.Metadata) error {
	item := s.itemKey(key)
	item[attrValue] = &types.AttributeValueMemberS{Value: string(value)}
	item[attrUpdatedAt] = &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339)}

	if len(meta.Tags) > 0 {
		tags := make(map[string]types.AttributeValue, len(meta.Tags))
		for k, v := range meta.Tags {
			tags[k] = &types.AttributeValueMemberS{Value: v}
		}
		item[attrTags] = &types.AttributeValueMemberM{Value: tags}
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put snapshot %s in %s: %w", key, s.tableName, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("snapshot table %s does not exist: %w", s.tableName, err)
		}
		return nil, fmt.Errorf("failed to get snapshot %s from %s: %w", key, s.tableName, err)
	}

	if len(out.Item) == 0 {
		return nil, snapshot.ErrNotFound
	}

	value, ok := out.Item[attrValue].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("invalid %s attribute for snapshot %s", attrValue, key)
	}
	return []byte(value.Value), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.itemKey(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s from %s: %w", key, s.tableName, err)
	}
	return nil
}
