// Package ssmstore persists snapshots as SSM Parameter Store parameters.
package ssmstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/libops/budget-watch/internal/snapshot"
)

// Client is the subset of the SSM API used by Store.
type Client interface {
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	AddTagsToResource(ctx context.Context, params *ssm.AddTagsToResourceInput, optFns ...func(*ssm.Options)) (*ssm.AddTagsToResourceOutput, error)
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	DeleteParameter(ctx context.Context, params *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
}

// Store implements snapshot.Store on SSM parameters. The key is the
// parameter name.
type Store struct {
	client Client
}

// New creates a parameter store backed snapshot store.
func New(client Client) *Store {
	return &Store{client: client}
}

// Put writes the parameter with overwrite, then tags it. SSM refuses tags
// on an overwriting PutParameter, so tagging is a second call.
func (s *Store) Put(ctx context.Context, key string, value []byte, meta snapshot.Metadata) error {
	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(key),
		Value:     aws.String(string(value)),
		Type:      types.ParameterTypeString,
		Tier:      types.ParameterTierIntelligentTiering,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to put parameter %s: %w", key, err)
	}

	if len(meta.Tags) == 0 {
		return nil
	}

	tags := make([]types.Tag, 0, len(meta.Tags))
	for _, k := range meta.SortedTagKeys() {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(meta.Tags[k])})
	}

	_, err = s.client.AddTagsToResource(ctx, &ssm.AddTagsToResourceInput{
		ResourceType: types.ResourceTypeForTaggingParameter,
		ResourceId:   aws.String(key),
		Tags:         tags,
	})
	if err != nil {
		return fmt.Errorf("failed to tag parameter %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(key),
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return nil, snapshot.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get parameter %s: %w", key, err)
	}

	if out.Parameter == nil || out.Parameter.Value == nil || *out.Parameter.Value == "" {
		return nil, snapshot.ErrNotFound
	}
	return []byte(*out.Parameter.Value), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteParameter(ctx, &ssm.DeleteParameterInput{
		Name: aws.String(key),
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("failed to delete parameter %s: %w", key, err)
	}
	return nil
}
