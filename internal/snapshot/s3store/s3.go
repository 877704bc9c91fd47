// Package s3store persists snapshots as S3 objects.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/libops/budget-watch/internal/snapshot"
)

// Client is the subset of the S3 API used by Store.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store implements snapshot.Store with one object per key.
type Store struct {
	client Client
	bucket string
	prefix string
}

// New creates an S3 backed snapshot store.
// rootPrefix is prepended to all keys (e.g. "budget-watch/").
func New(client Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

// objectKey maps a parameter style key ("/stack/ThrottledFunctions") to an
// object key without a leading slash.
func (s *Store) objectKey(key string) string {
	return strings.TrimPrefix(path.Join(s.prefix, key), "/")
}

func (s *Store) Put(ctx context.Context, key string, value []byte, meta snapshot.Metadata) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/json"),
	}

	if len(meta.Tags) > 0 {
		tags := url.Values{}
		for _, k := range meta.SortedTagKeys() {
			tags.Set(k, meta.Tags[k])
		}
		input.Tagging = aws.String(tags.Encode())
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put snapshot s3://%s/%s: %w", s.bucket, s.objectKey(key), err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, snapshot.ErrNotFound
		}
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, snapshot.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot s3://%s/%s: %w", s.bucket, s.objectKey(key), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot s3://%s/%s: %w", s.bucket, s.objectKey(key), err)
	}
	if len(data) == 0 {
		return nil, snapshot.ErrNotFound
	}
	return data, nil
}

// Delete removes the object. S3 reports success for absent keys.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot s3://%s/%s: %w", s.bucket, s.objectKey(key), err)
	}
	return nil
}
