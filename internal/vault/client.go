// Package vault wraps the HashiCorp Vault API client for the snapshot
// backend: a token-authenticated client and retrying KV v1 helpers.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/vault/api"
)

// Client wraps the Vault API client.
type Client struct {
	client *api.Client
	retry  retryPolicy
}

// Config holds Vault client configuration.
type Config struct {
	Address   string
	Token     string
	Namespace string
	// Timeout bounds a single request. Zero keeps the API default.
	Timeout time.Duration
}

type retryPolicy struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

// maxRetries is the number of retries after the first attempt.
const maxRetries = 3

var defaultRetry = retryPolicy{
	attempts: maxRetries + 1,
	base:     100 * time.Millisecond,
	max:      2 * time.Second,
}

// NewClient creates a token-authenticated client.
func NewClient(config *Config) (*Client, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}

	apiConfig := api.DefaultConfig()
	apiConfig.Address = config.Address
	apiConfig.MaxRetries = 0
	if config.Timeout > 0 {
		apiConfig.Timeout = config.Timeout
	}

	client, err := api.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	if config.Namespace != "" {
		client.SetNamespace(config.Namespace)
	}

	return &Client{client: client, retry: defaultRetry}, nil
}

// do runs fn until it succeeds, fails permanently, or the attempts run out.
// The delay doubles after every attempt up to the policy maximum.
func do[T any](ctx context.Context, p retryPolicy, operation string, fn func() (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	delay := p.base

	for attempt := 1; attempt <= p.attempts; attempt++ {
		result, err = fn()
		if err == nil || !isRetryableError(err) {
			return result, err
		}
		if attempt == p.attempts {
			break
		}

		slog.WarnContext(ctx, "Vault request failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, p.max)
	}

	return result, fmt.Errorf("vault %s failed after %d attempts: %w", operation, p.attempts, err)
}

// isRetryableError reports whether err is transient: throttling, a server
// side failure, or a network error before a response arrived.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusTooManyRequests || respErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
