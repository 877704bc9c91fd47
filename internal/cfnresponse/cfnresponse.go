// Package cfnresponse delivers custom resource acknowledgments to the
// pre-signed URL carried by the lifecycle event.
package cfnresponse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxReasonLength keeps the body well under the 4096 byte response limit.
const maxReasonLength = 1024

const (
	maxAttempts    = 3
	baseDelay      = 200 * time.Millisecond
	maxDelay       = 2 * time.Second
	defaultTimeout = 10 * time.Second
)

// Ack is the terminal outcome of a custom resource invocation.
type Ack struct {
	Status             cfn.StatusType
	Reason             string
	PhysicalResourceID string
	Data               map[string]any
}

// Acknowledger sends exactly the ack it is given.
type Acknowledger interface {
	Send(ctx context.Context, evt cfn.Event, ack Ack) error
}

// Sender PUTs acknowledgments over HTTP. It needs no configuration beyond
// a timeout, so it is usable even when the rest of the process failed to
// initialize.
type Sender struct {
	client  *http.Client
	timeout time.Duration
	delay   time.Duration
}

// NewSender creates a Sender. Each Send, retries included, is bounded by
// timeout; zero means 10s.
func NewSender(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Sender{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout: timeout,
		delay:   baseDelay,
	}
}

// NewResponse builds the response document for evt.
func NewResponse(ctx context.Context, evt cfn.Event, ack Ack) *cfn.Response {
	resp := cfn.NewResponse(&evt)
	resp.Status = ack.Status
	if ack.PhysicalResourceID != "" {
		resp.PhysicalResourceID = ack.PhysicalResourceID
	}
	if resp.PhysicalResourceID == "" {
		resp.PhysicalResourceID = evt.LogicalResourceID
	}
	resp.Data = ack.Data

	reason := ack.Reason
	if reason == "" {
		reason = "See the details in CloudWatch Log Stream: " + logStream(ctx)
	}
	resp.Reason = truncate(reason, maxReasonLength)
	return resp
}

// Send delivers ack for evt, retrying transport errors and 5xx responses.
// The caller's cancellation and deadline are ignored: the ack is the last
// thing an invocation does, often after its own budget ran out. The
// Sender's timeout bounds it instead.
func (s *Sender) Send(ctx context.Context, evt cfn.Event, ack Ack) error {
	if evt.ResponseURL == "" {
		return fmt.Errorf("event %s has no ResponseURL", evt.RequestID)
	}

	body, err := json.Marshal(NewResponse(ctx, evt, ack))
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	var lastErr error
	delay := s.delay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retry, err := s.put(ctx, evt.ResponseURL, body)
		if err == nil {
			slog.InfoContext(ctx, "Acknowledged lifecycle event",
				"status", ack.Status,
				"request_type", evt.RequestType,
				"physical_resource_id", ack.PhysicalResourceID)
			return nil
		}
		lastErr = err
		if !retry || attempt == maxAttempts || ctx.Err() != nil {
			break
		}

		slog.WarnContext(ctx, "Acknowledgment failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("failed to acknowledge %s: %w (last error: %w)", evt.RequestID, ctx.Err(), lastErr)
		case <-timer.C:
		}
		delay = min(delay*2, maxDelay)
	}

	return fmt.Errorf("failed to acknowledge %s: %w", evt.RequestID, lastErr)
}

// put reports whether a failure is worth retrying.
func (s *Sender) put(ctx context.Context, url string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	// The URL is pre-signed without a content type.
	req.Header.Del("Content-Type")
	req.ContentLength = int64(len(body))

	resp, err := s.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return true, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return false, nil
}

func logStream(ctx context.Context) string {
	if lambdacontext.LogStreamName != "" {
		return lambdacontext.LogStreamName
	}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		return lc.AwsRequestID
	}
	return "unknown"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
