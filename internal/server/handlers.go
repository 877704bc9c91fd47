package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/cfn"
	awsevents "github.com/aws/aws-lambda-go/events"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/libops/budget-watch/internal/guard"
	"github.com/libops/budget-watch/internal/metrics"
)

const maxBodyBytes = 256 << 10

// TokenHeader carries the shared secret on /cfn when one is configured.
const TokenHeader = "X-Budget-Watch-Token"

// SNS HTTP message types.
const (
	snsTypeNotification         = "Notification"
	snsTypeSubscribeConfirm     = "SubscriptionConfirmation"
	snsTypeUnsubscribeConfirmed = "UnsubscribeConfirmation"
)

// Suspender handles budget notifications.
type Suspender interface {
	Handle(ctx context.Context, evt awsevents.SNSEvent) (*guard.SuspendReport, error)
}

// Resetter handles custom resource lifecycle events.
type Resetter interface {
	Handle(ctx context.Context, evt cfn.Event) error
}

// Dependencies holds everything the routes need.
type Dependencies struct {
	Suspender Suspender
	Resetter  Resetter

	// TopicARN, when set, is the only topic accepted on /sns.
	TopicARN string

	RateLimit float64
	RateBurst int

	// AfterInvoke runs after each controller invocation, e.g. a metrics push.
	AfterInvoke func(ctx context.Context, job string)

	// CFNSecret, when set, must be presented in TokenHeader on /cfn.
	CFNSecret string

	HTTPClient *http.Client
	// AllowAWSHost decides which hosts SubscribeURL and SigningCertURL may
	// point to.
	AllowAWSHost func(host string) bool
	// AllowResponseHost decides which hosts a custom resource ResponseURL
	// may point to.
	AllowResponseHost func(host string) bool
}

// Handler serves the HTTP mode routes.
type Handler struct {
	deps       Dependencies
	limiter    *rate.Limiter
	verify     func(context.Context, snsMessage) error
	background inflight
}

// NewHandler creates a Handler, filling defaults for optional dependencies.
func NewHandler(deps Dependencies) *Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if deps.AllowAWSHost == nil {
		deps.AllowAWSHost = isAmazonHost
	}
	if deps.AllowResponseHost == nil {
		deps.AllowResponseHost = isResponseHost
	}
	if deps.AfterInvoke == nil {
		deps.AfterInvoke = func(context.Context, string) {}
	}

	h := &Handler{deps: deps}
	h.verify = newSignatureVerifier(deps.HTTPClient, deps.AllowAWSHost).Verify
	if deps.RateLimit > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(deps.RateLimit), max(deps.RateBurst, 1))
	}
	return h
}

// Routes returns the instrumented mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sns", rateLimited(h.limiter, h.handleSNS))
	mux.HandleFunc("POST /cfn", rateLimited(h.limiter, h.handleCFN))
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = accessLogger(handler)
	handler = otelhttp.NewHandler(handler, "budget-watch")
	return handler
}

// Wait blocks until background invocations finish.
func (h *Handler) Wait() {
	h.background.wg.Wait()
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// snsMessage is the JSON body SNS POSTs to HTTP subscribers.
type snsMessage struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SubscribeURL     string `json:"SubscribeURL"`
	Token            string `json:"Token"`
	UnsubscribeURL   string `json:"UnsubscribeURL"`
}

func (m snsMessage) event() awsevents.SNSEvent {
	ts, _ := time.Parse(time.RFC3339Nano, m.Timestamp)
	return awsevents.SNSEvent{Records: []awsevents.SNSEventRecord{{
		EventSource:  "aws:sns",
		EventVersion: "1.0",
		SNS: awsevents.SNSEntity{
			Type:             m.Type,
			MessageID:        m.MessageID,
			TopicArn:         m.TopicArn,
			Subject:          m.Subject,
			Message:          m.Message,
			Timestamp:        ts,
			SignatureVersion: m.SignatureVersion,
			Signature:        m.Signature,
			SigningCertURL:   m.SigningCertURL,
			UnsubscribeURL:   m.UnsubscribeURL,
		},
	}}}
}

func (h *Handler) handleSNS(w http.ResponseWriter, r *http.Request) {
	var msg snsMessage
	if err := decodeBody(r, &msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if msg.Type == "" {
		msg.Type = r.Header.Get("X-Amz-Sns-Message-Type")
	}

	if err := h.verify(r.Context(), msg); err != nil {
		slog.Warn("Rejecting SNS message with invalid signature", "topic", msg.TopicArn, "type", msg.Type, "error", err)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if h.deps.TopicARN != "" && msg.TopicArn != h.deps.TopicARN {
		slog.Warn("Rejecting SNS message from unexpected topic", "topic", msg.TopicArn)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	switch msg.Type {
	case snsTypeSubscribeConfirm:
		h.confirmSubscription(w, r, msg)

	case snsTypeNotification:
		ctx := context.WithoutCancel(r.Context())
		evt := msg.event()
		h.background.Go(func() {
			defer h.deps.AfterInvoke(ctx, "budget_watch_"+metrics.ControllerSuspend)
			if _, err := h.deps.Suspender.Handle(ctx, evt); err != nil {
				slog.ErrorContext(ctx, "Suspend invocation failed", "message_id", msg.MessageID, "error", err)
			}
		})
		w.WriteHeader(http.StatusAccepted)

	case snsTypeUnsubscribeConfirmed:
		slog.Warn("SNS subscription removed", "topic", msg.TopicArn)
		w.WriteHeader(http.StatusOK)

	default:
		http.Error(w, fmt.Sprintf("unsupported SNS message type %q", msg.Type), http.StatusBadRequest)
	}
}

func (h *Handler) confirmSubscription(w http.ResponseWriter, r *http.Request, msg snsMessage) {
	u, err := url.Parse(msg.SubscribeURL)
	if err != nil || u.Host == "" || u.Scheme != "https" || !h.deps.AllowAWSHost(u.Hostname()) {
		slog.Warn("Refusing to confirm subscription", "subscribe_url", msg.SubscribeURL)
		http.Error(w, "invalid SubscribeURL", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		http.Error(w, "invalid SubscribeURL", http.StatusBadRequest)
		return
	}
	resp, err := h.deps.HTTPClient.Do(req)
	if err != nil {
		slog.Error("Subscription confirmation failed", "topic", msg.TopicArn, "error", err)
		http.Error(w, "confirmation failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		slog.Error("Subscription confirmation rejected", "topic", msg.TopicArn, "status", resp.StatusCode)
		http.Error(w, "confirmation failed", http.StatusBadGateway)
		return
	}

	slog.Info("SNS subscription confirmed", "topic", msg.TopicArn)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCFN(w http.ResponseWriter, r *http.Request) {
	if h.deps.CFNSecret != "" {
		token := r.Header.Get(TokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.deps.CFNSecret)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var evt cfn.Event
	if err := decodeBody(r, &evt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if evt.RequestType == "" || evt.ResponseURL == "" {
		http.Error(w, "RequestType and ResponseURL are required", http.StatusBadRequest)
		return
	}
	if u, err := url.Parse(evt.ResponseURL); err != nil || u.Scheme != "https" || !h.deps.AllowResponseHost(u.Hostname()) {
		slog.Warn("Rejecting custom resource event with untrusted ResponseURL", "response_url", evt.ResponseURL)
		http.Error(w, "untrusted ResponseURL", http.StatusBadRequest)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	h.background.Go(func() {
		defer h.deps.AfterInvoke(ctx, "budget_watch_"+metrics.ControllerReset)
		if err := h.deps.Resetter.Handle(ctx, evt); err != nil {
			slog.ErrorContext(ctx, "Reset acknowledgment failed", "request_id", evt.RequestID, "error", err)
		}
	})
	w.WriteHeader(http.StatusAccepted)
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func isAmazonHost(host string) bool {
	return strings.HasPrefix(host, "sns.") && strings.HasSuffix(host, ".amazonaws.com")
}

// isResponseHost matches the S3 buckets CloudFormation presigns custom
// resource responses in, e.g.
// cloudformation-custom-resource-response-uswest2.s3-us-west-2.amazonaws.com.
func isResponseHost(host string) bool {
	return strings.HasPrefix(host, "cloudformation-custom-resource-response-") &&
		strings.Contains(host, ".s3") &&
		strings.HasSuffix(host, ".amazonaws.com")
}
