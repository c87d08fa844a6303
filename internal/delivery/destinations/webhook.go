package destinations

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/michiel/ratchet-sub006/internal/pkg/httpx"
	"github.com/michiel/ratchet-sub006/internal/retry"
	"github.com/michiel/ratchet-sub006/internal/template"
)

// AuthKind selects how the webhook authenticates its request.
type AuthKind string

const (
	AuthNone      AuthKind = ""
	AuthBearer    AuthKind = "bearer"
	AuthBasic     AuthKind = "basic"
	AuthAPIKey    AuthKind = "api_key"
	AuthSignature AuthKind = "signature"
)

// WebhookAuth configures one of the supported auth kinds. Signature is
// deliberately unimplemented, matching original_source's own
// "TODO: Implement HMAC signature" — it returns ErrNotImplemented rather
// than silently sending an unsigned request.
type WebhookAuth struct {
	Kind      AuthKind
	Token     string // Bearer token or API key value
	Username  string // Basic auth
	Password  string // Basic auth
	HeaderKey string // APIKey header name, default "X-API-Key"
}

// WebhookConfig configures the webhook destination. URLTemplate and
// header value templates are rendered through the template engine (I)
// before every send.
type WebhookConfig struct {
	URLTemplate    string
	HTTPMethod     string
	Headers        map[string]string // values are templates
	Timeout        time.Duration
	Retry          retry.Policy
	RetryOnStatus  []int
	Auth           WebhookAuth
	ContentType    string
	MaxPayloadSize int64
	MaxResponseSize int64
}

// WebhookFailedError is returned immediately (no retry) for a non-2xx
// status that isn't in RetryOnStatus.
type WebhookFailedError struct {
	URL      string
	Status   int
	Response string
}

func (e WebhookFailedError) Error() string {
	return fmt.Sprintf("destinations: webhook %s returned %d: %s", e.URL, e.Status, e.Response)
}

// MaxRetriesExceededError is returned after Retry.MaxAttempts retryable
// failures.
type MaxRetriesExceededError struct {
	Attempts int
	LastErr  error
}

func (e MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("destinations: webhook failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e MaxRetriesExceededError) Unwrap() error { return e.LastErr }

// Webhook sends rendered task output to an HTTP endpoint, built directly
// on the teacher's sendgrid client.do() retry-loop shape — a doubling
// backoff loop checking httpx.IsRetryableError/IsRetryableHTTPStatus —
// generalized from one hardcoded third-party API into a configurable
// destination with pluggable auth and a shared, pooled http.Client.
type Webhook struct {
	cfg    WebhookConfig
	engine *template.Engine

	once   sync.Once
	client *http.Client
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.HTTPMethod == "" {
		cfg.HTTPMethod = http.MethodPost
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(cfg.RetryOnStatus) == 0 {
		cfg.RetryOnStatus = []int{408, 429, 500, 502, 503, 504}
	}
	return &Webhook{cfg: cfg, engine: template.NewEngine()}
}

func (w *Webhook) httpClient() *http.Client {
	w.once.Do(func() {
		w.client = &http.Client{
			Timeout: w.cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
			},
		}
	})
	return w.client
}

func (w *Webhook) DestinationType() string { return "webhook" }

func (w *Webhook) SupportsRetry() bool { return true }

func (w *Webhook) EstimatedDeliveryTime() time.Duration { return w.cfg.Timeout }

func (w *Webhook) ValidateConfig() error {
	if w.cfg.URLTemplate == "" {
		return fmt.Errorf("destinations: webhook url template is required")
	}
	if err := w.engine.Validate(w.cfg.URLTemplate); err != nil {
		return err
	}
	for _, v := range w.cfg.Headers {
		if err := w.engine.Validate(v); err != nil {
			return err
		}
	}
	if w.cfg.Auth.Kind == AuthSignature {
		return ErrNotImplemented{Feature: "webhook signature auth"}
	}
	return nil
}

func (w *Webhook) Deliver(ctx context.Context, output TaskOutput, dctx DeliveryContext) (DeliveryResult, error) {
	start := time.Now()
	vars := dctx.Vars(output)

	url, err := w.engine.Render(w.cfg.URLTemplate, vars)
	if err != nil {
		return DeliveryResult{ErrorKind: "template_render", Err: err}, err
	}

	var payload []byte
	if w.cfg.HTTPMethod != http.MethodGet {
		payload, err = json.Marshal(output.Decoded)
		if err != nil {
			return DeliveryResult{ErrorKind: "serialization", Err: err}, err
		}
		if w.cfg.MaxPayloadSize > 0 && int64(len(payload)) > w.cfg.MaxPayloadSize {
			err := CapacityExceededError{Limit: w.cfg.MaxPayloadSize, Actual: int64(len(payload)), Subject: "payload"}
			return DeliveryResult{ErrorKind: "webhook_failed", Err: err}, err
		}
	}

	headers, err := w.renderHeaders(vars)
	if err != nil {
		return DeliveryResult{ErrorKind: "template_render", Err: err}, err
	}

	policy := w.cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	exec := retry.NewExecutor(policy)

	resp, err := retry.Execute(ctx, exec, func(attempt int) (*sendResult, error) {
		result, sendErr := w.send(ctx, url, payload, headers)
		if sendErr != nil {
			// A transport-level failure (connection refused, reset, timeout
			// establishing the connection) usually clears on the very next
			// attempt, so it gets a near-zero delay instead of the policy's
			// normal backoff.
			return result, classifiedErr{err: sendErr, retryable: httpx.IsRetryableError(sendErr), transient: true}
		}
		if result.status >= 300 {
			if !containsStatus(w.cfg.RetryOnStatus, result.status) {
				failed := WebhookFailedError{URL: url, Status: result.status, Response: result.body}
				return result, classifiedErr{err: failed, retryable: false}
			}
			return result, classifiedErr{
				err:       fmt.Errorf("destinations: retryable status %d", result.status),
				retryable: true,
			}
		}
		return result, nil
	})

	if err != nil {
		if exceeded, ok := err.(*retry.MaxAttemptsExceededError); ok {
			err = MaxRetriesExceededError{Attempts: exceeded.Attempts, LastErr: exceeded.LastErr}
		}
		return DeliveryResult{ErrorKind: "webhook_failed", Duration: time.Since(start), Err: err}, err
	}

	return DeliveryResult{
		Success:         true,
		Bytes:           int64(len(payload)),
		Duration:        time.Since(start),
		ResponseSnippet: snippet(resp.body, 512),
	}, nil
}

type sendResult struct {
	status int
	body   string
}

// classifiedErr implements retry.Retryable so retry.Execute can decide,
// without any type assertion back into this package, whether a given
// send failure stops the loop immediately or goes through the policy's
// backoff like any other attempt.
type classifiedErr struct {
	err       error
	retryable bool
	transient bool
}

func (e classifiedErr) Error() string                     { return e.err.Error() }
func (e classifiedErr) Unwrap() error                     { return e.err }
func (e classifiedErr) IsRetryable() bool                 { return e.retryable }
func (e classifiedErr) IsTransient() bool                 { return e.transient }
func (e classifiedErr) RetryDelay() (time.Duration, bool) { return 0, false }

func (w *Webhook) send(ctx context.Context, url string, payload []byte, headers map[string]string) (*sendResult, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, w.cfg.HTTPMethod, url, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", w.cfg.ContentType)
	}
	req.Header.Set("User-Agent", "ratchet-delivery/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w.applyAuth(req)

	resp, err := w.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := w.cfg.MaxResponseSize
	if limit <= 0 {
		limit = 1 << 20
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, err
	}

	return &sendResult{status: resp.StatusCode, body: string(raw)}, nil
}

func (w *Webhook) applyAuth(req *http.Request) {
	switch w.cfg.Auth.Kind {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+w.cfg.Auth.Token)
	case AuthBasic:
		basic := base64.StdEncoding.EncodeToString([]byte(w.cfg.Auth.Username + ":" + w.cfg.Auth.Password))
		req.Header.Set("Authorization", "Basic "+basic)
	case AuthAPIKey:
		key := w.cfg.Auth.HeaderKey
		if key == "" {
			key = "X-API-Key"
		}
		req.Header.Set(key, w.cfg.Auth.Token)
	}
}

func (w *Webhook) renderHeaders(vars map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(w.cfg.Headers))
	for k, tmpl := range w.cfg.Headers {
		rendered, err := w.engine.Render(tmpl, vars)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

func containsStatus(statuses []int, s int) bool {
	for _, c := range statuses {
		if c == s {
			return true
		}
	}
	return false
}

func snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
