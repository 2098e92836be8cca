// Package api is the authenticated REST gateway: every outbound call gets
// the session's bearer token, an expired token is renewed before dispatch
// and a 401 is answered with one refresh and one resend.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/haasonsaas/swappynest/internal/auth"
	"github.com/haasonsaas/swappynest/internal/backoff"
	"github.com/haasonsaas/swappynest/internal/observability"
	"github.com/haasonsaas/swappynest/pkg/models"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultRetryDelay = 250 * time.Millisecond
	maxResponseBytes  = 4 << 20

	// RequestIDHeader carries the per-call request id.
	RequestIDHeader = "X-Request-ID"
)

// Session is the part of the session manager the gateway depends on.
type Session interface {
	AccessToken() string
	IsExpired(token string) bool
	RenewToken(ctx context.Context, stale string) (string, error)
	Subscribe(fn func(models.Session)) func()
}

// Options configures a Gateway.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Session    Session

	// RetryPolicy spaces the single resend after a transport failure.
	RetryPolicy backoff.Policy

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Response is a fully read API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

// StatusError is a non-2xx response from a typed resource call.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// IsUnauthorized reports whether err is a 401 that survived the refresh retry.
func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized
}

// Gateway sends authenticated requests.
type Gateway struct {
	baseURL string
	client  *http.Client
	session Session
	policy  backoff.Policy
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu          sync.RWMutex
	token       string
	unsubscribe func()
}

// NewGateway builds a Gateway and starts following the session's token.
func NewGateway(opts Options) (*Gateway, error) {
	if opts.Session == nil {
		return nil, errors.New("api gateway: session is required")
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("api gateway: base url is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = backoff.Fixed(defaultRetryDelay)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	g := &Gateway{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  opts.HTTPClient,
		session: opts.Session,
		policy:  opts.RetryPolicy,
		logger:  opts.Logger.With("component", "api"),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
	g.token = opts.Session.AccessToken()
	g.unsubscribe = opts.Session.Subscribe(g.onSession)
	return g, nil
}

// onSession keeps the ambient token in step with the session. The snapshot
// only signals a change; the token is read back from the session so a late
// delivery cannot reinstate a token the session has already dropped.
func (g *Gateway) onSession(s models.Session) {
	token := ""
	if s.Authenticated() {
		token = g.session.AccessToken()
	}
	g.mu.Lock()
	g.token = token
	g.mu.Unlock()
}

// Token returns the token the next request will carry, or "" when anonymous.
func (g *Gateway) Token() string {
	g.mu.RLock()
	token := g.token
	g.mu.RUnlock()
	if token == "" || g.session.AccessToken() == "" {
		return ""
	}
	return token
}

// Close stops following the session.
func (g *Gateway) Close() {
	if g.unsubscribe != nil {
		g.unsubscribe()
	}
}

// Do sends one logical request. Non-2xx responses are returned, not
// converted to errors; a 401 is retried at most once after a refresh.
func (g *Gateway) Do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	requestID := uuid.NewString()
	ctx = observability.AddRequestID(ctx, requestID)
	ctx, span := g.tracer.TraceHTTPRequest(ctx, method, path)
	defer span.End()

	resp, err := g.do(ctx, requestID, method, path, body)
	if err != nil {
		g.tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (g *Gateway) do(ctx context.Context, requestID, method, path string, body []byte) (*Response, error) {
	token := g.Token()
	if token != "" && g.session.IsExpired(token) {
		g.logger.Debug("access token expired; refreshing before request", "path", path)
		fresh, err := g.session.RenewToken(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		token = fresh
	}

	resp, err := g.send(ctx, requestID, method, path, body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || token == "" {
		return resp, nil
	}

	g.metrics.RecordRetry("unauthorized")
	g.logger.Info("request unauthorized; refreshing and retrying once", "path", path)
	fresh, err := g.session.RenewToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return g.send(ctx, requestID, method, path, body, fresh)
}

// send transmits the request, resending once after a transport failure.
func (g *Gateway) send(ctx context.Context, requestID, method, path string, body []byte, token string) (*Response, error) {
	resp, err := g.roundTrip(ctx, requestID, method, path, body, token)
	if err == nil || ctx.Err() != nil {
		return resp, err
	}

	g.metrics.RecordRetry("transport")
	g.logger.Warn("request failed; resending once", "path", path, "error", err)
	if werr := backoff.Wait(ctx, g.policy, 1); werr != nil {
		return nil, werr
	}
	resp, err = g.roundTrip(ctx, requestID, method, path, body, token)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, auth.NetworkUnavailable(method+" "+path, err)
	}
	return resp, nil
}

func (g *Gateway) roundTrip(ctx context.Context, requestID, method, path string, body []byte, token string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set(RequestIDHeader, requestID)
	g.tracer.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	httpResp, err := g.client.Do(req)
	if err != nil {
		g.metrics.RecordRequest(method, 0, time.Since(start).Seconds())
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	g.metrics.RecordRequest(method, httpResp.StatusCode, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}
