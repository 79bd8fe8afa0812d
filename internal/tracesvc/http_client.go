package tracesvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	apperrors "tracedash/internal/errors"
	"tracedash/internal/httpclient"
	"tracedash/internal/logging"
	"tracedash/internal/observability"
	"tracedash/internal/trace"
)

// StartRequest is the body of POST /v1/traces.
type StartRequest struct {
	Goal    string         `json:"goal"`
	Context map[string]any `json:"context,omitempty"`
}

// StartResponse is returned by POST /v1/traces.
type StartResponse struct {
	TraceID string `json:"trace_id"`
}

// HTTPClient talks to a remote trace backend over JSON/HTTP:
//
//	POST /v1/traces              start a trace
//	GET  /v1/traces/{id}/updates fetch incremental updates
//	GET  /v1/traces              fetch history
type HTTPClient struct {
	baseURL   string
	client    *http.Client
	logger    logging.Logger
	tracer    oteltrace.Tracer
	bodyLimit int64
}

// HTTPOption customises an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.client = client
		}
	}
}

// WithHTTPLogger sets the client logger.
func WithHTTPLogger(logger logging.Logger) HTTPOption {
	return func(c *HTTPClient) { c.logger = logging.OrNop(logger) }
}

// WithHTTPTracer sets the tracer used for request spans.
func WithHTTPTracer(tracer oteltrace.Tracer) HTTPOption {
	return func(c *HTTPClient) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// NewHTTPClient creates a client for the backend at baseURL. By default
// requests time out after timeout and go through a circuit breaker.
func NewHTTPClient(baseURL string, timeout time.Duration, opts ...HTTPOption) *HTTPClient {
	logger := logging.NewComponentLogger("TraceHTTPClient")
	transport := httpclient.DefaultConfig()
	transport.Timeout = timeout
	c := &HTTPClient{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:    httpclient.New("trace-backend", transport, logger),
		logger:    logger,
		tracer:    noop.NewTracerProvider().Tracer("tracedash"),
		bodyLimit: httpclient.DefaultBodyLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start asks the backend for a new trace id. Transport failures wrap
// trace.ErrServiceUnavailable.
func (c *HTTPClient) Start(ctx context.Context, goal string, params map[string]any) (string, error) {
	var out StartResponse
	if err := c.do(ctx, http.MethodPost, "/v1/traces", StartRequest{Goal: goal, Context: params}, &out); err != nil {
		return "", err
	}
	if out.TraceID == "" {
		return "", apperrors.NewPermanentError(fmt.Errorf("backend returned an empty trace id"), "")
	}
	return out.TraceID, nil
}

// FetchUpdates returns the updates recorded since the previous call.
func (c *HTTPClient) FetchUpdates(ctx context.Context, traceID string) (trace.Update, error) {
	var out trace.Update
	err := c.do(ctx, http.MethodGet, "/v1/traces/"+url.PathEscape(traceID)+"/updates", nil, &out)
	return out, err
}

// FetchHistory returns the backend's recorded traces.
func (c *HTTPClient) FetchHistory(ctx context.Context) ([]trace.Record, error) {
	var out []trace.Record
	if err := c.do(ctx, http.MethodGet, "/v1/traces", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	ctx, span := c.tracer.Start(ctx, observability.SpanHTTPRequest, oteltrace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	))
	defer span.End()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperrors.NewPermanentError(fmt.Errorf("encode request: %w", err), "")
		}
		reader = bytes.NewReader(payload)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return apperrors.NewPermanentError(fmt.Errorf("build request: %w", err), "")
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.RecordSpanError(span, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug("%s %s failed: %v", method, path, err)
		return fmt.Errorf("%w: %w", trace.ErrServiceUnavailable, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if err := httpclient.DecodeJSON(resp, c.bodyLimit, out); err != nil {
		observability.RecordSpanError(span, err)
		return err
	}
	return nil
}
