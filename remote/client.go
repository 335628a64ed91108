package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/botflow/engine"
	"github.com/BaSui01/botflow/internal/metrics"
	"github.com/BaSui01/botflow/types"
)

// WebhookClient exchanges turn requests with a remote story service over
// a synchronous HTTP POST. The response body carries the correlated
// RemoteResponse directly, so no correlator is involved.
type WebhookClient struct {
	endpoint  string
	apiKey    string
	client    *http.Client
	logger    *zap.Logger
	collector *metrics.Collector
}

// WebhookOption configures a WebhookClient.
type WebhookOption func(*WebhookClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(w *WebhookClient) {
		if client != nil {
			w.client = client
		}
	}
}

// WithAPIKey sets the bearer token sent with every exchange.
func WithAPIKey(key string) WebhookOption {
	return func(w *WebhookClient) { w.apiKey = key }
}

// WithTimeout caps the total exchange duration.
func WithTimeout(timeout time.Duration) WebhookOption {
	return func(w *WebhookClient) {
		if timeout > 0 {
			w.client.Timeout = timeout
		}
	}
}

// WithWebhookMetrics attaches a metrics collector.
func WithWebhookMetrics(collector *metrics.Collector) WebhookOption {
	return func(w *WebhookClient) { w.collector = collector }
}

// NewWebhookClient creates a client posting to the given endpoint.
func NewWebhookClient(endpoint string, logger *zap.Logger, opts ...WebhookOption) *WebhookClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &WebhookClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With(zap.String("component", "webhook_client")),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Exchange implements engine.Transport.
func (w *WebhookClient) Exchange(ctx context.Context, req *engine.RemoteRequest) (*engine.RemoteResponse, error) {
	start := time.Now()
	resp, err := w.exchange(ctx, req)
	if w.collector != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		w.collector.RecordRemoteExchange("webhook", outcome, time.Since(start))
	}
	return resp, err
}

func (w *WebhookClient) exchange(ctx context.Context, req *engine.RemoteRequest) (*engine.RemoteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, types.NewError(types.ErrNoRemoteResponse, "failed to encode request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrNoRemoteResponse, "failed to build request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	httpResp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrNoRemoteResponse, "exchange failed").WithCause(err).WithRetryable(true)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
		e := types.NewError(types.ErrNoRemoteResponse, fmt.Sprintf("remote service returned status %d", httpResp.StatusCode))
		if httpResp.StatusCode >= 500 {
			e = e.WithRetryable(true)
		}
		return nil, e
	}

	var remoteResp engine.RemoteResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&remoteResp); err != nil {
		return nil, types.NewError(types.ErrNoRemoteResponse, "failed to decode response").WithCause(err)
	}
	if remoteResp.RequestID != req.RequestID {
		w.logger.Warn("response correlates to a different request",
			zap.String("request_id", req.RequestID),
			zap.String("response_id", remoteResp.RequestID))
		return nil, types.NewError(types.ErrNoRemoteResponse, "response does not match request "+req.RequestID)
	}
	return &remoteResp, nil
}

var _ engine.Transport = (*WebhookClient)(nil)
