package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
	"github.com/sony/gobreaker/v2"
)

// maxResponseBody caps how much of a gateway response is read.
const maxResponseBody = 1 << 20

// GatewayConfig configures the HTTP client shared by provider adapters.
type GatewayConfig struct {
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration

	// RetryBackoff is the pause before the single retry.
	RetryBackoff time.Duration

	// FailureThreshold trips the breaker after this many consecutive failures.
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open.
	OpenTimeout time.Duration
}

// DefaultGatewayConfig returns the defaults used when nothing is configured.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Timeout:          15 * time.Second,
		RetryBackoff:     500 * time.Millisecond,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// gatewayRequest is rebuilt for every attempt so the body can be replayed.
type gatewayRequest struct {
	operation   string
	method      string
	path        string
	body        []byte
	contentType string
	header      http.Header

	// settled marks responses that answer the question even with an error
	// status. They are neither retried nor counted against the breaker.
	settled func(*gatewayResponse) bool
}

func (r gatewayRequest) isSettled(resp *gatewayResponse) bool {
	return r.settled != nil && resp != nil && r.settled(resp)
}

type gatewayResponse struct {
	StatusCode int
	Body       []byte
}

// Gateway sends requests to one provider with a timeout, a circuit breaker
// and exactly one retry for transport errors and 5xx responses.
type Gateway struct {
	provider string
	baseURL  string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[*gatewayResponse]
	backoff  time.Duration
	logger   *slog.Logger
	metrics  observability.Metrics
}

// NewGateway creates a gateway for provider rooted at baseURL. A nil client
// gets a plain http.Client with the configured timeout.
func NewGateway(provider, baseURL string, client *http.Client, cfg GatewayConfig, logger *slog.Logger, metrics observability.Metrics) *Gateway {
	def := DefaultGatewayConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}

	g := &Gateway{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		backoff:  cfg.RetryBackoff,
		logger:   observability.Component(logger, "gateway").With(observability.ProviderKey, provider),
		metrics:  metrics,
	}
	g.breaker = gobreaker.NewCircuitBreaker[*gatewayResponse](gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state changed",
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return g
}

// do runs req through the breaker. Only transport errors and 5xx count as
// breaker failures; 4xx responses come back as non-retryable GatewayErrors.
func (g *Gateway) do(ctx context.Context, req gatewayRequest) (*gatewayResponse, error) {
	timer := observability.StartTimer(observability.MetricGatewayDuration).
		WithMetrics(g.metrics).
		WithTags(observability.T("provider", g.provider), observability.T("operation", req.operation))

	resp, err := g.breaker.Execute(func() (*gatewayResponse, error) {
		return g.withRetry(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &domain.GatewayError{Provider: g.provider, Operation: req.operation, Retryable: true, Err: err}
		}
		timer.Stop(err)
		return nil, err
	}

	if resp.StatusCode >= 400 && !req.isSettled(resp) {
		err = &domain.GatewayError{
			Provider:   g.provider,
			Operation:  req.operation,
			StatusCode: resp.StatusCode,
			Err:        errors.New(snippet(resp.Body)),
		}
		timer.Stop(err)
		return nil, err
	}
	timer.Stop(nil)
	return resp, nil
}

func (g *Gateway) withRetry(ctx context.Context, req gatewayRequest) (*gatewayResponse, error) {
	resp, err := g.attempt(ctx, req)
	if req.isSettled(resp) {
		return resp, nil
	}
	if !shouldRetry(resp, err) || ctx.Err() != nil {
		return resp, g.wrap(req.operation, resp, err)
	}

	g.metrics.Counter(observability.MetricGatewayRetries, 1,
		observability.T("provider", g.provider),
		observability.T("operation", req.operation),
	)
	g.logger.WarnContext(ctx, "gateway call failed, retrying",
		"operation", req.operation,
		"error", g.wrap(req.operation, resp, err),
	)

	if g.backoff > 0 {
		t := time.NewTimer(g.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, &domain.GatewayError{Provider: g.provider, Operation: req.operation, Err: ctx.Err()}
		case <-t.C:
		}
	}

	resp, err = g.attempt(ctx, req)
	if req.isSettled(resp) {
		return resp, nil
	}
	return resp, g.wrap(req.operation, resp, err)
}

func (g *Gateway) attempt(ctx context.Context, req gatewayRequest) (*gatewayResponse, error) {
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, g.baseURL+req.path, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}
	return &gatewayResponse{StatusCode: httpResp.StatusCode, Body: data}, nil
}

// wrap turns a transport error or 5xx into a GatewayError. 4xx passes through
// untouched so the breaker does not count it.
func (g *Gateway) wrap(operation string, resp *gatewayResponse, err error) error {
	if err != nil {
		return &domain.GatewayError{Provider: g.provider, Operation: operation, Retryable: true, Err: err}
	}
	if resp != nil && resp.StatusCode >= 500 {
		return &domain.GatewayError{
			Provider:   g.provider,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Retryable:  true,
			Err:        errors.New(snippet(resp.Body)),
		}
	}
	return nil
}

func shouldRetry(resp *gatewayResponse, err error) bool {
	if err != nil {
		return true
	}
	return resp != nil && resp.StatusCode >= 500
}

// decodeError marks an unreadable gateway response.
func (g *Gateway) decodeError(operation string, err error) error {
	return &domain.GatewayError{Provider: g.provider, Operation: operation, Err: fmt.Errorf("decode response: %w", err)}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty response"
	}
	return s
}
