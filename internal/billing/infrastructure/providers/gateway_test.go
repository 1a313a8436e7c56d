package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Timeout:          2 * time.Second,
		RetryBackoff:     time.Millisecond,
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
	}
}

func TestGateway_RetriesOnceOn5xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	metrics := observability.NewInMemoryMetrics()
	g := NewGateway("paystack", server.URL, nil, testGatewayConfig(), nil, metrics)

	resp, err := g.do(context.Background(), gatewayRequest{operation: "verify", method: http.MethodGet, path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), metrics.GetCounter(observability.MetricGatewayRetries,
		observability.T("provider", "paystack"), observability.T("operation", "verify")))
}

func TestGateway_GivesUpAfterOneRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	g := NewGateway("stripe", server.URL, nil, testGatewayConfig(), nil, nil)

	_, err := g.do(context.Background(), gatewayRequest{operation: "initialize", method: http.MethodPost, path: "/x", body: []byte("a=1")})
	require.ErrorIs(t, err, domain.ErrGateway)
	assert.Equal(t, int32(2), calls.Load())

	var gwErr *domain.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, http.StatusServiceUnavailable, gwErr.StatusCode)
	assert.True(t, gwErr.Retryable)
}

func TestGateway_DoesNotRetry4xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad email"}`))
	}))
	defer server.Close()

	g := NewGateway("paystack", server.URL, nil, testGatewayConfig(), nil, nil)

	for i := 0; i < 3; i++ {
		_, err := g.do(context.Background(), gatewayRequest{operation: "initialize", method: http.MethodPost, path: "/x"})
		require.ErrorIs(t, err, domain.ErrGateway)
		assert.Contains(t, err.Error(), "bad email")
	}
	// 4xx never trips the breaker.
	assert.Equal(t, int32(3), calls.Load())
}

func TestGateway_BreakerOpensAndFailsFast(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	g := NewGateway("mpesa", server.URL, nil, testGatewayConfig(), nil, nil)
	req := gatewayRequest{operation: "verify", method: http.MethodGet, path: "/x"}

	for i := 0; i < 2; i++ {
		_, err := g.do(context.Background(), req)
		require.ErrorIs(t, err, domain.ErrGateway)
	}
	before := calls.Load()

	_, err := g.do(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrGateway)
	assert.Equal(t, before, calls.Load(), "open breaker must not reach the gateway")
}

func TestGateway_TransportErrorIsGatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	g := NewGateway("paystack", url, nil, testGatewayConfig(), nil, nil)
	_, err := g.do(context.Background(), gatewayRequest{operation: "verify", method: http.MethodGet, path: "/x"})
	require.ErrorIs(t, err, domain.ErrGateway)
}

func TestGateway_SettledResponseIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errorCode":"500.001.1001"}`))
	}))
	defer server.Close()

	g := NewGateway("mpesa", server.URL, nil, testGatewayConfig(), nil, nil)
	resp, err := g.do(context.Background(), gatewayRequest{
		operation: "verify",
		method:    http.MethodPost,
		path:      "/x",
		settled:   stillProcessing,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}
