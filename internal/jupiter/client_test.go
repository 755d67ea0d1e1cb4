package jupiter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/solrun/internal/exec"
	"github.com/sawpanic/solrun/internal/market"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RatePerSec = 1000
	cfg.QuoteTTLSecs = 10
	return NewClient(cfg)
}

func solRoute() exec.RouteRequest {
	return exec.RouteRequest{
		Legs: []market.Instrument{
			{Base: "SOL", Quote: "USDC", Venue: "raydium"},
			{Base: "SOL", Quote: "USDC", Venue: "orca"},
		},
		Size:        1.5,
		SlippageBps: 100,
	}
}

func TestClient_GetQuote(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "So11111111111111111111111111111111111111112", q.Get("inputMint"))
		assert.Equal(t, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", q.Get("outputMint"))
		assert.Equal(t, "1500000000", q.Get("amount"), "1.5 SOL in lamports")
		assert.Equal(t, "100", q.Get("slippageBps"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"inputMint": "So11111111111111111111111111111111111111112",
			"inAmount": "1500000000",
			"outputMint": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			"outAmount": "255000000",
			"otherAmountThreshold": "252450000",
			"swapMode": "ExactIn",
			"slippageBps": 100,
			"priceImpactPct": "0.0012",
			"routePlan": [{"percent": 100}]
		}`))
	})

	q, err := client.GetQuote(context.Background(), solRoute())
	require.NoError(t, err)

	assert.Equal(t, 1.5, q.InAmount)
	assert.InDelta(t, 255.0, q.OutAmount, 1e-9, "out amount in USDC units")
	assert.InDelta(t, 252.45, q.WorstOut, 1e-9)
	assert.Equal(t, 100, q.SlippageBps)
	assert.InDelta(t, 0.0012, q.PriceImpact, 1e-9)
	assert.NotEmpty(t, q.Ref)
	assert.False(t, q.Expired(time.Now()))
	assert.True(t, q.Expired(time.Now().Add(time.Minute)))
}

func TestClient_GetQuote_NotFoundMeansNoRoute(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetQuote(context.Background(), solRoute())
	require.Error(t, err)
	assert.True(t, errors.Is(err, exec.ErrNoRoute))
}

func TestClient_GetQuote_ServerErrorIsTransient(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.GetQuote(context.Background(), solRoute())
	require.Error(t, err)
	assert.True(t, errors.Is(err, exec.ErrServiceUnavailable))
}

func TestClient_GetQuote_UnknownMintIsNoRoute(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request should be made for an unroutable token")
	})

	req := solRoute()
	req.Legs[0].Base = "BONK"
	_, err := client.GetQuote(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, exec.ErrNoRoute))
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits int
	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 8; i++ {
		_, err := client.GetQuote(context.Background(), solRoute())
		require.Error(t, err)
		assert.True(t, errors.Is(err, exec.ErrServiceUnavailable))
	}
	// After five consecutive failures the breaker sheds load locally.
	assert.Equal(t, 5, hits)
}

func TestClient_BuildSwapTransaction(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/swap", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"swapTransaction": "AQAB3base64payload",
			"lastValidBlockHeight": 279143210
		}`))
	})

	q := &exec.Quote{Ref: "q1", SlippageBps: 100, Route: []byte(`[{"percent":100}]`)}
	tx, err := client.BuildSwapTransaction(context.Background(), q, "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU")
	require.NoError(t, err)
	assert.Equal(t, "AQAB3base64payload", tx)
}

func TestClient_BuildSwapTransaction_EmptyIsInvalidRoute(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	q := &exec.Quote{Ref: "q1", Route: []byte(`[]`)}
	_, err := client.BuildSwapTransaction(context.Background(), q, "addr")
	require.Error(t, err)
	assert.True(t, errors.Is(err, exec.ErrInvalidRoute))
}

func TestLamportsToFloat(t *testing.T) {
	assert.Equal(t, 1.5, lamportsToFloat("1500000000", 9))
	assert.Equal(t, 255.0, lamportsToFloat("255000000", 6))
	assert.Equal(t, 0.0, lamportsToFloat("not-a-number", 9))
}
