package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/solrun/internal/exec"
)

// Mint describes one token the agent can route through.
type Mint struct {
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
}

// Config holds the aggregator client settings.
type Config struct {
	BaseURL      string          `yaml:"base_url"`
	QuoteTTLSecs int             `yaml:"quote_ttl_secs"` // how long a quote stays actionable
	RatePerSec   float64         `yaml:"rate_per_sec"`   // request budget
	TimeoutSecs  int             `yaml:"timeout_secs"`   // per-request
	Mints        map[string]Mint `yaml:"mints"`          // symbol -> mint
}

// QuoteTTL returns the quote validity window.
func (c Config) QuoteTTL() time.Duration {
	return time.Duration(c.QuoteTTLSecs) * time.Second
}

// RequestTimeout returns the per-request HTTP timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// DefaultConfig returns settings for the public v6 endpoint with the SOL
// and USDC mints the agent trades by default.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "https://quote-api.jup.ag/v6",
		QuoteTTLSecs: 10,
		RatePerSec:   5,
		TimeoutSecs:  8,
		Mints: map[string]Mint{
			"SOL":  {Address: "So11111111111111111111111111111111111111112", Decimals: 9},
			"USDC": {Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6},
		},
	}
}

// Client talks to a Jupiter-style swap aggregator. Calls run through a
// circuit breaker and a rate limiter so a degraded aggregator cannot stall
// or hammer the agent.
type Client struct {
	cfg     Config
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewClient creates an aggregator client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.QuoteTTLSecs <= 0 {
		cfg.QuoteTTLSecs = 10
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 8
	}

	st := gobreaker.Settings{Name: "jupiter"}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 5 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.25
	}

	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.RequestTimeout()},
		breaker: gobreaker.NewCircuitBreaker(st),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(math.Max(1, cfg.RatePerSec))),
	}
}

// quoteResponse mirrors the aggregator's v6 quote shape.
type quoteResponse struct {
	InputMint            string          `json:"inputMint"`
	InAmount             string          `json:"inAmount"`
	OutputMint           string          `json:"outputMint"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	SwapMode             string          `json:"swapMode"`
	SlippageBps          int             `json:"slippageBps"`
	PriceImpactPct       string          `json:"priceImpactPct"`
	RoutePlan            json.RawMessage `json:"routePlan"`
	ContextSlot          int64           `json:"contextSlot"`
}

// GetQuote fetches a route quote for the request's first→last leg. The
// returned quote expires QuoteTTL after receipt.
func (c *Client) GetQuote(ctx context.Context, req exec.RouteRequest) (*exec.Quote, error) {
	if len(req.Legs) == 0 {
		return nil, fmt.Errorf("jupiter: empty route request")
	}
	in, out := req.Legs[0], req.Legs[len(req.Legs)-1]
	inMint, ok := c.cfg.Mints[in.Base]
	if !ok {
		return nil, fmt.Errorf("jupiter: no mint for %s: %w", in.Base, exec.ErrNoRoute)
	}
	outMint, ok := c.cfg.Mints[out.Quote]
	if !ok {
		return nil, fmt.Errorf("jupiter: no mint for %s: %w", out.Quote, exec.ErrNoRoute)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("jupiter: rate limit wait: %w", err)
	}

	amount := int64(req.Size * math.Pow10(inMint.Decimals))
	q := url.Values{}
	q.Set("inputMint", inMint.Address)
	q.Set("outputMint", outMint.Address)
	q.Set("amount", strconv.FormatInt(amount, 10))
	q.Set("slippageBps", strconv.Itoa(req.SlippageBps))

	body, err := c.do(ctx, http.MethodGet, "/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, fmt.Errorf("jupiter: malformed quote: %w", err)
	}

	outAmount := lamportsToFloat(qr.OutAmount, outMint.Decimals)
	worstOut := lamportsToFloat(qr.OtherAmountThreshold, outMint.Decimals)
	if outAmount <= 0 {
		return nil, fmt.Errorf("jupiter: zero out amount for %s->%s: %w", in, out, exec.ErrNoRoute)
	}
	impact, _ := strconv.ParseFloat(qr.PriceImpactPct, 64)

	return &exec.Quote{
		Ref:         uuid.NewString(),
		InAmount:    req.Size,
		OutAmount:   outAmount,
		WorstOut:    worstOut,
		SlippageBps: qr.SlippageBps,
		PriceImpact: impact,
		Route:       qr.RoutePlan,
		Expiry:      time.Now().Add(c.cfg.QuoteTTL()),
	}, nil
}

// swapResponse mirrors the aggregator's swap-build shape.
type swapResponse struct {
	SwapTransaction           string `json:"swapTransaction"`
	LastValidBlockHeight      int64  `json:"lastValidBlockHeight"`
	PrioritizationFeeLamports int64  `json:"prioritizationFeeLamports"`
}

// BuildSwapTransaction asks the aggregator to assemble the unsigned
// transaction for a quote's route.
func (c *Client) BuildSwapTransaction(ctx context.Context, q *exec.Quote, userPublicKey string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"quoteResponse": map[string]any{
			"routePlan":   q.Route,
			"slippageBps": q.SlippageBps,
		},
		"userPublicKey": userPublicKey,
	})
	if err != nil {
		return "", fmt.Errorf("jupiter: marshal swap request: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("jupiter: rate limit wait: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, "/swap", payload)
	if err != nil {
		return "", err
	}

	var sr swapResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("jupiter: malformed swap response: %w", err)
	}
	if sr.SwapTransaction == "" {
		return "", fmt.Errorf("jupiter: empty swap transaction: %w", exec.ErrInvalidRoute)
	}
	return sr.SwapTransaction, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("jupiter: %w: %v", exec.ErrServiceUnavailable, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("jupiter: read body: %w", err)
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("jupiter: %s: %w", path, exec.ErrNoRoute)
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("jupiter: status %d: %w", resp.StatusCode, exec.ErrServiceUnavailable)
		default:
			return nil, fmt.Errorf("jupiter: unexpected status %d: %s", resp.StatusCode, body)
		}
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			log.Warn().Str("path", path).Msg("jupiter circuit open, request shed")
			return nil, fmt.Errorf("jupiter: circuit open: %w", exec.ErrServiceUnavailable)
		}
		return nil, err
	}
	return res.([]byte), nil
}

func lamportsToFloat(s string, decimals int) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v / math.Pow10(decimals)
}
