package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/solrun/internal/exec"
)

// Credentials is the managed-wallet config file shape
// (~/.agentwallet/config.json by convention).
type Credentials struct {
	APIToken      string `json:"apiToken"`
	SolanaAddress string `json:"solanaAddress"`
}

// LoadCredentials reads the wallet config file, expanding a leading ~.
func LoadCredentials(path string) (Credentials, error) {
	if len(path) > 1 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return Credentials{}, fmt.Errorf("wallet: resolve home: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("wallet: read config %s: %w", path, err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("wallet: parse config %s: %w", path, err)
	}
	if creds.APIToken == "" || creds.SolanaAddress == "" {
		return Credentials{}, fmt.Errorf("wallet: config %s missing apiToken or solanaAddress", path)
	}
	return creds, nil
}

// Config holds the wallet service client settings.
type Config struct {
	BaseURL     string `yaml:"base_url"`
	ConfigPath  string `yaml:"config_path"` // credentials file
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// Client talks to the managed wallet signing service.
type Client struct {
	cfg   Config
	creds Credentials
	httpc *http.Client
}

// NewClient creates a wallet client with loaded credentials.
func NewClient(cfg Config, creds Credentials) *Client {
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 10
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	return &Client{cfg: cfg, creds: creds, httpc: &http.Client{Timeout: timeout}}
}

// Address returns the wallet's public key.
func (c *Client) Address() string { return c.creds.SolanaAddress }

// Ping verifies the service is reachable and the token is accepted. Called
// at startup; failure here is process-fatal.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.post(ctx, "/v1/balance", map[string]any{"address": c.creds.SolanaAddress})
	if err != nil {
		return fmt.Errorf("wallet: startup check failed: %w", err)
	}
	return nil
}

// SignTransaction has the service sign an unsigned base64 transaction.
func (c *Client) SignTransaction(ctx context.Context, unsignedTx string) (string, error) {
	body, err := c.post(ctx, "/v1/sign", map[string]any{
		"transaction": unsignedTx,
		"address":     c.creds.SolanaAddress,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		SignedTransaction string `json:"signedTransaction"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("wallet: malformed sign response: %w", err)
	}
	if out.SignedTransaction == "" {
		return "", fmt.Errorf("wallet: empty signed transaction: %w", exec.ErrInvalidRoute)
	}
	return out.SignedTransaction, nil
}

// SendRawTransaction broadcasts a signed transaction, returning the tx
// signature as the submission handle.
func (c *Client) SendRawTransaction(ctx context.Context, signedTx string) (string, error) {
	body, err := c.post(ctx, "/v1/send", map[string]any{"transaction": signedTx})
	if err != nil {
		return "", err
	}
	var out struct {
		TxHash string `json:"txHash"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("wallet: malformed send response: %w", err)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("wallet: send returned no hash: %w", exec.ErrNetwork)
	}
	return out.TxHash, nil
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wallet: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("wallet: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.creds.APIToken)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wallet: %w: %v", exec.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("wallet: read body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("wallet: status %d: %w", resp.StatusCode, exec.ErrAuthFailure)
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("wallet: status %d: %w: %s", resp.StatusCode, exec.ErrInvalidRoute, body)
	default:
		log.Debug().Int("status", resp.StatusCode).Str("path", path).Msg("wallet service error")
		return nil, fmt.Errorf("wallet: status %d: %w", resp.StatusCode, exec.ErrNetwork)
	}
}
