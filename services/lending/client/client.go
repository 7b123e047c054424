// Package client is a thin HTTP client for the lendingd API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendcore/crypto"
	"lendcore/services/lending/signing"
)

const apiPrefix = "/v1/lending"

// APIError is returned for any non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("lendingd: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("lendingd: %s (%d): %s", e.Code, e.Status, e.Message)
}

// Status is the daemon's health summary.
type Status struct {
	Status    string `json:"status"`
	Paused    bool   `json:"paused"`
	ProgramID string `json:"programId"`
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithTLSConfig installs TLS settings, including client certificates.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = cfg
		c.http.Transport = otelhttp.NewTransport(transport)
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// Client talks to a lendingd endpoint.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
}

// New builds a client for the daemon at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("endpoint must be http or https, got %q", baseURL)
	}
	c := &Client{
		base: parsed,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Status fetches /healthz.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProgramID returns the program identifier envelopes must be signed for.
func (c *Client) ProgramID(ctx context.Context) ([]byte, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	id, err := hex.DecodeString(status.ProgramID)
	if err != nil || len(id) == 0 {
		return nil, fmt.Errorf("invalid program id %q", status.ProgramID)
	}
	return id, nil
}

// Banks lists every initialised bank.
func (c *Client) Banks(ctx context.Context) (json.RawMessage, error) {
	return c.raw(ctx, http.MethodGet, apiPrefix+"/banks", nil)
}

// Bank returns one bank.
func (c *Client) Bank(ctx context.Context, asset string) (json.RawMessage, error) {
	return c.raw(ctx, http.MethodGet, apiPrefix+"/banks/"+url.PathEscape(asset), nil)
}

// Position returns the position held by owner.
func (c *Client) Position(ctx context.Context, owner string) (json.RawMessage, error) {
	return c.raw(ctx, http.MethodGet, apiPrefix+"/positions/"+url.PathEscape(owner), nil)
}

// Health returns the valuation and borrowing headroom of owner.
func (c *Client) Health(ctx context.Context, owner string) (json.RawMessage, error) {
	return c.raw(ctx, http.MethodGet, apiPrefix+"/positions/"+url.PathEscape(owner)+"/health", nil)
}

// Balance returns the wallet balance of account in asset.
func (c *Client) Balance(ctx context.Context, asset, account string) (json.RawMessage, error) {
	return c.raw(ctx, http.MethodGet, apiPrefix+"/balances/"+url.PathEscape(asset)+"/"+url.PathEscape(account), nil)
}

// Nonce returns the next nonce expected from account.
func (c *Client) Nonce(ctx context.Context, account string) (uint64, error) {
	var out struct {
		Nonce string `json:"nonce"`
	}
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/nonces/"+url.PathEscape(account), nil, &out); err != nil {
		return 0, err
	}
	return strconv.ParseUint(out.Nonce, 10, 64)
}

// Journal lists journal entries; query carries the optional filters.
func (c *Client) Journal(ctx context.Context, query url.Values) (json.RawMessage, error) {
	path := apiPrefix + "/journal"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	return c.raw(ctx, http.MethodGet, path, nil)
}

var actionPaths = map[string]string{
	signing.ActionInitUser:  "/users",
	signing.ActionDeposit:   "/deposit",
	signing.ActionWithdraw:  "/withdraw",
	signing.ActionBorrow:    "/borrow",
	signing.ActionRepay:     "/repay",
	signing.ActionLiquidate: "/liquidate",
}

// Submit posts a signed envelope to the route matching its action.
func (c *Client) Submit(ctx context.Context, req signing.SignedEnvelope) (json.RawMessage, error) {
	path, ok := actionPaths[strings.ToLower(strings.TrimSpace(req.Envelope.Action))]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", req.Envelope.Action)
	}
	return c.raw(ctx, http.MethodPost, apiPrefix+path, req)
}

// Execute fills in the caller's current nonce, signs env with key and
// submits it.
func (c *Client) Execute(ctx context.Context, key *crypto.PrivateKey, env signing.Envelope) (json.RawMessage, error) {
	programID, err := c.ProgramID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := c.Nonce(ctx, key.PubKey().Address().String())
	if err != nil {
		return nil, err
	}
	env.Nonce = nonce
	req, err := signing.Sign(key, programID, env)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, req)
}

// RegisterAsset adds an asset to the token registry.
func (c *Client) RegisterAsset(ctx context.Context, symbol string, decimals uint8) (json.RawMessage, error) {
	return c.raw(ctx, http.MethodPost, apiPrefix+"/assets", map[string]interface{}{"symbol": symbol, "decimals": decimals})
}

// Mint credits amount of asset to account.
func (c *Client) Mint(ctx context.Context, asset, account string, amount uint64) (json.RawMessage, error) {
	return c.raw(ctx, http.MethodPost, apiPrefix+"/assets/"+url.PathEscape(asset)+"/mint", map[string]string{
		"account": account,
		"amount":  strconv.FormatUint(amount, 10),
	})
}

// InitializeBank creates a bank with the given risk parameters in basis points.
func (c *Client) InitializeBank(ctx context.Context, asset string, maxLTV, liquidationThreshold uint64) (json.RawMessage, error) {
	return c.raw(ctx, http.MethodPost, apiPrefix+"/banks", map[string]interface{}{
		"asset":                   asset,
		"maxLtvBps":               maxLTV,
		"liquidationThresholdBps": liquidationThreshold,
	})
}

// SetPaused toggles the module pause flag.
func (c *Client) SetPaused(ctx context.Context, paused bool) (json.RawMessage, error) {
	return c.raw(ctx, http.MethodPost, apiPrefix+"/pause", map[string]bool{"paused": paused})
}

// ExportJournal writes entries after afterSequence to a parquet file on the
// daemon host.
func (c *Client) ExportJournal(ctx context.Context, afterSequence uint64) (json.RawMessage, error) {
	return c.raw(ctx, http.MethodPost, apiPrefix+"/journal/export", map[string]string{
		"afterSequence": strconv.FormatUint(afterSequence, 10),
	})
}

func (c *Client) raw(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Code, apiErr.Message = payload.Code, payload.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
