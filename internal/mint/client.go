package mint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"mintsync/internal/jsonrpc"
	"mintsync/internal/ratelimit"
)

// Options for creating a Client
type Options struct {
	// HTTPClient overrides the rate limited default client
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	RateLimit      ratelimit.Options
	InfoCacheSize  int
	InfoCacheTTL   time.Duration
	Breaker        BreakerOptions
}

// Client talks to the HTTP API of one or more mints
type Client struct {
	httpClient *http.Client
	infoCache  *InfoCache
	infoGroup  singleflight.Group
	logger     zerolog.Logger

	breakerOpts BreakerOptions
	breakerMu   sync.Mutex
	breakers    map[string]*Breaker
}

// NewClient creates a new mint client
func NewClient(opts Options, logger zerolog.Logger) *Client {
	logger = logger.With().Str("component", "mint").Logger()

	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
		httpClient = &http.Client{
			Transport: ratelimit.NewTransport(transport, opts.RateLimit, logger),
			Timeout:   opts.RequestTimeout,
		}
	}

	return &Client{
		httpClient: httpClient,
		infoCache:  NewInfoCache(opts.InfoCacheSize, opts.InfoCacheTTL),
		logger:     logger,

		breakerOpts: opts.Breaker,
		breakers:    make(map[string]*Breaker),
	}
}

// GetInfo returns the mint info, served from cache while fresh
func (c *Client) GetInfo(ctx context.Context, endpoint string) (*Info, error) {
	endpoint = normalize(endpoint)
	if info, ok := c.infoCache.Get(endpoint); ok {
		return info, nil
	}

	v, err, _ := c.infoGroup.Do(endpoint, func() (interface{}, error) {
		var info Info
		if err := c.do(ctx, http.MethodGet, endpoint, "/v1/info", nil, &info); err != nil {
			return nil, err
		}
		c.infoCache.Set(endpoint, &info)
		return &info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Info), nil
}

// InvalidateInfo drops the cached info for endpoint
func (c *Client) InvalidateInfo(endpoint string) {
	c.infoCache.Invalidate(normalize(endpoint))
}

// SupportsNotifications implements the capability check used by the subscription registry
func (c *Client) SupportsNotifications(ctx context.Context, endpoint, unit string) (bool, error) {
	info, err := c.GetInfo(ctx, endpoint)
	if err != nil {
		return false, err
	}
	return info.SupportsNotifications(unit, jsonrpc.Kinds...), nil
}

// CheckMintQuote fetches the current state of a bolt11 mint quote
func (c *Client) CheckMintQuote(ctx context.Context, endpoint, quoteID string) (json.RawMessage, error) {
	var payload json.RawMessage
	path := "/v1/mint/quote/bolt11/" + url.PathEscape(quoteID)
	if err := c.do(ctx, http.MethodGet, normalize(endpoint), path, nil, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// CheckMeltQuote fetches the current state of a bolt11 melt quote
func (c *Client) CheckMeltQuote(ctx context.Context, endpoint, quoteID string) (json.RawMessage, error) {
	var payload json.RawMessage
	path := "/v1/melt/quote/bolt11/" + url.PathEscape(quoteID)
	if err := c.do(ctx, http.MethodGet, normalize(endpoint), path, nil, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// CheckProofStates fetches the states of the given proof identifiers
func (c *Client) CheckProofStates(ctx context.Context, endpoint string, ys []string) ([]ProofStatePayload, error) {
	var resp checkStateResponse
	if err := c.do(ctx, http.MethodPost, normalize(endpoint), "/v1/checkstate", checkStateRequest{Ys: ys}, &resp); err != nil {
		return nil, err
	}
	return resp.States, nil
}

// Breaker returns the circuit breaker of endpoint, creating it on first use
func (c *Client) Breaker(endpoint string) *Breaker {
	endpoint = normalize(endpoint)
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()
	b, ok := c.breakers[endpoint]
	if !ok {
		b = NewBreaker(c.breakerOpts)
		c.breakers[endpoint] = b
	}
	return b
}

func (c *Client) do(ctx context.Context, method, endpoint, path string, body, out interface{}) error {
	breaker := c.Breaker(endpoint)
	if !breaker.Allow() {
		c.logger.Debug().Str("endpoint", endpoint).Str("path", path).Msg("circuit open, request rejected")
		return &NetworkError{Endpoint: endpoint, Err: ErrCircuitOpen}
	}

	err := c.send(ctx, method, endpoint, path, body, out)
	if countsAsFailure(err) {
		breaker.Failure()
		if breaker.State() == breakerOpen.String() {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("circuit opened for mint")
		}
	} else {
		breaker.Success()
	}
	return err
}

func (c *Client) send(ctx context.Context, method, endpoint, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reqBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(reqBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &NetworkError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Endpoint: endpoint, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return translateError(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		c.logger.Error().Err(err).Str("endpoint", endpoint).Str("path", path).Msg("failed to parse HTTP response")
		return &MalformedResponseError{Status: resp.StatusCode, Err: err}
	}
	return nil
}

type errorBody struct {
	Error  interface{} `json:"error"`
	Detail interface{} `json:"detail"`
	Code   interface{} `json:"code"`
}

func translateError(status int, body []byte) error {
	var data errorBody
	if err := json.Unmarshal(body, &data); err != nil {
		data = errorBody{Error: "bad response"}
	}

	if status == http.StatusBadRequest {
		code, codeOK := data.Code.(float64)
		detail, detailOK := data.Detail.(string)
		if codeOK && detailOK && code == float64(int(code)) {
			return &ProtocolError{Code: int(code), Detail: detail}
		}
	}

	message := "HTTP request failed"
	if s, ok := data.Error.(string); ok {
		message = s
	} else if s, ok := data.Detail.(string); ok {
		message = s
	}
	return &HTTPError{Status: status, Message: message}
}

func normalize(endpoint string) string {
	return strings.TrimRight(endpoint, "/")
}
