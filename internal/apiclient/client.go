// Package apiclient provides the authenticated REST client for the conversation backend.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/convo/internal/credstore"
	"github.com/xiaot623/gogo/convo/internal/logging"
)

// TokenRefresher obtains a new access token after a 401.
type TokenRefresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Client is an HTTP client that attaches the bearer token and recovers from expiry
// by refreshing once and replaying the request.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      credstore.Store
	refresher  TokenRefresher
	logger     zerolog.Logger
}

// NewClient creates a new API client.
func NewClient(baseURL string, timeout time.Duration, store credstore.Store, refresher TokenRefresher, logger zerolog.Logger) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: timeout}, store, refresher, logger)
}

// NewClientWithHTTP creates a new API client on top of httpClient.
func NewClientWithHTTP(baseURL string, httpClient *http.Client, store credstore.Store, refresher TokenRefresher, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		store:      store,
		refresher:  refresher,
		logger:     logging.Component(logger, "apiclient"),
	}
}

// Request describes one outbound call.
type Request struct {
	Method string
	Path   string
	Body   interface{}

	// AuthEndpoint marks login/signup/refresh calls: a 401 from them is returned as is.
	AuthEndpoint bool
}

// Response is a successful response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// AccessToken returns the stored access token, or "" if none.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	token, _, err := c.store.Get(ctx, credstore.KeyAccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to read access token: %w", err)
	}
	return token, nil
}

// Do sends req. A 401 on a non-auth request triggers one refresh and exactly one retry.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var payload []byte
	if req.Body != nil {
		var err error
		if payload, err = json.Marshal(req.Body); err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, req, payload, token)
	if err == nil || req.AuthEndpoint || !isUnauthorized(err) {
		return resp, err
	}

	retryToken, err := c.retryToken(ctx, token)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("method", req.Method).Str("path", req.Path).Msg("retrying after token refresh")
	return c.send(ctx, req, payload, retryToken)
}

// retryToken returns the token to replay a request with after it failed using used.
// If another caller already refreshed, the current token is reused without a new refresh.
func (c *Client) retryToken(ctx context.Context, used string) (string, error) {
	current, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	if current != "" && current != used {
		return current, nil
	}
	return c.refresher.Refresh(ctx)
}

func (c *Client) send(ctx context.Context, req Request, payload []byte, token string) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &UnreachableError{Method: req.Method, Path: req.Path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnreachableError{Method: req.Method, Path: req.Path, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{
			Method:     req.Method,
			Path:       req.Path,
			StatusCode: resp.StatusCode,
			Body:       respBody,
		}
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil {
			apiErr.Message = errResp.Error
		}
		return nil, apiErr
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

func isUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}
