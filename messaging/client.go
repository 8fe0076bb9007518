// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bureau-foundation/spark/lib/netutil"
	"github.com/bureau-foundation/spark/lib/secret"
)

// Authenticator supplies the bearer token for each request.
type Authenticator interface {
	AccessToken(ctx context.Context) (string, error)
}

// ErrTokenClosed is returned by StaticToken.AccessToken after Close.
var ErrTokenClosed = errors.New("messaging: access token has been closed")

// StaticToken is an Authenticator for a fixed token held in protected
// memory. The caller must Close it.
type StaticToken struct {
	mu    sync.Mutex
	token *secret.Buffer
}

// NewStaticToken takes ownership of token.
func NewStaticToken(token *secret.Buffer) *StaticToken {
	return &StaticToken{token: token}
}

// AccessToken returns the token, or ErrTokenClosed once Close has run.
func (s *StaticToken) AccessToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return "", ErrTokenClosed
	}
	return s.token.String(), nil
}

// Close releases the token. Closing twice is a no-op.
func (s *StaticToken) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return nil
	}
	token := s.token
	s.token = nil
	return token.Close()
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the conversation API base
	// (e.g., "https://conv.example.com/conversation/api/v1").
	BaseURL string
	// KMSURL is the base for /kms/messages. Empty means BaseURL.
	KMSURL string
	// Authenticator supplies bearer tokens. Required.
	Authenticator Authenticator
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// UserAgent is sent on every request when set.
	UserAgent string
}

// Client talks to one backend. It is safe for concurrent use.
type Client struct {
	baseURL       string
	kmsURL        string
	authenticator Authenticator
	httpClient    *http.Client
	logger        *slog.Logger
	userAgent     string
}

// NewClient validates config and returns a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("messaging: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("messaging: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if config.KMSURL != "" {
		if _, err := url.Parse(config.KMSURL); err != nil {
			return nil, fmt.Errorf("messaging: invalid KMSURL %q: %w", config.KMSURL, err)
		}
	}
	if config.Authenticator == nil {
		return nil, fmt.Errorf("messaging: Authenticator is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")
	kmsURL := strings.TrimRight(config.KMSURL, "/")
	if kmsURL == "" {
		kmsURL = baseURL
	}

	return &Client{
		baseURL:       baseURL,
		kmsURL:        kmsURL,
		authenticator: config.Authenticator,
		httpClient:    httpClient,
		logger:        logger,
		userAgent:     config.UserAgent,
	}, nil
}

// AccessToken returns a bearer token from the Authenticator. The KMS
// embeds it in handshake and key requests.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	token, err := c.authenticator.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("messaging: fetching access token: %w", err)
	}
	if token == "" {
		return "", fmt.Errorf("messaging: authenticator returned an empty token")
	}
	return token, nil
}

// resolve turns a path into a full URL. Absolute URLs (space, upload
// and download URLs handed out by the server) pass through.
func (c *Client) resolve(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return c.baseURL + target
}

// doRequest performs an authenticated JSON request and returns the
// response body. requestBody and query may be nil. Non-2xx responses
// return an *APIError.
func (c *Client) doRequest(ctx context.Context, method, target string, requestBody any, query url.Values, headers http.Header) ([]byte, error) {
	requestURL := c.resolve(target)
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create request: %w", err)
	}
	for name, values := range headers {
		for _, value := range values {
			request.Header.Add(name, value)
		}
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+token)

	return c.send(request, netutil.MaxResponseSize)
}

// send executes request and reads at most limit bytes of a 2xx body.
func (c *Client) send(request *http.Request, limit int64) ([]byte, error) {
	return c.sendReporting(request, limit, nil)
}

// sendReporting is send with a progress callback for the response
// body. progress sees nothing when the length is unknown.
func (c *Client) sendReporting(request *http.Request, limit int64, progress func(float64)) ([]byte, error) {
	method, path := request.Method, request.URL.Path
	if c.userAgent != "" {
		request.Header.Set("User-Agent", c.userAgent)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		var reader io.Reader = response.Body
		if progress != nil {
			reader = &progressReader{reader: reader, total: response.ContentLength, report: progress}
		}
		body, err := io.ReadAll(io.LimitReader(reader, limit))
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
		}
		return body, nil
	}

	body := netutil.ErrorBody(response.Body)
	apiErr := &APIError{StatusCode: response.StatusCode, Method: method, Path: path}
	if jsonErr := json.Unmarshal([]byte(body), apiErr); jsonErr != nil || apiErr.Message == "" {
		apiErr.Message = body
	}
	c.logger.Debug("backend request failed",
		"method", method,
		"path", path,
		"status", response.StatusCode,
		"tracking_id", apiErr.TrackingID,
	)
	return nil, apiErr
}

// decode unmarshals a response body with a uniform error message.
func decode(body []byte, v any, what string) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("messaging: empty %s response", what)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("messaging: failed to parse %s response: %w", what, err)
	}
	return nil
}
