// Package tokendb provides a client for the external token-info service.
package tokendb

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

	"golang.org/x/time/rate"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
	"github.com/bobmcallan/qflow/internal/models"
)

const (
	DefaultBaseURL   = "http://localhost:8084"
	DefaultTimeout   = 5 * time.Second
	DefaultRateLimit = 50 // requests per second
)

// Client implements the TokenResolver interface. Every Resolve call hits the
// service; revoked tokens must stop working without waiting out a cache.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new token-info client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

var _ interfaces.TokenResolver = (*Client)(nil)

// APIError represents a token service error
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tokendb error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

type verifyRequest struct {
	Token string `json:"token"`
}

// Resolve validates an opaque token against the service. Unknown, revoked,
// and expired tokens all come back as UNAUTHENTICATED; the caller cannot
// distinguish them and should not.
func (c *Client) Resolve(ctx context.Context, token string) (*models.TokenInfo, error) {
	if strings.TrimSpace(token) == "" {
		return nil, common.E(common.KindUnauthenticated, "missing token")
	}

	var info models.TokenInfo
	if err := c.post(ctx, "/api/tokens/verify", verifyRequest{Token: token}, &info); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch apiErr.StatusCode {
			case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden:
				return nil, common.E(common.KindUnauthenticated, "token not recognized")
			}
			return nil, common.WrapErr(common.KindInternal, err, "token service request failed")
		}
		return nil, common.WrapErr(common.KindInternal, err, "token service unreachable")
	}

	if info.Name == "" {
		return nil, common.E(common.KindUnauthenticated, "token not recognized")
	}
	if info.IsExpired(time.Now()) {
		c.logger.Debug().Str("token_name", info.Name).Msg("Token expired")
		return nil, common.E(common.KindUnauthenticated, "token expired")
	}

	return &info, nil
}

// post performs a rate-limited POST request. Transport failures get one
// retry; HTTP-level errors are returned as *APIError without retrying.
func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	reqURL := c.baseURL + path
	c.logger.Debug().Str("url", path).Msg("Token service request")

	var resp *http.Response
	err = common.RetryOnce(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err = c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to execute request: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Endpoint:   path,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
