// Package clients provides the HTTP plumbing shared by SaaS API
// connectors: a rate-limited, retrying client with the error
// classification the collection engine expects.
package clients

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/logger"
)

// APIClient wraps http.Client for polling vendor APIs. All requests
// pass through a token-bucket limiter and transient failures are
// retried in place; errors escaping the client are already classified
// for the engine's transient/permanent taxonomy.
type APIClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      *RetryPolicy
	headers    map[string]string
	logger     *zap.Logger
}

// APIConfig configures an APIClient.
type APIConfig struct {
	// RequestTimeout bounds a single HTTP round trip.
	RequestTimeout time.Duration
	// RatePerSecond caps request rate against the vendor API; zero
	// means unlimited.
	RatePerSecond float64
	// Burst is the limiter burst size when rate limiting is on.
	Burst int
	// Headers are sent with every request (authorization, accept).
	Headers map[string]string
	// Retry overrides the default in-run retry policy.
	Retry *RetryPolicy
	// OAuth, when set, exchanges client credentials for bearer tokens
	// automatically.
	OAuth *clientcredentials.Config
}

// NewAPIClient creates a connector API client.
func NewAPIClient(ctx context.Context, cfg APIConfig) *APIClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	if cfg.OAuth != nil {
		httpClient = oauth2.NewClient(
			context.WithValue(ctx, oauth2.HTTPClient, httpClient),
			cfg.OAuth.TokenSource(ctx),
		)
		httpClient.Timeout = timeout
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	retry := cfg.Retry
	if retry == nil {
		retry = DefaultRetryPolicy()
	}

	return &APIClient{
		httpClient: httpClient,
		limiter:    limiter,
		retry:      retry,
		headers:    cfg.Headers,
		logger:     logger.With(zap.String("component", "api_client")),
	}
}

// Response is a decoded API response together with pagination hints.
type Response struct {
	StatusCode int
	Body       []byte
	// NextLink is the rel="next" target from the Link header, when the
	// vendor paginates that way.
	NextLink string
}

// GetJSON issues a rate-limited GET and decodes the response into out
// when out is non-nil. Query parameters are appended to the URL.
func (c *APIClient) GetJSON(ctx context.Context, rawURL string, params url.Values, out interface{}) (*Response, error) {
	resp, err := c.Do(ctx, http.MethodGet, rawURL, params, nil)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode API response")
		}
	}
	return resp, nil
}

// Do issues a rate-limited, retried request. The body is taken as a
// byte slice rather than a reader so every retry attempt re-sends it
// from the start.
func (c *APIClient) Do(ctx context.Context, method, rawURL string, params url.Values, body []byte) (*Response, error) {
	target := rawURL
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		target = rawURL + sep + params.Encode()
	}

	var resp *Response
	err := c.retry.Execute(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "rate limiter wait cancelled")
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "failed to build API request")
		}
		for key, value := range c.headers {
			req.Header.Set(key, value)
		}

		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(err, errors.ErrorTypeTimeout, "API request cancelled")
			}
			return errors.Wrap(err, errors.ErrorTypeConnection, "API request failed")
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to read API response")
		}

		if err := ClassifyStatus(httpResp.StatusCode); err != nil {
			c.logger.Debug("API request rejected",
				zap.String("url", rawURL),
				zap.Int("status", httpResp.StatusCode))
			return err
		}

		resp = &Response{
			StatusCode: httpResp.StatusCode,
			Body:       data,
			NextLink:   parseNextLink(httpResp.Header),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ClassifyStatus maps an HTTP status to the engine's error taxonomy.
// 2xx is success (nil), 401/403 are permanent credential failures, 429
// is a rate limit, and 5xx are transient server errors.
func ClassifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Newf(errors.ErrorTypeAuthentication, "API rejected credentials (%d)", status)
	case status == http.StatusTooManyRequests:
		return errors.Newf(errors.ErrorTypeRateLimit, "API rate limit exceeded (%d)", status)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errors.Newf(errors.ErrorTypeTimeout, "API request timed out (%d)", status)
	case status >= 500:
		return errors.Newf(errors.ErrorTypeConnection, "API server error (%d)", status)
	default:
		return errors.Newf(errors.ErrorTypeConfig, "API rejected request (%d)", status)
	}
}

// parseNextLink extracts the rel="next" URL from an RFC 8288 Link
// header.
func parseNextLink(header http.Header) string {
	for _, link := range header.Values("Link") {
		for _, part := range strings.Split(link, ",") {
			section := strings.Split(part, ";")
			if len(section) < 2 {
				continue
			}
			target := strings.Trim(strings.TrimSpace(section[0]), "<>")
			for _, attr := range section[1:] {
				if strings.TrimSpace(attr) == `rel="next"` {
					return target
				}
			}
		}
	}
	return ""
}
