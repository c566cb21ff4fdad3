package output

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
)

func init() {
	Register("http", func(_ context.Context, params map[string]string) (Output, error) {
		url := params["url"]
		if url == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "http output requires a 'url' parameter")
		}

		timeout := 30 * time.Second
		if raw := params["timeout"]; raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid http output timeout")
			}
			timeout = parsed
		}

		return NewHTTPOutput(&http.Client{Timeout: timeout}, url, params["authorization"]), nil
	})
}

// HTTPOutput POSTs each batch as an NDJSON body to a remote collector.
// Any non-2xx response fails the flush; 429 and 5xx are classified as
// retryable so the run is retried on the next trigger, while 4xx
// points at a misconfigured endpoint or credentials.
type HTTPOutput struct {
	client *http.Client
	url    string
	auth   string
}

// NewHTTPOutput creates an HTTP sink posting to url. auth, when set, is
// sent verbatim as the Authorization header.
func NewHTTPOutput(client *http.Client, url, auth string) *HTTPOutput {
	return &HTTPOutput{client: client, url: url, auth: auth}
}

// Flush implements Output.
func (o *HTTPOutput) Flush(ctx context.Context, identity models.Identity, entries []models.LogEntry) error {
	data, err := encodeNDJSON(identity, entries)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeOutput, "failed to build http output request")
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("X-Canopy-Stream", identity.String())
	if o.auth != "" {
		req.Header.Set("Authorization", o.auth)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "http output request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.Newf(errors.ErrorTypeRateLimit, "http output rate limited (%d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return errors.Newf(errors.ErrorTypeOutput, "http output server error (%d)", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Newf(errors.ErrorTypeAuthentication, "http output rejected credentials (%d)", resp.StatusCode)
	default:
		return errors.Newf(errors.ErrorTypeConfig, "http output rejected request (%d)", resp.StatusCode)
	}
}

// Close implements Output.
func (o *HTTPOutput) Close(_ context.Context) error { return nil }
