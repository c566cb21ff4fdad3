package clients

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/errors"
)

func fastRetry() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestGetJSONDecodesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token xyz", r.Header.Get("Authorization"))
		assert.Equal(t, "bar", r.URL.Query().Get("foo"))
		fmt.Fprint(w, `{"count": 3}`)
	}))
	defer server.Close()

	client := NewAPIClient(context.Background(), APIConfig{
		Headers: map[string]string{"Authorization": "token xyz"},
		Retry:   NoRetryPolicy(),
	})

	var out struct {
		Count int `json:"count"`
	}
	resp, err := client.GetJSON(context.Background(), server.URL, map[string][]string{"foo": {"bar"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, out.Count)
}

func TestDoRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	client := NewAPIClient(context.Background(), APIConfig{Retry: fastRetry()})
	_, err := client.Do(context.Background(), http.MethodGet, server.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoResendsBodyOnRetry(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		bodies = append(bodies, string(data))
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	client := NewAPIClient(context.Background(), APIConfig{Retry: fastRetry()})
	_, err := client.Do(context.Background(), http.MethodPost, server.URL, nil, []byte(`{"batch":1}`))
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Equal(t, `{"batch":1}`, bodies[0])
	assert.Equal(t, `{"batch":1}`, bodies[1], "the retried attempt must carry the full body")
}

func TestDoDoesNotRetryCredentialFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewAPIClient(context.Background(), APIConfig{Retry: fastRetry()})
	_, err := client.Do(context.Background(), http.MethodGet, server.URL, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load(), "credential failures must not burn retries")
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status    int
		errType   errors.ErrorType
		retryable bool
	}{
		{http.StatusOK, "", false},
		{http.StatusCreated, "", false},
		{http.StatusUnauthorized, errors.ErrorTypeAuthentication, false},
		{http.StatusForbidden, errors.ErrorTypeAuthentication, false},
		{http.StatusTooManyRequests, errors.ErrorTypeRateLimit, true},
		{http.StatusBadGateway, errors.ErrorTypeConnection, true},
		{http.StatusGatewayTimeout, errors.ErrorTypeTimeout, true},
		{http.StatusNotFound, errors.ErrorTypeConfig, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			err := ClassifyStatus(tc.status)
			if tc.errType == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tc.errType))
			assert.Equal(t, tc.retryable, errors.IsRetryable(err))
		})
	}
}

func TestParseNextLink(t *testing.T) {
	header := http.Header{}
	header.Add("Link", `<https://example.okta.com/api/v1/logs?after=self>; rel="self"`)
	header.Add("Link", `<https://example.okta.com/api/v1/logs?after=abc123>; rel="next"`)

	assert.Equal(t, "https://example.okta.com/api/v1/logs?after=abc123", parseNextLink(header))
	assert.Empty(t, parseNextLink(http.Header{}))
}

func TestRetryPolicyStopsAtMaxAttempts(t *testing.T) {
	policy := fastRetry()
	calls := 0
	err := policy.Execute(context.Background(), func() error {
		calls++
		return errors.New(errors.ErrorTypeConnection, "down")
	})
	require.Error(t, err)
	assert.Equal(t, policy.MaxAttempts, calls)
}
