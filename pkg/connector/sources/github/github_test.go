package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/config"
	"github.com/canopyhq/canopy/pkg/connector"
	"github.com/canopyhq/canopy/pkg/secrets"
)

func configure(t *testing.T, apiBase string) *Source {
	t.Helper()
	src := &Source{}
	err := src.Configure(context.Background(), &config.Instance{
		Connector: Kind,
		Name:      "acme",
		Params:    map[string]string{"org": "acme", "api_base": apiBase},
		Secrets:   map[string]string{"token": "GH_TOKEN"},
		BatchSize: 50,
	}, secrets.Static{"GH_TOKEN": "ghp_test"})
	require.NoError(t, err)
	return src
}

func TestConfigureRequiresOrg(t *testing.T) {
	src := &Source{}
	err := src.Configure(context.Background(), &config.Instance{
		Connector: Kind,
		Name:      "x",
		Secrets:   map[string]string{"token": "GH_TOKEN"},
	}, secrets.Static{"GH_TOKEN": "t"})
	assert.Error(t, err)
}

func TestPollBuildsSearchPhrase(t *testing.T) {
	var gotPhrase, gotOrder, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/orgs/acme/audit-log", r.URL.Path)
		gotPhrase = r.URL.Query().Get("phrase")
		gotOrder = r.URL.Query().Get("order")
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `[
			{"_document_id":"d1","@timestamp":1772366400000,"action":"repo.create"},
			{"_document_id":"d2","@timestamp":1772366400500,"action":"repo.destroy"}
		]`)
	}))
	defer server.Close()

	src := configure(t, server.URL)
	page, err := src.Poll(context.Background(), connector.Request{Watermark: "2026-03-01T12:00:00Z"})
	require.NoError(t, err)

	assert.Equal(t, "created:>=2026-03-01T12:00:00+0000", gotPhrase)
	assert.Equal(t, "asc", gotOrder)
	assert.Equal(t, "Bearer ghp_test", gotAuth)

	require.Len(t, page.Entries, 2)
	assert.Equal(t, "d1", page.Entries[0].ID)
	assert.Equal(t, time.UnixMilli(1772366400000).UTC(), page.Entries[0].Timestamp)
	assert.Contains(t, string(page.Entries[1].Payload), "repo.destroy")
}

func TestPollPaginatesThroughLinkHeader(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/orgs/acme/audit-log", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") == "c2" {
			fmt.Fprint(w, `[{"_document_id":"d2","@timestamp":1772366401000}]`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/orgs/acme/audit-log?after=c2>; rel="next"`, server.URL))
		fmt.Fprint(w, `[{"_document_id":"d1","@timestamp":1772366400000}]`)
	})

	src := configure(t, server.URL)
	first, err := src.Poll(context.Background(), connector.Request{Watermark: "2026-03-01T12:00:00Z"})
	require.NoError(t, err)
	require.NotEmpty(t, first.PageToken)

	second, err := src.Poll(context.Background(), connector.Request{
		Watermark: "2026-03-01T12:00:00Z",
		PageToken: first.PageToken,
	})
	require.NoError(t, err)
	require.Len(t, second.Entries, 1)
	assert.Equal(t, "d2", second.Entries[0].ID)
	assert.Empty(t, second.PageToken)
}

func TestPollRejectsMalformedWatermark(t *testing.T) {
	src := configure(t, "http://unused.invalid")
	_, err := src.Poll(context.Background(), connector.Request{Watermark: "not-a-time"})
	assert.Error(t, err)
}

func TestPollEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer server.Close()

	src := configure(t, server.URL)
	page, err := src.Poll(context.Background(), connector.Request{Watermark: "2026-03-01T12:00:00Z"})
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
	assert.Empty(t, page.PageToken)
}
