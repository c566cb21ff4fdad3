package transform

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/config"
	"github.com/canopyhq/canopy/pkg/models"
)

func entry(id, payload string) models.LogEntry {
	return models.LogEntry{
		ID:        id,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:   []byte(payload),
	}
}

func TestExtract(t *testing.T) {
	x, err := New("extract", map[string]string{"path": "$.event"})
	require.NoError(t, err)

	in := []models.LogEntry{
		entry("1", `{"event":{"action":"login","actor":"kat"},"noise":true}`),
		entry("2", `{"other":1}`),
	}
	out, err := x.Apply(in)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.JSONEq(t, `{"action":"login","actor":"kat"}`, string(out[0].Payload))
	// No match passes through unchanged.
	assert.JSONEq(t, `{"other":1}`, string(out[1].Payload))
	// Input is not mutated.
	assert.JSONEq(t, `{"event":{"action":"login","actor":"kat"},"noise":true}`, string(in[0].Payload))
}

func TestFilter(t *testing.T) {
	f, err := New("filter", map[string]string{"path": `$[?(@.severity == "high")]`})
	require.NoError(t, err)

	out, err := f.Apply([]models.LogEntry{
		entry("1", `{"severity":"high"}`),
		entry("2", `{"severity":"low"}`),
		entry("3", `{"severity":"high"}`),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "1", out[0].ID)
	assert.Equal(t, "3", out[1].ID)
}

func TestSplit(t *testing.T) {
	s, err := New("split", map[string]string{"path": "$.events[*]"})
	require.NoError(t, err)

	out, err := s.Apply([]models.LogEntry{
		entry("batch-1", `{"events":[{"n":1},{"n":2},{"n":3}]}`),
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "batch-1/0", out[0].ID)
	assert.Equal(t, "batch-1/2", out[2].ID)
	assert.JSONEq(t, `{"n":2}`, string(out[1].Payload))
	// The children inherit the parent timestamp.
	assert.Equal(t, out[0].Timestamp, out[1].Timestamp)
}

func TestZip(t *testing.T) {
	z, err := New("zip", map[string]string{"fields": "env=production, region=eu-west-1"})
	require.NoError(t, err)

	out, err := z.Apply([]models.LogEntry{entry("1", `{"action":"push"}`)})
	require.NoError(t, err)
	require.Len(t, out, 1)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(out[0].Payload, &doc))
	assert.Equal(t, "push", doc["action"])
	assert.Equal(t, "production", doc["env"])
	assert.Equal(t, "eu-west-1", doc["region"])
}

func TestChainOrderAndErrors(t *testing.T) {
	chain, err := NewChain([]config.TransformConfig{
		{Kind: "split", Params: map[string]string{"path": "$.events[*]"}},
		{Kind: "filter", Params: map[string]string{"path": `$[?(@.keep == true)]`}},
	})
	require.NoError(t, err)

	out, err := chain.Apply([]models.LogEntry{
		entry("b", `{"events":[{"keep":true},{"keep":false},{"keep":true}]}`),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "b/0", out[0].ID)
	assert.Equal(t, "b/2", out[1].ID)

	// Unknown kind fails chain construction.
	_, err = NewChain([]config.TransformConfig{{Kind: "rot13"}})
	require.Error(t, err)

	// Empty chain is the identity.
	var none Chain
	in := []models.LogEntry{entry("1", `{}`)}
	out, err = none.Apply(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
