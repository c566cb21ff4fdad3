package bigquery

import (
	"context"
	"testing"
	"time"

	bq "cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/config"
	"github.com/canopyhq/canopy/pkg/secrets"
)

func TestConfigureRequiresProjectAndQuery(t *testing.T) {
	cases := []struct {
		name   string
		params map[string]string
	}{
		{"no project", map[string]string{"query": "SELECT 1"}},
		{"no query", map[string]string{"project": "acme-logs"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &Source{}
			err := src.Configure(context.Background(), &config.Instance{
				Connector: Kind,
				Name:      "audit",
				Params:    tc.params,
			}, secrets.Static{})
			assert.Error(t, err)
		})
	}
}

func TestNormalize(t *testing.T) {
	src := &Source{idCol: "insert_id", tsCol: "timestamp"}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entry, err := src.normalize(map[string]bq.Value{
		"insert_id": "row-1",
		"timestamp": ts,
		"severity":  "NOTICE",
	})
	require.NoError(t, err)
	assert.Equal(t, "row-1", entry.ID)
	assert.Equal(t, ts, entry.Timestamp)
	assert.Contains(t, string(entry.Payload), "NOTICE")
}

func TestNormalizeMissingColumns(t *testing.T) {
	src := &Source{idCol: "insert_id", tsCol: "timestamp"}

	_, err := src.normalize(map[string]bq.Value{"timestamp": time.Now()})
	assert.Error(t, err)

	_, err = src.normalize(map[string]bq.Value{"insert_id": "row-1"})
	assert.Error(t, err)
}
