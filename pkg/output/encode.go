package output

import (
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
	"github.com/canopyhq/canopy/pkg/pool"
)

// envelope is the on-the-wire form of one entry: stream metadata plus
// the raw payload, one JSON object per line.
type envelope struct {
	Connector string `json:"connector"`
	Instance  string `json:"instance"`
	Operation string `json:"operation,omitempty"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Collected string `json:"collected"`
	Payload   json.RawMessage `json:"payload"`
}

// encodeNDJSON renders a batch as newline-delimited JSON in batch
// order.
func encodeNDJSON(identity models.Identity, entries []models.LogEntry) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	enc := json.NewEncoder(buf)

	for _, entry := range entries {
		env := envelope{
			Connector: identity.Kind,
			Instance:  identity.Name,
			Operation: identity.Operation,
			ID:        entry.ID,
			Timestamp: entry.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Collected: entry.Collected.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Payload:   json.RawMessage(entry.Payload),
		}
		if err := enc.Encode(env); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeOutput, "failed to encode log entry")
		}
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// maybeGzip compresses data when enabled.
func maybeGzip(data []byte, enabled bool) ([]byte, error) {
	if !enabled {
		return data, nil
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	gz := gzip.NewWriter(buf)
	if _, err := gz.Write(data); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeOutput, "gzip write failed")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeOutput, "gzip close failed")
	}
	return append([]byte(nil), buf.Bytes()...), nil
}
