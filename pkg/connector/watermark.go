package connector

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/canopyhq/canopy/pkg/errors"
)

// Watermark is the decoded pointer for one stream. Value is the primary
// ordering value; Seen holds the record IDs observed exactly at Value
// for chronological sources, so same-timestamp boundary records are
// neither dropped nor re-delivered. Seen is cleared whenever Value
// advances past the instant it describes.
type Watermark struct {
	Value string   `json:"value"`
	Seen  []string `json:"seen,omitempty"`
}

// ParseWatermark decodes a stored pointer. A value that is not the JSON
// envelope is treated as a bare legacy value with no tie-break set.
func ParseWatermark(data []byte) Watermark {
	var w Watermark
	if err := json.Unmarshal(data, &w); err == nil && (w.Value != "" || len(w.Seen) > 0) {
		return w
	}
	return Watermark{Value: string(data)}
}

// Encode serializes the watermark for storage.
func (w Watermark) Encode() ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode watermark")
	}
	return data, nil
}

// Time parses Value as a timestamp watermark; ok is false when Value is
// empty or not a timestamp.
func (w Watermark) Time() (time.Time, bool) {
	if w.Value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Value)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// SeenSet returns the tie-break IDs as a set.
func (w Watermark) SeenSet() map[string]struct{} {
	if len(w.Seen) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(w.Seen))
	for _, id := range w.Seen {
		set[id] = struct{}{}
	}
	return set
}

// FormatTime renders a timestamp as a watermark value.
func FormatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}
