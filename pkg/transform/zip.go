package transform

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
)

func init() {
	Register("zip", newZip)
}

// Zip merges a fixed set of fields into every object payload, for
// stamping stream metadata (environment, team, source region) onto
// records before delivery. Fields are given as "fields" params entries
// of the form "key=value" joined by commas, or as individual params
// prefixed with "field.".
type Zip struct {
	fields map[string]string
}

func newZip(params map[string]string) (Transform, error) {
	fields := make(map[string]string)

	if raw := params["fields"]; raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeConfig, "zip field %q is not key=value", pair)
			}
			fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	for key, value := range params {
		if name, ok := strings.CutPrefix(key, "field."); ok {
			fields[name] = value
		}
	}

	if len(fields) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "zip transform requires at least one field")
	}
	return &Zip{fields: fields}, nil
}

// Name implements Transform.
func (z *Zip) Name() string { return "zip" }

// Apply implements Transform.
func (z *Zip) Apply(entries []models.LogEntry) ([]models.LogEntry, error) {
	out := make([]models.LogEntry, 0, len(entries))
	for _, entry := range entries {
		doc := make(map[string]interface{})
		if err := json.Unmarshal(entry.Payload, &doc); err != nil {
			// Non-object payloads pass through untouched.
			out = append(out, entry)
			continue
		}

		for key, value := range z.fields {
			doc[key] = value
		}

		payload, err := json.Marshal(doc)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode zipped payload")
		}
		entry.Payload = payload
		out = append(out, entry)
	}
	return out, nil
}
