package transform

import (
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/theory/jsonpath"

	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
)

func init() {
	Register("extract", newExtract)
	Register("filter", newFilter)
	Register("split", newSplit)
}

func compilePath(params map[string]string) (*jsonpath.Path, error) {
	expr := params["path"]
	if expr == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "transform requires a 'path' parameter")
	}
	path, err := jsonpath.Parse(expr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid JSONPath expression")
	}
	return path, nil
}

func decodePayload(entry models.LogEntry) (interface{}, error) {
	var doc interface{}
	if err := json.Unmarshal(entry.Payload, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "entry payload is not valid JSON")
	}
	return doc, nil
}

// Extract replaces each payload with the first subtree matched by a
// JSONPath expression. Entries with no match pass through unchanged.
type Extract struct {
	path *jsonpath.Path
}

func newExtract(params map[string]string) (Transform, error) {
	path, err := compilePath(params)
	if err != nil {
		return nil, err
	}
	return &Extract{path: path}, nil
}

// Name implements Transform.
func (e *Extract) Name() string { return "extract" }

// Apply implements Transform.
func (e *Extract) Apply(entries []models.LogEntry) ([]models.LogEntry, error) {
	out := make([]models.LogEntry, 0, len(entries))
	for _, entry := range entries {
		doc, err := decodePayload(entry)
		if err != nil {
			return nil, err
		}

		matches := e.path.Select(doc)
		if len(matches) == 0 {
			out = append(out, entry)
			continue
		}

		payload, err := json.Marshal(matches[0])
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode extracted payload")
		}
		entry.Payload = payload
		out = append(out, entry)
	}
	return out, nil
}

// Filter keeps only entries whose payload matches a JSONPath
// expression.
type Filter struct {
	path *jsonpath.Path
}

func newFilter(params map[string]string) (Transform, error) {
	path, err := compilePath(params)
	if err != nil {
		return nil, err
	}
	return &Filter{path: path}, nil
}

// Name implements Transform.
func (f *Filter) Name() string { return "filter" }

// Apply implements Transform.
func (f *Filter) Apply(entries []models.LogEntry) ([]models.LogEntry, error) {
	out := make([]models.LogEntry, 0, len(entries))
	for _, entry := range entries {
		doc, err := decodePayload(entry)
		if err != nil {
			return nil, err
		}
		if len(f.path.Select(doc)) > 0 {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Split fans each entry whose JSONPath matches are arrays or multiple
// nodes into one entry per matched element. Split entries share the
// parent's ID with an element index suffix so downstream idempotency
// keys stay unique.
type Split struct {
	path *jsonpath.Path
}

func newSplit(params map[string]string) (Transform, error) {
	path, err := compilePath(params)
	if err != nil {
		return nil, err
	}
	return &Split{path: path}, nil
}

// Name implements Transform.
func (s *Split) Name() string { return "split" }

// Apply implements Transform.
func (s *Split) Apply(entries []models.LogEntry) ([]models.LogEntry, error) {
	var out []models.LogEntry
	for _, entry := range entries {
		doc, err := decodePayload(entry)
		if err != nil {
			return nil, err
		}

		matches := s.path.Select(doc)
		if len(matches) == 0 {
			out = append(out, entry)
			continue
		}

		for idx, match := range matches {
			payload, err := json.Marshal(match)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode split payload")
			}
			child := entry
			child.ID = entry.ID + "/" + strconv.Itoa(idx)
			child.Payload = payload
			out = append(out, child)
		}
	}
	return out, nil
}
