package output

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
)

func init() {
	Register("file", func(_ context.Context, params map[string]string) (Output, error) {
		path := params["path"]
		if path == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "file output requires a 'path' parameter")
		}
		return NewFileOutput(path, params["compress"] == "gzip")
	})
}

// FileOutput appends batches to one NDJSON file per stream under a base
// directory. Append order matches flush order, which keeps the sink
// order-sensitive safe; a batch is synced to disk before Flush returns.
type FileOutput struct {
	base     string
	compress bool
	mu       sync.Mutex
}

// NewFileOutput creates a file sink rooted at base.
func NewFileOutput(base string, compress bool) (*FileOutput, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create output directory")
	}
	return &FileOutput{base: base, compress: compress}, nil
}

// Flush implements Output.
func (f *FileOutput) Flush(_ context.Context, identity models.Identity, entries []models.LogEntry) error {
	data, err := encodeNDJSON(identity, entries)
	if err != nil {
		return err
	}
	data, err = maybeGzip(data, f.compress)
	if err != nil {
		return err
	}

	name := identity.Kind + "-" + identity.Name
	if identity.Operation != "" {
		name += "-" + identity.Operation
	}
	name += ".ndjson"
	if f.compress {
		name += ".gz"
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	handle, err := os.OpenFile(filepath.Join(f.base, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeOutput, "failed to open output file")
	}
	defer handle.Close()

	if _, err := handle.Write(data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeOutput, "output file write failed")
	}
	if err := handle.Sync(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeOutput, "output file sync failed")
	}
	return nil
}

// Close implements Output.
func (f *FileOutput) Close(_ context.Context) error { return nil }
