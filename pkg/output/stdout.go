package output

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
)

func init() {
	Register("stdout", func(_ context.Context, _ map[string]string) (Output, error) {
		return NewStdout(os.Stdout), nil
	})
}

// Stdout writes batches as NDJSON to a stream, one line per entry in
// batch order. A mutex keeps lines from interleaving across concurrent
// connector workers.
type Stdout struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdout creates a stream sink over w.
func NewStdout(w io.Writer) *Stdout {
	return &Stdout{w: w}
}

// Flush implements Output.
func (s *Stdout) Flush(_ context.Context, identity models.Identity, entries []models.LogEntry) error {
	data, err := encodeNDJSON(identity, entries)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeOutput, "stdout write failed")
	}
	return nil
}

// Close implements Output.
func (s *Stdout) Close(_ context.Context) error { return nil }
