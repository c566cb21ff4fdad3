// Package secrets resolves credential material referenced by connector
// configurations. Configurations carry references, never raw secrets;
// resolution happens at run start and failures are permanent until the
// operator fixes the reference or the backing store.
package secrets

import (
	"context"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/canopyhq/canopy/pkg/errors"
)

// Source resolves a secret reference to credential material.
type Source interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Factory creates a secret source from backend-specific parameters.
type Factory func(ctx context.Context, params map[string]string) (Source, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register makes a secret backend available under the given kind.
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[kind] = factory
}

// Open instantiates the secret backend registered under kind.
func Open(ctx context.Context, kind string, params map[string]string) (Source, error) {
	registryMu.RLock()
	factory, ok := factories[kind]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "secret backend %q not registered", kind)
	}
	return factory(ctx, params)
}

// Kinds returns the registered backend kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	return kinds
}

func init() {
	Register("env", func(_ context.Context, _ map[string]string) (Source, error) {
		return Env{}, nil
	})
	Register("file", func(_ context.Context, params map[string]string) (Source, error) {
		path := params["path"]
		if path == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "file secret backend requires a 'path' parameter")
		}
		return NewFile(path)
	})
}

// Env resolves references against process environment variables.
type Env struct{}

// Resolve implements Source.
func (Env) Resolve(_ context.Context, ref string) (string, error) {
	value, ok := os.LookupEnv(ref)
	if !ok {
		return "", errors.Newf(errors.ErrorTypeAuthentication, "secret %q not present in environment", ref)
	}
	return value, nil
}

// File resolves references against a YAML map loaded once at startup.
type File struct {
	values map[string]string
}

// NewFile loads the secret map from path.
func NewFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read secrets file")
	}

	values := make(map[string]string)
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse secrets file")
	}
	return &File{values: values}, nil
}

// Resolve implements Source.
func (f *File) Resolve(_ context.Context, ref string) (string, error) {
	value, ok := f.values[ref]
	if !ok {
		return "", errors.Newf(errors.ErrorTypeAuthentication, "secret %q not present in secrets file", ref)
	}
	return value, nil
}

// Static is a fixed map source for tests.
type Static map[string]string

// Resolve implements Source.
func (s Static) Resolve(_ context.Context, ref string) (string, error) {
	value, ok := s[ref]
	if !ok {
		return "", errors.Newf(errors.ErrorTypeAuthentication, "secret %q not configured", ref)
	}
	return value, nil
}
