package config

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/canopyhq/canopy/pkg/errors"
)

// Source supplies the set of configured instances. The scheduler calls
// Load once per refresh cycle; implementations are read-only.
type Source interface {
	Load(ctx context.Context) ([]*Instance, error)
}

// Factory creates a config source from backend-specific parameters.
type Factory func(ctx context.Context, params map[string]string) (Source, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register makes a config source available under the given kind.
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[kind] = factory
}

// Open instantiates the config source registered under kind.
func Open(ctx context.Context, kind string, params map[string]string) (Source, error) {
	registryMu.RLock()
	factory, ok := factories[kind]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "config source %q not registered", kind)
	}
	return factory(ctx, params)
}

// Kinds returns the registered source kinds.
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
	Register("file", func(_ context.Context, params map[string]string) (Source, error) {
		path := params["path"]
		if path == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "file config source requires a 'path' parameter")
		}
		return &Dir{path: path}, nil
	})
	Register("env", func(_ context.Context, params map[string]string) (Source, error) {
		name := params["var"]
		if name == "" {
			name = "CANOPY_INSTANCES"
		}
		return &EnvVar{name: name}, nil
	})
}

// Dir loads every *.yaml / *.yml document under a directory, one
// instance per file. Files are read in name order so Load output is
// deterministic.
type Dir struct {
	path string
}

// Load implements Source.
func (d *Dir) Load(_ context.Context) ([]*Instance, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config directory")
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	instances := make([]*Instance, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(d.path, name))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read instance document")
		}
		instance, err := Parse(data)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid instance document "+name)
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// EnvVar loads a YAML list of instances from a single environment
// variable, which suits serverless deployments with no filesystem.
type EnvVar struct {
	name string
}

// Load implements Source.
func (e *EnvVar) Load(_ context.Context) ([]*Instance, error) {
	raw, ok := os.LookupEnv(e.name)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return ParseList([]byte(raw))
}

// Parse decodes one instance document, substituting ${ENV} references
// before unmarshalling.
func Parse(data []byte) (*Instance, error) {
	expanded := []byte(substituteEnvVars(string(data)))

	instance := &Instance{}
	if err := yaml.Unmarshal(expanded, instance); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse YAML")
	}
	instance.raw = data
	instance.ApplyDefaults()

	if err := instance.Validate(); err != nil {
		return nil, err
	}
	return instance, nil
}

// ParseList decodes a YAML list of instance documents.
func ParseList(data []byte) ([]*Instance, error) {
	expanded := []byte(substituteEnvVars(string(data)))

	var docs []yaml.Node
	var wrapper struct {
		Instances []yaml.Node `yaml:"instances"`
	}
	if err := yaml.Unmarshal(expanded, &wrapper); err == nil && len(wrapper.Instances) > 0 {
		docs = wrapper.Instances
	} else if err := yaml.Unmarshal(expanded, &docs); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse instance list")
	}

	instances := make([]*Instance, 0, len(docs))
	for idx := range docs {
		instance := &Instance{}
		if err := docs[idx].Decode(instance); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse instance entry")
		}
		raw, err := yaml.Marshal(&docs[idx])
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to normalize instance entry")
		}
		instance.raw = raw
		instance.ApplyDefaults()
		if err := instance.Validate(); err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
