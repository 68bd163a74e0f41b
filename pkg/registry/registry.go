package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"

	"github.com/theoryrun/theorycore/pkg/digest"
	"github.com/theoryrun/theorycore/pkg/types"
)

var bucketSpecs = []byte("tool_specs")

// ErrNotFound is returned when no registry.yaml exists for a ref.
var ErrNotFound = errors.New("registry: tool not found")

// ErrMalformed is returned when a registry.yaml fails to parse or
// declares an invalid digest.
var ErrMalformed = errors.New("registry: malformed spec")

// onDiskSpec mirrors the registry.yaml layout of SPEC_FULL.md §6.
type onDiskSpec struct {
	Ref   string `yaml:"ref"`
	Image struct {
		Platforms       map[string]string `yaml:"platforms"`
		DefaultPlatform string            `yaml:"default_platform"`
	} `yaml:"image"`
	Runtime struct {
		CPU       float64 `yaml:"cpu"`
		MemoryGB  float64 `yaml:"memory_gb"`
		TimeoutS  int     `yaml:"timeout_s"`
		GPU       string  `yaml:"gpu"`
	} `yaml:"runtime"`
	API struct {
		Protocol string `yaml:"protocol"`
		Path     string `yaml:"path"`
		Healthz  string `yaml:"healthz"`
	} `yaml:"api"`
	Secrets struct {
		Required []string `yaml:"required"`
	} `yaml:"secrets"`
	Inputs  map[string]interface{} `yaml:"inputs"`
	Outputs []struct {
		Path        string `yaml:"path"`
		Mime        string `yaml:"mime"`
		Description string `yaml:"description"`
	} `yaml:"outputs"`
}

// Registry loads ToolSpecs from an on-disk catalog rooted at Root,
// caching the parsed spec in BoltDB and the compiled input schema
// in-process (a *jsonschema.Schema is not meaningfully serializable
// across restarts, so only the raw spec survives a process restart;
// the schema recompiles once per process per ref).
type Registry struct {
	Root string

	db *bolt.DB

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// Open opens (creating if absent) the BoltDB cache at dbPath and returns
// a Registry rooted at root.
func Open(root, dbPath string) (*Registry, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: open cache db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSpecs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create bucket: %w", err)
	}
	return &Registry{
		Root:     root,
		db:       db,
		compiled: make(map[string]*jsonschema.Schema),
	}, nil
}

// Close closes the underlying cache database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// refPath derives the canonical on-disk path for a ref:
// <root>/<namespace>/<name>/<version>/registry.yaml
func (r *Registry) refPath(ref types.ToolRef) string {
	return filepath.Join(r.Root, ref.Namespace, ref.Name, ref.Version, "registry.yaml")
}

// Load returns the ToolSpec and its compiled input schema for ref,
// reading from cache when present and parsing from disk otherwise.
func (r *Registry) Load(ref types.ToolRef) (*types.ToolSpec, *jsonschema.Schema, error) {
	key := ref.String()

	r.mu.Lock()
	if schema, ok := r.compiled[key]; ok {
		r.mu.Unlock()
		spec, err := r.readCached(key)
		if err != nil {
			return nil, nil, err
		}
		return spec, schema, nil
	}
	r.mu.Unlock()

	if spec, err := r.readCached(key); err == nil {
		schema, err := compileSchema(key, spec.Inputs)
		if err != nil {
			return nil, nil, err
		}
		r.mu.Lock()
		r.compiled[key] = schema
		r.mu.Unlock()
		return spec, schema, nil
	}

	spec, err := r.parseFromDisk(ref)
	if err != nil {
		return nil, nil, err
	}

	schema, err := compileSchema(key, spec.Inputs)
	if err != nil {
		return nil, nil, err
	}

	if err := r.writeCached(key, spec); err != nil {
		return nil, nil, fmt.Errorf("%w: cache write: %v", ErrMalformed, err)
	}

	r.mu.Lock()
	r.compiled[key] = schema
	r.mu.Unlock()

	return spec, schema, nil
}

func (r *Registry) readCached(key string) (*types.ToolSpec, error) {
	var spec types.ToolSpec
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSpecs)
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &spec)
	})
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

func (r *Registry) writeCached(key string, spec *types.ToolSpec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSpecs).Put([]byte(key), data)
	})
}

func (r *Registry) parseFromDisk(ref types.ToolRef) (*types.ToolSpec, error) {
	path := r.refPath(ref)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s at %s", ErrNotFound, ref, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrMalformed, path, err)
	}

	var disk onDiskSpec
	if err := yaml.Unmarshal(raw, &disk); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrMalformed, path, err)
	}

	spec, err := toToolSpec(ref, disk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return spec, nil
}

func toToolSpec(ref types.ToolRef, disk onDiskSpec) (*types.ToolSpec, error) {
	platforms := make(map[types.Platform]string, len(disk.Image.Platforms))
	for platform, d := range disk.Image.Platforms {
		if d != "" && !isPlaceholderOrValid(d) {
			return nil, fmt.Errorf("platform %s: invalid digest %q", platform, d)
		}
		platforms[types.Platform(platform)] = d
	}

	outputs := make([]types.DeclaredOutput, 0, len(disk.Outputs))
	for _, o := range disk.Outputs {
		outputs = append(outputs, types.DeclaredOutput{
			Path:        o.Path,
			Mime:        o.Mime,
			Description: o.Description,
		})
	}

	inputsJSON, err := json.Marshal(disk.Inputs)
	if err != nil {
		return nil, fmt.Errorf("inputs schema: %w", err)
	}

	protocol := types.APIProtocol(disk.API.Protocol)
	if protocol == "" {
		protocol = types.APIProtocolWS
	}

	return &types.ToolSpec{
		Ref:             ref,
		Platforms:       platforms,
		DefaultPlatform: types.Platform(disk.Image.DefaultPlatform),
		Runtime: types.ResourceHints{
			CPU:      disk.Runtime.CPU,
			MemoryGB: disk.Runtime.MemoryGB,
			TimeoutS: disk.Runtime.TimeoutS,
			GPU:      disk.Runtime.GPU,
		},
		API: types.APIEndpoints{
			Protocol:    protocol,
			RunPath:     orDefault(disk.API.Path, "/run"),
			HealthzPath: orDefault(disk.API.Healthz, "/healthz"),
		},
		SecretsRequired: disk.Secrets.Required,
		Inputs:          inputsJSON,
		Outputs:         outputs,
	}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// isPlaceholderOrValid accepts both real digests and the reserved
// placeholder values that normalize to empty (a spec may declare a
// platform as not-yet-published).
func isPlaceholderOrValid(d string) bool {
	if digest.Normalize(d) != "" {
		return true
	}
	return digest.Normalize(d) == "" && (d == "sha256:pending" || d == "sha256:unknown")
}

func compileSchema(key string, inputs json.RawMessage) (*jsonschema.Schema, error) {
	if len(inputs) == 0 || string(inputs) == "null" {
		inputs = []byte(`{}`)
	}
	compiler := jsonschema.NewCompiler()
	resourceName := "inputs-" + key + ".json"
	if err := compiler.AddResource(resourceName, bytesReader(inputs)); err != nil {
		return nil, fmt.Errorf("%w: schema resource %s: %v", ErrMalformed, key, err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("%w: schema compile %s: %v", ErrMalformed, key, err)
	}
	return schema, nil
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// ValidateInputs validates caller-supplied inputs against a compiled
// schema. Failure here is surfaced by the orchestrator as ERR_INPUTS
// before a worker is ever spawned.
func ValidateInputs(schema *jsonschema.Schema, inputs map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	return schema.Validate(inputs)
}
