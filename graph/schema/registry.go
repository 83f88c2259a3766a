package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dshills/mediagraph-go/graph/model"
)

// ErrNotFound indicates the requested tool or version is not
// registered.
var ErrNotFound = errors.New("schema: tool not registered")

// ErrDuplicateVersion indicates a Register call reused an existing
// version string for a tool.
var ErrDuplicateVersion = errors.New("schema: version already registered")

// ValidationError reports arguments that do not satisfy a tool's
// registered schema. Validation failures are terminal: the step fails
// without a backend call and is never retried.
type ValidationError struct {
	Tool    string
	Version string
	Detail  string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema: invalid arguments for %s@%s: %s", e.Tool, e.Version, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Entry is one registered (tool, version) pair.
type Entry struct {
	Name        string
	Version     string
	Description string
	Schema      Object
	Tags        []string
	Deprecated  bool
}

type toolRecord struct {
	versions map[string]*Entry
	order    []string // registration order; last non-deprecated is current
}

// Registry maps tool names to versioned parameter schemas. Versions are
// append-only; deprecating a version keeps it resolvable by explicit
// version but excludes it from current-version lookup. Safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*toolRecord
	compiled map[string]*jsonschema.Schema // "name@version" -> compiled
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*toolRecord),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a new version of a tool's parameter schema. The first
// registration creates the tool; later registrations append versions
// without removing older ones.
func (r *Registry) Register(name, version, description string, obj Object, tags ...string) error {
	if name == "" || version == "" {
		return fmt.Errorf("schema: name and version are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tools[name]
	if !ok {
		rec = &toolRecord{versions: make(map[string]*Entry)}
		r.tools[name] = rec
	}
	if _, exists := rec.versions[version]; exists {
		return fmt.Errorf("%w: %s@%s", ErrDuplicateVersion, name, version)
	}

	rec.versions[version] = &Entry{
		Name:        name,
		Version:     version,
		Description: description,
		Schema:      obj,
		Tags:        append([]string(nil), tags...),
	}
	rec.order = append(rec.order, version)
	return nil
}

// Get returns the current (latest non-deprecated) version of a tool.
func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	for i := len(rec.order) - 1; i >= 0; i-- {
		e := rec.versions[rec.order[i]]
		if !e.Deprecated {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no active version", ErrNotFound, name)
}

// GetVersion returns a specific historical version, deprecated or not.
func (r *Registry) GetVersion(name, version string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	e, ok := rec.versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, name, version)
	}
	return e, nil
}

// ByTag returns the current entries carrying every listed tag, sorted
// by tool name.
func (r *Registry) ByTag(tags ...string) []*Entry {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	var out []*Entry
	for _, name := range names {
		e, err := r.Get(name)
		if err != nil {
			continue
		}
		if hasAllTags(e.Tags, tags) {
			out = append(out, e)
		}
	}
	return out
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Deprecate marks one version of a tool as deprecated. The version
// stays resolvable through GetVersion.
func (r *Registry) Deprecate(name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	e, ok := rec.versions[version]
	if !ok {
		return fmt.Errorf("%w: %s@%s", ErrNotFound, name, version)
	}
	e.Deprecated = true
	return nil
}

// Names lists all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolSpecs renders the current version of each named tool as a
// model.ToolSpec for the provider router. With no names, every
// registered tool is included, sorted by name.
func (r *Registry) ToolSpecs(names ...string) []model.ToolSpec {
	if len(names) == 0 {
		names = r.Names()
	}
	specs := make([]model.ToolSpec, 0, len(names))
	for _, name := range names {
		e, err := r.Get(name)
		if err != nil {
			continue
		}
		specs = append(specs, model.ToolSpec{
			Name:        e.Name,
			Description: e.Description,
			Schema:      e.Schema.JSONSchema(),
		})
	}
	return specs
}

// Validate checks args against the current schema for the named tool.
// Returns a *ValidationError when args do not conform, ErrNotFound when
// the tool is unknown.
func (r *Registry) Validate(name string, args map[string]interface{}) error {
	e, err := r.Get(name)
	if err != nil {
		return err
	}
	return r.validateEntry(e, args)
}

// ValidateVersion checks args against a specific schema version.
func (r *Registry) ValidateVersion(name, version string, args map[string]interface{}) error {
	e, err := r.GetVersion(name, version)
	if err != nil {
		return err
	}
	return r.validateEntry(e, args)
}

func (r *Registry) validateEntry(e *Entry, args map[string]interface{}) error {
	compiled, err := r.compile(e)
	if err != nil {
		return err
	}

	// Round-trip through JSON so ints, structs and json.Number values
	// arrive in the decoded shape the validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return &ValidationError{Tool: e.Name, Version: e.Version, Detail: "arguments are not JSON-encodable", Err: err}
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ValidationError{Tool: e.Name, Version: e.Version, Detail: "arguments are not valid JSON", Err: err}
	}

	if err := compiled.Validate(doc); err != nil {
		return &ValidationError{Tool: e.Name, Version: e.Version, Detail: err.Error(), Err: err}
	}
	return nil
}

func (r *Registry) compile(e *Entry) (*jsonschema.Schema, error) {
	key := e.Name + "@" + e.Version

	r.mu.RLock()
	compiled, ok := r.compiled[key]
	r.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	// The emitted schema contains only plain JSON values, so it can be
	// handed to the compiler directly.
	doc := toJSONDoc(e.Schema.JSONSchema())

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("schema: add resource for %s: %w", key, err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("schema: compile %s: %w", key, err)
	}

	r.mu.Lock()
	r.compiled[key] = compiled
	r.mu.Unlock()
	return compiled, nil
}

// toJSONDoc normalizes a schema map to the decoded-JSON value space the
// compiler expects (float64 numbers, []interface{} arrays).
func toJSONDoc(m map[string]interface{}) interface{} {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return m
	}
	return doc
}
