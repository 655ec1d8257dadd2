// Package tools holds the immutable snapshot of tools announced by a provider connection.
package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrUnknownTool is returned when a name is absent from the snapshot
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned when arguments fail schema validation
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrInvalidManifest is returned when a manifest cannot form a registry
	ErrInvalidManifest = errors.New("invalid tool manifest")
)

// Registry is an immutable snapshot of the tools available during one
// connection epoch. A reconnection produces a new Registry.
type Registry struct {
	epoch   uint64
	order   []string
	byName  map[string]Descriptor
	schemas map[string]*gojsonschema.Schema
}

// Empty returns a registry with no tools, used before the first connection
func Empty() *Registry {
	return &Registry{
		byName:  map[string]Descriptor{},
		schemas: map[string]*gojsonschema.Schema{},
	}
}

// NewRegistry builds a snapshot from a provider manifest. Duplicate or empty
// names and uncompilable schemas are rejected.
func NewRegistry(epoch uint64, descriptors []Descriptor) (*Registry, error) {
	r := &Registry{
		epoch:   epoch,
		order:   make([]string, 0, len(descriptors)),
		byName:  make(map[string]Descriptor, len(descriptors)),
		schemas: make(map[string]*gojsonschema.Schema, len(descriptors)),
	}

	for i, d := range descriptors {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: tool %d has no name", ErrInvalidManifest, i)
		}
		if _, exists := r.byName[name]; exists {
			return nil, fmt.Errorf("%w: duplicate tool name %s", ErrInvalidManifest, name)
		}
		d.Name = name

		if len(d.InputSchema) > 0 {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(d.InputSchema))
			if err != nil {
				return nil, fmt.Errorf("%w: schema for %s: %v", ErrInvalidManifest, name, err)
			}
			r.schemas[name] = schema
		}

		r.byName[name] = d
		r.order = append(r.order, name)
	}

	return r, nil
}

// Epoch is the connection epoch this snapshot belongs to
func (r *Registry) Epoch() uint64 {
	return r.epoch
}

// Len returns the number of tools
func (r *Registry) Len() int {
	return len(r.order)
}

// Lookup returns the descriptor for a tool name
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Has reports whether a tool is present
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Descriptors returns the tools in manifest order
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Names returns the sorted tool names
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// Validate checks arguments against the tool's input schema. Tools without a
// schema accept any arguments.
func (r *Registry) Validate(name string, arguments map[string]interface{}) error {
	if _, ok := r.byName[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	schema := r.schemas[name]
	if schema == nil {
		return nil
	}
	if arguments == nil {
		arguments = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(arguments))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(problems, "; "))
	}

	return nil
}
