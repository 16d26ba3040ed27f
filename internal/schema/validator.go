package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrSchemaExists indicates a schema with the same name is already registered.
	ErrSchemaExists = errors.New("schema: schema already registered")
	// ErrSchemaNotFound indicates no schema is registered under the requested name.
	ErrSchemaNotFound = errors.New("schema: schema not registered")
)

// ValidationError lists the constraint violations of a document.
type ValidationError struct {
	Schema  string
	Details []string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("does not match schema '%s'", e.Schema)
	}
	return fmt.Sprintf("does not match schema '%s': %s", e.Schema, strings.Join(e.Details, "; "))
}

// Validator is a registry of named schemas. Registration happens while
// modules load; afterwards the registry is only read and may be shared
// between goroutines.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewValidator returns an empty registry.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*Schema)}
}

// RegisterSchema compiles s and adds it to the registry.
func (v *Validator) RegisterSchema(s *Schema) error {
	if err := s.compile(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.schemas[s.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrSchemaExists, s.Name())
	}
	v.schemas[s.Name()] = s
	return nil
}

// IncludesSchema reports whether a schema named name is registered.
func (v *Validator) IncludesSchema(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[name]
	return ok
}

// names returns the registered schema names.
func (v *Validator) names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		names = append(names, name)
	}
	return names
}

// Validate checks document against the schema registered as name. Raw JSON
// ([]byte or json.RawMessage) is parsed; any other value is validated as a
// decoded Go value.
func (v *Validator) Validate(document any, name string) error {
	v.mu.RLock()
	s, ok := v.schemas[name]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSchemaNotFound, name)
	}

	var loader gojsonschema.JSONLoader
	switch doc := document.(type) {
	case json.RawMessage:
		loader = gojsonschema.NewBytesLoader(doc)
	case []byte:
		loader = gojsonschema.NewBytesLoader(doc)
	default:
		loader = gojsonschema.NewGoLoader(doc)
	}

	result, err := s.validate(loader)
	if err != nil {
		var schemaErr *SchemaError
		if errors.As(err, &schemaErr) {
			return err
		}
		return &ValidationError{Schema: name, Details: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return &ValidationError{Schema: name, Details: details}
}
