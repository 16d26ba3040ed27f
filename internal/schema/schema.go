// Package schema implements named JSON schemas and the registries used to
// validate module metadata, module configuration and action input/results.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// TypeConstraint is the JSON type required for a field of a declarative schema.
type TypeConstraint int

const (
	Any TypeConstraint = iota
	Object
	Array
	String
	Int
	Bool
	Double
	Null
)

func (t TypeConstraint) jsonType() string {
	switch t {
	case Object:
		return "object"
	case Array:
		return "array"
	case String:
		return "string"
	case Int:
		return "integer"
	case Bool:
		return "boolean"
	case Double:
		return "number"
	case Null:
		return "null"
	default:
		return ""
	}
}

// SchemaError reports a schema document that cannot be used for validation.
type SchemaError struct {
	Name string
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid schema '%s': %v", e.Name, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Schema is a named JSON schema. It is built either field by field with
// AddConstraint or from a JSON-Schema document with FromJSON.
type Schema struct {
	name string

	mu         sync.Mutex
	properties map[string]any
	required   []string
	document   map[string]any
	compiled   *gojsonschema.Schema
}

// New returns an empty declarative schema describing a JSON object.
func New(name string) *Schema {
	return &Schema{
		name:       name,
		properties: make(map[string]any),
	}
}

// FromJSON builds a schema from a JSON-Schema document. The document must be
// a JSON object that compiles.
func FromJSON(name string, raw json.RawMessage) (*Schema, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &SchemaError{Name: name, Err: fmt.Errorf("not a JSON object: %w", err)}
	}
	if doc == nil {
		return nil, &SchemaError{Name: name, Err: fmt.Errorf("not a JSON object")}
	}

	s := &Schema{name: name, document: doc}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the name the schema is registered under.
func (s *Schema) Name() string { return s.name }

// AddConstraint requires field to hold a value of type t. Optional fields are
// only type-checked when present.
func (s *Schema) AddConstraint(field string, t TypeConstraint, required bool) {
	prop := map[string]any{}
	if jt := t.jsonType(); jt != "" {
		prop["type"] = jt
	}
	s.addProperty(field, prop, required)
}

// AddSubSchema requires field to be an array whose elements satisfy items.
func (s *Schema) AddSubSchema(field string, items *Schema, required bool) {
	s.addProperty(field, map[string]any{
		"type":  "array",
		"items": items.Document(),
	}, required)
}

func (s *Schema) addProperty(field string, prop map[string]any, required bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.properties[field] = prop
	if required && !containsString(s.required, field) {
		s.required = append(s.required, field)
	}
	s.compiled = nil
}

// Document returns the JSON-Schema document the schema evaluates.
func (s *Schema) Document() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentLocked()
}

func (s *Schema) documentLocked() map[string]any {
	if s.document != nil {
		return s.document
	}

	doc := map[string]any{
		"type":       "object",
		"properties": s.properties,
	}
	if len(s.required) > 0 {
		required := append([]string(nil), s.required...)
		sort.Strings(required)
		doc["required"] = required
	}
	return doc
}

func (s *Schema) compile() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.compiled != nil {
		return nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(s.documentLocked()))
	if err != nil {
		return &SchemaError{Name: s.name, Err: err}
	}
	s.compiled = compiled
	return nil
}

func (s *Schema) validate(loader gojsonschema.JSONLoader) (*gojsonschema.Result, error) {
	if err := s.compile(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	compiled := s.compiled
	s.mu.Unlock()
	return compiled.Validate(loader)
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
