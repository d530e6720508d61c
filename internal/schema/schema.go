// Package schema wraps JSON-schema compilation and validation. Schemas come
// in two flavors: config-time schemas compiled eagerly at load, and
// request-supplied dynamic schemas compiled lazily off the hot path. Both
// expose the same Validate interface.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Davincible/tensorgate/internal/gwerr"
)

// Schema is a compiled JSON schema. The zero value is not usable; construct
// with Compile or CompileLazy.
type Schema struct {
	raw json.RawMessage

	once     sync.Once
	compiled *jsonschema.Schema
	err      error
}

// Compile eagerly compiles a schema. Used for config-time schemas so invalid
// configuration fails at startup.
func Compile(raw json.RawMessage) (*Schema, error) {
	s := &Schema{raw: raw}
	s.once.Do(s.compile)
	if s.err != nil {
		return nil, s.err
	}
	return s, nil
}

// CompileLazy starts compilation in the background and returns immediately.
// Used for per-request dynamic output schemas: compilation overlaps with the
// provider call, and Validate blocks until it finishes.
func CompileLazy(raw json.RawMessage) *Schema {
	s := &Schema{raw: raw}
	go s.once.Do(s.compile)
	return s
}

func (s *Schema) compile() {
	compiled, err := jsonschema.CompileString("schema.json", string(s.raw))
	if err != nil {
		s.err = gwerr.Wrap(gwerr.KindDynamicJSONSchema, "failed to compile JSON schema", err)
		return
	}
	s.compiled = compiled
}

// Raw returns the schema document as supplied.
func (s *Schema) Raw() json.RawMessage { return s.raw }

// Validate checks value against the schema. The value is normalized through a
// JSON round-trip so struct and map inputs validate identically.
func (s *Schema) Validate(value any) error {
	s.once.Do(s.compile)
	if s.err != nil {
		return s.err
	}

	instance, err := normalize(value)
	if err != nil {
		return gwerr.Wrap(gwerr.KindJSONSchemaValidation, "value is not valid JSON", err)
	}

	if err := s.compiled.Validate(instance); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return gwerr.Wrap(gwerr.KindJSONSchemaValidation, "JSON schema validation failed", err)
		}
		data, _ := json.Marshal(value)
		return gwerr.Newf(gwerr.KindJSONSchemaValidation,
			"JSON schema validation failed: %s (data: %s)", strings.Join(leafMessages(ve), "; "), data)
	}
	return nil
}

// ValidateJSON parses raw and validates it, returning the decoded value so
// callers keep the parsed form on success.
func (s *Schema) ValidateJSON(raw []byte) (any, error) {
	var value any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&value); err != nil {
		return nil, gwerr.Wrap(gwerr.KindOutputParsing, "output is not valid JSON", err)
	}
	if err := s.Validate(value); err != nil {
		return nil, err
	}
	return value, nil
}

func normalize(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, err
	}
	return instance, nil
}

// leafMessages flattens a validation error tree into its most specific causes.
func leafMessages(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, leafMessages(cause)...)
	}
	return out
}
