package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/tensorgate/internal/gwerr"
)

const personSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer", "minimum": 0}
	},
	"required": ["name"],
	"additionalProperties": false
}`

func TestCompileAndValidate(t *testing.T) {
	s, err := Compile(json.RawMessage(personSchema))
	require.NoError(t, err)

	assert.NoError(t, s.Validate(map[string]any{"name": "ada", "age": 36}))

	err = s.Validate(map[string]any{"age": -1})
	require.Error(t, err)
	assert.Equal(t, gwerr.KindJSONSchemaValidation, gwerr.KindOf(err))
}

func TestCompileRejectsBadSchema(t *testing.T) {
	_, err := Compile(json.RawMessage(`{"type": 42}`))
	require.Error(t, err)
	assert.Equal(t, gwerr.KindDynamicJSONSchema, gwerr.KindOf(err))
}

func TestLazyCompileValidates(t *testing.T) {
	s := CompileLazy(json.RawMessage(personSchema))
	assert.NoError(t, s.Validate(map[string]any{"name": "ada"}))
	assert.Error(t, s.Validate(map[string]any{"name": 7}))
}

func TestLazyCompileSurfacesErrorOnValidate(t *testing.T) {
	s := CompileLazy(json.RawMessage(`not json`))
	err := s.Validate(map[string]any{})
	require.Error(t, err)
	assert.Equal(t, gwerr.KindDynamicJSONSchema, gwerr.KindOf(err))
}

func TestValidateJSONReturnsParsed(t *testing.T) {
	s, err := Compile(json.RawMessage(personSchema))
	require.NoError(t, err)

	value, err := s.ValidateJSON([]byte(`{"name": "grace", "age": 85}`))
	require.NoError(t, err)
	obj, ok := value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "grace", obj["name"])

	_, err = s.ValidateJSON([]byte(`{"name":`))
	require.Error(t, err)
	assert.Equal(t, gwerr.KindOutputParsing, gwerr.KindOf(err))

	_, err = s.ValidateJSON([]byte(`{"surname": "hopper"}`))
	require.Error(t, err)
	var ge *gwerr.Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, gwerr.KindJSONSchemaValidation, ge.Kind)
}
