package extrabody

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/tensorgate/internal/gwerr"
)

func TestWriteThenRead(t *testing.T) {
	root := map[string]any{}
	require.NoError(t, Write(root, "/generationConfig/thinkingConfig/thinkingBudget", float64(1024)))

	got, ok := Read(root, "/generationConfig/thinkingConfig/thinkingBudget")
	require.True(t, ok)
	assert.Equal(t, float64(1024), got)
}

func TestWriteCreatesMissingParents(t *testing.T) {
	root := map[string]any{}
	require.NoError(t, Write(root, "/a/b", "v"))

	a, ok := root["a"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "v", a["b"])
}

func TestWriteOverwritesExisting(t *testing.T) {
	root := map[string]any{"temperature": 0.1}
	require.NoError(t, Write(root, "/temperature", 0.9))
	assert.Equal(t, 0.9, root["temperature"])
}

func TestWriteNumericSegmentWithMissingParentFails(t *testing.T) {
	root := map[string]any{}
	err := Write(root, "/tools/0/name", "x")
	require.Error(t, err)
	assert.Equal(t, gwerr.KindExtraBodyReplacement, gwerr.KindOf(err))
	assert.Empty(t, root)
}

func TestWriteIntoExistingArray(t *testing.T) {
	root := map[string]any{"stop": []any{"a", "b"}}
	require.NoError(t, Write(root, "/stop/1", "c"))
	assert.Equal(t, []any{"a", "c"}, root["stop"])

	err := Write(root, "/stop/5", "d")
	require.Error(t, err)
}

func TestPointerValidation(t *testing.T) {
	root := map[string]any{}
	assert.Error(t, Write(root, "no-slash", 1))
	assert.Error(t, Write(root, "/trailing/", 1))
	assert.Error(t, Write(root, "", 1))
}

func TestEscapedSegments(t *testing.T) {
	root := map[string]any{}
	require.NoError(t, Write(root, "/a~1b/c~0d", 1))
	got, ok := Read(root, "/a~1b/c~0d")
	require.True(t, ok)
	assert.Equal(t, 1, got)

	a, ok := root["a/b"].(map[string]any)
	require.True(t, ok)
	_, ok = a["c~d"]
	assert.True(t, ok)
}

func TestDeleteIsLenient(t *testing.T) {
	logger := slog.Default()
	root := map[string]any{"a": map[string]any{"b": 1}}

	deletePointer(root, "/a/b", logger)
	a := root["a"].(map[string]any)
	assert.Empty(t, a)

	// Missing paths no-op.
	deletePointer(root, "/missing/path", logger)
	deletePointer(root, "/a/b", logger)
}

func TestApplyToRaw(t *testing.T) {
	raw := []byte(`{"model":"m","max_tokens":100}`)
	patches := []Patch{
		{Pointer: "/reasoning/effort", Value: json.RawMessage(`"high"`)},
		{Pointer: "/max_tokens", Delete: true},
	}

	out, err := ApplyToRaw(raw, patches, slog.Default())
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(out, &body))
	assert.Equal(t, "m", body["model"])
	assert.NotContains(t, body, "max_tokens")
	reasoning := body["reasoning"].(map[string]any)
	assert.Equal(t, "high", reasoning["effort"])
}
