package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/tensorgate/internal/gwerr"
)

func TestRender(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Register("greeting", "Hello, {{.name}}! You are {{.age}} years old."))

	out, err := e.Render("greeting", map[string]any{"name": "Ada", "age": 36})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada! You are 36 years old.", out)
}

func TestRenderMissingVariableFails(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Register("greeting", "Hello, {{.name}}!"))

	_, err := e.Render("greeting", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, gwerr.KindTemplateRender, gwerr.KindOf(err))
}

func TestRenderUnknownTemplate(t *testing.T) {
	e := NewEngine()
	_, err := e.Render("ghost", nil)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindTemplateNotFound, gwerr.KindOf(err))
}

func TestNeedsVariables(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Register("static", "You are a helpful assistant."))
	require.NoError(t, e.Register("dynamic", "Answer about {{.topic}}."))
	require.NoError(t, e.Register("conditional", "{{if .verbose}}Verbose.{{end}}"))

	needs, err := e.NeedsVariables("static")
	require.NoError(t, err)
	assert.False(t, needs)

	needs, err = e.NeedsVariables("dynamic")
	require.NoError(t, err)
	assert.True(t, needs)

	needs, err = e.NeedsVariables("conditional")
	require.NoError(t, err)
	assert.True(t, needs)

	_, err = e.NeedsVariables("ghost")
	assert.Error(t, err)
}

func TestRegisterFileConfinement(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "system.txt"), []byte("You help with {{.domain}}."), 0o644))

	e := NewEngine()
	require.NoError(t, e.RegisterFile("system", "system.txt", dir))
	assert.True(t, e.Has("system"))

	assert.Error(t, e.RegisterFile("evil", "../system.txt", dir))
	assert.Error(t, e.RegisterFile("evil", "/etc/passwd", dir))
}

func TestRegisterBadTemplate(t *testing.T) {
	e := NewEngine()
	err := e.Register("broken", "{{.name")
	require.Error(t, err)
	assert.Equal(t, gwerr.KindTemplateRender, gwerr.KindOf(err))
}
