package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `host: 127.0.0.1
port: 7070
api_key: gateway-secret

models:
  - name: claude-main
    providers:
      - name: anthropic-primary
        type: anthropic
        model: claude-3-5-sonnet-20241022
        api_key_env: TEST_ANTHROPIC_KEY
      - name: gemini-fallback
        type: gemini
        model: gemini-2.0-flash
    non_streaming_total_ms: 60000
    streaming_ttft_ms: 15000
    requests_per_second: 5

embedding_providers:
  - name: openai-embed
    type: openai
    model: text-embedding-3-small

tools:
  - key: get_temperature
    description: Get the current temperature
    parameters:
      type: object
      properties:
        location:
          type: string
      required: [location]

templates:
  - name: system
    text: "You help with {{.domain}}."

functions:
  - name: assistant
    type: chat
    tools: [get_temperature]
    variants:
      - name: baseline
        type: chat_completion
        model: claude-main
        system_template: system
        temperature: 0.2
  - name: retrieval
    type: chat
    variants:
      - name: dicl
        type: experimental_dynamic_in_context_learning
        model: claude-main
        embedding_provider: openai-embed
        max_distance: 0.6
`

func writeConfig(t *testing.T, content string) *Manager {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultYAMLFilename), []byte(content), 0o644))
	return NewManager(dir)
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test-123")
	m := writeConfig(t, validYAML)

	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "gateway-secret", cfg.APIKey)

	require.Len(t, cfg.Models, 1)
	model := cfg.Models[0]
	require.Len(t, model.Providers, 2)
	// api_key_env is resolved at load.
	assert.Equal(t, "sk-test-123", model.Providers[0].APIKey)
	assert.Equal(t, int64(15000), model.StreamingTTFTMS)

	require.Len(t, cfg.Functions, 2)
	assert.Equal(t, "chat", cfg.Functions[0].Type)

	// DICL defaults applied.
	diclVariant := cfg.Functions[1].Variants[0]
	assert.Equal(t, 10, diclVariant.K)
	assert.Equal(t, 0.6, diclVariant.MaxDistance)

	// Tool parameters survive YAML inline form.
	params, err := cfg.Tools[0].ToolParameters(m.BaseDir())
	require.NoError(t, err)
	assert.Contains(t, string(params), `"location"`)
}

func TestLoadMissingConfig(t *testing.T) {
	m := NewManager(t.TempDir())
	_, err := m.Load()
	require.Error(t, err)
	assert.False(t, m.Exists())
}

func TestValidateUnknownModelReference(t *testing.T) {
	m := writeConfig(t, `
models:
  - name: real-model
    providers:
      - {name: p, type: anthropic, model: m}
functions:
  - name: f
    type: chat
    variants:
      - {name: v, type: chat_completion, model: ghost-model}
`)
	_, err := m.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model")
}

func TestValidateUnknownToolReference(t *testing.T) {
	m := writeConfig(t, `
models:
  - name: m
    providers:
      - {name: p, type: anthropic, model: x}
functions:
  - name: f
    type: chat
    tools: [ghost]
    variants:
      - {name: v, type: chat_completion, model: m}
`)
	_, err := m.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestValidateDICLRequiresEmbedder(t *testing.T) {
	m := writeConfig(t, `
models:
  - name: m
    providers:
      - {name: p, type: anthropic, model: x}
functions:
  - name: f
    type: chat
    variants:
      - {name: v, type: experimental_dynamic_in_context_learning, model: m, embedding_provider: ghost}
`)
	_, err := m.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown embedding provider")
}

func TestDefaultsApplied(t *testing.T) {
	m := writeConfig(t, `
models:
  - name: m
    providers:
      - {name: p, type: anthropic, model: x}
functions:
  - name: f
    variants:
      - {name: v, model: m}
`)
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "chat", cfg.Functions[0].Type)
	assert.Equal(t, VariantChatCompletion, cfg.Functions[0].Variants[0].Type)
	assert.Equal(t, float64(1), cfg.Functions[0].Variants[0].Weight)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.NotEmpty(t, cfg.Observability.DatabasePath)
}

func TestSaveRoundTrip(t *testing.T) {
	m := writeConfig(t, validYAML)
	t.Setenv("TEST_ANTHROPIC_KEY", "k")
	cfg, err := m.Load()
	require.NoError(t, err)

	cfg.Port = 9999
	require.NoError(t, m.Save(cfg))

	reloaded, err := NewManager(m.BaseDir()).Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, reloaded.Port)
}

func TestSchemaRefFileConfinement(t *testing.T) {
	ref := SchemaRef{Path: "../outside.json"}
	_, err := ref.Resolve(t.TempDir())
	require.Error(t, err)

	abs := SchemaRef{Path: "/etc/schema.json"}
	_, err = abs.Resolve(t.TempDir())
	require.Error(t, err)
}
