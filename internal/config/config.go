// Package config loads and validates the gateway configuration: the HTTP
// surface, models with their ordered provider entries, functions with their
// variants, tools, templates and schemas, plus cache and observability
// settings. Static config is read-only after load.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 6970
	DefaultHost           = "127.0.0.1"
	DefaultConfigFilename = "config.json"
	DefaultYAMLFilename   = "config.yaml"
	DefaultDatabaseFile   = "tensorgate.db"
)

// ProviderConfig is one provider entry of a model, or a standalone embedding
// provider.
type ProviderConfig struct {
	Name                 string          `json:"name" yaml:"name"`
	Type                 string          `json:"type" yaml:"type"`
	Model                string          `json:"model" yaml:"model"`
	APIKey               string          `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APIKeyEnv            string          `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	DynamicCredentialKey string          `json:"dynamic_credential_key,omitempty" yaml:"dynamic_credential_key,omitempty"`
	Endpoint             string          `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Region               string          `json:"region,omitempty" yaml:"region,omitempty"`
	ExtraBody            []ExtraBodyItem `json:"extra_body,omitempty" yaml:"extra_body,omitempty"`
}

// ExtraBodyItem is one config-level body patch.
type ExtraBodyItem struct {
	Pointer string `json:"pointer" yaml:"pointer"`
	Value   any    `json:"value,omitempty" yaml:"value,omitempty"`
	Delete  bool   `json:"delete,omitempty" yaml:"delete,omitempty"`
}

// ModelConfig is a named ordered list of provider entries.
type ModelConfig struct {
	Name      string           `json:"name" yaml:"name"`
	Providers []ProviderConfig `json:"providers" yaml:"providers"`

	NonStreamingTotalMS int64   `json:"non_streaming_total_ms,omitempty" yaml:"non_streaming_total_ms,omitempty"`
	StreamingTTFTMS     int64   `json:"streaming_ttft_ms,omitempty" yaml:"streaming_ttft_ms,omitempty"`
	RequestsPerSecond   float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
}

// ToolConfig is a statically configured tool.
type ToolConfig struct {
	Key         string          `json:"key" yaml:"key"`
	Name        string          `json:"name,omitempty" yaml:"name,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty" yaml:"-"`
	// ParametersYAML accepts the schema inline in YAML configs.
	ParametersYAML map[string]any `json:"-" yaml:"parameters,omitempty"`
	ParametersFile string         `json:"parameters_file,omitempty" yaml:"parameters_file,omitempty"`
	Strict         bool           `json:"strict,omitempty" yaml:"strict,omitempty"`
	Custom         bool           `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// TemplateConfig declares a named template, inline or from a file relative
// to the config directory.
type TemplateConfig struct {
	Name string `json:"name" yaml:"name"`
	Text string `json:"text,omitempty" yaml:"text,omitempty"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// SchemaRef is an inline or file-referenced JSON schema.
type SchemaRef struct {
	Inline json.RawMessage `json:"inline,omitempty" yaml:"-"`
	// InlineYAML accepts the schema inline in YAML configs.
	InlineYAML map[string]any `json:"-" yaml:"inline,omitempty"`
	Path       string         `json:"path,omitempty" yaml:"path,omitempty"`
}

// IsZero reports whether no schema was configured.
func (s SchemaRef) IsZero() bool {
	return len(s.Inline) == 0 && len(s.InlineYAML) == 0 && s.Path == ""
}

// Resolve returns the schema document, reading the file when referenced.
func (s SchemaRef) Resolve(baseDir string) (json.RawMessage, error) {
	switch {
	case len(s.Inline) > 0:
		return s.Inline, nil
	case len(s.InlineYAML) > 0:
		data, err := json.Marshal(s.InlineYAML)
		if err != nil {
			return nil, fmt.Errorf("encode inline schema: %w", err)
		}
		return data, nil
	case s.Path != "":
		if filepath.IsAbs(s.Path) || strings.Contains(s.Path, "..") {
			return nil, fmt.Errorf("schema path %q must be relative to the config directory", s.Path)
		}
		data, err := os.ReadFile(filepath.Join(baseDir, s.Path))
		if err != nil {
			return nil, fmt.Errorf("read schema file: %w", err)
		}
		return data, nil
	default:
		return nil, nil
	}
}

// VariantConfig configures one variant of a function.
type VariantConfig struct {
	Name   string  `json:"name" yaml:"name"`
	Type   string  `json:"type" yaml:"type"`
	Model  string  `json:"model" yaml:"model"`
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`

	SystemTemplate    string `json:"system_template,omitempty" yaml:"system_template,omitempty"`
	UserTemplate      string `json:"user_template,omitempty" yaml:"user_template,omitempty"`
	AssistantTemplate string `json:"assistant_template,omitempty" yaml:"assistant_template,omitempty"`

	JSONMode string `json:"json_mode,omitempty" yaml:"json_mode,omitempty"`

	Temperature      *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Seed             *int     `json:"seed,omitempty" yaml:"seed,omitempty"`

	TimeoutMS int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`

	// DICL settings.
	EmbeddingProvider string  `json:"embedding_provider,omitempty" yaml:"embedding_provider,omitempty"`
	K                 int     `json:"k,omitempty" yaml:"k,omitempty"`
	MaxDistance       float64 `json:"max_distance,omitempty" yaml:"max_distance,omitempty"`
}

// Variant type names.
const (
	VariantChatCompletion = "chat_completion"
	VariantDICL           = "experimental_dynamic_in_context_learning"
)

// FunctionConfig configures a typed inference endpoint.
type FunctionConfig struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`

	SystemSchema    SchemaRef `json:"system_schema,omitempty" yaml:"system_schema,omitempty"`
	UserSchema      SchemaRef `json:"user_schema,omitempty" yaml:"user_schema,omitempty"`
	AssistantSchema SchemaRef `json:"assistant_schema,omitempty" yaml:"assistant_schema,omitempty"`
	OutputSchema    SchemaRef `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`

	Tools             []string        `json:"tools,omitempty" yaml:"tools,omitempty"`
	ToolChoice        string          `json:"tool_choice,omitempty" yaml:"tool_choice,omitempty"`
	ParallelToolCalls *bool           `json:"parallel_tool_calls,omitempty" yaml:"parallel_tool_calls,omitempty"`
	Variants          []VariantConfig `json:"variants" yaml:"variants"`
}

// CacheConfig configures the optional response cache.
type CacheConfig struct {
	Backend       string `json:"backend,omitempty" yaml:"backend,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	TTLSeconds    int    `json:"ttl_s,omitempty" yaml:"ttl_s,omitempty"`
	MaxEntries    int    `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
}

// ObservabilityConfig configures the trace writer.
type ObservabilityConfig struct {
	DatabasePath    string `json:"database_path,omitempty" yaml:"database_path,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	BatchSize       int    `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	FlushIntervalMS int64  `json:"flush_interval_ms,omitempty" yaml:"flush_interval_ms,omitempty"`
	Disabled        bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Config is the full gateway configuration.
type Config struct {
	Host   string `json:"host,omitempty" yaml:"host,omitempty"`
	Port   int    `json:"port,omitempty" yaml:"port,omitempty"`
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	Models             []ModelConfig    `json:"models" yaml:"models"`
	EmbeddingProviders []ProviderConfig `json:"embedding_providers,omitempty" yaml:"embedding_providers,omitempty"`
	Functions          []FunctionConfig `json:"functions" yaml:"functions"`
	Tools              []ToolConfig     `json:"tools,omitempty" yaml:"tools,omitempty"`
	Templates          []TemplateConfig `json:"templates,omitempty" yaml:"templates,omitempty"`

	Cache         CacheConfig         `json:"cache,omitempty" yaml:"cache,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"`
}

// Manager loads configuration from a base directory and hands out the
// immutable loaded value.
type Manager struct {
	baseDir     string
	jsonPath    string
	yamlPath    string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir:  baseDir,
		jsonPath: filepath.Join(baseDir, DefaultConfigFilename),
		yamlPath: filepath.Join(baseDir, DefaultYAMLFilename),
	}
}

// BaseDir returns the config directory; template and schema paths resolve
// against it.
func (m *Manager) BaseDir() string { return m.baseDir }

// YAMLPath returns the preferred config file location.
func (m *Manager) YAMLPath() string { return m.yamlPath }

// Exists reports whether a config file is present.
func (m *Manager) Exists() bool {
	if _, err := os.Stat(m.yamlPath); err == nil {
		return true
	}
	if _, err := os.Stat(m.jsonPath); err == nil {
		return true
	}
	return false
}

// Load reads the config file (YAML preferred), applies defaults, resolves
// env-var credentials and validates the result.
func (m *Manager) Load() (*Config, error) {
	var cfg Config
	var err error

	if _, yamlErr := os.Stat(m.yamlPath); yamlErr == nil {
		cfg, err = m.loadYAML()
		if err != nil {
			return nil, fmt.Errorf("load YAML config: %w", err)
		}
	} else if _, jsonErr := os.Stat(m.jsonPath); jsonErr == nil {
		cfg, err = m.loadJSON()
		if err != nil {
			return nil, fmt.Errorf("load JSON config: %w", err)
		}
	} else {
		return nil, fmt.Errorf("no configuration file found (looked for %s or %s)", m.yamlPath, m.jsonPath)
	}

	m.applyDefaults(&cfg)
	if err := m.resolveCredentials(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.configValue.Store(&cfg)
	return &cfg, nil
}

func (m *Manager) loadYAML() (Config, error) {
	var cfg Config
	data, err := os.ReadFile(m.yamlPath)
	if err != nil {
		return cfg, fmt.Errorf("read YAML config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal YAML config: %w", err)
	}
	return cfg, nil
}

func (m *Manager) loadJSON() (Config, error) {
	var cfg Config
	data, err := os.ReadFile(m.jsonPath)
	if err != nil {
		return cfg, fmt.Errorf("read JSON config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal JSON config: %w", err)
	}
	return cfg, nil
}

func (m *Manager) applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Observability.DatabasePath == "" {
		cfg.Observability.DatabasePath = filepath.Join(m.baseDir, DefaultDatabaseFile)
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	for i := range cfg.Functions {
		fn := &cfg.Functions[i]
		if fn.Type == "" {
			fn.Type = "chat"
		}
		if fn.ToolChoice == "" {
			fn.ToolChoice = "auto"
		}
		for j := range fn.Variants {
			v := &fn.Variants[j]
			if v.Type == "" {
				v.Type = VariantChatCompletion
			}
			if v.Weight == 0 {
				v.Weight = 1
			}
			if v.Type == VariantDICL {
				if v.K == 0 {
					v.K = 10
				}
				if v.MaxDistance == 0 {
					v.MaxDistance = 2
				}
			}
		}
	}
}

// resolveCredentials fills api_key from api_key_env. A missing env var is
// not fatal at load; the call fails later with ApiKeyMissing if no dynamic
// credential covers it.
func (m *Manager) resolveCredentials(cfg *Config) error {
	resolve := func(entries []ProviderConfig) {
		for i := range entries {
			entry := &entries[i]
			if entry.APIKey == "" && entry.APIKeyEnv != "" {
				entry.APIKey = os.Getenv(entry.APIKeyEnv)
			}
		}
	}
	for i := range cfg.Models {
		resolve(cfg.Models[i].Providers)
	}
	resolve(cfg.EmbeddingProviders)
	return nil
}

// Validate checks referential integrity: variants point at configured
// models, functions at configured tools and templates.
func (c *Config) Validate() error {
	models := make(map[string]struct{}, len(c.Models))
	for _, model := range c.Models {
		if model.Name == "" {
			return fmt.Errorf("model with empty name")
		}
		if len(model.Providers) == 0 {
			return fmt.Errorf("model %q has no providers", model.Name)
		}
		if _, dup := models[model.Name]; dup {
			return fmt.Errorf("duplicate model %q", model.Name)
		}
		models[model.Name] = struct{}{}
	}

	embedders := make(map[string]struct{}, len(c.EmbeddingProviders))
	for _, entry := range c.EmbeddingProviders {
		embedders[entry.Name] = struct{}{}
	}

	tools := make(map[string]struct{}, len(c.Tools))
	for _, t := range c.Tools {
		if t.Key == "" {
			return fmt.Errorf("tool with empty key")
		}
		if _, dup := tools[t.Key]; dup {
			return fmt.Errorf("duplicate tool %q", t.Key)
		}
		tools[t.Key] = struct{}{}
	}

	templates := make(map[string]struct{}, len(c.Templates))
	for _, t := range c.Templates {
		templates[t.Name] = struct{}{}
	}

	for _, fn := range c.Functions {
		if fn.Name == "" {
			return fmt.Errorf("function with empty name")
		}
		if fn.Type != "chat" && fn.Type != "json" {
			return fmt.Errorf("function %q has unknown type %q", fn.Name, fn.Type)
		}
		if len(fn.Variants) == 0 {
			return fmt.Errorf("function %q has no variants", fn.Name)
		}
		for _, key := range fn.Tools {
			if _, ok := tools[key]; !ok {
				return fmt.Errorf("function %q references unknown tool %q", fn.Name, key)
			}
		}
		for _, v := range fn.Variants {
			if v.Type != VariantChatCompletion && v.Type != VariantDICL {
				return fmt.Errorf("variant %q of function %q has unknown type %q", v.Name, fn.Name, v.Type)
			}
			if _, ok := models[v.Model]; !ok {
				return fmt.Errorf("variant %q of function %q references unknown model %q", v.Name, fn.Name, v.Model)
			}
			if v.Type == VariantDICL {
				if _, ok := embedders[v.EmbeddingProvider]; !ok {
					return fmt.Errorf("variant %q of function %q references unknown embedding provider %q",
						v.Name, fn.Name, v.EmbeddingProvider)
				}
			}
			for _, name := range []string{v.SystemTemplate, v.UserTemplate, v.AssistantTemplate} {
				if name == "" {
					continue
				}
				if _, ok := templates[name]; !ok {
					return fmt.Errorf("variant %q of function %q references unknown template %q", v.Name, fn.Name, name)
				}
			}
		}
	}
	return nil
}

// Get returns the loaded config, loading it on first use.
func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}
	cfg, err := m.Load()
	if err != nil {
		return &Config{Host: DefaultHost, Port: DefaultPort}
	}
	return cfg
}

// Save writes the config to disk, preferring YAML.
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal YAML config: %w", err)
	}
	if err := os.WriteFile(m.yamlPath, data, 0o644); err != nil {
		return fmt.Errorf("write YAML config: %w", err)
	}
	m.configValue.Store(cfg)
	return nil
}

// ToolParameters resolves a tool's schema document.
func (t *ToolConfig) ToolParameters(baseDir string) (json.RawMessage, error) {
	switch {
	case len(t.Parameters) > 0:
		return t.Parameters, nil
	case len(t.ParametersYAML) > 0:
		data, err := json.Marshal(t.ParametersYAML)
		if err != nil {
			return nil, fmt.Errorf("encode tool parameters: %w", err)
		}
		return data, nil
	case t.ParametersFile != "":
		ref := SchemaRef{Path: t.ParametersFile}
		return ref.Resolve(baseDir)
	default:
		return json.RawMessage(`{"type":"object"}`), nil
	}
}
