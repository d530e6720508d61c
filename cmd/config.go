package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Davincible/tensorgate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the inference gateway configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration with credentials redacted.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for errors.`,
	RunE:  runConfigValidate,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example configuration",
	Long:  `Write an example YAML configuration file to the config directory.`,
	RunE:  runConfigInit,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite existing configuration file")
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}

	redacted := *cfg
	redacted.APIKey = redact(redacted.APIKey)
	redacted.Models = append([]config.ModelConfig{}, cfg.Models...)
	for i := range redacted.Models {
		entries := append([]config.ProviderConfig{}, redacted.Models[i].Providers...)
		for j := range entries {
			entries[j].APIKey = redact(entries[j].APIKey)
		}
		redacted.Models[i].Providers = entries
	}
	redacted.EmbeddingProviders = append([]config.ProviderConfig{}, cfg.EmbeddingProviders...)
	for i := range redacted.EmbeddingProviders {
		redacted.EmbeddingProviders[i].APIKey = redact(redacted.EmbeddingProviders[i].APIKey)
	}
	redacted.Cache.RedisPassword = redact(redacted.Cache.RedisPassword)

	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func redact(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

func runConfigValidate(_ *cobra.Command, _ []string) error {
	cfg, err := cfgMgr.Load()
	if err != nil {
		color.Red("Configuration invalid: %v", err)
		return err
	}

	color.Green("Configuration is valid")
	fmt.Printf("  models: %d, functions: %d, tools: %d, templates: %d\n",
		len(cfg.Models), len(cfg.Functions), len(cfg.Tools), len(cfg.Templates))
	return nil
}

const exampleConfig = `host: 127.0.0.1
port: 6970

models:
  - name: claude-main
    providers:
      - name: anthropic-primary
        type: anthropic
        model: claude-3-5-sonnet-20241022
        api_key_env: ANTHROPIC_API_KEY
      - name: gemini-fallback
        type: gemini
        model: gemini-2.0-flash
        api_key_env: GEMINI_API_KEY
    non_streaming_total_ms: 60000
    streaming_ttft_ms: 15000

embedding_providers:
  - name: openai-embed
    type: openai
    model: text-embedding-3-small
    api_key_env: OPENAI_API_KEY

functions:
  - name: assistant
    type: chat
    variants:
      - name: baseline
        type: chat_completion
        model: claude-main
`

func runConfigInit(cmd *cobra.Command, _ []string) error {
	force, _ := cmd.Flags().GetBool("force")

	if cfgMgr.Exists() && !force {
		color.Yellow("Configuration already exists at %s (use --force to overwrite)", baseDir)
		return nil
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	path := cfgMgr.YAMLPath()
	if err := os.WriteFile(path, []byte(exampleConfig), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	color.Green("Wrote example configuration to %s", path)
	color.Cyan("Set the referenced API key environment variables before starting.")
	return nil
}
