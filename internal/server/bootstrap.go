package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/Davincible/tensorgate/internal/cache"
	"github.com/Davincible/tensorgate/internal/config"
	"github.com/Davincible/tensorgate/internal/dicl"
	"github.com/Davincible/tensorgate/internal/extrabody"
	"github.com/Davincible/tensorgate/internal/inference"
	"github.com/Davincible/tensorgate/internal/observe"
	"github.com/Davincible/tensorgate/internal/providers"
	"github.com/Davincible/tensorgate/internal/router"
	"github.com/Davincible/tensorgate/internal/schema"
	"github.com/Davincible/tensorgate/internal/template"
	"github.com/Davincible/tensorgate/internal/tool"
	"github.com/Davincible/tensorgate/internal/variant"
)

// App is the assembled gateway: every component wired from configuration.
type App struct {
	Config    *config.Config
	Registry  *providers.Registry
	Router    *router.Router
	Executor  *variant.Executor
	Writer    *observe.Writer
	Store     *observe.SQLStore
	Examples  *dicl.Store
	Templates *template.Engine
}

// Bootstrap builds the application from a loaded configuration. Everything
// constructed here is read-only during request handling.
func Bootstrap(manager *config.Manager, logger *slog.Logger) (*App, error) {
	cfg, err := manager.Load()
	if err != nil {
		return nil, err
	}

	templates := template.NewEngine()
	for _, t := range cfg.Templates {
		if t.Path != "" {
			if err := templates.RegisterFile(t.Name, t.Path, manager.BaseDir()); err != nil {
				return nil, err
			}
			continue
		}
		if err := templates.Register(t.Name, t.Text); err != nil {
			return nil, err
		}
	}

	tools, err := buildTools(cfg, manager.BaseDir())
	if err != nil {
		return nil, err
	}

	registry := providers.NewRegistry()
	httpClient := &http.Client{Timeout: 0}
	rtr := router.New(httpClient, logger)

	for _, modelCfg := range cfg.Models {
		model := &router.Model{
			Name: modelCfg.Name,
			Timeouts: router.Timeouts{
				NonStreamingTotal: time.Duration(modelCfg.NonStreamingTotalMS) * time.Millisecond,
				StreamingTTFT:     time.Duration(modelCfg.StreamingTTFTMS) * time.Millisecond,
			},
		}
		if modelCfg.RequestsPerSecond > 0 {
			model.Limiter = rate.NewLimiter(rate.Limit(modelCfg.RequestsPerSecond), 1)
		}
		for _, entry := range modelCfg.Providers {
			provider, err := providers.New(toProviderConfig(entry))
			if err != nil {
				return nil, err
			}
			registry.Register(provider)
			model.Providers = append(model.Providers, provider)
		}
		rtr.AddModel(model)
	}

	for _, entry := range cfg.EmbeddingProviders {
		provider, err := providers.New(toProviderConfig(entry))
		if err != nil {
			return nil, err
		}
		registry.Register(provider)
	}

	app := &App{
		Config:    cfg,
		Registry:  registry,
		Router:    rtr,
		Templates: templates,
	}

	if !cfg.Observability.Disabled {
		db, err := sql.Open("sqlite", cfg.Observability.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open trace database: %w", err)
		}
		store := observe.NewSQLStore(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Init(ctx); err != nil {
			db.Close()
			return nil, err
		}
		app.Store = store
		app.Examples = dicl.NewStore(db)
		if err := app.Examples.Init(ctx); err != nil {
			db.Close()
			return nil, err
		}
		app.Writer = observe.NewWriter(store, logger, observe.WriterOptions{
			QueueSize:     cfg.Observability.QueueSize,
			BatchSize:     cfg.Observability.BatchSize,
			FlushInterval: time.Duration(cfg.Observability.FlushIntervalMS) * time.Millisecond,
		})
	}

	responseCache, err := buildCache(cfg)
	if err != nil {
		return nil, err
	}

	env := &variant.Env{
		Templates: templates,
		Router:    rtr,
		Registry:  registry,
		Examples:  app.Examples,
		Cache:     responseCache,
		Logger:    logger,
	}

	functions, err := buildFunctions(cfg, manager.BaseDir(), tools)
	if err != nil {
		return nil, err
	}
	app.Executor = variant.NewExecutor(env, functions, app.Writer)

	return app, nil
}

// Close flushes traces and releases resources.
func (a *App) Close() {
	if a.Writer != nil {
		a.Writer.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}

func toProviderConfig(entry config.ProviderConfig) providers.Config {
	out := providers.Config{
		Name:                 entry.Name,
		Type:                 entry.Type,
		Model:                entry.Model,
		APIKey:               entry.APIKey,
		DynamicCredentialKey: entry.DynamicCredentialKey,
		Endpoint:             entry.Endpoint,
		Region:               entry.Region,
	}
	for _, item := range entry.ExtraBody {
		patch := extrabody.Patch{Pointer: item.Pointer, Delete: item.Delete}
		if item.Value != nil {
			if data, err := json.Marshal(item.Value); err == nil {
				patch.Value = data
			}
		}
		out.ExtraBody = append(out.ExtraBody, patch)
	}
	return out
}

func buildTools(cfg *config.Config, baseDir string) (map[string]*tool.Tool, error) {
	tools := make(map[string]*tool.Tool, len(cfg.Tools))
	for _, t := range cfg.Tools {
		parameters, err := t.ToolParameters(baseDir)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", t.Key, err)
		}
		compiled, err := schema.Compile(parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", t.Key, err)
		}
		name := t.Name
		if name == "" {
			name = t.Key
		}
		tools[t.Key] = &tool.Tool{
			Key:         t.Key,
			Name:        name,
			Description: t.Description,
			Parameters:  compiled,
			Strict:      t.Strict,
			Custom:      t.Custom,
		}
	}
	return tools, nil
}

func buildCache(cfg *config.Config) (cache.Cache, error) {
	ttl := time.Duration(cfg.Cache.TTLSeconds) * time.Second
	switch cfg.Cache.Backend {
	case "none":
		return nil, nil
	case "redis":
		return cache.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, ttl)
	default:
		return cache.NewMemoryCache(cfg.Cache.MaxEntries, ttl), nil
	}
}

func buildFunctions(cfg *config.Config, baseDir string, tools map[string]*tool.Tool) (map[string]*variant.Function, error) {
	functions := make(map[string]*variant.Function, len(cfg.Functions))
	for _, fnCfg := range cfg.Functions {
		fn := &variant.Function{
			Name:              fnCfg.Name,
			Type:              inference.FunctionTypeChat,
			ParallelToolCalls: fnCfg.ParallelToolCalls,
		}
		if fnCfg.Type == "json" {
			fn.Type = inference.FunctionTypeJSON
		}

		var err error
		if fn.SystemSchema, err = compileRef(fnCfg.SystemSchema, baseDir, fnCfg.Name, "system"); err != nil {
			return nil, err
		}
		if fn.UserSchema, err = compileRef(fnCfg.UserSchema, baseDir, fnCfg.Name, "user"); err != nil {
			return nil, err
		}
		if fn.AssistantSchema, err = compileRef(fnCfg.AssistantSchema, baseDir, fnCfg.Name, "assistant"); err != nil {
			return nil, err
		}
		if fn.OutputSchema, err = compileRef(fnCfg.OutputSchema, baseDir, fnCfg.Name, "output"); err != nil {
			return nil, err
		}

		for _, key := range fnCfg.Tools {
			fn.Tools = append(fn.Tools, tools[key])
		}
		fn.ToolChoice = parseToolChoice(fnCfg.ToolChoice, tools)

		for _, vc := range fnCfg.Variants {
			switch vc.Type {
			case config.VariantDICL:
				fn.Variants = append(fn.Variants, &variant.DICL{
					VariantName:       vc.Name,
					VarWeight:         vc.Weight,
					EmbeddingProvider: vc.EmbeddingProvider,
					Model:             vc.Model,
					K:                 vc.K,
					MaxDistance:       vc.MaxDistance,
					MaxTokens:         vc.MaxTokens,
					Timeout:           time.Duration(vc.TimeoutMS) * time.Millisecond,
				})
			default:
				fn.Variants = append(fn.Variants, &variant.ChatCompletion{
					VariantName:       vc.Name,
					VarWeight:         vc.Weight,
					Model:             vc.Model,
					SystemTemplate:    vc.SystemTemplate,
					UserTemplate:      vc.UserTemplate,
					AssistantTemplate: vc.AssistantTemplate,
					JSONMode:          inference.JSONMode(vc.JSONMode),
					Sampling: inference.SamplingParams{
						Temperature:      vc.Temperature,
						TopP:             vc.TopP,
						PresencePenalty:  vc.PresencePenalty,
						FrequencyPenalty: vc.FrequencyPenalty,
						MaxTokens:        vc.MaxTokens,
						Seed:             vc.Seed,
					},
					Timeout: time.Duration(vc.TimeoutMS) * time.Millisecond,
				})
			}
		}
		functions[fn.Name] = fn
	}
	return functions, nil
}

func compileRef(ref config.SchemaRef, baseDir, fnName, which string) (*schema.Schema, error) {
	if ref.IsZero() {
		return nil, nil
	}
	raw, err := ref.Resolve(baseDir)
	if err != nil {
		return nil, fmt.Errorf("function %q %s schema: %w", fnName, which, err)
	}
	compiled, err := schema.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("function %q %s schema: %w", fnName, which, err)
	}
	return compiled, nil
}

func parseToolChoice(raw string, tools map[string]*tool.Tool) tool.Choice {
	switch raw {
	case "", "auto":
		return tool.Choice{Kind: tool.ChoiceAuto}
	case "required", "any":
		return tool.Choice{Kind: tool.ChoiceRequired}
	case "none":
		return tool.Choice{Kind: tool.ChoiceNone}
	default:
		// A tool key pins the choice to that tool.
		if t, ok := tools[raw]; ok {
			return tool.Choice{Kind: tool.ChoiceSpecific, Tool: t.Name}
		}
		return tool.Choice{Kind: tool.ChoiceAuto}
	}
}
