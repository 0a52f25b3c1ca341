// Troupe - multi-persona chat response pipeline
// License: MIT

package main

import (
	"fmt"

	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/persona"
	"github.com/troupelab/troupe/pkg/pipeline"
	"github.com/troupelab/troupe/pkg/providers"
	"github.com/troupelab/troupe/pkg/turnstore"
)

type runtimeDeps struct {
	cfg      *config.Config
	registry *persona.Registry
	store    *turnstore.Store
	pipe     *pipeline.Pipeline
}

func (d *runtimeDeps) close() {
	d.pipe.Close()
	d.store.Close()
}

// buildRuntime wires config, provider, persona registry, store, and the
// pipeline for the CLI commands.
func buildRuntime() (*runtimeDeps, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("no API key configured; set llm.api_key in %s or TROUPE_LLM_API_KEY", configPath)
	}

	provider, err := providers.CreateProvider(cfg.LLM.Provider, cfg.LLM.Model, cfg.LLM.APIKey, cfg.LLM.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	registry, err := persona.LoadDir(cfg.PersonasDir())
	if err != nil {
		return nil, fmt.Errorf("load personas: %w", err)
	}

	store, err := turnstore.Open(cfg.StorePath(), cfg.DedupWindow())
	if err != nil {
		return nil, fmt.Errorf("open turn store: %w", err)
	}

	return &runtimeDeps{
		cfg:      cfg,
		registry: registry,
		store:    store,
		pipe:     pipeline.New(cfg, provider, registry, store),
	}, nil
}
