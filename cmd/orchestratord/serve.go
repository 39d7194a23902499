package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nexoraai/orchestrator/pkg/coordinator"
	"github.com/nexoraai/orchestrator/pkg/orchestration"
	"github.com/nexoraai/orchestrator/pkg/vault"
)

// ServeCmd starts the orchestration engine's process-wide singletons:
// the shared event bus, the Coordinator (with its rule chain and
// save-request queue backed by a real local-filesystem SaveExecutor),
// and the Workflow Agent. It does not create any session itself — a
// session needs an LLMService and NodeExecutor wired to a real model
// provider and tool-execution backend, which this module deliberately
// does not ship (see pkg/convagent.LLMService, pkg/workflowagent.
// NodeExecutor); an embedding application imports pkg/orchestration,
// supplies those two collaborators in orchestration.Config, and calls
// Container.StartSession per user session.
type ServeCmd struct {
	Rules       string `help:"Path to rule configuration YAML/JSON file." type:"path"`
	Models      string `help:"Path to model metadata YAML/JSON file." type:"path"`
	SaveDir     string `name:"save-dir" help:"Working directory save requests are written under." default:"./orchestrator-data" type:"path"`
	Watch       bool   `help:"Watch the rule config file and hot-reload on change."`
	GlobalRate  int    `name:"global-rate" help:"Max save operations per minute across all sessions." default:"120"`
	SessionRate int    `name:"session-rate" help:"Max save operations per minute per session." default:"20"`
}

func (c *ServeCmd) Run(cli *CLI, ctx context.Context) error {
	ruleCfg, loader, err := c.loadRules()
	if err != nil {
		return err
	}

	container := orchestration.New(orchestration.Config{
		SaveExecutor: orchestration.NewLocalSaveExecutor(c.SaveDir),
		RuleConfig:   ruleCfg,
		GlobalRate:   coordinator.RateLimit{Max: c.GlobalRate, Window: time.Minute},
		SessionRate:  coordinator.RateLimit{Max: c.SessionRate, Window: time.Minute},
		Logger:       slog.Default(),
	})

	if c.Models != "" {
		if err := container.ModelRegistry.LoadFile(c.Models); err != nil {
			return fmt.Errorf("load model metadata: %w", err)
		}
	}

	if loader != nil {
		loader.OnChange = func(cfg coordinator.RuleConfig) {
			container.Coordinator.SaveQueue().UpdateRules(cfg)
			slog.Info("orchestratord: rule configuration reloaded", "path", c.Rules)
		}
		if c.Watch {
			go func() {
				if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
					slog.Error("orchestratord: rule config watch error", "error", err)
				}
			}()
		}
	}

	slog.Info("orchestratord: serving", "save_dir", c.SaveDir)

	go container.Coordinator.SaveQueue().Run(ctx)
	go container.RunVaultInspector(ctx, time.Hour, vault.DefaultNextActionTTL)

	<-ctx.Done()
	slog.Info("orchestratord: shutting down")
	return nil
}

func (c *ServeCmd) loadRules() (coordinator.RuleConfig, *coordinator.ConfigLoader, error) {
	if c.Rules == "" {
		var cfg coordinator.RuleConfig
		cfg.SetDefaults()
		return cfg, nil, nil
	}
	loader := coordinator.NewConfigLoader(c.Rules, nil, slog.Default())
	cfg, err := loader.Load()
	if err != nil {
		return coordinator.RuleConfig{}, nil, fmt.Errorf("load rule config: %w", err)
	}
	return cfg, loader, nil
}

// ValidateCmd checks a rule configuration file without starting the
// engine.
type ValidateCmd struct {
	Rules string `arg:"" help:"Path to rule configuration YAML/JSON file."`
}

func (c *ValidateCmd) Run() error {
	loader := coordinator.NewConfigLoader(c.Rules, nil, slog.Default())
	if _, err := loader.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid rule configuration: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("rule configuration is valid")
	return nil
}
