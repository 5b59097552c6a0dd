package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dragonsden/den/pkg/audit"
	"github.com/dragonsden/den/pkg/config"
	"github.com/dragonsden/den/pkg/dragon"
	"github.com/dragonsden/den/pkg/drake"
	"github.com/dragonsden/den/pkg/gateway"
	"github.com/dragonsden/den/pkg/governor"
	"github.com/dragonsden/den/pkg/logger"
	"github.com/dragonsden/den/pkg/pipeline"
	"github.com/dragonsden/den/pkg/prompt"
	"github.com/dragonsden/den/pkg/providers"
	"github.com/dragonsden/den/pkg/store"
	"github.com/dragonsden/den/pkg/wyvern"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and pipeline drivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}

	var journal store.Journal
	if cfg.Audit.Enabled {
		j, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("opening audit journal: %w", err)
		}
		defer j.Close()
		s.SetJournal(j)
		journal = j
	}

	providerCfg, err := cfg.Provider("")
	if err != nil {
		return err
	}
	provider, err := providers.CreateProvider(providerCfg)
	if err != nil {
		return err
	}

	g := governor.New(cfg.Projects.ParallelWorkers)

	analyzer := wyvern.New(wyvern.Options{
		Store:          s,
		Provider:       provider,
		Model:          cfg.Agents.Model,
		MaxTokens:      cfg.Agents.MaxTokens,
		Temperature:    cfg.Agents.Temperature,
		InferStructure: true,
	})
	analyzerDriver, err := pipeline.NewAnalyzerDriver(s, analyzer, pipeline.Cadence{
		Interval: time.Duration(cfg.Pipeline.AnalyzerIntervalSecs) * time.Second,
		Cron:     cfg.Pipeline.AnalyzerCron,
	})
	if err != nil {
		return err
	}

	// Worker prompts are answered over the gateway: any connected client can
	// respond to a pipeline worker's question.
	workerBroker := prompt.NewBroker()

	server := gateway.NewServer(gateway.Options{
		Host:            cfg.Gateway.Host,
		Port:            cfg.Gateway.Port,
		Path:            cfg.Gateway.Path,
		Providers:       providerDescriptors(cfg),
		Factory:         dragonFactory(cfg, s),
		WorkerBroker:    workerBroker,
		SessionMessages: cfg.Gateway.SessionMessages,
		SessionLinger:   time.Duration(cfg.Gateway.SessionLingerSecs) * time.Second,
	})

	supervisorDriver, err := pipeline.NewSupervisorDriver(s, g, drake.Options{
		Provider: provider,
		Journal:  journal,
		Broker:   workerBroker,
		Emit:     server.WorkerEmitter(),
		ProviderFactory: func(name string) (providers.LLMProvider, error) {
			pc, err := cfg.Provider(name)
			if err != nil {
				return nil, err
			}
			return providers.CreateProvider(pc)
		},
		PromptTimeout: time.Duration(cfg.Projects.PromptTimeoutSecs) * time.Second,
		MaxIterations: cfg.Agents.MaxToolIterations,
		MaxTokens:     cfg.Agents.MaxTokens,
		Temperature:   cfg.Agents.Temperature,
		StuckDeadline: time.Duration(cfg.Projects.WorkerStuckSecs) * time.Second,
		MaxRetries:    cfg.Projects.WorkerMaxRetries,
	}, pipeline.Cadence{
		Interval: time.Duration(cfg.Pipeline.SupervisorIntervalSecs) * time.Second,
		Cron:     cfg.Pipeline.SupervisorCron,
	})
	if err != nil {
		return err
	}

	if err := server.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := analyzerDriver.Run(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorCF("main", "analyzer driver stopped", map[string]any{"error": err.Error()})
		}
	}()
	go func() {
		if err := supervisorDriver.Run(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorCF("main", "supervisor driver stopped", map[string]any{"error": err.Error()})
		}
	}()

	logger.InfoCF("main", "den is up", map[string]any{
		"data_dir": cfg.DataDir,
		"gateway":  fmt.Sprintf("%s:%d%s", cfg.Gateway.Host, cfg.Gateway.Port, cfg.Gateway.Path),
	})

	<-ctx.Done()
	logger.InfoC("main", "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

func providerDescriptors(cfg *config.Config) []gateway.ProviderDescriptor {
	var out []gateway.ProviderDescriptor
	for _, name := range cfg.ProviderNames() {
		p := cfg.Providers[name]
		out = append(out, gateway.ProviderDescriptor{
			Name:  name,
			Type:  p.Type,
			Model: p.Model,
		})
	}
	return out
}

// dragonFactory builds one Dragon per gateway connect command. The connect
// config names a catalogue provider and may override its key and model.
func dragonFactory(cfg *config.Config, s *store.Store) gateway.AgentFactory {
	return func(cc gateway.ConnectConfig, env gateway.AgentEnv) (gateway.ConversationAgent, error) {
		providerCfg, err := cfg.Provider(cc.Provider)
		if err != nil {
			return nil, err
		}
		if cc.APIKey != "" {
			providerCfg.APIKey = cc.APIKey
		}
		if cc.Model != "" {
			providerCfg.Model = cc.Model
		}
		provider, err := providers.CreateProvider(providerCfg)
		if err != nil {
			return nil, err
		}

		return dragon.New(dragon.Options{
			Store:         s,
			Provider:      provider,
			Model:         providerCfg.Model,
			MaxTokens:     cfg.Agents.MaxTokens,
			Temperature:   cfg.Agents.Temperature,
			MaxIterations: cfg.Agents.MaxToolIterations,
			Listener:      env.Listener,
		}), nil
	}
}
