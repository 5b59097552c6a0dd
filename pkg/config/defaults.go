package config

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "~/.den/projects",
		Providers: map[string]ProviderConfig{
			"anthropic": {
				Type:       "anthropic",
				Model:      "claude-sonnet-4.6",
				APIKey:     "${ANTHROPIC_API_KEY}",
				MaxRetries: 4,
			},
			"openai": {
				Type:       "openai",
				Model:      "gpt-4o",
				APIKey:     "${OPENAI_API_KEY}",
				MaxRetries: 4,
			},
		},
		Agents: AgentDefaults{
			Provider:          "anthropic",
			MaxTokens:         8192,
			Temperature:       0.7,
			MaxToolIterations: 20,
			PlanningEnabled:   false,
		},
		Projects: ProjectDefaults{
			ParallelWorkers:   3,
			WorkerMaxRetries:  2,
			WorkerStuckSecs:   600,
			PromptTimeoutSecs: 300,
		},
		Pipeline: PipelineConfig{
			AnalyzerIntervalSecs:   60,
			SupervisorIntervalSecs: 30,
		},
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              18800,
			Path:              "/ws",
			SessionMessages:   100,
			SessionLingerSecs: 600,
		},
		Audit: AuditConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}
