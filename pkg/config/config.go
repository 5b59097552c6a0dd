// Package config holds the runtime configuration: provider catalogue,
// agent defaults, pipeline cadence, gateway settings. Values of the form
// ${NAME} are resolved against the process environment at load time.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ProviderConfig describes one entry in the provider catalogue.
type ProviderConfig struct {
	Type              string   `json:"type"` // "anthropic" | "openai"
	Model             string   `json:"model"`
	APIKey            string   `json:"api_key,omitempty"`
	BaseURL           string   `json:"base_url,omitempty"`
	Compatibility     []string `json:"compatibility,omitempty"`
	MaxRetries        int      `json:"max_retries,omitempty"`
	RequestsPerMinute int      `json:"requests_per_minute,omitempty"` // 0 = unlimited
}

// AgentDefaults apply to every agent unless a project overrides them.
type AgentDefaults struct {
	Provider          string  `json:"provider" env:"DEN_AGENTS_PROVIDER"`
	Model             string  `json:"model" env:"DEN_AGENTS_MODEL"`
	MaxTokens         int     `json:"max_tokens" env:"DEN_AGENTS_MAX_TOKENS"`
	Temperature       float64 `json:"temperature" env:"DEN_AGENTS_TEMPERATURE"`
	MaxToolIterations int     `json:"max_tool_iterations" env:"DEN_AGENTS_MAX_TOOL_ITERATIONS"`
	PlanningEnabled   bool    `json:"planning_enabled" env:"DEN_AGENTS_PLANNING_ENABLED"`
}

// ProjectDefaults govern per-project execution limits.
type ProjectDefaults struct {
	ParallelWorkers   int `json:"parallel_workers" env:"DEN_PROJECTS_PARALLEL_WORKERS"`
	WorkerMaxRetries  int `json:"worker_max_retries" env:"DEN_PROJECTS_WORKER_MAX_RETRIES"`
	WorkerStuckSecs   int `json:"worker_stuck_seconds" env:"DEN_PROJECTS_WORKER_STUCK_SECONDS"`
	PromptTimeoutSecs int `json:"prompt_timeout_seconds" env:"DEN_PROJECTS_PROMPT_TIMEOUT_SECONDS"`
}

// PipelineConfig sets the driver cadence. Cron expressions take precedence
// over plain intervals when present.
type PipelineConfig struct {
	AnalyzerIntervalSecs   int    `json:"analyzer_interval_seconds" env:"DEN_PIPELINE_ANALYZER_INTERVAL_SECONDS"`
	SupervisorIntervalSecs int    `json:"supervisor_interval_seconds" env:"DEN_PIPELINE_SUPERVISOR_INTERVAL_SECONDS"`
	AnalyzerCron           string `json:"analyzer_cron,omitempty" env:"DEN_PIPELINE_ANALYZER_CRON"`
	SupervisorCron         string `json:"supervisor_cron,omitempty" env:"DEN_PIPELINE_SUPERVISOR_CRON"`
}

// GatewayConfig configures the WebSocket transport.
type GatewayConfig struct {
	Host              string `json:"host" env:"DEN_GATEWAY_HOST"`
	Port              int    `json:"port" env:"DEN_GATEWAY_PORT"`
	Path              string `json:"path" env:"DEN_GATEWAY_PATH"`
	SessionMessages   int    `json:"session_messages" env:"DEN_GATEWAY_SESSION_MESSAGES"`
	SessionLingerSecs int    `json:"session_linger_seconds" env:"DEN_GATEWAY_SESSION_LINGER_SECONDS"`
}

// AuditConfig configures the transition journal.
type AuditConfig struct {
	Enabled bool   `json:"enabled" env:"DEN_AUDIT_ENABLED"`
	Path    string `json:"path,omitempty" env:"DEN_AUDIT_PATH"`
}

type LoggingConfig struct {
	Level string `json:"level" env:"DEN_LOG_LEVEL"`
	File  string `json:"file,omitempty" env:"DEN_LOG_FILE"`
}

type Config struct {
	DataDir   string                    `json:"data_dir" env:"DEN_DATA_DIR"`
	Providers map[string]ProviderConfig `json:"providers"`
	Agents    AgentDefaults             `json:"agents"`
	Projects  ProjectDefaults           `json:"projects"`
	Pipeline  PipelineConfig            `json:"pipeline"`
	Gateway   GatewayConfig             `json:"gateway"`
	Audit     AuditConfig               `json:"audit"`
	Logging   LoggingConfig             `json:"logging"`
}

// ConfigPath returns the default config file location (~/.den/config.json).
func ConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".den", "config.json")
}

// Load reads the config file, applies ${NAME} interpolation, env overrides
// and defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		data = ExpandEnv(data)
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	cfg.applyFallbacks()
	return cfg, nil
}

// Save writes the config as indented JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${NAME} references with the corresponding environment
// variable. Unset references are left literal.
func ExpandEnv(data []byte) []byte {
	return envRefPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(name); ok {
			escaped, err := json.Marshal(val)
			if err != nil {
				return match
			}
			// Strip the surrounding quotes: the reference sits inside an
			// existing JSON string.
			return escaped[1 : len(escaped)-1]
		}
		return match
	})
}

func (c *Config) applyFallbacks() {
	d := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if strings.HasPrefix(c.DataDir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, c.DataDir[2:])
		}
	}
	if c.Agents.MaxToolIterations == 0 {
		c.Agents.MaxToolIterations = d.Agents.MaxToolIterations
	}
	if c.Agents.MaxTokens == 0 {
		c.Agents.MaxTokens = d.Agents.MaxTokens
	}
	if c.Projects.ParallelWorkers == 0 {
		c.Projects.ParallelWorkers = d.Projects.ParallelWorkers
	}
	if c.Projects.WorkerMaxRetries == 0 {
		c.Projects.WorkerMaxRetries = d.Projects.WorkerMaxRetries
	}
	if c.Projects.WorkerStuckSecs == 0 {
		c.Projects.WorkerStuckSecs = d.Projects.WorkerStuckSecs
	}
	if c.Projects.PromptTimeoutSecs == 0 {
		c.Projects.PromptTimeoutSecs = d.Projects.PromptTimeoutSecs
	}
	if c.Pipeline.AnalyzerIntervalSecs == 0 {
		c.Pipeline.AnalyzerIntervalSecs = d.Pipeline.AnalyzerIntervalSecs
	}
	if c.Pipeline.SupervisorIntervalSecs == 0 {
		c.Pipeline.SupervisorIntervalSecs = d.Pipeline.SupervisorIntervalSecs
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = d.Gateway.Host
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = d.Gateway.Port
	}
	if c.Gateway.Path == "" {
		c.Gateway.Path = d.Gateway.Path
	}
	if c.Gateway.SessionMessages == 0 {
		c.Gateway.SessionMessages = d.Gateway.SessionMessages
	}
	if c.Gateway.SessionLingerSecs == 0 {
		c.Gateway.SessionLingerSecs = d.Gateway.SessionLingerSecs
	}
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(c.DataDir, "audit.db")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// Provider looks up a provider entry by name; an empty name resolves to the
// agent default.
func (c *Config) Provider(name string) (ProviderConfig, error) {
	if name == "" {
		name = c.Agents.Provider
	}
	p, ok := c.Providers[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("provider %q not in catalogue", name)
	}
	return p, nil
}

// ProviderNames returns the catalogue keys in stable order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
