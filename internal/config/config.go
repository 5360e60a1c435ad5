package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/planner"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine     EngineConfig               `yaml:"engine"`
	Provider   ProviderConfig             `yaml:"provider"`
	NATS       NATSConfig                 `yaml:"nats"`
	Store      StoreConfig                `yaml:"store"`
	Web        WebConfig                  `yaml:"web"`
	Standup    StandupConfig              `yaml:"standup"`
	Telegram   TelegramConfig             `yaml:"telegram"`
	Log        LogConfig                  `yaml:"log"`
	Classifier ClassifierConfig           `yaml:"classifier"`
	Planner    PlannerConfig              `yaml:"planner"`
	Agents     map[string]AgentDefinition `yaml:"agents"`
	// Workflows are named workflow templates that can be started by name.
	Workflows map[string]planner.Definition `yaml:"workflows"`
}

type EngineConfig struct {
	MaxWorkers      int           `yaml:"max_workers"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	CapacityRetries int           `yaml:"capacity_retries"`
	CapacityBackoff time.Duration `yaml:"capacity_backoff"`
}

type ProviderConfig struct {
	Kind            string        `yaml:"kind"` // "anthropic", "openai" or "echo"
	Model           string        `yaml:"model"`
	MaxTokens       int           `yaml:"max_tokens"`
	Timeout         time.Duration `yaml:"timeout"`
	AnthropicAPIKey string        `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string        `yaml:"openai_api_key"`
	BaseURL         string        `yaml:"base_url"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type StandupConfig struct {
	Schedule string        `yaml:"schedule"` // cron expression or "@every <duration>"; empty disables
	Timeout  time.Duration `yaml:"timeout"`
	// Tasks running longer than BlockedAfter are reported as blockers.
	BlockedAfter time.Duration `yaml:"blocked_after"`
}

type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

type ClassifierConfig struct {
	Threshold int              `yaml:"threshold"`
	Fallback  string           `yaml:"fallback"`
	Rules     []ClassifierRule `yaml:"rules"`
}

type ClassifierRule struct {
	Capability string   `yaml:"capability"`
	Keywords   []string `yaml:"keywords"`
	Weight     int      `yaml:"weight"`
}

type PlannerConfig struct {
	// Phases overrides the capability to phase mapping, e.g. {"data": "Design"}.
	Phases     map[string]string `yaml:"phases"`
	Sequential []string          `yaml:"sequential"`
}

// AgentDefinition is one entry of the agent catalog.
type AgentDefinition struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
	Capacity     int      `yaml:"capacity"`
	Persona      string   `yaml:"persona"`
	Model        string   `yaml:"model"`
	Temperature  float64  `yaml:"temperature"`
	MaxTokens    int      `yaml:"max_tokens"`
}

func defaults() Config {
	return Config{
		Engine: EngineConfig{
			MaxWorkers:      8,
			MaxRetries:      3,
			RetryBackoff:    2 * time.Second,
			MaxBackoff:      time.Minute,
			TaskTimeout:     5 * time.Minute,
			CapacityRetries: 10,
			CapacityBackoff: 500 * time.Millisecond,
		},
		Provider: ProviderConfig{
			Kind:      "echo",
			MaxTokens: 4096,
			Timeout:   2 * time.Minute,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/orkestra.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Standup: StandupConfig{
			Timeout:      10 * time.Second,
			BlockedAfter: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Classifier: ClassifierConfig{
			Threshold: 1,
			Fallback:  "executive",
		},
	}
}

// DefaultAgents is the catalog used when the config file defines none:
// one agent per built-in capability.
func DefaultAgents() map[string]AgentDefinition {
	roles := map[string]string{
		"product":     "Product manager who turns goals into requirements and scope.",
		"engineering": "Software engineer who designs and implements working systems.",
		"design":      "Product designer focused on user experience and interfaces.",
		"marketing":   "Marketer who plans positioning, campaigns and launch messaging.",
		"finance":     "Financial analyst who models costs, pricing and budgets.",
		"legal":       "Legal counsel who reviews compliance, contracts and privacy.",
		"qa":          "Quality engineer who plans tests and verifies deliverables.",
		"data":        "Data analyst who defines metrics and analyses datasets.",
		"operations":  "Operations lead who plans processes, logistics and rollout.",
		"security":    "Security engineer who assesses threats and hardens systems.",
		"sales":       "Sales lead who plans pipeline, outreach and deals.",
		"hr":          "People partner who plans hiring and team structure.",
		"executive":   "Executive who consolidates work into decisions and next steps.",
	}
	agents := make(map[string]AgentDefinition, len(roles))
	for capability, persona := range roles {
		agents[capability] = AgentDefinition{
			Name:         capability,
			Capabilities: []string{capability},
			Capacity:     2,
			Persona:      persona,
		}
	}
	return agents
}

func Load() (*Config, error) {
	path := os.Getenv("ORKESTRA_CONFIG")
	if path == "" {
		path = "config/orkestra.yaml"
	}
	return LoadFile(path)
}

func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if len(cfg.Agents) == 0 {
		cfg.Agents = DefaultAgents()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Engine.MaxWorkers < 1 {
		return fmt.Errorf("engine.max_workers must be at least 1")
	}
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("engine.max_retries must be at least 1")
	}
	for name, def := range c.Agents {
		if err := models.ValidateAgentID(name); err != nil {
			return fmt.Errorf("agents: %w", err)
		}
		if len(def.Capabilities) == 0 {
			return fmt.Errorf("agent %q has no capabilities", name)
		}
		if def.Capacity < 0 {
			return fmt.Errorf("agent %q has negative capacity", name)
		}
	}
	for name, def := range c.Workflows {
		if name == "" || strings.ContainsAny(name, "/ \t\n") {
			return fmt.Errorf("workflows: invalid template name %q", name)
		}
		if len(def.Phases) == 0 {
			return fmt.Errorf("workflow template %q has no phases", name)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ORKESTRA_PROVIDER"); v != "" {
		cfg.Provider.Kind = v
	}
	if v := os.Getenv("ORKESTRA_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Provider.AnthropicAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Provider.OpenAIAPIKey = v
	}
	if v := os.Getenv("ORKESTRA_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("ORKESTRA_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("ORKESTRA_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("ORKESTRA_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ORKESTRA_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxWorkers = n
		}
	}
	if v := os.Getenv("ORKESTRA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
