// Package config loads the toolchat server configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the main configuration structure for toolchat.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	MCP      MCPConfig      `yaml:"mcp"`
	Chat     ChatConfig     `yaml:"chat"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Host        string   `yaml:"host"`
	HTTPPort    int      `yaml:"http_port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	// Driver is sqlite, sqlite3 or postgres.
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     *bool         `yaml:"auto_migrate"`
}

type LLMConfig struct {
	// Provider is zai, openai, openrouter, ollama, azure or anthropic.
	Provider     string        `yaml:"provider"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	APIVersion   string        `yaml:"api_version"`
	Temperature  float32       `yaml:"temperature"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	MaxTokens    int           `yaml:"max_tokens"`
}

type MCPConfig struct {
	ScriptsDir     string        `yaml:"scripts_dir"`
	DefaultCommand string        `yaml:"default_command"`
	DefaultWorkDir string        `yaml:"default_workdir"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	WatchScripts   *bool         `yaml:"watch_scripts"`

	// CatalogConcurrency limits parallel provider queries per catalog build.
	CatalogConcurrency int `yaml:"catalog_concurrency"`
}

type ChatConfig struct {
	MaxConcurrent           int   `yaml:"max_concurrent"`
	MaxRounds               int   `yaml:"max_rounds"`
	IncludeReasoningDefault *bool `yaml:"include_reasoning_default"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

var (
	validDrivers   = []string{"sqlite", "sqlite3", "postgres"}
	validProviders = []string{"zai", "openai", "openrouter", "ollama", "azure", "anthropic"}
)

// Load reads, defaults and validates the configuration file. An empty
// path yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	var cfg *Config
	if strings.TrimSpace(path) == "" {
		cfg = &Config{}
	} else {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		cfg, err = decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyEnvOverrides honors the environment variables the server has always
// read directly.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MCP_SCRIPTS_DIR"); v != "" {
		cfg.MCP.ScriptsDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.Database.URL == "" {
		cfg.Database.URL = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			cfg.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("PORT"); v != "" && cfg.Server.HTTPPort == 0 {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if cfg.LLM.APIKey == "" {
		switch strings.ToLower(cfg.LLM.Provider) {
		case "", "zai":
			cfg.LLM.APIKey = os.Getenv("ZAI_API_KEY")
		case "openai":
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "openrouter":
			cfg.LLM.APIKey = os.Getenv("OPENROUTER_API_KEY")
		case "azure":
			cfg.LLM.APIKey = os.Getenv("AZURE_OPENAI_API_KEY")
		case "anthropic":
			cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8000
	}
	if cfg.Server.CORSOrigins == nil {
		cfg.Server.CORSOrigins = []string{"http://localhost:8080"}
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = "file:toolchat.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.AutoMigrate == nil {
		cfg.Database.AutoMigrate = boolPtr(true)
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "zai"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.7
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 300 * time.Second
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}

	if cfg.MCP.ScriptsDir == "" {
		cfg.MCP.ScriptsDir = "./mcp-runtime-scripts"
	}
	if cfg.MCP.DefaultCommand == "" {
		cfg.MCP.DefaultCommand = "python"
	}
	if cfg.MCP.CallTimeout == 0 {
		cfg.MCP.CallTimeout = 30 * time.Second
	}
	if cfg.MCP.WatchScripts == nil {
		cfg.MCP.WatchScripts = boolPtr(true)
	}

	if cfg.Chat.MaxConcurrent == 0 {
		cfg.Chat.MaxConcurrent = 5
	}
	if cfg.Chat.MaxRounds == 0 {
		cfg.Chat.MaxRounds = 5
	}
	if cfg.Chat.IncludeReasoningDefault == nil {
		cfg.Chat.IncludeReasoningDefault = boolPtr(true)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "toolchat"
	}
}

// Validate reports configuration values that cannot be served.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		problems = append(problems, fmt.Sprintf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if !contains(validDrivers, c.Database.Driver) {
		problems = append(problems, fmt.Sprintf("database.driver %q must be one of %s", c.Database.Driver, strings.Join(validDrivers, ", ")))
	}
	if !contains(validProviders, c.LLM.Provider) {
		problems = append(problems, fmt.Sprintf("llm.provider %q must be one of %s", c.LLM.Provider, strings.Join(validProviders, ", ")))
	}
	if c.LLM.Provider == "azure" && c.LLM.BaseURL == "" {
		problems = append(problems, "llm.base_url is required for azure")
	}
	if c.LLM.MaxTokens < 0 {
		problems = append(problems, "llm.max_tokens must not be negative")
	}
	if c.MCP.CallTimeout < 0 {
		problems = append(problems, "mcp.call_timeout must not be negative")
	}
	if c.Chat.MaxConcurrent <= 0 {
		problems = append(problems, "chat.max_concurrent must be positive")
	}
	if c.Chat.MaxRounds <= 0 {
		problems = append(problems, "chat.max_rounds must be positive")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		problems = append(problems, "tracing.sampling_rate must be between 0 and 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IncludeReasoning returns the default for frames that omit include_reasoning.
func (c ChatConfig) IncludeReasoning() bool {
	return c.IncludeReasoningDefault == nil || *c.IncludeReasoningDefault
}

// Watch reports whether script changes should reload registrations.
func (c MCPConfig) Watch() bool {
	return c.WatchScripts == nil || *c.WatchScripts
}

// Migrate reports whether pending migrations run at startup.
func (c DatabaseConfig) Migrate() bool {
	return c.AutoMigrate == nil || *c.AutoMigrate
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func boolPtr(v bool) *bool { return &v }
