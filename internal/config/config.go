package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Config is the root configuration for streamchat.
type Config struct {
	General         GeneralConfig             `json:"general"`
	Server          ServerConfig              `json:"server"`
	Auth            AuthConfig                `json:"auth"`
	Database        DatabaseConfig            `json:"database"`
	Stream          StreamConfig              `json:"stream"`
	Generation      GenerationConfig          `json:"generation"`
	Resume          ResumeConfig              `json:"resume"`
	Providers       map[string]ProviderConfig `json:"providers"`
	DefaultProvider string                    `json:"defaultProvider"`
	FailoverChain   []string                  `json:"failoverChain,omitempty"` // provider failover order
	Catalog         CatalogConfig             `json:"catalog"`
	Metrics         MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

type ServerConfig struct {
	Host                     string `json:"host"`
	Port                     int    `json:"port"`
	ReadHeaderTimeoutSeconds int    `json:"readHeaderTimeoutSeconds"`
	HeartbeatSeconds         int    `json:"heartbeatSeconds"` // 0 = no keepalive comments
}

type AuthConfig struct {
	Secret        string `json:"secret"`
	CookieName    string `json:"cookieName"`
	TokenTTLHours int    `json:"tokenTTLHours"`
}

type DatabaseConfig struct {
	Driver string `json:"driver"` // "sqlite" | "postgres" | "mysql"
	DSN    string `json:"dsn"`
}

// StreamConfig selects the resumable stream backend.
type StreamConfig struct {
	Backend              string `json:"backend"` // "none" | "memory" | "sql"
	RetentionSeconds     int    `json:"retentionSeconds"`
	MaxLifetimeSeconds   int    `json:"maxLifetimeSeconds"`
	PollIntervalMillis   int    `json:"pollIntervalMillis"`
	SweepIntervalSeconds int    `json:"sweepIntervalSeconds"`
}

type GenerationConfig struct {
	TimeoutSeconds int    `json:"timeoutSeconds"`
	LeaseSeconds   int    `json:"leaseSeconds"`
	SystemPrompt   string `json:"systemPrompt,omitempty"`
	MaxTokens      int    `json:"maxTokens,omitempty"`
}

type ResumeConfig struct {
	StalenessSeconds int `json:"stalenessSeconds"`
}

type ProviderConfig struct {
	Enabled         bool   `json:"enabled"`
	Kind            string `json:"kind"` // "openai" | "ollama" | "langchain" | "echo"
	APIBase         string `json:"apiBase,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
	DefaultModel    string `json:"defaultModel,omitempty"`
	RateLimitPerMin int    `json:"rateLimitPerMinute,omitempty"`
}

type CatalogConfig struct {
	Path string `json:"path,omitempty"` // YAML file with models and entitlements
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

func (g GenerationConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

func (g GenerationConfig) LeaseTTL() time.Duration {
	return time.Duration(g.LeaseSeconds) * time.Second
}

func (s StreamConfig) Retention() time.Duration {
	return time.Duration(s.RetentionSeconds) * time.Second
}

func (s StreamConfig) MaxLifetime() time.Duration {
	return time.Duration(s.MaxLifetimeSeconds) * time.Second
}

func (s StreamConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMillis) * time.Millisecond
}

func (s StreamConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

func (r ResumeConfig) Staleness() time.Duration {
	return time.Duration(r.StalenessSeconds) * time.Second
}

// DefaultConfigDir returns the default config directory (~/.streamchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".streamchat"
	}
	return filepath.Join(home, ".streamchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Catalog.Path = ExpandPath(cfg.Catalog.Path)
	if cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = ExpandPath(cfg.Database.DSN)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.HeartbeatSeconds < 0 {
		errs = append(errs, "server.heartbeatSeconds must be >= 0")
	}
	if cfg.Auth.TokenTTLHours < 1 {
		errs = append(errs, "auth.tokenTTLHours must be >= 1")
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres, mysql")
	}
	if cfg.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}

	switch cfg.Stream.Backend {
	case "none", "memory", "sql":
	default:
		errs = append(errs, "stream.backend must be one of: none, memory, sql")
	}
	if cfg.Stream.RetentionSeconds < 1 {
		errs = append(errs, "stream.retentionSeconds must be >= 1")
	}
	if cfg.Stream.MaxLifetimeSeconds < cfg.Generation.TimeoutSeconds {
		errs = append(errs, "stream.maxLifetimeSeconds must be >= generation.timeoutSeconds")
	}
	if cfg.Stream.PollIntervalMillis < 10 {
		errs = append(errs, "stream.pollIntervalMillis must be >= 10")
	}
	if cfg.Stream.SweepIntervalSeconds < 1 {
		errs = append(errs, "stream.sweepIntervalSeconds must be >= 1")
	}

	if cfg.Generation.TimeoutSeconds < 1 || cfg.Generation.TimeoutSeconds > 3600 {
		errs = append(errs, "generation.timeoutSeconds must be between 1 and 3600")
	}
	if cfg.Generation.LeaseSeconds < cfg.Generation.TimeoutSeconds {
		errs = append(errs, "generation.leaseSeconds must be >= generation.timeoutSeconds")
	}
	// Abandoned channels are ended after one lease; they must still exist then.
	if cfg.Stream.MaxLifetimeSeconds <= cfg.Generation.LeaseSeconds {
		errs = append(errs, "stream.maxLifetimeSeconds must be > generation.leaseSeconds")
	}
	if cfg.Resume.StalenessSeconds < 0 {
		errs = append(errs, "resume.stalenessSeconds must be >= 0")
	}

	if _, ok := cfg.Providers[cfg.DefaultProvider]; !ok {
		errs = append(errs, fmt.Sprintf("defaultProvider references unknown provider: %s", cfg.DefaultProvider))
	}
	// Validate failover chain references exist in providers.
	for _, provName := range cfg.FailoverChain {
		if _, ok := cfg.Providers[provName]; !ok {
			errs = append(errs, fmt.Sprintf("failoverChain references unknown provider: %s", provName))
		}
	}
	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		switch pc.Kind {
		case "openai", "langchain":
			if pc.APIBase == "" {
				errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
			}
		case "ollama", "echo":
		default:
			errs = append(errs, fmt.Sprintf("providers.%s: unknown kind %q", name, pc.Kind))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
