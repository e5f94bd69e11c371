package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/ices-pipeline/internal/policy"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	Graph      GraphConfig      `yaml:"graph"`
	Tenants    []TenantConfig   `yaml:"tenants"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Verdict    VerdictConfig    `yaml:"verdict"`
	Bedrock    BedrockConfig    `yaml:"bedrock"`
	Reputation ReputationConfig `yaml:"reputation"`
	SaaS       SaaSConfig       `yaml:"saas"`
	Policies   []policy.Rule    `yaml:"policies"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds the operational HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// RedisConfig holds the Redis broker connection settings
type RedisConfig struct {
	URL string `yaml:"url"`
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// GraphConfig holds Microsoft Graph API settings for remediation calls
type GraphConfig struct {
	BaseURL        string `yaml:"base_url"`
	LoginBaseURL   string `yaml:"login_base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c GraphConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TenantConfig holds OAuth client credentials for one M365 tenant
type TenantConfig struct {
	ID           string `yaml:"id"`
	Alias        string `yaml:"alias"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// AnalysisConfig holds the analysis worker pool settings
type AnalysisConfig struct {
	Queue             string `yaml:"queue"`
	MinWorkers        int    `yaml:"min_workers"`
	MaxWorkers        int    `yaml:"max_workers"`
	MaxRetries        int    `yaml:"max_retries"`
	RetryDelaySeconds int    `yaml:"retry_delay_seconds"`
}

// RetryDelay returns the task retry delay as a duration
func (c AnalysisConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// VerdictConfig holds the verdict worker pool and batch settings
type VerdictConfig struct {
	Queue                string `yaml:"queue"`
	MinWorkers           int    `yaml:"min_workers"`
	MaxWorkers           int    `yaml:"max_workers"`
	BatchSize            int    `yaml:"batch_size"`
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds"`
}

// FlushInterval returns the batch flush interval as a duration
func (c VerdictConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// BedrockConfig holds AWS Bedrock settings for the zero-shot classifier
type BedrockConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
	ModelID string `yaml:"model_id"`
}

// ReputationProvider describes one DNS blocklist zone
type ReputationProvider struct {
	ID   string `yaml:"id"`
	Zone string `yaml:"zone"`
	Kind string `yaml:"kind"` // "ip" or "domain"
}

// ReputationConfig holds DNSBL lookup settings
type ReputationConfig struct {
	TimeoutSeconds  int                  `yaml:"timeout_seconds"`
	CacheTTLSeconds int                  `yaml:"cache_ttl_seconds"`
	Providers       []ReputationProvider `yaml:"providers"`
}

// Timeout returns the per-lookup timeout as a duration
func (c ReputationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheTTL returns the verdict cache TTL as a duration
func (c ReputationConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// SaaSConfig holds the vendor catalog location.
// CatalogPath accepts a local file path or an s3://bucket/key URL.
type SaaSConfig struct {
	CatalogPath string `yaml:"catalog_path"`
	S3Region    string `yaml:"s3_region"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level            string `yaml:"level"`
	DisableRedaction bool   `yaml:"disable_redaction"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 2
	}
	if cfg.Graph.BaseURL == "" {
		cfg.Graph.BaseURL = "https://graph.microsoft.com/v1.0"
	}
	if cfg.Graph.LoginBaseURL == "" {
		cfg.Graph.LoginBaseURL = "https://login.microsoftonline.com"
	}
	if cfg.Graph.TimeoutSeconds == 0 {
		cfg.Graph.TimeoutSeconds = 30
	}
	if cfg.Analysis.Queue == "" {
		cfg.Analysis.Queue = "emails"
	}
	if cfg.Analysis.MinWorkers == 0 {
		cfg.Analysis.MinWorkers = 2
	}
	if cfg.Analysis.MaxWorkers == 0 {
		cfg.Analysis.MaxWorkers = 10
	}
	if cfg.Analysis.MaxRetries == 0 {
		cfg.Analysis.MaxRetries = 3
	}
	if cfg.Analysis.RetryDelaySeconds == 0 {
		cfg.Analysis.RetryDelaySeconds = 10
	}
	if cfg.Verdict.Queue == "" {
		cfg.Verdict.Queue = "verdicts"
	}
	if cfg.Verdict.MinWorkers == 0 {
		cfg.Verdict.MinWorkers = 2
	}
	if cfg.Verdict.MaxWorkers == 0 {
		cfg.Verdict.MaxWorkers = 10
	}
	if cfg.Verdict.BatchSize == 0 {
		cfg.Verdict.BatchSize = 20
	}
	if cfg.Verdict.FlushIntervalSeconds == 0 {
		cfg.Verdict.FlushIntervalSeconds = 2
	}
	if cfg.Bedrock.Region == "" {
		cfg.Bedrock.Region = "us-east-1"
	}
	if cfg.Bedrock.ModelID == "" {
		cfg.Bedrock.ModelID = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	if cfg.Reputation.TimeoutSeconds == 0 {
		cfg.Reputation.TimeoutSeconds = 2
	}
	if cfg.Reputation.CacheTTLSeconds == 0 {
		cfg.Reputation.CacheTTLSeconds = 3600
	}
	if cfg.SaaS.CatalogPath == "" {
		cfg.SaaS.CatalogPath = "config/saas_vendors.json"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if base := os.Getenv("GRAPH_API_BASE"); base != "" {
		cfg.Graph.BaseURL = base
	}
	if base := os.Getenv("GRAPH_LOGIN_BASE"); base != "" {
		cfg.Graph.LoginBaseURL = base
	}
	if v := os.Getenv("VERDICT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Verdict.BatchSize = n
		}
	}
	if v := os.Getenv("VERDICT_BATCH_FLUSH_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Verdict.FlushIntervalSeconds = n
		}
	}
	if v := os.Getenv("BEDROCK_MODEL_ID"); v != "" {
		cfg.Bedrock.ModelID = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Bedrock.Region = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SAAS_CATALOG_PATH"); v != "" {
		cfg.SaaS.CatalogPath = v
	}

	// Single-tenant fallback so a bare deployment can run on env vars alone
	if len(cfg.Tenants) == 0 {
		if id := os.Getenv("M365_TENANT_ID"); id != "" {
			cfg.Tenants = append(cfg.Tenants, TenantConfig{
				ID:           id,
				ClientID:     os.Getenv("M365_CLIENT_ID"),
				ClientSecret: os.Getenv("M365_CLIENT_SECRET"),
			})
		}
	}

	return cfg, nil
}
