package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider kinds accepted in providers.<name>.kind.
const (
	KindModelService = "model_service"
	KindOpenAI       = "openai"
)

// Config holds the imgindex API configuration.
type Config struct {
	HTTP         HTTPConfig                `yaml:"http"`
	Auth         AuthConfig                `yaml:"auth"`
	Logging      LoggingConfig             `yaml:"logging"`
	Index        IndexConfig               `yaml:"index"`
	Search       SearchConfig              `yaml:"search"`
	Cache        CacheConfig               `yaml:"cache"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Indexes      map[string]BindingConfig  `yaml:"indexes"`
	Rerankers    []RerankerConfig          `yaml:"rerankers"`
	Descriptions DescriptionsConfig        `yaml:"descriptions"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
	MaxBodyMB       int `yaml:"max_body_mb"`
}

// IndexConfig holds on-disk index settings.
type IndexConfig struct {
	Dir       string `yaml:"dir"`
	ShardSize int    `yaml:"shard_size"`
	Overfetch int    `yaml:"overfetch"`
}

// SearchConfig holds query limits and fan-out settings.
type SearchConfig struct {
	DefaultTopK   int `yaml:"default_top_k"`
	MaxTopK       int `yaml:"max_top_k"`
	FanoutWorkers int `yaml:"fanout_workers"` // 0 = one per target index
}

// CacheConfig holds the embedding cache settings. Empty addrs disables the cache.
type CacheConfig struct {
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	KeyPrefix        string   `yaml:"key_prefix"`
	TTLSec           int      `yaml:"ttl_sec"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// Enabled reports whether an embedding cache is configured.
func (c CacheConfig) Enabled() bool { return len(c.Addrs) > 0 }

// ProviderConfig holds one embedding provider.
type ProviderConfig struct {
	Kind             string   `yaml:"kind"` // model_service, openai
	BaseURL          string   `yaml:"base_url"`
	APIKey           string   `yaml:"api_key"`
	Model            string   `yaml:"model"`
	Version          string   `yaml:"version"`
	Dimension        int      `yaml:"dimension"`
	Modalities       []string `yaml:"modalities"`
	TimeoutSec       int      `yaml:"timeout_sec"`
	Enabled          bool     `yaml:"enabled"`
	QueryInstruction string   `yaml:"query_instruction"`
}

// BindingConfig attaches an index to the provider that embeds for it.
type BindingConfig struct {
	Provider string `yaml:"provider"`
}

// RerankerConfig holds one reranker. List order is priority order.
type RerankerConfig struct {
	Name       string `yaml:"name"`
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
	Enabled    bool   `yaml:"enabled"`
}

// DescriptionsConfig locates the catalog's description texts used for reranking.
type DescriptionsConfig struct {
	Root string `yaml:"root"` // empty = rerank with empty documents
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, expands environment variables, applies defaults and
// validates the result.
func Parse(data []byte) (Config, error) {
	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 30
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 120
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.HTTP.MaxBodyMB <= 0 {
		c.HTTP.MaxBodyMB = 32
	}
	if c.Index.Dir == "" {
		c.Index.Dir = "data/indexes"
	}
	if c.Index.ShardSize <= 0 {
		c.Index.ShardSize = 100000
	}
	if c.Index.Overfetch <= 0 {
		c.Index.Overfetch = 3
	}
	if c.Search.DefaultTopK <= 0 {
		c.Search.DefaultTopK = 10
	}
	if c.Search.MaxTopK <= 0 {
		c.Search.MaxTopK = 100
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "imgindex:emb_cache:"
	}
	if c.Cache.TTLSec <= 0 {
		c.Cache.TTLSec = 7 * 24 * 3600
	}
	if c.Cache.ReadinessTimeout <= 0 {
		c.Cache.ReadinessTimeout = 10
	}
	for name, p := range c.Providers {
		if p.TimeoutSec <= 0 {
			p.TimeoutSec = 60
		}
		if len(p.Modalities) == 0 {
			p.Modalities = []string{"text"}
		}
		c.Providers[name] = p
	}
	for i := range c.Rerankers {
		if c.Rerankers[i].TimeoutSec <= 0 {
			c.Rerankers[i].TimeoutSec = 60
		}
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.Search.DefaultTopK > c.Search.MaxTopK {
		return fmt.Errorf("search.default_top_k %d exceeds search.max_top_k %d",
			c.Search.DefaultTopK, c.Search.MaxTopK)
	}
	if c.Search.FanoutWorkers < 0 {
		return fmt.Errorf("search.fanout_workers must not be negative")
	}
	for _, name := range sortedKeys(c.Providers) {
		p := c.Providers[name]
		switch p.Kind {
		case KindModelService, KindOpenAI:
		default:
			return fmt.Errorf("providers.%s.kind must be %q or %q, got %q",
				name, KindModelService, KindOpenAI, p.Kind)
		}
		if p.Dimension <= 0 {
			return fmt.Errorf("providers.%s.dimension is required", name)
		}
		if p.Enabled && p.BaseURL == "" && p.Kind == KindModelService {
			return fmt.Errorf("providers.%s.base_url is required", name)
		}
		if p.Enabled && p.Model == "" {
			return fmt.Errorf("providers.%s.model is required", name)
		}
	}
	for _, name := range c.IndexNames() {
		b := c.Indexes[name]
		if _, ok := c.Providers[b.Provider]; !ok {
			return fmt.Errorf("indexes.%s.provider %q is not a configured provider", name, b.Provider)
		}
	}
	seen := make(map[string]struct{}, len(c.Rerankers))
	for i, r := range c.Rerankers {
		if r.Name == "" {
			return fmt.Errorf("rerankers[%d].name is required", i)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("rerankers[%d].name %q is duplicated", i, r.Name)
		}
		seen[r.Name] = struct{}{}
		if r.Enabled && r.BaseURL == "" {
			return fmt.Errorf("rerankers.%s.base_url is required", r.Name)
		}
	}
	return nil
}

// ProviderNames returns configured provider names sorted.
func (c *Config) ProviderNames() []string { return sortedKeys(c.Providers) }

// IndexNames returns configured index names sorted. This is the default search target order.
func (c *Config) IndexNames() []string { return sortedKeys(c.Indexes) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
