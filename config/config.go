// Package config loads the navigator configuration from a YAML file with
// environment variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Duration wraps time.Duration for YAML fields written as "30s" or "5m".
	Duration time.Duration

	// Config is the full process configuration.
	Config struct {
		Scheduler SchedulerConfig  `yaml:"scheduler"`
		Browser   BrowserConfig    `yaml:"browser"`
		Mongo     MongoConfig      `yaml:"mongo"`
		Redis     RedisConfig      `yaml:"redis"`
		Models    ModelsConfig     `yaml:"models"`
		Retailers []RetailerConfig `yaml:"retailers"`
		Secrets   SecretsConfig    `yaml:"secrets"`
		Shutdown  ShutdownConfig   `yaml:"shutdown"`
	}

	// SchedulerConfig tunes the order dispatch loop.
	SchedulerConfig struct {
		MaxConcurrent  int      `yaml:"max_concurrent"`
		MaxQueueSize   int      `yaml:"max_queue_size"`
		PollInterval   Duration `yaml:"poll_interval"`
		SweepInterval  Duration `yaml:"sweep_interval"`
		ProcessTimeout Duration `yaml:"process_timeout"`
		StopTimeout    Duration `yaml:"stop_timeout"`
		// ClaimsPerSecond paces claims against the store.
		ClaimsPerSecond float64 `yaml:"claims_per_second"`
	}

	// BrowserConfig tunes the session registry.
	BrowserConfig struct {
		IdleExpiry      Duration `yaml:"idle_expiry"`
		CleanupTimeout  Duration `yaml:"cleanup_timeout"`
		ResourceTimeout Duration `yaml:"resource_timeout"`
	}

	// MongoConfig locates the durable order store. An empty URI selects the
	// in-memory store, for development only.
	MongoConfig struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	// RedisConfig locates the progress stream backend. An empty address
	// disables progress streaming.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// ModelsConfig names the default model per provider and carries API
	// credentials. Keys are normally injected via environment variables.
	ModelsConfig struct {
		AnthropicAPIKey string `yaml:"anthropic_api_key"`
		AnthropicModel  string `yaml:"anthropic_model"`
		OpenAIAPIKey    string `yaml:"openai_api_key"`
		OpenAIModel     string `yaml:"openai_model"`
		BedrockModel    string `yaml:"bedrock_model"`
		// MaxSteps caps the Strands planning loop.
		MaxSteps int `yaml:"max_steps"`
	}

	// RetailerConfig is one entry of the retailer directory.
	RetailerConfig struct {
		Name    string `yaml:"name"`
		BaseURL string `yaml:"base_url"`
		Enabled *bool  `yaml:"enabled"`
	}

	// SecretsConfig enables retailer credential lookup through AWS Secrets
	// Manager. Disabled by default; agents then run without stored logins.
	SecretsConfig struct {
		Enabled bool   `yaml:"enabled"`
		Prefix  string `yaml:"prefix"`
	}

	// ShutdownConfig bounds process teardown.
	ShutdownConfig struct {
		Timeout Duration `yaml:"timeout"`
	}
)

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given.
func Default() Config {
	enabled := true
	return Config{
		Scheduler: SchedulerConfig{
			MaxConcurrent:   5,
			MaxQueueSize:    500,
			PollInterval:    Duration(2 * time.Second),
			SweepInterval:   Duration(5 * time.Minute),
			ProcessTimeout:  Duration(45 * time.Minute),
			StopTimeout:     Duration(30 * time.Second),
			ClaimsPerSecond: 10,
		},
		Browser: BrowserConfig{
			IdleExpiry:      Duration(30 * time.Minute),
			CleanupTimeout:  Duration(10 * time.Second),
			ResourceTimeout: Duration(5 * time.Second),
		},
		Mongo: MongoConfig{
			Database:   "navigator",
			Collection: "orders",
		},
		Models: ModelsConfig{
			AnthropicModel: "claude-sonnet-4-20250514",
			OpenAIModel:    "gpt-4o",
			BedrockModel:   "us.amazon.nova-pro-v1:0",
			MaxSteps:       30,
		},
		Retailers: []RetailerConfig{
			{Name: "amazon", BaseURL: "https://www.amazon.com", Enabled: &enabled},
		},
		Shutdown: ShutdownConfig{Timeout: Duration(30 * time.Second)},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment so they stay
// out of config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("NAVIGATOR_MONGO_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("NAVIGATOR_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NAVIGATOR_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Models.AnthropicAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Models.OpenAIAPIKey = v
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.MaxQueueSize <= 0 {
		return fmt.Errorf("scheduler.max_queue_size must be positive, got %d", c.Scheduler.MaxQueueSize)
	}
	if len(c.Retailers) == 0 {
		return fmt.Errorf("at least one retailer must be configured")
	}
	seen := make(map[string]bool, len(c.Retailers))
	for _, r := range c.Retailers {
		name := strings.ToLower(r.Name)
		if name == "" {
			return fmt.Errorf("retailer name must not be empty")
		}
		if seen[name] {
			return fmt.Errorf("duplicate retailer %q", name)
		}
		seen[name] = true
	}
	return nil
}

// RetailerEnabled reports the effective enabled flag, defaulting to true.
func (r RetailerConfig) RetailerEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}
