package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse interpolates, decodes, defaults and validates YAML config.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "artifactloop"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/artifactloop.db"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8090"
	}
	if cfg.API.StreamPollInterval == 0 {
		cfg.API.StreamPollInterval = 250 * time.Millisecond
	}
	if cfg.API.StreamHeartbeatInterval == 0 {
		cfg.API.StreamHeartbeatInterval = 15 * time.Second
	}
	if cfg.Sandbox.Root == "" {
		cfg.Sandbox.Root = "./workspace"
	}
	if cfg.Sandbox.Shell == "" {
		cfg.Sandbox.Shell = "sh"
	}
	if cfg.Sandbox.ShellTimeout == 0 {
		cfg.Sandbox.ShellTimeout = 10 * time.Minute
	}
	if cfg.Session.PartCacheSize == 0 {
		cfg.Session.PartCacheSize = 1024
	}
	if cfg.Session.ContextSizeThreshold == 0 {
		cfg.Session.ContextSizeThreshold = 200_000
	}
	if cfg.Runner.QueueCapacity == 0 {
		cfg.Runner.QueueCapacity = 100
	}
	if cfg.Deploy.PollInterval == 0 {
		cfg.Deploy.PollInterval = 2 * time.Second
	}
	if cfg.Deploy.Timeout == 0 {
		cfg.Deploy.Timeout = 5 * time.Minute
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 8192
	}
	if cfg.Agent.MaxToolRounds == 0 {
		cfg.Agent.MaxToolRounds = 8
	}
	if cfg.Agent.TurnTimeout == 0 {
		cfg.Agent.TurnTimeout = 15 * time.Minute
	}
	if cfg.Agent.RelevantFilesMaxBytes == 0 {
		cfg.Agent.RelevantFilesMaxBytes = 256 * 1024
	}
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.API.Token == "" {
		return fmt.Errorf("api.token is required")
	}
	if err := checkInterpolated("api.token", cfg.API.Token); err != nil {
		return err
	}
	if cfg.Sandbox.ShellTimeout < 0 {
		return fmt.Errorf("sandbox.shell_timeout must be positive")
	}
	if cfg.Session.PartCacheSize < 0 {
		return fmt.Errorf("session.part_cache_size must be positive")
	}
	if cfg.Session.RetainMessages < 0 {
		return fmt.Errorf("session.retain_messages must not be negative")
	}
	if cfg.Session.ContextSizeThreshold < 0 {
		return fmt.Errorf("session.context_size_threshold must not be negative")
	}
	if cfg.Runner.QueueCapacity < 0 {
		return fmt.Errorf("runner.queue_capacity must be positive")
	}
	if cfg.Deploy.Enabled() {
		if err := checkInterpolated("deploy.token", cfg.Deploy.Token); err != nil {
			return err
		}
		if cfg.Deploy.PollInterval <= 0 {
			return fmt.Errorf("deploy.poll_interval must be positive")
		}
	}
	if cfg.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive")
	}
	if cfg.Agent.MaxToolRounds < 0 {
		return fmt.Errorf("agent.max_tool_rounds must be positive")
	}
	if cfg.Agent.TurnTimeout < 0 {
		return fmt.Errorf("agent.turn_timeout must be positive")
	}
	return nil
}

// ValidateLLM checks the settings a model turn needs. Commands that never
// call a model skip it.
func ValidateLLM(cfg *Config) error {
	if cfg.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	if cfg.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if cfg.LLM.Provider != "ollama" && cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required")
	}
	if t := cfg.LLM.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("llm.temperature must be between 0 and 2")
	}
	if cfg.LLM.Timeout < 0 {
		return fmt.Errorf("llm.timeout must be >= 0")
	}
	return checkInterpolated("llm.api_key", cfg.LLM.APIKey)
}

func checkInterpolated(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
