package config

import "time"

// Config represents the complete artifactloop configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Session  SessionConfig  `yaml:"session"`
	Runner   RunnerConfig   `yaml:"runner"`
	Deploy   DeployConfig   `yaml:"deploy"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig defines SQLite journal settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen                  string        `yaml:"listen"`
	Token                   string        `yaml:"token"`
	StreamPollInterval      time.Duration `yaml:"stream_poll_interval"`
	StreamHeartbeatInterval time.Duration `yaml:"stream_heartbeat_interval"`
}

// SandboxConfig defines the project directory actions execute against.
type SandboxConfig struct {
	Root         string        `yaml:"root"`
	Shell        string        `yaml:"shell"`
	ShellTimeout time.Duration `yaml:"shell_timeout"`
}

// SessionConfig sizes per-conversation state.
type SessionConfig struct {
	PartCacheSize        int `yaml:"part_cache_size"`
	RetainMessages       int `yaml:"retain_messages"`
	ContextSizeThreshold int `yaml:"context_size_threshold"`
}

// RunnerConfig defines action execution settings.
type RunnerConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

// DeployConfig defines the optional deploy gateway. Leaving base_url empty
// disables the deploy tool.
type DeployConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Token        string        `yaml:"token"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Enabled reports whether a deploy gateway is configured.
func (d DeployConfig) Enabled() bool {
	return d.BaseURL != ""
}

// LLMConfig defines the LLM provider settings. Only the chat command needs
// it.
type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url,omitempty"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature *float32      `yaml:"temperature,omitempty"`
	Timeout     time.Duration `yaml:"timeout"`
}

// AgentConfig bounds a model turn of the chat command.
type AgentConfig struct {
	MaxToolRounds         int           `yaml:"max_tool_rounds"`
	TurnTimeout           time.Duration `yaml:"turn_timeout"`
	RelevantFilesMaxBytes int           `yaml:"relevant_files_max_bytes"`
}
