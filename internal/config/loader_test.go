package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	if cfg.Sandbox.Shell != "sh" {
		t.Fatalf("sandbox.shell default = %q", cfg.Sandbox.Shell)
	}
	if cfg.Sandbox.ShellTimeout != 10*time.Minute {
		t.Fatalf("sandbox.shell_timeout default = %v", cfg.Sandbox.ShellTimeout)
	}
	if cfg.Session.PartCacheSize != 1024 {
		t.Fatalf("session.part_cache_size default = %d", cfg.Session.PartCacheSize)
	}
	if cfg.Runner.QueueCapacity != 100 {
		t.Fatalf("runner.queue_capacity default = %d", cfg.Runner.QueueCapacity)
	}
	if cfg.LLM.MaxTokens != 8192 {
		t.Fatalf("llm.max_tokens default = %d", cfg.LLM.MaxTokens)
	}
	if cfg.Deploy.Enabled() {
		t.Fatalf("deploy should be disabled without base_url")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.Service.LogLevel = "loud" }, "service.log_level"},
		{"missing token", func(c *Config) { c.API.Token = "" }, "api.token"},
		{"unset token var", func(c *Config) { c.API.Token = "${NOT_SET_ANYWHERE}" }, "NOT_SET_ANYWHERE"},
		{"negative retain", func(c *Config) { c.Session.RetainMessages = -1 }, "session.retain_messages"},
		{"deploy poll", func(c *Config) {
			c.Deploy.BaseURL = "http://gateway"
			c.Deploy.PollInterval = -time.Second
		}, "deploy.poll_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateLLM(t *testing.T) {
	cfg := validTestConfig()
	if err := ValidateLLM(cfg); err == nil {
		t.Fatalf("expected error without llm settings")
	}
	cfg.LLM = LLMConfig{Provider: "ollama", Model: "qwen2.5-coder", MaxTokens: 1024}
	if err := ValidateLLM(cfg); err != nil {
		t.Fatalf("ollama without key should pass: %v", err)
	}
	cfg.LLM = LLMConfig{Provider: "anthropic", Model: "m", MaxTokens: 1024}
	if err := ValidateLLM(cfg); err == nil {
		t.Fatalf("anthropic without key should fail")
	}
	hot := float32(3)
	cfg.LLM = LLMConfig{Provider: "openai", Model: "m", APIKey: "k", MaxTokens: 1024, Temperature: &hot}
	if err := ValidateLLM(cfg); err == nil || !strings.Contains(err.Error(), "llm.temperature") {
		t.Fatalf("expected temperature error, got %v", err)
	}
}

func TestLoadInterpolatesEnv(t *testing.T) {
	t.Setenv("ARTIFACTLOOP_TEST_TOKEN", "secret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
api:
  token: ${ARTIFACTLOOP_TEST_TOKEN}
sandbox:
  root: /tmp/project
  shell_timeout: 30s
session:
  retain_messages: 50
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Token != "secret" {
		t.Fatalf("token = %q", cfg.API.Token)
	}
	if cfg.Sandbox.ShellTimeout != 30*time.Second || cfg.Sandbox.Root != "/tmp/project" {
		t.Fatalf("sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Session.RetainMessages != 50 {
		t.Fatalf("retain = %d", cfg.Session.RetainMessages)
	}
}

func validTestConfig() *Config {
	cfg := &Config{API: APIConfig{Token: "token"}}
	applyDefaults(cfg)
	return cfg
}
