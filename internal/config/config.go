// Package config holds all conductor configuration. Settings are read
// once at startup (and on explicit reconfiguration via Watch); every
// consumer treats the snapshot it received as immutable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/internal/acp"
	"conductor/internal/agent"
	"conductor/internal/approval"
	"conductor/internal/sandbox"
	"conductor/internal/stream"
)

// Config aggregates per-component settings.
type Config struct {
	Session   acp.Config      `yaml:"session"`
	Scheduler agent.Config    `yaml:"scheduler"`
	Stream    stream.Config   `yaml:"stream"`
	Sandbox   sandbox.Config  `yaml:"sandbox"`
	Approval  approval.Config `yaml:"approval"`

	// PromptAgent is the agent type prompts are routed to.
	PromptAgent string `yaml:"prompt_agent"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Session:     acp.DefaultConfig(),
		Scheduler:   agent.DefaultConfig(),
		Stream:      stream.DefaultConfig(),
		Sandbox:     sandbox.DefaultConfig(),
		Approval:    approval.DefaultConfig(),
		PromptAgent: "coder",
	}
}

// Load reads a YAML config file over the defaults. A missing path is
// not an error: defaults apply. Environment overrides are applied
// last.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				cfg.applyEnv()
				return cfg, cfg.Validate()
			}
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv overrides the common knobs from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("CONDUCTOR_MAX_CONCURRENT_AGENTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Scheduler.MaxConcurrentAgents = n
		}
	}
	if v := os.Getenv("CONDUCTOR_RISK_THRESHOLD"); v != "" {
		c.Approval.RiskThreshold = approval.RiskLevel(v)
	}
	if v := os.Getenv("CONDUCTOR_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Approval.InteractiveTimeout = d
		}
	}
	if v := os.Getenv("CONDUCTOR_SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("CONDUCTOR_PROMPT_AGENT"); v != "" {
		c.PromptAgent = v
	}
}

// Validate rejects configurations the components cannot honor.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_agents must be positive, got %d", c.Scheduler.MaxConcurrentAgents)
	}
	if c.Stream.QueueCapacity <= 0 {
		return fmt.Errorf("stream.queue_capacity must be positive, got %d", c.Stream.QueueCapacity)
	}
	switch c.Approval.RiskThreshold {
	case approval.RiskLow, approval.RiskMedium, approval.RiskHigh, approval.RiskCritical:
	default:
		return fmt.Errorf("approval.risk_threshold %q is not a risk level", c.Approval.RiskThreshold)
	}
	if c.Sandbox.PortBase <= 0 || c.Sandbox.PortBase > 65535 {
		return fmt.Errorf("sandbox.port_base %d is out of range", c.Sandbox.PortBase)
	}
	if c.PromptAgent == "" {
		return fmt.Errorf("prompt_agent must not be empty")
	}
	return nil
}
