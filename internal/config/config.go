// Package config loads explicit engine configuration. Environment variables
// are consumed only through ApplyEnv at the outer boundary; nothing inside
// the engine reads the environment.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment switches honored by ApplyEnv. Names are stable.
const (
	EnvLedger      = "SUDOAGENT_LEDGER"
	EnvLedgerPath  = "SUDOAGENT_LEDGER_PATH"
	EnvAutoApprove = "SUDOAGENT_AUTO_APPROVE"
	EnvPublicKey   = "SUDOAGENT_PUBLIC_KEY"
)

// Ledger backends.
const (
	BackendJSONL    = "jsonl"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	AgentID    string           `yaml:"agent_id"`
	PolicyPath string           `yaml:"policy_path"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	SigningKey SigningKeyConfig `yaml:"signing_key"`
	Budget     BudgetConfig     `yaml:"budget"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Audit      AuditConfig      `yaml:"audit"`
}

type LedgerConfig struct {
	Backend           string `yaml:"backend"`
	Path              string `yaml:"path"`
	DSN               string `yaml:"dsn"`
	RelaxedDurability bool   `yaml:"relaxed_durability"`
}

type SigningKeyConfig struct {
	PrivateKeyPath string `yaml:"private_key_path"`
	PublicKeyPath  string `yaml:"public_key_path"`
}

type BudgetConfig struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	AgentLimit    *int64 `yaml:"agent_limit"`
	ToolLimit     *int64 `yaml:"tool_limit"`
	WindowSeconds int    `yaml:"window_seconds"`
}

type ApprovalConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	TTLSeconds  int    `yaml:"ttl_seconds"`
	AutoApprove bool   `yaml:"auto_approve"`
}

type AuditConfig struct {
	Path string `yaml:"path"`
}

// Default is the zero-setup configuration: an unsigned JSONL ledger next to
// the process, everything else off.
func Default() Config {
	return Config{
		Ledger: LedgerConfig{Backend: BackendJSONL, Path: "sudo_ledger.jsonl"},
	}
}

// Load reads a YAML config file. ${VAR} references are expanded from the
// environment before parsing so secrets stay out of the file itself.
func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendJSONL, BackendSQLite:
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger.path is required for the %s backend", c.Ledger.Backend)
		}
	case BackendPostgres:
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}

	switch c.Budget.Backend {
	case "", BackendMemory:
	case BackendSQLite:
		if c.Budget.Path == "" {
			return fmt.Errorf("budget.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown budget.backend %q", c.Budget.Backend)
	}
	if c.Budget.WindowSeconds < 0 {
		return fmt.Errorf("budget.window_seconds must be non-negative")
	}

	switch c.Approval.Backend {
	case "", BackendMemory:
	case BackendSQLite:
		if c.Approval.Path == "" {
			return fmt.Errorf("approval.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown approval.backend %q", c.Approval.Backend)
	}
	if c.Approval.TTLSeconds < 0 {
		return fmt.Errorf("approval.ttl_seconds must be non-negative")
	}

	return nil
}

// ApplyEnv overlays the stable environment switches onto the config. Called
// once at process startup; the result is still validated.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvLedger); v != "" {
		c.Ledger.Backend = v
	}
	if v := os.Getenv(EnvLedgerPath); v != "" {
		c.Ledger.Path = v
	}
	if v := os.Getenv(EnvPublicKey); v != "" {
		c.SigningKey.PublicKeyPath = v
	}
	if v := os.Getenv(EnvAutoApprove); v != "" {
		c.Approval.AutoApprove = isTruthy(v)
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
