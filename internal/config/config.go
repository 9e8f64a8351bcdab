// Package config holds operator-level configuration for a steward process.
//
// Operator config is what the administrator who installs steward sets: data
// directory, governance file locations, outcome signing key, worker and sweep
// tuning, API keys for the HTTP surface. It comes from STEWARD_* env vars or
// steward.config.yaml via viper.
//
// Governance rules (policy.yaml) and autonomy limits (autonomy.yaml) are not
// operator config; they are loaded and schema-checked by internal/policy and
// internal/autonomy.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the STEWARD_ prefix
// (e.g. "policy_file" → STEWARD_POLICY_FILE).
const (
	KeyDataDir               = "data_dir"
	KeySigningKey            = "signing_key"
	KeyPolicyFile            = "policy_file"
	KeyAutonomyFile          = "autonomy_file"
	KeyRunbooksDir           = "runbooks_dir"
	KeyWorkers               = "workers"
	KeyApprovalSweepInterval = "approval_sweep_interval"
	KeyRecoveryPollInterval  = "recovery_poll_interval"
	KeyBudgetSweepInterval   = "budget_sweep_interval"
	KeyAPIKeys               = "api_keys"
	KeyOperator              = "operator"
	KeyListen                = "listen"
)

const (
	DefaultPolicyFile            = "policy.yaml"
	DefaultAutonomyFile          = "autonomy.yaml"
	DefaultRunbooksDir           = "runbooks"
	DefaultWorkers               = 5
	DefaultApprovalSweepInterval = time.Minute
	DefaultRecoveryPollInterval  = 15 * time.Second
	DefaultBudgetSweepInterval   = time.Minute
	DefaultListen                = "127.0.0.1:8787"
)

// Config holds resolved operator configuration.
type Config struct {
	DataDir               string        // base directory for state (~/.steward)
	SigningKey            string        // HMAC-SHA256 key for the outcome ledger (≥32 bytes)
	PolicyFile            string        // rule set; relative paths resolve under DataDir
	AutonomyFile          string        // guardrail limits; relative paths resolve under DataDir
	RunbooksDir           string        // retrieval context for runs; relative paths resolve under DataDir
	Workers               int           // scheduler worker pool size
	ApprovalSweepInterval time.Duration // how often pending approvals are checked for expiry
	RecoveryPollInterval  time.Duration // how often unhandled anomalies are picked up
	BudgetSweepInterval   time.Duration // how often elapsed budget windows are reset
	APIKeys               map[string]string
	Operator              string // identity recorded for CLI-originated approvals and pauses
	Listen                string // HTTP API address for steward serve

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey reports whether the signing key was derived rather than set.
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// DBPath returns the SQLite database holding all durable governance state.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "steward.db")
}

// PolicyPath returns the absolute path of the rule set.
func (c *Config) PolicyPath() string {
	return c.resolve(c.PolicyFile)
}

// AutonomyPath returns the absolute path of the autonomy config.
func (c *Config) AutonomyPath() string {
	return c.resolve(c.AutonomyFile)
}

// RunbooksPath returns the resolved runbook directory, or "" when none is
// configured.
func (c *Config) RunbooksPath() string {
	if c.RunbooksDir == "" {
		return ""
	}
	return c.resolve(c.RunbooksDir)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when the signing key is not explicitly set.
func (c *Config) WarnIfDefaultKeys() {
	if c.usingDefaultSigningKey {
		log.Warn().Msg("using generated default STEWARD_SIGNING_KEY; set it via env var or config file for production")
	}
}

func init() {
	SetDefaults()
}

// SetDefaults registers env binding and defaults on the global viper instance.
func SetDefaults() {
	viper.SetEnvPrefix("STEWARD")
	viper.AutomaticEnv()
	viper.SetDefault(KeyPolicyFile, DefaultPolicyFile)
	viper.SetDefault(KeyAutonomyFile, DefaultAutonomyFile)
	viper.SetDefault(KeyRunbooksDir, DefaultRunbooksDir)
	viper.SetDefault(KeyWorkers, DefaultWorkers)
	viper.SetDefault(KeyApprovalSweepInterval, DefaultApprovalSweepInterval)
	viper.SetDefault(KeyRecoveryPollInterval, DefaultRecoveryPollInterval)
	viper.SetDefault(KeyBudgetSweepInterval, DefaultBudgetSweepInterval)
	viper.SetDefault(KeyListen, DefaultListen)
}

// Load reads configuration from viper (env vars, config file, defaults) and
// returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:               resolveDataDir(),
		SigningKey:            viper.GetString(KeySigningKey),
		PolicyFile:            viper.GetString(KeyPolicyFile),
		AutonomyFile:          viper.GetString(KeyAutonomyFile),
		RunbooksDir:           viper.GetString(KeyRunbooksDir),
		Workers:               viper.GetInt(KeyWorkers),
		ApprovalSweepInterval: viper.GetDuration(KeyApprovalSweepInterval),
		RecoveryPollInterval:  viper.GetDuration(KeyRecoveryPollInterval),
		BudgetSweepInterval:   viper.GetDuration(KeyBudgetSweepInterval),
		APIKeys:               parseAPIKeys(viper.GetString(KeyAPIKeys)),
		Operator:              viper.GetString(KeyOperator),
		Listen:                viper.GetString(KeyListen),
	}
	if cfg.Operator == "" {
		cfg.Operator = currentUser()
	}
	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "outcome-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".steward"
	}
	return filepath.Join(home, ".steward")
}

// parseAPIKeys accepts "key" or "key:operator" entries separated by commas.
// A bare key maps to the operator name "api".
func parseAPIKeys(raw string) map[string]string {
	keys := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, who, ok := strings.Cut(entry, ":")
		if !ok || who == "" {
			who = "api"
		}
		keys[key] = who
	}
	return keys
}

func currentUser() string {
	for _, env := range []string{"USER", "LOGNAME"} {
		if u := os.Getenv(env); u != "" {
			return u
		}
	}
	return "operator"
}

// deriveDefaultKey produces a deterministic per-machine fallback so a fresh
// install can sign outcomes before an operator configures a real key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("steward:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	for name, d := range map[string]time.Duration{
		KeyApprovalSweepInterval: c.ApprovalSweepInterval,
		KeyRecoveryPollInterval:  c.RecoveryPollInterval,
		KeyBudgetSweepInterval:   c.BudgetSweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// validateSigningKey accepts either ≥32 raw bytes or ≥64 hex characters.
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && isHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes: %w", err)
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set STEWARD_SIGNING_KEY", n)
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
