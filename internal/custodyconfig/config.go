// Package custodyconfig loads the custody core's runtime configuration from
// YAML, following the same Duration-wrapper / secret-file-or-env resolution
// / two-pass defaults-then-validate shape payoutd's configuration loader
// uses.
package custodyconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support human-readable YAML values like "5m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures every knob the core recognizes (spec §6) plus the ambient
// service configuration (listen address, persistence, admin auth, telemetry)
// no CORE consumer is expected to omit.
type Config struct {
	ListenAddress    string `yaml:"listen"`
	Environment      string `yaml:"environment"`
	ApprovalBaseURL  string `yaml:"approval_base_url"`

	LowThreshold  string `yaml:"low_threshold"`
	HighThreshold string `yaml:"high_threshold"`

	EphemeralTTL             Duration `yaml:"ephemeral_ttl"`
	ChallengeTTL             Duration `yaml:"challenge_ttl"`
	ApproverTOTPStep         Duration `yaml:"approver_totp_step"`
	ApproverTOTPTolerance    int      `yaml:"approver_totp_tolerance_steps"`
	HSMCallTimeout           Duration `yaml:"hsm_call_timeout"`
	LedgerCallTimeout        Duration `yaml:"ledger_call_timeout"`
	MaxInflightPerTenant     int      `yaml:"max_inflight_intents_per_tenant"`
	NetworkPassphrase        string   `yaml:"network_passphrase"`
	AuthnLockoutThreshold    int      `yaml:"authn_lockout_threshold"`
	AuthnLockoutWindow       Duration `yaml:"authn_lockout_window"`
	UsedResponseSetWindowTTL Duration `yaml:"used_response_set_window_ttl"`

	Database  DatabaseConfig  `yaml:"database"`
	HSM       HSMConfig       `yaml:"hsm"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Admin     AdminConfig     `yaml:"admin"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig configures the Postgres persistence layer.
type DatabaseConfig struct {
	DSN        string `yaml:"dsn"`
	DSNFile    string `yaml:"dsn_file"`
	DSNEnv     string `yaml:"dsn_env"`
}

// HSMConfig configures the HSM gateway client. Mode selects between the
// in-process fake (for tests and local development) and the remote mTLS
// client (for production).
type HSMConfig struct {
	Mode       string `yaml:"mode"` // "fake" | "remote"
	BaseURL    string `yaml:"base_url"`
	CACertPath string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	Timeout    Duration `yaml:"timeout"`
}

// LedgerConfig configures the Stellar ledger client.
type LedgerConfig struct {
	HorizonURL       string   `yaml:"horizon_url"`
	FriendbotURL     string   `yaml:"friendbot_url"`
	BaseFeeStroops   int64    `yaml:"base_fee_stroops"`
	SubmitRetries    int      `yaml:"submit_retries"`
	SubmitBackoff    Duration `yaml:"submit_backoff"`
}

// AdminConfig captures security settings for the admin/operator surface.
type AdminConfig struct {
	BearerToken     string         `yaml:"bearer_token"`
	BearerTokenFile string         `yaml:"bearer_token_file"`
	MTLS            MTLSConfig     `yaml:"mtls"`
	TLS             AdminTLSConfig `yaml:"tls"`
}

// MTLSConfig controls mutual TLS verification on the admin surface.
type MTLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientCAPath string `yaml:"client_ca"`
}

// AdminTLSConfig configures TLS certificates for the admin surface.
type AdminTLSConfig struct {
	Disable  bool   `yaml:"disable"`
	CertPath string `yaml:"cert"`
	KeyPath  string `yaml:"key"`
}

// TelemetryConfig configures the OpenTelemetry exporters.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Metrics      bool   `yaml:"metrics"`
	Traces       bool   `yaml:"traces"`
}

// Load reads configuration from the supplied YAML path, applies defaults, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7443"
	}
	if cfg.LowThreshold == "" {
		cfg.LowThreshold = "1000"
	}
	if cfg.HighThreshold == "" {
		cfg.HighThreshold = "10000"
	}
	if cfg.ApprovalBaseURL == "" {
		cfg.ApprovalBaseURL = "https://approve.internal/intents"
	}
	if cfg.EphemeralTTL.Duration == 0 {
		cfg.EphemeralTTL.Duration = time.Hour
	}
	if cfg.ChallengeTTL.Duration == 0 {
		cfg.ChallengeTTL.Duration = 5 * time.Minute
	}
	if cfg.ApproverTOTPStep.Duration == 0 {
		cfg.ApproverTOTPStep.Duration = 30 * time.Second
	}
	if cfg.ApproverTOTPTolerance == 0 {
		cfg.ApproverTOTPTolerance = 1
	}
	if cfg.HSMCallTimeout.Duration == 0 {
		cfg.HSMCallTimeout.Duration = 30 * time.Second
	}
	if cfg.LedgerCallTimeout.Duration == 0 {
		cfg.LedgerCallTimeout.Duration = 60 * time.Second
	}
	if cfg.MaxInflightPerTenant == 0 {
		cfg.MaxInflightPerTenant = 50
	}
	if cfg.AuthnLockoutThreshold == 0 {
		cfg.AuthnLockoutThreshold = 5
	}
	if cfg.AuthnLockoutWindow.Duration == 0 {
		cfg.AuthnLockoutWindow.Duration = 15 * time.Minute
	}
	if cfg.UsedResponseSetWindowTTL.Duration == 0 {
		cfg.UsedResponseSetWindowTTL.Duration = 2 * cfg.ChallengeTTL.Duration
	}
	if cfg.HSM.Mode == "" {
		cfg.HSM.Mode = "fake"
	}
	if cfg.HSM.Timeout.Duration == 0 {
		cfg.HSM.Timeout.Duration = cfg.HSMCallTimeout.Duration
	}
	if cfg.Ledger.SubmitRetries == 0 {
		cfg.Ledger.SubmitRetries = 3
	}
	if cfg.Ledger.SubmitBackoff.Duration == 0 {
		cfg.Ledger.SubmitBackoff.Duration = 500 * time.Millisecond
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.NetworkPassphrase) == "" {
		return fmt.Errorf("network_passphrase must be configured")
	}
	if cfg.HSM.Mode != "fake" && cfg.HSM.Mode != "remote" {
		return fmt.Errorf("hsm.mode must be \"fake\" or \"remote\"")
	}
	if cfg.HSM.Mode == "remote" {
		if strings.TrimSpace(cfg.HSM.BaseURL) == "" {
			return fmt.Errorf("hsm.base_url required in remote mode")
		}
		if strings.TrimSpace(cfg.HSM.ClientCert) == "" || strings.TrimSpace(cfg.HSM.ClientKey) == "" {
			return fmt.Errorf("hsm.client_cert and hsm.client_key required in remote mode")
		}
	}
	if strings.TrimSpace(cfg.Ledger.HorizonURL) == "" {
		return fmt.Errorf("ledger.horizon_url must be configured")
	}
	if cfg.Admin.BearerToken == "" && !cfg.Admin.MTLS.Enabled {
		return fmt.Errorf("configure either admin.bearer_token or admin.mtls for admin authentication")
	}
	return nil
}

func (d *DatabaseConfig) normalise() error {
	if d == nil {
		return fmt.Errorf("database configuration missing")
	}
	dsn := strings.TrimSpace(d.DSN)
	switch {
	case dsn != "":
	case strings.TrimSpace(d.DSNEnv) != "":
		dsn = strings.TrimSpace(os.Getenv(d.DSNEnv))
		if dsn == "" {
			return fmt.Errorf("dsn_env %s is empty", d.DSNEnv)
		}
	case strings.TrimSpace(d.DSNFile) != "":
		contents, err := os.ReadFile(d.DSNFile)
		if err != nil {
			return fmt.Errorf("read dsn_file: %w", err)
		}
		dsn = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("database dsn, dsn_env, or dsn_file is required")
	}
	d.DSN = dsn
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	a.MTLS.ClientCAPath = strings.TrimSpace(a.MTLS.ClientCAPath)
	a.TLS.CertPath = strings.TrimSpace(a.TLS.CertPath)
	a.TLS.KeyPath = strings.TrimSpace(a.TLS.KeyPath)
	if a.TLS.CertPath == "" && a.TLS.KeyPath == "" {
		a.TLS.Disable = true
	}
	if !a.TLS.Disable {
		if a.TLS.CertPath == "" {
			return fmt.Errorf("admin.tls.cert must be configured when TLS is enabled")
		}
		if a.TLS.KeyPath == "" {
			return fmt.Errorf("admin.tls.key must be configured when TLS is enabled")
		}
	}
	if a.MTLS.Enabled && a.TLS.Disable {
		return fmt.Errorf("mTLS requires TLS to be enabled")
	}
	return nil
}
