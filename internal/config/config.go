package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/pkg/apperrors"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig           `json:"server" mapstructure:"server"`
	Signer       SignerConfig           `json:"signer" mapstructure:"signer"`
	Chains       map[string]ChainConfig `json:"chains" mapstructure:"chains"`
	Venues       []VenueConfig          `json:"venues" mapstructure:"venues"`
	Vaults       []model.VaultConfig    `json:"vaults" mapstructure:"vaults"`
	Orchestrator OrchestratorConfig     `json:"orchestrator" mapstructure:"orchestrator"`
	Defaults     model.Policy           `json:"policy_defaults" mapstructure:"policy_defaults"`
	Alerts       AlertConfig            `json:"alerts" mapstructure:"alerts"`
	Database     DatabaseConfig         `json:"database" mapstructure:"database"`
	Redis        RedisConfig            `json:"redis" mapstructure:"redis"`
	Timeouts     TimeoutConfig          `json:"timeouts" mapstructure:"timeouts"`
	LogLevel     string                 `json:"log_level" mapstructure:"log_level"`
}

type ServerConfig struct {
	// Control surface binds loopback only; hedgectl is the intended client.
	Addr        string `json:"addr" mapstructure:"addr"`
	MetricsPath string `json:"metrics_path" mapstructure:"metrics_path"`
}

type SignerConfig struct {
	PrivateKey          string `json:"private_key" mapstructure:"private_key"`
	AttestationContract string `json:"attestation_contract" mapstructure:"attestation_contract"`
}

type ChainConfig struct {
	RPCURL        string `json:"rpc_url" mapstructure:"rpc_url"`
	WSURL         string `json:"ws_url" mapstructure:"ws_url"`
	PrivateRPCURL string `json:"private_rpc_url" mapstructure:"private_rpc_url"`
	ChainID       int64  `json:"chain_id" mapstructure:"chain_id"`
	InsuranceFund string `json:"insurance_fund" mapstructure:"insurance_fund"`
}

type VenueConfig struct {
	ID           string            `json:"id" mapstructure:"id"`
	Kind         string            `json:"kind" mapstructure:"kind"` // "binance" | "bybit"
	BaseURL      string            `json:"base_url" mapstructure:"base_url"`
	WSURL        string            `json:"ws_url" mapstructure:"ws_url"`
	APIKey       string            `json:"api_key" mapstructure:"api_key"`
	APISecret    string            `json:"api_secret" mapstructure:"api_secret"`
	SymbolMap    map[string]string `json:"symbol_map" mapstructure:"symbol_map"`
	Capabilities []string          `json:"capabilities" mapstructure:"capabilities"`
	QPS          float64           `json:"qps" mapstructure:"qps"`
	Burst        int               `json:"burst" mapstructure:"burst"`
}

type OrchestratorConfig struct {
	StateDir       string        `json:"state_dir" mapstructure:"state_dir"`
	RunnerBin      string        `json:"runner_bin" mapstructure:"runner_bin"`
	GracePeriod    time.Duration `json:"grace_period" mapstructure:"grace_period"`
	HeartbeatEvery time.Duration `json:"heartbeat_every" mapstructure:"heartbeat_every"`
	HeartbeatStale time.Duration `json:"heartbeat_stale" mapstructure:"heartbeat_stale"`
	CPULimit       float64       `json:"cpu_limit" mapstructure:"cpu_limit"`
	MemoryLimitMiB int           `json:"memory_limit_mib" mapstructure:"memory_limit_mib"`
	FDLimit        int           `json:"fd_limit" mapstructure:"fd_limit"`
}

type AlertConfig struct {
	NATSURL     string `json:"nats_url" mapstructure:"nats_url"`
	SubjectBase string `json:"subject_base" mapstructure:"subject_base"`
}

type DatabaseConfig struct {
	DSN string `json:"dsn" mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

type TimeoutConfig struct {
	Read    time.Duration `json:"read" mapstructure:"read"`
	Submit  time.Duration `json:"submit" mapstructure:"submit"`
	Confirm time.Duration `json:"confirm" mapstructure:"confirm"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// e.g. HEDGECORE_SIGNER_PRIVATE_KEY
	viper.SetEnvPrefix("hedgecore")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	applyPolicyDefaults(&cfg)
	return &cfg, nil
}

// LoadFile reads an explicit config path. The enginerunner uses this: the
// orchestrator hands each instance its own materialized config file so
// instances never read process-wide environment after startup.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	applyPolicyDefaults(&cfg)
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.addr", "127.0.0.1:8787")
	viper.SetDefault("server.metrics_path", "/metrics")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("orchestrator.state_dir", "state")
	viper.SetDefault("orchestrator.grace_period", "10s")
	viper.SetDefault("orchestrator.heartbeat_every", "10s")
	viper.SetDefault("orchestrator.heartbeat_stale", "30s")
	viper.SetDefault("orchestrator.cpu_limit", 1.0)
	viper.SetDefault("orchestrator.memory_limit_mib", 512)
	viper.SetDefault("orchestrator.fd_limit", 1024)

	viper.SetDefault("timeouts.read", "15s")
	viper.SetDefault("timeouts.submit", "60s")
	viper.SetDefault("timeouts.confirm", "120s")

	viper.SetDefault("policy_defaults.max_leverage", 3.0)
	viper.SetDefault("policy_defaults.target_cr", 2.0)
	viper.SetDefault("policy_defaults.warn_cr", 1.5)
	viper.SetDefault("policy_defaults.critical_cr", 1.3)
	viper.SetDefault("policy_defaults.deadband", 0.05)
	viper.SetDefault("policy_defaults.min_liq_distance", 0.15)
	viper.SetDefault("policy_defaults.max_drawdown", 0.25)
	viper.SetDefault("policy_defaults.warn_funding_rate", 0.0001)
	viper.SetDefault("policy_defaults.funding_window", 3)
	viper.SetDefault("policy_defaults.deleverage_frac", 0.20)
	viper.SetDefault("policy_defaults.insurance_cooldown", "1h")

	viper.SetDefault("alerts.subject_base", "hedge.alerts")
}

// applyPolicyDefaults fills zero-valued policy fields from the global
// defaults block, per-vault overrides win.
func applyPolicyDefaults(cfg *Config) {
	d := cfg.Defaults
	for i := range cfg.Vaults {
		p := &cfg.Vaults[i].Policy
		if p.MaxLeverage == 0 {
			p.MaxLeverage = d.MaxLeverage
		}
		if p.TargetCR == 0 {
			p.TargetCR = d.TargetCR
		}
		if p.WarnCR == 0 {
			p.WarnCR = d.WarnCR
		}
		if p.CriticalCR == 0 {
			p.CriticalCR = d.CriticalCR
		}
		if p.Deadband == 0 {
			p.Deadband = d.Deadband
		}
		if p.MinLiqDistance == 0 {
			p.MinLiqDistance = d.MinLiqDistance
		}
		if p.DailyHardLossUSD == 0 {
			p.DailyHardLossUSD = d.DailyHardLossUSD
		}
		if p.MaxDrawdown == 0 {
			p.MaxDrawdown = d.MaxDrawdown
		}
		if p.WarnFundingRate == 0 {
			p.WarnFundingRate = d.WarnFundingRate
		}
		if p.FundingWindow == 0 {
			p.FundingWindow = d.FundingWindow
		}
		if p.DeleverageFrac == 0 {
			p.DeleverageFrac = d.DeleverageFrac
		}
		if p.InsuranceDrawCap == 0 {
			p.InsuranceDrawCap = d.InsuranceDrawCap
		}
		if p.InsuranceCooldown == 0 {
			p.InsuranceCooldown = d.InsuranceCooldown
		}
		if p.BasisToleranceBps == 0 {
			p.BasisToleranceBps = d.BasisToleranceBps
		}
	}
}

// Validate checks the startup-fatal conditions: missing credentials and
// unmapped hedge symbols refuse deployment (config errors, not runtime ones).
func (c *Config) Validate() error {
	if c.Signer.PrivateKey == "" {
		return apperrors.Newf(apperrors.ErrMissingCredentials, "signer private key is required")
	}
	for _, vault := range c.Vaults {
		if vault.Address == "" {
			return apperrors.Newf(apperrors.ErrConfig, "vault %s has no address", vault.ID)
		}
		if vault.HedgeSymbol == "" {
			return apperrors.Newf(apperrors.ErrConfig, "vault %s has no hedge_symbol", vault.ID)
		}
		if _, ok := c.Chains[vault.ChainTag]; !ok {
			return apperrors.Newf(apperrors.ErrConfig, "vault %s references unknown chain %q", vault.ID, vault.ChainTag)
		}
		for _, v := range c.Venues {
			if _, ok := v.SymbolMap[vault.HedgeSymbol]; !ok {
				return apperrors.Newf(apperrors.ErrUnknownSymbol,
					"venue %s has no mapping for %s", v.ID, vault.HedgeSymbol)
			}
		}
	}
	for _, v := range c.Venues {
		if v.APIKey == "" || v.APISecret == "" {
			return apperrors.Newf(apperrors.ErrMissingCredentials, "venue %s credentials missing", v.ID)
		}
	}
	return nil
}

// VaultFingerprint is the config fingerprint the orchestrator hashes to
// detect changes and force a rolling restart.
func (c *Config) VaultFingerprint(vaultID string) string {
	for _, v := range c.Vaults {
		if v.ID == vaultID {
			return fmt.Sprintf("%s|%s|%s|%s|%+v|%+v", v.ID, v.ChainTag, v.Address, v.HedgeSymbol, v.Policy, v.Resources)
		}
	}
	return ""
}
