// Package config loads relayd's configuration from a YAML file with RELAY_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/ThorbenD/htlc-relay/domain"
)

var ErrInvalid = errors.New("invalid configuration")

const (
	KindEVM       = "evm"
	KindLightning = "lightning"
)

type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	StorePath   string            `mapstructure:"store_path"`
	MetricsAddr string            `mapstructure:"metrics_addr"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Watcher     WatcherConfig     `mapstructure:"watcher"`
	Ledgers     []LedgerConfig    `mapstructure:"ledgers"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

type CoordinatorConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	ClaimTimeout  time.Duration `mapstructure:"claim_timeout"`
	MissRetention time.Duration `mapstructure:"miss_retention"`
	MissCapacity  int           `mapstructure:"miss_capacity"`
}

type WatcherConfig struct {
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// LedgerConfig describes one ledger. Only the section matching Kind is read.
type LedgerConfig struct {
	ID        string          `mapstructure:"id"`
	Kind      string          `mapstructure:"kind"`
	Role      string          `mapstructure:"role"`
	EVM       EVMConfig       `mapstructure:"evm"`
	Lightning LightningConfig `mapstructure:"lightning"`
}

type EVMConfig struct {
	RPCURL  string `mapstructure:"rpc_url"`
	ChainID int64  `mapstructure:"chain_id"`

	// PrivateKey is hex; PrivateKeyEnv names an environment variable holding
	// it instead, so keys stay out of config files.
	PrivateKey    string        `mapstructure:"private_key"`
	PrivateKeyEnv string        `mapstructure:"private_key_env"`
	Escrow        string        `mapstructure:"escrow"`
	Confirmations int           `mapstructure:"confirmations"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`

	// StartBlock is where log replay begins on the very first run, before
	// any cursor is saved. LogRange caps the blocks per eth_getLogs call.
	StartBlock uint64 `mapstructure:"start_block"`
	LogRange   uint64 `mapstructure:"log_range"`
}

type LightningConfig struct {
	Host         string `mapstructure:"host"`
	TLSCertPath  string `mapstructure:"tls_cert_path"`
	MacaroonPath string `mapstructure:"macaroon_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store_path", "./data/correlation")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("coordinator.workers", 4)
	v.SetDefault("coordinator.queue_size", 1024)
	v.SetDefault("coordinator.retry_interval", 15*time.Second)
	v.SetDefault("coordinator.claim_timeout", 2*time.Minute)
	v.SetDefault("coordinator.miss_retention", time.Hour)
	v.SetDefault("coordinator.miss_capacity", 4096)
	v.SetDefault("watcher.backoff_initial", 500*time.Millisecond)
	v.SetDefault("watcher.backoff_max", 30*time.Second)
}

// Load reads path (optional) and applies RELAY_* overrides, e.g.
// RELAY_COORDINATOR_WORKERS=8. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for i := range cfg.Ledgers {
		e := &cfg.Ledgers[i].EVM
		if e.PrivateKey == "" && e.PrivateKeyEnv != "" {
			e.PrivateKey = os.Getenv(e.PrivateKeyEnv)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		bad("log.level %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		bad("log.format %q must be text or json", c.Log.Format)
	}
	if c.StorePath == "" {
		bad("store_path is required")
	}
	if c.Watcher.BackoffMax < c.Watcher.BackoffInitial {
		bad("watcher.backoff_max is below watcher.backoff_initial")
	}

	if len(c.Ledgers) < 2 {
		bad("at least two ledgers are required, got %d", len(c.Ledgers))
	}
	seen := make(map[string]bool)
	roles := make(map[domain.Role]int)
	for i, l := range c.Ledgers {
		name := l.ID
		if name == "" {
			name = fmt.Sprintf("ledgers[%d]", i)
			bad("%s: id is required", name)
		} else if seen[l.ID] {
			bad("duplicate ledger id %q", l.ID)
		}
		seen[l.ID] = true

		role := l.DomainRole()
		if role == "" {
			bad("%s: role %q must be source or destination", name, l.Role)
		}
		roles[role]++

		switch l.Kind {
		case KindEVM:
			if l.EVM.RPCURL == "" {
				bad("%s: evm.rpc_url is required", name)
			}
			if l.EVM.ChainID <= 0 {
				bad("%s: evm.chain_id is required", name)
			}
			if l.EVM.PrivateKey == "" {
				bad("%s: evm.private_key or evm.private_key_env is required", name)
			}
			if !common.IsHexAddress(l.EVM.Escrow) {
				bad("%s: evm.escrow %q is not an address", name, l.EVM.Escrow)
			}
		case KindLightning:
			if l.Lightning.Host == "" {
				bad("%s: lightning.host is required", name)
			}
			if l.Lightning.TLSCertPath == "" || l.Lightning.MacaroonPath == "" {
				bad("%s: lightning.tls_cert_path and lightning.macaroon_path are required", name)
			}
		default:
			bad("%s: kind %q must be evm or lightning", name, l.Kind)
		}
	}
	if len(c.Ledgers) >= 2 && (roles[domain.RoleSource] == 0 || roles[domain.RoleDestination] == 0) {
		bad("need at least one source and one destination ledger")
	}
	return errors.Join(errs...)
}

// DomainRole maps the configured role onto domain.Role, or "" if unknown.
func (l LedgerConfig) DomainRole() domain.Role {
	switch strings.ToLower(l.Role) {
	case "source":
		return domain.RoleSource
	case "destination":
		return domain.RoleDestination
	}
	return ""
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(l.Level))
	return lvl, err
}
