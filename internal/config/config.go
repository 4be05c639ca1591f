// Package config loads the service configuration from YAML, an optional .env
// file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/vrf_direct_funding/internal/fee"
	"github.com/R3E-Network/vrf_direct_funding/internal/wrapper"
)

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Wrapper     WrapperConfig     `yaml:"wrapper"`
	Oracle      OracleConfig      `yaml:"oracle"`
	Storage     StorageConfig     `yaml:"storage"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Events      EventsConfig      `yaml:"events"`
}

// ServerConfig configures the HTTP API. Without AuthSecret any caller can
// spend any funded account, so it is required unless AllowAnonymous is set.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr" env:"VRF_LISTEN_ADDR"`
	AuthSecret     string        `yaml:"auth_secret" env:"VRF_AUTH_SECRET"`
	AllowAnonymous bool          `yaml:"allow_anonymous" env:"VRF_ALLOW_ANONYMOUS"`
	RateLimit      float64       `yaml:"rate_limit" env:"VRF_RATE_LIMIT"`
	RateBurst      int           `yaml:"rate_burst" env:"VRF_RATE_BURST"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	AuditFile      string        `yaml:"audit_file" env:"VRF_AUDIT_FILE"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" env:"VRF_SHUTDOWN_GRACE"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"VRF_LOG_LEVEL"`
	Format string `yaml:"format" env:"VRF_LOG_FORMAT"`
}

// WrapperConfig holds the fee schedule and request limits. Token amounts are
// decimal strings in the token's smallest unit.
type WrapperConfig struct {
	Address                 string `yaml:"address" env:"VRF_WRAPPER_ADDRESS"`
	WrapperOverheadGas      uint64 `yaml:"wrapper_overhead_gas" env:"VRF_WRAPPER_OVERHEAD_GAS"`
	CoordinatorOverheadGas  uint64 `yaml:"coordinator_overhead_gas" env:"VRF_COORDINATOR_OVERHEAD_GAS"`
	PremiumPercent          uint64 `yaml:"premium_percent" env:"VRF_PREMIUM_PERCENT"`
	FlatFee                 string `yaml:"flat_fee" env:"VRF_FLAT_FEE"`
	MaxNumWords             uint32 `yaml:"max_num_words" env:"VRF_MAX_NUM_WORDS"`
	MaxGasLimit             uint32 `yaml:"max_gas_limit" env:"VRF_MAX_GAS_LIMIT"`
	MaxRequestConfirmations uint16 `yaml:"max_request_confirmations" env:"VRF_MAX_REQUEST_CONFIRMATIONS"`
}

// OracleConfig seeds the price feed and optionally refreshes it from a URL.
type OracleConfig struct {
	GasPriceWei    string `yaml:"gas_price_wei" env:"VRF_GAS_PRICE_WEI"`
	WeiPerUnitLink string `yaml:"wei_per_unit_link" env:"VRF_WEI_PER_UNIT_LINK"`
	SourceURL      string `yaml:"source_url" env:"VRF_ORACLE_URL"`
	GasPricePath   string `yaml:"gas_price_path" env:"VRF_ORACLE_GAS_PRICE_PATH"`
	RatePath       string `yaml:"rate_path" env:"VRF_ORACLE_RATE_PATH"`
	Schedule       string `yaml:"schedule" env:"VRF_ORACLE_SCHEDULE"`
}

// StorageConfig selects the request store. MigrateMode "versioned" runs the
// golang-migrate history; "simple" replays the idempotent schema statements
// for databases where the migrate lock table is unwanted.
type StorageConfig struct {
	Driver      string `yaml:"driver" env:"VRF_STORAGE_DRIVER"`
	DSN         string `yaml:"dsn" env:"DATABASE_URL"`
	Migrate     bool   `yaml:"migrate" env:"VRF_STORAGE_MIGRATE"`
	MigrateMode string `yaml:"migrate_mode" env:"VRF_STORAGE_MIGRATE_MODE"`
}

type LedgerConfig struct {
	Driver        string `yaml:"driver" env:"VRF_LEDGER_DRIVER"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	Prefix        string `yaml:"prefix" env:"VRF_LEDGER_PREFIX"`
}

type CoordinatorConfig struct {
	Enabled      bool          `yaml:"enabled" env:"VRF_COORDINATOR_ENABLED"`
	Manual       bool          `yaml:"manual" env:"VRF_COORDINATOR_MANUAL"`
	FulfillDelay time.Duration `yaml:"fulfill_delay" env:"VRF_COORDINATOR_DELAY"`
	RetryDelay   time.Duration `yaml:"retry_delay" env:"VRF_COORDINATOR_RETRY_DELAY"`
}

type EventsConfig struct {
	Capacity int `yaml:"capacity" env:"VRF_EVENTS_CAPACITY"`
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"

	MigrateVersioned = "versioned"
	MigrateSimple    = "simple"
)

// Default returns a configuration that runs fully in memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:    ":8080",
			RateLimit:     20,
			RateBurst:     40,
			ShutdownGrace: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Wrapper: WrapperConfig{
			Address:                 "0x0000000000000000000000000000000000000a11",
			WrapperOverheadGas:      60_000,
			CoordinatorOverheadGas:  52_000,
			PremiumPercent:          10,
			FlatFee:                 "100000000000000000",
			MaxNumWords:             wrapper.DefaultMaxNumWords,
			MaxRequestConfirmations: wrapper.DefaultMaxRequestConfirmations,
		},
		Oracle: OracleConfig{
			GasPriceWei:    "100000000000",
			WeiPerUnitLink: "3000000000000000",
			Schedule:       "@every 30s",
		},
		Storage:     StorageConfig{Driver: DriverMemory, Migrate: true, MigrateMode: MigrateVersioned},
		Ledger:      LedgerConfig{Driver: DriverMemory, Prefix: "gasbank"},
		Coordinator: CoordinatorConfig{Enabled: true, FulfillDelay: 2 * time.Second, RetryDelay: 5 * time.Second},
		Events:      EventsConfig{Capacity: 1000},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then variables from envFile (if it exists), then the environment.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.AuthSecret == "" && !c.Server.AllowAnonymous {
		return fmt.Errorf("server: auth_secret required unless allow_anonymous is set")
	}
	if _, err := c.WrapperSettings(); err != nil {
		return err
	}
	if _, _, err := c.OracleSeed(); err != nil {
		return err
	}
	switch strings.ToLower(c.Storage.Driver) {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage: dsn required for postgres")
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}
	switch strings.ToLower(c.Storage.MigrateMode) {
	case MigrateVersioned, MigrateSimple:
	default:
		return fmt.Errorf("storage: unknown migrate_mode %q", c.Storage.MigrateMode)
	}
	switch strings.ToLower(c.Ledger.Driver) {
	case DriverMemory:
	case DriverRedis:
		if c.Ledger.RedisAddr == "" {
			return fmt.Errorf("ledger: redis_addr required for redis")
		}
	default:
		return fmt.Errorf("ledger: unknown driver %q", c.Ledger.Driver)
	}
	if c.Oracle.SourceURL != "" && c.Oracle.GasPricePath == "" && c.Oracle.RatePath == "" {
		return fmt.Errorf("oracle: source_url set without gas_price_path or rate_path")
	}
	if c.Events.Capacity <= 0 {
		return fmt.Errorf("events: capacity must be positive")
	}
	return nil
}

// WrapperSettings converts the wrapper section into a tracker configuration.
func (c *Config) WrapperSettings() (wrapper.Config, error) {
	w := c.Wrapper
	if !common.IsHexAddress(w.Address) {
		return wrapper.Config{}, fmt.Errorf("wrapper: invalid address %q", w.Address)
	}
	flatFee, err := parseAmount("wrapper.flat_fee", w.FlatFee)
	if err != nil {
		return wrapper.Config{}, err
	}
	schedule := fee.Schedule{
		WrapperOverheadGas:     w.WrapperOverheadGas,
		CoordinatorOverheadGas: w.CoordinatorOverheadGas,
		PremiumPercent:         w.PremiumPercent,
		FlatFee:                flatFee,
	}
	if err := schedule.Validate(); err != nil {
		return wrapper.Config{}, fmt.Errorf("wrapper: %w", err)
	}
	return wrapper.Config{
		WrapperAddress:          common.HexToAddress(w.Address),
		Schedule:                schedule,
		MaxNumWords:             w.MaxNumWords,
		MaxGasLimit:             w.MaxGasLimit,
		MaxRequestConfirmations: w.MaxRequestConfirmations,
	}, nil
}

// OracleSeed returns the initial gas price and rate.
func (c *Config) OracleSeed() (gasPrice, weiPerUnitLink *uint256.Int, err error) {
	if gasPrice, err = parseAmount("oracle.gas_price_wei", c.Oracle.GasPriceWei); err != nil {
		return nil, nil, err
	}
	if weiPerUnitLink, err = parseAmount("oracle.wei_per_unit_link", c.Oracle.WeiPerUnitLink); err != nil {
		return nil, nil, err
	}
	if weiPerUnitLink.IsZero() {
		return nil, nil, fmt.Errorf("oracle.wei_per_unit_link must be positive")
	}
	return gasPrice, weiPerUnitLink, nil
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %q is not a decimal amount: %w", field, raw, err)
	}
	return v, nil
}
