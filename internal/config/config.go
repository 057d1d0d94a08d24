// Package config provides configuration management for the trade executor.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/joho/godotenv"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/types"
)

// Config holds all application configuration
type Config struct {
	Executor  ExecutorConfig
	Chain     ChainConfig
	Server    ServerConfig
	Database  DatabaseConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ExecutorConfig holds the trading loop configuration
type ExecutorConfig struct {
	ID                     string
	Name                   string
	StateFile              string
	StrategyFile           string
	CycleDuration          time.Duration
	CycleSchedule          string // optional cron expression, overrides CycleDuration
	MaxCycles              int    // 0 runs forever
	AssetManagementMode    types.AssetManagementMode
	StopOnExecutionFailure bool
	ConfirmationTimeout    time.Duration
	ConfirmationBlockCount int
	PollDelay              time.Duration
	MaxSlippage            float64
	MaxInterestGain        float64
	MinGasBalance          float64
	BacktestInitialDeposit float64
}

// ChainConfig holds configuration for the chain the executor trades on
type ChainConfig struct {
	ChainID             types.ChainID
	RPCPrimary          string
	RPCSecondary        string
	PrivateKey          string
	VaultAddress        string
	ComptrollerAddress  string
	DeploymentScanStart uint64
	ScanChunkSize       uint64
	ReorgCheckDepth     int
	RPCCooldown         time.Duration
}

// ServerConfig holds the operational status server configuration
type ServerConfig struct {
	Port string
	Host string
}

// Enabled reports whether the status server should run
func (s ServerConfig) Enabled() bool {
	return s.Port != ""
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// Enabled reports whether the Postgres mirror is configured
func (c PostgresConfig) Enabled() bool {
	return c.Host != ""
}

// URL returns the connection URL used by migrations
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// Enabled reports whether the ClickHouse archive is configured
func (c ClickHouseConfig) Enabled() bool {
	return c.Host != ""
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	LockTTL        time.Duration
	TokenCacheTTL  time.Duration
}

// Enabled reports whether Redis is configured
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

// RateLimitConfig holds JSON-RPC rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	CUBudgetPerSecond int
	MaxWait           time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Executor: ExecutorConfig{
			ID:                     getEnv("EXECUTOR_ID", ""),
			Name:                   getEnv("EXECUTOR_NAME", ""),
			StateFile:              getEnv("STATE_FILE", ""),
			StrategyFile:           getEnv("STRATEGY_FILE", "strategy.yaml"),
			CycleDuration:          getEnvAsDuration("CYCLE_DURATION", time.Hour),
			CycleSchedule:          getEnv("CYCLE_SCHEDULE", ""),
			MaxCycles:              getEnvAsInt("MAX_CYCLES", 0),
			AssetManagementMode:    types.AssetManagementMode(getEnv("ASSET_MANAGEMENT_MODE", string(types.ModeEnzyme))),
			StopOnExecutionFailure: getEnvAsBool("STOP_ON_EXECUTION_FAILURE", true),
			ConfirmationTimeout:    getEnvAsDuration("CONFIRMATION_TIMEOUT", 5*time.Minute),
			ConfirmationBlockCount: getEnvAsInt("CONFIRMATION_BLOCK_COUNT", 6),
			PollDelay:              getEnvAsDuration("POLL_DELAY", time.Second),
			MaxSlippage:            getEnvAsFloat("MAX_SLIPPAGE", 0.01),
			MaxInterestGain:        getEnvAsFloat("MAX_INTEREST_GAIN", 0.05),
			MinGasBalance:          getEnvAsFloat("MIN_GAS_BALANCE", 0.1),
			BacktestInitialDeposit: getEnvAsFloat("BACKTEST_INITIAL_DEPOSIT", 10000),
		},
		Chain: ChainConfig{
			ChainID:             types.ChainID(getEnvAsInt64("CHAIN_ID", int64(types.ChainPolygon))),
			RPCPrimary:          getEnv("JSON_RPC_PRIMARY", ""),
			RPCSecondary:        getEnv("JSON_RPC_SECONDARY", ""),
			PrivateKey:          getEnv("PRIVATE_KEY", ""),
			VaultAddress:        getEnv("VAULT_ADDRESS", ""),
			ComptrollerAddress:  getEnv("VAULT_COMPTROLLER_ADDRESS", ""),
			DeploymentScanStart: uint64(getEnvAsInt64("VAULT_DEPLOYMENT_BLOCK", 0)),
			ScanChunkSize:       uint64(getEnvAsInt64("SCAN_CHUNK_SIZE", 10_000)),
			ReorgCheckDepth:     getEnvAsInt("REORG_CHECK_DEPTH", 20),
			RPCCooldown:         getEnvAsDuration("RPC_COOLDOWN", 5*time.Minute),
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", ""),
			Host: getEnv("SERVER_HOST", "127.0.0.1"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", ""),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "trade_executor"),
				User:           getEnv("POSTGRES_USER", "executor"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 10),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", ""),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "trade_executor"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", ""),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
				LockTTL:        getEnvAsDuration("CYCLE_LOCK_TTL", 2*time.Hour),
				TokenCacheTTL:  getEnvAsDuration("TOKEN_CACHE_TTL", 24*time.Hour),
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RPC_REQUESTS_PER_SECOND", 10),
			Burst:             getEnvAsInt("RPC_BURST", 20),
			CUBudgetPerSecond: getEnvAsInt("RPC_CU_BUDGET_PER_SECOND", 500),
			MaxWait:           getEnvAsDuration("RPC_MAX_WAIT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	id, err := PrepareExecutorID(config.Executor.ID, config.Executor.StrategyFile)
	if err != nil {
		return nil, err
	}
	config.Executor.ID = id
	if config.Executor.StateFile == "" {
		config.Executor.StateFile = filepath.Join("state", id+".json")
	}
	if config.Executor.Name == "" {
		config.Executor.Name = id
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that would break the executor at runtime
func (c *Config) Validate() error {
	switch c.Executor.AssetManagementMode {
	case types.ModeEnzyme, types.ModeDummy, types.ModeBacktest:
	default:
		return apperrors.NewConfigurationError("ASSET_MANAGEMENT_MODE", fmt.Sprintf("unknown mode %q", c.Executor.AssetManagementMode))
	}
	if c.Executor.MaxInterestGain <= 0 {
		return apperrors.NewConfigurationError("MAX_INTEREST_GAIN", "must be positive")
	}
	if c.Chain.ScanChunkSize == 0 {
		return apperrors.NewConfigurationError("SCAN_CHUNK_SIZE", "must be positive")
	}
	if c.Executor.ConfirmationBlockCount < 0 {
		return apperrors.NewConfigurationError("CONFIRMATION_BLOCK_COUNT", "must not be negative")
	}
	return nil
}

// ValidateExecutorID checks the id is usable in file names and log fields
func ValidateExecutorID(id string) error {
	if id == "" {
		return apperrors.NewConfigurationError("EXECUTOR_ID", "empty")
	}
	for _, r := range id {
		if unicode.IsSpace(r) {
			return apperrors.NewConfigurationError("EXECUTOR_ID", fmt.Sprintf("%q contains whitespace", id))
		}
	}
	return nil
}

// PrepareExecutorID falls back to the strategy file base name when no id is given
func PrepareExecutorID(id string, strategyFile string) (string, error) {
	if id == "" && strategyFile != "" {
		base := filepath.Base(strategyFile)
		id = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if err := ValidateExecutorID(id); err != nil {
		return "", err
	}
	return id, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
