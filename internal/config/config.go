package config

import (
	"fmt"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/marketmirror/dexindexer/internal/common"
	"github.com/marketmirror/dexindexer/internal/logger"
)

// Config represents the complete configuration for the indexer.
type Config struct {
	// RPC contains the Ethereum JSON-RPC client configuration
	RPC RPCConfig `yaml:"rpc" json:"rpc" toml:"rpc"`

	// Contract is the exchange contract address to index
	Contract string `yaml:"contract" json:"contract" toml:"contract"`

	// Pair is the tracked trading pair
	Pair PairConfig `yaml:"pair" json:"pair" toml:"pair"`

	// Sync contains the batch scheduling configuration
	Sync SyncConfig `yaml:"sync" json:"sync" toml:"sync"`

	// DB contains database configuration
	DB DatabaseConfig `yaml:"db" json:"db" toml:"db"`

	// Logging contains logging configuration
	Logging *LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty" toml:"logging,omitempty"`

	// Metrics contains Prometheus metrics configuration
	Metrics *MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty" toml:"metrics,omitempty"`
}

// RPCConfig represents the Ethereum JSON-RPC client configuration.
type RPCConfig struct {
	// URL is the Ethereum RPC endpoint URL
	URL string `yaml:"url" json:"url" toml:"url"`

	// RequestTimeout bounds each individual RPC call
	RequestTimeout common.Duration `yaml:"request_timeout" json:"request_timeout" toml:"request_timeout"`

	// Retry contains RPC retry configuration with exponential backoff
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty" toml:"retry,omitempty"`
}

// ApplyDefaults sets default values for optional RPC configuration fields.
func (r *RPCConfig) ApplyDefaults() {
	if r.RequestTimeout.Duration == 0 {
		r.RequestTimeout = common.NewDuration(30 * time.Second)
	}
	if r.Retry != nil {
		r.Retry.ApplyDefaults()
	}
}

// RetryConfig represents RPC retry configuration with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial request)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`

	// InitialBackoff is the initial backoff duration before first retry
	InitialBackoff common.Duration `yaml:"initial_backoff" json:"initial_backoff" toml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration
	MaxBackoff common.Duration `yaml:"max_backoff" json:"max_backoff" toml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier" toml:"backoff_multiplier"`
}

// ApplyDefaults sets default values for retry configuration.
func (r *RetryConfig) ApplyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.InitialBackoff.Duration == 0 {
		r.InitialBackoff = common.NewDuration(1 * time.Second)
	}
	if r.MaxBackoff.Duration == 0 {
		r.MaxBackoff = common.NewDuration(30 * time.Second) //nolint:mnd
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2.0
	}
}

// TokenConfig describes one token of the tracked pair.
type TokenConfig struct {
	// Address is the token contract address (zero address for ETH)
	Address string `yaml:"address" json:"address" toml:"address"`

	// Symbol is a display name used in logs and summaries
	Symbol string `yaml:"symbol" json:"symbol" toml:"symbol"`

	// Decimals is the token's decimal precision
	Decimals uint8 `yaml:"decimals" json:"decimals" toml:"decimals"`
}

// PairConfig represents the tracked trading pair. Logs whose tokens do
// not match {base, quote} are counted but not persisted.
type PairConfig struct {
	// Base is the tracked token; side is classified relative to it
	Base TokenConfig `yaml:"base" json:"base" toml:"base"`

	// Quote is the pricing token
	Quote TokenConfig `yaml:"quote" json:"quote" toml:"quote"`
}

// SyncConfig represents the batch scheduling configuration.
type SyncConfig struct {
	// StartBlock is the first block of the historical range
	StartBlock uint64 `yaml:"start_block" json:"start_block" toml:"start_block"`

	// EndBlock is the last block of the historical range.
	// Zero means follow the chain head after backfill (tail mode).
	EndBlock uint64 `yaml:"end_block" json:"end_block" toml:"end_block"`

	// BatchSize is the block range per eth_getLogs call
	BatchSize uint64 `yaml:"batch_size" json:"batch_size" toml:"batch_size"`

	// BatchDelay is the pause between successful batches, a rate-limit
	// courtesy to the RPC provider
	BatchDelay common.Duration `yaml:"batch_delay" json:"batch_delay" toml:"batch_delay"`

	// RetryDelay is the pause before retrying a failed batch
	RetryDelay common.Duration `yaml:"retry_delay" json:"retry_delay" toml:"retry_delay"`

	// MaxBatchRetries caps retries of a failing batch before the driver
	// halts. Zero retries the same range forever, leaving operator
	// intervention as the circuit breaker.
	MaxBatchRetries int `yaml:"max_batch_retries" json:"max_batch_retries" toml:"max_batch_retries"`

	// PollInterval is how often tail mode checks for new blocks
	PollInterval common.Duration `yaml:"poll_interval" json:"poll_interval" toml:"poll_interval"`
}

// ApplyDefaults sets default values for optional sync configuration fields.
func (s *SyncConfig) ApplyDefaults() {
	if s.BatchSize == 0 {
		s.BatchSize = 10000
	}
	if s.BatchDelay.Duration == 0 {
		s.BatchDelay = common.NewDuration(1 * time.Second)
	}
	if s.RetryDelay.Duration == 0 {
		s.RetryDelay = common.NewDuration(5 * time.Second) //nolint:mnd
	}
	if s.PollInterval.Duration == 0 {
		s.PollInterval = common.NewDuration(12 * time.Second) //nolint:mnd
	}
}

// DatabaseConfig represents database configuration.
type DatabaseConfig struct {
	// Path is the file path to the SQLite database
	Path string `yaml:"path" json:"path" toml:"path"`

	// JournalMode sets the SQLite journal mode (e.g., "WAL", "DELETE")
	// WAL mode is recommended for better concurrency
	JournalMode string `yaml:"journal_mode" json:"journal_mode" toml:"journal_mode"`

	// Synchronous sets the synchronization level ("FULL", "NORMAL", "OFF")
	Synchronous string `yaml:"synchronous" json:"synchronous" toml:"synchronous"`

	// BusyTimeout is the time in milliseconds to wait when the database is locked
	BusyTimeout int `yaml:"busy_timeout" json:"busy_timeout" toml:"busy_timeout"`

	// CacheSize is the size of the page cache (negative = KB, positive = pages)
	CacheSize int `yaml:"cache_size" json:"cache_size" toml:"cache_size"`

	// MaxOpenConnections is the maximum number of open database connections
	MaxOpenConnections int `yaml:"max_open_connections" json:"max_open_connections" toml:"max_open_connections"`

	// MaxIdleConnections is the maximum number of idle connections in the pool
	MaxIdleConnections int `yaml:"max_idle_connections" json:"max_idle_connections" toml:"max_idle_connections"`
}

// ApplyDefaults sets default values for optional database configuration fields.
func (d *DatabaseConfig) ApplyDefaults() {
	if d.JournalMode == "" {
		d.JournalMode = "WAL"
	}
	if d.Synchronous == "" {
		d.Synchronous = "NORMAL"
	}
	if d.BusyTimeout == 0 {
		d.BusyTimeout = 5000
	}
	if d.CacheSize == 0 {
		d.CacheSize = 10000
	}
	if d.MaxOpenConnections == 0 {
		d.MaxOpenConnections = 25
	}
	if d.MaxIdleConnections == 0 {
		d.MaxIdleConnections = 5
	}
}

// LoggingConfig configures logging behavior with per-component log levels.
type LoggingConfig struct {
	// DefaultLevel is the default log level for all components
	// Options: "debug", "info", "warn", "error"
	DefaultLevel string `yaml:"default_level" json:"default_level" toml:"default_level"`

	// Development enables development mode (stack traces, console encoder)
	Development bool `yaml:"development" json:"development" toml:"development"`

	// ComponentLevels sets log levels for specific components
	// Available components: driver, log-fetcher, normalizer, store, checkpoint, rpc
	ComponentLevels map[string]string `yaml:"component_levels,omitempty" json:"component_levels,omitempty" toml:"component_levels,omitempty"` //nolint:lll
}

// ApplyDefaults sets default values for optional logging configuration fields.
func (l *LoggingConfig) ApplyDefaults() {
	if l.DefaultLevel == "" {
		l.DefaultLevel = "info"
	}
	if l.ComponentLevels == nil {
		l.ComponentLevels = make(map[string]string)
	}
}

// Validate checks if the logging configuration is valid.
func (l *LoggingConfig) Validate() error {
	if l.DefaultLevel != "" {
		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(l.DefaultLevel)]; !valid {
			return fmt.Errorf("logging.default_level: must be one of: debug, info, warn, error")
		}
	}

	for component, level := range l.ComponentLevels {
		if _, validComponent := common.AllComponents[common.ToLowerWithTrim(component)]; !validComponent {
			return fmt.Errorf("logging.component_levels: unknown component '%s'", component)
		}

		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(level)]; !valid {
			return fmt.Errorf("logging.component_levels[%s]: must be one of: debug, info, warn, error", component)
		}
	}

	return nil
}

// GetComponentLevel returns the log level for a specific component.
// Falls back to DefaultLevel if no component-specific level is set.
// The logging section is optional, and a typed-nil *LoggingConfig
// slips past interface nil checks, so a nil receiver behaves like an
// empty section.
func (l *LoggingConfig) GetComponentLevel(component string) string {
	if l == nil {
		return "info"
	}
	if level, ok := l.ComponentLevels[component]; ok {
		return level
	}
	return common.ToLowerWithTrim(l.DefaultLevel)
}

// IsDevelopment returns whether development mode is enabled.
func (l *LoggingConfig) IsDevelopment() bool {
	return l != nil && l.Development
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP endpoint are active
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// ListenAddress is the address to bind the metrics HTTP server to
	// Format: "host:port" or ":port"
	ListenAddress string `yaml:"listen_address" json:"listen_address" toml:"listen_address"`

	// Path is the HTTP path where metrics are exposed
	Path string `yaml:"path" json:"path" toml:"path"`
}

// ApplyDefaults sets default values for optional metrics configuration fields.
func (m *MetricsConfig) ApplyDefaults() {
	if m.ListenAddress == "" {
		m.ListenAddress = ":9090"
	}
	if m.Path == "" {
		m.Path = "/metrics"
	}
}

// Validate checks if the metrics configuration is valid.
func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.ListenAddress == "" {
			return fmt.Errorf("listen_address is required when metrics are enabled")
		}
		if m.Path == "" {
			return fmt.Errorf("path is required when metrics are enabled")
		}
		if m.Path[0] != '/' {
			return fmt.Errorf("path must start with '/'")
		}
	}
	return nil
}

// ApplyDefaults sets default values for optional configuration fields.
func (c *Config) ApplyDefaults() {
	c.RPC.ApplyDefaults()
	c.Sync.ApplyDefaults()
	c.DB.ApplyDefaults()

	if c.Logging != nil {
		c.Logging.ApplyDefaults()
	}

	if c.Metrics != nil {
		c.Metrics.ApplyDefaults()
	}
}

// Validate checks if the configuration is valid. Missing credentials are
// reported here so the process can exit before any network call.
func (c *Config) Validate() error {
	if c.RPC.URL == "" {
		return fmt.Errorf("rpc.url is required")
	}

	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}

	if c.Contract == "" {
		return fmt.Errorf("contract is required")
	}
	if !ethcommon.IsHexAddress(c.Contract) {
		return fmt.Errorf("contract: '%s' is not a valid address", c.Contract)
	}

	if err := validateToken("pair.base", c.Pair.Base); err != nil {
		return err
	}
	if err := validateToken("pair.quote", c.Pair.Quote); err != nil {
		return err
	}
	if common.ToLowerWithTrim(c.Pair.Base.Address) == common.ToLowerWithTrim(c.Pair.Quote.Address) {
		return fmt.Errorf("pair: base and quote must be different tokens")
	}

	if c.Sync.EndBlock != 0 && c.Sync.EndBlock < c.Sync.StartBlock {
		return fmt.Errorf("sync.end_block must be >= sync.start_block")
	}

	if c.DB.JournalMode != "" && c.DB.JournalMode != "WAL" &&
		c.DB.JournalMode != "DELETE" && c.DB.JournalMode != "TRUNCATE" &&
		c.DB.JournalMode != "PERSIST" && c.DB.JournalMode != "MEMORY" {
		return fmt.Errorf("db.journal_mode must be one of: WAL, DELETE, TRUNCATE, PERSIST, MEMORY")
	}

	if c.DB.Synchronous != "" && c.DB.Synchronous != "FULL" &&
		c.DB.Synchronous != "NORMAL" && c.DB.Synchronous != "OFF" {
		return fmt.Errorf("db.synchronous must be one of: FULL, NORMAL, OFF")
	}

	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return err
		}
	}

	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	return nil
}

func validateToken(field string, t TokenConfig) error {
	// The zero address is valid: EtherDelta-style contracts use it for ETH.
	if t.Address == "" {
		return fmt.Errorf("%s.address is required", field)
	}
	if !ethcommon.IsHexAddress(t.Address) {
		return fmt.Errorf("%s.address: '%s' is not a valid address", field, t.Address)
	}
	return nil
}
