package config

import (
	"fmt"
	"os"
	"time"

	"github.com/redbco/redb-cdc/pkg/cdc"
	"gopkg.in/yaml.v3"
)

// Config is the full platform configuration loaded from YAML.
type Config struct {
	Service       ServiceConfig        `yaml:"service"`
	Global        GlobalConfig         `yaml:"global"`
	Stores        StoresConfig         `yaml:"stores"`
	ExactlyOnce   ExactlyOnceConfig    `yaml:"exactly_once"`
	Transactional TransactionalConfig  `yaml:"transactional"`
	Throttling    ThrottlingConfig     `yaml:"throttling"`
	DeadLetter    DeadLetterConfig     `yaml:"dead_letter"`
	Adapters      []AdapterConfig      `yaml:"adapters"`
	Publishers    []PublisherConfig    `yaml:"publishers"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Logging       LoggingConfig        `yaml:"logging"`
}

type ServiceConfig struct {
	Name               string `yaml:"name"`
	Version            string `yaml:"version"`
	HTTPPort           int    `yaml:"http_port"`
	GRPCPort           int    `yaml:"grpc_port"`
	StopTimeoutSeconds int    `yaml:"stop_timeout_seconds"`
}

type GlobalConfig struct {
	DefaultBatchSize               int    `yaml:"default_batch_size"`
	DefaultFlushIntervalMs         int    `yaml:"default_flush_interval_ms"`
	DefaultMaxDegreeOfParallelism  int    `yaml:"default_max_degree_of_parallelism"`
	EnableMetrics                  bool   `yaml:"enable_metrics"`
	EnableHealthChecks             bool   `yaml:"enable_health_checks"`
	DefaultSerializer              string `yaml:"default_serializer"`
	QueueSize                      int    `yaml:"queue_size"`
	HealthCheckIntervalSeconds     int    `yaml:"health_check_interval_seconds"`
}

type StoresConfig struct {
	Backend       string         `yaml:"backend"`        // memory | redis
	OffsetBackend string         `yaml:"offset_backend"` // memory | postgres
	GroupBackend  string         `yaml:"group_backend"`  // memory | postgres
	Redis         RedisConfig    `yaml:"redis"`
	Postgres      PostgresConfig `yaml:"postgres"`
}

type RedisConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int32  `yaml:"max_conns"`
}

type ExactlyOnceConfig struct {
	Enabled                 bool                 `yaml:"enabled"`
	Guarantee               string               `yaml:"guarantee"` // AtMostOnce | AtLeastOnce | ExactlyOnce
	MaxConcurrentDeliveries int                  `yaml:"max_concurrent_deliveries"`
	Idempotency             IdempotencyConfig    `yaml:"idempotency"`
	Deduplication           DeduplicationConfig  `yaml:"deduplication"`
	Acknowledgment          AcknowledgmentConfig `yaml:"acknowledgment"`
	Retry                   RetryConfig          `yaml:"retry"`
}

type IdempotencyConfig struct {
	KeyStrategy            string `yaml:"key_strategy"` // Offset | ContentHash | Composite
	KeyTTLSeconds          int    `yaml:"key_ttl_seconds"`
	MaxKeys                int    `yaml:"max_keys"`
	CleanupIntervalMinutes int    `yaml:"cleanup_interval_minutes"`
}

type DeduplicationConfig struct {
	Enabled       bool   `yaml:"enabled"`
	WindowSeconds int    `yaml:"window_seconds"`
	Algorithm     string `yaml:"algorithm"`
	MaxEntries    int    `yaml:"max_entries"`
}

type AcknowledgmentConfig struct {
	Required          bool   `yaml:"required"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	MaxRetries        int    `yaml:"max_retries"`
	RetryDelaySeconds int    `yaml:"retry_delay_seconds"`
	Strategy          string `yaml:"strategy"`
}

type RetryConfig struct {
	MaxAttempts         int     `yaml:"max_attempts"`
	InitialDelaySeconds float64 `yaml:"initial_delay_seconds"`
	MaxDelaySeconds     float64 `yaml:"max_delay_seconds"`
	BackoffMultiplier   float64 `yaml:"backoff_multiplier"`
	Strategy            string  `yaml:"strategy"`
}

// ToRetryPolicy converts the config block into the core retry policy.
func (c RetryConfig) ToRetryPolicy() cdc.RetryPolicy {
	return cdc.RetryPolicy{
		MaxAttempts:       c.MaxAttempts,
		InitialDelay:      time.Duration(c.InitialDelaySeconds * float64(time.Second)),
		MaxDelay:          time.Duration(c.MaxDelaySeconds * float64(time.Second)),
		BackoffMultiplier: c.BackoffMultiplier,
	}
}

type TransactionalConfig struct {
	Enabled                          bool   `yaml:"enabled"`
	MaxConcurrentTransactions        int    `yaml:"max_concurrent_transactions"`
	DefaultTimeoutSeconds            int    `yaml:"default_timeout_seconds"`
	MaxEventsPerTransaction          int    `yaml:"max_events_per_transaction"`
	RequireExactlyOnce               bool   `yaml:"require_exactly_once"`
	RetentionDays                    int    `yaml:"retention_days"`
	CleanupIntervalMinutes           int    `yaml:"cleanup_interval_minutes"`
	TimeoutProcessingIntervalMinutes int    `yaml:"timeout_processing_interval_minutes"`
	EnableChecksums                  bool   `yaml:"enable_checksums"`
	ChecksumAlgorithm                string `yaml:"checksum_algorithm"` // MD5 | SHA1 | SHA256 | SHA512
}

type ThrottlingConfig struct {
	Enabled   bool                  `yaml:"enabled"`
	Global    GlobalLimitsConfig    `yaml:"global"`
	PerTenant PerTenantConfig       `yaml:"per_tenant"`
	Algorithm ThrottleAlgorithmSpec `yaml:"algorithm"`
}

type GlobalLimitsConfig struct {
	MaxEventsPerSecond         float64 `yaml:"max_events_per_second"`
	MaxConcurrentConnections   int64   `yaml:"max_concurrent_connections"`
	MaxConcurrentSubscriptions int64   `yaml:"max_concurrent_subscriptions"`
	MaxMemoryMB                int64   `yaml:"max_memory_mb"`
	MaxCPUPercent              float64 `yaml:"max_cpu_percent"`
	BurstMultiplier            float64 `yaml:"burst_multiplier"`
}

type PerTenantConfig struct {
	DefaultMaxEventsPerSecond         float64                       `yaml:"default_max_events_per_second"`
	DefaultMaxConcurrentConnections   int64                         `yaml:"default_max_concurrent_connections"`
	DefaultMaxConcurrentSubscriptions int64                         `yaml:"default_max_concurrent_subscriptions"`
	DefaultMaxMemoryMB                int64                         `yaml:"default_max_memory_mb"`
	DefaultMaxCPUPercent              float64                       `yaml:"default_max_cpu_percent"`
	DefaultBurstMultiplier            float64                       `yaml:"default_burst_multiplier"`
	DefaultPriority                   string                        `yaml:"default_priority"`
	TenantConfigs                     map[string]TenantLimitsConfig `yaml:"tenant_configs"`
}

type TenantLimitsConfig struct {
	MaxEventsPerSecond         float64 `yaml:"max_events_per_second"`
	MaxConcurrentConnections   int64   `yaml:"max_concurrent_connections"`
	MaxConcurrentSubscriptions int64   `yaml:"max_concurrent_subscriptions"`
	MaxMemoryMB                int64   `yaml:"max_memory_mb"`
	MaxCPUPercent              float64 `yaml:"max_cpu_percent"`
	BurstMultiplier            float64 `yaml:"burst_multiplier"`
	Priority                   string  `yaml:"priority"`
}

type ThrottleAlgorithmSpec struct {
	Type              string `yaml:"type"` // token_bucket | sliding_window | fixed_window | leaky_bucket
	WindowSizeSeconds int    `yaml:"window_size_seconds"`
	NumberOfWindows   int    `yaml:"number_of_windows"`
	BucketSize        int64  `yaml:"bucket_size"`
	RefillRate        int64  `yaml:"refill_rate"`
	RefillIntervalMs  int    `yaml:"refill_interval_ms"`
}

type DeadLetterConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Publisher     string `yaml:"publisher"`
	AdvanceOffset bool   `yaml:"advance_offset"`
}

type AdapterConfig struct {
	Name           string            `yaml:"name"`
	Source         string            `yaml:"source"`
	DSN            string            `yaml:"dsn"`
	Tables         []string          `yaml:"tables"`
	Filter         *cdc.EventFilter  `yaml:"filter"`
	PollIntervalMs int               `yaml:"poll_interval_ms"`
	BulkThreshold  int               `yaml:"bulk_threshold"`
	MaxSampleRows  int               `yaml:"max_sample_rows"`
	Retry          RetryConfig       `yaml:"retry"`
	Options        map[string]string `yaml:"options"`
}

// ToAdapterConfig converts the YAML block into the core adapter config.
func (c AdapterConfig) ToAdapterConfig() cdc.AdapterConfig {
	return cdc.AdapterConfig{
		Name:          c.Name,
		Source:        c.Source,
		DSN:           c.DSN,
		Tables:        c.Tables,
		Filter:        c.Filter,
		PollInterval:  time.Duration(c.PollIntervalMs) * time.Millisecond,
		BulkThreshold: c.BulkThreshold,
		MaxSampleRows: c.MaxSampleRows,
		Retry:         c.Retry.ToRetryPolicy(),
		Options:       c.Options,
	}
}

type PublisherConfig struct {
	Name        string            `yaml:"name"`
	Destination string            `yaml:"destination"`
	Serializer  string            `yaml:"serializer"`
	Retry       RetryConfig       `yaml:"retry"`
	Options     map[string]string `yaml:"options"`
}

// ToPublisherConfig converts the YAML block into the core publisher config.
func (c PublisherConfig) ToPublisherConfig() cdc.PublisherConfig {
	return cdc.PublisherConfig{
		Name:        c.Name,
		Destination: c.Destination,
		Serializer:  c.Serializer,
		Retry:       c.Retry.ToRetryPolicy(),
		Options:     c.Options,
	}
}

type SubscriptionConfig struct {
	Source          string   `yaml:"source"`
	Schema          string   `yaml:"schema"`
	Table           string   `yaml:"table"`
	Operations      []string `yaml:"operations"`
	Publisher       string   `yaml:"publisher"`
	Tenant          string   `yaml:"tenant"`
	BatchSize       int      `yaml:"batch_size"`
	FlushIntervalMs int      `yaml:"flush_interval_ms"`
	MaxConcurrency  int      `yaml:"max_concurrency"`
	IncludeBefore   *bool    `yaml:"include_before"`
	IncludeAfter    *bool    `yaml:"include_after"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// Load reads, parses, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "redb-cdc"
	}
	if c.Service.Version == "" {
		c.Service.Version = "1.0.0"
	}
	if c.Service.HTTPPort == 0 {
		c.Service.HTTPPort = 8080
	}
	if c.Service.GRPCPort == 0 {
		c.Service.GRPCPort = 50090
	}
	if c.Service.StopTimeoutSeconds == 0 {
		c.Service.StopTimeoutSeconds = 30
	}

	if c.Global.DefaultBatchSize == 0 {
		c.Global.DefaultBatchSize = 100
	}
	if c.Global.DefaultFlushIntervalMs == 0 {
		c.Global.DefaultFlushIntervalMs = 1000
	}
	if c.Global.DefaultMaxDegreeOfParallelism == 0 {
		c.Global.DefaultMaxDegreeOfParallelism = 4
	}
	if c.Global.DefaultSerializer == "" {
		c.Global.DefaultSerializer = "json"
	}
	if c.Global.QueueSize == 0 {
		c.Global.QueueSize = 1024
	}
	if c.Global.HealthCheckIntervalSeconds == 0 {
		c.Global.HealthCheckIntervalSeconds = 10
	}

	if c.Stores.Backend == "" {
		c.Stores.Backend = "memory"
	}
	if c.Stores.OffsetBackend == "" {
		c.Stores.OffsetBackend = "memory"
	}
	if c.Stores.GroupBackend == "" {
		c.Stores.GroupBackend = "memory"
	}
	if c.Stores.Redis.Host == "" {
		c.Stores.Redis.Host = "localhost"
	}
	if c.Stores.Redis.Port == 0 {
		c.Stores.Redis.Port = 6379
	}
	if c.Stores.Redis.PoolSize == 0 {
		c.Stores.Redis.PoolSize = 10
	}
	if c.Stores.Redis.MinIdleConns == 0 {
		c.Stores.Redis.MinIdleConns = 2
	}
	if c.Stores.Postgres.Host == "" {
		c.Stores.Postgres.Host = "localhost"
	}
	if c.Stores.Postgres.Port == 0 {
		c.Stores.Postgres.Port = 5432
	}
	if c.Stores.Postgres.SSLMode == "" {
		c.Stores.Postgres.SSLMode = "prefer"
	}
	if c.Stores.Postgres.MaxConns == 0 {
		c.Stores.Postgres.MaxConns = 10
	}

	if c.ExactlyOnce.Guarantee == "" {
		c.ExactlyOnce.Guarantee = "ExactlyOnce"
	}
	if c.ExactlyOnce.MaxConcurrentDeliveries == 0 {
		c.ExactlyOnce.MaxConcurrentDeliveries = 64
	}
	if c.ExactlyOnce.Idempotency.KeyStrategy == "" {
		c.ExactlyOnce.Idempotency.KeyStrategy = "Composite"
	}
	if c.ExactlyOnce.Idempotency.KeyTTLSeconds == 0 {
		c.ExactlyOnce.Idempotency.KeyTTLSeconds = 86400
	}
	if c.ExactlyOnce.Idempotency.MaxKeys == 0 {
		c.ExactlyOnce.Idempotency.MaxKeys = 100000
	}
	if c.ExactlyOnce.Idempotency.CleanupIntervalMinutes == 0 {
		c.ExactlyOnce.Idempotency.CleanupIntervalMinutes = 10
	}
	if c.ExactlyOnce.Deduplication.WindowSeconds == 0 {
		c.ExactlyOnce.Deduplication.WindowSeconds = 3600
	}
	if c.ExactlyOnce.Deduplication.Algorithm == "" {
		c.ExactlyOnce.Deduplication.Algorithm = "SHA256"
	}
	if c.ExactlyOnce.Deduplication.MaxEntries == 0 {
		c.ExactlyOnce.Deduplication.MaxEntries = 100000
	}
	if c.ExactlyOnce.Acknowledgment.TimeoutSeconds == 0 {
		c.ExactlyOnce.Acknowledgment.TimeoutSeconds = 30
	}
	if c.ExactlyOnce.Acknowledgment.MaxRetries == 0 {
		c.ExactlyOnce.Acknowledgment.MaxRetries = 3
	}
	if c.ExactlyOnce.Acknowledgment.RetryDelaySeconds == 0 {
		c.ExactlyOnce.Acknowledgment.RetryDelaySeconds = 5
	}
	if c.ExactlyOnce.Acknowledgment.Strategy == "" {
		c.ExactlyOnce.Acknowledgment.Strategy = "store"
	}
	applyRetryDefaults(&c.ExactlyOnce.Retry)

	if c.Transactional.MaxConcurrentTransactions == 0 {
		c.Transactional.MaxConcurrentTransactions = 100
	}
	if c.Transactional.DefaultTimeoutSeconds == 0 {
		c.Transactional.DefaultTimeoutSeconds = 300
	}
	if c.Transactional.MaxEventsPerTransaction == 0 {
		c.Transactional.MaxEventsPerTransaction = 10000
	}
	if c.Transactional.RetentionDays == 0 {
		c.Transactional.RetentionDays = 7
	}
	if c.Transactional.CleanupIntervalMinutes == 0 {
		c.Transactional.CleanupIntervalMinutes = 60
	}
	if c.Transactional.TimeoutProcessingIntervalMinutes == 0 {
		c.Transactional.TimeoutProcessingIntervalMinutes = 1
	}
	if c.Transactional.ChecksumAlgorithm == "" {
		c.Transactional.ChecksumAlgorithm = "SHA256"
	}

	if c.Throttling.Global.MaxEventsPerSecond == 0 {
		c.Throttling.Global.MaxEventsPerSecond = 10000
	}
	if c.Throttling.Global.MaxConcurrentConnections == 0 {
		c.Throttling.Global.MaxConcurrentConnections = 500
	}
	if c.Throttling.Global.MaxConcurrentSubscriptions == 0 {
		c.Throttling.Global.MaxConcurrentSubscriptions = 1000
	}
	if c.Throttling.Global.MaxMemoryMB == 0 {
		c.Throttling.Global.MaxMemoryMB = 4096
	}
	if c.Throttling.Global.MaxCPUPercent == 0 {
		c.Throttling.Global.MaxCPUPercent = 80
	}
	if c.Throttling.Global.BurstMultiplier == 0 {
		c.Throttling.Global.BurstMultiplier = 1.5
	}
	if c.Throttling.PerTenant.DefaultMaxEventsPerSecond == 0 {
		c.Throttling.PerTenant.DefaultMaxEventsPerSecond = 1000
	}
	if c.Throttling.PerTenant.DefaultMaxConcurrentConnections == 0 {
		c.Throttling.PerTenant.DefaultMaxConcurrentConnections = 50
	}
	if c.Throttling.PerTenant.DefaultMaxConcurrentSubscriptions == 0 {
		c.Throttling.PerTenant.DefaultMaxConcurrentSubscriptions = 100
	}
	if c.Throttling.PerTenant.DefaultMaxMemoryMB == 0 {
		c.Throttling.PerTenant.DefaultMaxMemoryMB = 512
	}
	if c.Throttling.PerTenant.DefaultMaxCPUPercent == 0 {
		c.Throttling.PerTenant.DefaultMaxCPUPercent = 25
	}
	if c.Throttling.PerTenant.DefaultBurstMultiplier == 0 {
		c.Throttling.PerTenant.DefaultBurstMultiplier = 1.0
	}
	if c.Throttling.PerTenant.DefaultPriority == "" {
		c.Throttling.PerTenant.DefaultPriority = "Normal"
	}
	if c.Throttling.Algorithm.Type == "" {
		c.Throttling.Algorithm.Type = "token_bucket"
	}
	if c.Throttling.Algorithm.WindowSizeSeconds == 0 {
		c.Throttling.Algorithm.WindowSizeSeconds = 60
	}
	if c.Throttling.Algorithm.NumberOfWindows == 0 {
		c.Throttling.Algorithm.NumberOfWindows = 6
	}
	if c.Throttling.Algorithm.BucketSize == 0 {
		c.Throttling.Algorithm.BucketSize = 1000
	}
	if c.Throttling.Algorithm.RefillRate == 0 {
		c.Throttling.Algorithm.RefillRate = 100
	}
	if c.Throttling.Algorithm.RefillIntervalMs == 0 {
		c.Throttling.Algorithm.RefillIntervalMs = 100
	}

	for i := range c.Adapters {
		if c.Adapters[i].PollIntervalMs == 0 {
			c.Adapters[i].PollIntervalMs = 1000
		}
		if c.Adapters[i].BulkThreshold == 0 {
			c.Adapters[i].BulkThreshold = 1000
		}
		if c.Adapters[i].MaxSampleRows == 0 {
			c.Adapters[i].MaxSampleRows = cdc.DefaultMaxSampleRows
		}
		applyRetryDefaults(&c.Adapters[i].Retry)
	}

	for i := range c.Publishers {
		if c.Publishers[i].Serializer == "" {
			c.Publishers[i].Serializer = c.Global.DefaultSerializer
		}
		applyRetryDefaults(&c.Publishers[i].Retry)
	}

	for i := range c.Subscriptions {
		if c.Subscriptions[i].BatchSize == 0 {
			c.Subscriptions[i].BatchSize = c.Global.DefaultBatchSize
		}
		if c.Subscriptions[i].FlushIntervalMs == 0 {
			c.Subscriptions[i].FlushIntervalMs = c.Global.DefaultFlushIntervalMs
		}
		if c.Subscriptions[i].MaxConcurrency == 0 {
			c.Subscriptions[i].MaxConcurrency = c.Global.DefaultMaxDegreeOfParallelism
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func applyRetryDefaults(r *RetryConfig) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.InitialDelaySeconds == 0 {
		r.InitialDelaySeconds = 1
	}
	if r.MaxDelaySeconds == 0 {
		r.MaxDelaySeconds = 30
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2.0
	}
	if r.Strategy == "" {
		r.Strategy = "exponential"
	}
}

// Validate checks the configuration for errors. Messages name the offending
// field by its YAML path.
func (c *Config) Validate() error {
	if !oneOf(c.Global.DefaultSerializer, "json", "protobuf", "avro") {
		return cdc.NewConfigurationError("service", "global.default_serializer",
			fmt.Sprintf("must be one of json, protobuf, avro; got %q", c.Global.DefaultSerializer))
	}
	if !oneOf(c.Stores.Backend, "memory", "redis") {
		return cdc.NewConfigurationError("service", "stores.backend",
			fmt.Sprintf("must be one of memory, redis; got %q", c.Stores.Backend))
	}
	if !oneOf(c.Stores.OffsetBackend, "memory", "postgres") {
		return cdc.NewConfigurationError("service", "stores.offset_backend",
			fmt.Sprintf("must be one of memory, postgres; got %q", c.Stores.OffsetBackend))
	}
	if !oneOf(c.Stores.GroupBackend, "memory", "postgres") {
		return cdc.NewConfigurationError("service", "stores.group_backend",
			fmt.Sprintf("must be one of memory, postgres; got %q", c.Stores.GroupBackend))
	}
	if !oneOf(c.ExactlyOnce.Guarantee, "AtMostOnce", "AtLeastOnce", "ExactlyOnce") {
		return cdc.NewConfigurationError("service", "exactly_once.guarantee",
			fmt.Sprintf("must be one of AtMostOnce, AtLeastOnce, ExactlyOnce; got %q", c.ExactlyOnce.Guarantee))
	}
	if !oneOf(c.ExactlyOnce.Idempotency.KeyStrategy, "Offset", "ContentHash", "Composite") {
		return cdc.NewConfigurationError("service", "exactly_once.idempotency.key_strategy",
			fmt.Sprintf("must be one of Offset, ContentHash, Composite; got %q", c.ExactlyOnce.Idempotency.KeyStrategy))
	}
	if c.ExactlyOnce.Retry.MaxAttempts < 1 {
		return cdc.NewConfigurationError("service", "exactly_once.retry.max_attempts", "must be at least 1")
	}
	if c.ExactlyOnce.Retry.BackoffMultiplier < 1 {
		return cdc.NewConfigurationError("service", "exactly_once.retry.backoff_multiplier", "must be at least 1")
	}
	if !oneOf(c.Transactional.ChecksumAlgorithm, "MD5", "SHA1", "SHA256", "SHA512") {
		return cdc.NewConfigurationError("service", "transactional.checksum_algorithm",
			fmt.Sprintf("must be one of MD5, SHA1, SHA256, SHA512; got %q", c.Transactional.ChecksumAlgorithm))
	}
	if !oneOf(c.Throttling.Algorithm.Type, "token_bucket", "sliding_window", "fixed_window", "leaky_bucket") {
		return cdc.NewConfigurationError("service", "throttling.algorithm.type",
			fmt.Sprintf("must be one of token_bucket, sliding_window, fixed_window, leaky_bucket; got %q", c.Throttling.Algorithm.Type))
	}
	if !oneOf(c.Throttling.PerTenant.DefaultPriority, "Low", "Normal", "High", "Critical") {
		return cdc.NewConfigurationError("service", "throttling.per_tenant.default_priority",
			fmt.Sprintf("must be one of Low, Normal, High, Critical; got %q", c.Throttling.PerTenant.DefaultPriority))
	}
	for tenant, limits := range c.Throttling.PerTenant.TenantConfigs {
		if limits.Priority != "" && !oneOf(limits.Priority, "Low", "Normal", "High", "Critical") {
			return cdc.NewConfigurationError("service",
				fmt.Sprintf("throttling.per_tenant.tenant_configs.%s.priority", tenant),
				fmt.Sprintf("must be one of Low, Normal, High, Critical; got %q", limits.Priority))
		}
	}

	sources := make(map[string]bool)
	for i, a := range c.Adapters {
		if a.Name == "" {
			return cdc.NewConfigurationError("service", fmt.Sprintf("adapters[%d].name", i), "adapter name is required")
		}
		if a.Source == "" {
			return cdc.NewConfigurationError("service", fmt.Sprintf("adapters[%d].source", i), "source id is required")
		}
		if a.DSN == "" {
			return cdc.NewConfigurationError("service", fmt.Sprintf("adapters[%d].dsn", i), "dsn is required")
		}
		if sources[a.Source] {
			return cdc.NewConfigurationError("service", fmt.Sprintf("adapters[%d].source", i),
				fmt.Sprintf("duplicate source id %q", a.Source))
		}
		sources[a.Source] = true

		// The change-tracking poller interpolates table names into
		// CHANGETABLE and therefore refuses to run without an allow-list.
		if a.Name == "mssql" && len(a.Tables) == 0 {
			return cdc.NewConfigurationError("service", fmt.Sprintf("adapters[%d].tables", i),
				"mssql adapter requires an explicit table allow-list")
		}
	}

	publishers := make(map[string]bool)
	for i, p := range c.Publishers {
		if p.Name == "" {
			return cdc.NewConfigurationError("service", fmt.Sprintf("publishers[%d].name", i), "publisher name is required")
		}
		if p.Destination == "" {
			return cdc.NewConfigurationError("service", fmt.Sprintf("publishers[%d].destination", i), "destination is required")
		}
		if !oneOf(p.Serializer, "json", "protobuf", "avro") {
			return cdc.NewConfigurationError("service", fmt.Sprintf("publishers[%d].serializer", i),
				fmt.Sprintf("must be one of json, protobuf, avro; got %q", p.Serializer))
		}
		publishers[p.Name] = true
	}

	if c.DeadLetter.Enabled && !publishers[c.DeadLetter.Publisher] {
		return cdc.NewConfigurationError("service", "dead_letter.publisher",
			fmt.Sprintf("publisher %q is not configured", c.DeadLetter.Publisher))
	}

	for i, s := range c.Subscriptions {
		if s.Source == "" {
			return cdc.NewConfigurationError("service", fmt.Sprintf("subscriptions[%d].source", i), "source is required")
		}
		if !sources[s.Source] {
			return cdc.NewConfigurationError("service", fmt.Sprintf("subscriptions[%d].source", i),
				fmt.Sprintf("source %q has no configured adapter", s.Source))
		}
		if s.Publisher != "" && !publishers[s.Publisher] {
			return cdc.NewConfigurationError("service", fmt.Sprintf("subscriptions[%d].publisher", i),
				fmt.Sprintf("publisher %q is not configured", s.Publisher))
		}
		for _, op := range s.Operations {
			if !cdc.Operation(op).IsValid() {
				return cdc.NewConfigurationError("service", fmt.Sprintf("subscriptions[%d].operations", i),
					fmt.Sprintf("unknown operation %q", op))
			}
		}
	}

	return nil
}

// StopTimeout returns the graceful shutdown budget.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Service.StopTimeoutSeconds) * time.Second
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
