package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable, e.g. LICENSEGATE_SERVER_PORT
const EnvPrefix = "LICENSEGATE"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	Database  DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" envconfig:"REDIS"`
	NATS      NATSConfig      `yaml:"nats" envconfig:"NATS"`
	Consul    ConsulConfig    `yaml:"consul" envconfig:"CONSUL"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Attempts       AttemptsConfig  `yaml:"attempts" envconfig:"ATTEMPTS"`
	// CIDRs or addresses allowed to set forwarding and country headers.
	// Empty means the socket peer is always the caller.
	TrustedProxies []string        `yaml:"trusted_proxies" envconfig:"TRUSTED_PROXIES"`
}

// RateLimitConfig contains global request rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// AttemptsConfig bounds repeated invalid license keys from one caller
type AttemptsConfig struct {
	Enabled      bool          `yaml:"enabled" envconfig:"ENABLED"`
	Backend      string        `yaml:"backend" envconfig:"BACKEND"` // memory, redis
	MaxFailures  int           `yaml:"max_failures" envconfig:"MAX_FAILURES"`
	Window       time.Duration `yaml:"window" envconfig:"WINDOW"`
	LockDuration time.Duration `yaml:"lock_duration" envconfig:"LOCK_DURATION"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"` // console, file, both
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	Environment   string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	EnableTracing bool    `yaml:"enable_tracing" envconfig:"ENABLE_TRACING"`
	EnableMetrics bool    `yaml:"enable_metrics" envconfig:"ENABLE_METRICS"`
	TraceExporter string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"` // stdout, none
	SampleRatio   float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// DatabaseConfig selects and configures the license store
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" envconfig:"DRIVER"` // memory, postgres
	URL             string        `yaml:"url" envconfig:"URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
	AutoMigrate     bool          `yaml:"auto_migrate" envconfig:"AUTO_MIGRATE"`
}

// RedisConfig configures the shared attempt limiter backend
type RedisConfig struct {
	URL string `yaml:"url" envconfig:"URL"`
}

// NATSConfig configures audit event publishing
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled" envconfig:"ENABLED"`
	URL           string `yaml:"url" envconfig:"URL"`
	SubjectPrefix string `yaml:"subject_prefix" envconfig:"SUBJECT_PREFIX"`
}

// ConsulConfig configures service registration
type ConsulConfig struct {
	Enabled                        bool     `yaml:"enabled" envconfig:"ENABLED"`
	Address                        string   `yaml:"address" envconfig:"ADDRESS"`
	ServiceID                      string   `yaml:"service_id" envconfig:"SERVICE_ID"`
	ServiceName                    string   `yaml:"service_name" envconfig:"SERVICE_NAME"`
	CheckInterval                  string   `yaml:"check_interval" envconfig:"CHECK_INTERVAL"`
	DeregisterCriticalServiceAfter string   `yaml:"deregister_critical_service_after" envconfig:"DEREGISTER_AFTER"`
	Tags                           []string `yaml:"tags" envconfig:"TAGS"`
}

// LicenseConfig configures the validation engine
type LicenseConfig struct {
	HashAlgorithm     string        `yaml:"hash_algorithm" envconfig:"HASH_ALGORITHM"` // sha256, blake2b
	HashPepper        string        `yaml:"hash_pepper" envconfig:"HASH_PEPPER"`
	TrustedIssuerKeys []string      `yaml:"trusted_issuer_keys" envconfig:"TRUSTED_ISSUER_KEYS"`
	GeoHeaders        []string      `yaml:"geo_headers" envconfig:"GEO_HEADERS"`
	GeoTablePath      string        `yaml:"geo_table_path" envconfig:"GEO_TABLE_PATH"`
	PlanCacheTTL      time.Duration `yaml:"plan_cache_ttl" envconfig:"PLAN_CACHE_TTL"`
	PlanCacheSize     int           `yaml:"plan_cache_size" envconfig:"PLAN_CACHE_SIZE"`
	AuditWorkers      int           `yaml:"audit_workers" envconfig:"AUDIT_WORKERS"`
	AuditQueueSize    int           `yaml:"audit_queue_size" envconfig:"AUDIT_QUEUE_SIZE"`
	AuditWriteTimeout time.Duration `yaml:"audit_write_timeout" envconfig:"AUDIT_WRITE_TIMEOUT"`
}

// Load builds the configuration: defaults, then the YAML file if one is found,
// then environment variables. Later sources win.
func Load() (*Config, error) {
	cfg := Default()

	if configFile := getConfigFilePath(); configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFile loads defaults overlaid with one YAML file, without reading the environment
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile overlays a YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks ranges and cross-field requirements and normalizes enum values
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}

	if c.Security.EnableCORS && len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified when CORS is enabled")
	}
	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit rps and burst must be positive")
	}
	for _, entry := range c.Security.TrustedProxies {
		if !validProxyEntry(entry) {
			return fmt.Errorf("invalid trusted proxy %q", entry)
		}
	}

	attempts := &c.Security.Attempts
	attempts.Backend = strings.ToLower(attempts.Backend)
	if attempts.Enabled {
		switch attempts.Backend {
		case AttemptBackendMemory:
		case AttemptBackendRedis:
			if c.Redis.URL == "" {
				return fmt.Errorf("redis url is required for the redis attempt backend")
			}
		default:
			return fmt.Errorf("unknown attempt backend %q", attempts.Backend)
		}
		if attempts.MaxFailures <= 0 || attempts.Window <= 0 || attempts.LockDuration <= 0 {
			return fmt.Errorf("attempt limits must be positive")
		}
	}

	// JSON is the only supported log format
	c.Logging.Format = "json"
	c.Logging.Output = strings.ToLower(c.Logging.Output)
	switch c.Logging.Output {
	case "console":
	case "file", "both":
		if c.Logging.FilePath == "" {
			c.Logging.FilePath = DefaultLogFile
		}
	default:
		return fmt.Errorf("invalid logging output %q", c.Logging.Output)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample ratio must be within [0,1]")
	}

	c.Database.Driver = strings.ToLower(c.Database.Driver)
	switch c.Database.Driver {
	case DatabaseDriverMemory:
	case DatabaseDriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats url is required when nats is enabled")
	}
	if c.Consul.Enabled && (c.Consul.Address == "" || c.Consul.ServiceID == "") {
		return fmt.Errorf("consul address and service id are required when consul is enabled")
	}

	c.License.HashAlgorithm = strings.ToLower(c.License.HashAlgorithm)
	switch c.License.HashAlgorithm {
	case HashAlgorithmSHA256:
	case HashAlgorithmBlake2b:
		if n := len(c.License.HashPepper); n == 0 || n > 64 {
			return fmt.Errorf("blake2b hashing requires a pepper of 1 to 64 bytes")
		}
	default:
		return fmt.Errorf("unknown hash algorithm %q", c.License.HashAlgorithm)
	}
	if c.License.AuditWorkers < 0 || c.License.AuditQueueSize < 0 {
		return fmt.Errorf("audit workers and queue size cannot be negative")
	}

	return nil
}

// Address returns the listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getConfigFilePath returns LICENSEGATE_CONFIG or the first config file found
func getConfigFilePath() string {
	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		return path
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
		"../configs/config.yaml",
		"../../configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "",
			Port:            DefaultPort,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  DefaultRequestTimeout,
			MaxBodyBytes:    DefaultMaxBodyBytes,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
			Attempts: AttemptsConfig{
				Enabled:      true,
				Backend:      AttemptBackendMemory,
				MaxFailures:  DefaultMaxFailedAttempts,
				Window:       DefaultAttemptWindow,
				LockDuration: DefaultLockDuration,
			},
		},
		Logging: LoggingConfig{
			Level:    DefaultLogLevel,
			Format:   DefaultLogFormat,
			Output:   "console",
			FilePath: DefaultLogFile,
		},
		Telemetry: TelemetryConfig{
			Environment:   "development",
			EnableTracing: false,
			EnableMetrics: true,
			TraceExporter: "none",
			SampleRatio:   1.0,
		},
		Database: DatabaseConfig{
			Driver:          DatabaseDriverMemory,
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
			AutoMigrate:     true,
		},
		NATS: NATSConfig{
			SubjectPrefix: DefaultSubjectPrefix,
		},
		Consul: ConsulConfig{
			Address:                        "localhost:8500",
			ServiceID:                      AppName,
			ServiceName:                    AppName,
			CheckInterval:                  "10s",
			DeregisterCriticalServiceAfter: "1m",
			Tags:                           []string{"license", "v1"},
		},
		License: LicenseConfig{
			HashAlgorithm:     HashAlgorithmSHA256,
			PlanCacheTTL:      DefaultPlanCacheTTL,
			PlanCacheSize:     DefaultPlanCacheSize,
			AuditWorkers:      0,
			AuditQueueSize:    DefaultAuditQueueSize,
			AuditWriteTimeout: 5 * time.Second,
		},
	}
}

func validProxyEntry(entry string) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err == nil
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}
