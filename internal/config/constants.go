package config

import "time"

// Application constants
const (
	AppName = "licensegate"

	DefaultPort           = 8080
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxBodyBytes   = 64 << 10

	// Store drivers
	DatabaseDriverMemory   = "memory"
	DatabaseDriverPostgres = "postgres"

	// Attempt limiter backends
	AttemptBackendMemory = "memory"
	AttemptBackendRedis  = "redis"

	// Key hash algorithms
	HashAlgorithmSHA256  = "sha256"
	HashAlgorithmBlake2b = "blake2b"

	// Attempt limiter defaults
	DefaultMaxFailedAttempts = 20
	DefaultAttemptWindow     = 15 * time.Minute
	DefaultLockDuration      = 15 * time.Minute

	// Engine defaults
	DefaultPlanCacheTTL   = 5 * time.Minute
	DefaultPlanCacheSize  = 256
	DefaultAuditQueueSize = 4096
	DefaultSubjectPrefix  = "licensegate.license"

	// Log settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultLogFile   = "logs/licensegate.log"
)
