// Package config provides centralized configuration for licensegate.
//
// # Configuration Sources
//
// Configuration is layered, later sources winning:
//
//  1. Default() values
//  2. A YAML file from LICENSEGATE_CONFIG or config.yaml / configs/config.yaml
//  3. Environment variables
//
// # Environment Variables
//
// Variables use the LICENSEGATE prefix followed by the section and field:
//
//	LICENSEGATE_SERVER_PORT=8080
//	LICENSEGATE_DATABASE_DRIVER=postgres
//	LICENSEGATE_DATABASE_URL=postgres://...
//	LICENSEGATE_LICENSE_HASH_ALGORITHM=blake2b
//	LICENSEGATE_LICENSE_HASH_PEPPER=...
//	LICENSEGATE_SECURITY_ATTEMPTS_BACKEND=redis
//	LICENSEGATE_REDIS_URL=redis://localhost:6379/0
//	LICENSEGATE_NATS_ENABLED=true
//
// Slices are comma separated, durations use time.ParseDuration syntax.
//
// # Validation
//
// Load validates ranges and cross-field requirements: a postgres driver needs a URL,
// the redis attempt backend needs a Redis URL, blake2b hashing needs a pepper of at
// most 64 bytes.
package config
