// Package services implements the request orchestration layer of licensegate.
// It sits between the HTTP handlers and the license engine.
//
// # Architecture
//
// Services follow these principles:
//
//  1. Interface-driven design for testability
//  2. Context propagation for cancellation and tracing
//  3. Dependency injection of the engine, limiter and validator
//
// # Service Layer Responsibilities
//
//   - Validating request contracts before they reach the engine
//   - Locking out callers that repeatedly present unknown keys
//   - Translating engine results into API v1 responses
//   - Translating infrastructure failures into API errors (fail closed)
//
// Business outcomes such as revoked or device_limit_exceeded are never errors. They are
// returned as responses with success=false.
//
// # Health
//
// HealthService runs the registered dependency probes concurrently and aggregates them
// into liveness and readiness reports.
package services
