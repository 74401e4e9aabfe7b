// Package license implements the license validation and device activation engine.
// It authenticates hashed license keys, enforces lifecycle state, binds licenses to a
// bounded set of devices, and meters feature entitlements.
//
// # Architecture Overview
//
// The engine is assembled from small components that share an injected Store:
//
//   - Hasher: deterministic one-way digest of license keys and device fingerprints
//   - Pipeline: ordered validation checks producing a single result code
//   - DeviceManager: device bindings bounded by max_devices
//   - Gate: feature permission from overrides, plan features and signed claims
//   - HeartbeatTracker: liveness signal refreshing last-seen timestamps
//   - AuditLogger: append-only validation log plus optional event fan-out
//
// # Validation Order
//
// Checks run strictly in this order and the first failure wins:
//
//	invalid_key, revoked, suspended, expired, geo_blocked, ip_blocked,
//	invalid_signature, success
//
// Business outcomes are returned as domain.ResultCode values. Only infrastructure
// failures are returned as errors, and those always deny.
//
// # Signatures
//
// signed_data carries the canonical JSON of a domain.Claims document. The signature is
// a base64 Ed25519 signature over those exact bytes, verified against the license's
// declared public key (PEM PKIX or base64 raw key).
//
// # Concurrency
//
// The engine holds no per-license state. Device-limit enforcement and usage metering
// rely on the Store for serialization: ActivateDevice locks the license row for the
// count and insert, IncrementUsage is a single conditional UPDATE.
//
// # Usage
//
//	engine := license.NewEngine(store, license.Options{...}, logger)
//	res, err := engine.Validate(ctx, license.ValidateInput{Key: key, Caller: caller})
//	if err != nil {
//		// store unavailable: deny
//	}
//	if res.Result != domain.ResultSuccess {
//		// business outcome
//	}
package license
