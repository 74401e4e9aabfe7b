// Package http implements the HTTP handlers of licensegate. Handlers are thin: they
// decode and validate the request contract, derive the caller identity, delegate to
// a service and render the result.
//
// # Request Flow
//
//	HTTP Request → Chi Router → Middleware → Handler → Service → Engine → Store
//
// # Responses
//
// License actions always answer 200 with a LicenseActionResponse whose success field
// carries the business outcome. Non-2xx responses are RFC 7807 problem details produced
// by the shared ErrorHandler:
//
//	400  malformed body or failed validation
//	413  body over the configured limit
//	429  rate limit, or lockout after repeated unknown keys (with Retry-After)
//	503  license store unavailable; the request is denied
//	504  request deadline exceeded
//
// # Routes
//
//	POST /api/license                 single endpoint, action in the body
//	POST /api/license/validate
//	POST /api/license/activate
//	POST /api/license/deactivate
//	POST /api/license/heartbeat
//	POST /api/license/check-feature
//	POST /api/license/log-usage
//	POST /api/license/devices
//	GET  /api/health, /api/health/live, /api/health/ready, /api/version
package http
