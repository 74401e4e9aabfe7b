// Package app wires licensegate together and manages its lifecycle.
//
// # Initialization Flow
//
//  1. Load configuration from defaults, YAML and LICENSEGATE_* environment
//  2. Initialize logging and OpenTelemetry
//  3. Open the license store (memory or Postgres, with migrations)
//  4. Connect optional backends: NATS for audit events, Redis for lockout
//  5. Build the engine, audit logger and services
//  6. Set up the router, middleware and HTTP server
//
// # Usage
//
//	application, err := app.NewApplication()
//	if err != nil {
//	    return err
//	}
//	return application.Run()
//
// # Graceful Shutdown
//
// On SIGINT or SIGTERM the service deregisters from Consul, stops accepting
// requests, drains the audit queue and then closes NATS, Redis, the database
// and the telemetry providers in that order.
//
// Initialization errors are returned to the caller; the package never calls os.Exit.
package app
