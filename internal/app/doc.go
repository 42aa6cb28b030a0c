// Package app wires the licensing server together and manages its lifecycle.
//
// # Architecture
//
// Core owns storage and the licensing engines and is shared with the
// licensectl command. Application adds the telemetry providers, the admin
// event hub, the HTTP router and the server on top of a Core.
//
// # Initialization Flow
//
//	1. Load configuration from defaults, file and LICENSED_* environment
//	2. Initialize logging and OpenTelemetry
//	3. Start the event hub
//	4. Open the store and release cache, load the product catalog
//	5. Build the key, activation and release engines with their observers
//	6. Set up middleware, the client, admin and health routes and /metrics
//	7. Create the HTTP server
//
// # Usage
//
//	a, err := app.NewApplication(ctx, "configs/licensed.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := a.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Graceful Shutdown
//
// Cancelling the context passed to Run stops the expiry sweeper, drains the
// HTTP server within the shutdown timeout, stops the event hub, closes the
// Kafka writer, cache and store, and flushes telemetry.
package app
