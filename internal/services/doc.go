// Package services implements the use cases the HTTP handlers and the admin
// CLI share. Services coordinate the licensing engines; they hold no state of
// their own beyond injected dependencies.
//
// # Available Services
//
//	- LicensingService: activation, deactivation, version checks, key info,
//	  purchases and refunds
//	- HealthService: liveness, readiness and version information
//
// # Error Handling
//
// Services return errors from the internal/errors taxonomy unchanged so the
// transport layer can map them to problem responses:
//
//	- Validation errors for invalid input
//	- Capacity errors when a key has no free seat
//	- Not found errors, including no_entitlement on version checks
//	- Domain errors for keys or activations in the wrong state
package services
