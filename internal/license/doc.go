// Package license implements the license key and activation engines.
//
// # Architecture Overview
//
// The package consists of several components:
//
//	- KeyEngine: key creation, validity, extension, renewal and status changes
//	- ActivationEngine: admission control over a key's activation seats
//	- Registry: key-type generators (random, pattern, derived)
//	- Sweeper: expiration of keys past their expiration date
//	- Metrics: OpenTelemetry instruments shared by the engines
//
// # Admission
//
// Activate and Reactivate hand a decision function to store.Store.Admit.
// The store runs the live active count, the lookup of the location's current
// row and the resulting insert or update in one atomic unit, so concurrent
// requests cannot jointly exceed a key's seat limit.
//
// # Time
//
// All timestamps are stored in UTC. Extension compounds from the key's
// current expiration using calendar arithmetic, never from the time of the
// call.
//
// # Usage
//
//	registry := license.NewDefaultRegistry([]byte(cfg.Licensing.KeySecret))
//	keys := license.NewKeyEngine(st, products, ledger, registry, logger,
//	    license.WithObserver(obs), license.WithMetrics(metrics))
//	activations := license.NewActivationEngine(st, products, logger,
//	    license.WithObserver(obs))
//
//	a, err := activations.Activate(ctx, license.ActivateRequest{
//	    Key:      "ABCDE-FGHIJ-KLMNO-PQRST",
//	    Location: "https://example.com",
//	})
package license
