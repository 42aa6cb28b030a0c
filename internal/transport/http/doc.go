// Package http implements the HTTP handlers of the licensing service. The
// handlers are a thin layer over the services and engines: they decode and
// validate requests, call one operation and render the result or an RFC 7807
// problem.
//
// Three handler groups are mounted by the application:
//
//	ClientHandler  /api/v1     activate, deactivate, version check, info
//	AdminHandler   /api/admin  keys, purchases, activations, releases, sweep, export, events
//	HealthHandler  /api        health, readiness, version
//
// Client requests carry the license key as the Basic auth user name and the
// activation id as password. Admin requests carry a bearer token.
package http
