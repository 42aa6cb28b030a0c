package config

import "time"

// Application constants
const (
	AppName    = "licensed"
	AppVersion = "1.0.0"

	// EnvPrefix namespaces every environment override (LICENSED_SERVER_PORT, ...)
	EnvPrefix = "LICENSED"

	// Storage drivers
	StorageMemory   = "memory"
	StorageBolt     = "bolt"
	StoragePostgres = "postgres"

	// Cache drivers
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"

	// Telemetry exporters
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"

	// Release retention when a product does not configure its own count
	DefaultRetentionCount = 5

	// Key type used when a product does not name one
	DefaultKeyType = "random"

	// Rate limiting
	DefaultRateLimitRPS   = 100
	DefaultRateLimitBurst = 50
	ActivationRatePerKey  = 1.0 // activations per second per key
	ActivationBurstPerKey = 5

	// Timeouts
	DefaultRequestTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// Endpoints
	ClientAPIBasePath = "/api/v1"
	AdminAPIBasePath  = "/api/admin"
	HealthEndpoint    = "/api/health"
	MetricsEndpoint   = "/metrics"

	// BasicAuthRealm is advertised on 401 responses from the client API
	BasicAuthRealm = "licensed"
)
