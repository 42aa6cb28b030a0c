// Package config provides configuration management for the licensing service.
//
// # Configuration Sources
//
// Configuration is assembled in three layers, later layers winning:
//
//	1. Built-in defaults (Default)
//	2. A YAML file, when a path is given to Load
//	3. Environment variables prefixed with LICENSED_
//
// Environment variables follow the section/field layout of Config:
//
//	LICENSED_SERVER_PORT=8080
//	LICENSED_STORAGE_DRIVER=postgres
//	LICENSED_STORAGE_POSTGRES_DSN=postgres://...
//	LICENSED_CACHE_REDIS_URL=redis://localhost:6379/0
//	LICENSED_SECURITY_ADMIN_TOKEN=...
//
// Relative file paths in the YAML file (bolt database, catalog, log file) are
// resolved against the directory holding the file.
//
// # Usage
//
//	cfg, err := config.Load("configs/licensed.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
