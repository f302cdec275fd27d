// Package config loads batch service and client settings from environment variables.
package config

import (
	"time"
)

// Executor backends.
const (
	ExecutorDocker     = "docker"
	ExecutorKubernetes = "kubernetes"
	ExecutorSimulated  = "simulated"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// ServiceConfig holds configuration for the batch service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // time to wait for load balancer to drain (0 to skip)

	Executor string // docker, kubernetes or simulated
	Store    string // memory, sqlite or redis

	SQLitePath string
	RedisAddr  string
	RedisDB    int

	LaunchWorkers   int           // concurrent Executor.Start calls
	LaunchBuffer    int           // queued launches before CreateJob is rejected
	RefreshInterval time.Duration // period of the executor state refresh (0 disables)

	CallbackSigningKey string // HMAC key for callback signatures, empty disables signing
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:               GetEnv("PORT", "8080"),
		MetricsPort:        GetEnv("METRICS_PORT", "9090"),
		APIKey:             GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait:  GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		Executor:           GetEnv("EXECUTOR", ExecutorDocker),
		Store:              GetEnv("STORE", StoreMemory),
		SQLitePath:         GetEnv("SQLITE_PATH", "batch.db"),
		RedisAddr:          GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:            GetIntEnv("REDIS_DB", 0),
		LaunchWorkers:      GetIntEnv("LAUNCH_WORKERS", 4),
		LaunchBuffer:       GetIntEnv("LAUNCH_BUFFER", 1000),
		RefreshInterval:    GetDurationEnv("REFRESH_INTERVAL", 10*time.Second),
		CallbackSigningKey: GetSecretFile(GetEnv("CALLBACK_SIGNING_KEY_FILE", "")),
	}
}

// ClientConfig holds connection settings for batchctl.
type ClientConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// LoadClientConfig loads client configuration from environment variables.
func LoadClientConfig() *ClientConfig {
	return &ClientConfig{
		URL:     GetEnv("BATCH_URL", "http://batch.default"),
		Token:   GetSecretFile(GetEnv("BATCH_TOKEN_FILE", "")),
		Timeout: GetDurationEnv("BATCH_HTTP_TIMEOUT", 30*time.Second),
	}
}
