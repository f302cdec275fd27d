package docker

import (
	"batch/internal/config"
	"time"
)

// Config holds configuration for the Docker executor.
type Config struct {
	ExtraHosts  []string      // extra /etc/hosts entries (e.g. ["api.test:host-gateway"])
	Network     string        // network mode for job containers, empty for the daemon default
	StopTimeout time.Duration // grace period before a stopped container is killed (default: 10s)
}

// LoadConfigFromEnv loads executor configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		ExtraHosts:  config.GetListEnv("DOCKER_EXTRA_HOSTS"),
		Network:     config.GetEnv("DOCKER_NETWORK", ""),
		StopTimeout: config.GetDurationEnv("DOCKER_STOP_TIMEOUT", 10*time.Second),
	}
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}
