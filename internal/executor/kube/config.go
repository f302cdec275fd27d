package kube

import (
	"batch/internal/config"
)

// Config holds configuration for the Kubernetes executor.
type Config struct {
	Kubeconfig string // path to a kubeconfig file, empty for in-cluster config
	Namespace  string // namespace jobs are created in (default: "default")
}

// LoadConfigFromEnv loads executor configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Kubeconfig: config.GetEnv("KUBECONFIG", ""),
		Namespace:  config.GetEnv("KUBE_NAMESPACE", "default"),
	}
}
