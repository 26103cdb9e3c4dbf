package httpapi

import (
	"net/http"

	"servd/pkg/types"
)

// Package-level settings, installed by cmd/servd before NewMux is called.

const defaultMaxBodyBytes = 1 << 20

var (
	maxBodyBytes int64 = defaultMaxBodyBytes
	// inferTimeout bounds one infer request, in seconds. Zero disables it.
	inferTimeout int64

	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string

	// moduleStates feeds /status and /livez.
	moduleStates func() []types.ModuleStatus
	// metricsHandler serves /metrics; nil means the default registry.
	metricsHandler http.Handler
)

// SetMaxBodyBytes limits JSON request bodies. n <= 0 restores 1 MiB.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		n = defaultMaxBodyBytes
	}
	maxBodyBytes = n
}

// SetInferTimeoutSeconds sets the infer timeout (0 disables).
func SetInferTimeoutSeconds(sec int64) { inferTimeout = max(sec, 0) }

// SetCORSOptions turns on the CORS middleware. When disabled none is added.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}

func SetModuleStates(fn func() []types.ModuleStatus) { moduleStates = fn }

func SetMetricsHandler(h http.Handler) { metricsHandler = h }
