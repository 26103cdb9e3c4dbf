package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// PullConfig configures the HfPullModelModule (remote sources such as s3://).
type PullConfig struct {
	Region    string `json:"region" yaml:"region" toml:"region"`
	Endpoint  string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	CacheDir  string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	PathStyle bool   `json:"path_style" yaml:"path_style" toml:"path_style"`
	// Static credentials; when empty the AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY
	// environment variables are used.
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key" toml:"secret_access_key"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr        string `json:"addr" yaml:"addr" toml:"addr"`
	WSAddr      string `json:"ws_addr" yaml:"ws_addr" toml:"ws_addr"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`

	ModelsDir       string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	ModelConfigPath string `json:"model_config_path" yaml:"model_config_path" toml:"model_config_path"`
	ResyncSchedule  string `json:"resync_schedule" yaml:"resync_schedule" toml:"resync_schedule"`
	DefaultModel    string `json:"default_model" yaml:"default_model" toml:"default_model"`

	DrainTimeoutMS   int `json:"drain_timeout_ms" yaml:"drain_timeout_ms" toml:"drain_timeout_ms"`
	MaxQueueDepth    int `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitMS        int `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms"`
	ReconcileWorkers int `json:"reconcile_workers" yaml:"reconcile_workers" toml:"reconcile_workers"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	CORSEnabled bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	CORSMethods []string `json:"cors_methods" yaml:"cors_methods" toml:"cors_methods"`
	CORSHeaders []string `json:"cors_headers" yaml:"cors_headers" toml:"cors_headers"`

	MaxBodyBytes        int64 `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	InferTimeoutSeconds int64 `json:"infer_timeout_seconds" yaml:"infer_timeout_seconds" toml:"infer_timeout_seconds"`

	Pull       PullConfig `json:"pull" yaml:"pull" toml:"pull"`
	EventsSink string     `json:"events_sink" yaml:"events_sink" toml:"events_sink"`

	LlamaCtx     int `json:"llama_ctx" yaml:"llama_ctx" toml:"llama_ctx"`
	LlamaThreads int `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`

	// Runtime selects the loader: "llama" (in-process, default) or
	// "llama-server" (one llama.cpp server process per servable).
	Runtime     string            `json:"runtime" yaml:"runtime" toml:"runtime"`
	LlamaServer LlamaServerConfig `json:"llama_server" yaml:"llama_server" toml:"llama_server"`
}

// LlamaServerConfig configures the llama-server runtime.
type LlamaServerConfig struct {
	Bin       string   `json:"bin" yaml:"bin" toml:"bin"`
	Host      string   `json:"host" yaml:"host" toml:"host"`
	PortStart int      `json:"port_start" yaml:"port_start" toml:"port_start"`
	PortEnd   int      `json:"port_end" yaml:"port_end" toml:"port_end"`
	NGL       int      `json:"ngl" yaml:"ngl" toml:"ngl"`
	ExtraArgs []string `json:"extra_args" yaml:"extra_args" toml:"extra_args"`
	// URL attaches to a running server instead of spawning processes.
	URL    string `json:"url" yaml:"url" toml:"url"`
	APIKey string `json:"api_key" yaml:"api_key" toml:"api_key"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Defaults returns the built-in configuration, with SERVD_* environment
// overrides applied.
func Defaults() Config {
	cfg := Config{
		Addr:      ":8080",
		ModelsDir: "~/models/llm",
		LogLevel:  "info",
		LogFormat: "json",
	}
	if v := os.Getenv("SERVD_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("SERVD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SERVD_MODELS_DIR"); v != "" {
		cfg.ModelsDir = v
	}
	if v := os.Getenv("SERVD_RUNTIME"); v != "" {
		cfg.Runtime = v
	}
	if v := os.Getenv("LLAMA_SERVER_BIN"); v != "" {
		cfg.LlamaServer.Bin = v
	}
	if v, err := strconv.Atoi(os.Getenv("SERVD_DRAIN_TIMEOUT_MS")); err == nil && v > 0 {
		cfg.DrainTimeoutMS = v
	}
	return cfg
}

// Merge overlays the non-zero fields of file onto base.
func Merge(base, file Config) Config {
	out := base
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setStr(&out.Addr, file.Addr)
	setStr(&out.WSAddr, file.WSAddr)
	setStr(&out.MetricsAddr, file.MetricsAddr)
	setStr(&out.ModelsDir, file.ModelsDir)
	setStr(&out.ModelConfigPath, file.ModelConfigPath)
	setStr(&out.ResyncSchedule, file.ResyncSchedule)
	setStr(&out.DefaultModel, file.DefaultModel)
	setStr(&out.LogLevel, file.LogLevel)
	setStr(&out.LogFormat, file.LogFormat)
	setStr(&out.EventsSink, file.EventsSink)
	setStr(&out.Runtime, file.Runtime)
	setStr(&out.LlamaServer.Bin, file.LlamaServer.Bin)
	setStr(&out.LlamaServer.Host, file.LlamaServer.Host)
	setStr(&out.LlamaServer.URL, file.LlamaServer.URL)
	setStr(&out.LlamaServer.APIKey, file.LlamaServer.APIKey)
	setInt(&out.LlamaServer.PortStart, file.LlamaServer.PortStart)
	setInt(&out.LlamaServer.PortEnd, file.LlamaServer.PortEnd)
	setInt(&out.LlamaServer.NGL, file.LlamaServer.NGL)
	if len(file.LlamaServer.ExtraArgs) > 0 {
		out.LlamaServer.ExtraArgs = file.LlamaServer.ExtraArgs
	}
	setInt(&out.DrainTimeoutMS, file.DrainTimeoutMS)
	setInt(&out.MaxQueueDepth, file.MaxQueueDepth)
	setInt(&out.MaxWaitMS, file.MaxWaitMS)
	setInt(&out.ReconcileWorkers, file.ReconcileWorkers)
	setInt(&out.LlamaCtx, file.LlamaCtx)
	setInt(&out.LlamaThreads, file.LlamaThreads)
	if file.CORSEnabled {
		out.CORSEnabled = true
	}
	if len(file.CORSOrigins) > 0 {
		out.CORSOrigins = file.CORSOrigins
	}
	if len(file.CORSMethods) > 0 {
		out.CORSMethods = file.CORSMethods
	}
	if len(file.CORSHeaders) > 0 {
		out.CORSHeaders = file.CORSHeaders
	}
	if file.MaxBodyBytes != 0 {
		out.MaxBodyBytes = file.MaxBodyBytes
	}
	if file.InferTimeoutSeconds != 0 {
		out.InferTimeoutSeconds = file.InferTimeoutSeconds
	}
	if file.Pull != (PullConfig{}) {
		out.Pull = file.Pull
	}
	return out
}
