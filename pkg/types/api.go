package types

// InferRequest represents an inference request payload.
type InferRequest struct {
	// Servable name. If empty, the server default is used.
	// example: tinyllama-q4
	Model string `json:"model,omitempty" example:"tinyllama-q4"`
	// Optional exact version; 0 or omitted selects the latest served version.
	// example: 1
	Version int64 `json:"version,omitempty" example:"1"`
	// Required prompt text to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// If true, stream results as NDJSON tokens. When false, the server may still stream internally but buffer.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences. Generation stops when any sequence is matched.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
	// Random seed for reproducibility; 0 or omitted lets the server choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
	// Repeat penalty applied by some runtimes.
	// example: 1.1
	RepeatPenalty float64 `json:"repeat_penalty,omitempty" example:"1.1"`
}

// ModelsResponse wraps the catalog returned by GET /v1/models.
type ModelsResponse struct {
	// Sources discovered in the models directory.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// ServableStatus summarizes one table entry for /v1/servables.
type ServableStatus struct {
	// Servable name.
	// example: resnet
	Name string `json:"name" example:"resnet"`
	// Servable version.
	// example: 1
	Version int64 `json:"version" example:"1"`
	// Lifecycle state: absent, loading, served, unloading, failed.
	// example: served
	State string `json:"state" example:"served"`
	// Last action applied to this servable.
	// example: ENABLE_MODEL
	LastAction string `json:"last_action" example:"ENABLE_MODEL"`
	// Last recorded load or runtime error.
	LastError string `json:"last_error,omitempty"`
	// Resolved local path of the loaded source.
	Path string `json:"path,omitempty"`
	// Time of the last state change (unix seconds).
	// example: 1700000000
	UpdatedUnix int64 `json:"updated_unix" example:"1700000000"`
	// Current queue length for incoming requests.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Number of in-flight generations.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued requests allowed before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
}

// ModuleStatus reports the lifecycle state of one registry module.
type ModuleStatus struct {
	// Stable module identifier.
	// example: ServableManagerModule
	Name string `json:"name" example:"ServableManagerModule"`
	// One of uninitialized, starting, running, stopping, stopped, failed.
	// example: running
	State string `json:"state" example:"running"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Servable table entries.
	Servables []ServableStatus `json:"servables"`
	// Registry modules in start order.
	Modules []ModuleStatus `json:"modules,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total number of successful loads.
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
	// Total number of failed loads.
	// example: 1
	LoadFailuresTotal uint64 `json:"load_failures_total" example:"1"`
	// Number of servables currently loading.
	// example: 1
	LoadingCount int `json:"loading_count" example:"1"`
	// Number of servables currently unloading.
	// example: 0
	UnloadingCount int `json:"unloading_count" example:"0"`
}

// DirectiveResponse reports the outcome of one applied directive.
type DirectiveResponse struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
	Action  string `json:"action"`
	// State after the directive was applied.
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// ReconcileRequest carries a full desired state.
type ReconcileRequest struct {
	Servables []Directive `json:"servables"`
}

// ReconcileResponse lists per-servable outcomes of a reconcile pass.
type ReconcileResponse struct {
	Results []DirectiveResponse `json:"results"`
}
