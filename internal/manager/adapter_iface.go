package manager

import "context"

// Loader is the model-loading collaborator. Concrete runtimes (e.g., llama.cpp)
// satisfy this interface.
type Loader interface {
	// Load builds a fully initialized resource from the source at path.
	Load(ctx context.Context, name string, version int64, path string) (Resource, error)
	// Unload releases a resource previously returned by Load. It is called
	// exactly once per resource, after the last in-flight user released it.
	Unload(Resource) error
}

// Resource is a loaded servable. It is shared read-only between requests once
// served; implementations must not be mutated in place.
type Resource interface {
	// Generate streams tokens for the given prompt. The onToken callback will be invoked
	// for each token. Implementations must return when the context is canceled.
	// Errors wrapped with ErrRuntimeFailure fail the servable.
	Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error)
}

// SourceResolver turns a remote source descriptor (e.g., s3://bucket/key)
// into a local path the Loader can read.
type SourceResolver interface {
	Resolve(ctx context.Context, source string) (string, error)
}

// InferParams captures generation parameters passed to the resource.
type InferParams struct {
	Temperature   float32
	TopP          float32
	TopK          int
	MaxTokens     int
	Stop          []string
	Seed          int
	RepeatPenalty float32
}

// FinalResult summarizes the generation after streaming.
type FinalResult struct {
	Content      string
	Usage        Usage
	FinishReason string
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
