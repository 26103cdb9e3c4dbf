//go:build llama

package manager

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

// llamaLoader holds global config used to initialize a model instance
type llamaLoader struct {
	ctxSize int
	threads int
}

// NewLlamaLoader returns the in-process llama.cpp loader.
func NewLlamaLoader(ctxSize, threads int) Loader {
	return &llamaLoader{ctxSize: ctxSize, threads: threads}
}

// llamaResource owns the loaded model
type llamaResource struct {
	// llama contexts are not reentrant; admission already allows one
	// generation per servable, mu keeps direct callers honest.
	mu      sync.Mutex
	model   *llama.LLama
	threads int
}

func (l *llamaLoader) Load(ctx context.Context, name string, version int64, path string) (Resource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mo := []llama.ModelOption{
		llama.SetContext(l.ctxSize),
	}
	m, err := llama.New(path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaResource{model: m, threads: l.threads}, nil
}

func (l *llamaLoader) Unload(r Resource) error {
	lr, ok := r.(*llamaResource)
	if !ok {
		return errors.New("llama: foreign resource")
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.model != nil {
		lr.model.Free()
		lr.model = nil
	}
	return nil
}

func (r *llamaResource) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return FinalResult{}, ErrRuntimeFailure(errors.New("llama model not initialized"))
	}

	// Bridge token streaming to onToken and respect cancellation
	r.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if err := onToken(tok); err != nil {
			return false
		}
		return true
	})
	po := mapInferParamsToPredictOptions(params, r.threads)
	text, err := r.model.Predict(prompt, po...)
	if err != nil {
		if ctx.Err() != nil {
			return FinalResult{}, ctx.Err()
		}
		return FinalResult{}, err
	}
	// Basic aggregation; token counts not available without deeper hooks
	return FinalResult{
		Content:      text,
		FinishReason: "stop",
	}, nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// mapInferParamsToPredictOptions converts our params into go-llama.cpp options
func mapInferParamsToPredictOptions(params InferParams, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, params.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(params.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(params.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(params.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(params.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if params.Seed != 0 {
		po = append(po, llama.SetSeed(params.Seed))
	}
	if len(params.Stop) > 0 {
		po = append(po, llama.SetStopWords(params.Stop...))
	}
	return po
}
