package manager

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"servd/internal/connection"
	"servd/pkg/types"
)

// Infer runs one request against the latest (or requested) served version and
// streams NDJSON token lines to w. The resource is pinned for the whole call,
// so a concurrent DISABLE never tears it down underneath the request. When
// conn reports a disconnect the generation context is canceled.
func (m *Manager) Infer(ctx context.Context, req types.InferRequest, conn connection.Lifecycle, w io.Writer, flusher func()) error {
	// Resolve target servable
	name := req.Model
	if name == "" {
		name = m.defaultModel
		if name == "" {
			// No model specified and no default configured
			return servableNotFoundError{name: "(unspecified)"}
		}
	}
	sv, err := m.Lookup(name, req.Version)
	if err != nil {
		return err
	}
	// Admission: per-servable FIFO queue, single in-flight
	release, err := m.beginGeneration(ctx, sv)
	if err != nil {
		return err
	}
	defer release()

	view, ok := sv.Acquire()
	if !ok {
		// Invalidated between lookup and acquire.
		return servableNotFoundError{name: sv.Name, version: req.Version}
	}
	defer view.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if conn == nil {
		conn = connection.Static{}
	}
	conn.OnDisconnect(cancel)
	if conn.IsDisconnected() {
		return context.Canceled
	}

	params := InferParams{
		Temperature:   float32(req.Temperature),
		TopP:          float32(req.TopP),
		TopK:          req.TopK,
		MaxTokens:     req.MaxTokens,
		Stop:          req.Stop,
		Seed:          int(req.Seed),
		RepeatPenalty: float32(req.RepeatPenalty),
	}
	var b strings.Builder
	onTok := func(tok string) error {
		if _, e := w.Write(tokenLineJSON(tok)); e != nil {
			return e
		}
		b.WriteString(tok)
		if flusher != nil {
			flusher()
		}
		return nil
	}
	final, err := view.Value().Generate(ctx, req.Prompt, params, onTok)
	if err != nil {
		if IsRuntimeFailure(err) {
			view.Release()
			m.ReportFailure(sv, err)
		}
		return err
	}
	// Compose final line
	content := final.Content
	if content == "" {
		content = b.String()
	}
	end := map[string]any{
		"done":          true,
		"model":         sv.Name,
		"version":       sv.Version,
		"content":       content,
		"finish_reason": final.FinishReason,
		"usage":         final.Usage,
	}
	jb, _ := json.Marshal(end)
	if _, err := w.Write(append(jb, '\n')); err != nil {
		return err
	}
	if flusher != nil {
		flusher()
	}
	return nil
}

// tokenLineJSON formats a token NDJSON line using json.Marshal for correctness.
func tokenLineJSON(tok string) []byte {
	type tokenMsg struct {
		Token string `json:"token"`
	}
	b, _ := json.Marshal(tokenMsg{Token: tok})
	return append(b, '\n')
}
