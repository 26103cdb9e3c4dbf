package manager

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultLlamaReadyTimeout = 30 * time.Second
	defaultLlamaStopTimeout  = 2 * time.Second
	stderrTailBytes          = 4096
)

// LlamaServerConfig configures the llama-server loader. Each loaded servable
// gets its own llama-server process bound to Host, unless BaseURL attaches
// every servable to one externally managed server.
type LlamaServerConfig struct {
	// Bin is the llama-server binary; empty means discover it.
	Bin  string
	Host string
	// PortStart/PortEnd bound the ports tried for new processes; zero picks
	// any free port.
	PortStart, PortEnd int
	CtxSize            int
	Threads            int
	NGL                int
	ExtraArgs          []string
	// BaseURL of an already running server. No process is spawned.
	BaseURL string
	APIKey  string

	ReadyTimeout time.Duration
	StopTimeout  time.Duration
	Publisher    EventPublisher
	Logger       *zerolog.Logger
}

// llamaServerLoader runs servables in llama.cpp server processes and talks to
// them over the OpenAI-compatible completions API.
type llamaServerLoader struct {
	cfg        LlamaServerConfig
	httpClient *http.Client
	publisher  EventPublisher
	log        zerolog.Logger
}

// NewLlamaServerLoader returns a Loader backed by llama-server processes.
func NewLlamaServerLoader(cfg LlamaServerConfig) Loader {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultLlamaReadyTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultLlamaStopTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	l := &llamaServerLoader{
		cfg: cfg,
		// Timeout=0: every call carries a context deadline instead.
		httpClient: &http.Client{Timeout: 0},
		publisher:  cfg.Publisher,
		log:        zerolog.Nop(),
	}
	if l.publisher == nil {
		l.publisher = noopPublisher{}
	}
	if cfg.Logger != nil {
		l.log = cfg.Logger.With().Str("component", "llama_server").Logger()
	}
	return l
}

// llamaServerResource is one servable's server: either a child process or a
// shared external server.
type llamaServerResource struct {
	l       *llamaServerLoader
	name    string
	version int64
	baseURL string

	cmd    *exec.Cmd
	exited chan struct{} // closed when the child process has exited
	stderr *tailBuffer
}

func (l *llamaServerLoader) Load(ctx context.Context, name string, version int64, path string) (Resource, error) {
	if l.cfg.BaseURL != "" {
		if err := l.waitReady(ctx, l.cfg.BaseURL, nil); err != nil {
			return nil, ErrDependencyUnavailable("llama-server at " + l.cfg.BaseURL + " not reachable: " + err.Error())
		}
		return &llamaServerResource{l: l, name: name, version: version, baseURL: l.cfg.BaseURL}, nil
	}
	rep := CheckLlamaServer(l.cfg.Bin, path)
	if !rep.OK() {
		return nil, ErrDependencyUnavailable(rep.Error)
	}

	var (
		port int
		err  error
	)
	if l.cfg.PortStart > 0 && l.cfg.PortEnd >= l.cfg.PortStart {
		port, err = pickPortInRange(l.cfg.Host, l.cfg.PortStart, l.cfg.PortEnd)
	} else {
		port, err = pickFreePort(l.cfg.Host)
	}
	if err != nil {
		return nil, err
	}
	baseURL := fmt.Sprintf("http://%s", net.JoinHostPort(l.cfg.Host, fmt.Sprint(port)))

	args := []string{"-m", path, "--host", l.cfg.Host, "--port", fmt.Sprint(port)}
	if l.cfg.CtxSize > 0 {
		args = append(args, "-c", fmt.Sprint(l.cfg.CtxSize))
	}
	if l.cfg.NGL > 0 {
		args = append(args, "-ngl", fmt.Sprint(l.cfg.NGL))
	}
	if l.cfg.Threads > 0 {
		args = append(args, "-t", fmt.Sprint(l.cfg.Threads))
	}
	args = append(args, l.cfg.ExtraArgs...)

	// Not CommandContext: the process outlives the load request.
	cmd := exec.Command(rep.LlamaPath, args...)
	tail := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}
	r := &llamaServerResource{l: l, name: name, version: version, baseURL: baseURL, cmd: cmd, exited: make(chan struct{}), stderr: tail}
	go func() {
		err := cmd.Wait()
		close(r.exited)
		l.log.Debug().Str("servable", name).Int64("version", version).Int("pid", cmd.Process.Pid).AnErr("exit", err).Msg("llama-server exited")
	}()
	pid := cmd.Process.Pid
	l.log.Info().Str("event", "spawn_start").Str("servable", name).Int64("version", version).Int("pid", pid).Str("url", baseURL).Msg("llama-server started")
	l.publisher.Publish(Event{Name: "spawn_start", Servable: name, Version: version, Fields: map[string]any{"pid": pid, "url": baseURL}})

	if err := l.waitReady(ctx, baseURL, r.exited); err != nil {
		_ = r.stop()
		l.log.Error().Str("event", "spawn_failed").Str("servable", name).Int64("version", version).Int("pid", pid).Err(err).Str("stderr", tail.String()).Msg("llama-server not ready")
		l.publisher.Publish(Event{Name: "spawn_failed", Servable: name, Version: version, Fields: map[string]any{"pid": pid, "error": err.Error()}})
		return nil, fmt.Errorf("llama-server not ready: %w; stderr tail: %s", err, tail.String())
	}
	l.log.Info().Str("event", "spawn_ready").Str("servable", name).Int64("version", version).Int("pid", pid).Msg("llama-server ready")
	l.publisher.Publish(Event{Name: "spawn_ready", Servable: name, Version: version, Fields: map[string]any{"pid": pid, "url": baseURL}})
	return r, nil
}

func (l *llamaServerLoader) Unload(res Resource) error {
	r, ok := res.(*llamaServerResource)
	if !ok {
		return errors.New("llama-server: foreign resource")
	}
	if r.cmd == nil {
		return nil
	}
	err := r.stop()
	l.publisher.Publish(Event{Name: "spawn_stop", Servable: r.name, Version: r.version, Fields: map[string]any{"pid": r.cmd.Process.Pid}})
	return err
}

// stop terminates the child: SIGTERM first, then SIGKILL after StopTimeout.
func (r *llamaServerResource) stop() error {
	select {
	case <-r.exited:
		return nil
	default:
	}
	_ = r.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-r.exited:
		return nil
	case <-time.After(r.l.cfg.StopTimeout):
	}
	if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-r.exited
	return nil
}

// waitReady polls /health until it answers 2xx, the process exits or the
// ready timeout passes.
func (l *llamaServerLoader) waitReady(ctx context.Context, baseURL string, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ReadyTimeout)
	defer cancel()
	for {
		if err := l.checkHealth(ctx, baseURL); err == nil {
			return nil
		}
		select {
		case <-exited:
			return errors.New("process exited before ready")
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (l *llamaServerLoader) checkHealth(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

// OpenAI-style completion request/response (subset)
type openAICompletionRequest struct {
	Model         string   `json:"model,omitempty"`
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float32  `json:"temperature,omitempty"`
	TopP          float32  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          int      `json:"seed,omitempty"`
	Stream        bool     `json:"stream"`
	RepeatPenalty float32  `json:"repeat_penalty,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Text  string `json:"text"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	// llama.cpp native stream fields
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
	Usage   *Usage `json:"usage"`
}

// Generate streams one completion over SSE. Transport errors and a dead
// child process are runtime failures; the servable is failed by the caller.
func (r *llamaServerResource) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	payload := openAICompletionRequest{
		Model:         r.name,
		Prompt:        prompt,
		MaxTokens:     params.MaxTokens,
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		TopK:          params.TopK,
		Stop:          params.Stop,
		Seed:          params.Seed,
		Stream:        true,
		RepeatPenalty: params.RepeatPenalty,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return FinalResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return FinalResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if r.l.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.l.cfg.APIKey)
	}
	resp, err := r.l.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return FinalResult{}, ctx.Err()
		}
		return FinalResult{}, ErrRuntimeFailure(fmt.Errorf("llama-server request: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("llama-server http error: %s: %s", resp.Status, strings.TrimSpace(string(b)))
		if resp.StatusCode >= 500 {
			return FinalResult{}, ErrRuntimeFailure(err)
		}
		return FinalResult{}, err
	}

	var (
		final FinalResult
		sb    strings.Builder
	)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(strings.ToLower(line), "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "[DONE]" {
			break
		}
		var msg openAIStreamResponse
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			r.l.log.Debug().Str("servable", r.name).Err(err).Msg("skipping undecodable stream line")
			continue
		}
		frag := msg.Content
		if len(msg.Choices) > 0 {
			c := msg.Choices[0]
			if c.Delta.Content != "" {
				frag = c.Delta.Content
			} else if c.Text != "" {
				frag = c.Text
			}
			if c.FinishReason != "" {
				final.FinishReason = c.FinishReason
			}
		}
		if msg.Usage != nil {
			final.Usage = *msg.Usage
		}
		if frag != "" {
			sb.WriteString(frag)
			if err := onToken(frag); err != nil {
				return final, err
			}
		}
		if msg.Stop && final.FinishReason == "" {
			final.FinishReason = "stop"
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return final, ctx.Err()
		}
		return final, ErrRuntimeFailure(fmt.Errorf("llama-server stream: %w", err))
	}
	if r.exited != nil {
		select {
		case <-r.exited:
			return final, ErrRuntimeFailure(fmt.Errorf("llama-server exited during generation; stderr tail: %s", r.stderr.String()))
		default:
		}
	}
	final.Content = sb.String()
	return final, nil
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(p)))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
