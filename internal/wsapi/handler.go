// Package wsapi is the WebSocket frontend. Each text message from the client
// is an inference request; the reply is streamed back as one text message per
// NDJSON line. Requests on one connection are served one at a time.
package wsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"servd/internal/connection"
	"servd/internal/httpapi"
	"servd/pkg/types"
)

// Service is the part of the manager the WebSocket frontend needs.
type Service interface {
	Infer(ctx context.Context, req types.InferRequest, conn connection.Lifecycle, w io.Writer, flush func()) error
}

// Config tunes the connection handling.
type Config struct {
	ReadTimeout  time.Duration // read deadline, extended by every pong
	WriteTimeout time.Duration
	PingInterval time.Duration
	MaxMessage   int64
	CheckOrigin  func(r *http.Request) bool
	Logger       *zerolog.Logger
}

const (
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 25 * time.Second
	defaultMaxMessage   = 1 << 20
)

// Handler upgrades HTTP requests and serves inference over the socket.
type Handler struct {
	svc      Service
	cfg      Config
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewHandler(svc Service, cfg Config) *Handler {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxMessage <= 0 {
		cfg.MaxMessage = defaultMaxMessage
	}
	l := zerolog.Nop()
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Handler{
		svc: svc,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		log: l,
	}
}

// Mux returns a router exposing the handler at /v1/ws.
func (h *Handler) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/ws", h)
	return mux
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s := newSession(conn, h.cfg)
	defer s.close()
	go s.readLoop(h.log)
	go s.pingLoop()

	ctx := r.Context()
	for {
		select {
		case msg := <-s.requests:
			h.serve(ctx, s, msg)
		case <-s.gone:
			return
		}
	}
}

func (h *Handler) serve(ctx context.Context, s *session, msg []byte) {
	var req types.InferRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		s.writeError(http.StatusBadRequest, "invalid JSON message")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(http.StatusBadRequest, "prompt is required")
		return
	}
	lc := s.begin()
	defer s.end(lc)

	start := time.Now()
	err := h.svc.Infer(ctx, req, lc, lineWriter{s}, nil)
	if err != nil {
		if lc.IsDisconnected() {
			return
		}
		s.writeError(httpapi.StatusForError(err), err.Error())
	}
	h.log.Info().Str("transport", "websocket").Str("model", req.Model).Dur("dur", time.Since(start)).Err(err).Msg("infer end")
}

// session owns one socket. gorilla/websocket allows one concurrent reader and
// one concurrent writer; writes go through wmu.
type session struct {
	conn *websocket.Conn
	cfg  Config

	wmu sync.Mutex

	requests chan []byte
	gone     chan struct{}
	goneOnce sync.Once

	mu      sync.Mutex
	current *connection.Tracker
}

func newSession(conn *websocket.Conn, cfg Config) *session {
	return &session{
		conn:     conn,
		cfg:      cfg,
		requests: make(chan []byte),
		gone:     make(chan struct{}),
	}
}

// begin returns the lifecycle for the next request. If the socket is already
// gone the lifecycle starts out disconnected.
func (s *session) begin() *connection.Tracker {
	t := connection.NewTracker()
	s.mu.Lock()
	s.current = t
	s.mu.Unlock()
	select {
	case <-s.gone:
		t.Disconnect()
	default:
	}
	return t
}

func (s *session) end(t *connection.Tracker) {
	t.Complete()
	s.mu.Lock()
	if s.current == t {
		s.current = nil
	}
	s.mu.Unlock()
}

// markGone records that the client went away and notifies the request in
// progress, if any.
func (s *session) markGone() {
	s.goneOnce.Do(func() { close(s.gone) })
	s.mu.Lock()
	t := s.current
	s.mu.Unlock()
	if t != nil {
		t.Disconnect()
	}
}

func (s *session) readLoop(log zerolog.Logger) {
	defer s.markGone()
	s.conn.SetReadLimit(s.cfg.MaxMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		select {
		case s.requests <- msg:
		case <-s.gone:
			return
		}
	}
}

func (s *session) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.wmu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			s.wmu.Unlock()
			if err != nil {
				s.markGone()
				return
			}
		case <-s.gone:
			return
		}
	}
}

func (s *session) write(b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *session) writeError(code int, msg string) {
	b, _ := json.Marshal(types.ErrorResponse{Error: msg, Code: code})
	if err := s.write(b); err != nil {
		s.markGone()
	}
}

func (s *session) close() {
	s.markGone()
	s.wmu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.wmu.Unlock()
	_ = s.conn.Close()
}

// lineWriter sends every NDJSON line as its own text message.
type lineWriter struct{ s *session }

func (lw lineWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		if err := lw.s.write(line); err != nil {
			lw.s.markGone()
			return 0, err
		}
	}
	return len(p), nil
}
