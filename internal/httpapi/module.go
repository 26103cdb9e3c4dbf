package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// ServerModule serves an http.Handler as a registry module. The listener is
// bound in Start so bind errors fail the start.
type ServerModule struct {
	name    string
	addr    string
	handler http.Handler

	// OnFail is called when Serve stops with an unexpected error.
	OnFail func(name string, err error)

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewServerModule returns a module named name serving h on addr.
func NewServerModule(name, addr string, h http.Handler) *ServerModule {
	return &ServerModule{name: name, addr: addr, handler: h}
}

func (s *ServerModule) Name() string { return s.name }

// Addr returns the bound address once started, else the configured one.
func (s *ServerModule) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

func (s *ServerModule) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()
	zlog.Info().Str("module", s.name).Str("addr", ln.Addr().String()).Msg("listening")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error().Str("module", s.name).Err(err).Msg("server error")
			if s.OnFail != nil {
				s.OnFail(s.name, err)
			}
		}
	}()
	return nil
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *ServerModule) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
