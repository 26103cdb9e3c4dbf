package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"servd/internal/connection"
	"servd/internal/manager"
	"servd/internal/modules"
	"servd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	ServableStatus(name string) []types.ServableStatus
	Infer(ctx context.Context, req types.InferRequest, conn connection.Lifecycle, w io.Writer, flush func()) error
	Apply(ctx context.Context, d types.Directive) ([]manager.Outcome, error)
	Submit(d types.Directive) (string, error)
	Reconcile(ctx context.Context, desired []types.Directive) manager.Report
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		methods := corsAllowedMethods
		if len(methods) == 0 {
			methods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: methods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	available := requireAvailable(svc)
	r.Group(func(r chi.Router) {
		r.Use(available)
		// Compression for JSON endpoints only; streaming responses are flushed per token.
		r.Use(middleware.Compress(5))
		r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, types.ModelsResponse{Models: svc.ListModels()})
		})
		r.Get("/v1/models", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, types.ModelsResponse{Models: svc.ListModels()})
		})
		r.Get("/status", statusHandler(svc))
		r.Get("/v1/servables", statusHandler(svc))
		r.Get("/v1/servables/{name}", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")
			st := svc.ServableStatus(name)
			if len(st) == 0 {
				writeJSONError(w, http.StatusNotFound, manager.ErrServableNotFound(name, manager.Latest).Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"name": name, "versions": st})
		})
		r.Post("/v1/config/directives", directiveHandler(svc))
		r.Post("/v1/config/reconcile", reconcileHandler(svc))
	})

	r.With(available).Post("/infer", inferHandler(svc))
	r.With(available).Post("/v1/servables/{name}/infer", inferHandler(svc))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	r.Get("/livez", func(w http.ResponseWriter, r *http.Request) {
		if moduleStates != nil {
			for _, m := range moduleStates() {
				if m.Name == modules.HTTPServer && m.State != string(modules.StateRunning) {
					w.WriteHeader(http.StatusServiceUnavailable)
					_, _ = w.Write([]byte(m.State))
					return
				}
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	})

	// Prometheus metrics endpoint
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	} else {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	}

	r.Get("/openapi.json", serveOpenAPI)
	MountSwagger(r)
	return r
}

func statusHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := svc.Status()
		if moduleStates != nil {
			st.Modules = moduleStates()
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if !requireJSON(w, r) {
		return false
	}
	// Limit body size (configurable, default 1MiB)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func toDirectiveResponse(o manager.Outcome) types.DirectiveResponse {
	dr := types.DirectiveResponse{Name: o.Name, Version: o.Version, Action: o.Action.String(), State: string(o.State)}
	if o.Err != nil {
		dr.Error = o.Err.Error()
	}
	return dr
}

func outcomeResult(o manager.Outcome) string {
	if o.Err != nil {
		return "failed"
	}
	return "ok"
}

// rejectionReasons labels infer errors that happen before generation starts.
var rejectionReasons = map[int]string{
	http.StatusTooManyRequests:    "queue_full",
	http.StatusNotFound:           "not_found",
	http.StatusServiceUnavailable: "unavailable",
	http.StatusGatewayTimeout:     "timeout",
}

// directiveHandler applies one management directive. With ?async=1 it is
// applied in the background and 202 is returned with an operation id.
func directiveHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var d types.Directive
		if !decodeBody(w, r, &d) {
			return
		}
		lvl := requestLogLevel(r)
		if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
			op, err := svc.Submit(d)
			if err != nil {
				status := StatusForError(err)
				writeJSONError(w, status, err.Error())
				logEnd(r, lvl, "directive", status, err, nil)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"op_id": op})
			logEnd(r, lvl, "directive", http.StatusAccepted, nil, func(z *zerolog.Event) { z.Str("op_id", op) })
			return
		}
		outs, err := svc.Apply(r.Context(), d)
		if err != nil && manager.IsValidation(err) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			logEnd(r, lvl, "directive", http.StatusBadRequest, err, nil)
			return
		}
		// Load failures are recorded on the servable and reported per outcome.
		resp := types.ReconcileResponse{Results: make([]types.DirectiveResponse, 0, len(outs))}
		for _, o := range outs {
			resp.Results = append(resp.Results, toDirectiveResponse(o))
			recordOutcome(o.Action.String(), outcomeResult(o))
		}
		writeJSON(w, http.StatusOK, resp)
		logEnd(r, lvl, "directive", http.StatusOK, err, func(z *zerolog.Event) {
			z.Str("servable", d.Name).Str("action", d.Action.String())
		})
	}
}

func reconcileHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.ReconcileRequest
		if !decodeBody(w, r, &req) {
			return
		}
		rep := svc.Reconcile(r.Context(), req.Servables)
		resp := types.ReconcileResponse{Results: make([]types.DirectiveResponse, 0, len(rep.Outcomes))}
		for _, o := range rep.Outcomes {
			resp.Results = append(resp.Results, toDirectiveResponse(o))
			recordOutcome(o.Action.String(), outcomeResult(o))
		}
		writeJSON(w, http.StatusOK, resp)
		logEnd(r, requestLogLevel(r), "reconcile", http.StatusOK, nil, func(z *zerolog.Event) {
			z.Int("applied", len(rep.Outcomes)).Int("failed", len(rep.Failed()))
		})
	}
}

func inferHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.InferRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if name := chi.URLParam(r, "name"); name != "" {
			req.Model = name
		}
		// Basic validation
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
		start := time.Now()
		writer := io.Writer(w)
		lvl := requestLogLevel(r)
		if lvl >= LevelDebug {
			writer = io.MultiWriter(w, &loggingLineWriter{rid: middleware.GetReqID(r.Context())})
		}
		if lvl >= LevelInfo {
			z := zlog.Info().Str("path", r.URL.Path).Str("model", req.Model)
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				z = z.Str("request_id", rid)
			}
			z.Msg("infer start")
		}
		ctx, cancel := inferContext(r, serverBaseCtx, time.Duration(inferTimeout)*time.Second)
		defer cancel()
		conn := connection.FromHTTPRequest(r)
		defer conn.Complete()

		durField := func(z *zerolog.Event) { z.Dur("dur", time.Since(start)).Str("model", req.Model) }
		if err := svc.Infer(ctx, req, conn, writer, flush); err != nil {
			// If the client went away or the server is shutting down, just return.
			if conn.IsDisconnected() || serverBaseCtx.Err() != nil {
				return
			}
			status := StatusForError(err)
			if reason, ok := rejectionReasons[status]; ok {
				recordRejection(req.Model, reason)
			}
			writeJSONError(w, status, err.Error())
			logEnd(r, lvl, "infer", status, err, durField)
			return
		}
		logEnd(r, lvl, "infer", http.StatusOK, nil, durField)
	}
}
