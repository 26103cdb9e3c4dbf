package httpapi

import (
	"context"
	"io"
	"net/http"

	"servd/internal/connection"
	"servd/internal/manager"
	"servd/pkg/types"
)

// Resolved is a Service whose target is looked up on every call. While the
// lookup fails, API routes answer with the lookup error (503 for an
// unavailable dependency), readiness reports false and list calls are empty.
type Resolved struct {
	get func() (Service, error)
}

// Resolve returns a Service backed by get.
func Resolve(get func() (Service, error)) *Resolved { return &Resolved{get: get} }

// Available returns the current lookup error, if any.
func (r *Resolved) Available() error {
	_, err := r.get()
	return err
}

func (r *Resolved) ListModels() []types.Model {
	svc, err := r.get()
	if err != nil {
		return nil
	}
	return svc.ListModels()
}

func (r *Resolved) Status() types.StatusResponse {
	svc, err := r.get()
	if err != nil {
		return types.StatusResponse{}
	}
	return svc.Status()
}

func (r *Resolved) ServableStatus(name string) []types.ServableStatus {
	svc, err := r.get()
	if err != nil {
		return nil
	}
	return svc.ServableStatus(name)
}

func (r *Resolved) Infer(ctx context.Context, req types.InferRequest, conn connection.Lifecycle, w io.Writer, flush func()) error {
	svc, err := r.get()
	if err != nil {
		return err
	}
	return svc.Infer(ctx, req, conn, w, flush)
}

func (r *Resolved) Apply(ctx context.Context, d types.Directive) ([]manager.Outcome, error) {
	svc, err := r.get()
	if err != nil {
		return nil, err
	}
	return svc.Apply(ctx, d)
}

func (r *Resolved) Submit(d types.Directive) (string, error) {
	svc, err := r.get()
	if err != nil {
		return "", err
	}
	return svc.Submit(d)
}

func (r *Resolved) Reconcile(ctx context.Context, desired []types.Directive) manager.Report {
	svc, err := r.get()
	if err != nil {
		rep := manager.Report{Outcomes: make([]manager.Outcome, 0, len(desired))}
		for _, d := range desired {
			rep.Outcomes = append(rep.Outcomes, manager.Outcome{Name: d.Name, Version: d.Version, Action: d.Action, State: manager.StateAbsent, Err: err})
		}
		return rep
	}
	return svc.Reconcile(ctx, desired)
}

func (r *Resolved) Ready() bool {
	svc, err := r.get()
	return err == nil && svc.Ready()
}

// availability is implemented by services that can be temporarily absent.
type availability interface {
	Available() error
}

// requireAvailable rejects requests while svc reports an availability error.
func requireAvailable(svc Service) func(http.Handler) http.Handler {
	av, ok := svc.(availability)
	return func(next http.Handler) http.Handler {
		if !ok {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := av.Available(); err != nil {
				status := StatusForError(err)
				writeJSONError(w, status, err.Error())
				logEnd(r, requestLogLevel(r), "unavailable", status, err, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
