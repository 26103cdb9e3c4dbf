package httpapi

import (
	"context"
	"net/http"
	"time"
)

// serverBaseCtx is canceled on process shutdown so long infer streams stop
// even while their clients stay connected.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context. Nil resets it.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	serverBaseCtx = ctx
}

// inferContext derives the context for one infer request: it ends when the
// client goes away, when the base context ends or after timeout (0 = none).
func inferContext(r *http.Request, base context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(base, cancel)
	if timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, timeout)
		return ctx, func() { tcancel(); stop(); cancel() }
	}
	return ctx, func() { stop(); cancel() }
}
