package httpapi

import (
	"bytes"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the HTTP layer logger. Nop until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs the HTTP layer logger.
func SetLogger(l zerolog.Logger) { zlog = l }

// LogLevel is the verbosity of request logging. It is independent of the
// process log level so one request can be traced on a quiet server.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	// LevelDebug also logs every NDJSON line streamed to the client.
	LevelDebug
)

var requestLevels = map[string]LogLevel{
	"":      LevelOff,
	"off":   LevelOff,
	"error": LevelError,
	"warn":  LevelError,
	"info":  LevelInfo,
	"debug": LevelDebug,
	"1":     LevelDebug,
}

// parseLevel maps a level name; unknown names mean info.
func parseLevel(s string) LogLevel {
	if l, ok := requestLevels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l
	}
	return LevelInfo
}

// defaultLogLevel comes from SERVD_REQUEST_LOG and is read once.
var defaultLogLevel = parseLevel(os.Getenv("SERVD_REQUEST_LOG"))

// requestLogLevel honors ?log= first, then the X-Log-Level header.
func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// loggingLineWriter logs each complete NDJSON line written to it.
type loggingLineWriter struct {
	buf []byte
	rid string
}

func (lw *loggingLineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		i := bytes.IndexByte(lw.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		if i > 0 {
			zlog.Debug().Str("request_id", lw.rid).Bytes("line", lw.buf[:i]).Msg("infer>")
		}
		lw.buf = lw.buf[i+1:]
	}
}

// logEnd writes the "<op> end" line. At LevelError only failed requests are
// logged.
func logEnd(r *http.Request, lvl LogLevel, op string, status int, err error, fields func(*zerolog.Event)) {
	switch {
	case lvl >= LevelInfo:
	case lvl == LevelError && err != nil:
	default:
		return
	}
	z := zlog.Info()
	if err != nil && status >= http.StatusInternalServerError {
		z = zlog.Error()
	}
	z = z.Int("status", status).Str("path", r.URL.Path)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	if fields != nil {
		fields(z)
	}
	z.Err(err).Msg(op + " end")
}
