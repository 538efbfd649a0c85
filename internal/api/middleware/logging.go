package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in both directions. A caller may
// supply one to correlate its own logs; otherwise one is generated.
const RequestIDHeader = "X-Request-Id"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLog collects attributes that inner middleware learns about a
// request, such as the authenticated user, for the single access log line.
type requestLog struct {
	mu    sync.Mutex
	attrs []any
}

// Annotate adds key-value pairs to the access log line of r. It is a no-op
// outside Logger.
func Annotate(r *http.Request, args ...any) {
	l, ok := r.Context().Value(requestLogKey).(*requestLog)
	if !ok {
		return
	}
	l.mu.Lock()
	l.attrs = append(l.attrs, args...)
	l.mu.Unlock()
}

// RequestID returns the ID Logger assigned to the request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Logger assigns a request ID and writes one log line per request. Server
// errors log at error level and client errors at warn.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		l := &requestLog{}
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		ctx = context.WithValue(ctx, requestLogKey, l)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(ctx))

		level := slog.LevelInfo
		switch {
		case rec.status >= 500:
			level = slog.LevelError
		case rec.status >= 400:
			level = slog.LevelWarn
		}
		args := []any{
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		}
		l.mu.Lock()
		args = append(args, l.attrs...)
		l.mu.Unlock()
		slog.Log(r.Context(), level, "request", args...)
	})
}
