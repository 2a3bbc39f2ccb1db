package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clawline/clawline/internal/auth"
	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/protocol"
)

const headerRequestID = "X-Request-Id"

// requestID tags every request with a correlation id, honoring one the
// client already carries.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

// recoverer keeps a handler panic from taking the process down. The
// panic is logged with its stack and the client gets a plain 500.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 8192)
				n := runtime.Stack(buf, false)
				log.FromContext(r.Context()).Error().
					Str(log.FieldEvent, "panic.recovered").
					Str("method", r.Method).
					Str(log.FieldPath, r.URL.Path).
					Interface("panic_value", rec).
					Str("stack", string(buf[:n])).
					Msg("panic in http handler")
				writeCode(w, protocol.CodeServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the response status and size for the request
// log while passing Hijack through for the WebSocket upgrade.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpapi: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestLogger emits one line per request. Health and metrics scrapes
// log at debug so steady state stays quiet; hijacked sockets log their
// upgrade only.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			// Hijacked connections never write a status through us.
			status = http.StatusSwitchingProtocols
		}
		logger := log.FromContext(r.Context())
		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = logger.Error()
		case status >= 400:
			ev = logger.Warn()
		case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
			ev = logger.Debug()
		default:
			ev = logger.Info()
		}
		ev.Str("method", r.Method).
			Str(log.FieldPath, r.URL.Path).
			Int("status", status).
			Int64(log.FieldBytes, sw.bytes).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// bearerAuth enforces the media-plane token checks in the same order
// as the socket auth path: signature, revocation, allowlist membership,
// pending fence. The resulting identity rides the request context.
func bearerAuth(deps Deps) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeCode(w, protocol.CodeAuthFailed, "missing bearer token")
				return
			}
			claims, err := deps.Tokens.Parse(raw)
			if err != nil {
				writeCode(w, protocol.CodeAuthFailed, "invalid token")
				return
			}
			if deps.Revoked != nil && deps.Revoked(claims.DeviceID) {
				writeCode(w, protocol.CodeTokenRevoked, "device revoked")
				return
			}
			entry, ok := deps.Allowlist.Get(claims.DeviceID)
			if !ok || entry.UserID != claims.Subject {
				writeCode(w, protocol.CodeAuthFailed, "device not allowlisted for user")
				return
			}
			if deps.Pending != nil && deps.Pending(claims.DeviceID) {
				writeCode(w, protocol.CodeDeviceNotApproved, "pairing decision still pending")
				return
			}

			ident := auth.Identity{
				DeviceID: claims.DeviceID,
				UserID:   entry.UserID,
				IsAdmin:  entry.IsAdmin,
			}
			ctx := auth.WithIdentity(r.Context(), ident)
			ctx = log.ContextWithDeviceID(ctx, ident.DeviceID)
			ctx = log.ContextWithUserID(ctx, ident.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// mediaRateLimit is the transport backstop on the media routes, keyed
// by the authenticated device. The IP fallback only matters if the
// limiter is ever mounted ahead of auth.
func mediaRateLimit(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if ident, ok := auth.IdentityFrom(r.Context()); ok {
				return ident.DeviceID, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeCode(w, protocol.CodeRateLimited, "too many media requests")
		}),
	)
}
