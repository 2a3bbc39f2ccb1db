// Package httpapi assembles the HTTP surface shared by the control and
// media planes: the WebSocket upgrade route, asset upload/download,
// and the unauthenticated health, version, and metrics endpoints. All
// routes hang off one chi router behind one listener.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clawline/clawline/internal/auth"
	"github.com/clawline/clawline/internal/media"
	"github.com/clawline/clawline/internal/store/state"
)

// Config bounds the HTTP plane.
type Config struct {
	// MediaRequestsPerMinute is the transport-level ceiling on the
	// authenticated media routes, keyed by device. It backstops the
	// per-operation windows, it does not replace them.
	MediaRequestsPerMinute int
}

// Deps wires the HTTP plane into the provider.
type Deps struct {
	Tokens    *auth.TokenService
	Allowlist *state.Allowlist
	// Revoked reports whether the denylist currently names the device.
	Revoked func(deviceID string) bool
	// Pending reports whether the device has re-entered pairing, which
	// fences any token minted before the reset.
	Pending func(deviceID string) bool

	Media *media.Service
	// WS handles the /ws upgrade. Wired as an opaque handler so the
	// router does not depend on the front door package.
	WS http.Handler

	Version   string
	StartedAt time.Time
}

// NewHandler builds the full HTTP surface. The returned handler is
// ready to serve; tracing wraps everything except the endpoints that
// would only produce noise.
func NewHandler(cfg Config, deps Deps) http.Handler {
	if cfg.MediaRequestsPerMinute <= 0 {
		cfg.MediaRequestsPerMinute = 60
	}

	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(requestLogger)

	if deps.WS != nil {
		r.Method(http.MethodGet, "/ws", deps.WS)
	}
	r.Get("/healthz", handleHealthz(deps))
	r.Get("/version", handleVersion)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(g chi.Router) {
		g.Use(bearerAuth(deps))
		g.Use(mediaRateLimit(cfg.MediaRequestsPerMinute))
		g.Post("/upload", handleUpload(deps))
		g.Get("/download/{assetId}", handleDownload(deps))
	})

	return otelhttp.NewHandler(r, "clawline-http",
		otelhttp.WithFilter(shouldTrace),
		otelhttp.WithSpanNameFormatter(spanName),
	)
}

// shouldTrace keeps long-lived sockets and scrape endpoints out of the
// trace stream.
func shouldTrace(r *http.Request) bool {
	switch r.URL.Path {
	case "/ws", "/healthz", "/metrics":
		return false
	}
	return true
}

func spanName(_ string, r *http.Request) string {
	return "HTTP " + r.Method + " " + r.URL.Path
}
