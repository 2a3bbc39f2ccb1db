// Package ws is the WebSocket front door: it upgrades /ws, frames and
// validates client JSON, enforces keepalive and the frame cap, and
// routes decoded frames to the pairing manager and the dispatcher. One
// read and one write goroutine run per connection; everything the
// server sends flows through the connection's bounded outbound queue.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/clawline/clawline/internal/dispatch"
	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/pairing"
	"github.com/clawline/clawline/internal/protocol"
	"github.com/clawline/clawline/internal/ratelimit"
	"github.com/clawline/clawline/internal/session"
)

const (
	// writeWait bounds a single frame or control write.
	writeWait = 10 * time.Second
	// pongWait is how long a silent peer stays connected.
	pongWait = 90 * time.Second
	// pingInterval is the server keepalive cadence.
	pingInterval = 30 * time.Second
	// outboundQueue is the per-connection fan-out buffer. A device
	// that cannot drain this many frames is closed and replays on
	// reconnect.
	outboundQueue = 64
	// oversizeStrikes is how many over-budget messages one connection
	// gets before the socket closes.
	oversizeStrikes = 3
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clawline_ws_connections",
		Help: "Open WebSocket connections, authenticated or not",
	})
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawline_ws_frames_received_total",
		Help: "Client frames received, by declared type",
	}, []string{"type"})
	closesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawline_ws_closes_total",
		Help: "Server-initiated closes, by close code",
	}, []string{"code"})
)

// Config carries the front door knobs.
type Config struct {
	// TypingAutoExpire clears a device's typing state after this much
	// silence.
	TypingAutoExpire time.Duration
}

// Deps are the collaborators frames are routed to.
type Deps struct {
	Pairing  *pairing.Manager
	Dispatch *dispatch.Dispatcher
	Registry *session.Registry
	Limiter  *ratelimit.Limiter
}

// Handler upgrades and serves WebSocket connections.
type Handler struct {
	cfg  Config
	deps Deps

	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewHandler builds the front door.
func NewHandler(cfg Config, deps Deps) *Handler {
	if cfg.TypingAutoExpire <= 0 {
		cfg.TypingAutoExpire = 10 * time.Second
	}
	return &Handler{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Native mobile apps; there is no browser origin to trust.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("ws"),
		conns:  make(map[*conn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves it until the peer or the
// server ends the connection. The calling goroutine runs the read side.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written its error response.
		h.logger.Debug().Err(err).Msg("upgrade rejected")
		return
	}

	c := newConn(h, ws)
	if !h.track(c) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	connectionsGauge.Inc()

	go c.writePump()
	c.readPump()
}

func (h *Handler) track(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	connectionsGauge.Dec()
	h.wg.Done()
}

// Shutdown closes every connection with a normal close frame and waits
// for their pumps, or until ctx expires. New upgrades are refused once
// it has been called.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(protocol.CloseNormal, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
