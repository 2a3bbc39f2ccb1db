package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/pairing"
	"github.com/clawline/clawline/internal/protocol"
	"github.com/clawline/clawline/internal/ratelimit"
	"github.com/clawline/clawline/internal/session"
)

var errQueueFull = errors.New("ws: outbound queue full")

type closeDirective struct {
	code   int
	reason string
}

// conn is one WebSocket connection. The goroutine that upgraded it runs
// readPump; writePump is the only goroutine that touches the socket's
// write side. Every close path funnels through shutdown, which hands
// writePump a single close directive.
type conn struct {
	h  *Handler
	ws *websocket.Conn

	out      chan []byte
	closing  chan closeDirective
	closed   atomic.Bool
	pumpDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	sess        *session.Session
	typingArmed bool
	typingGen   uint64
	typingTimer *time.Timer

	// strikes counts over-budget messages on this connection. Only the
	// read goroutine touches it.
	strikes int

	logger zerolog.Logger
}

var _ pairing.Conn = (*conn)(nil)

func newConn(h *Handler, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		h:        h,
		ws:       ws,
		out:      make(chan []byte, outboundQueue),
		closing:  make(chan closeDirective, 1),
		pumpDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   h.logger.With().Str("remote", ws.RemoteAddr().String()).Logger(),
	}
}

// Send enqueues a frame without blocking. It fails when the outbound
// queue is full; the registry closes such sessions and the device
// catches up through replay.
func (c *conn) Send(frame []byte) error {
	select {
	case c.out <- frame:
		return nil
	default:
		return errQueueFull
	}
}

// CloseWith puts an error frame on the wire and closes with the close
// code mapped from the wire code.
func (c *conn) CloseWith(code protocol.Code, message string) {
	if frame, err := json.Marshal(protocol.NewErrorFrame(protocol.NewClientError(code, message))); err == nil {
		// Best effort; a full queue forfeits the error frame, not the close.
		select {
		case c.out <- frame:
		default:
		}
	}
	c.shutdown(protocol.CloseCodeFor(code), string(code))
}

// Close tears the connection down with a bare close frame, used after a
// pair_result or auth_result has already said why.
func (c *conn) Close(closeCode int, reason string) {
	c.shutdown(closeCode, reason)
}

// shutdown hands writePump the close directive. The CAS guarantees at
// most one directive is ever sent, so the cap-1 channel never blocks.
func (c *conn) shutdown(closeCode int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.closing <- closeDirective{code: closeCode, reason: reason}
}

func (c *conn) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *conn) setSession(sess *session.Session) {
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	c.logger = c.logger.With().
		Str(log.FieldDeviceID, sess.DeviceID).
		Str(log.FieldUserID, sess.UserID).
		Str(log.FieldSessionID, sess.ID).
		Logger()
}

// writePump owns the socket's write side: queued frames, keepalive
// pings, and the final close frame.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer close(c.pumpDone)

	for {
		select {
		case d := <-c.closing:
			closesTotal.WithLabelValues(strconv.Itoa(d.code)).Inc()
			c.flushOut()
			msg := websocket.FormatCloseMessage(d.code, d.reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = c.ws.Close()
			return
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.closed.Store(true)
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.closed.Store(true)
				_ = c.ws.Close()
				return
			}
		}
	}
}

// flushOut drains frames already queued so a final error frame reaches
// the peer ahead of the close frame.
func (c *conn) flushOut() {
	for {
		select {
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump reads and routes client frames until the connection dies.
func (c *conn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(protocol.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Keepalive is server-driven; client pings are ignored.
	c.ws.SetPingHandler(func(string) error { return nil })

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.CloseWith(protocol.CodePayloadTooLarge, "frame exceeds size limit")
			}
			return
		}
		if !c.handleFrame(data) {
			return
		}
	}
}

// teardown runs exactly once, when readPump returns. It stops the write
// side, leaves fan-out, clears any lingering typing state for siblings,
// and releases the handler's slot.
func (c *conn) teardown() {
	c.shutdown(protocol.CloseNormal, "")
	<-c.pumpDone
	c.cancel()

	c.mu.Lock()
	sess := c.sess
	armed := c.typingArmed
	c.typingArmed = false
	c.typingGen++
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()

	if sess != nil {
		c.h.deps.Registry.Unregister(sess)
		if armed {
			c.broadcastTyping(sess, false)
		}
	}
	c.h.untrack(c)
}

// handleFrame routes one raw frame. It reports false when the read loop
// should stop because the connection is closing.
func (c *conn) handleFrame(data []byte) bool {
	frame, err := protocol.DecodeClientFrame(data)
	if err != nil {
		if ce, ok := protocol.AsClientError(err); ok {
			// Valid JSON, unusable frame. The sender may recover.
			framesReceived.WithLabelValues("unknown").Inc()
			c.sendError(ce)
			return true
		}
		c.logger.Debug().Err(err).Msg("malformed frame")
		c.shutdown(protocol.CloseProtocolError, "malformed frame")
		return false
	}

	switch f := frame.(type) {
	case *protocol.PairRequest:
		framesReceived.WithLabelValues(protocol.TypePairRequest).Inc()
		return c.onPairRequest(f)
	case *protocol.Auth:
		framesReceived.WithLabelValues(protocol.TypeAuth).Inc()
		return c.onAuth(f)
	case *protocol.PairDecision:
		framesReceived.WithLabelValues(protocol.TypePairDecision).Inc()
		return c.onPairDecision(f)
	case *protocol.ClientMessage:
		framesReceived.WithLabelValues(protocol.TypeMessage).Inc()
		return c.onMessage(f)
	case *protocol.Typing:
		framesReceived.WithLabelValues(protocol.TypeTyping).Inc()
		return c.onTyping(f)
	}
	return true
}

func (c *conn) sendError(ce *protocol.ClientError) {
	frame, err := json.Marshal(protocol.NewErrorFrame(ce))
	if err != nil {
		return
	}
	_ = c.Send(frame)
}

func (c *conn) onPairRequest(f *protocol.PairRequest) bool {
	if c.session() != nil {
		c.sendError(protocol.NewClientError(protocol.CodeInvalidMessage, "already authenticated"))
		return true
	}
	if f.ProtocolVersion != protocol.Version {
		c.CloseWith(protocol.CodeInvalidMessage, "unsupported protocolVersion")
		return false
	}
	if err := c.h.deps.Pairing.HandlePairRequest(c.ctx, c, f); err != nil {
		ce, ok := protocol.AsClientError(err)
		switch {
		case !ok:
			c.logger.Error().Err(err).Msg("pair_request failed")
			c.sendError(protocol.NewClientError(protocol.CodeServerError, "internal error"))
		case ce.Code == protocol.CodeInvalidMessage:
			c.CloseWith(ce.Code, ce.Message)
			return false
		default:
			// Transient refusals like rate_limited leave the socket
			// open for a retry.
			c.sendError(ce)
		}
	}
	return true
}

func (c *conn) onAuth(f *protocol.Auth) bool {
	if c.session() != nil {
		c.sendError(protocol.NewClientError(protocol.CodeInvalidMessage, "already authenticated"))
		return true
	}
	if f.ProtocolVersion != protocol.Version {
		c.CloseWith(protocol.CodeInvalidMessage, "unsupported protocolVersion")
		return false
	}
	sess, err := c.h.deps.Pairing.Authenticate(c.ctx, c, f)
	if err != nil {
		// The manager has already answered on the socket and closed it.
		c.logger.Debug().Err(err).Msg("auth did not produce a session")
		return false
	}
	c.setSession(sess)
	c.logger.Debug().Msg("connection authenticated")
	return true
}

func (c *conn) onPairDecision(f *protocol.PairDecision) bool {
	sess := c.session()
	if sess == nil {
		c.CloseWith(protocol.CodeAuthFailed, "authentication required")
		return false
	}
	if err := c.h.deps.Pairing.HandlePairDecision(c.ctx, sess, f); err != nil {
		if ce, ok := protocol.AsClientError(err); ok {
			c.sendError(ce)
		} else {
			c.logger.Error().Err(err).Msg("pair_decision failed")
			c.sendError(protocol.NewClientError(protocol.CodeServerError, "internal error"))
		}
	}
	return true
}

func (c *conn) onMessage(f *protocol.ClientMessage) bool {
	sess := c.session()
	if sess == nil {
		c.CloseWith(protocol.CodeAuthFailed, "authentication required")
		return false
	}
	if err := c.h.deps.Dispatch.Submit(sess, f); err != nil {
		ce, ok := protocol.AsClientError(err)
		if !ok {
			c.logger.Error().Err(err).Msg("message intake failed")
			c.sendError(protocol.NewClientError(protocol.CodeServerError, "internal error"))
			return true
		}
		c.sendError(ce)
		if ce.Code == protocol.CodePayloadTooLarge {
			return c.oversizeStrike(sess)
		}
	}
	return true
}

// oversizeStrike charges one over-budget message against the device.
// The connection closes on the third strike; the shared limiter window
// backs that up across reconnects.
func (c *conn) oversizeStrike(sess *session.Session) bool {
	c.strikes++
	allowed := c.h.deps.Limiter.Attempt(ratelimit.ScopeOversize, sess.DeviceID)
	if c.strikes < oversizeStrikes && allowed {
		return true
	}
	c.logger.Warn().
		Int("strikes", c.strikes).
		Str(log.FieldCode, string(protocol.CodePayloadTooLarge)).
		Msg("closing connection after repeated oversize messages")
	c.shutdown(protocol.ClosePolicy, string(protocol.CodePayloadTooLarge))
	return false
}

func (c *conn) onTyping(f *protocol.Typing) bool {
	sess := c.session()
	if sess == nil {
		c.CloseWith(protocol.CodeAuthFailed, "authentication required")
		return false
	}
	if !c.h.deps.Limiter.Attempt(ratelimit.ScopeTyping, sess.DeviceID) {
		// Typing is advisory; rejected signals are dropped, not errored.
		return true
	}
	c.broadcastTyping(sess, f.Active)
	if f.Active {
		c.armTypingClear(sess)
	} else {
		c.disarmTypingClear()
	}
	return true
}

// broadcastTyping relays the device's typing state to the user's other
// sessions, never back to the source.
func (c *conn) broadcastTyping(sess *session.Session, active bool) {
	frame, err := json.Marshal(&protocol.Typing{Type: protocol.TypeTyping, Active: active})
	if err != nil {
		return
	}
	c.h.deps.Registry.BroadcastExcept(sess.UserID, sess.ID, frame)
}

// armTypingClear schedules the auto-clear that fires when a device goes
// silent without sending active:false. The generation counter keeps a
// stopped timer's late callback from clearing a newer signal.
func (c *conn) armTypingClear(sess *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingGen++
	gen := c.typingGen
	c.typingArmed = true
	c.typingTimer = time.AfterFunc(c.h.cfg.TypingAutoExpire, func() {
		c.mu.Lock()
		live := c.typingArmed && gen == c.typingGen
		if live {
			c.typingArmed = false
		}
		c.mu.Unlock()
		if live {
			c.broadcastTyping(sess, false)
		}
	})
}

func (c *conn) disarmTypingClear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typingGen++
	c.typingArmed = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
}
