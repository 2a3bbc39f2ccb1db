package pairing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/protocol"
	"github.com/clawline/clawline/internal/ratelimit"
	"github.com/clawline/clawline/internal/session"
	"github.com/clawline/clawline/internal/store"
	"github.com/clawline/clawline/internal/store/state"
)

// Authenticate validates an auth frame and, on success, sends
// auth_result, delivers pending approvals to admins, streams the replay
// set, and registers the session. Auths for the same device run
// serialized so earlier successes get their auth_result before a newer
// one displaces them. On failure the socket has already received
// auth_result success:false and been closed; the returned error is for
// the front door's read loop only.
func (m *Manager) Authenticate(ctx context.Context, c Conn, frame *protocol.Auth) (*session.Session, error) {
	if !protocol.ValidDeviceID(frame.DeviceID) {
		return nil, m.rejectAuth(c, frame.DeviceID, protocol.CodeAuthFailed, "malformed deviceId")
	}

	gate := m.deviceGate(frame.DeviceID)
	gate.Lock()
	defer gate.Unlock()

	if !m.limiter.Attempt(ratelimit.ScopeAuth, frame.DeviceID) {
		return nil, m.rejectAuth(c, frame.DeviceID, protocol.CodeRateLimited, "too many auth attempts")
	}
	claims, err := m.tokens.Verify(frame.Token, frame.DeviceID)
	if err != nil {
		return nil, m.rejectAuth(c, frame.DeviceID, protocol.CodeAuthFailed, err.Error())
	}
	if m.revoked(frame.DeviceID) {
		return nil, m.rejectAuth(c, frame.DeviceID, protocol.CodeTokenRevoked, "device revoked")
	}
	entry, ok := m.allow.Get(frame.DeviceID)
	if !ok || entry.UserID != claims.Subject {
		return nil, m.rejectAuth(c, frame.DeviceID, protocol.CodeAuthFailed, "device not allowlisted for user")
	}
	if m.IsPending(frame.DeviceID) {
		return nil, m.rejectAuth(c, frame.DeviceID, protocol.CodeDeviceNotApproved, "pairing decision still pending")
	}

	m.touchLastSeen(ctx, frame.DeviceID, m.now())

	events, truncated, reset, err := m.replaySet(ctx, entry.UserID, frame.LastMessageID)
	if err != nil {
		// The credentials were fine; the log was not. Closing with
		// server_error keeps the client from discarding its token.
		m.logger.Error().Err(err).Str(log.FieldDeviceID, frame.DeviceID).Msg("replay read failed")
		c.CloseWith(protocol.CodeServerError, "event log unavailable")
		return nil, fmt.Errorf("pairing: replay read: %w", err)
	}

	sess := session.New(protocol.NewSessionID(), frame.DeviceID, entry.UserID, entry.IsAdmin, c)
	res := &protocol.AuthResult{
		Type:            protocol.TypeAuthResult,
		Success:         true,
		UserID:          entry.UserID,
		SessionID:       sess.ID,
		ReplayCount:     len(events),
		ReplayTruncated: truncated,
		HistoryReset:    reset,
	}
	if err := m.send(c, res); err != nil {
		c.Close(protocol.CloseInternal, "auth_result delivery failed")
		return nil, fmt.Errorf("pairing: auth_result delivery: %w", err)
	}

	if entry.IsAdmin {
		m.deliverPending(c)
	}
	for _, ev := range events {
		if err := c.Send([]byte(ev.PayloadJSON)); err != nil {
			c.Close(protocol.CloseInternal, "replay delivery failed")
			return nil, fmt.Errorf("pairing: replay delivery: %w", err)
		}
	}
	replayedTotal.Add(float64(len(events)))

	// Joining fan-out happens only after the full replay is on the
	// wire, so live events can never overtake history.
	m.registry.Register(sess)

	m.logger.Info().
		Str(log.FieldDeviceID, frame.DeviceID).
		Str(log.FieldUserID, entry.UserID).
		Str(log.FieldSessionID, sess.ID).
		Int("replay_count", len(events)).
		Bool("history_reset", reset).
		Msg("session authenticated")
	return sess, nil
}

func (m *Manager) rejectAuth(c Conn, deviceID string, reason protocol.Code, detail string) error {
	m.logger.Warn().
		Str(log.FieldDeviceID, deviceID).
		Str(log.FieldCode, string(reason)).
		Str("detail", detail).
		Msg("auth rejected")
	_ = m.send(c, &protocol.AuthResult{Type: protocol.TypeAuthResult, Success: false, Reason: reason})
	c.Close(protocol.CloseCodeFor(reason), string(reason))
	return fmt.Errorf("pairing: auth rejected: %s", reason)
}

// deviceGate returns the per-device auth mutex, creating it on first
// use. Gates are only minted for well-formed device ids, which keeps
// the map bounded by the real device population.
func (m *Manager) deviceGate(deviceID string) *sync.Mutex {
	m.gateMu.Lock()
	defer m.gateMu.Unlock()
	g, ok := m.gates[deviceID]
	if !ok {
		g = &sync.Mutex{}
		m.gates[deviceID] = g
	}
	return g
}

// touchLastSeen stamps the device's first-auth marker. Failure is
// logged and otherwise ignored: the stamp only narrows the re-issue
// grace window, it never gates access.
func (m *Manager) touchLastSeen(ctx context.Context, deviceID string, now time.Time) {
	ts := now.UnixMilli()
	err := m.allow.Update(ctx, func(devices map[string]state.AllowlistEntry) error {
		e, ok := devices[deviceID]
		if !ok {
			return fmt.Errorf("device %s missing from allowlist", deviceID)
		}
		e.LastSeenAt = &ts
		devices[deviceID] = e
		return nil
	})
	if err != nil {
		m.logger.Warn().Err(err).Str(log.FieldDeviceID, deviceID).Msg("lastSeenAt not persisted")
	}
}

// replaySet picks the events a reconnecting device gets. An anchor that
// cannot be resolved for this user falls back to the tail with
// historyReset set; when more events qualify than the cap, only the
// newest cap are sent and replayTruncated is set.
func (m *Manager) replaySet(ctx context.Context, userID string, lastMessageID *string) ([]store.Event, bool, bool, error) {
	limit := m.cfg.MaxReplay
	anchor := int64(0)
	reset := false

	if lastMessageID == nil || *lastMessageID == "" {
		reset = true
	} else {
		seq, ok, err := m.events.EventSequence(ctx, *lastMessageID, userID)
		if err != nil {
			return nil, false, false, err
		}
		if !ok {
			reset = true
		} else {
			anchor = seq
		}
	}

	total, err := m.events.CountReplayableAfter(ctx, userID, anchor)
	if err != nil {
		return nil, false, false, err
	}
	truncated := total > int64(limit)

	var events []store.Event
	if truncated {
		// More than limit events past the anchor means the newest
		// limit rows are all past it too.
		events, err = m.events.TailEvents(ctx, userID, limit)
	} else {
		events, err = m.events.EventsAfter(ctx, userID, anchor, limit)
	}
	if err != nil {
		return nil, false, false, err
	}
	return events, truncated, reset, nil
}

// Revoke tears down the server-side presence of the given devices: a
// live session closes with token_revoked, a pending pair request is
// rejected. Queued dispatcher work for these devices is discarded by
// the dispatcher's own revocation hook.
func (m *Manager) Revoke(deviceIDs []string) {
	for _, id := range deviceIDs {
		if sess, ok := m.registry.ByDevice(id); ok {
			m.registry.Unregister(sess)
			sess.CloseWith(protocol.CodeTokenRevoked, "device access revoked")
			m.logger.Info().
				Str(log.FieldDeviceID, id).
				Str(log.FieldSessionID, sess.ID).
				Msg("session revoked")
		}

		m.mu.Lock()
		p, pending := m.pending[id]
		if pending {
			delete(m.pending, id)
		}
		m.mu.Unlock()
		if pending {
			m.logger.Info().Str(log.FieldDeviceID, id).Msg("pending pair request revoked")
			m.failPair(p.conn, protocol.CodePairRejected)
		}
	}
}
