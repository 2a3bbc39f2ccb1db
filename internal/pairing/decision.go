package pairing

import (
	"context"
	"errors"

	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/protocol"
	"github.com/clawline/clawline/internal/session"
	"github.com/clawline/clawline/internal/store/state"
)

var errAlreadyPaired = errors.New("pairing: device already allowlisted")

// HandlePairDecision applies an admin verdict to a pending pair
// request. The first decision wins; everything that cannot be applied
// comes back as invalid_message without closing the admin socket, so a
// stale admin UI never loses its session over a decision that raced a
// TTL or another admin.
func (m *Manager) HandlePairDecision(ctx context.Context, sess *session.Session, dec *protocol.PairDecision) error {
	if !sess.IsAdmin {
		m.logger.Warn().
			Str(log.FieldSessionID, sess.ID).
			Str(log.FieldDeviceID, dec.DeviceID).
			Msg("pair_decision from non-admin session")
		return protocol.NewClientError(protocol.CodeInvalidMessage, "pair_decision requires an admin session")
	}
	if dec.Approve {
		if !protocol.ValidUserID(dec.UserID) {
			return protocol.NewClientError(protocol.CodeInvalidMessage, "approve requires a userId of the form user_<uuid>")
		}
	} else if dec.UserID != "" {
		return protocol.NewClientError(protocol.CodeInvalidMessage, "deny must not carry a userId")
	}

	now := m.now()
	m.mu.Lock()
	p, ok := m.pending[dec.DeviceID]
	if ok && now.Sub(p.createdAt) > m.cfg.PendingTTL {
		delete(m.pending, dec.DeviceID)
		m.mu.Unlock()
		m.expirePair(p)
		return protocol.NewClientError(protocol.CodeInvalidMessage, "pair request expired")
	}
	if !ok {
		m.mu.Unlock()
		return protocol.NewClientError(protocol.CodeInvalidMessage, "no pending pair request for device")
	}
	if !dec.Approve {
		delete(m.pending, dec.DeviceID)
		m.mu.Unlock()
		m.logger.Info().Str(log.FieldDeviceID, dec.DeviceID).Msg("pair request denied")
		m.failPair(p.conn, protocol.CodePairDenied)
		return nil
	}
	m.mu.Unlock()

	// The pending entry stays in the map until the allowlist write
	// lands, so a lock timeout leaves the request intact for a retry.
	entry := state.AllowlistEntry{
		DeviceID:    dec.DeviceID,
		UserID:      dec.UserID,
		ClaimedName: p.claimedName,
		DeviceInfo:  p.deviceInfo,
		CreatedAt:   now.UnixMilli(),
	}
	err := m.allow.Update(ctx, func(devices map[string]state.AllowlistEntry) error {
		if _, exists := devices[dec.DeviceID]; exists {
			return errAlreadyPaired
		}
		devices[dec.DeviceID] = entry
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyPaired):
		return protocol.NewClientError(protocol.CodeInvalidMessage, "device already paired")
	case errors.Is(err, state.ErrLockTimeout):
		return protocol.NewClientError(protocol.CodeServerError, "state store busy, retry the decision")
	case err != nil:
		m.logger.Error().Err(err).Str(log.FieldDeviceID, dec.DeviceID).Msg("approval persist failed")
		return protocol.NewClientError(protocol.CodeServerError, "could not persist approval")
	}

	// Re-read the socket under the lock: a pending reconnect may have
	// swapped it while the allowlist write was in flight.
	m.mu.Lock()
	conn := p.conn
	if m.pending[dec.DeviceID] == p {
		delete(m.pending, dec.DeviceID)
	}
	m.mu.Unlock()

	m.logger.Info().
		Str(log.FieldDeviceID, dec.DeviceID).
		Str(log.FieldUserID, dec.UserID).
		Msg("pair request approved")
	return m.issueToken(ctx, conn, dec.DeviceID, dec.UserID, false)
}
