// Package pairing owns device admission: the pending-pair map, the
// bootstrap of the first admin, admin approval and denial, token
// re-issue, JWT authentication, and replay on reconnect. It is the only
// writer of the allowlist.
package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/clawline/clawline/internal/auth"
	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/protocol"
	"github.com/clawline/clawline/internal/ratelimit"
	"github.com/clawline/clawline/internal/session"
	"github.com/clawline/clawline/internal/store"
	"github.com/clawline/clawline/internal/store/state"
)

var replayedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "clawline_replay_events_total",
	Help: "Events sent to reconnecting devices through replay.",
})

// Conn is the slice of a WebSocket connection the manager drives. Send
// and CloseWith come from session.Sink; Close tears the socket down
// with a bare close frame, used after a pair_result or auth_result has
// already said why.
type Conn interface {
	session.Sink
	Close(closeCode int, reason string)
}

// EventSource provides the read side of the event log for replay.
// *store.Store satisfies it.
type EventSource interface {
	EventsAfter(ctx context.Context, userID string, afterSeq int64, limit int) ([]store.Event, error)
	TailEvents(ctx context.Context, userID string, limit int) ([]store.Event, error)
	EventSequence(ctx context.Context, eventID, userID string) (int64, bool, error)
	CountReplayableAfter(ctx context.Context, userID string, afterSeq int64) (int64, error)
}

// Config carries the pairing knobs.
type Config struct {
	PendingTTL    time.Duration
	ReissueGrace  time.Duration
	MaxReplay     int
	SweepInterval time.Duration
}

// Deps are the collaborators the manager drives.
type Deps struct {
	Allowlist *state.Allowlist
	Tokens    *auth.TokenService
	Revoked   func(deviceID string) bool
	Registry  *session.Registry
	Limiter   *ratelimit.Limiter
	Events    EventSource
}

type pendingPair struct {
	deviceID    string
	claimedName string
	deviceInfo  map[string]string
	createdAt   time.Time
	conn        Conn
}

// Manager runs the pairing state machine and authentication.
type Manager struct {
	cfg    Config
	allow  *state.Allowlist
	tokens *auth.TokenService
	// revoked consults the live denylist.
	revoked  func(deviceID string) bool
	registry *session.Registry
	limiter  *ratelimit.Limiter
	events   EventSource
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingPair

	gateMu sync.Mutex
	gates  map[string]*sync.Mutex
}

// New builds a Manager. A nil Revoked dep means no device is ever
// considered revoked.
func New(cfg Config, deps Deps) *Manager {
	revoked := deps.Revoked
	if revoked == nil {
		revoked = func(string) bool { return false }
	}
	return &Manager{
		cfg:      cfg,
		allow:    deps.Allowlist,
		tokens:   deps.Tokens,
		revoked:  revoked,
		registry: deps.Registry,
		limiter:  deps.Limiter,
		events:   deps.Events,
		logger:   log.WithComponent("pairing"),
		now:      time.Now,
		pending:  make(map[string]*pendingPair),
		gates:    make(map[string]*sync.Mutex),
	}
}

// HandlePairRequest processes a pair_request. The manager answers on c
// itself for every outcome it owns (re-issue, bootstrap, pending,
// rejection of revoked devices); a returned *protocol.ClientError is
// handed back to the front door, which sends the error frame and closes
// only for invalid_message.
func (m *Manager) HandlePairRequest(ctx context.Context, c Conn, req *protocol.PairRequest) error {
	if !protocol.ValidDeviceID(req.DeviceID) {
		return protocol.NewClientError(protocol.CodeInvalidMessage, "deviceId must be a UUIDv4")
	}
	if !m.limiter.Attempt(ratelimit.ScopePair, req.DeviceID) {
		return protocol.NewClientError(protocol.CodeRateLimited, "too many pairing attempts")
	}
	if m.revoked(req.DeviceID) {
		// Revoked hardware does not re-enter the pairing flow.
		m.logger.Warn().Str(log.FieldDeviceID, req.DeviceID).Msg("pair_request from revoked device")
		m.failPair(c, protocol.CodePairRejected)
		return nil
	}

	name := CleanLabel(req.ClaimedName)
	info := CleanInfo(req.DeviceInfo)

	if entry, ok := m.allow.Get(req.DeviceID); ok {
		return m.reissue(ctx, c, entry)
	}

	if !m.allow.HasAdmin() {
		issued, err := m.bootstrap(ctx, c, req.DeviceID, name, info)
		if err != nil || issued {
			return err
		}
		// Lost the bootstrap race; fall through to a normal pending entry.
	}

	m.addPending(c, req.DeviceID, name, info)
	return nil
}

// reissue applies the re-issue rules to an already-paired device: an
// undelivered token is always re-issuable; a delivered one only while
// the device has never authenticated and the grace window is open.
func (m *Manager) reissue(ctx context.Context, c Conn, entry state.AllowlistEntry) error {
	ok := !entry.TokenDelivered ||
		(entry.LastSeenAt == nil && m.now().Sub(time.UnixMilli(entry.CreatedAt)) <= m.cfg.ReissueGrace)
	if !ok {
		return protocol.NewClientError(protocol.CodeInvalidMessage, "device already paired")
	}
	m.logger.Info().
		Str(log.FieldDeviceID, entry.DeviceID).
		Str(log.FieldUserID, entry.UserID).
		Msg("re-issuing token")
	return m.issueToken(ctx, c, entry.DeviceID, entry.UserID, entry.IsAdmin)
}

var errBootstrapLost = errors.New("pairing: admin already exists")

// bootstrap mints the first admin. The no-admin check runs again inside
// the allowlist critical section so exactly one racer wins; losers
// report issued=false and become ordinary pending entries.
func (m *Manager) bootstrap(ctx context.Context, c Conn, deviceID, name string, info map[string]string) (bool, error) {
	entry := state.AllowlistEntry{
		DeviceID:    deviceID,
		UserID:      protocol.NewUserID(),
		IsAdmin:     true,
		ClaimedName: name,
		DeviceInfo:  info,
		CreatedAt:   m.now().UnixMilli(),
	}
	err := m.allow.Update(ctx, func(devices map[string]state.AllowlistEntry) error {
		for _, e := range devices {
			if e.IsAdmin {
				return errBootstrapLost
			}
		}
		devices[deviceID] = entry
		return nil
	})
	switch {
	case errors.Is(err, errBootstrapLost):
		return false, nil
	case errors.Is(err, state.ErrLockTimeout):
		return false, protocol.NewClientError(protocol.CodeServerError, "state store busy, retry pairing")
	case err != nil:
		m.logger.Error().Err(err).Str(log.FieldDeviceID, deviceID).Msg("bootstrap persist failed")
		return false, protocol.NewClientError(protocol.CodeServerError, "could not persist pairing")
	}

	m.logger.Info().
		Str(log.FieldDeviceID, deviceID).
		Str(log.FieldUserID, entry.UserID).
		Msg("bootstrap admin paired")
	return true, m.issueToken(ctx, c, deviceID, entry.UserID, true)
}

// issueToken mints a token and delivers it in a pair_result.
// tokenDelivered flips only after the write succeeds, so an undelivered
// token stays re-issuable.
func (m *Manager) issueToken(ctx context.Context, c Conn, deviceID, userID string, isAdmin bool) error {
	token, err := m.tokens.Mint(userID, deviceID, isAdmin)
	if err != nil {
		m.logger.Error().Err(err).Str(log.FieldDeviceID, deviceID).Msg("token mint failed")
		return protocol.NewClientError(protocol.CodeServerError, "could not issue token")
	}
	res := &protocol.PairResult{Type: protocol.TypePairResult, Success: true, Token: token, UserID: userID}
	if err := m.send(c, res); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldDeviceID, deviceID).Msg("pair_result delivery failed")
		return nil
	}
	err = m.allow.Update(ctx, func(devices map[string]state.AllowlistEntry) error {
		e, ok := devices[deviceID]
		if !ok {
			return fmt.Errorf("device %s missing from allowlist", deviceID)
		}
		e.TokenDelivered = true
		devices[deviceID] = e
		return nil
	})
	if err != nil {
		m.logger.Warn().Err(err).Str(log.FieldDeviceID, deviceID).
			Msg("tokenDelivered not persisted; token remains re-issuable")
	}
	return nil
}

// addPending records a pending pair request. A repeat request for a
// still-pending device keeps the original createdAt and name but takes
// over the socket; an expired entry is replaced by a fresh one.
func (m *Manager) addPending(c Conn, deviceID, name string, info map[string]string) {
	now := m.now()
	var expired *pendingPair

	m.mu.Lock()
	if p, ok := m.pending[deviceID]; ok {
		if now.Sub(p.createdAt) <= m.cfg.PendingTTL {
			p.conn = c
			m.mu.Unlock()
			m.logger.Debug().Str(log.FieldDeviceID, deviceID).Msg("pending pair request reconnected")
			return
		}
		delete(m.pending, deviceID)
		expired = p
	}
	p := &pendingPair{deviceID: deviceID, claimedName: name, deviceInfo: info, createdAt: now, conn: c}
	m.pending[deviceID] = p
	m.mu.Unlock()

	if expired != nil {
		m.expirePair(expired)
	}
	m.logger.Info().Str(log.FieldDeviceID, deviceID).Msg("pair request pending approval")
	m.notifyAdmins(p)
}

// notifyAdmins pushes a pair_approval_request to every connected admin
// session. Delivery is best-effort; admins that were offline catch up
// on their next auth.
func (m *Manager) notifyAdmins(p *pendingPair) {
	frame, err := json.Marshal(approvalFrame(p))
	if err != nil {
		m.logger.Error().Err(err).Msg("marshal pair_approval_request")
		return
	}
	for _, admin := range m.registry.Admins() {
		if err := admin.Send(frame); err != nil {
			m.logger.Warn().Err(err).
				Str(log.FieldSessionID, admin.ID).
				Msg("pair_approval_request not delivered")
		}
	}
}

func approvalFrame(p *pendingPair) *protocol.PairApprovalRequest {
	return &protocol.PairApprovalRequest{
		Type:        protocol.TypePairApprovalRequest,
		DeviceID:    p.deviceID,
		ClaimedName: p.claimedName,
		DeviceInfo:  p.deviceInfo,
	}
}

// deliverPending replays every still-valid pending request to a freshly
// authenticated admin, oldest first. Entries past their TTL are expired
// on the way.
func (m *Manager) deliverPending(c Conn) {
	now := m.now()
	var live, expired []*pendingPair

	m.mu.Lock()
	for id, p := range m.pending {
		if now.Sub(p.createdAt) > m.cfg.PendingTTL {
			delete(m.pending, id)
			expired = append(expired, p)
			continue
		}
		live = append(live, p)
	}
	m.mu.Unlock()

	for _, p := range expired {
		m.expirePair(p)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].createdAt.Before(live[j].createdAt) })
	for _, p := range live {
		if err := m.send(c, approvalFrame(p)); err != nil {
			return
		}
	}
}

// Run expires pending pair requests on a ticker until ctx is done. The
// lazy checks on read cover most paths; the ticker catches entries
// nobody touches.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.ExpireOnce()
		}
	}
}

// ExpireOnce removes every pending entry past its TTL, notifying the
// waiting sockets. It returns the number of expired entries and is
// deterministic for tests.
func (m *Manager) ExpireOnce() int {
	now := m.now()
	var expired []*pendingPair

	m.mu.Lock()
	for id, p := range m.pending {
		if now.Sub(p.createdAt) > m.cfg.PendingTTL {
			delete(m.pending, id)
			expired = append(expired, p)
		}
	}
	m.mu.Unlock()

	for _, p := range expired {
		m.expirePair(p)
	}
	return len(expired)
}

func (m *Manager) expirePair(p *pendingPair) {
	m.logger.Info().Str(log.FieldDeviceID, p.deviceID).Msg("pending pair request expired")
	m.failPair(p.conn, protocol.CodePairTimeout)
}

// failPair concludes a pairing attempt: pair_result with the reason,
// then a normal close.
func (m *Manager) failPair(c Conn, reason protocol.Code) {
	if c == nil {
		return
	}
	_ = m.send(c, &protocol.PairResult{Type: protocol.TypePairResult, Success: false, Reason: reason})
	c.Close(protocol.CloseNormal, string(reason))
}

// IsPending reports whether deviceID has a live pending entry. The
// media plane uses it to fence tokens minted for a device that has
// since re-entered pairing.
func (m *Manager) IsPending(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[deviceID]
	return ok && m.now().Sub(p.createdAt) <= m.cfg.PendingTTL
}

// PendingCount reports the number of pending pair requests, expired
// ones included until a sweep runs.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) send(c Conn, v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pairing: marshal frame: %w", err)
	}
	return c.Send(frame)
}
