// Package session tracks authenticated WebSocket sessions and fans
// server frames out to every device of a user.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/protocol"
)

// Sink abstracts the socket side of a session. Send enqueues a frame
// without blocking and fails when the outbound buffer is full; CloseWith
// tears the connection down with an error frame and the close code
// mapped from the wire code.
type Sink interface {
	Send(frame []byte) error
	CloseWith(code protocol.Code, message string)
}

// Session is one authenticated connection bound to a device and user.
type Session struct {
	ID        string
	DeviceID  string
	UserID    string
	IsAdmin   bool
	StartedAt time.Time

	sink Sink
}

// New constructs a session around the given sink.
func New(id, deviceID, userID string, isAdmin bool, sink Sink) *Session {
	return &Session{
		ID:        id,
		DeviceID:  deviceID,
		UserID:    userID,
		IsAdmin:   isAdmin,
		StartedAt: time.Now(),
		sink:      sink,
	}
}

// Send enqueues a frame on the session's socket.
func (s *Session) Send(frame []byte) error {
	return s.sink.Send(frame)
}

// CloseWith tears the session's socket down.
func (s *Session) CloseWith(code protocol.Code, message string) {
	s.sink.CloseWith(code, message)
}

// Registry holds the live sessions: at most one per device, any number
// per user.
type Registry struct {
	mu       sync.RWMutex
	byDevice map[string]*Session
	byUser   map[string]map[string]*Session

	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byDevice: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		logger:   log.WithComponent("session"),
	}
}

// Register installs s, displacing any existing session for the same
// device. The displaced socket gets session_replaced and a normal
// close; it is already out of the maps by then, so no further fan-out
// can reach it.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	old := r.byDevice[s.DeviceID]
	if old != nil {
		r.removeLocked(old)
	}
	r.byDevice[s.DeviceID] = s
	users := r.byUser[s.UserID]
	if users == nil {
		users = make(map[string]*Session)
		r.byUser[s.UserID] = users
	}
	users[s.ID] = s
	r.mu.Unlock()

	if old != nil {
		r.logger.Info().
			Str(log.FieldDeviceID, s.DeviceID).
			Str(log.FieldSessionID, old.ID).
			Str(log.FieldNewState, s.ID).
			Msg("session replaced")
		old.CloseWith(protocol.CodeSessionReplaced, "another session for this device took over")
	}
}

// Unregister removes s if it is still the current session for its
// device. A session displaced by takeover is already gone and this is a
// no-op for it.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byDevice[s.DeviceID] == s {
		r.removeLocked(s)
	}
}

// removeLocked drops s from both maps. Caller holds r.mu.
func (r *Registry) removeLocked(s *Session) {
	delete(r.byDevice, s.DeviceID)
	if users := r.byUser[s.UserID]; users != nil {
		delete(users, s.ID)
		if len(users) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
}

// ByDevice returns the current session for deviceID.
func (r *Registry) ByDevice(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byDevice[deviceID]
	return s, ok
}

// ByUser returns a snapshot of the user's sessions.
func (r *Registry) ByUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := r.byUser[userID]
	out := make([]*Session, 0, len(users))
	for _, s := range users {
		out = append(out, s)
	}
	return out
}

// Admins returns a snapshot of all admin sessions.
func (r *Registry) Admins() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.byDevice {
		if s.IsAdmin {
			out = append(out, s)
		}
	}
	return out
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDevice)
}

// Broadcast sends frame to every session of userID. A session whose
// outbound buffer is full is closed and unregistered; the device
// catches up through replay on reconnect.
func (r *Registry) Broadcast(userID string, frame []byte) {
	r.BroadcastExcept(userID, "", frame)
}

// BroadcastExcept is Broadcast minus the named session, for traffic
// that must not echo back to its source, like typing rebroadcast.
func (r *Registry) BroadcastExcept(userID, exceptSessionID string, frame []byte) {
	for _, s := range r.ByUser(userID) {
		if s.ID == exceptSessionID {
			continue
		}
		if err := s.Send(frame); err != nil {
			r.logger.Warn().
				Str(log.FieldDeviceID, s.DeviceID).
				Str(log.FieldSessionID, s.ID).
				Err(err).
				Msg("fan-out failed, closing session")
			r.Unregister(s)
			s.CloseWith(protocol.CodeServerError, "outbound buffer overflow")
		}
	}
}

// CloseAll tears down every session, for shutdown.
func (r *Registry) CloseAll(code protocol.Code, message string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byDevice))
	for _, s := range r.byDevice {
		sessions = append(sessions, s)
	}
	r.byDevice = make(map[string]*Session)
	r.byUser = make(map[string]map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.CloseWith(code, message)
	}
}
