package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/clawline/clawline/internal/auth"
	"github.com/clawline/clawline/internal/protocol"
	"github.com/clawline/clawline/internal/ratelimit"
	"github.com/clawline/clawline/internal/session"
	"github.com/clawline/clawline/internal/store"
	"github.com/clawline/clawline/internal/store/state"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// fakeConn records frames and close calls on behalf of a socket.
type fakeConn struct {
	mu          sync.Mutex
	frames      [][]byte
	sendErr     error
	closed      bool
	closeCode   int
	closeReason string
	closedWith  protocol.Code
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) CloseWith(code protocol.Code, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closedWith = code
	c.closeCode = protocol.CloseCodeFor(code)
}

func (c *fakeConn) Close(closeCode int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = closeCode
	c.closeReason = reason
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) decode(t *testing.T, i int, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Less(t, i, len(c.frames), "frame %d not sent", i)
	require.NoError(t, json.Unmarshal(c.frames[i], v))
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) closedCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) closedWithCode() protocol.Code {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedWith
}

type fixture struct {
	t      *testing.T
	m      *Manager
	allow  *state.Allowlist
	st     *store.Store
	tokens *auth.TokenService
	reg    *session.Registry
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	allow, err := state.LoadAllowlist(filepath.Join(dir, "allowlist.json"), filepath.Join(dir, "allowlist.lock"))
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(dir, "clawline.sqlite"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		t:      t,
		allow:  allow,
		st:     st,
		tokens: auth.NewTokenService(testKey, time.Hour),
		reg:    session.NewRegistry(),
		now:    time.UnixMilli(1_755_000_000_000),
	}
	f.m = New(Config{
		PendingTTL:   5 * time.Minute,
		ReissueGrace: 10 * time.Minute,
		MaxReplay:    50,
	}, Deps{
		Allowlist: allow,
		Tokens:    f.tokens,
		Registry:  f.reg,
		Limiter:   ratelimit.New(ratelimit.DefaultConfig(10, 10)),
		Events:    st,
	})
	f.m.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) pairRequest(deviceID string) *protocol.PairRequest {
	return &protocol.PairRequest{
		Type:            protocol.TypePairRequest,
		ProtocolVersion: protocol.Version,
		DeviceID:        deviceID,
	}
}

func (f *fixture) authFrame(token, deviceID string, lastMessageID *string) *protocol.Auth {
	return &protocol.Auth{
		Type:            protocol.TypeAuth,
		ProtocolVersion: protocol.Version,
		Token:           token,
		DeviceID:        deviceID,
		LastMessageID:   lastMessageID,
	}
}

func (f *fixture) seedDevice(deviceID, userID string, isAdmin, delivered bool, lastSeen *int64, createdAt time.Time) {
	f.t.Helper()
	err := f.allow.Update(context.Background(), func(devices map[string]state.AllowlistEntry) error {
		devices[deviceID] = state.AllowlistEntry{
			DeviceID:       deviceID,
			UserID:         userID,
			IsAdmin:        isAdmin,
			TokenDelivered: delivered,
			CreatedAt:      createdAt.UnixMilli(),
			LastSeenAt:     lastSeen,
		}
		return nil
	})
	require.NoError(f.t, err)
}

// seedAdmin installs an admin entry so pair requests go pending instead
// of bootstrapping.
func (f *fixture) seedAdmin() string {
	dev := uuid.NewString()
	f.seedDevice(dev, protocol.NewUserID(), true, true, nil, f.now)
	return dev
}

// pairedDevice seeds an allowlisted device and mints its token.
func (f *fixture) pairedDevice(userID string, isAdmin bool) (string, string) {
	f.t.Helper()
	dev := uuid.NewString()
	f.seedDevice(dev, userID, isAdmin, true, nil, f.now)
	token, err := f.tokens.Mint(userID, dev, isAdmin)
	require.NoError(f.t, err)
	return dev, token
}

// seedEvents inserts n finalized assistant events with sequences 1..n
// and returns their ids.
func (f *fixture) seedEvents(userID string, n int) []string {
	f.t.Helper()
	tx, err := f.st.BeginTx(context.Background())
	require.NoError(f.t, err)
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("s_ev%d", i)
		payload := fmt.Sprintf(
			`{"type":"message","id":%q,"role":"assistant","content":"reply %d","timestamp":%d,"streaming":false}`,
			id, i, f.now.UnixMilli())
		require.NoError(f.t, store.InsertEvent(tx, store.Event{
			ID:           id,
			UserID:       userID,
			Sequence:     int64(i),
			Type:         "message",
			Streaming:    store.StreamFinal,
			PayloadJSON:  payload,
			PayloadBytes: int64(len(payload)),
			Timestamp:    f.now.UnixMilli(),
		}))
		ids = append(ids, id)
	}
	require.NoError(f.t, tx.Commit())
	return ids
}

func requireClientError(t *testing.T, err error, code protocol.Code) {
	t.Helper()
	ce, ok := protocol.AsClientError(err)
	require.True(t, ok, "want ClientError, got %v", err)
	require.Equal(t, code, ce.Code)
}
