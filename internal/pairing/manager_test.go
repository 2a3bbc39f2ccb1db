package pairing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/clawline/clawline/internal/protocol"
	"github.com/clawline/clawline/internal/session"
)

func TestBootstrapFirstDeviceBecomesAdmin(t *testing.T) {
	f := newFixture(t)
	c := &fakeConn{}
	dev := uuid.NewString()

	req := f.pairRequest(dev)
	req.ClaimedName = "  Kitchen iPad\n"
	require.NoError(t, f.m.HandlePairRequest(context.Background(), c, req))

	var res protocol.PairResult
	c.decode(t, 0, &res)
	require.True(t, res.Success)
	require.NotEmpty(t, res.Token)
	require.True(t, protocol.ValidUserID(res.UserID))

	entry, ok := f.allow.Get(dev)
	require.True(t, ok)
	require.True(t, entry.IsAdmin)
	require.True(t, entry.TokenDelivered)
	require.Equal(t, "Kitchen iPad", entry.ClaimedName)

	claims, err := f.tokens.Verify(res.Token, dev)
	require.NoError(t, err)
	require.Equal(t, entry.UserID, claims.Subject)
	require.True(t, claims.IsAdmin)
	require.False(t, c.isClosed())
}

func TestBootstrapRaceMintsOneAdmin(t *testing.T) {
	f := newFixture(t)
	const n = 4

	conns := make([]*fakeConn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		conns[i] = &fakeConn{}
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			_ = f.m.HandlePairRequest(context.Background(), c, f.pairRequest(uuid.NewString()))
		}(conns[i])
	}
	wg.Wait()

	issued := 0
	for _, c := range conns {
		for _, typ := range c.types() {
			if typ == protocol.TypePairResult {
				issued++
			}
		}
	}
	require.Equal(t, 1, issued, "exactly one racer gets the admin token")
	require.Equal(t, 1, f.allow.Len())
	require.True(t, f.allow.HasAdmin())
	require.Equal(t, n-1, f.m.PendingCount(), "losers become pending entries")
}

func TestPairRequestRejectsMalformedDeviceID(t *testing.T) {
	f := newFixture(t)
	err := f.m.HandlePairRequest(context.Background(), &fakeConn{}, f.pairRequest("not-a-uuid"))
	requireClientError(t, err, protocol.CodeInvalidMessage)
}

func TestPairRequestRateLimited(t *testing.T) {
	f := newFixture(t)
	dev := uuid.NewString()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.m.HandlePairRequest(context.Background(), &fakeConn{}, f.pairRequest(dev)))
	}
	err := f.m.HandlePairRequest(context.Background(), &fakeConn{}, f.pairRequest(dev))
	requireClientError(t, err, protocol.CodeRateLimited)
}

func TestPairRequestFromRevokedDevice(t *testing.T) {
	f := newFixture(t)
	f.m.revoked = func(string) bool { return true }

	c := &fakeConn{}
	require.NoError(t, f.m.HandlePairRequest(context.Background(), c, f.pairRequest(uuid.NewString())))

	var res protocol.PairResult
	c.decode(t, 0, &res)
	require.False(t, res.Success)
	require.Equal(t, protocol.CodePairRejected, res.Reason)
	require.True(t, c.isClosed())
	require.Equal(t, protocol.CloseNormal, c.closedCode())
	require.Zero(t, f.m.PendingCount())
}

func TestReissueRules(t *testing.T) {
	seen := int64(1_754_000_000_000)
	cases := []struct {
		name      string
		delivered bool
		lastSeen  *int64
		age       time.Duration
		wantIssue bool
	}{
		{"undelivered token always reissues", false, nil, 30 * time.Minute, true},
		{"delivered, never seen, inside grace", true, nil, 5 * time.Minute, true},
		{"delivered, never seen, past grace", true, nil, 11 * time.Minute, false},
		{"delivered and already seen", true, &seen, time.Minute, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			dev := uuid.NewString()
			f.seedDevice(dev, protocol.NewUserID(), false, tc.delivered, tc.lastSeen, f.now.Add(-tc.age))

			c := &fakeConn{}
			err := f.m.HandlePairRequest(context.Background(), c, f.pairRequest(dev))
			if !tc.wantIssue {
				requireClientError(t, err, protocol.CodeInvalidMessage)
				require.Empty(t, c.types())
				return
			}
			require.NoError(t, err)
			var res protocol.PairResult
			c.decode(t, 0, &res)
			require.True(t, res.Success)
			require.NotEmpty(t, res.Token)
			entry, _ := f.allow.Get(dev)
			require.True(t, entry.TokenDelivered)
		})
	}
}

func TestPairRequestPendingNotifiesAdmins(t *testing.T) {
	f := newFixture(t)
	adminDev := f.seedAdmin()
	adminConn := &fakeConn{}
	f.reg.Register(session.New("sess-admin", adminDev, protocol.NewUserID(), true, adminConn))

	dev := uuid.NewString()
	c := &fakeConn{}
	req := f.pairRequest(dev)
	req.ClaimedName = "  New Phone "
	req.DeviceInfo = map[string]string{"os": "iOS\n 18"}
	require.NoError(t, f.m.HandlePairRequest(context.Background(), c, req))

	// The requesting socket waits silently for the verdict.
	require.Empty(t, c.types())
	require.False(t, c.isClosed())
	require.Equal(t, 1, f.m.PendingCount())

	var approval protocol.PairApprovalRequest
	adminConn.decode(t, 0, &approval)
	require.Equal(t, protocol.TypePairApprovalRequest, approval.Type)
	require.Equal(t, dev, approval.DeviceID)
	require.Equal(t, "New Phone", approval.ClaimedName)
	require.Equal(t, "iOS 18", approval.DeviceInfo["os"])
}

func TestPendingReconnectKeepsClock(t *testing.T) {
	f := newFixture(t)
	f.seedAdmin()
	dev := uuid.NewString()
	first := &fakeConn{}
	require.NoError(t, f.m.HandlePairRequest(context.Background(), first, f.pairRequest(dev)))

	f.advance(3 * time.Minute)
	second := &fakeConn{}
	require.NoError(t, f.m.HandlePairRequest(context.Background(), second, f.pairRequest(dev)))
	require.Equal(t, 1, f.m.PendingCount())

	// The TTL still counts from the first request, and the timeout
	// lands on the replacement socket.
	f.advance(2*time.Minute + time.Second)
	require.Equal(t, 1, f.m.ExpireOnce())

	var res protocol.PairResult
	second.decode(t, 0, &res)
	require.False(t, res.Success)
	require.Equal(t, protocol.CodePairTimeout, res.Reason)
	require.True(t, second.isClosed())
	require.Equal(t, protocol.CloseNormal, second.closedCode())
	require.Empty(t, first.types())
}

func TestPendingExpiredReplacedByFreshRequest(t *testing.T) {
	f := newFixture(t)
	f.seedAdmin()
	dev := uuid.NewString()
	old := &fakeConn{}
	require.NoError(t, f.m.HandlePairRequest(context.Background(), old, f.pairRequest(dev)))

	f.advance(6 * time.Minute)
	fresh := &fakeConn{}
	require.NoError(t, f.m.HandlePairRequest(context.Background(), fresh, f.pairRequest(dev)))

	// The stale socket got its timeout; the new request runs on its
	// own clock.
	var res protocol.PairResult
	old.decode(t, 0, &res)
	require.Equal(t, protocol.CodePairTimeout, res.Reason)
	require.Equal(t, 1, f.m.PendingCount())
	require.Zero(t, f.m.ExpireOnce())
	require.Empty(t, fresh.types())
}

func TestExpireOnceSweepsOnlyStaleEntries(t *testing.T) {
	f := newFixture(t)
	f.seedAdmin()
	staleConn := &fakeConn{}
	require.NoError(t, f.m.HandlePairRequest(context.Background(), staleConn, f.pairRequest(uuid.NewString())))

	f.advance(4 * time.Minute)
	freshConn := &fakeConn{}
	require.NoError(t, f.m.HandlePairRequest(context.Background(), freshConn, f.pairRequest(uuid.NewString())))

	f.advance(2 * time.Minute)
	require.Equal(t, 1, f.m.ExpireOnce())
	require.Equal(t, 1, f.m.PendingCount())
	require.True(t, staleConn.isClosed())
	require.False(t, freshConn.isClosed())
}
