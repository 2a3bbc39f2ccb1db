package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/clawline/clawline/internal/auth"
	"github.com/clawline/clawline/internal/media"
	"github.com/clawline/clawline/internal/protocol"
	"github.com/clawline/clawline/internal/store"
	"github.com/clawline/clawline/internal/store/state"
	"github.com/clawline/clawline/internal/writer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testKey = []byte("0123456789abcdef0123456789abcdef")

const (
	devA  = "6f9619ff-8b86-4d01-b42d-00cf4fc964ff"
	devB  = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	userA = "user_9b2d6a2e-8262-4db3-8a5f-2a2565e6c2d1"
	userB = "user_0c1f7d4b-55aa-4a2e-9c3d-7e8f19a2b3c4"
)

type fixture struct {
	t      *testing.T
	ts     *httptest.Server
	tokens *auth.TokenService
	svc    *media.Service
	st     *store.Store

	mu      sync.Mutex
	revoked map[string]bool
	pending map[string]bool
}

func newFixture(t *testing.T, mut ...func(api *Config, med *media.Config)) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "clawline.db"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	q := writer.New(st, 64)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = q.Run(context.Background())
	}()
	t.Cleanup(func() {
		_ = q.Close(context.Background())
		<-runDone
	})

	apiCfg := Config{MediaRequestsPerMinute: 1000}
	medCfg := media.Config{
		Root:            t.TempDir(),
		MaxUploadBytes:  1 << 20,
		UnreferencedTTL: time.Hour,
		SweepInterval:   time.Hour,
	}
	for _, m := range mut {
		m(&apiCfg, &medCfg)
	}

	svc := media.New(medCfg, st, q)
	require.NoError(t, svc.EnsureLayout())

	stateDir := t.TempDir()
	al, err := state.LoadAllowlist(
		filepath.Join(stateDir, "allowlist.json"),
		filepath.Join(stateDir, "allowlist.lock"))
	require.NoError(t, err)
	require.NoError(t, al.Update(context.Background(), func(devices map[string]state.AllowlistEntry) error {
		now := time.Now().UnixMilli()
		devices[devA] = state.AllowlistEntry{DeviceID: devA, UserID: userA, TokenDelivered: true, CreatedAt: now}
		devices[devB] = state.AllowlistEntry{DeviceID: devB, UserID: userB, TokenDelivered: true, CreatedAt: now}
		return nil
	}))

	f := &fixture{
		t:       t,
		tokens:  auth.NewTokenService(testKey, time.Hour),
		svc:     svc,
		st:      st,
		revoked: map[string]bool{},
		pending: map[string]bool{},
	}
	handler := NewHandler(apiCfg, Deps{
		Tokens:    f.tokens,
		Allowlist: al,
		Revoked:   f.isRevoked,
		Pending:   f.isPending,
		Media:     svc,
		Version:   "test",
		StartedAt: time.Now(),
	})
	f.ts = httptest.NewServer(handler)
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) isRevoked(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[deviceID]
}

func (f *fixture) isPending(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[deviceID]
}

func (f *fixture) mint(userID, deviceID string) string {
	f.t.Helper()
	tok, err := f.tokens.Mint(userID, deviceID, false)
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) get(path, token string) *http.Response {
	f.t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	require.NoError(f.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := f.ts.Client().Do(req)
	require.NoError(f.t, err)
	return res
}

// upload POSTs one multipart part. An empty mime leaves the part header
// unset so the server-side default is observable.
func (f *fixture) upload(token, partName, mime, body string) *http.Response {
	f.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="blob"`, partName))
	if mime != "" {
		h.Set("Content-Type", mime)
	}
	pw, err := mw.CreatePart(h)
	require.NoError(f.t, err)
	_, err = pw.Write([]byte(body))
	require.NoError(f.t, err)
	require.NoError(f.t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/upload", &buf)
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := f.ts.Client().Do(req)
	require.NoError(f.t, err)
	return res
}

func decodeJSON[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	defer res.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func requireErrorBody(t *testing.T, res *http.Response, status int, code protocol.Code) {
	t.Helper()
	require.Equal(t, status, res.StatusCode)
	eb := decodeJSON[errorBody](t, res)
	require.Equal(t, code, eb.Error)
}

func TestHealthzAndVersion(t *testing.T) {
	f := newFixture(t)

	res := f.get("/healthz", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	health := decodeJSON[map[string]any](t, res)
	require.Equal(t, "ok", health["status"])
	require.Equal(t, "test", health["version"])

	res = f.get("/version", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	ver := decodeJSON[map[string]int](t, res)
	require.Equal(t, protocol.Version, ver["protocolVersion"])
}

func TestMetricsExposed(t *testing.T) {
	f := newFixture(t)

	res := f.get("/metrics", "")
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "clawline_")
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	f := newFixture(t)
	token := f.mint(userA, devA)

	res := f.upload(token, "file", "image/png", "png bytes here")
	require.Equal(t, http.StatusOK, res.StatusCode)
	up := decodeJSON[uploadResponse](t, res)
	require.True(t, protocol.ValidAssetID(up.AssetID))
	require.Equal(t, "image/png", up.MimeType)
	require.Equal(t, int64(len("png bytes here")), up.Size)

	res = f.get("/download/"+up.AssetID, token)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "image/png", res.Header.Get("Content-Type"))
	require.Equal(t, fmt.Sprint(up.Size), res.Header.Get("Content-Length"))
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, "png bytes here", string(body))
}

func TestUploadDefaultsMimeType(t *testing.T) {
	f := newFixture(t)

	res := f.upload(f.mint(userA, devA), "file", "", "raw")
	require.Equal(t, http.StatusOK, res.StatusCode)
	up := decodeJSON[uploadResponse](t, res)
	require.Equal(t, "application/octet-stream", up.MimeType)
}

func TestUploadAuthRequired(t *testing.T) {
	f := newFixture(t)

	res := f.upload("", "file", "image/png", "data")
	requireErrorBody(t, res, http.StatusUnauthorized, protocol.CodeAuthFailed)

	res = f.upload("not-a-jwt", "file", "image/png", "data")
	requireErrorBody(t, res, http.StatusUnauthorized, protocol.CodeAuthFailed)
}

func TestExpiredTokenRejected(t *testing.T) {
	f := newFixture(t)

	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userA,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		DeviceID: devA,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	require.NoError(t, err)

	res := f.upload(tok, "file", "image/png", "data")
	requireErrorBody(t, res, http.StatusUnauthorized, protocol.CodeAuthFailed)
}

func TestUnknownDeviceRejected(t *testing.T) {
	f := newFixture(t)

	// Signed fine, but the device was never paired.
	tok := f.mint(userA, "9e107d9d-372b-4ca3-b9d1-6e4f0e8a7b31")
	res := f.upload(tok, "file", "image/png", "data")
	requireErrorBody(t, res, http.StatusUnauthorized, protocol.CodeAuthFailed)
}

func TestRevokedDeviceRejected(t *testing.T) {
	f := newFixture(t)
	token := f.mint(userA, devA)

	f.mu.Lock()
	f.revoked[devA] = true
	f.mu.Unlock()

	res := f.upload(token, "file", "image/png", "data")
	requireErrorBody(t, res, http.StatusForbidden, protocol.CodeTokenRevoked)
}

func TestPendingDeviceRejected(t *testing.T) {
	f := newFixture(t)
	token := f.mint(userA, devA)

	f.mu.Lock()
	f.pending[devA] = true
	f.mu.Unlock()

	res := f.upload(token, "file", "image/png", "data")
	requireErrorBody(t, res, http.StatusForbidden, protocol.CodeDeviceNotApproved)
}

func TestUploadWrongPartName(t *testing.T) {
	f := newFixture(t)

	res := f.upload(f.mint(userA, devA), "data", "image/png", "data")
	requireErrorBody(t, res, http.StatusBadRequest, protocol.CodeInvalidMessage)
}

func TestUploadNotMultipart(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/upload", strings.NewReader("just bytes"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.mint(userA, devA))
	req.Header.Set("Content-Type", "application/octet-stream")
	res, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	requireErrorBody(t, res, http.StatusBadRequest, protocol.CodeInvalidMessage)
}

func TestUploadOversize(t *testing.T) {
	f := newFixture(t, func(_ *Config, med *media.Config) { med.MaxUploadBytes = 4 })

	res := f.upload(f.mint(userA, devA), "file", "image/png", "five!")
	requireErrorBody(t, res, http.StatusRequestEntityTooLarge, protocol.CodePayloadTooLarge)
}

func TestDownloadForeignAssetHidden(t *testing.T) {
	f := newFixture(t)

	res := f.upload(f.mint(userA, devA), "file", "image/png", "mine")
	require.Equal(t, http.StatusOK, res.StatusCode)
	up := decodeJSON[uploadResponse](t, res)

	res = f.get("/download/"+up.AssetID, f.mint(userB, devB))
	requireErrorBody(t, res, http.StatusNotFound, protocol.CodeAssetNotFound)
}

func TestDownloadMalformedID(t *testing.T) {
	f := newFixture(t)

	res := f.get("/download/not-an-asset-id", f.mint(userA, devA))
	requireErrorBody(t, res, http.StatusBadRequest, protocol.CodeInvalidMessage)
}

func TestDownloadUnknownID(t *testing.T) {
	f := newFixture(t)

	res := f.get("/download/"+protocol.NewAssetID(), f.mint(userA, devA))
	requireErrorBody(t, res, http.StatusNotFound, protocol.CodeAssetNotFound)
}

func TestMediaRateLimitBackstop(t *testing.T) {
	f := newFixture(t, func(api *Config, _ *media.Config) { api.MediaRequestsPerMinute = 2 })
	token := f.mint(userA, devA)
	missing := protocol.NewAssetID()

	for i := 0; i < 2; i++ {
		res := f.get("/download/"+missing, token)
		requireErrorBody(t, res, http.StatusNotFound, protocol.CodeAssetNotFound)
	}
	res := f.get("/download/"+missing, token)
	requireErrorBody(t, res, http.StatusTooManyRequests, protocol.CodeRateLimited)
	require.Equal(t, "60", res.Header.Get("Retry-After"))
}
