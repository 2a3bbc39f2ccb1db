package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func testAllowlist(t *testing.T) *Allowlist {
	t.Helper()
	dir := t.TempDir()
	a, err := LoadAllowlist(filepath.Join(dir, "allowlist.json"), filepath.Join(dir, "allowlist.lock"))
	if err != nil {
		t.Fatalf("LoadAllowlist: %v", err)
	}
	return a
}

func TestLoadAllowlistMissingFile(t *testing.T) {
	a := testAllowlist(t)
	if a.Len() != 0 {
		t.Fatalf("Len = %d, want 0", a.Len())
	}
	if a.HasAdmin() {
		t.Fatal("empty allowlist reports an admin")
	}
}

func TestAllowlistUpdatePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.json")
	lockPath := filepath.Join(dir, "allowlist.lock")

	a, err := LoadAllowlist(path, lockPath)
	if err != nil {
		t.Fatalf("LoadAllowlist: %v", err)
	}

	err = a.Update(context.Background(), func(devices map[string]AllowlistEntry) error {
		devices["dev-1"] = AllowlistEntry{
			DeviceID: "dev-1", UserID: "user_1", IsAdmin: true,
			ClaimedName: "Phone", DeviceInfo: map[string]string{"platform": "ios"},
			CreatedAt: 1000,
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !a.HasAdmin() {
		t.Fatal("admin entry not visible after Update")
	}

	// A fresh load sees exactly what was persisted, null lastSeenAt
	// included.
	b, err := LoadAllowlist(path, lockPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	e, ok := b.Get("dev-1")
	if !ok {
		t.Fatal("dev-1 missing after reload")
	}
	if !e.IsAdmin || e.UserID != "user_1" || e.DeviceInfo["platform"] != "ios" {
		t.Fatalf("entry = %+v", e)
	}
	if e.LastSeenAt != nil {
		t.Fatal("lastSeenAt should still be null")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("parse file: %v", err)
	}
	if string(raw["version"]) != "1" {
		t.Fatalf("version = %s, want 1", raw["version"])
	}
}

func TestAllowlistMutateErrorLeavesStateUntouched(t *testing.T) {
	a := testAllowlist(t)

	wantErr := errors.New("nope")
	err := a.Update(context.Background(), func(devices map[string]AllowlistEntry) error {
		devices["dev-1"] = AllowlistEntry{DeviceID: "dev-1", UserID: "user_1"}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Update err = %v, want %v", err, wantErr)
	}
	if _, ok := a.Get("dev-1"); ok {
		t.Fatal("failed mutation leaked into the snapshot")
	}
}

func TestAllowlistRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.json")
	if err := os.WriteFile(path, []byte(`{"version":2,"devices":{}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadAllowlist(path, filepath.Join(dir, "allowlist.lock")); err == nil {
		t.Fatal("future version accepted")
	}
}

func TestAllowlistRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.json")
	if err := os.WriteFile(path, []byte(`{"version":1,`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadAllowlist(path, filepath.Join(dir, "allowlist.lock")); err == nil {
		t.Fatal("malformed allowlist accepted")
	}
}

func TestAllowlistLockTimeout(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "allowlist.lock")

	a, err := LoadAllowlist(filepath.Join(dir, "allowlist.json"), lockPath)
	if err != nil {
		t.Fatalf("LoadAllowlist: %v", err)
	}
	a.lockRetry = 10 * time.Millisecond
	a.lockTimeout = 50 * time.Millisecond

	// Hold the advisory lock from the outside, as a second process
	// would.
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("open lock: %v", err)
	}
	defer func() { _ = f.Close() }()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		t.Fatalf("flock: %v", err)
	}

	err = a.Update(context.Background(), func(devices map[string]AllowlistEntry) error {
		devices["dev-1"] = AllowlistEntry{DeviceID: "dev-1"}
		return nil
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Update err = %v, want ErrLockTimeout", err)
	}
	if _, ok := a.Get("dev-1"); ok {
		t.Fatal("timed-out update mutated the snapshot")
	}
}

func TestLoadDenylist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "denylist.json")

	set, err := LoadDenylist(path)
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("missing file set = %v, want empty", set)
	}

	content := `[{"deviceId":"dev-1","revokedAt":1000},{"deviceId":"dev-2","revokedAt":2000}]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	set, err = LoadDenylist(path)
	if err != nil {
		t.Fatalf("LoadDenylist: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("set = %v, want 2 entries", set)
	}
	if _, ok := set["dev-1"]; !ok {
		t.Fatal("dev-1 not in set")
	}

	if err := os.WriteFile(path, []byte(`{"not":"an array"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadDenylist(path); err == nil {
		t.Fatal("malformed denylist accepted")
	}
}

func TestLoadOrCreateSigningKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jwt.key")

	key, generated, err := LoadOrCreateSigningKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !generated {
		t.Fatal("generated = false on first call")
	}
	if len(key) < MinKeyBytes {
		t.Fatalf("key is %d bytes, want >= %d", len(key), MinKeyBytes)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("key permissions = %o, want 600", perm)
	}

	again, generated, err := LoadOrCreateSigningKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if generated {
		t.Fatal("generated = true on reload")
	}
	if string(again) != string(key) {
		t.Fatal("reload returned a different key")
	}
}

func TestSigningKeyTooShort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jwt.key")
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := LoadOrCreateSigningKey(path); err == nil {
		t.Fatal("short key accepted")
	}
}

func TestProcessLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawline.lock")

	l, err := AcquireProcessLock(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// flock is per-descriptor, so a second open descriptor models a
	// second process.
	if _, err := AcquireProcessLock(path); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second acquire err = %v, want ErrLockHeld", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	l2, err := AcquireProcessLock(path)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = l2.Release()
}
