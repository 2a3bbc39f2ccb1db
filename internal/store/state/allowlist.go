// Package state persists the JSON state files next to the SQL store:
// the device allowlist, the operator-editable denylist, the JWT signing
// key, and the process lock.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"
)

const allowlistVersion = 1

// ErrLockTimeout means the allowlist file lock stayed contended past
// the retry window. The caller maps it to a server_error and leaves the
// triggering request untouched.
var ErrLockTimeout = errors.New("state: allowlist lock unavailable")

// AllowlistEntry is one paired device. LastSeenAt stays null until the
// first successful auth; the re-issue grace window keys off that.
type AllowlistEntry struct {
	DeviceID       string            `json:"deviceId"`
	UserID         string            `json:"userId"`
	IsAdmin        bool              `json:"isAdmin"`
	TokenDelivered bool              `json:"tokenDelivered"`
	ClaimedName    string            `json:"claimedName,omitempty"`
	DeviceInfo     map[string]string `json:"deviceInfo,omitempty"`
	CreatedAt      int64             `json:"createdAt"`
	LastSeenAt     *int64            `json:"lastSeenAt"`
}

type allowlistFile struct {
	Version int                       `json:"version"`
	Devices map[string]AllowlistEntry `json:"devices"`
}

// Allowlist is the in-memory snapshot of allowlist.json. Mutations run
// inside Update, which holds the in-process mutex and the advisory file
// lock and persists by atomic write-rename before the snapshot swaps.
type Allowlist struct {
	path     string
	lockPath string

	mu      sync.Mutex
	devices map[string]AllowlistEntry

	lockRetry   time.Duration
	lockTimeout time.Duration
}

// LoadAllowlist reads path. A missing file is an empty allowlist; a
// malformed or future-versioned file fails startup.
func LoadAllowlist(path, lockPath string) (*Allowlist, error) {
	a := &Allowlist{
		path:        path,
		lockPath:    lockPath,
		devices:     make(map[string]AllowlistEntry),
		lockRetry:   500 * time.Millisecond,
		lockTimeout: 10 * time.Second,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read allowlist: %w", err)
	}

	var file allowlistFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("state: parse allowlist: %w", err)
	}
	if file.Version != allowlistVersion {
		return nil, fmt.Errorf("state: allowlist version %d not supported", file.Version)
	}
	if file.Devices != nil {
		a.devices = file.Devices
	}
	return a, nil
}

// Get returns the entry for deviceID, if any.
func (a *Allowlist) Get(deviceID string) (AllowlistEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.devices[deviceID]
	return cloneEntry(e), ok
}

// HasAdmin reports whether any device was minted as admin. Bootstrap is
// only open while this is false.
func (a *Allowlist) HasAdmin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.devices {
		if e.IsAdmin {
			return true
		}
	}
	return false
}

// Len reports the number of paired devices.
func (a *Allowlist) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.devices)
}

// Update runs mutate against a copy of the device map inside the full
// critical section: in-process mutex, advisory file lock with retries,
// atomic persist, then snapshot swap. If mutate or the persist fails,
// the in-memory state is untouched.
func (a *Allowlist) Update(ctx context.Context, mutate func(devices map[string]AllowlistEntry) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	unlock, err := a.acquireFileLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	next := make(map[string]AllowlistEntry, len(a.devices))
	for id, e := range a.devices {
		next[id] = cloneEntry(e)
	}

	if err := mutate(next); err != nil {
		return err
	}

	if err := a.persist(next); err != nil {
		return err
	}

	a.devices = next
	return nil
}

// acquireFileLock takes allowlist.lock non-blocking, retrying every
// lockRetry until lockTimeout.
func (a *Allowlist) acquireFileLock(ctx context.Context) (func(), error) {
	f, err := os.OpenFile(a.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("state: open allowlist lock: %w", err)
	}

	deadline := time.Now().Add(a.lockTimeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			_ = f.Close()
			return nil, fmt.Errorf("state: flock allowlist: %w", err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(a.lockRetry):
		}
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func (a *Allowlist) persist(devices map[string]AllowlistEntry) error {
	data, err := json.MarshalIndent(allowlistFile{Version: allowlistVersion, Devices: devices}, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal allowlist: %w", err)
	}

	pending, err := renameio.NewPendingFile(a.path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("state: create pending allowlist: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("state: write allowlist: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("state: replace allowlist: %w", err)
	}
	return nil
}

func cloneEntry(e AllowlistEntry) AllowlistEntry {
	if e.DeviceInfo != nil {
		info := make(map[string]string, len(e.DeviceInfo))
		for k, v := range e.DeviceInfo {
			info[k] = v
		}
		e.DeviceInfo = info
	}
	if e.LastSeenAt != nil {
		ts := *e.LastSeenAt
		e.LastSeenAt = &ts
	}
	return e
}
