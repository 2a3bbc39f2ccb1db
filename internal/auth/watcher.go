package auth

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/store/state"
)

// RevokeFunc receives devices that were newly added to the denylist so
// their live sessions can be closed.
type RevokeFunc func(deviceIDs []string)

// DenylistWatcher keeps an in-memory set of revoked devices in sync
// with denylist.json. It reloads on filesystem events and on a poll
// ticker, so edits land even when the notify watch is lost to an
// editor's rename dance.
type DenylistWatcher struct {
	path     string
	interval time.Duration
	onRevoke RevokeFunc
	logger   zerolog.Logger

	mu      sync.RWMutex
	revoked map[string]struct{}
}

// NewDenylistWatcher wraps the initial set loaded at startup.
func NewDenylistWatcher(path string, initial map[string]struct{}, pollInterval time.Duration, onRevoke RevokeFunc) *DenylistWatcher {
	if initial == nil {
		initial = map[string]struct{}{}
	}
	return &DenylistWatcher{
		path:     path,
		interval: pollInterval,
		onRevoke: onRevoke,
		logger:   log.WithComponent("denylist"),
		revoked:  initial,
	}
}

// IsRevoked reports whether deviceID is currently denylisted.
func (w *DenylistWatcher) IsRevoked(deviceID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.revoked[deviceID]
	return ok
}

// Run watches until ctx is canceled. The file may not exist yet, so
// the watch is on the parent directory, filtered by name.
func (w *DenylistWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn().Err(err).Msg("filesystem watch unavailable, polling only")
	} else {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(filepath.Dir(w.path)); err != nil {
			w.logger.Warn().Err(err).Str(log.FieldPath, w.path).Msg("watch denylist directory failed, polling only")
			_ = watcher.Close()
			watcher = nil
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.reload()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.reload()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Error().Err(err).Msg("denylist watcher error")
		}
	}
}

// reload re-reads the file. A malformed edit keeps the previous set:
// failing open here would un-revoke devices on an operator typo.
func (w *DenylistWatcher) reload() {
	next, err := state.LoadDenylist(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str(log.FieldPath, w.path).Msg("denylist reload failed, keeping previous set")
		return
	}

	w.mu.Lock()
	prev := w.revoked
	w.revoked = next
	w.mu.Unlock()

	var added []string
	for id := range next {
		if _, ok := prev[id]; !ok {
			added = append(added, id)
		}
	}
	if len(added) > 0 {
		w.logger.Info().Int("count", len(added)).Msg("devices revoked")
		if w.onRevoke != nil {
			w.onRevoke(added)
		}
	}
}
