// Package provider is the composition root. It owns the startup order
// the state directory demands (lock, store, state files, recovery,
// media sweep, bind), wires every subsystem together, and drives the
// graceful shutdown that cmd/clawlined and the integration tests rely
// on.
package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clawline/clawline/internal/adapter"
	"github.com/clawline/clawline/internal/auth"
	"github.com/clawline/clawline/internal/config"
	"github.com/clawline/clawline/internal/dispatch"
	"github.com/clawline/clawline/internal/httpapi"
	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/media"
	"github.com/clawline/clawline/internal/netutil"
	"github.com/clawline/clawline/internal/pairing"
	"github.com/clawline/clawline/internal/protocol"
	"github.com/clawline/clawline/internal/ratelimit"
	"github.com/clawline/clawline/internal/session"
	"github.com/clawline/clawline/internal/store"
	"github.com/clawline/clawline/internal/store/state"
	"github.com/clawline/clawline/internal/writer"
	"github.com/clawline/clawline/internal/ws"
)

// drainTimeout bounds the HTTP drain during Stop. Sockets the drain
// cannot reach (hijacked WebSockets) are closed by the front door.
const drainTimeout = 10 * time.Second

// StartupError ties a fatal startup failure to the code operators and
// the host plugin key off.
type StartupError struct {
	Code protocol.Code
	Err  error
}

func (e *StartupError) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *StartupError) Unwrap() error { return e.Err }

// Provider assembles and runs the gateway: one listener carrying the
// WebSocket control plane and the HTTP media plane, backed by the
// single-writer store.
type Provider struct {
	cfg     config.Config
	adapter adapter.Adapter
	logger  zerolog.Logger

	lock     *state.ProcessLock
	st       *store.Store
	writer   *writer.Queue
	allow    *state.Allowlist
	watcher  *auth.DenylistWatcher
	tokens   *auth.TokenService
	registry *session.Registry
	limiter  *ratelimit.Limiter
	pairing  *pairing.Manager
	dispatch *dispatch.Dispatcher
	media    *media.Service
	ws       *ws.Handler
	server   *http.Server

	// mu guards listener: Run callers poll Port while Start binds.
	mu       sync.Mutex
	listener net.Listener

	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc

	startedAt time.Time
}

// New holds the configuration until Start. The adapter is resolved by
// the caller so cmd/clawlined can consult the registry and tests can
// inject fakes.
func New(cfg config.Config, adp adapter.Adapter) *Provider {
	return &Provider{
		cfg:     cfg,
		adapter: adp,
		logger:  log.WithComponent("provider"),
	}
}

// Start brings the provider up in the documented order: process lock,
// store, allowlist and denylist, signing key, crash recovery through
// the writer queue, media layout and sweep, then the bind. Any failure
// tears down what was already acquired and returns a *StartupError
// carrying the code the exit path reports.
func (p *Provider) Start(ctx context.Context) error {
	p.startedAt = time.Now()

	if err := os.MkdirAll(p.cfg.StatePath, 0o700); err != nil {
		return p.failStart(protocol.CodeServerError, "state_dir", err)
	}

	lock, err := state.AcquireProcessLock(filepath.Join(p.cfg.StatePath, "clawline.lock"))
	if err != nil {
		return p.failStart(protocol.CodeLockUnavailable, "process_lock", err)
	}
	p.lock = lock

	st, err := store.Open(filepath.Join(p.cfg.StatePath, "clawline.db"), store.DefaultOptions())
	if err != nil {
		code := protocol.CodeServerError
		switch {
		case errors.Is(err, store.ErrCorrupt), errors.Is(err, store.ErrSchemaTooNew):
			code = protocol.CodeDBCorrupt
		case errors.Is(err, store.ErrLocked):
			code = protocol.CodeDBLocked
		}
		return p.failStart(code, "store_open", err)
	}
	p.st = st

	allow, err := state.LoadAllowlist(
		filepath.Join(p.cfg.StatePath, "allowlist.json"),
		filepath.Join(p.cfg.StatePath, "allowlist.lock"),
	)
	if err != nil {
		return p.failStart(protocol.CodeServerError, "allowlist_load", err)
	}
	p.allow = allow

	denyPath := filepath.Join(p.cfg.StatePath, "denylist.json")
	denied, err := state.LoadDenylist(denyPath)
	if err != nil {
		return p.failStart(protocol.CodeServerError, "denylist_load", err)
	}

	key, generated, err := state.LoadOrCreateSigningKey(filepath.Join(p.cfg.StatePath, "jwt.key"))
	if err != nil {
		return p.failStart(protocol.CodeServerError, "signing_key", err)
	}
	if generated {
		p.logger.Info().Msg("generated new signing key")
	}

	p.buildComponents(denyPath, denied, key)

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.group, p.groupCtx = errgroup.WithContext(runCtx)
	p.group.Go(func() error { return p.writer.Run(p.groupCtx) })

	// Recovery runs through the writer so repairs serialize ahead of
	// the first client write.
	cutoff := p.startedAt.Add(-time.Duration(p.cfg.Streams.StreamInactivitySeconds) * time.Second).UnixMilli()
	var stats store.RecoveryStats
	if err := p.writer.Do(ctx, "startup.recover", func(tx *sql.Tx) error {
		var rerr error
		stats, rerr = store.RecoverStale(tx, cutoff)
		return rerr
	}); err != nil {
		return p.failStart(protocol.CodeServerError, "recovery", err)
	}
	p.logger.Info().
		Int64("stale_messages", stats.StaleMessages).
		Int64("stale_events", stats.StaleEvents).
		Int64("orphaned_messages", stats.OrphanedMessages).
		Msg("startup recovery complete")

	if err := p.media.EnsureLayout(); err != nil {
		return p.failStart(protocol.CodeMediaUnavailable, "media_layout", err)
	}
	if sweep, err := p.media.SweepOnce(ctx); err != nil {
		// The layout probe passed, so the plane is serviceable; orphans
		// just wait for the next ticker.
		p.logger.Warn().Err(err).Msg("startup media sweep failed")
	} else {
		p.logger.Info().
			Int("tmp_removed", sweep.TmpRemoved).
			Int64("rows_deleted", sweep.RowsDeleted).
			Int("files_removed", sweep.FilesRemoved).
			Msg("startup media sweep complete")
	}

	ln, err := netutil.Listen(
		p.cfg.Network.Host,
		p.cfg.Network.Port,
		p.cfg.Network.MaxConnections,
		p.cfg.Network.AllowInsecurePublic,
	)
	if err != nil {
		code := protocol.CodeServerError
		if errors.Is(err, netutil.ErrBindRefused) {
			code = protocol.CodeBindNotAllowed
		}
		return p.failStart(code, "bind", err)
	}
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	// Uploads run to 100 MiB and sockets live for hours; only the
	// header read gets a hard deadline.
	p.server = &http.Server{
		Handler:           p.httpHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	p.group.Go(func() error {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	p.group.Go(func() error { return p.watcher.Run(p.groupCtx) })
	p.group.Go(func() error { return p.pairing.Run(p.groupCtx) })
	p.group.Go(func() error { return p.media.Run(p.groupCtx) })

	p.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("adapter", p.adapter.Name()).
		Int("devices", allow.Len()).
		Str("version", p.cfg.Version).
		Msg("provider started")
	return nil
}

// buildComponents wires the subsystem graph. The watcher's revoke hook
// closes over p because the pairing manager it targets is built one
// step later; the hook only fires once Run starts.
func (p *Provider) buildComponents(denyPath string, denied map[string]struct{}, key []byte) {
	p.tokens = auth.NewTokenService(key, time.Duration(p.cfg.Auth.TokenTTLSeconds)*time.Second)
	p.registry = session.NewRegistry()
	p.limiter = ratelimit.New(ratelimit.DefaultConfig(
		p.cfg.Sessions.MaxMessagesPerSecond,
		p.cfg.Sessions.MaxTypingPerSecond,
	))
	p.writer = writer.New(p.st, p.cfg.Sessions.MaxWriteQueueDepth)

	p.watcher = auth.NewDenylistWatcher(
		denyPath,
		denied,
		time.Duration(p.cfg.Auth.DenylistPollSeconds)*time.Second,
		func(deviceIDs []string) { p.pairing.Revoke(deviceIDs) },
	)

	p.pairing = pairing.New(
		pairing.Config{
			PendingTTL:   time.Duration(p.cfg.Pairing.PendingTTLSeconds) * time.Second,
			ReissueGrace: time.Duration(p.cfg.Auth.ReissueGraceSeconds) * time.Second,
			MaxReplay:    p.cfg.Sessions.MaxReplayMessages,
		},
		pairing.Deps{
			Allowlist: p.allow,
			Tokens:    p.tokens,
			Revoked:   p.watcher.IsRevoked,
			Registry:  p.registry,
			Limiter:   p.limiter,
			Events:    p.st,
		},
	)

	p.dispatch = dispatch.New(
		dispatch.Config{
			Limits: protocol.MessageLimits{
				MaxContentBytes: p.cfg.Sessions.MaxMessageBytes,
				MaxInlineBytes:  p.cfg.Sessions.MaxInlineBytes,
				MaxTotalBytes:   protocol.MaxTotalPayloadBytes,
			},
			MaxQueued:         p.cfg.Sessions.MaxQueuedMessages,
			MaxPromptMessages: p.cfg.Sessions.MaxPromptMessages,
			AdapterTimeout:    time.Duration(p.cfg.Streams.AdapterExecuteTimeoutSeconds) * time.Second,
			StreamInactivity:  time.Duration(p.cfg.Streams.StreamInactivitySeconds) * time.Second,
			ChunkInterval:     time.Duration(p.cfg.Streams.ChunkPersistIntervalMs) * time.Millisecond,
			ChunkBufferBytes:  p.cfg.Streams.ChunkBufferBytes,
			TypingPerSecond:   p.cfg.Sessions.MaxTypingPerSecond,
		},
		dispatch.Deps{
			Store:    p.st,
			Writer:   p.writer,
			Registry: p.registry,
			Adapter:  p.adapter,
			Limiter:  p.limiter,
			Revoked:  p.watcher.IsRevoked,
		},
	)

	p.media = media.New(
		media.Config{
			Root:            p.cfg.MediaPath,
			MaxUploadBytes:  p.cfg.Media.MaxUploadBytes,
			UnreferencedTTL: time.Duration(p.cfg.Media.UnreferencedUploadTTLSeconds) * time.Second,
			SweepInterval:   time.Duration(p.cfg.Media.SweepIntervalSeconds) * time.Second,
		},
		p.st, p.writer,
	)

	p.ws = ws.NewHandler(
		ws.Config{
			TypingAutoExpire: time.Duration(p.cfg.Sessions.TypingAutoExpireSeconds) * time.Second,
		},
		ws.Deps{
			Pairing:  p.pairing,
			Dispatch: p.dispatch,
			Registry: p.registry,
			Limiter:  p.limiter,
		},
	)
}

func (p *Provider) httpHandler() http.Handler {
	return httpapi.NewHandler(httpapi.Config{}, httpapi.Deps{
		Tokens:    p.tokens,
		Allowlist: p.allow,
		Revoked:   p.watcher.IsRevoked,
		Pending:   p.pairing.IsPending,
		Media:     p.media,
		WS:        p.ws,
		Version:   p.cfg.Version,
		StartedAt: p.startedAt,
	})
}

// Port reports the bound TCP port, resolving a port-0 bind to the
// kernel's pick. It returns 0 until Start has bound the listener.
func (p *Provider) Port() int {
	p.mu.Lock()
	ln := p.listener
	p.mu.Unlock()
	if ln == nil {
		return 0
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Run starts the provider and blocks until ctx is cancelled or a
// subsystem fails, then stops it. The subsystem failure, if any, wins
// over secondary shutdown noise.
func (p *Provider) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-p.groupCtx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stopErr := p.Stop(stopCtx)

	if cause := context.Cause(p.groupCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return stopErr
}

// Stop drains in order: stop accepting, close the WebSocket sessions,
// flush the dispatcher, drain the writer, then close the store and
// release the lock. Safe to call once after a successful Start.
func (p *Provider) Stop(ctx context.Context) error {
	p.logger.Info().Msg("provider stopping")

	var errs []error

	if p.server != nil {
		drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
		if err := p.server.Shutdown(drainCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		cancel()
	}
	if p.ws != nil {
		if err := p.ws.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ws shutdown: %w", err))
		}
	}
	if p.dispatch != nil {
		if err := p.dispatch.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatch close: %w", err))
		}
	}
	// The writer drains before the run context dies so queued commits
	// still get a live transaction context.
	if p.writer != nil {
		if err := p.writer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("writer close: %w", err))
		}
	}
	if p.cancel != nil {
		p.cancel()
	}
	if p.group != nil {
		if err := p.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.st != nil {
		if err := p.st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if p.lock != nil {
		if err := p.lock.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}
	}

	p.logger.Info().Msg("provider stopped")
	return errors.Join(errs...)
}

// failStart logs the failure with its startup code and unwinds whatever
// Start already acquired, in reverse order.
func (p *Provider) failStart(code protocol.Code, stage string, err error) error {
	p.logger.Error().
		Str(log.FieldCode, string(code)).
		Str("stage", stage).
		Err(err).
		Msg("startup failed")

	p.mu.Lock()
	if p.listener != nil {
		_ = p.listener.Close()
		p.listener = nil
	}
	p.mu.Unlock()
	if p.group != nil {
		// The writer is the only member running this early; draining it
		// lets Wait return.
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = p.writer.Close(closeCtx)
		cancel()
		p.cancel()
		_ = p.group.Wait()
		p.group = nil
	}
	if p.st != nil {
		_ = p.st.Close()
		p.st = nil
	}
	if p.lock != nil {
		_ = p.lock.Release()
		p.lock = nil
	}
	return &StartupError{Code: code, Err: err}
}
