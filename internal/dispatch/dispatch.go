// Package dispatch owns the message pipeline between the control plane
// and the assistant adapter: idempotent intake, the per-user FIFO that
// keeps one adapter call in flight per user, reply persistence, and
// fan-out of echoes and assistant messages.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/clawline/clawline/internal/adapter"
	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/protocol"
	"github.com/clawline/clawline/internal/ratelimit"
	"github.com/clawline/clawline/internal/session"
	"github.com/clawline/clawline/internal/store"
	"github.com/clawline/clawline/internal/writer"
)

var (
	rejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clawline_dispatch_rejected_total",
		Help: "Total number of messages rejected because a user queue was full",
	})
	adapterDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clawline_adapter_duration_seconds",
		Help:    "Adapter execution time per dispatched message",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	})
	adapterFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clawline_adapter_failures_total",
		Help: "Total number of adapter executions that ended in failure",
	})
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawline_events_total",
		Help: "Total number of events appended to the per-user logs",
	}, []string{"role"})
)

// failStreakWarn is the consecutive adapter failure count that raises a
// warning.
const failStreakWarn = 5

// Config bounds the pipeline.
type Config struct {
	Limits            protocol.MessageLimits
	MaxQueued         int // per-user pending message cap
	MaxPromptMessages int // history rows folded into one prompt, new message included
	AdapterTimeout    time.Duration
	StreamInactivity  time.Duration
	ChunkInterval     time.Duration
	ChunkBufferBytes  int
	TypingPerSecond   int
}

// Deps are the collaborators the dispatcher drives.
type Deps struct {
	Store    *store.Store
	Writer   *writer.Queue
	Registry *session.Registry
	Adapter  adapter.Adapter
	Limiter  *ratelimit.Limiter
	// Revoked reports whether a device lost its token after enqueueing;
	// queued work for it is discarded instead of dispatched.
	Revoked func(deviceID string) bool
}

type job struct {
	sess *session.Session
	vm   *protocol.ValidatedMessage
}

// pendingReply identifies the accepted message a reply is owed for.
type pendingReply struct {
	clientID string
	echoSeq  int64
	content  string
}

type userQueue struct {
	userID string
	jobs   chan job
	typing *rate.Limiter
}

// Dispatcher serializes adapter calls per user and runs each accepted
// message through persist, ack, fan-out, and reply.
type Dispatcher struct {
	cfg      Config
	store    *store.Store
	writer   *writer.Queue
	registry *session.Registry
	adapter  adapter.Adapter
	limiter  *ratelimit.Limiter
	revoked  func(deviceID string) bool

	execCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	queues map[string]*userQueue
	closed bool
	wg     sync.WaitGroup

	failStreak atomic.Int64

	logger zerolog.Logger
	now    func() time.Time
}

// New creates a dispatcher. Close must be called before the writer
// queue shuts down.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 1
	}
	if cfg.MaxPromptMessages <= 0 {
		cfg.MaxPromptMessages = 1
	}
	if cfg.TypingPerSecond <= 0 {
		cfg.TypingPerSecond = 1
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 2 * time.Minute
	}
	if cfg.StreamInactivity <= 0 {
		cfg.StreamInactivity = time.Minute
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = 250 * time.Millisecond
	}
	if cfg.ChunkBufferBytes <= 0 {
		cfg.ChunkBufferBytes = 16 * 1024
	}
	revoked := deps.Revoked
	if revoked == nil {
		revoked = func(string) bool { return false }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		store:    deps.Store,
		writer:   deps.Writer,
		registry: deps.Registry,
		adapter:  deps.Adapter,
		limiter:  deps.Limiter,
		revoked:  revoked,
		execCtx:  ctx,
		cancel:   cancel,
		queues:   make(map[string]*userQueue),
		logger:   log.WithComponent("dispatch"),
		now:      time.Now,
	}
}

// Submit validates a client message and enqueues it on the sender's
// user queue. The returned error, when not nil, is a *protocol.ClientError
// for the front door to put on the wire; nothing has been persisted in
// that case.
func (d *Dispatcher) Submit(sess *session.Session, frame *protocol.ClientMessage) error {
	vm, err := protocol.ValidateClientMessage(frame, d.cfg.Limits)
	if err != nil {
		return err
	}
	if !d.limiter.Attempt(ratelimit.ScopeMessage, sess.UserID) {
		return protocol.NewMessageError(protocol.CodeRateLimited, "message rate exceeded", frame.ID)
	}
	if !d.enqueue(sess.UserID, job{sess: sess, vm: vm}) {
		rejectedTotal.Inc()
		return protocol.NewMessageError(protocol.CodeRateLimited, "too many messages queued", frame.ID)
	}
	return nil
}

// enqueue places j on the user's queue, starting its drain goroutine if
// the user has none. Reports false when the queue is full or the
// dispatcher is closed.
func (d *Dispatcher) enqueue(userID string, j job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	uq, ok := d.queues[userID]
	if !ok {
		uq = &userQueue{
			userID: userID,
			jobs:   make(chan job, d.cfg.MaxQueued),
			typing: rate.NewLimiter(rate.Limit(d.cfg.TypingPerSecond), 1),
		}
		d.queues[userID] = uq
		d.wg.Add(1)
		go d.drain(uq)
	}
	select {
	case uq.jobs <- j:
		return true
	default:
		return false
	}
}

// drain processes the user's queue until it runs dry, then removes the
// queue. The final emptiness check happens under d.mu so a concurrent
// enqueue either lands before the check or creates a fresh queue.
func (d *Dispatcher) drain(uq *userQueue) {
	defer d.wg.Done()
	for {
		select {
		case j := <-uq.jobs:
			d.process(j)
		default:
			d.mu.Lock()
			select {
			case j := <-uq.jobs:
				d.mu.Unlock()
				d.process(j)
			default:
				delete(d.queues, uq.userID)
				d.mu.Unlock()
				return
			}
		}
	}
}

func (d *Dispatcher) process(j job) {
	if d.revoked(j.sess.DeviceID) {
		d.logger.Debug().
			Str(log.FieldDeviceID, j.sess.DeviceID).
			Str(log.FieldClientID, j.vm.Frame.ID).
			Msg("dropping queued message from revoked device")
		return
	}
	d.intake(j)
}

// setTyping broadcasts assistant typing state to the user's sessions.
// Activation is throttled; deactivation always goes out so no client is
// left with a stuck indicator.
func (d *Dispatcher) setTyping(userID string, active bool) {
	if active {
		d.mu.Lock()
		uq := d.queues[userID]
		d.mu.Unlock()
		if uq != nil && !uq.typing.Allow() {
			return
		}
	}
	frame, err := json.Marshal(&protocol.Typing{Type: protocol.TypeTyping, Active: active, Role: protocol.RoleAssistant})
	if err != nil {
		return
	}
	d.registry.Broadcast(userID, frame)
}

func (d *Dispatcher) send(sess *session.Session, v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sess.Send(frame)
}

func (d *Dispatcher) sendError(sess *session.Session, ce *protocol.ClientError) {
	_ = d.send(sess, protocol.NewErrorFrame(ce))
}

// Close stops intake, aborts the in-flight adapter call, and waits for
// the queue goroutines, up to the context deadline.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueuedUsers reports how many users currently have a live queue.
func (d *Dispatcher) QueuedUsers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}
