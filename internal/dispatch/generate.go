package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/clawline/clawline/internal/adapter"
	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/protocol"
	"github.com/clawline/clawline/internal/session"
	"github.com/clawline/clawline/internal/store"
	"github.com/clawline/clawline/internal/telemetry"
)

// generate produces the assistant reply for one accepted message. It
// runs inside the user's queue goroutine, so at most one adapter call is
// in flight per user.
func (d *Dispatcher) generate(sess *session.Session, rec pendingReply) {
	prompt, err := d.buildPrompt(sess.UserID, rec)
	if err != nil {
		d.failMessage(sess, rec, fmt.Errorf("build prompt: %w", err))
		return
	}

	d.setTyping(sess.UserID, true)
	defer d.setTyping(sess.UserID, false)

	streaming := d.adapter.Capabilities().Streaming
	_, span := telemetry.Tracer("clawline/dispatch").Start(d.execCtx, "adapter.execute",
		trace.WithAttributes(telemetry.AdapterAttributes(d.adapter.Name(), streaming)...))
	defer span.End()

	start := d.now()
	if sa, ok := d.adapter.(adapter.StreamingAdapter); ok && streaming {
		d.runStream(sess, rec, sa, prompt)
	} else {
		res, err := d.runOnce(prompt)
		if err != nil || res.ExitCode != 0 {
			if err == nil {
				err = fmt.Errorf("adapter exit code %d", res.ExitCode)
			}
			span.SetAttributes(telemetry.ErrorAttributes(err, string(protocol.CodeServerError))...)
			d.failMessage(sess, rec, err)
		} else {
			d.finalize(sess, rec, res.Output)
		}
	}
	adapterDuration.Observe(time.Since(start).Seconds())
}

// buildPrompt folds recent finalized history plus the new message into
// one prompt, oldest line first, each prefixed with its speaker.
func (d *Dispatcher) buildPrompt(userID string, rec pendingReply) (string, error) {
	history, err := d.store.PromptEvents(d.execCtx, userID, rec.echoSeq, d.cfg.MaxPromptMessages-1)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, ev := range history {
		var env protocol.ServerMessage
		if err := json.Unmarshal([]byte(ev.PayloadJSON), &env); err != nil {
			d.logger.Warn().
				Str(log.FieldEventID, ev.ID).
				Err(err).
				Msg("skipping unreadable history row in prompt")
			continue
		}
		if env.Role == protocol.RoleAssistant {
			b.WriteString("Assistant: ")
		} else {
			b.WriteString("User: ")
		}
		b.WriteString(env.Content)
		b.WriteByte('\n')
	}
	b.WriteString("User: ")
	b.WriteString(rec.content)
	return b.String(), nil
}

// runOnce executes a non-streaming adapter under the configured wall
// clock bound. The adapter cannot be force-stopped: on timeout its
// goroutine keeps running and its eventual output lands in a buffered
// channel nobody reads.
func (d *Dispatcher) runOnce(prompt string) (adapter.Result, error) {
	ctx, cancel := context.WithTimeout(d.execCtx, d.cfg.AdapterTimeout)
	defer cancel()

	type outcome struct {
		res adapter.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := d.adapter.Execute(ctx, prompt)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return adapter.Result{}, ctx.Err()
	}
}

// finalize appends the assistant event, closes out the intake record,
// and fans the reply out to every session of the user.
func (d *Dispatcher) finalize(sess *session.Session, rec pendingReply, content string) {
	now := d.now()
	eventID := protocol.NewServerID()
	env := &protocol.ServerMessage{
		Type:      protocol.TypeMessage,
		ID:        eventID,
		Role:      protocol.RoleAssistant,
		Content:   content,
		Timestamp: now.UnixMilli(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		d.failMessage(sess, rec, fmt.Errorf("marshal reply: %w", err))
		return
	}

	deviceID := sess.DeviceID
	err = d.writer.Do(d.execCtx, "assistant_final", func(tx *sql.Tx) error {
		seq, txErr := store.AllocateSequence(tx, sess.UserID)
		if txErr != nil {
			return txErr
		}
		if txErr := store.InsertEvent(tx, store.Event{
			ID:           eventID,
			UserID:       sess.UserID,
			Sequence:     seq,
			Type:         protocol.TypeMessage,
			Streaming:    store.StreamFinal,
			PayloadJSON:  string(payload),
			PayloadBytes: int64(len(payload)),
			Timestamp:    now.UnixMilli(),
		}); txErr != nil {
			return txErr
		}
		return store.SetMessageStreaming(tx, deviceID, rec.clientID, store.StreamFinal)
	})
	if err != nil {
		d.failMessage(sess, rec, fmt.Errorf("persist reply: %w", err))
		return
	}
	eventsTotal.WithLabelValues(protocol.RoleAssistant).Inc()
	d.failStreak.Store(0)

	d.registry.Broadcast(sess.UserID, payload)
}

// failMessage marks the intake record failed and tells the sender. The
// queue advances regardless; the client retries with a fresh id.
func (d *Dispatcher) failMessage(sess *session.Session, rec pendingReply, cause error) {
	adapterFailures.Inc()
	streak := d.failStreak.Add(1)

	d.logger.Error().
		Str(log.FieldDeviceID, sess.DeviceID).
		Str(log.FieldUserID, sess.UserID).
		Str(log.FieldClientID, rec.clientID).
		Err(cause).
		Msg("assistant reply failed")
	if streak == failStreakWarn {
		d.logger.Warn().
			Int64("consecutive_failures", streak).
			Str("adapter", d.adapter.Name()).
			Msg("adapter failing repeatedly")
	}

	deviceID := sess.DeviceID
	if err := d.writer.Do(d.execCtx, "message_failed", func(tx *sql.Tx) error {
		return store.SetMessageStreaming(tx, deviceID, rec.clientID, store.StreamFailed)
	}); err != nil {
		d.logger.Error().
			Str(log.FieldClientID, rec.clientID).
			Err(err).
			Msg("failed to mark message failed")
	}

	d.sendError(sess, protocol.NewMessageError(protocol.CodeServerError, "assistant failed to respond", rec.clientID))
}
