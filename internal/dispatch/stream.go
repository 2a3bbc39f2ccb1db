package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clawline/clawline/internal/adapter"
	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/protocol"
	"github.com/clawline/clawline/internal/session"
	"github.com/clawline/clawline/internal/store"
)

// errStreamOrphaned means the originating device has no session left to
// stream to and no replacement arrived.
var errStreamOrphaned = errors.New("dispatch: stream originator has no session")

// streamRun accumulates one streaming reply. The event id and sequence
// are fixed before the first chunk so every flush lands on the same row.
type streamRun struct {
	userID   string
	deviceID string
	rec      pendingReply

	eventID string
	seq     int64

	content  strings.Builder
	pending  int  // bytes accumulated since the last successful flush
	inserted bool // events row exists
}

type chunkWriter struct {
	ch chan<- string
}

// WriteOutput hands a chunk to the coalescer. It blocks when the
// coalescer is behind, which is the backpressure that keeps a fast
// adapter from outrunning persistence.
func (w chunkWriter) WriteOutput(chunk string) {
	if chunk == "" {
		return
	}
	w.ch <- chunk
}

// runStream executes a streaming adapter: chunks are coalesced into
// periodic snapshot flushes that persist the row and feed the
// originating device's current session. Other sessions of the user see
// only the final message.
func (d *Dispatcher) runStream(sess *session.Session, rec pendingReply, sa adapter.StreamingAdapter, prompt string) {
	r := &streamRun{
		userID:   sess.UserID,
		deviceID: sess.DeviceID,
		rec:      rec,
		eventID:  protocol.NewServerID(),
	}
	err := d.writer.Do(d.execCtx, "stream_reserve", func(tx *sql.Tx) error {
		seq, txErr := store.AllocateSequence(tx, r.userID)
		if txErr != nil {
			return txErr
		}
		r.seq = seq
		return nil
	})
	if err != nil {
		d.failMessage(sess, rec, fmt.Errorf("reserve stream sequence: %w", err))
		return
	}

	ctx, cancel := context.WithCancel(d.execCtx)
	defer cancel()

	chunks := make(chan string, 64)
	type outcome struct {
		res adapter.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, execErr := sa.ExecuteStreaming(ctx, prompt, chunkWriter{ch: chunks})
		done <- outcome{res: res, err: execErr}
	}()

	// After an abort the adapter may keep producing; keep its channel
	// drained so it can finish and exit.
	discard := func() {
		go func() {
			for {
				select {
				case <-chunks:
				case <-done:
					return
				}
			}
		}()
	}

	ticker := time.NewTicker(d.cfg.ChunkInterval)
	defer ticker.Stop()
	inactivity := time.NewTimer(d.cfg.StreamInactivity)
	defer inactivity.Stop()

	resetInactivity := func() {
		if !inactivity.Stop() {
			select {
			case <-inactivity.C:
			default:
			}
		}
		inactivity.Reset(d.cfg.StreamInactivity)
	}

	// flush persists and delivers the snapshot; true means the stream is
	// over. A transient flush error keeps the buffer for the next tick.
	flush := func() (aborted bool) {
		switch err := d.flushStream(r); {
		case errors.Is(err, errStreamOrphaned):
			cancel()
			discard()
			d.abortStream(sess, r, err)
			return true
		case err == nil:
			resetInactivity()
		}
		return false
	}

	for {
		select {
		case chunk := <-chunks:
			r.content.WriteString(chunk)
			r.pending += len(chunk)
			if r.pending < d.cfg.ChunkBufferBytes {
				continue
			}
			d.logger.Warn().
				Str(log.FieldEventID, r.eventID).
				Int(log.FieldBytes, r.pending).
				Msg("stream buffer cap reached, flushing early")
			if flush() {
				return
			}

		case <-ticker.C:
			if r.pending == 0 {
				continue
			}
			if flush() {
				return
			}

		case <-inactivity.C:
			cancel()
			discard()
			d.abortStream(sess, r, errors.New("stream inactivity timeout"))
			return

		case o := <-done:
			for drained := false; !drained; {
				select {
				case chunk := <-chunks:
					r.content.WriteString(chunk)
					r.pending += len(chunk)
				default:
					drained = true
				}
			}
			d.finishStream(sess, r, o.res, o.err)
			return
		}
	}
}

// flushStream persists the accumulated snapshot and pushes it to the
// originating device's current session. A transient persistence error
// keeps the buffer for the next tick; errStreamOrphaned means nobody is
// left to stream to.
func (d *Dispatcher) flushStream(r *streamRun) error {
	now := d.now().UnixMilli()
	payload, err := json.Marshal(&protocol.ServerMessage{
		Type:      protocol.TypeMessage,
		ID:        r.eventID,
		Role:      protocol.RoleAssistant,
		Content:   r.content.String(),
		Timestamp: now,
		Streaming: true,
	})
	if err != nil {
		return err
	}

	if !r.inserted {
		err = d.writer.Do(d.execCtx, "stream_insert", func(tx *sql.Tx) error {
			return store.InsertEvent(tx, store.Event{
				ID:           r.eventID,
				UserID:       r.userID,
				Sequence:     r.seq,
				Type:         protocol.TypeMessage,
				Streaming:    store.StreamPartial,
				PayloadJSON:  string(payload),
				PayloadBytes: int64(len(payload)),
				Timestamp:    now,
			})
		})
	} else {
		err = d.writer.Do(d.execCtx, "stream_flush", func(tx *sql.Tx) error {
			return store.UpdateEventPayload(tx, r.eventID, string(payload), int64(len(payload)), now)
		})
	}
	if err != nil {
		d.logger.Warn().
			Str(log.FieldEventID, r.eventID).
			Err(err).
			Msg("stream flush deferred")
		return err
	}
	r.inserted = true
	r.pending = 0

	target, ok := d.registry.ByDevice(r.deviceID)
	if !ok || target.UserID != r.userID {
		return errStreamOrphaned
	}
	return target.Send(payload)
}

// finishStream closes a stream whose adapter returned. Success without
// any chunk falls back to the run's aggregate output.
func (d *Dispatcher) finishStream(sess *session.Session, r *streamRun, res adapter.Result, execErr error) {
	if execErr != nil || res.ExitCode != 0 {
		if execErr == nil {
			execErr = fmt.Errorf("adapter exit code %d", res.ExitCode)
		}
		d.abortStream(sess, r, execErr)
		return
	}
	if !r.inserted && r.content.Len() == 0 {
		r.content.WriteString(res.Output)
	}

	now := d.now().UnixMilli()
	payload, err := json.Marshal(&protocol.ServerMessage{
		Type:      protocol.TypeMessage,
		ID:        r.eventID,
		Role:      protocol.RoleAssistant,
		Content:   r.content.String(),
		Timestamp: now,
	})
	if err != nil {
		d.abortStream(sess, r, fmt.Errorf("marshal reply: %w", err))
		return
	}

	err = d.writer.Do(d.execCtx, "assistant_final", func(tx *sql.Tx) error {
		if !r.inserted {
			if txErr := store.InsertEvent(tx, store.Event{
				ID:           r.eventID,
				UserID:       r.userID,
				Sequence:     r.seq,
				Type:         protocol.TypeMessage,
				Streaming:    store.StreamFinal,
				PayloadJSON:  string(payload),
				PayloadBytes: int64(len(payload)),
				Timestamp:    now,
			}); txErr != nil {
				return txErr
			}
		} else if txErr := store.SetEventFinal(tx, r.eventID, string(payload), int64(len(payload)), now); txErr != nil {
			return txErr
		}
		return store.SetMessageStreaming(tx, r.deviceID, r.rec.clientID, store.StreamFinal)
	})
	if err != nil {
		d.abortStream(sess, r, fmt.Errorf("persist reply: %w", err))
		return
	}
	eventsTotal.WithLabelValues(protocol.RoleAssistant).Inc()
	d.failStreak.Store(0)

	d.registry.Broadcast(r.userID, payload)
}

// abortStream fails a stream in place: any unflushed tail is persisted
// as the row's last snapshot, both rows move to the failed state, and
// the originating device is told. Replay will carry the snapshot; a
// client recognizes the failure by the missing final.
func (d *Dispatcher) abortStream(sess *session.Session, r *streamRun, cause error) {
	adapterFailures.Inc()
	streak := d.failStreak.Add(1)

	d.logger.Error().
		Str(log.FieldDeviceID, r.deviceID).
		Str(log.FieldUserID, r.userID).
		Str(log.FieldClientID, r.rec.clientID).
		Str(log.FieldEventID, r.eventID).
		Err(cause).
		Msg("stream failed")
	if streak == failStreakWarn {
		d.logger.Warn().
			Int64("consecutive_failures", streak).
			Str("adapter", d.adapter.Name()).
			Msg("adapter failing repeatedly")
	}

	now := d.now().UnixMilli()
	var payload []byte
	if r.content.Len() > 0 {
		payload, _ = json.Marshal(&protocol.ServerMessage{
			Type:      protocol.TypeMessage,
			ID:        r.eventID,
			Role:      protocol.RoleAssistant,
			Content:   r.content.String(),
			Timestamp: now,
			Streaming: true,
		})
	}

	if err := d.writer.Do(d.execCtx, "stream_abort", func(tx *sql.Tx) error {
		switch {
		case r.inserted:
			if r.pending > 0 && payload != nil {
				if txErr := store.UpdateEventPayload(tx, r.eventID, string(payload), int64(len(payload)), now); txErr != nil {
					return txErr
				}
			}
			if txErr := store.SetEventFailed(tx, r.eventID); txErr != nil {
				return txErr
			}
		case payload != nil:
			if txErr := store.InsertEvent(tx, store.Event{
				ID:           r.eventID,
				UserID:       r.userID,
				Sequence:     r.seq,
				Type:         protocol.TypeMessage,
				Streaming:    store.StreamFailed,
				PayloadJSON:  string(payload),
				PayloadBytes: int64(len(payload)),
				Timestamp:    now,
			}); txErr != nil {
				return txErr
			}
		}
		return store.SetMessageStreaming(tx, r.deviceID, r.rec.clientID, store.StreamFailed)
	}); err != nil {
		d.logger.Error().
			Str(log.FieldEventID, r.eventID).
			Err(err).
			Msg("failed to mark stream failed")
	}

	ce := protocol.NewMessageError(protocol.CodeServerError, "assistant stream failed", r.rec.clientID)
	if target, ok := d.registry.ByDevice(r.deviceID); ok && target.UserID == r.userID {
		d.sendError(target, ce)
	} else {
		d.sendError(sess, ce)
	}
}
