package dispatch

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/protocol"
	"github.com/clawline/clawline/internal/session"
	"github.com/clawline/clawline/internal/store"
	"github.com/clawline/clawline/internal/writer"
)

// assetNotFoundError rolls an intake transaction back when a referenced
// asset is missing or owned by another user.
type assetNotFoundError struct {
	assetID string
}

func (e *assetNotFoundError) Error() string {
	return fmt.Sprintf("asset %s not available to sender", e.assetID)
}

// intake runs one queued message: resolve idempotency, persist the echo,
// ack, fan out, and hand off to reply generation.
func (d *Dispatcher) intake(j job) {
	sess := j.sess
	vm := j.vm

	existing, found, err := d.store.GetMessage(d.execCtx, sess.DeviceID, vm.Frame.ID)
	if err != nil {
		d.logger.Error().
			Str(log.FieldDeviceID, sess.DeviceID).
			Str(log.FieldClientID, vm.Frame.ID).
			Err(err).
			Msg("message lookup failed")
		d.sendError(sess, protocol.NewMessageError(protocol.CodeServerError, "message intake failed", vm.Frame.ID))
		return
	}
	if found {
		d.resume(sess, existing, vm)
		return
	}

	now := d.now()
	eventID := protocol.NewServerID()
	env := &protocol.ServerMessage{
		Type:        protocol.TypeMessage,
		ID:          eventID,
		Role:        protocol.RoleUser,
		Content:     vm.Frame.Content,
		Timestamp:   now.UnixMilli(),
		Attachments: vm.Frame.Attachments,
		DeviceID:    sess.DeviceID,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		d.sendError(sess, protocol.NewMessageError(protocol.CodeServerError, "message intake failed", vm.Frame.ID))
		return
	}

	var seq int64
	err = d.writer.Do(d.execCtx, "message_intake", func(tx *sql.Tx) error {
		var txErr error
		seq, txErr = store.AllocateSequence(tx, sess.UserID)
		if txErr != nil {
			return txErr
		}
		if txErr = store.InsertEvent(tx, store.Event{
			ID:                  eventID,
			UserID:              sess.UserID,
			Sequence:            seq,
			OriginatingDeviceID: sess.DeviceID,
			Type:                protocol.TypeMessage,
			Streaming:           store.StreamFinal,
			PayloadJSON:         string(payload),
			PayloadBytes:        int64(len(payload)),
			Timestamp:           now.UnixMilli(),
		}); txErr != nil {
			return txErr
		}
		if txErr = store.InsertMessage(tx, store.Message{
			DeviceID:        sess.DeviceID,
			ClientID:        vm.Frame.ID,
			UserID:          sess.UserID,
			ServerEventID:   eventID,
			ServerSequence:  seq,
			Content:         vm.Frame.Content,
			ContentHash:     vm.ContentHash,
			AttachmentsHash: vm.AttachmentsHash,
			AttachmentsJSON: vm.AttachmentsJSON,
			ByteSize:        int64(vm.ByteSize),
			Timestamp:       now.UnixMilli(),
			Streaming:       store.StreamPartial,
		}); txErr != nil {
			return txErr
		}
		for _, assetID := range vm.AssetIDs {
			owner, ok, txErr := store.AssetOwner(tx, assetID)
			if txErr != nil {
				return txErr
			}
			if !ok || owner != sess.UserID {
				return &assetNotFoundError{assetID: assetID}
			}
			if txErr := store.LinkAsset(tx, sess.DeviceID, vm.Frame.ID, assetID); txErr != nil {
				return txErr
			}
		}
		return nil
	})
	if err != nil {
		var assetErr *assetNotFoundError
		switch {
		case errors.As(err, &assetErr):
			d.sendError(sess, protocol.NewMessageError(protocol.CodeAssetNotFound, assetErr.Error(), vm.Frame.ID))
		case errors.Is(err, writer.ErrQueueFull):
			d.sendError(sess, protocol.NewMessageError(protocol.CodeRateLimited, "write queue saturated", vm.Frame.ID))
		default:
			d.logger.Error().
				Str(log.FieldDeviceID, sess.DeviceID).
				Str(log.FieldClientID, vm.Frame.ID).
				Err(err).
				Msg("message intake write failed")
			d.sendError(sess, protocol.NewMessageError(protocol.CodeServerError, "message intake failed", vm.Frame.ID))
		}
		return
	}
	eventsTotal.WithLabelValues(protocol.RoleUser).Inc()

	d.sendAck(sess, vm.Frame.ID, false)
	d.registry.Broadcast(sess.UserID, payload)

	d.generate(sess, pendingReply{clientID: vm.Frame.ID, echoSeq: seq, content: vm.Frame.Content})
}

// resume handles a resent client id against its stored intake record.
func (d *Dispatcher) resume(sess *session.Session, existing store.Message, vm *protocol.ValidatedMessage) {
	if existing.ContentHash != vm.ContentHash || existing.AttachmentsHash != vm.AttachmentsHash {
		d.sendError(sess, protocol.NewMessageError(protocol.CodeInvalidMessage,
			"message id reused with different content", vm.Frame.ID))
		return
	}

	switch existing.Streaming {
	case store.StreamFailed:
		d.sendError(sess, protocol.NewMessageError(protocol.CodeInvalidMessage,
			"message previously failed, retry with a new id", vm.Frame.ID))
	case store.StreamPartial:
		// Reply still in flight; the ack is all the client is missing.
		d.sendAck(sess, vm.Frame.ID, existing.AckSent)
	case store.StreamFinal:
		replied, err := d.store.HasFinalAssistantAfter(d.execCtx, sess.UserID, existing.ServerSequence)
		if err != nil {
			d.sendError(sess, protocol.NewMessageError(protocol.CodeServerError, "message lookup failed", vm.Frame.ID))
			return
		}
		d.sendAck(sess, vm.Frame.ID, existing.AckSent)
		if !replied {
			// Finalized echo without a reply: the earlier attempt died
			// between commit and dispatch, so run the adapter now.
			d.generate(sess, pendingReply{
				clientID: existing.ClientID,
				echoSeq:  existing.ServerSequence,
				content:  existing.Content,
			})
		}
	}
}

// sendAck delivers the ack and records delivery once it first succeeds.
func (d *Dispatcher) sendAck(sess *session.Session, clientID string, alreadyMarked bool) {
	if err := d.send(sess, &protocol.Ack{Type: protocol.TypeAck, ID: clientID}); err != nil {
		return
	}
	if !alreadyMarked {
		deviceID := sess.DeviceID
		d.writer.DoAsync("ack_sent", func(tx *sql.Tx) error {
			return store.MarkAckSent(tx, deviceID, clientID)
		})
	}
}
