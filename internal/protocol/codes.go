// Package protocol defines the wire protocol shared by the WebSocket control
// plane and the HTTP media plane: frame types, error codes, identifier
// shapes, and the canonical hashes used for idempotent message intake.
package protocol

import (
	"errors"
	"fmt"
)

// Code enumerates every error code that can appear on the wire.
type Code string

const (
	CodeAuthFailed            Code = "auth_failed"
	CodeTokenRevoked          Code = "token_revoked"
	CodeInvalidMessage        Code = "invalid_message"
	CodePayloadTooLarge       Code = "payload_too_large"
	CodeAssetNotFound         Code = "asset_not_found"
	CodeRateLimited           Code = "rate_limited"
	CodePairRejected          Code = "pair_rejected"
	CodePairDenied            Code = "pair_denied"
	CodePairTimeout           Code = "pair_timeout"
	CodeDeviceNotApproved     Code = "device_not_approved"
	CodeSessionReplaced       Code = "session_replaced"
	CodeUploadFailedRetryable Code = "upload_failed_retryable"
	CodeServerError           Code = "server_error"
)

// Startup-only codes. These never travel over a client connection; they name
// fatal conditions in logs and process exit paths.
const (
	CodeBindNotAllowed   Code = "bind_not_allowed"
	CodeDBCorrupt        Code = "db_corrupt"
	CodeDBLocked         Code = "db_locked"
	CodeLockUnavailable  Code = "lock_unavailable"
	CodeMediaUnavailable Code = "media_unavailable"
)

// WebSocket close codes used by the front door.
const (
	CloseNormal        = 1000
	CloseProtocolError = 1002
	ClosePolicy        = 1008
	CloseInternal      = 1011
)

// CloseCodeFor maps a wire error code to the WebSocket close code used when
// the connection is torn down because of it.
func CloseCodeFor(code Code) int {
	switch code {
	case CodeInvalidMessage, CodeAuthFailed, CodeTokenRevoked, CodeRateLimited,
		CodePayloadTooLarge, CodeDeviceNotApproved:
		return ClosePolicy
	case CodeServerError:
		return CloseInternal
	case CodeSessionReplaced, CodePairRejected, CodePairDenied, CodePairTimeout:
		return CloseNormal
	default:
		return CloseInternal
	}
}

// ClientError is an error that maps directly to a wire error frame or HTTP
// error body. Internal failures are never wrapped in a ClientError; they map
// to server_error at the edge with the cause confined to the log.
type ClientError struct {
	Code      Code
	Message   string
	MessageID string
}

func (e *ClientError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewClientError builds a ClientError with the given code and message.
func NewClientError(code Code, message string) *ClientError {
	return &ClientError{Code: code, Message: message}
}

// NewMessageError builds a ClientError tied to a specific client message id.
func NewMessageError(code Code, message, messageID string) *ClientError {
	return &ClientError{Code: code, Message: message, MessageID: messageID}
}

// AsClientError unwraps err into a *ClientError if one is in the chain.
func AsClientError(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
