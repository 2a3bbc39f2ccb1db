package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version enforced on pair_request and auth frames.
const Version = 1

// Frame type discriminators.
const (
	TypePairRequest         = "pair_request"
	TypePairDecision        = "pair_decision"
	TypeAuth                = "auth"
	TypeMessage             = "message"
	TypeTyping              = "typing"
	TypePairApprovalRequest = "pair_approval_request"
	TypePairResult          = "pair_result"
	TypeAuthResult          = "auth_result"
	TypeAck                 = "ack"
	TypeError               = "error"
)

// Roles carried by server message frames.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PairRequest asks the provider to admit a new device.
type PairRequest struct {
	Type            string            `json:"type"`
	ProtocolVersion int               `json:"protocolVersion"`
	DeviceID        string            `json:"deviceId"`
	ClaimedName     string            `json:"claimedName,omitempty"`
	DeviceInfo      map[string]string `json:"deviceInfo"`
}

// PairDecision is an admin verdict on a pending pair request.
type PairDecision struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Approve  bool   `json:"approve"`
	UserID   string `json:"userId,omitempty"`
}

// Auth presents a token for an allowlisted device.
type Auth struct {
	Type            string  `json:"type"`
	ProtocolVersion int     `json:"protocolVersion"`
	Token           string  `json:"token"`
	DeviceID        string  `json:"deviceId"`
	LastMessageID   *string `json:"lastMessageId,omitempty"`
}

// ClientMessage is a chat message submitted by a device.
type ClientMessage struct {
	Type        string       `json:"type"`
	ID          string       `json:"id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Typing signals typing activity in either direction.
type Typing struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
	Role   string `json:"role,omitempty"`
}

// PairApprovalRequest notifies an admin session of a pending device.
type PairApprovalRequest struct {
	Type        string            `json:"type"`
	DeviceID    string            `json:"deviceId"`
	ClaimedName string            `json:"claimedName,omitempty"`
	DeviceInfo  map[string]string `json:"deviceInfo"`
}

// PairResult concludes a pairing attempt on the requesting socket.
type PairResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	UserID  string `json:"userId,omitempty"`
	Reason  Code   `json:"reason,omitempty"`
}

// AuthResult concludes an auth attempt. On success it precedes the replay
// stream.
type AuthResult struct {
	Type            string `json:"type"`
	Success         bool   `json:"success"`
	UserID          string `json:"userId,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	ReplayCount     int    `json:"replayCount"`
	ReplayTruncated bool   `json:"replayTruncated"`
	HistoryReset    bool   `json:"historyReset,omitempty"`
	Reason          Code   `json:"reason,omitempty"`
}

// Ack confirms durable acceptance of a client message.
type Ack struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ServerMessage is an event delivered to clients, live or via replay.
type ServerMessage struct {
	Type        string       `json:"type"`
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Timestamp   int64        `json:"timestamp"`
	Streaming   bool         `json:"streaming"`
	Attachments []Attachment `json:"attachments,omitempty"`
	DeviceID    string       `json:"deviceId,omitempty"`
}

// ErrorFrame reports a wire error, optionally tied to a client message.
type ErrorFrame struct {
	Type      string `json:"type"`
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
}

// NewErrorFrame builds an error frame from a ClientError.
func NewErrorFrame(ce *ClientError) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Code: ce.Code, Message: ce.Message, MessageID: ce.MessageID}
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeClientFrame parses a raw client frame into its concrete type. A
// malformed JSON document returns a plain error (the caller closes with 1002);
// a well-formed frame with an unknown or unexpected type returns a
// ClientError with code invalid_message.
func DecodeClientFrame(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var frame any
	switch env.Type {
	case TypePairRequest:
		frame = &PairRequest{}
	case TypePairDecision:
		frame = &PairDecision{}
	case TypeAuth:
		frame = &Auth{}
	case TypeMessage:
		frame = &ClientMessage{}
	case TypeTyping:
		frame = &Typing{}
	default:
		return nil, NewClientError(CodeInvalidMessage, fmt.Sprintf("unknown frame type %q", env.Type))
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, NewClientError(CodeInvalidMessage, "frame does not match its declared type")
	}
	return frame, nil
}
