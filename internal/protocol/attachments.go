package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Attachment types.
const (
	AttachmentImage = "image"
	AttachmentAsset = "asset"
)

// MaxAttachments is the per-message attachment cap.
const MaxAttachments = 4

// MaxTotalPayloadBytes caps content bytes plus decoded inline bytes for a
// single client message. Fixed by the protocol, not configurable.
const MaxTotalPayloadBytes = 327680

// MaxFrameBytes caps a single WebSocket frame. Frames beyond it close the
// connection with payload_too_large.
const MaxFrameBytes = 393216

// Attachment is either an inline base64 image or a reference to an uploaded
// asset.
type Attachment struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
	AssetID  string `json:"assetId,omitempty"`
}

// allowedInlineMIME is the closed set of inline image types.
var allowedInlineMIME = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/gif":  {},
	"image/webp": {},
	"image/heic": {},
}

// MessageLimits carries the configured byte budgets for client messages.
type MessageLimits struct {
	MaxContentBytes int
	MaxInlineBytes  int
	MaxTotalBytes   int
}

// ValidatedMessage is the result of validating a client message: the frame
// plus everything the intake path persists or compares.
type ValidatedMessage struct {
	Frame           *ClientMessage
	ContentHash     string
	AttachmentsHash string
	AttachmentsJSON string // canonical compact array, "" when no attachments
	InlineBytes     int    // decoded inline bytes across all attachments
	ByteSize        int    // content bytes + decoded inline bytes
	AssetIDs        []string
}

// ValidateClientMessage checks a message frame against the protocol rules and
// byte budgets and computes its canonical hashes. Asset ownership is not
// checked here; that requires the store.
func ValidateClientMessage(m *ClientMessage, limits MessageLimits) (*ValidatedMessage, error) {
	if !ValidClientID(m.ID) {
		return nil, NewClientError(CodeInvalidMessage, "message id must have the shape c_<id>")
	}
	if m.Content == "" {
		return nil, NewMessageError(CodeInvalidMessage, "content must not be empty", m.ID)
	}
	if !utf8.ValidString(m.Content) {
		return nil, NewMessageError(CodeInvalidMessage, "content must be valid UTF-8", m.ID)
	}
	contentBytes := len(m.Content)
	if contentBytes > limits.MaxContentBytes {
		return nil, NewMessageError(CodePayloadTooLarge,
			fmt.Sprintf("content exceeds %d bytes", limits.MaxContentBytes), m.ID)
	}
	if len(m.Attachments) > MaxAttachments {
		return nil, NewMessageError(CodeInvalidMessage,
			fmt.Sprintf("at most %d attachments allowed", MaxAttachments), m.ID)
	}

	inline := 0
	var assetIDs []string
	for _, att := range m.Attachments {
		switch att.Type {
		case AttachmentImage:
			if _, ok := allowedInlineMIME[att.MimeType]; !ok {
				return nil, NewMessageError(CodeInvalidMessage,
					fmt.Sprintf("inline mime type %q not allowed", att.MimeType), m.ID)
			}
			if att.Data == "" {
				return nil, NewMessageError(CodeInvalidMessage, "inline attachment has no data", m.ID)
			}
			decoded, err := base64.StdEncoding.DecodeString(att.Data)
			if err != nil {
				return nil, NewMessageError(CodeInvalidMessage, "inline attachment is not valid base64", m.ID)
			}
			inline += len(decoded)
			if inline > limits.MaxInlineBytes {
				return nil, NewMessageError(CodePayloadTooLarge,
					fmt.Sprintf("inline attachment bytes exceed %d", limits.MaxInlineBytes), m.ID)
			}
		case AttachmentAsset:
			if !ValidAssetID(att.AssetID) {
				return nil, NewMessageError(CodeInvalidMessage, "assetId must have the shape a_<uuid>", m.ID)
			}
			assetIDs = append(assetIDs, att.AssetID)
		default:
			return nil, NewMessageError(CodeInvalidMessage,
				fmt.Sprintf("unknown attachment type %q", att.Type), m.ID)
		}
	}

	total := contentBytes + inline
	if total > limits.MaxTotalBytes {
		return nil, NewMessageError(CodePayloadTooLarge,
			fmt.Sprintf("total payload exceeds %d bytes", limits.MaxTotalBytes), m.ID)
	}

	canonical := canonicalAttachments(m.Attachments)
	vm := &ValidatedMessage{
		Frame:           m,
		ContentHash:     ContentHash(m.Content),
		AttachmentsHash: hashString(canonical),
		InlineBytes:     inline,
		ByteSize:        total,
		AssetIDs:        assetIDs,
	}
	if len(m.Attachments) > 0 {
		vm.AttachmentsJSON = canonical
	}
	return vm, nil
}

// canonicalAttachments builds the canonical compact JSON array over which the
// attachments hash is computed: elements keep their submitted order, keys keep
// the fixed order {"type","mimeType","data"} / {"type","assetId"}, and there
// is no whitespace. Field values are restricted alphabets (validated above),
// so no JSON escaping is required.
func canonicalAttachments(atts []Attachment) string {
	if len(atts) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, att := range atts {
		if i > 0 {
			b.WriteByte(',')
		}
		switch att.Type {
		case AttachmentImage:
			b.WriteString(`{"type":"image","mimeType":"`)
			b.WriteString(att.MimeType)
			b.WriteString(`","data":"`)
			b.WriteString(att.Data)
			b.WriteString(`"}`)
		case AttachmentAsset:
			b.WriteString(`{"type":"asset","assetId":"`)
			b.WriteString(att.AssetID)
			b.WriteString(`"}`)
		}
	}
	b.WriteByte(']')
	return b.String()
}
