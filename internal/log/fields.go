package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldDeviceID  = "device_id"
	FieldUserID    = "user_id"
	FieldSessionID = "session_id"
	FieldClientID  = "client_id"
	FieldEventID   = "event_id"
	FieldAssetID   = "asset_id"
	FieldRequestID = "request_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldSequence  = "sequence"
	FieldQueue     = "queue"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Wire fields
	FieldFrameType = "frame_type"
	FieldCloseCode = "close_code"
	FieldCode      = "code"

	// Path / size fields
	FieldPath  = "path"
	FieldBytes = "bytes"
)
