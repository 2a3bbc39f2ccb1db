package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by the provider's spans.
const (
	// Session attributes
	SessionDeviceIDKey = "session.device_id"
	SessionUserIDKey   = "session.user_id"
	SessionIDKey       = "session.id"

	// Adapter attributes
	AdapterNameKey      = "adapter.name"
	AdapterStreamingKey = "adapter.streaming"
	AdapterExitCodeKey  = "adapter.exit_code"

	// Media attributes
	MediaAssetIDKey   = "media.asset_id"
	MediaMimeTypeKey  = "media.mime_type"
	MediaSizeBytesKey = "media.size_bytes"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// SessionAttributes creates session span attributes. Identifiers are
// opaque UUIDs, safe to export.
func SessionAttributes(deviceID, userID, sessionID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if deviceID != "" {
		attrs = append(attrs, attribute.String(SessionDeviceIDKey, deviceID))
	}
	if userID != "" {
		attrs = append(attrs, attribute.String(SessionUserIDKey, userID))
	}
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	return attrs
}

// AdapterAttributes creates adapter execution span attributes.
func AdapterAttributes(name string, streaming bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AdapterNameKey, name),
		attribute.Bool(AdapterStreamingKey, streaming),
	}
}

// MediaAttributes creates media asset span attributes.
func MediaAttributes(assetID, mimeType string, sizeBytes int64) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if assetID != "" {
		attrs = append(attrs, attribute.String(MediaAssetIDKey, assetID))
	}
	if mimeType != "" {
		attrs = append(attrs, attribute.String(MediaMimeTypeKey, mimeType))
	}
	attrs = append(attrs, attribute.Int64(MediaSizeBytesKey, sizeBytes))
	return attrs
}

// ErrorAttributes creates error span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
