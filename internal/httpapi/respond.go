package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/protocol"
)

// errorBody is the JSON error shape shared by every media-plane
// failure response.
type errorBody struct {
	Error   protocol.Code `json:"error"`
	Message string        `json:"message,omitempty"`
}

// StatusForCode maps a wire error code to its HTTP status on the media
// plane.
func StatusForCode(code protocol.Code) int {
	switch code {
	case protocol.CodeInvalidMessage:
		return http.StatusBadRequest
	case protocol.CodeAuthFailed:
		return http.StatusUnauthorized
	case protocol.CodeTokenRevoked, protocol.CodeDeviceNotApproved:
		return http.StatusForbidden
	case protocol.CodeAssetNotFound:
		return http.StatusNotFound
	case protocol.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case protocol.CodeRateLimited:
		return http.StatusTooManyRequests
	case protocol.CodeMediaUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeCode(w http.ResponseWriter, code protocol.Code, message string) {
	writeJSON(w, StatusForCode(code), errorBody{Error: code, Message: message})
}

// writeError maps err onto the wire: a ClientError keeps its code and
// message, anything else is confined to the log and surfaces as a bare
// server_error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if ce, ok := protocol.AsClientError(err); ok {
		writeCode(w, ce.Code, ce.Message)
		return
	}
	log.FromContext(r.Context()).Error().Err(err).
		Str(log.FieldPath, r.URL.Path).
		Msg("request failed")
	writeCode(w, protocol.CodeServerError, "internal error")
}
