package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clawline/clawline/internal/auth"
	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/protocol"
)

func handleHealthz(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"version":       deps.Version,
			"uptimeSeconds": int64(time.Since(deps.StartedAt).Seconds()),
		})
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"protocolVersion": protocol.Version})
}

// uploadResponse is the success body for POST /upload.
type uploadResponse struct {
	AssetID  string `json:"assetId"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// handleUpload streams a single multipart part named "file" into the
// asset store. The part is consumed directly, so an oversize upload is
// rejected without ever buffering the full body.
func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := auth.IdentityFrom(r.Context())
		if !ok {
			writeCode(w, protocol.CodeAuthFailed, "missing identity")
			return
		}

		mr, err := r.MultipartReader()
		if err != nil {
			writeCode(w, protocol.CodeInvalidMessage, "multipart body required")
			return
		}
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeCode(w, protocol.CodeInvalidMessage, "missing file part")
			return
		}
		if err != nil {
			writeCode(w, protocol.CodeInvalidMessage, "unreadable multipart body")
			return
		}
		defer part.Close()
		if part.FormName() != "file" {
			writeCode(w, protocol.CodeInvalidMessage, "first part must be named file")
			return
		}

		mimeType := part.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		asset, err := deps.Media.SaveUpload(r.Context(), ident, mimeType, part)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, uploadResponse{
			AssetID:  asset.AssetID,
			MimeType: asset.MimeType,
			Size:     asset.Size,
		})
	}
}

// handleDownload streams an owned asset back with its stored type and
// length.
func handleDownload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := auth.IdentityFrom(r.Context())
		if !ok {
			writeCode(w, protocol.CodeAuthFailed, "missing identity")
			return
		}

		asset, rc, err := deps.Media.OpenAsset(r.Context(), ident, chi.URLParam(r, "assetId"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", asset.MimeType)
		w.Header().Set("Content-Length", strconv.FormatInt(asset.Size, 10))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, rc); err != nil {
			// Headers are gone; the client likely went away mid-read.
			log.FromContext(r.Context()).Debug().Err(err).
				Str(log.FieldAssetID, asset.AssetID).
				Msg("download aborted")
		}
	}
}
