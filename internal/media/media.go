// Package media owns the asset blob store: streamed uploads into a
// temp-then-rename layout, ownership-checked downloads, and the TTL
// sweeps that reclaim unreferenced files. Database rows and files are
// reconciled by sweeping both sides with one cutoff.
package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/clawline/clawline/internal/auth"
	"github.com/clawline/clawline/internal/fsutil"
	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/protocol"
	"github.com/clawline/clawline/internal/store"
	"github.com/clawline/clawline/internal/telemetry"
	"github.com/clawline/clawline/internal/writer"
)

var (
	uploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clawline_media_upload_bytes_total",
		Help: "Total bytes accepted by the upload endpoint",
	})
	sweepDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawline_media_sweep_deleted_total",
		Help: "Total objects removed by media sweeps",
	}, []string{"kind"})
	assetsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clawline_assets_total",
		Help: "Asset rows currently in the store",
	})
)

// Config bounds the media service.
type Config struct {
	Root            string
	MaxUploadBytes  int64
	UnreferencedTTL time.Duration
	SweepInterval   time.Duration
}

// Service stores and serves uploaded assets.
type Service struct {
	cfg    Config
	st     *store.Store
	writer *writer.Queue

	logger zerolog.Logger
	now    func() time.Time
}

// New creates the service. EnsureLayout must succeed before Run or any
// upload.
func New(cfg Config, st *store.Store, w *writer.Queue) *Service {
	return &Service{
		cfg:    cfg,
		st:     st,
		writer: w,
		logger: log.WithComponent("media"),
		now:    time.Now,
	}
}

func (s *Service) tmpDir() string    { return filepath.Join(s.cfg.Root, "tmp") }
func (s *Service) assetsDir() string { return filepath.Join(s.cfg.Root, "assets") }

// EnsureLayout creates the tmp/ and assets/ directories and probes that
// the media root is actually writable. Permission bits alone miss
// read-only mounts.
func (s *Service) EnsureLayout() error {
	for _, dir := range []string{s.tmpDir(), s.assetsDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("%s: create %s: %w", protocol.CodeMediaUnavailable, dir, err)
		}
	}
	probe, err := os.CreateTemp(s.tmpDir(), ".probe-*")
	if err != nil {
		return fmt.Errorf("%s: media root not writable: %w", protocol.CodeMediaUnavailable, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

// SaveUpload streams one upload to a temp file, records its row, and
// renames it into the asset layout. Returned *protocol.ClientError
// values map directly to HTTP responses; other errors are internal.
func (s *Service) SaveUpload(ctx context.Context, ident auth.Identity, mimeType string, r io.Reader) (store.Asset, error) {
	ctx, span := telemetry.Tracer("clawline/media").Start(ctx, "media.upload")
	defer span.End()

	tmpPath := filepath.Join(s.tmpDir(), uuid.NewString())
	fh, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return store.Asset{}, fmt.Errorf("create upload temp: %w", err)
	}

	size, err := io.Copy(fh, io.LimitReader(r, s.cfg.MaxUploadBytes+1))
	if err != nil {
		_ = fh.Close()
		_ = os.Remove(tmpPath)
		return store.Asset{}, fmt.Errorf("stream upload: %w", err)
	}
	if size > s.cfg.MaxUploadBytes {
		_ = fh.Close()
		_ = os.Remove(tmpPath)
		return store.Asset{}, protocol.NewClientError(protocol.CodePayloadTooLarge,
			fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmpPath)
		return store.Asset{}, fmt.Errorf("sync upload: %w", err)
	}
	if err := fh.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return store.Asset{}, fmt.Errorf("close upload: %w", err)
	}

	asset := store.Asset{
		AssetID:          protocol.NewAssetID(),
		UserID:           ident.UserID,
		UploaderDeviceID: ident.DeviceID,
		MimeType:         mimeType,
		Size:             size,
		CreatedAt:        s.now().UnixMilli(),
	}
	if err := s.writer.Do(ctx, "asset_insert", func(tx *sql.Tx) error {
		return store.InsertAsset(tx, asset)
	}); err != nil {
		_ = os.Remove(tmpPath)
		if errors.Is(err, writer.ErrQueueFull) {
			return store.Asset{}, protocol.NewClientError(protocol.CodeRateLimited, "write queue saturated")
		}
		s.logger.Error().Str(log.FieldAssetID, asset.AssetID).Err(err).Msg("asset row insert failed")
		return store.Asset{}, protocol.NewClientError(protocol.CodeUploadFailedRetryable, "asset could not be recorded")
	}

	if err := os.Rename(tmpPath, filepath.Join(s.assetsDir(), asset.AssetID)); err != nil {
		s.logger.Error().Str(log.FieldAssetID, asset.AssetID).Err(err).Msg("asset rename failed, dropping row")
		_ = os.Remove(tmpPath)
		assetID := asset.AssetID
		s.writer.DoAsync("asset_row_cleanup", func(tx *sql.Tx) error {
			return store.DeleteAssetRow(tx, assetID)
		})
		return store.Asset{}, protocol.NewClientError(protocol.CodeUploadFailedRetryable, "asset could not be stored")
	}

	uploadBytes.Add(float64(size))
	span.SetAttributes(telemetry.MediaAttributes(asset.AssetID, asset.MimeType, asset.Size)...)
	s.logger.Info().
		Str(log.FieldAssetID, asset.AssetID).
		Str(log.FieldDeviceID, ident.DeviceID).
		Int64(log.FieldBytes, size).
		Msg("asset stored")
	return asset, nil
}

// OpenAsset resolves an asset for download. Unknown ids, foreign owners,
// and unreadable files all come back as asset_not_found; the row of an
// unreadable file is dropped so the log converges with the filesystem.
func (s *Service) OpenAsset(ctx context.Context, ident auth.Identity, assetID string) (store.Asset, io.ReadCloser, error) {
	if !protocol.ValidAssetID(assetID) {
		return store.Asset{}, nil, protocol.NewClientError(protocol.CodeInvalidMessage, "assetId must have the shape a_<uuid>")
	}

	asset, ok, err := s.st.GetAsset(ctx, assetID)
	if err != nil {
		return store.Asset{}, nil, fmt.Errorf("asset lookup: %w", err)
	}
	if !ok || asset.UserID != ident.UserID {
		return store.Asset{}, nil, protocol.NewClientError(protocol.CodeAssetNotFound, "asset not found")
	}

	path, err := fsutil.ConfineRelPath(s.assetsDir(), assetID)
	if err != nil {
		s.logger.Warn().Str(log.FieldAssetID, assetID).Err(err).Msg("asset path rejected")
		return store.Asset{}, nil, protocol.NewClientError(protocol.CodeAssetNotFound, "asset not found")
	}
	fh, err := os.Open(path)
	if err != nil {
		s.logger.Warn().Str(log.FieldAssetID, assetID).Err(err).Msg("asset file missing, dropping row")
		s.writer.DoAsync("asset_row_cleanup", func(tx *sql.Tx) error {
			return store.DeleteAssetRow(tx, assetID)
		})
		return store.Asset{}, nil, protocol.NewClientError(protocol.CodeAssetNotFound, "asset not found")
	}
	return asset, fh, nil
}
