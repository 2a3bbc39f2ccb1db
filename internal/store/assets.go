package store

import (
	"context"
	"database/sql"
	"errors"
)

// Asset is the metadata row for one uploaded file. The bytes live at
// <media>/assets/<assetId>.
type Asset struct {
	AssetID          string
	UserID           string
	UploaderDeviceID string
	MimeType         string
	Size             int64
	CreatedAt        int64 // unix ms
}

// GetAsset fetches one asset row. The second return reports whether it
// exists.
func (s *Store) GetAsset(ctx context.Context, assetID string) (Asset, bool, error) {
	query := `
	SELECT assetId, userId, uploaderDeviceId, mimeType, size, createdAt
	FROM assets WHERE assetId = ?
	`
	var a Asset
	err := s.db.QueryRowContext(ctx, query, assetID).Scan(
		&a.AssetID, &a.UserID, &a.UploaderDeviceID, &a.MimeType, &a.Size, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, false, nil
	}
	if err != nil {
		return Asset{}, false, err
	}
	return a, true, nil
}

// InsertAsset writes the metadata row inside the caller's transaction.
// The upload handler renames the file into place only after this
// commits.
func InsertAsset(tx *sql.Tx, a Asset) error {
	query := `
	INSERT INTO assets (assetId, userId, uploaderDeviceId, mimeType, size, createdAt)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := tx.Exec(query, a.AssetID, a.UserID, a.UploaderDeviceID, a.MimeType, a.Size, a.CreatedAt)
	return err
}

// AssetOwner resolves an asset reference during message intake, inside
// the caller's transaction so the ownership check and the link insert
// see the same snapshot.
func AssetOwner(tx *sql.Tx, assetID string) (string, bool, error) {
	var userID string
	err := tx.QueryRow(`SELECT userId FROM assets WHERE assetId = ?`, assetID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return userID, true, nil
}

// DeleteAssetRow removes a metadata row whose file has gone missing.
func DeleteAssetRow(tx *sql.Tx, assetID string) error {
	_, err := tx.Exec(`DELETE FROM assets WHERE assetId = ?`, assetID)
	return err
}

// CountAssets reports the number of asset rows, for the post-sweep
// gauge.
func (s *Store) CountAssets(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assets`).Scan(&n)
	return n, err
}

// SweepUnreferencedAssets deletes rows older than cutoff that no
// message references. The caller runs the filesystem pass with the same
// cutoff, so a file and its row always age out together.
func SweepUnreferencedAssets(tx *sql.Tx, cutoff int64) (int64, error) {
	res, err := tx.Exec(`
	DELETE FROM assets
	 WHERE createdAt < ?
	   AND NOT EXISTS (SELECT 1 FROM message_assets WHERE assetId = assets.assetId)
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
