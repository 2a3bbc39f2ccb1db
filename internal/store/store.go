// Package store provides the authoritative SQLite persistence layer:
// the per-user event log, client message intake records, media asset
// metadata, and sequence allocation. All mutations go through the
// single-writer queue; reads may run concurrently under WAL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

const schemaVersion = 1

var (
	// ErrCorrupt marks a database that failed its integrity check.
	ErrCorrupt = errors.New("store: database failed integrity check")
	// ErrLocked marks a database held by another process.
	ErrLocked = errors.New("store: database is locked")
	// ErrSchemaTooNew marks a database written by a newer build.
	ErrSchemaTooNew = errors.New("store: schema version is newer than this build supports")
)

// Options defines SQLite operational parameters.
type Options struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultOptions returns the stock connection settings. WAL allows the
// pool to serve reads while the writer queue holds its transaction.
func DefaultOptions() Options {
	return Options{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	}
}

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open initializes the connection pool with mandatory PRAGMAs, verifies
// integrity, and migrates the schema. The DSN carries the PRAGMAs so
// they apply to every connection in the pool; _txlock=immediate makes
// explicit transactions take the write lock up front, which the writer
// queue relies on.
func Open(dbPath string, opts Options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open failed: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, classifyOpenErr(fmt.Errorf("store: ping failed: %w", err))
	}

	s := &Store{db: db}

	if err := s.verifyIntegrity(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, classifyOpenErr(fmt.Errorf("store: migration failed: %w", err))
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for the writer queue and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// BeginTx starts an immediate-mode write transaction.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// verifyIntegrity runs PRAGMA quick_check. Success is exactly one row
// reading "ok"; anything else maps to ErrCorrupt.
func (s *Store) verifyIntegrity() error {
	rows, err := s.db.Query("PRAGMA quick_check")
	if err != nil {
		return classifyOpenErr(fmt.Errorf("store: integrity pragma failed: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var results []string
	for rows.Next() {
		var res string
		if err := rows.Scan(&res); err != nil {
			return fmt.Errorf("store: scan integrity result: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return classifyOpenErr(err)
	}

	if len(results) == 1 && strings.EqualFold(results[0], "ok") {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCorrupt, strings.Join(results, "; "))
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}

	if currentVersion > schemaVersion {
		return fmt.Errorf("%w: found %d, want %d", ErrSchemaTooNew, currentVersion, schemaVersion)
	}
	if currentVersion == schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		userId TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		originatingDeviceId TEXT,
		type TEXT NOT NULL,
		streaming INTEGER NOT NULL DEFAULT 0 CHECK(streaming IN (0, 1, 2)),
		payloadJson TEXT NOT NULL,
		payloadBytes INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		UNIQUE(userId, sequence)
	);

	CREATE TABLE IF NOT EXISTS messages (
		deviceId TEXT NOT NULL,
		clientId TEXT NOT NULL,
		userId TEXT NOT NULL,
		serverEventId TEXT REFERENCES events(id),
		serverSequence INTEGER,
		content TEXT NOT NULL,
		contentHash TEXT NOT NULL,
		attachmentsHash TEXT NOT NULL,
		attachmentsJson TEXT,
		byteSize INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		streaming INTEGER NOT NULL DEFAULT 1 CHECK(streaming IN (0, 1, 2)),
		ackSent INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (deviceId, clientId)
	);

	CREATE TABLE IF NOT EXISTS assets (
		assetId TEXT PRIMARY KEY,
		userId TEXT NOT NULL,
		uploaderDeviceId TEXT NOT NULL,
		mimeType TEXT NOT NULL,
		size INTEGER NOT NULL,
		createdAt INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS message_assets (
		deviceId TEXT NOT NULL,
		clientId TEXT NOT NULL,
		assetId TEXT NOT NULL REFERENCES assets(assetId) ON DELETE RESTRICT,
		PRIMARY KEY (deviceId, clientId, assetId),
		FOREIGN KEY (deviceId, clientId) REFERENCES messages(deviceId, clientId) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS user_sequences (
		userId TEXT PRIMARY KEY,
		nextSequence INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_user_streaming ON events(userId, streaming);
	CREATE INDEX IF NOT EXISTS idx_messages_event ON messages(serverEventId);
	CREATE INDEX IF NOT EXISTS idx_message_assets_asset ON message_assets(assetId);
	CREATE INDEX IF NOT EXISTS idx_assets_created ON assets(createdAt);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}

// classifyOpenErr maps driver-level busy/locked failures onto ErrLocked
// so startup can report them as a distinct condition.
func classifyOpenErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return fmt.Errorf("%w: %v", ErrLocked, err)
	}
	return err
}
