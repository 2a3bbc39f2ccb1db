package media

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/clawline/clawline/internal/store"
)

// sweepBatch bounds how many asset files are checked between progress
// log lines, so a huge backlog is visible while it drains.
const sweepBatch = 10000

// sweepWarnAfter flags sweeps slow enough to suggest the media volume
// is struggling.
const sweepWarnAfter = 30 * time.Second

// SweepStats reports what one sweep removed.
type SweepStats struct {
	TmpRemoved   int
	RowsDeleted  int64
	FilesRemoved int
}

// Run sweeps on the configured interval until the context ends. The
// startup sweep is the provider's responsibility, so a crashed process
// reclaims orphans before serving.
func (s *Service) Run(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("media sweep failed")
			}
		}
	}
}

// SweepOnce removes expired tmp files, deletes unreferenced asset rows
// past the TTL, and then deletes asset files whose row is gone. All
// three passes share one cutoff, so a file and its row always age out
// against the same instant and a fresh upload can never race its own
// sweep.
func (s *Service) SweepOnce(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	cutoff := s.now().Add(-s.cfg.UnreferencedTTL).UnixMilli()
	var stats SweepStats

	entries, err := os.ReadDir(s.tmpDir())
	if err != nil {
		return stats, err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().UnixMilli() >= cutoff {
			continue
		}
		if os.Remove(filepath.Join(s.tmpDir(), e.Name())) == nil {
			stats.TmpRemoved++
		}
	}

	if err := s.writer.Do(ctx, "asset_sweep", func(tx *sql.Tx) error {
		n, txErr := store.SweepUnreferencedAssets(tx, cutoff)
		stats.RowsDeleted = n
		return txErr
	}); err != nil {
		return stats, err
	}

	entries, err = os.ReadDir(s.assetsDir())
	if err != nil {
		return stats, err
	}
	checked := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().UnixMilli() >= cutoff {
			continue
		}
		checked++
		if checked%sweepBatch == 0 {
			s.logger.Info().Int("checked", checked).Msg("media sweep progressing")
		}
		_, ok, err := s.st.GetAsset(ctx, e.Name())
		if err != nil {
			return stats, err
		}
		if ok {
			continue
		}
		if os.Remove(filepath.Join(s.assetsDir(), e.Name())) == nil {
			stats.FilesRemoved++
		}
	}

	sweepDeleted.WithLabelValues("tmp").Add(float64(stats.TmpRemoved))
	sweepDeleted.WithLabelValues("row").Add(float64(stats.RowsDeleted))
	sweepDeleted.WithLabelValues("file").Add(float64(stats.FilesRemoved))
	if n, err := s.st.CountAssets(ctx); err == nil {
		assetsTotal.Set(float64(n))
	}

	if elapsed := time.Since(start); elapsed > sweepWarnAfter {
		s.logger.Warn().Dur("elapsed", elapsed).Msg("media sweep ran long")
	} else if stats.TmpRemoved+int(stats.RowsDeleted)+stats.FilesRemoved > 0 {
		s.logger.Info().
			Int("tmp_removed", stats.TmpRemoved).
			Int64("rows_deleted", stats.RowsDeleted).
			Int("files_removed", stats.FilesRemoved).
			Msg("media sweep complete")
	}
	return stats, nil
}
