package store

import "database/sql"

// RecoveryStats reports what startup recovery touched.
type RecoveryStats struct {
	StaleMessages    int64
	StaleEvents      int64
	OrphanedMessages int64
}

// RecoverStale repairs rows a crash left behind, inside the caller's
// transaction: in-flight streams older than cutoff are marked failed,
// and message rows that never got their event (a torn intake) are
// dropped along with their asset links via cascade.
func RecoverStale(tx *sql.Tx, cutoff int64) (RecoveryStats, error) {
	var stats RecoveryStats

	res, err := tx.Exec(`UPDATE messages SET streaming = ? WHERE streaming = ? AND timestamp < ?`,
		StreamFailed, StreamPartial, cutoff)
	if err != nil {
		return stats, err
	}
	stats.StaleMessages, _ = res.RowsAffected()

	res, err = tx.Exec(`UPDATE events SET streaming = ? WHERE streaming = ? AND timestamp < ?`,
		StreamFailed, StreamPartial, cutoff)
	if err != nil {
		return stats, err
	}
	stats.StaleEvents, _ = res.RowsAffected()

	res, err = tx.Exec(`DELETE FROM messages WHERE serverEventId IS NULL`)
	if err != nil {
		return stats, err
	}
	stats.OrphanedMessages, _ = res.RowsAffected()

	return stats, nil
}
