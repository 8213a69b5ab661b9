package store

import (
	"context"
	"fmt"
)

// ResetSyncMetadata erases every cached remote system-fields blob and remote
// identifier, and drops the given sync_state keys. Used by a forced full
// resync; the next upload then treats every entity as never synced. Entity
// rows themselves are untouched and no change_log rows are written.
func (s *Store) ResetSyncMetadata(ctx context.Context, metaKeys ...string) error {
	s.shared.writeMu.Lock()
	defer s.shared.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"books", "lists", "list_items"} {
		_, err := tx.ExecContext(ctx,
			// table names are fixed, never user input
			fmt.Sprintf("UPDATE %s SET remote_id = NULL, system_fields = NULL", table))
		if err != nil {
			return fmt.Errorf("failed to reset %s sync metadata: %w", table, err)
		}
	}
	// Transient parent references on list_items survive the reset so a
	// re-downloaded item record can still be matched to its local row.

	for _, key := range metaKeys {
		if _, err := tx.ExecContext(ctx, "DELETE FROM sync_state WHERE key = ?", key); err != nil {
			return fmt.Errorf("failed to delete sync state %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}
