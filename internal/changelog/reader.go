// Package changelog reads the local datastore's transaction history for the
// sync engine.
//
// The reader returns committed changes since a checkpoint, grouped into
// transactions and ordered by commit, excluding transactions the engine
// itself produced. Applying a downstream fetch writes under the engine's
// origin, so those writes never come back around as pending uploads.
package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/CyberFlameGO/ReadingListV1/internal/store"
)

// Transaction is one committed local transaction and its changes, in the
// order they were applied.
type Transaction struct {
	TxID        int64
	CommittedAt time.Time
	Changes     []store.ChangeRecord
}

// Reader reads change_log transactions for upload.
type Reader struct {
	db *sql.DB
	// excludeOrigin is the engine's own write origin; its transactions are
	// never returned.
	excludeOrigin string
	logger        *log.Logger
}

// New creates a Reader over the given store, excluding writes made under
// excludeOrigin. If logger is nil, a default stderr logger is used.
func New(st *store.Store, excludeOrigin string, logger *log.Logger) *Reader {
	if logger == nil {
		logger = log.New(os.Stderr, "[changelog] ", log.LstdFlags)
	}
	return &Reader{
		db:            st.RawDB(),
		excludeOrigin: excludeOrigin,
		logger:        logger,
	}
}

// Fetch returns transactions with tx id greater than sinceTx, oldest first.
//
// If the underlying query fails (for example the log was pruned from under
// us), Fetch degrades to an empty result: the condition is recoverable, and
// the next change or retry will be observed.
func (r *Reader) Fetch(ctx context.Context, sinceTx int64) ([]Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, tx_id, committed_at, origin, kind, entity_id, change, changed_fields, tombstone
		FROM change_log
		WHERE tx_id > ? AND origin != ?
		ORDER BY tx_id, seq`,
		sinceTx, r.excludeOrigin)
	if err != nil {
		r.logger.Printf("Warning: change log query failed, returning empty result: %v", err)
		return nil, nil
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		var rec store.ChangeRecord
		var committedAt string
		var fieldsJSON, tombJSON sql.NullString

		err := rows.Scan(&rec.Seq, &rec.TxID, &committedAt, &rec.Origin,
			&rec.Kind, &rec.EntityID, &rec.Change, &fieldsJSON, &tombJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}

		if t, err := time.Parse(time.RFC3339Nano, committedAt); err == nil {
			rec.CommittedAt = t
		}
		if fieldsJSON.Valid {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &rec.ChangedFields); err != nil {
				return nil, fmt.Errorf("failed to parse changed fields for seq %d: %w", rec.Seq, err)
			}
		}
		if tombJSON.Valid {
			var tomb store.Tombstone
			if err := json.Unmarshal([]byte(tombJSON.String), &tomb); err != nil {
				return nil, fmt.Errorf("failed to parse tombstone for seq %d: %w", rec.Seq, err)
			}
			rec.Tombstone = &tomb
		}

		if n := len(txs); n == 0 || txs[n-1].TxID != rec.TxID {
			txs = append(txs, Transaction{TxID: rec.TxID, CommittedAt: rec.CommittedAt})
		}
		last := &txs[len(txs)-1]
		last.Changes = append(last.Changes, rec)
	}
	if err := rows.Err(); err != nil {
		r.logger.Printf("Warning: change log iteration failed, returning empty result: %v", err)
		return nil, nil
	}
	return txs, nil
}

// Prune deletes history no longer needed: all rows up to and including
// throughTx, plus everything the engine wrote itself (those rows are never
// read back).
func (r *Reader) Prune(ctx context.Context, throughTx int64) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM change_log WHERE tx_id <= ? OR origin = ?",
		throughTx, r.excludeOrigin)
	if err != nil {
		return fmt.Errorf("failed to prune change log: %w", err)
	}
	return nil
}
