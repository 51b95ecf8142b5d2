// Package outbox journals every committed mutation into the sync_log
// table and ships the log as JSONL for offline transport. The journal row
// is written in the same transaction as the mutation, so the log and the
// entity tables can never disagree about what happened - in particular a
// deleted row still leaves its delete marker behind for reconciliation.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mkrall/hobbyd/internal/schema"
	"github.com/mkrall/hobbyd/internal/store"
)

// Entry is one journaled mutation.
type Entry struct {
	Seq         int64            `json:"seq"`
	EntityTable string           `json:"entityTable"`
	EntityID    string           `json:"entityId"`
	Operation   schema.PendingOp `json:"operation"`
	Payload     string           `json:"payload,omitempty"`
	QueuedAt    time.Time        `json:"queuedAt"`
}

// Journal appends one mutation to the sync log inside the caller's
// transaction. Payload is the JSON snapshot of the row after the
// mutation; deletes journal an empty payload.
func Journal(ctx context.Context, tx sqlx.ExecerContext, table, id string, op schema.PendingOp, payload string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sync_log (entity_table, entity_id, operation, payload, queued_at) VALUES (?, ?, ?, ?, ?)`,
		table, id, string(op), payload, store.FormatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to journal %s of %s/%s: %w", op, table, id, err)
	}
	return nil
}
