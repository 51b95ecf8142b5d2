package outbox

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mkrall/hobbyd/internal/schema"
	"github.com/mkrall/hobbyd/internal/store"
)

// Sink consumes journal entries during import, in sequence order.
type Sink interface {
	Apply(ctx context.Context, entry Entry) error
}

// Pending returns the journal entries not yet exported, oldest first.
func Pending(ctx context.Context, st *store.Store) ([]Entry, error) {
	rows, err := st.DB().QueryContext(ctx,
		`SELECT seq, entity_table, entity_id, operation, payload, queued_at
		 FROM sync_log WHERE exported_at IS NULL ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var op, queued string
		var payload sql.NullString
		if err := rows.Scan(&e.Seq, &e.EntityTable, &e.EntityID, &op, &payload, &queued); err != nil {
			return nil, fmt.Errorf("failed to scan sync log entry: %w", err)
		}
		e.Operation = schema.PendingOp(op)
		e.Payload = payload.String
		if e.QueuedAt, err = store.ParseTime(queued); err != nil {
			return nil, fmt.Errorf("malformed queued_at on sync log entry %d: %w", e.Seq, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Export writes every pending journal entry as one JSON line and marks
// the batch exported, in one transaction. Returns the entry count.
func Export(ctx context.Context, st *store.Store, w io.Writer) (int, error) {
	entries, err := Pending(ctx, st)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf := bufio.NewWriter(w)
	encoder := json.NewEncoder(buf)
	for _, e := range entries {
		if err := encoder.Encode(e); err != nil {
			return 0, fmt.Errorf("failed to encode sync log entry %d: %w", e.Seq, err)
		}
	}
	if err := buf.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush export: %w", err)
	}

	lastSeq := entries[len(entries)-1].Seq
	err = st.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE sync_log SET exported_at = ? WHERE exported_at IS NULL AND seq <= ?`,
			store.FormatTime(time.Now().UTC()), lastSeq)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark entries exported: %w", err)
	}
	return len(entries), nil
}

// ExportFile exports pending entries to a JSONL file. Written atomically
// via a temp file so a half-written export is never picked up.
func ExportFile(ctx context.Context, st *store.Store, path string) (int, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}

	n, err := Export(ctx, st, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if n == 0 {
		os.Remove(tmp)
		return 0, nil
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to finalize export file: %w", err)
	}
	return n, nil
}

// ReadFile parses a JSONL journal file.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	decoder := json.NewDecoder(f)
	line := 0
	for {
		var e Entry
		if err := decoder.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line+1, err)
		}
		line++
		entries = append(entries, e)
	}
	return entries, nil
}

// Import applies a journal file entry by entry, in sequence order.
// Individual entry failures are reported but do not stop the rest of the
// file. Returns the number of entries applied.
func Import(ctx context.Context, path string, sink Sink) (int, []error) {
	entries, err := ReadFile(path)
	if err != nil {
		return 0, []error{err}
	}

	applied := 0
	var failures []error
	for _, e := range entries {
		if err := sink.Apply(ctx, e); err != nil {
			failures = append(failures, fmt.Errorf("entry %d (%s %s/%s): %w",
				e.Seq, e.Operation, e.EntityTable, e.EntityID, err))
			continue
		}
		applied++
	}
	return applied, failures
}
