package service

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mkrall/hobbyd/internal/schema"
	"github.com/mkrall/hobbyd/internal/store"
)

// syncColumnList is the sync-metadata select tail every entity spec
// appends after its domain columns. Order matches syncScanner.targets.
var syncColumnList = []string{
	"sync_status",
	"last_synced_at",
	"local_updated_at",
	"server_updated_at",
	"pending_operation",
	"conflict_data",
	"error_message",
	"retry_count",
	"last_attempt_at",
}

// entityColumns builds a spec's full column list from its domain columns.
func entityColumns(domain ...string) []string {
	return append(domain, syncColumnList...)
}

// syncScanner collects the sync-metadata columns of one row.
type syncScanner struct {
	status        string
	lastSynced    sql.NullString
	localUpdated  sql.NullString
	serverUpdated sql.NullString
	pendingOp     string
	conflictData  sql.NullString
	errorMessage  sql.NullString
	retryCount    int
	lastAttempt   sql.NullString
}

func (s *syncScanner) targets() []interface{} {
	return []interface{}{
		&s.status,
		&s.lastSynced,
		&s.localUpdated,
		&s.serverUpdated,
		&s.pendingOp,
		&s.conflictData,
		&s.errorMessage,
		&s.retryCount,
		&s.lastAttempt,
	}
}

func (s *syncScanner) apply(m *schema.SyncMetadata) {
	m.SyncStatus = schema.SyncStatus(s.status)
	m.LastSyncedAt = store.NullToTime(s.lastSynced)
	m.LocalUpdatedAt = store.NullToTime(s.localUpdated)
	m.ServerUpdatedAt = store.NullToTime(s.serverUpdated)
	m.PendingOperation = schema.PendingOp(s.pendingOp)
	m.ConflictData = s.conflictData.String
	m.ErrorMessage = s.errorMessage.String
	m.RetryCount = s.retryCount
	m.LastAttemptAt = store.NullToTime(s.lastAttempt)
}

// parseStamp decodes a required timestamp column value.
func parseStamp(column, raw string) (time.Time, error) {
	t, err := store.ParseTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed %s timestamp %q: %w", column, raw, err)
	}
	return t, nil
}
