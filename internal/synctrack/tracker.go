// Package synctrack maintains the reconciliation state machine attached
// to every entity row.
//
// States are synced, pending, syncing, conflict, failed and offline. The
// tracker owns every transition, the per-table status counts, and the
// global roll-up that UI sync indicators subscribe to. It mutates only the
// sync-metadata columns of a row, never domain fields - except for
// server-wins conflict resolution, where the registered snapshot applier
// for the table overwrites domain columns from the remote version.
package synctrack

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/mkrall/hobbyd/internal/event"
	"github.com/mkrall/hobbyd/internal/notify"
	"github.com/mkrall/hobbyd/internal/schema"
	"github.com/mkrall/hobbyd/internal/store"
)

// DefaultScanLimit bounds GetSyncEntities when no limit is given.
const DefaultScanLimit = 50

// Resolution picks the winning side of a conflict.
type Resolution string

const (
	ResolveLocal  Resolution = "local"
	ResolveServer Resolution = "server"
)

// SnapshotApplier overwrites a row's domain columns from a server
// snapshot, inside the supplied transaction. Each entity service registers
// one for its table; the tracker itself stays decoupled from domain
// schemas.
type SnapshotApplier func(ctx context.Context, tx *sqlx.Tx, id string, server json.RawMessage) error

// EntityRef identifies one row awaiting reconciliation.
type EntityRef struct {
	Table            string            `json:"table"`
	ID               string            `json:"id"`
	Status           schema.SyncStatus `json:"status"`
	PendingOperation schema.PendingOp  `json:"pendingOperation"`
	LocalUpdatedAt   *time.Time        `json:"localUpdatedAt,omitempty"`
	RetryCount       int               `json:"retryCount"`
}

// StatusChange is the payload of ENTITY_SYNC_STATUS_CHANGED events.
type StatusChange struct {
	Table     string            `json:"table"`
	ID        string            `json:"id"`
	Status    schema.SyncStatus `json:"status"`
	Operation schema.PendingOp  `json:"operation"`
	Timestamp time.Time         `json:"timestamp"`
}

// GlobalStatus is the payload of GLOBAL_SYNC_STATUS_CHANGED events: the
// three totals summed across all entity tables, plus a timestamp.
type GlobalStatus struct {
	PendingItemsCount  int       `json:"pendingItemsCount"`
	FailedItemsCount   int       `json:"failedItemsCount"`
	ConflictItemsCount int       `json:"conflictItemsCount"`
	Timestamp          time.Time `json:"timestamp"`
}

// Tracker owns sync metadata for every entity table.
type Tracker struct {
	store    *store.Store
	notifier *notify.Notifier
	logger   *log.Logger

	mu         sync.Mutex
	appliers   map[string]SnapshotApplier
	isSyncing  bool
	isOnline   bool
	lastSyncAt *time.Time
	lastError  string
}

// New creates a tracker. The instance starts online and idle.
func New(st *store.Store, notifier *notify.Notifier, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(os.Stderr, "[tracker] ", log.LstdFlags)
	}
	return &Tracker{
		store:    st,
		notifier: notifier,
		logger:   logger,
		appliers: make(map[string]SnapshotApplier),
		isOnline: true,
	}
}

// RegisterSnapshotApplier installs the server-wins applier for a table.
func (t *Tracker) RegisterSnapshotApplier(table string, fn SnapshotApplier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appliers[table] = fn
}

// MarkForSync queues a row for reconciliation after a local mutation:
// any state moves to pending, with the operation type and a fresh
// local-updated timestamp.
func (t *Tracker) MarkForSync(ctx context.Context, table, id string, op schema.PendingOp) error {
	now := time.Now().UTC()
	return t.UpdateEntitySyncStatus(ctx, table, id, schema.StatusPending, schema.SyncMetadataPatch{
		PendingOperation: &op,
		LocalUpdatedAt:   &now,
	})
}

// UpdateEntitySyncStatus writes a row's sync status and metadata patch.
//
// A status update for a vanished row is not an error - deletion may have
// raced the update - so it logs and returns nil without recomputing
// anything. On success the global counts are recomputed and republished,
// and a scoped status-change event plus its per-table variant are emitted.
func (t *Tracker) UpdateEntitySyncStatus(ctx context.Context, table, id string, status schema.SyncStatus, patch schema.SyncMetadataPatch) error {
	if !status.Valid() {
		return fmt.Errorf("invalid sync status %q", status)
	}

	current, err := t.rowStatus(ctx, t.store.DB(), table, id)
	if errors.Is(err, sql.ErrNoRows) {
		t.logger.Printf("Sync status update for missing %s row %s skipped (likely deleted)", table, id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read sync status for %s/%s: %w", table, id, err)
	}

	if !schema.CanTransition(current, status) {
		return fmt.Errorf("illegal sync transition %s -> %s for %s/%s", current, status, table, id)
	}

	set := patchValues(patch)
	set["sync_status"] = string(status)

	query, args, err := sq.Update(table).SetMap(set).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build sync status update: %w", err)
	}
	res, err := t.store.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update sync status for %s/%s: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		t.logger.Printf("Sync status update raced deletion of %s row %s", table, id)
		return nil
	}

	op := schema.OpNone
	if patch.PendingOperation != nil {
		op = *patch.PendingOperation
	}
	change := StatusChange{
		Table:     table,
		ID:        id,
		Status:    status,
		Operation: op,
		Timestamp: time.Now().UTC(),
	}
	t.notifier.Publish(event.EntitySyncStatusChanged, change)
	t.notifier.Publish(event.EntitySyncStatusChanged.ForTable(table), change)

	if _, err := t.RefreshGlobalStatus(ctx); err != nil {
		t.logger.Printf("Failed to refresh global sync status: %v", err)
	}
	return nil
}

// GetSyncEntities scans a table's status index for rows in the given
// status, bounded by limit (DefaultScanLimit when <= 0).
func (t *Tracker) GetSyncEntities(ctx context.Context, table string, status schema.SyncStatus, limit int) ([]EntityRef, error) {
	if limit <= 0 {
		limit = DefaultScanLimit
	}

	query, args, err := sq.Select("id", "sync_status", "pending_operation", "local_updated_at", "retry_count").
		From(table).
		Where(sq.Eq{"sync_status": string(status)}).
		OrderBy("local_updated_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build sync scan: %w", err)
	}

	rows, err := t.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s by status %s: %w", table, status, err)
	}
	defer rows.Close()

	var refs []EntityRef
	for rows.Next() {
		ref := EntityRef{Table: table}
		var st, op string
		var localUpdated sql.NullString
		if err := rows.Scan(&ref.ID, &st, &op, &localUpdated, &ref.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan sync entity: %w", err)
		}
		ref.Status = schema.SyncStatus(st)
		ref.PendingOperation = schema.PendingOp(op)
		ref.LocalUpdatedAt = store.NullToTime(localUpdated)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync entities: %w", err)
	}
	return refs, nil
}

// GetSyncStatusCounts returns the row count per status for one table,
// zero-filled over all six statuses.
func (t *Tracker) GetSyncStatusCounts(ctx context.Context, table string) (map[schema.SyncStatus]int, error) {
	counts := make(map[schema.SyncStatus]int, len(schema.AllSyncStatuses))
	for _, status := range schema.AllSyncStatuses {
		counts[status] = 0
	}

	rows, err := t.store.DB().QueryContext(ctx,
		fmt.Sprintf("SELECT sync_status, COUNT(*) FROM %s GROUP BY sync_status", table))
	if err != nil {
		return nil, fmt.Errorf("failed to count statuses for %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[schema.SyncStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

// ResolveConflict settles a diverged row. Local-wins re-marks the row
// pending with an update operation so the local version is pushed again.
// Server-wins overwrites domain fields from the server snapshot, clears
// the conflict data and stamps the server/synced timestamps - atomically.
// Conflicts are never auto-resolved; this is the only way out of the
// conflict state.
func (t *Tracker) ResolveConflict(ctx context.Context, table, id string, localData, serverData json.RawMessage, resolution Resolution) error {
	switch resolution {
	case ResolveLocal:
		now := time.Now().UTC()
		op := schema.OpUpdate
		empty := ""
		return t.UpdateEntitySyncStatus(ctx, table, id, schema.StatusPending, schema.SyncMetadataPatch{
			PendingOperation: &op,
			LocalUpdatedAt:   &now,
			ConflictData:     &empty,
			ErrorMessage:     &empty,
		})

	case ResolveServer:
		t.mu.Lock()
		apply, ok := t.appliers[table]
		t.mu.Unlock()
		if !ok {
			return fmt.Errorf("no snapshot applier registered for table %s", table)
		}

		err := t.store.WithTx(ctx, func(tx *sqlx.Tx) error {
			if err := apply(ctx, tx, id, serverData); err != nil {
				return fmt.Errorf("failed to apply server snapshot for %s/%s: %w", table, id, err)
			}

			now := store.FormatTime(time.Now().UTC())
			query, args, err := sq.Update(table).
				SetMap(map[string]interface{}{
					"sync_status":       string(schema.StatusSynced),
					"pending_operation": string(schema.OpNone),
					"conflict_data":     "",
					"error_message":     "",
					"server_updated_at": now,
					"last_synced_at":    now,
				}).
				Where(sq.Eq{"id": id}).
				ToSql()
			if err != nil {
				return fmt.Errorf("failed to build conflict resolution update: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to clear conflict for %s/%s: %w", table, id, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		change := StatusChange{
			Table:     table,
			ID:        id,
			Status:    schema.StatusSynced,
			Operation: schema.OpNone,
			Timestamp: time.Now().UTC(),
		}
		t.notifier.Publish(event.EntitySyncStatusChanged, change)
		t.notifier.Publish(event.EntitySyncStatusChanged.ForTable(table), change)

		if _, err := t.RefreshGlobalStatus(ctx); err != nil {
			t.logger.Printf("Failed to refresh global sync status: %v", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown conflict resolution %q", resolution)
	}
}

// MarkSyncing moves a queued row into flight.
func (t *Tracker) MarkSyncing(ctx context.Context, table, id string) error {
	now := time.Now().UTC()
	return t.UpdateEntitySyncStatus(ctx, table, id, schema.StatusSyncing, schema.SyncMetadataPatch{
		LastAttemptAt: &now,
	})
}

// MarkSynced records confirmed remote acceptance: stamps last-synced and
// clears the pending operation, conflict data and error message.
func (t *Tracker) MarkSynced(ctx context.Context, table, id string) error {
	now := time.Now().UTC()
	op := schema.OpNone
	empty := ""
	zero := 0
	return t.UpdateEntitySyncStatus(ctx, table, id, schema.StatusSynced, schema.SyncMetadataPatch{
		LastSyncedAt:     &now,
		PendingOperation: &op,
		ConflictData:     &empty,
		ErrorMessage:     &empty,
		RetryCount:       &zero,
	})
}

// MarkConflict records local/remote divergence, storing the remote
// snapshot for later explicit resolution.
func (t *Tracker) MarkConflict(ctx context.Context, table, id string, serverData json.RawMessage) error {
	data := string(serverData)
	return t.UpdateEntitySyncStatus(ctx, table, id, schema.StatusConflict, schema.SyncMetadataPatch{
		ConflictData: &data,
	})
}

// MarkFailed records a reconciliation error: increments the retry count
// and stamps the error message and attempt time.
func (t *Tracker) MarkFailed(ctx context.Context, table, id string, cause error) error {
	var retries int
	err := t.store.DB().QueryRowContext(ctx,
		fmt.Sprintf("SELECT retry_count FROM %s WHERE id = ?", table), id).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		t.logger.Printf("Failure mark for missing %s row %s skipped", table, id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read retry count for %s/%s: %w", table, id, err)
	}

	now := time.Now().UTC()
	retries++
	msg := cause.Error()
	return t.UpdateEntitySyncStatus(ctx, table, id, schema.StatusFailed, schema.SyncMetadataPatch{
		ErrorMessage:  &msg,
		RetryCount:    &retries,
		LastAttemptAt: &now,
	})
}

// RequeueOffline re-queues every row marked offline while connectivity
// was unavailable, preserving each row's original pending operation.
// Returns the number of rows requeued.
func (t *Tracker) RequeueOffline(ctx context.Context, table string) (int, error) {
	query, args, err := sq.Update(table).
		Set("sync_status", string(schema.StatusPending)).
		Where(sq.Eq{"sync_status": string(schema.StatusOffline)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build offline requeue: %w", err)
	}
	res, err := t.store.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue offline rows in %s: %w", table, err)
	}
	n, _ := res.RowsAffected()

	if n > 0 {
		t.logger.Printf("Requeued %d offline %s rows", n, table)
		if _, err := t.RefreshGlobalStatus(ctx); err != nil {
			t.logger.Printf("Failed to refresh global sync status: %v", err)
		}
	}
	return int(n), nil
}

// RequeueOfflineAll requeues offline rows in every entity table.
func (t *Tracker) RequeueOfflineAll(ctx context.Context) (int, error) {
	total := 0
	for _, table := range schema.Tables {
		n, err := t.RequeueOffline(ctx, table)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// RefreshGlobalStatus sums pending, failed and conflict counts across all
// entity tables and republishes GLOBAL_SYNC_STATUS_CHANGED.
func (t *Tracker) RefreshGlobalStatus(ctx context.Context) (GlobalStatus, error) {
	var global GlobalStatus
	for _, table := range schema.Tables {
		counts, err := t.GetSyncStatusCounts(ctx, table)
		if err != nil {
			return GlobalStatus{}, err
		}
		global.PendingItemsCount += counts[schema.StatusPending]
		global.FailedItemsCount += counts[schema.StatusFailed]
		global.ConflictItemsCount += counts[schema.StatusConflict]
	}
	global.Timestamp = time.Now().UTC()

	t.notifier.Publish(event.GlobalSyncStatusChanged, global)
	return global, nil
}

// GlobalState assembles the full derived sync state, including the
// in-memory cycle flags the persisted counts cannot carry.
func (t *Tracker) GlobalState(ctx context.Context) (schema.GlobalSyncState, error) {
	global, err := t.RefreshGlobalStatus(ctx)
	if err != nil {
		return schema.GlobalSyncState{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return schema.GlobalSyncState{
		IsSyncing:          t.isSyncing,
		LastSyncAt:         t.lastSyncAt,
		PendingItemsCount:  global.PendingItemsCount,
		FailedItemsCount:   global.FailedItemsCount,
		ConflictItemsCount: global.ConflictItemsCount,
		SyncProgress:       t.progressLocked(global),
		IsOnline:           t.isOnline,
		CurrentError:       t.lastError,
	}, nil
}

func (t *Tracker) progressLocked(global GlobalStatus) int {
	if !t.isSyncing {
		return 0
	}
	outstanding := global.PendingItemsCount + global.FailedItemsCount + global.ConflictItemsCount
	if outstanding == 0 {
		return 100
	}
	return 50 // mid-cycle; the transport reports no finer granularity
}

// StartSyncCycle flags a reconciliation cycle in progress and emits
// SYNC_STARTED.
func (t *Tracker) StartSyncCycle() {
	t.mu.Lock()
	t.isSyncing = true
	t.lastError = ""
	t.mu.Unlock()
	t.notifier.Publish(event.SyncStarted, time.Now().UTC())
}

// CompleteSyncCycle stamps the cycle end and emits SYNC_COMPLETED.
func (t *Tracker) CompleteSyncCycle() {
	now := time.Now().UTC()
	t.mu.Lock()
	t.isSyncing = false
	t.lastSyncAt = &now
	t.mu.Unlock()
	t.notifier.Publish(event.SyncCompleted, now)
}

// FailSyncCycle records the cycle error and emits SYNC_FAILED.
func (t *Tracker) FailSyncCycle(cause error) {
	t.mu.Lock()
	t.isSyncing = false
	t.lastError = cause.Error()
	t.mu.Unlock()
	t.notifier.Publish(event.SyncFailed, cause.Error())
}

// SetOnline toggles the connectivity flag.
func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	t.isOnline = online
	t.mu.Unlock()
}

// rowStatus reads the current sync status of one row.
func (t *Tracker) rowStatus(ctx context.Context, q sqlx.QueryerContext, table, id string) (schema.SyncStatus, error) {
	var status string
	err := sqlx.GetContext(ctx, q, &status,
		fmt.Sprintf("SELECT sync_status FROM %s WHERE id = ?", table), id)
	if err != nil {
		return "", err
	}
	return schema.SyncStatus(status), nil
}

// patchValues converts a metadata patch to column assignments. Nil fields
// are left untouched.
func patchValues(patch schema.SyncMetadataPatch) map[string]interface{} {
	set := make(map[string]interface{})
	if patch.LastSyncedAt != nil {
		set["last_synced_at"] = store.FormatTime(*patch.LastSyncedAt)
	}
	if patch.LocalUpdatedAt != nil {
		set["local_updated_at"] = store.FormatTime(*patch.LocalUpdatedAt)
	}
	if patch.ServerUpdatedAt != nil {
		set["server_updated_at"] = store.FormatTime(*patch.ServerUpdatedAt)
	}
	if patch.PendingOperation != nil {
		set["pending_operation"] = string(*patch.PendingOperation)
	}
	if patch.ConflictData != nil {
		set["conflict_data"] = *patch.ConflictData
	}
	if patch.ErrorMessage != nil {
		set["error_message"] = *patch.ErrorMessage
	}
	if patch.RetryCount != nil {
		set["retry_count"] = *patch.RetryCount
	}
	if patch.LastAttemptAt != nil {
		set["last_attempt_at"] = store.FormatTime(*patch.LastAttemptAt)
	}
	return set
}
