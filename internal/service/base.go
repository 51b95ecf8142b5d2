package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mkrall/hobbyd/internal/event"
	"github.com/mkrall/hobbyd/internal/notify"
	"github.com/mkrall/hobbyd/internal/outbox"
	"github.com/mkrall/hobbyd/internal/schema"
	"github.com/mkrall/hobbyd/internal/store"
	"github.com/mkrall/hobbyd/internal/synctrack"
)

// Spec describes one entity table to the generic service: its columns,
// lifecycle events and the handful of per-type functions the service
// cannot write generically.
type Spec[T any] struct {
	Table      string
	Events     event.EntityEvents
	Columns    []string // full select list, sync columns included, in Scan order
	SortColumn string

	// SearchColumn is the text column Search matches against; empty for
	// entities with no searchable text.
	SearchColumn string

	ID       func(*T) string
	SetID    func(*T, string)
	ParentID func(*T) string // "" for root entities
	Defaults func(*T)
	Validate func(*T) error
	Values   func(*T) map[string]interface{} // domain columns only
	Scan     func(*sqlx.Rows) (*T, error)
	Meta     func(*T) *schema.SyncMetadata
}

// Service is the transactional CRUD layer over one entity table. Every
// mutation stamps the row pending, journals it into the sync log in the
// same transaction, and fans out lifecycle events only after commit.
type Service[T any] struct {
	spec     Spec[T]
	store    *store.Store
	tracker  *synctrack.Tracker
	notifier *notify.Notifier
	logger   *log.Logger
}

// NewService wires a generic service and registers its server-wins
// snapshot applier with the tracker.
func NewService[T any](spec Spec[T], st *store.Store, tracker *synctrack.Tracker, notifier *notify.Notifier, logger *log.Logger) *Service[T] {
	if logger == nil {
		logger = log.New(os.Stderr, fmt.Sprintf("[%s] ", spec.Table), log.LstdFlags)
	}
	s := &Service[T]{
		spec:     spec,
		store:    st,
		tracker:  tracker,
		notifier: notifier,
		logger:   logger,
	}
	tracker.RegisterSnapshotApplier(spec.Table, s.applySnapshot)
	return s
}

// Tracker exposes the sync tracker for derived services.
func (s *Service[T]) Tracker() *synctrack.Tracker { return s.tracker }

// Notifier exposes the event fan-out for derived services.
func (s *Service[T]) Notifier() *notify.Notifier { return s.notifier }

// Store exposes the backing store for derived services.
func (s *Service[T]) Store() *store.Store { return s.store }

// Table returns the entity table this service owns.
func (s *Service[T]) Table() string { return s.spec.Table }

// GetAll returns every row, ordered by the spec's sort column.
func (s *Service[T]) GetAll(ctx context.Context) ([]*T, error) {
	return s.selectWhere(ctx, "getAll", nil)
}

// GetByID returns one row, or nil, nil when no row matches.
func (s *Service[T]) GetByID(ctx context.Context, id string) (*T, error) {
	items, err := s.selectWhere(ctx, "getByID", sq.Eq{"id": id})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

// List returns one page of rows, ordered by the sort column. A limit of 0
// means no bound.
func (s *Service[T]) List(ctx context.Context, limit, offset int) ([]*T, error) {
	builder := sq.Select(s.spec.Columns...).From(s.spec.Table).OrderBy(s.spec.SortColumn)
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	if offset > 0 {
		builder = builder.Offset(uint64(offset))
	}
	return s.selectBuilder(ctx, "list", builder)
}

// Search returns rows whose search column contains term,
// case-insensitively.
func (s *Service[T]) Search(ctx context.Context, term string) ([]*T, error) {
	if s.spec.SearchColumn == "" {
		return nil, fmt.Errorf("%w: %s records are not searchable", ErrValidation, s.spec.Table)
	}
	pattern := "%" + escapeLike(term) + "%"
	builder := sq.Select(s.spec.Columns...).
		From(s.spec.Table).
		Where(sq.Expr(s.spec.SearchColumn+" LIKE ? ESCAPE '\\' COLLATE NOCASE", pattern)).
		OrderBy(s.spec.SortColumn)
	return s.selectBuilder(ctx, "search", builder)
}

// GetBy returns rows matching one column, ordered by the sort column.
func (s *Service[T]) GetBy(ctx context.Context, column string, value interface{}) ([]*T, error) {
	return s.selectWhere(ctx, "getBy", sq.Eq{column: value})
}

// Add validates and inserts a new row. A missing id is assigned a fresh
// UUID. The row lands already marked pending/create, and the journal
// entry commits with it.
func (s *Service[T]) Add(ctx context.Context, item *T) error {
	s.spec.Defaults(item)
	if s.spec.ID(item) == "" {
		s.spec.SetID(item, uuid.NewString())
	}
	if err := s.spec.Validate(item); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := time.Now().UTC()
	meta := s.spec.Meta(item)
	meta.SyncStatus = schema.StatusPending
	meta.PendingOperation = schema.OpCreate
	meta.LocalUpdatedAt = &now

	values := s.spec.Values(item)
	values["id"] = s.spec.ID(item)
	values["sync_status"] = string(meta.SyncStatus)
	values["pending_operation"] = string(meta.PendingOperation)
	values["local_updated_at"] = store.FormatTime(now)

	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sq.Insert(s.spec.Table).SetMap(values).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		return outbox.Journal(ctx, tx, s.spec.Table, s.spec.ID(item), schema.OpCreate, s.snapshot(item))
	})
	if err != nil {
		return s.fail("add", err)
	}

	s.afterMutation(ctx, s.spec.ID(item), schema.OpCreate)
	s.notifier.NotifyChange(s.spec.Events.Added, item)
	return nil
}

// Update applies a partial column update. Unknown columns and attempts to
// touch sync metadata are rejected before the store is hit. Returns the
// updated row.
func (s *Service[T]) Update(ctx context.Context, id string, changes map[string]interface{}) (*T, error) {
	if len(changes) == 0 {
		return nil, fmt.Errorf("%w: no changes given", ErrValidation)
	}
	allowed := s.domainColumns()
	for col := range changes {
		if !allowed[col] {
			return nil, fmt.Errorf("%w: unknown column %q", ErrValidation, col)
		}
	}

	now := time.Now().UTC()
	set := make(map[string]interface{}, len(changes)+3)
	for col, val := range changes {
		set[col] = val
	}
	if _, ok := set["updated_at"]; !ok {
		set["updated_at"] = store.FormatTime(now)
	}
	set["sync_status"] = string(schema.StatusPending)
	set["pending_operation"] = string(schema.OpUpdate)
	set["local_updated_at"] = store.FormatTime(now)

	var updated *T
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sq.Update(s.spec.Table).SetMap(set).Where(sq.Eq{"id": id}).ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		updated, err = s.getByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if updated == nil {
			return ErrNotFound
		}
		if err := s.spec.Validate(updated); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return outbox.Journal(ctx, tx, s.spec.Table, id, schema.OpUpdate, s.snapshot(updated))
	})
	if err != nil {
		if IsNotFound(err) || isValidation(err) {
			return nil, err
		}
		return nil, s.fail("update", err)
	}

	s.afterMutation(ctx, id, schema.OpUpdate)
	s.notifier.NotifyChange(s.spec.Events.Updated, updated)
	return updated, nil
}

// Delete removes one row. The delete marker is journaled in the same
// transaction, so a row that vanishes locally still reconciles remotely.
func (s *Service[T]) Delete(ctx context.Context, id string) error {
	var existing *T
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		existing, err = s.getByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.spec.Table), id); err != nil {
			return err
		}
		return outbox.Journal(ctx, tx, s.spec.Table, id, schema.OpDelete, "")
	})
	if err != nil {
		if IsNotFound(err) {
			return err
		}
		return s.fail("delete", err)
	}

	payload := event.ParentPayload{ID: id}
	if s.spec.ParentID != nil {
		payload.ParentID = s.spec.ParentID(existing)
	}
	s.notifier.NotifyChange(s.spec.Events.Deleted, payload)
	if _, err := s.tracker.RefreshGlobalStatus(ctx); err != nil {
		s.logger.Printf("Failed to refresh global sync status after delete: %v", err)
	}
	return nil
}

// BulkAdd inserts a batch in one transaction and emits a single aggregate
// change event instead of one per row.
func (s *Service[T]) BulkAdd(ctx context.Context, items []*T) error {
	return s.bulkWrite(ctx, "bulkAdd", items, false)
}

// BulkPut upserts a batch in one transaction: existing ids are
// overwritten and marked pending as updates, new ids inserted as creates.
// Used by import and server-pull paths.
func (s *Service[T]) BulkPut(ctx context.Context, items []*T) error {
	return s.bulkWrite(ctx, "bulkPut", items, true)
}

// BulkDelete removes a batch of ids in one transaction. Missing ids are
// skipped, not errors. Emits one aggregate event for the whole batch.
func (s *Service[T]) BulkDelete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: empty id batch", ErrValidation)
	}

	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.spec.Table), id)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			if err := outbox.Journal(ctx, tx, s.spec.Table, id, schema.OpDelete, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.fail("bulkDelete", err)
	}

	s.notifier.NotifyChange(s.spec.Events.Deleted, event.BulkPayload{
		Table: s.spec.Table,
		Count: len(ids),
	})
	if _, err := s.tracker.RefreshGlobalStatus(ctx); err != nil {
		s.logger.Printf("Failed to refresh global sync status after bulk delete: %v", err)
	}
	return nil
}

func (s *Service[T]) bulkWrite(ctx context.Context, op string, items []*T, upsert bool) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: empty batch", ErrValidation)
	}

	now := time.Now().UTC()
	for _, item := range items {
		s.spec.Defaults(item)
		if s.spec.ID(item) == "" {
			s.spec.SetID(item, uuid.NewString())
		}
		if err := s.spec.Validate(item); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, item := range items {
			rowOp := schema.OpCreate
			if upsert {
				existing, err := s.getByIDTx(ctx, tx, s.spec.ID(item))
				if err != nil {
					return err
				}
				if existing != nil {
					rowOp = schema.OpUpdate
				}
			}

			meta := s.spec.Meta(item)
			meta.SyncStatus = schema.StatusPending
			meta.PendingOperation = rowOp
			meta.LocalUpdatedAt = &now

			values := s.spec.Values(item)
			values["id"] = s.spec.ID(item)
			values["sync_status"] = string(meta.SyncStatus)
			values["pending_operation"] = string(rowOp)
			values["local_updated_at"] = store.FormatTime(now)

			builder := sq.Insert(s.spec.Table).SetMap(values)
			if upsert {
				builder = builder.Suffix(upsertClause(values))
			}
			query, args, err := builder.ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
			if err := outbox.Journal(ctx, tx, s.spec.Table, s.spec.ID(item), rowOp, s.snapshot(item)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.fail(op, err)
	}

	s.notifier.NotifyChange(s.spec.Events.Added, event.BulkPayload{
		Table: s.spec.Table,
		Count: len(items),
	})
	if _, err := s.tracker.RefreshGlobalStatus(ctx); err != nil {
		s.logger.Printf("Failed to refresh global sync status after %s: %v", op, err)
	}
	return nil
}

// PutSynced upserts a row that arrived from the remote side. It lands
// already synced, writes no journal entry and emits only a local update
// event, so remote-applied rows never echo back out.
func (s *Service[T]) PutSynced(ctx context.Context, item *T) error {
	s.spec.Defaults(item)
	if err := s.spec.Validate(item); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := time.Now().UTC()
	meta := s.spec.Meta(item)
	meta.SyncStatus = schema.StatusSynced
	meta.PendingOperation = schema.OpNone
	meta.LastSyncedAt = &now
	meta.ServerUpdatedAt = &now

	values := s.spec.Values(item)
	values["id"] = s.spec.ID(item)
	values["sync_status"] = string(schema.StatusSynced)
	values["pending_operation"] = string(schema.OpNone)
	values["last_synced_at"] = store.FormatTime(now)
	values["server_updated_at"] = store.FormatTime(now)

	query, args, err := sq.Insert(s.spec.Table).
		SetMap(values).
		Suffix(upsertClause(values)).
		ToSql()
	if err != nil {
		return s.fail("putSynced", err)
	}
	if _, err := s.store.DB().ExecContext(ctx, query, args...); err != nil {
		return s.fail("putSynced", err)
	}

	s.notifier.Publish(s.spec.Events.Updated, item)
	return nil
}

// DeleteSynced removes a row on behalf of the remote side: no journal
// entry, local events only. Missing rows are fine; the delete may have
// originated here.
func (s *Service[T]) DeleteSynced(ctx context.Context, id string) error {
	res, err := s.store.DB().ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.spec.Table), id)
	if err != nil {
		return s.fail("deleteSynced", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifier.Publish(s.spec.Events.Deleted, event.IDPayload{ID: id})
	}
	return nil
}

// afterMutation runs the post-commit sync bookkeeping shared by single-row
// create and update: re-mark pending (emitting the status events) and the
// global roll-up refresh that MarkForSync triggers.
func (s *Service[T]) afterMutation(ctx context.Context, id string, op schema.PendingOp) {
	if err := s.tracker.MarkForSync(ctx, s.spec.Table, id, op); err != nil {
		s.logger.Printf("Failed to mark %s/%s for sync: %v", s.spec.Table, id, err)
	}
}

// applySnapshot is the server-wins conflict applier: it unmarshals the
// remote snapshot into the entity type and overwrites the row's domain
// columns, leaving sync metadata to the tracker.
func (s *Service[T]) applySnapshot(ctx context.Context, tx *sqlx.Tx, id string, server json.RawMessage) error {
	var item T
	if err := json.Unmarshal(server, &item); err != nil {
		return fmt.Errorf("malformed server snapshot: %w", err)
	}
	query, args, err := sq.Update(s.spec.Table).
		SetMap(s.spec.Values(&item)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func (s *Service[T]) selectWhere(ctx context.Context, op string, where interface{}) ([]*T, error) {
	builder := sq.Select(s.spec.Columns...).From(s.spec.Table).OrderBy(s.spec.SortColumn)
	if where != nil {
		builder = builder.Where(where)
	}
	return s.selectBuilder(ctx, op, builder)
}

func (s *Service[T]) selectBuilder(ctx context.Context, op string, builder sq.SelectBuilder) ([]*T, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, s.fail(op, err)
	}

	rows, err := s.store.DB().QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail(op, err)
	}
	defer rows.Close()

	var items []*T
	for rows.Next() {
		item, err := s.spec.Scan(rows)
		if err != nil {
			return nil, s.fail(op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(op, err)
	}
	return items, nil
}

func (s *Service[T]) getByIDTx(ctx context.Context, tx *sqlx.Tx, id string) (*T, error) {
	query, args, err := sq.Select(s.spec.Columns...).
		From(s.spec.Table).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return s.spec.Scan(rows)
}

// snapshot serializes an entity for the sync journal.
func (s *Service[T]) snapshot(item *T) string {
	data, err := json.Marshal(item)
	if err != nil {
		s.logger.Printf("Failed to snapshot %s row: %v", s.spec.Table, err)
		return ""
	}
	return string(data)
}

// domainColumns is the set of columns Update may touch: spec columns
// minus id and sync metadata.
func (s *Service[T]) domainColumns() map[string]bool {
	cols := make(map[string]bool, len(s.spec.Columns))
	for _, col := range s.spec.Columns {
		cols[col] = true
	}
	delete(cols, "id")
	for _, col := range []string{
		"sync_status", "last_synced_at", "local_updated_at", "server_updated_at",
		"pending_operation", "conflict_data", "error_message", "retry_count", "last_attempt_at",
	} {
		delete(cols, col)
	}
	return cols
}

// fail logs a storage failure and rewraps it so raw store errors never
// leak to callers.
func (s *Service[T]) fail(op string, err error) error {
	s.logger.Printf("Operation %s failed on %s: %v", op, s.spec.Table, err)
	return &OperationError{Op: op, Table: s.spec.Table, Err: err}
}

// escapeLike quotes LIKE metacharacters in a user-supplied search term.
func escapeLike(term string) string {
	term = strings.ReplaceAll(term, `\`, `\\`)
	term = strings.ReplaceAll(term, `%`, `\%`)
	term = strings.ReplaceAll(term, `_`, `\_`)
	return term
}

func isValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// upsertClause builds the ON CONFLICT suffix for BulkPut from the insert
// column set.
func upsertClause(values map[string]interface{}) string {
	var assignments []string
	for col := range values {
		if col == "id" {
			continue
		}
		assignments = append(assignments, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	sort.Strings(assignments)
	return "ON CONFLICT(id) DO UPDATE SET " + strings.Join(assignments, ", ")
}
