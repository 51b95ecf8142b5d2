package service

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/mkrall/hobbyd/internal/event"
	"github.com/mkrall/hobbyd/internal/notify"
	"github.com/mkrall/hobbyd/internal/outbox"
	"github.com/mkrall/hobbyd/internal/schema"
	"github.com/mkrall/hobbyd/internal/store"
	"github.com/mkrall/hobbyd/internal/synctrack"
)

// childLink is one parent-to-child foreign key edge.
type childLink struct {
	Table  string
	FK     string
	Plural string // noun used in refusal messages
}

// childGraph declares the containment hierarchy. Cascade traversal and
// related-row checks are driven from this table, not hand-written per
// entity.
var childGraph = map[string][]childLink{
	schema.TableCategories: {{Table: schema.TableHobbies, FK: "category_id", Plural: "hobbies"}},
	schema.TableHobbies:    {{Table: schema.TableGoals, FK: "hobby_id", Plural: "goals"}},
	schema.TableGoals:      {{Table: schema.TableProgress, FK: "goal_id", Plural: "progress entries"}},
}

// Cascade deletes rows together with their descendants, or refuses when a
// plain delete would orphan children. Single-row deletes are delegated to
// the owning service so its journal and event behavior applies.
type Cascade struct {
	store    *store.Store
	tracker  *synctrack.Tracker
	notifier *notify.Notifier
	logger   *log.Logger
	deleters map[string]func(ctx context.Context, id string) error
}

// NewCascade builds the cascade layer. Services register their single-row
// deleters via RegisterDeleter.
func NewCascade(st *store.Store, tracker *synctrack.Tracker, notifier *notify.Notifier, logger *log.Logger) *Cascade {
	if logger == nil {
		logger = log.New(os.Stderr, "[cascade] ", log.LstdFlags)
	}
	return &Cascade{
		store:    st,
		tracker:  tracker,
		notifier: notifier,
		logger:   logger,
		deleters: make(map[string]func(ctx context.Context, id string) error),
	}
}

// RegisterDeleter installs the single-row delete path for a table.
func (c *Cascade) RegisterDeleter(table string, fn func(ctx context.Context, id string) error) {
	c.deleters[table] = fn
}

// HasRelated reports whether a row has any direct children, and how many.
func (c *Cascade) HasRelated(ctx context.Context, table, id string) (bool, int, error) {
	total := 0
	for _, link := range childGraph[table] {
		var n int
		err := c.store.DB().QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", link.Table, link.FK), id).Scan(&n)
		if err != nil {
			return false, 0, fmt.Errorf("failed to count %s of %s/%s: %w", link.Plural, table, id, err)
		}
		total += n
	}
	return total > 0, total, nil
}

// SafeDelete removes a row only if it has no children. A refusal is not
// an error: the result carries a message and the confirm action the
// caller should prompt with before escalating to DeleteWithRelated.
// Internal failures also land in the result rather than propagating.
func (c *Cascade) SafeDelete(ctx context.Context, table, id string) DeleteResult {
	related, count, err := c.HasRelated(ctx, table, id)
	if err != nil {
		c.logger.Printf("Related check failed for %s/%s: %v", table, id, err)
		return DeleteResult{Success: false, Message: "could not check related records"}
	}
	if related {
		return DeleteResult{
			Success:       false,
			Message:       fmt.Sprintf("%d related record(s) exist; confirm to delete them too", count),
			ConfirmAction: ConfirmDeleteWithRelated,
		}
	}

	deleter, ok := c.deleters[table]
	if !ok {
		c.logger.Printf("No deleter registered for table %s", table)
		return DeleteResult{Success: false, Message: "unknown entity type"}
	}
	if err := deleter(ctx, id); err != nil {
		if IsNotFound(err) {
			return DeleteResult{Success: false, Message: "record not found"}
		}
		c.logger.Printf("Safe delete failed for %s/%s: %v", table, id, err)
		return DeleteResult{Success: false, Message: "delete failed"}
	}
	return DeleteResult{Success: true}
}

// doomedRow is one row collected during cascade traversal, with its
// depth so deletes run leaf-first and events fan out child-first.
type doomedRow struct {
	Table    string
	ID       string
	ParentID string
	Depth    int
}

// DeleteWithRelated removes a row and its entire subtree in one
// transaction: children first, then the row itself, each with its delete
// marker journaled. Events fan out per row, deepest level first, only
// after commit. A mid-cascade failure rolls the whole subtree back.
func (c *Cascade) DeleteWithRelated(ctx context.Context, table, id string) error {
	doomed, err := c.collect(ctx, table, id, "", 0)
	if err != nil {
		return &OperationError{Op: "deleteWithRelated", Table: table, Err: err}
	}
	if len(doomed) == 0 {
		return ErrNotFound
	}

	err = c.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		// Leaf-first keeps every intermediate state free of orphans.
		for i := len(doomed) - 1; i >= 0; i-- {
			row := doomed[i]
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE id = ?", row.Table), row.ID); err != nil {
				return fmt.Errorf("failed to delete %s/%s: %w", row.Table, row.ID, err)
			}
			if err := outbox.Journal(ctx, tx, row.Table, row.ID, schema.OpDelete, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Printf("Cascade delete failed for %s/%s: %v", table, id, err)
		return &OperationError{Op: "deleteWithRelated", Table: table, Err: err}
	}

	for i := len(doomed) - 1; i >= 0; i-- {
		row := doomed[i]
		events, ok := event.ForTable(row.Table)
		if !ok {
			continue
		}
		c.notifier.NotifyChange(events.Deleted, event.ParentPayload{ID: row.ID, ParentID: row.ParentID})
	}
	if _, err := c.tracker.RefreshGlobalStatus(ctx); err != nil {
		c.logger.Printf("Failed to refresh global sync status after cascade: %v", err)
	}
	return nil
}

// collect walks the subtree depth-first, parent before children, so the
// reversed slice deletes leaves first.
func (c *Cascade) collect(ctx context.Context, table, id, parentID string, depth int) ([]doomedRow, error) {
	var exists int
	err := c.store.DB().QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", table), id).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s/%s: %w", table, id, err)
	}
	if exists == 0 {
		return nil, nil
	}

	rows := []doomedRow{{Table: table, ID: id, ParentID: parentID, Depth: depth}}
	for _, link := range childGraph[table] {
		childIDs, err := c.childIDs(ctx, link, id)
		if err != nil {
			return nil, err
		}
		for _, childID := range childIDs {
			sub, err := c.collect(ctx, link.Table, childID, id, depth+1)
			if err != nil {
				return nil, err
			}
			rows = append(rows, sub...)
		}
	}
	return rows, nil
}

func (c *Cascade) childIDs(ctx context.Context, link childLink, parentID string) ([]string, error) {
	rows, err := c.store.DB().QueryContext(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE %s = ?", link.Table, link.FK), parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s of %s: %w", link.Plural, parentID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
