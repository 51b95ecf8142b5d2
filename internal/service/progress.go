package service

import (
	"context"
	"log"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/mkrall/hobbyd/internal/completion"
	"github.com/mkrall/hobbyd/internal/notify"
	"github.com/mkrall/hobbyd/internal/schema"
	"github.com/mkrall/hobbyd/internal/store"
	"github.com/mkrall/hobbyd/internal/synctrack"
)

// ProgressService manages per-goal progress records.
type ProgressService struct {
	*Service[schema.Progress]
	engine *completion.Engine
}

func progressSpec() Spec[schema.Progress] {
	return Spec[schema.Progress]{
		Table:  schema.TableProgress,
		Events: mustEvents(schema.TableProgress),
		Columns: entityColumns(
			"id", "goal_id", "recorded_at", "value", "duration", "notes",
			"created_at", "updated_at",
		),
		SortColumn:   "recorded_at DESC",
		SearchColumn: "notes",

		ID:       func(p *schema.Progress) string { return p.ID },
		SetID:    func(p *schema.Progress, id string) { p.ID = id },
		ParentID: func(p *schema.Progress) string { return p.GoalID },
		Defaults: func(p *schema.Progress) { p.SetDefaults() },
		Validate: func(p *schema.Progress) error { return p.Validate() },
		Meta:     func(p *schema.Progress) *schema.SyncMetadata { return &p.SyncMetadata },

		Values: func(p *schema.Progress) map[string]interface{} {
			return map[string]interface{}{
				"goal_id":     p.GoalID,
				"recorded_at": store.FormatTime(p.RecordedAt),
				"value":       p.Value,
				"duration":    p.Duration,
				"notes":       p.Notes,
				"created_at":  store.FormatTime(p.CreatedAt),
				"updated_at":  store.FormatTime(p.UpdatedAt),
			}
		},

		Scan: func(rows *sqlx.Rows) (*schema.Progress, error) {
			var p schema.Progress
			var recorded, created, updated string
			var meta syncScanner
			dest := append([]interface{}{
				&p.ID, &p.GoalID, &recorded, &p.Value, &p.Duration, &p.Notes,
				&created, &updated,
			}, meta.targets()...)
			if err := rows.Scan(dest...); err != nil {
				return nil, err
			}
			var err error
			if p.RecordedAt, err = parseStamp("recorded_at", recorded); err != nil {
				return nil, err
			}
			if p.CreatedAt, err = parseStamp("created_at", created); err != nil {
				return nil, err
			}
			if p.UpdatedAt, err = parseStamp("updated_at", updated); err != nil {
				return nil, err
			}
			meta.apply(&p.SyncMetadata)
			return &p, nil
		},
	}
}

// NewProgressService wires the progress service. The completion engine is
// attached afterwards via SetEngine.
func NewProgressService(st *store.Store, tracker *synctrack.Tracker, notifier *notify.Notifier, logger *log.Logger) *ProgressService {
	return &ProgressService{
		Service: NewService(progressSpec(), st, tracker, notifier, logger),
	}
}

// SetEngine attaches the completion engine.
func (s *ProgressService) SetEngine(engine *completion.Engine) {
	s.engine = engine
}

// GetByGoalID returns a goal's progress records, newest first.
func (s *ProgressService) GetByGoalID(ctx context.Context, goalID string) ([]*schema.Progress, error) {
	return s.GetBy(ctx, "goal_id", goalID)
}

// GetByDateRange returns a goal's records with recorded_at in [from, to),
// oldest first. Backed by the goal+time composite index.
func (s *ProgressService) GetByDateRange(ctx context.Context, goalID string, from, to time.Time) ([]*schema.Progress, error) {
	query, args, err := sq.Select(s.spec.Columns...).
		From(s.spec.Table).
		Where(sq.Eq{"goal_id": goalID}).
		Where(sq.GtOrEq{"recorded_at": store.FormatTime(from)}).
		Where(sq.Lt{"recorded_at": store.FormatTime(to)}).
		OrderBy("recorded_at ASC").
		ToSql()
	if err != nil {
		return nil, s.fail("getByDateRange", err)
	}

	rows, err := s.store.DB().QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail("getByDateRange", err)
	}
	defer rows.Close()

	var records []*schema.Progress
	for rows.Next() {
		rec, err := s.spec.Scan(rows)
		if err != nil {
			return nil, s.fail("getByDateRange", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("getByDateRange", err)
	}
	return records, nil
}

// Add records progress and drops the goal's cached completion.
func (s *ProgressService) Add(ctx context.Context, p *schema.Progress) error {
	if err := s.Service.Add(ctx, p); err != nil {
		return err
	}
	s.engine.Invalidate(p.GoalID)
	return nil
}

// Update applies a partial update and drops the goal's cached completion.
func (s *ProgressService) Update(ctx context.Context, id string, changes map[string]interface{}) (*schema.Progress, error) {
	rec, err := s.Service.Update(ctx, id, changes)
	if err != nil {
		return nil, err
	}
	s.engine.Invalidate(rec.GoalID)
	return rec, nil
}

// Delete removes a record and drops the goal's cached completion.
func (s *ProgressService) Delete(ctx context.Context, id string) error {
	existing, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}
	if err := s.Service.Delete(ctx, id); err != nil {
		return err
	}
	s.engine.Invalidate(existing.GoalID)
	return nil
}
