package service

import (
	"context"
	"database/sql"
	"log"

	"github.com/jmoiron/sqlx"

	"github.com/mkrall/hobbyd/internal/completion"
	"github.com/mkrall/hobbyd/internal/notify"
	"github.com/mkrall/hobbyd/internal/schema"
	"github.com/mkrall/hobbyd/internal/store"
	"github.com/mkrall/hobbyd/internal/synctrack"
)

// GoalService manages goals and their completion state.
type GoalService struct {
	*Service[schema.Goal]
	engine *completion.Engine
}

func goalSpec() Spec[schema.Goal] {
	return Spec[schema.Goal]{
		Table:  schema.TableGoals,
		Events: mustEvents(schema.TableGoals),
		Columns: entityColumns(
			"id", "hobby_id", "type", "period", "target_value", "target_unit",
			"custom_frequency", "custom_unit", "time_requirement",
			"created_at", "updated_at",
		),
		SortColumn: "created_at ASC",

		ID:       func(g *schema.Goal) string { return g.ID },
		SetID:    func(g *schema.Goal, id string) { g.ID = id },
		ParentID: func(g *schema.Goal) string { return g.HobbyID },
		Defaults: func(g *schema.Goal) { g.SetDefaults() },
		Validate: func(g *schema.Goal) error { return g.Validate() },
		Meta:     func(g *schema.Goal) *schema.SyncMetadata { return &g.SyncMetadata },

		Values: func(g *schema.Goal) map[string]interface{} {
			var frequency, unit interface{}
			if g.CustomPeriod != nil {
				frequency = g.CustomPeriod.Frequency
				unit = string(g.CustomPeriod.Unit)
			}
			return map[string]interface{}{
				"hobby_id":         g.HobbyID,
				"type":             string(g.Type),
				"period":           string(g.Period),
				"target_value":     g.TargetValue,
				"target_unit":      g.TargetUnit,
				"custom_frequency": frequency,
				"custom_unit":      unit,
				"time_requirement": g.TimeRequirement,
				"created_at":       store.FormatTime(g.CreatedAt),
				"updated_at":       store.FormatTime(g.UpdatedAt),
			}
		},

		Scan: func(rows *sqlx.Rows) (*schema.Goal, error) {
			var g schema.Goal
			var typ, period, created, updated string
			var frequency sql.NullInt64
			var unit sql.NullString
			var meta syncScanner
			dest := append([]interface{}{
				&g.ID, &g.HobbyID, &typ, &period, &g.TargetValue, &g.TargetUnit,
				&frequency, &unit, &g.TimeRequirement, &created, &updated,
			}, meta.targets()...)
			if err := rows.Scan(dest...); err != nil {
				return nil, err
			}
			g.Type = schema.GoalType(typ)
			g.Period = schema.GoalPeriod(period)
			if frequency.Valid {
				g.CustomPeriod = &schema.CustomPeriod{
					Frequency: int(frequency.Int64),
					Unit:      schema.CustomPeriodUnit(unit.String),
				}
			}
			var err error
			if g.CreatedAt, err = parseStamp("created_at", created); err != nil {
				return nil, err
			}
			if g.UpdatedAt, err = parseStamp("updated_at", updated); err != nil {
				return nil, err
			}
			meta.apply(&g.SyncMetadata)
			return &g, nil
		},
	}
}

// NewGoalService wires the goal service. The completion engine is attached
// afterwards via SetEngine since it closes over this service's fetchers.
func NewGoalService(st *store.Store, tracker *synctrack.Tracker, notifier *notify.Notifier, logger *log.Logger) *GoalService {
	return &GoalService{
		Service: NewService(goalSpec(), st, tracker, notifier, logger),
	}
}

// SetEngine attaches the completion engine.
func (s *GoalService) SetEngine(engine *completion.Engine) {
	s.engine = engine
}

// GetByHobbyID returns a hobby's goals in creation order.
func (s *GoalService) GetByHobbyID(ctx context.Context, hobbyID string) ([]*schema.Goal, error) {
	return s.GetBy(ctx, "hobby_id", hobbyID)
}

// GetByType returns every goal of one completion type.
func (s *GoalService) GetByType(ctx context.Context, typ schema.GoalType) ([]*schema.Goal, error) {
	return s.GetBy(ctx, "type", string(typ))
}

// GetByPeriod returns every goal measured over one recurrence period.
func (s *GoalService) GetByPeriod(ctx context.Context, period schema.GoalPeriod) ([]*schema.Goal, error) {
	return s.GetBy(ctx, "period", string(period))
}

// CalculateCompletion computes the goal's completion over its current
// window, via the engine's cache.
func (s *GoalService) CalculateCompletion(ctx context.Context, goalID string) (completion.Result, error) {
	return s.engine.Calculate(ctx, goalID)
}

// ClearCompletionCache drops one goal's cached completion, or every
// cached completion when goalID is empty.
func (s *GoalService) ClearCompletionCache(goalID string) {
	if goalID == "" {
		s.engine.InvalidateAll()
		return
	}
	s.engine.Invalidate(goalID)
}

// Update applies a partial update and drops the goal's cached completion,
// since target or period changes alter the ratio immediately.
func (s *GoalService) Update(ctx context.Context, id string, changes map[string]interface{}) (*schema.Goal, error) {
	goal, err := s.Service.Update(ctx, id, changes)
	if err != nil {
		return nil, err
	}
	s.engine.Invalidate(id)
	return goal, nil
}

// Delete removes the goal and its cached completion.
func (s *GoalService) Delete(ctx context.Context, id string) error {
	if err := s.Service.Delete(ctx, id); err != nil {
		return err
	}
	s.engine.Invalidate(id)
	return nil
}
