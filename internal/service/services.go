package service

import (
	"context"
	"log"

	"github.com/mkrall/hobbyd/internal/completion"
	"github.com/mkrall/hobbyd/internal/notify"
	"github.com/mkrall/hobbyd/internal/schema"
	"github.com/mkrall/hobbyd/internal/store"
	"github.com/mkrall/hobbyd/internal/synctrack"
)

// Services bundles the four entity services with the cascade layer and
// completion engine, all sharing one store, tracker and notifier.
type Services struct {
	Categories *CategoryService
	Hobbies    *HobbyService
	Goals      *GoalService
	Progress   *ProgressService
	Cascade    *Cascade
	Engine     *completion.Engine
}

// NewServices wires the full data layer. Each service registers its
// snapshot applier with the tracker and its deleter with the cascade; the
// completion engine closes over the goal and progress fetchers.
func NewServices(st *store.Store, tracker *synctrack.Tracker, notifier *notify.Notifier, logger *log.Logger) *Services {
	s := &Services{
		Categories: NewCategoryService(st, tracker, notifier, logger),
		Hobbies:    NewHobbyService(st, tracker, notifier, logger),
		Goals:      NewGoalService(st, tracker, notifier, logger),
		Progress:   NewProgressService(st, tracker, notifier, logger),
		Cascade:    NewCascade(st, tracker, notifier, logger),
	}

	s.Engine = completion.NewEngine(
		func(ctx context.Context, id string) (*schema.Goal, error) {
			return s.Goals.GetByID(ctx, id)
		},
		func(ctx context.Context, goalID string) ([]*schema.Progress, error) {
			return s.Progress.GetByGoalID(ctx, goalID)
		},
		logger,
	)
	s.Goals.SetEngine(s.Engine)
	s.Progress.SetEngine(s.Engine)

	s.Cascade.RegisterDeleter(schema.TableCategories, s.Categories.Delete)
	s.Cascade.RegisterDeleter(schema.TableHobbies, s.Hobbies.Delete)
	s.Cascade.RegisterDeleter(schema.TableGoals, s.Goals.Delete)
	s.Cascade.RegisterDeleter(schema.TableProgress, s.Progress.Delete)

	return s
}

// HasRelatedHobbies reports whether a category still owns hobbies.
func (s *Services) HasRelatedHobbies(ctx context.Context, categoryID string) (bool, int, error) {
	return s.Cascade.HasRelated(ctx, schema.TableCategories, categoryID)
}

// HasRelatedGoals reports whether a hobby still owns goals.
func (s *Services) HasRelatedGoals(ctx context.Context, hobbyID string) (bool, int, error) {
	return s.Cascade.HasRelated(ctx, schema.TableHobbies, hobbyID)
}

// HasRelatedProgress reports whether a goal still owns progress records.
func (s *Services) HasRelatedProgress(ctx context.Context, goalID string) (bool, int, error) {
	return s.Cascade.HasRelated(ctx, schema.TableGoals, goalID)
}

// SafeDeleteCategory deletes a category only when it has no hobbies.
func (s *Services) SafeDeleteCategory(ctx context.Context, id string) DeleteResult {
	return s.Cascade.SafeDelete(ctx, schema.TableCategories, id)
}

// SafeDeleteHobby deletes a hobby only when it has no goals.
func (s *Services) SafeDeleteHobby(ctx context.Context, id string) DeleteResult {
	return s.Cascade.SafeDelete(ctx, schema.TableHobbies, id)
}

// SafeDeleteGoal deletes a goal only when it has no progress records.
func (s *Services) SafeDeleteGoal(ctx context.Context, id string) DeleteResult {
	return s.Cascade.SafeDelete(ctx, schema.TableGoals, id)
}

// DeleteCategoryWithRelated removes a category and its whole subtree.
func (s *Services) DeleteCategoryWithRelated(ctx context.Context, id string) error {
	err := s.Cascade.DeleteWithRelated(ctx, schema.TableCategories, id)
	if err == nil {
		s.Engine.InvalidateAll()
	}
	return err
}

// DeleteHobbyWithRelated removes a hobby, its goals and their progress.
func (s *Services) DeleteHobbyWithRelated(ctx context.Context, id string) error {
	err := s.Cascade.DeleteWithRelated(ctx, schema.TableHobbies, id)
	if err == nil {
		s.Engine.InvalidateAll()
	}
	return err
}

// DeleteGoalWithRelated removes a goal and its progress records.
func (s *Services) DeleteGoalWithRelated(ctx context.Context, id string) error {
	err := s.Cascade.DeleteWithRelated(ctx, schema.TableGoals, id)
	if err == nil {
		s.Engine.Invalidate(id)
	}
	return err
}
