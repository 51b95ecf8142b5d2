package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mkrall/hobbyd/internal/outbox"
	"github.com/mkrall/hobbyd/internal/schema"
)

// Apply consumes one remote journal entry, server-wins: creates and
// updates upsert the row as synced, deletes remove it. Nothing applied
// here is re-journaled, so imports never echo back out through export.
func (s *Services) Apply(ctx context.Context, entry outbox.Entry) error {
	switch entry.Operation {
	case schema.OpCreate, schema.OpUpdate:
		return s.applySnapshot(ctx, entry)
	case schema.OpDelete:
		return s.applyDelete(ctx, entry)
	case schema.OpNone:
		return nil
	default:
		return fmt.Errorf("%w: unknown journal operation %q", ErrValidation, entry.Operation)
	}
}

func (s *Services) applySnapshot(ctx context.Context, entry outbox.Entry) error {
	payload := []byte(entry.Payload)
	switch entry.EntityTable {
	case schema.TableCategories:
		return putFromJSON(ctx, s.Categories.Service, payload)
	case schema.TableHobbies:
		return putFromJSON(ctx, s.Hobbies.Service, payload)
	case schema.TableGoals:
		if err := putFromJSON(ctx, s.Goals.Service, payload); err != nil {
			return err
		}
		s.Engine.Invalidate(entry.EntityID)
		return nil
	case schema.TableProgress:
		if err := putFromJSON(ctx, s.Progress.Service, payload); err != nil {
			return err
		}
		s.Engine.InvalidateAll()
		return nil
	default:
		return fmt.Errorf("%w: unknown entity table %q", ErrValidation, entry.EntityTable)
	}
}

func (s *Services) applyDelete(ctx context.Context, entry outbox.Entry) error {
	switch entry.EntityTable {
	case schema.TableCategories:
		return s.Categories.DeleteSynced(ctx, entry.EntityID)
	case schema.TableHobbies:
		return s.Hobbies.DeleteSynced(ctx, entry.EntityID)
	case schema.TableGoals:
		err := s.Goals.Service.DeleteSynced(ctx, entry.EntityID)
		if err == nil {
			s.Engine.Invalidate(entry.EntityID)
		}
		return err
	case schema.TableProgress:
		err := s.Progress.Service.DeleteSynced(ctx, entry.EntityID)
		if err == nil {
			s.Engine.InvalidateAll()
		}
		return err
	default:
		return fmt.Errorf("%w: unknown entity table %q", ErrValidation, entry.EntityTable)
	}
}

func putFromJSON[T any](ctx context.Context, svc *Service[T], payload []byte) error {
	var item T
	if err := json.Unmarshal(payload, &item); err != nil {
		return fmt.Errorf("%w: malformed journal payload: %v", ErrValidation, err)
	}
	return svc.PutSynced(ctx, &item)
}
