// Package relation reacts to entity lifecycle events across the
// containment hierarchy: a parent mutation triggers a child refetch, a
// progress mutation recomputes the affected goal's completion. The
// reaction table is declarative and installed as one group, so teardown
// is a single call.
package relation

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/mkrall/hobbyd/internal/completion"
	"github.com/mkrall/hobbyd/internal/event"
	"github.com/mkrall/hobbyd/internal/schema"
	"github.com/mkrall/hobbyd/internal/service"
)

// Handler owns the reactive subscriptions between entity types.
type Handler struct {
	services *service.Services
	engine   *completion.Engine
	logger   *log.Logger

	unsubscribes []func()
}

// New builds the handler; Start installs its subscriptions.
func New(services *service.Services, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[relation] ", log.LstdFlags)
	}
	return &Handler{
		services: services,
		engine:   services.Engine,
		logger:   logger,
	}
}

// reaction pairs an event with its handler. Reactions must be idempotent:
// cascade deletes emit child events before the parent's, so a reaction may
// run after its subject is already gone.
type reaction struct {
	name event.Name
	fn   event.Handler
}

// Start subscribes every reaction on the bus.
func (h *Handler) Start(bus *event.Bus) {
	reactions := []reaction{
		{event.CategoryDeleted, h.refetchHobbies},
		{event.CategoryUpdated, h.refetchHobbies},
		{event.HobbyDeleted, h.refetchGoals},
		{event.GoalDeleted, h.dropGoalCompletion},
		{event.ProgressAdded, h.recomputeGoal},
		{event.ProgressUpdated, h.recomputeGoal},
		{event.ProgressDeleted, h.recomputeGoal},
		{event.DatabaseChanged, h.onDatabaseChanged},
	}
	for _, r := range reactions {
		h.unsubscribes = append(h.unsubscribes, bus.Subscribe(r.name, r.fn))
	}
}

// Stop removes every subscription installed by Start.
func (h *Handler) Stop() {
	for _, unsub := range h.unsubscribes {
		unsub()
	}
	h.unsubscribes = nil
}

// refetchHobbies re-reads the mutated category's hobbies so any cached
// views observe the change. Vanished categories yield an empty set, which
// is fine.
func (h *Handler) refetchHobbies(msg event.Message) {
	id := extractID(msg)
	if id == "" {
		return
	}
	if _, err := h.services.Hobbies.GetByCategoryID(context.Background(), id); err != nil {
		h.logger.Printf("Hobby refetch after %s failed: %v", msg.Name, err)
	}
}

func (h *Handler) refetchGoals(msg event.Message) {
	id := extractID(msg)
	if id == "" {
		return
	}
	if _, err := h.services.Goals.GetByHobbyID(context.Background(), id); err != nil {
		h.logger.Printf("Goal refetch after %s failed: %v", msg.Name, err)
	}
}

// dropGoalCompletion discards the deleted goal's cached completion and
// refetches its progress listing. Both are benign when the cascade has
// already removed the rows.
func (h *Handler) dropGoalCompletion(msg event.Message) {
	id := extractID(msg)
	if id == "" {
		return
	}
	h.engine.Invalidate(id)
	if _, err := h.services.Progress.GetByGoalID(context.Background(), id); err != nil {
		h.logger.Printf("Progress refetch after %s failed: %v", msg.Name, err)
	}
}

// recomputeGoal invalidates and eagerly recomputes the completion of the
// goal a progress mutation touched. The goal id rides in the event
// payload as the parent id.
func (h *Handler) recomputeGoal(msg event.Message) {
	goalID := extractParentID(msg)
	if goalID == "" {
		return
	}
	h.engine.Invalidate(goalID)
	if _, err := h.engine.Calculate(context.Background(), goalID); err != nil {
		// A vanished goal computes to zero, so this only fires on store
		// errors. Stale cache is already gone either way.
		h.logger.Printf("Completion recompute for goal %s skipped: %v", goalID, err)
	}
}

// onDatabaseChanged handles the coarse-grained remote signal: with no row
// detail available, every cached completion is suspect.
func (h *Handler) onDatabaseChanged(msg event.Message) {
	if msg.Source != event.SourceRemote {
		return
	}
	h.engine.InvalidateAll()
}

// extractID digs the row id out of an event payload, whether it arrived
// as a typed struct or as relayed JSON.
func extractID(msg event.Message) string {
	switch p := msg.Data.(type) {
	case event.IDPayload:
		return p.ID
	case event.ParentPayload:
		return p.ID
	case *schema.Category:
		return p.ID
	case *schema.Hobby:
		return p.ID
	case *schema.Goal:
		return p.ID
	case json.RawMessage:
		var parsed event.ParentPayload
		if err := json.Unmarshal(p, &parsed); err == nil {
			return parsed.ID
		}
	case []byte:
		var parsed event.ParentPayload
		if err := json.Unmarshal(p, &parsed); err == nil {
			return parsed.ID
		}
	}
	return ""
}

func extractParentID(msg event.Message) string {
	switch p := msg.Data.(type) {
	case event.ParentPayload:
		return p.ParentID
	case *schema.Progress:
		return p.GoalID
	case json.RawMessage:
		var parsed event.ParentPayload
		if err := json.Unmarshal(p, &parsed); err == nil {
			return parsed.ParentID
		}
	case []byte:
		var parsed event.ParentPayload
		if err := json.Unmarshal(p, &parsed); err == nil {
			return parsed.ParentID
		}
	}
	return ""
}
