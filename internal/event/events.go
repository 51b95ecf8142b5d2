package event

import "github.com/mkrall/hobbyd/internal/schema"

// Name identifies an event topic. The string values are a stable contract
// for every consumer, including remote instances receiving relayed
// envelopes.
type Name string

// Per-entity lifecycle events plus umbrella topics.
const (
	CategoryAdded   Name = "CATEGORY_ADDED"
	CategoryUpdated Name = "CATEGORY_UPDATED"
	CategoryDeleted Name = "CATEGORY_DELETED"
	CategoryChanged Name = "CATEGORY_CHANGED"

	HobbyAdded   Name = "HOBBY_ADDED"
	HobbyUpdated Name = "HOBBY_UPDATED"
	HobbyDeleted Name = "HOBBY_DELETED"
	HobbyChanged Name = "HOBBY_CHANGED"

	GoalAdded   Name = "GOAL_ADDED"
	GoalUpdated Name = "GOAL_UPDATED"
	GoalDeleted Name = "GOAL_DELETED"
	GoalChanged Name = "GOAL_CHANGED"

	ProgressAdded   Name = "PROGRESS_ADDED"
	ProgressUpdated Name = "PROGRESS_UPDATED"
	ProgressDeleted Name = "PROGRESS_DELETED"
	ProgressChanged Name = "PROGRESS_CHANGED"

	DatabaseChanged Name = "DATABASE_CHANGED"

	SyncStarted   Name = "SYNC_STARTED"
	SyncCompleted Name = "SYNC_COMPLETED"
	SyncFailed    Name = "SYNC_FAILED"

	GlobalSyncStatusChanged Name = "GLOBAL_SYNC_STATUS_CHANGED"
	EntitySyncStatusChanged Name = "ENTITY_SYNC_STATUS_CHANGED"
)

// EntityEvents groups the lifecycle topics of one entity table.
type EntityEvents struct {
	Added   Name
	Updated Name
	Deleted Name
	Changed Name
}

var entityEvents = map[string]EntityEvents{
	schema.TableCategories: {CategoryAdded, CategoryUpdated, CategoryDeleted, CategoryChanged},
	schema.TableHobbies:    {HobbyAdded, HobbyUpdated, HobbyDeleted, HobbyChanged},
	schema.TableGoals:      {GoalAdded, GoalUpdated, GoalDeleted, GoalChanged},
	schema.TableProgress:   {ProgressAdded, ProgressUpdated, ProgressDeleted, ProgressChanged},
}

// ForTable returns the lifecycle topics for an entity table.
func ForTable(table string) (EntityEvents, bool) {
	ev, ok := entityEvents[table]
	return ev, ok
}

// Known reports whether name belongs to the event vocabulary. Relayed
// envelopes with unknown types are dropped at the broadcast boundary.
func Known(name Name) bool {
	if _, ok := knownNames[name]; ok {
		return true
	}
	return false
}

var knownNames = func() map[Name]struct{} {
	names := []Name{
		DatabaseChanged,
		SyncStarted, SyncCompleted, SyncFailed,
		GlobalSyncStatusChanged, EntitySyncStatusChanged,
	}
	for _, ev := range entityEvents {
		names = append(names, ev.Added, ev.Updated, ev.Deleted, ev.Changed)
	}
	for _, table := range schema.Tables {
		names = append(names, EntitySyncStatusChanged.ForTable(table))
	}
	m := make(map[Name]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}()

// ChangedVariant maps a specific lifecycle event to its per-entity
// umbrella, e.g. GOAL_ADDED -> GOAL_CHANGED.
func ChangedVariant(name Name) (Name, bool) {
	for _, ev := range entityEvents {
		if name == ev.Added || name == ev.Updated || name == ev.Deleted {
			return ev.Changed, true
		}
	}
	return "", false
}

// ForTable derives the per-table variant of a status event, e.g.
// ENTITY_SYNC_STATUS_CHANGED:goals.
func (n Name) ForTable(table string) Name {
	return n + Name(":"+table)
}

// IDPayload is the bare-id payload carried by deletion events.
type IDPayload struct {
	ID string `json:"id"`
}

// ParentPayload carries the id of a deleted or mutated row together with
// its parent reference, so dependents can invalidate without a re-fetch.
type ParentPayload struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
}

// BulkPayload is the aggregate payload emitted by bulk operations: one
// event carrying a count instead of one event per row.
type BulkPayload struct {
	Table string `json:"table"`
	Count int    `json:"count"`
}
