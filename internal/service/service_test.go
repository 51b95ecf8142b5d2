package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrall/hobbyd/internal/event"
	"github.com/mkrall/hobbyd/internal/notify"
	"github.com/mkrall/hobbyd/internal/schema"
	"github.com/mkrall/hobbyd/internal/store"
	"github.com/mkrall/hobbyd/internal/synctrack"
)

type testEnv struct {
	services *Services
	bus      *event.Bus
	store    *store.Store
	tracker  *synctrack.Tracker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := event.NewBus(nil)
	notifier := notify.New(bus, nil, nil)
	tracker := synctrack.New(st, notifier, nil)
	return &testEnv{
		services: NewServices(st, tracker, notifier, nil),
		bus:      bus,
		store:    st,
		tracker:  tracker,
	}
}

func (e *testEnv) addCategory(t *testing.T, name string) *schema.Category {
	t.Helper()
	c := &schema.Category{Name: name, Color: "#8844ee", Icon: "music"}
	require.NoError(t, e.services.Categories.Add(context.Background(), c))
	return c
}

func (e *testEnv) addHobby(t *testing.T, categoryID, name string) *schema.Hobby {
	t.Helper()
	h := &schema.Hobby{CategoryID: categoryID, Name: name}
	require.NoError(t, e.services.Hobbies.Add(context.Background(), h))
	return h
}

func (e *testEnv) addGoal(t *testing.T, hobbyID string) *schema.Goal {
	t.Helper()
	g := &schema.Goal{
		HobbyID: hobbyID, Type: schema.GoalTypeCount,
		Period: schema.PeriodDaily, TargetValue: 3,
	}
	require.NoError(t, e.services.Goals.Add(context.Background(), g))
	return g
}

func (e *testEnv) addProgress(t *testing.T, goalID string, value float64) *schema.Progress {
	t.Helper()
	p := &schema.Progress{GoalID: goalID, Value: value}
	require.NoError(t, e.services.Progress.Add(context.Background(), p))
	return p
}

func (e *testEnv) journalCount(t *testing.T, table string, op schema.PendingOp) int {
	t.Helper()
	var n int
	err := e.store.DB().QueryRow(
		`SELECT COUNT(*) FROM sync_log WHERE entity_table = ? AND operation = ?`,
		table, string(op)).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestAddAssignsIDAndMarksPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := env.addCategory(t, "Music")
	assert.NotEmpty(t, c.ID)

	got, err := env.services.Categories.GetByID(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Music", got.Name)
	assert.Equal(t, schema.StatusPending, got.SyncStatus)
	assert.Equal(t, schema.OpCreate, got.PendingOperation)
	assert.NotNil(t, got.LocalUpdatedAt)

	assert.Equal(t, 1, env.journalCount(t, schema.TableCategories, schema.OpCreate))
}

func TestAddRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)
	err := env.services.Categories.Add(context.Background(), &schema.Category{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetByIDAbsentIsNilNil(t *testing.T) {
	env := newTestEnv(t)
	got, err := env.services.Categories.GetByID(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addCategory(t, "Music")

	updated, err := env.services.Categories.Update(ctx, c.ID, map[string]interface{}{
		"name": "Live Music",
	})
	require.NoError(t, err)
	assert.Equal(t, "Live Music", updated.Name)
	assert.Equal(t, schema.StatusPending, updated.SyncStatus)
	assert.Equal(t, schema.OpUpdate, updated.PendingOperation)
	assert.True(t, updated.UpdatedAt.After(c.CreatedAt) || updated.UpdatedAt.Equal(c.CreatedAt))

	assert.Equal(t, 1, env.journalCount(t, schema.TableCategories, schema.OpUpdate))
}

func TestUpdateUnknownColumn(t *testing.T) {
	env := newTestEnv(t)
	c := env.addCategory(t, "Music")

	_, err := env.services.Categories.Update(context.Background(), c.ID, map[string]interface{}{
		"sync_status": "synced",
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.services.Categories.Update(context.Background(), c.ID, map[string]interface{}{
		"bogus": 1,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdateMissingRow(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.services.Categories.Update(context.Background(), "nope", map[string]interface{}{
		"name": "x",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteJournalsMarker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addCategory(t, "Music")

	require.NoError(t, env.services.Categories.Delete(ctx, c.ID))

	got, err := env.services.Categories.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// The delete marker survives the row.
	assert.Equal(t, 1, env.journalCount(t, schema.TableCategories, schema.OpDelete))

	assert.ErrorIs(t, env.services.Categories.Delete(ctx, c.ID), ErrNotFound)
}

func TestAddEmitsEventFanout(t *testing.T) {
	env := newTestEnv(t)

	var names []event.Name
	for _, name := range []event.Name{event.CategoryAdded, event.CategoryChanged, event.DatabaseChanged} {
		n := name
		env.bus.Subscribe(n, func(event.Message) { names = append(names, n) })
	}

	env.addCategory(t, "Music")

	assert.Contains(t, names, event.CategoryAdded)
	assert.Contains(t, names, event.CategoryChanged)
	assert.Contains(t, names, event.DatabaseChanged)
}

func TestBulkAddEmitsOneAggregateEvent(t *testing.T) {
	env := newTestEnv(t)

	events := 0
	var payload event.BulkPayload
	env.bus.Subscribe(event.CategoryAdded, func(msg event.Message) {
		events++
		if p, ok := msg.Data.(event.BulkPayload); ok {
			payload = p
		}
	})

	batch := []*schema.Category{
		{Name: "Music"}, {Name: "Sports"}, {Name: "Crafts"},
	}
	require.NoError(t, env.services.Categories.BulkAdd(context.Background(), batch))

	assert.Equal(t, 1, events, "bulk add should emit a single event")
	assert.Equal(t, 3, payload.Count)
	assert.Equal(t, schema.TableCategories, payload.Table)

	all, err := env.services.Categories.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestBulkPutUpserts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addCategory(t, "Music")

	c.Name = "Loud Music"
	fresh := &schema.Category{Name: "Sports"}
	require.NoError(t, env.services.Categories.BulkPut(ctx, []*schema.Category{c, fresh}))

	got, err := env.services.Categories.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Loud Music", got.Name)

	all, err := env.services.Categories.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestBulkPutStampsOpPerRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addCategory(t, "Music")

	c.Name = "Loud Music"
	fresh := &schema.Category{Name: "Sports"}
	require.NoError(t, env.services.Categories.BulkPut(ctx, []*schema.Category{c, fresh}))

	got, err := env.services.Categories.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.OpUpdate, got.PendingOperation, "overwritten row queues as update")

	added, err := env.services.Categories.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.OpCreate, added.PendingOperation)

	// One create from addCategory, one from the fresh row; the overwrite
	// journals as an update.
	assert.Equal(t, 2, env.journalCount(t, schema.TableCategories, schema.OpCreate))
	assert.Equal(t, 1, env.journalCount(t, schema.TableCategories, schema.OpUpdate))
}

func TestBulkDeleteSkipsMissing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addCategory(t, "Music")

	require.NoError(t, env.services.Categories.BulkDelete(ctx, []string{c.ID, "ghost"}))

	all, err := env.services.Categories.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, 1, env.journalCount(t, schema.TableCategories, schema.OpDelete))
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addCategory(t, "Music")
	env.addCategory(t, "musical theatre")
	env.addCategory(t, "Sports")

	got, err := env.services.Categories.Search(ctx, "MUSIC")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// LIKE metacharacters are literals.
	got, err = env.services.Categories.Search(ctx, "%")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListPagination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, name := range []string{"Alpha", "Beta", "Gamma", "Delta"} {
		env.addCategory(t, name)
	}

	page, err := env.services.Categories.List(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "Alpha", page[0].Name)
	assert.Equal(t, "Beta", page[1].Name)

	page, err = env.services.Categories.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "Delta", page[0].Name)
}

func TestForeignKeyLookups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := env.addCategory(t, "Music")
	h1 := env.addHobby(t, c.ID, "Guitar")
	env.addHobby(t, c.ID, "Piano")
	g := env.addGoal(t, h1.ID)
	env.addProgress(t, g.ID, 1)

	hobbies, err := env.services.Hobbies.GetByCategoryID(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, hobbies, 2)

	goals, err := env.services.Goals.GetByHobbyID(ctx, h1.ID)
	require.NoError(t, err)
	assert.Len(t, goals, 1)

	byType, err := env.services.Goals.GetByType(ctx, schema.GoalTypeCount)
	require.NoError(t, err)
	assert.Len(t, byType, 1)

	byPeriod, err := env.services.Goals.GetByPeriod(ctx, schema.PeriodWeekly)
	require.NoError(t, err)
	assert.Empty(t, byPeriod)

	records, err := env.services.Progress.GetByGoalID(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestGoalCustomPeriodRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addCategory(t, "Music")
	h := env.addHobby(t, c.ID, "Guitar")

	g := &schema.Goal{
		HobbyID: h.ID, Type: schema.GoalTypeQuantity,
		Period:       schema.PeriodCustom,
		CustomPeriod: &schema.CustomPeriod{Frequency: 3, Unit: schema.UnitWeek},
		TargetValue:  10, TargetUnit: "pages",
	}
	require.NoError(t, env.services.Goals.Add(ctx, g))

	got, err := env.services.Goals.GetByID(ctx, g.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CustomPeriod)
	assert.Equal(t, 3, got.CustomPeriod.Frequency)
	assert.Equal(t, schema.UnitWeek, got.CustomPeriod.Unit)
}

func TestCalculateCompletionThroughService(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addCategory(t, "Music")
	h := env.addHobby(t, c.ID, "Guitar")
	g := env.addGoal(t, h.ID) // count goal, target 3, daily

	env.addProgress(t, g.ID, 1)
	result, err := env.services.Goals.CalculateCompletion(ctx, g.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, result.Ratio, 1e-9)

	// New progress invalidates the cached ratio immediately.
	env.addProgress(t, g.ID, 2)
	result, err = env.services.Goals.CalculateCompletion(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Ratio)
}

func TestGetByDateRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addCategory(t, "Music")
	h := env.addHobby(t, c.ID, "Guitar")
	g := env.addGoal(t, h.ID)

	now := time.Now().UTC()
	early := &schema.Progress{GoalID: g.ID, Value: 1, RecordedAt: now.AddDate(0, 0, -10)}
	late := &schema.Progress{GoalID: g.ID, Value: 1, RecordedAt: now}
	require.NoError(t, env.services.Progress.Add(ctx, early))
	require.NoError(t, env.services.Progress.Add(ctx, late))

	got, err := env.services.Progress.GetByDateRange(ctx, g.ID, now.AddDate(0, 0, -1), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, late.ID, got[0].ID)
}

func TestCompletionCountsOlderProgress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addCategory(t, "Music")
	h := env.addHobby(t, c.ID, "Guitar")
	g := env.addGoal(t, h.ID) // count goal, target 3, daily

	// A record logged last week still counts toward the total.
	old := &schema.Progress{
		GoalID:     g.ID,
		Value:      3,
		RecordedAt: time.Now().UTC().AddDate(0, 0, -7),
	}
	require.NoError(t, env.services.Progress.Add(ctx, old))

	result, err := env.services.Goals.CalculateCompletion(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Ratio)
}

func TestClearCompletionCacheSingleGoal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addCategory(t, "Music")
	h := env.addHobby(t, c.ID, "Guitar")
	g := env.addGoal(t, h.ID) // count goal, target 3, daily

	_, err := env.services.Goals.CalculateCompletion(ctx, g.ID)
	require.NoError(t, err)

	// Mutate behind the services' back; the cached ratio stays stale
	// until the goal's entry is cleared.
	now := store.FormatTime(time.Now().UTC())
	_, err = env.store.DB().Exec(
		`INSERT INTO progress (id, goal_id, recorded_at, value, created_at, updated_at)
		 VALUES ('p-raw', ?, ?, 3, ?, ?)`, g.ID, now, now, now)
	require.NoError(t, err)

	result, err := env.services.Goals.CalculateCompletion(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Ratio, "stale entry served from cache")

	env.services.Goals.ClearCompletionCache(g.ID)
	result, err = env.services.Goals.CalculateCompletion(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Ratio)
}

func TestPutSyncedDoesNotJournal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := &schema.Category{ID: "remote-1", Name: "Remote"}
	require.NoError(t, env.services.Categories.PutSynced(ctx, c))

	got, err := env.services.Categories.GetByID(ctx, "remote-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSynced, got.SyncStatus)
	assert.Equal(t, schema.OpNone, got.PendingOperation)
	assert.NotNil(t, got.LastSyncedAt)

	assert.Equal(t, 0, env.journalCount(t, schema.TableCategories, schema.OpCreate))
}
