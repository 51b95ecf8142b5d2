package completion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrall/hobbyd/internal/schema"
)

func fixedEngine(goal *schema.Goal, records []*schema.Progress, now time.Time) *Engine {
	e := NewEngine(
		func(ctx context.Context, id string) (*schema.Goal, error) {
			if goal != nil && goal.ID == id {
				return goal, nil
			}
			return nil, nil
		},
		func(ctx context.Context, goalID string) ([]*schema.Progress, error) {
			return records, nil
		},
		nil,
	)
	e.now = func() time.Time { return now }
	return e
}

func countGoal(target float64) *schema.Goal {
	return &schema.Goal{ID: "g1", HobbyID: "h1", Type: schema.GoalTypeCount, Period: schema.PeriodDaily, TargetValue: target}
}

func TestCountCompletion(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	records := []*schema.Progress{
		{ID: "p1", GoalID: "g1", Value: 1},
		{ID: "p2", GoalID: "g1", Value: 1},
	}
	e := fixedEngine(countGoal(4), records, now)

	result, err := e.Calculate(context.Background(), "g1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, result.Ratio, 1e-9)
	assert.Equal(t, 2.0, result.Value)
}

func TestCompletionClampsAtOne(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	records := []*schema.Progress{{ID: "p1", GoalID: "g1", Value: 10}}
	e := fixedEngine(countGoal(3), records, now)

	result, err := e.Calculate(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Ratio)
}

func TestCompositeTakesLowerRatio(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	goal := &schema.Goal{
		ID: "g1", HobbyID: "h1",
		Type: schema.GoalTypeComposite, Period: schema.PeriodDaily,
		TargetValue: 2, TimeRequirement: 60,
	}
	// Count satisfied, time only half done.
	records := []*schema.Progress{
		{ID: "p1", GoalID: "g1", Value: 1, Duration: 15},
		{ID: "p2", GoalID: "g1", Value: 1, Duration: 15},
	}
	e := fixedEngine(goal, records, now)

	result, err := e.Calculate(context.Background(), "g1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, result.Ratio, 1e-9)
	assert.Equal(t, 30, result.Duration)
}

func TestCompositeCountsOccurrences(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	goal := &schema.Goal{
		ID: "g1", HobbyID: "h1",
		Type: schema.GoalTypeComposite, Period: schema.PeriodDaily,
		TargetValue: 4, TimeRequirement: 30,
	}
	// Three sessions totalling 80 minutes: time is satisfied, only 3 of
	// 4 occurrences logged.
	records := []*schema.Progress{
		{ID: "p1", GoalID: "g1", Duration: 35},
		{ID: "p2", GoalID: "g1", Duration: 30},
		{ID: "p3", GoalID: "g1", Duration: 15},
	}
	e := fixedEngine(goal, records, now)

	result, err := e.Calculate(context.Background(), "g1")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, result.Ratio, 1e-9)
}

func TestCompositeZeroTimeRequirement(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	goal := &schema.Goal{
		ID: "g1", HobbyID: "h1",
		Type: schema.GoalTypeComposite, Period: schema.PeriodDaily,
		TargetValue: 1, TimeRequirement: 0,
	}
	records := []*schema.Progress{{ID: "p1", GoalID: "g1", Value: 1, Duration: 5}}
	e := fixedEngine(goal, records, now)

	result, err := e.Calculate(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Ratio)
}

func TestCalculateMissingGoalIsZero(t *testing.T) {
	e := fixedEngine(nil, nil, time.Now())
	result, err := e.Calculate(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, "missing", result.GoalID)
	assert.Equal(t, 0.0, result.Ratio)
}

func TestCompletionSpansAllRecords(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	// One record logged today, one logged last week. A daily goal still
	// counts both toward its target.
	records := []*schema.Progress{
		{ID: "p1", GoalID: "g1", Value: 1, RecordedAt: now},
		{ID: "p2", GoalID: "g1", Value: 1, RecordedAt: now.AddDate(0, 0, -7)},
	}
	e := fixedEngine(countGoal(4), records, now)

	result, err := e.Calculate(context.Background(), "g1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, result.Ratio, 1e-9)
}

func TestCacheAndInvalidate(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fetches := 0
	e := NewEngine(
		func(ctx context.Context, id string) (*schema.Goal, error) {
			fetches++
			return countGoal(2), nil
		},
		func(ctx context.Context, goalID string) ([]*schema.Progress, error) {
			return nil, nil
		},
		nil,
	)
	e.now = func() time.Time { return now }

	_, err := e.Calculate(context.Background(), "g1")
	require.NoError(t, err)
	_, err = e.Calculate(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, fetches, "second call should hit the cache")

	e.Invalidate("g1")
	_, err = e.Calculate(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, fetches, "invalidation should force a recompute")

	// Advance past the TTL.
	e.now = func() time.Time { return now.Add(DefaultTTL + time.Second) }
	_, err = e.Calculate(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 3, fetches, "expiry should force a recompute")
}

func TestPeriodWindows(t *testing.T) {
	// A Wednesday.
	now := time.Date(2026, 3, 11, 15, 30, 0, 0, time.UTC)

	daily := &schema.Goal{Period: schema.PeriodDaily}
	start, end := PeriodWindow(daily, now)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC), end)

	weekly := &schema.Goal{Period: schema.PeriodWeekly}
	start, end = PeriodWindow(weekly, now)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), start, "week starts Monday")
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), end)

	// Sunday belongs to the week that started the previous Monday.
	sunday := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	start, _ = PeriodWindow(weekly, sunday)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), start)

	monthly := &schema.Goal{Period: schema.PeriodMonthly}
	start, end = PeriodWindow(monthly, now)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), end)

	custom := &schema.Goal{
		Period:       schema.PeriodCustom,
		CustomPeriod: &schema.CustomPeriod{Frequency: 3, Unit: schema.UnitDay},
	}
	start, end = PeriodWindow(custom, now)
	assert.Equal(t, now.AddDate(0, 0, -3), start)
	assert.Equal(t, now, end)
}
