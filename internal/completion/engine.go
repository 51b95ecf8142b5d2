// Package completion computes how far along a goal is toward its target,
// aggregating every progress record logged against it. Results are cached
// briefly; any mutation touching a goal or its progress invalidates that
// goal's entry.
package completion

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mkrall/hobbyd/internal/schema"
)

// DefaultTTL is how long a computed completion stays fresh without an
// explicit invalidation.
const DefaultTTL = 60 * time.Second

// GoalFetcher loads one goal by id, nil when absent.
type GoalFetcher func(ctx context.Context, id string) (*schema.Goal, error)

// ProgressFetcher loads every progress record logged against a goal.
type ProgressFetcher func(ctx context.Context, goalID string) ([]*schema.Progress, error)

// Result is one computed completion. WindowStart/WindowEnd describe the
// goal's current recurrence window for display; the aggregate itself spans
// every record.
type Result struct {
	GoalID      string    `json:"goalId"`
	Ratio       float64   `json:"ratio"` // 0..1
	Value       float64   `json:"value"`
	Duration    int       `json:"duration"` // minutes logged
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	ComputedAt  time.Time `json:"computedAt"`
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Engine computes and caches goal completion ratios.
type Engine struct {
	goals    GoalFetcher
	progress ProgressFetcher
	ttl      time.Duration
	logger   *log.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry

	// now is swapped in tests to pin the recurrence window.
	now func() time.Time
}

// NewEngine wires the engine to its data fetchers.
func NewEngine(goals GoalFetcher, progress ProgressFetcher, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[completion] ", log.LstdFlags)
	}
	return &Engine{
		goals:    goals,
		progress: progress,
		ttl:      DefaultTTL,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Calculate returns the goal's completion toward its target, served from
// cache when fresh. An absent goal computes to zero rather than erroring,
// so dangling references settle quietly.
func (e *Engine) Calculate(ctx context.Context, goalID string) (Result, error) {
	now := e.now()

	e.mu.Lock()
	if entry, ok := e.cache[goalID]; ok && now.Before(entry.expiresAt) {
		e.mu.Unlock()
		return entry.result, nil
	}
	e.mu.Unlock()

	goal, err := e.goals(ctx, goalID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load goal %s: %w", goalID, err)
	}
	if goal == nil {
		// A dangling reference has nothing to complete.
		result := Result{GoalID: goalID, ComputedAt: now}
		e.mu.Lock()
		e.cache[goalID] = cacheEntry{result: result, expiresAt: now.Add(e.ttl)}
		e.mu.Unlock()
		return result, nil
	}

	records, err := e.progress(ctx, goalID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load progress for goal %s: %w", goalID, err)
	}

	result := compute(goal, records, now)
	result.WindowStart, result.WindowEnd = PeriodWindow(goal, now)

	e.mu.Lock()
	e.cache[goalID] = cacheEntry{result: result, expiresAt: now.Add(e.ttl)}
	e.mu.Unlock()
	return result, nil
}

// Invalidate drops one goal's cached completion.
func (e *Engine) Invalidate(goalID string) {
	e.mu.Lock()
	delete(e.cache, goalID)
	e.mu.Unlock()
}

// InvalidateAll drops the whole cache. Used after bulk imports and remote
// database-changed notifications.
func (e *Engine) InvalidateAll() {
	e.mu.Lock()
	e.cache = make(map[string]cacheEntry)
	e.mu.Unlock()
}

// compute applies the per-type completion formula. Count and quantity
// goals divide logged value by the target. Composite goals count
// occurrences rather than values, and must satisfy both the occurrence
// target and the time requirement, so the lower of the two ratios wins.
// All ratios clamp to [0, 1].
func compute(goal *schema.Goal, records []*schema.Progress, now time.Time) Result {
	var value float64
	var duration int
	for _, rec := range records {
		value += rec.Value
		duration += rec.Duration
	}

	var ratio float64
	switch goal.Type {
	case schema.GoalTypeCount, schema.GoalTypeQuantity:
		ratio = clamp(value / goal.TargetValue)
	case schema.GoalTypeComposite:
		countRatio := clamp(float64(len(records)) / goal.TargetValue)
		required := goal.TimeRequirement
		if required < 1 {
			required = 1
		}
		timeRatio := clamp(float64(duration) / float64(required))
		ratio = countRatio
		if timeRatio < ratio {
			ratio = timeRatio
		}
	}

	return Result{
		GoalID:     goal.ID,
		Ratio:      ratio,
		Value:      value,
		Duration:   duration,
		ComputedAt: now,
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// PeriodWindow returns the goal's current recurrence window. Daily,
// weekly and monthly windows are calendar-aligned in UTC, weeks starting
// Monday. Custom periods are rolling windows ending now.
func PeriodWindow(goal *schema.Goal, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch goal.Period {
	case schema.PeriodDaily:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	case schema.PeriodWeekly:
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7 // Sunday closes the week
		}
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
			AddDate(0, 0, -(weekday - 1))
		return start, start.AddDate(0, 0, 7)
	case schema.PeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	case schema.PeriodCustom:
		freq := 1
		unit := schema.UnitDay
		if goal.CustomPeriod != nil {
			if goal.CustomPeriod.Frequency > 0 {
				freq = goal.CustomPeriod.Frequency
			}
			if goal.CustomPeriod.Unit != "" {
				unit = goal.CustomPeriod.Unit
			}
		}
		var start time.Time
		switch unit {
		case schema.UnitWeek:
			start = now.AddDate(0, 0, -7*freq)
		case schema.UnitMonth:
			start = now.AddDate(0, -freq, 0)
		default:
			start = now.AddDate(0, 0, -freq)
		}
		return start, now
	default:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}
}
