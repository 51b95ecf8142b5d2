// Package schema defines the persisted entity types for hobbyd.
//
// The containment hierarchy is Category 1-N Hobby 1-N Goal 1-N Progress.
// Every entity carries SyncMetadata describing its reconciliation state
// with a remote store. Structures are flat with last-write-wins semantics;
// timestamps resolve conflicts during reconciliation.
package schema

import (
	"fmt"
	"time"
)

// Logical table names. These are part of the persisted schema contract and
// also key the sync tracker's per-table operations.
const (
	TableCategories = "categories"
	TableHobbies    = "hobbies"
	TableGoals      = "goals"
	TableProgress   = "progress"
)

// Tables lists every entity table in parent-before-child order.
var Tables = []string{TableCategories, TableHobbies, TableGoals, TableProgress}

// GoalType discriminates how a goal's completion is computed.
type GoalType string

const (
	GoalTypeCount     GoalType = "count"
	GoalTypeQuantity  GoalType = "quantity"
	GoalTypeComposite GoalType = "composite"
)

// GoalPeriod is the recurrence window a goal is measured over.
type GoalPeriod string

const (
	PeriodDaily   GoalPeriod = "daily"
	PeriodWeekly  GoalPeriod = "weekly"
	PeriodMonthly GoalPeriod = "monthly"
	PeriodCustom  GoalPeriod = "custom"
)

// CustomPeriodUnit is the unit of a custom recurrence.
type CustomPeriodUnit string

const (
	UnitDay   CustomPeriodUnit = "day"
	UnitWeek  CustomPeriodUnit = "week"
	UnitMonth CustomPeriodUnit = "month"
)

// CustomPeriod describes a non-standard recurrence, e.g. every 3 days.
type CustomPeriod struct {
	Frequency int              `json:"frequency"`
	Unit      CustomPeriodUnit `json:"unit"`
}

// Category is the root of the containment hierarchy.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"` // hex string, e.g. #8844ee
	Icon      string    `json:"icon"`  // symbolic identifier
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	SyncMetadata
}

// Hobby belongs to exactly one category.
type Hobby struct {
	ID          string    `json:"id"`
	CategoryID  string    `json:"categoryId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	SyncMetadata
}

// Goal belongs to exactly one hobby.
type Goal struct {
	ID              string        `json:"id"`
	HobbyID         string        `json:"hobbyId"`
	Type            GoalType      `json:"type"`
	Period          GoalPeriod    `json:"period"`
	TargetValue     float64       `json:"targetValue"`
	TargetUnit      string        `json:"targetUnit,omitempty"`
	CustomPeriod    *CustomPeriod `json:"customPeriod,omitempty"`
	TimeRequirement int           `json:"timeRequirement,omitempty"` // minutes, composite goals only
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`

	SyncMetadata
}

// Progress is one recorded unit of work against a goal.
type Progress struct {
	ID         string    `json:"id"`
	GoalID     string    `json:"goalId"`
	RecordedAt time.Time `json:"recordedAt"`
	Value      float64   `json:"value"`
	Duration   int       `json:"duration,omitempty"` // minutes, composite goals only
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`

	SyncMetadata
}

// Validate checks the category's field values.
func (c *Category) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Validate checks the hobby's field values.
func (h *Hobby) Validate() error {
	if h.ID == "" {
		return fmt.Errorf("id is required")
	}
	if h.CategoryID == "" {
		return fmt.Errorf("category_id is required")
	}
	if h.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Validate checks the goal's field values.
func (g *Goal) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("id is required")
	}
	if g.HobbyID == "" {
		return fmt.Errorf("hobby_id is required")
	}
	switch g.Type {
	case GoalTypeCount, GoalTypeQuantity, GoalTypeComposite:
	default:
		return fmt.Errorf("unknown goal type %q", g.Type)
	}
	switch g.Period {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
	case PeriodCustom:
		if g.CustomPeriod == nil || g.CustomPeriod.Frequency <= 0 {
			return fmt.Errorf("custom period requires a positive frequency")
		}
	default:
		return fmt.Errorf("unknown goal period %q", g.Period)
	}
	if g.TargetValue <= 0 {
		return fmt.Errorf("target_value must be positive (got %v)", g.TargetValue)
	}
	return nil
}

// Validate checks the progress record's field values.
func (p *Progress) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.GoalID == "" {
		return fmt.Errorf("goal_id is required")
	}
	if p.RecordedAt.IsZero() {
		return fmt.Errorf("recorded_at is required")
	}
	return nil
}

// SetDefaults fills timestamps and sync fields that were omitted.
func (c *Category) SetDefaults() {
	stampDefaults(&c.CreatedAt, &c.UpdatedAt)
	c.SetSyncDefaults()
}

// SetDefaults fills timestamps and sync fields that were omitted.
func (h *Hobby) SetDefaults() {
	stampDefaults(&h.CreatedAt, &h.UpdatedAt)
	h.SetSyncDefaults()
}

// SetDefaults fills timestamps and sync fields that were omitted.
func (g *Goal) SetDefaults() {
	stampDefaults(&g.CreatedAt, &g.UpdatedAt)
	if g.Period == "" {
		g.Period = PeriodDaily
	}
	g.SetSyncDefaults()
}

// SetDefaults fills timestamps and sync fields that were omitted.
func (p *Progress) SetDefaults() {
	stampDefaults(&p.CreatedAt, &p.UpdatedAt)
	if p.RecordedAt.IsZero() {
		p.RecordedAt = p.CreatedAt
	}
	p.SetSyncDefaults()
}

func stampDefaults(createdAt, updatedAt *time.Time) {
	now := time.Now().UTC()
	if createdAt.IsZero() {
		*createdAt = now
	}
	if updatedAt.IsZero() {
		*updatedAt = now
	}
}
