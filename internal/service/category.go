package service

import (
	"log"

	"github.com/jmoiron/sqlx"

	"github.com/mkrall/hobbyd/internal/event"
	"github.com/mkrall/hobbyd/internal/notify"
	"github.com/mkrall/hobbyd/internal/schema"
	"github.com/mkrall/hobbyd/internal/store"
	"github.com/mkrall/hobbyd/internal/synctrack"
)

// CategoryService manages the root level of the hierarchy.
type CategoryService struct {
	*Service[schema.Category]
}

func categorySpec() Spec[schema.Category] {
	return Spec[schema.Category]{
		Table:        schema.TableCategories,
		Events:       mustEvents(schema.TableCategories),
		Columns:      entityColumns("id", "name", "color", "icon", "created_at", "updated_at"),
		SortColumn:   "name COLLATE NOCASE ASC",
		SearchColumn: "name",

		ID:       func(c *schema.Category) string { return c.ID },
		SetID:    func(c *schema.Category, id string) { c.ID = id },
		Defaults: func(c *schema.Category) { c.SetDefaults() },
		Validate: func(c *schema.Category) error { return c.Validate() },
		Meta:     func(c *schema.Category) *schema.SyncMetadata { return &c.SyncMetadata },

		Values: func(c *schema.Category) map[string]interface{} {
			return map[string]interface{}{
				"name":       c.Name,
				"color":      c.Color,
				"icon":       c.Icon,
				"created_at": store.FormatTime(c.CreatedAt),
				"updated_at": store.FormatTime(c.UpdatedAt),
			}
		},

		Scan: func(rows *sqlx.Rows) (*schema.Category, error) {
			var c schema.Category
			var created, updated string
			var meta syncScanner
			dest := append([]interface{}{
				&c.ID, &c.Name, &c.Color, &c.Icon, &created, &updated,
			}, meta.targets()...)
			if err := rows.Scan(dest...); err != nil {
				return nil, err
			}
			var err error
			if c.CreatedAt, err = parseStamp("created_at", created); err != nil {
				return nil, err
			}
			if c.UpdatedAt, err = parseStamp("updated_at", updated); err != nil {
				return nil, err
			}
			meta.apply(&c.SyncMetadata)
			return &c, nil
		},
	}
}

// NewCategoryService wires the category service.
func NewCategoryService(st *store.Store, tracker *synctrack.Tracker, notifier *notify.Notifier, logger *log.Logger) *CategoryService {
	return &CategoryService{
		Service: NewService(categorySpec(), st, tracker, notifier, logger),
	}
}

// mustEvents resolves the lifecycle topics for a table known at compile
// time.
func mustEvents(table string) event.EntityEvents {
	events, ok := event.ForTable(table)
	if !ok {
		panic("no events registered for table " + table)
	}
	return events
}
