package service

import (
	"context"
	"log"

	"github.com/jmoiron/sqlx"

	"github.com/mkrall/hobbyd/internal/notify"
	"github.com/mkrall/hobbyd/internal/schema"
	"github.com/mkrall/hobbyd/internal/store"
	"github.com/mkrall/hobbyd/internal/synctrack"
)

// HobbyService manages hobbies under their categories.
type HobbyService struct {
	*Service[schema.Hobby]
}

func hobbySpec() Spec[schema.Hobby] {
	return Spec[schema.Hobby]{
		Table:        schema.TableHobbies,
		Events:       mustEvents(schema.TableHobbies),
		Columns:      entityColumns("id", "category_id", "name", "description", "created_at", "updated_at"),
		SortColumn:   "name COLLATE NOCASE ASC",
		SearchColumn: "name",

		ID:       func(h *schema.Hobby) string { return h.ID },
		SetID:    func(h *schema.Hobby, id string) { h.ID = id },
		ParentID: func(h *schema.Hobby) string { return h.CategoryID },
		Defaults: func(h *schema.Hobby) { h.SetDefaults() },
		Validate: func(h *schema.Hobby) error { return h.Validate() },
		Meta:     func(h *schema.Hobby) *schema.SyncMetadata { return &h.SyncMetadata },

		Values: func(h *schema.Hobby) map[string]interface{} {
			return map[string]interface{}{
				"category_id": h.CategoryID,
				"name":        h.Name,
				"description": h.Description,
				"created_at":  store.FormatTime(h.CreatedAt),
				"updated_at":  store.FormatTime(h.UpdatedAt),
			}
		},

		Scan: func(rows *sqlx.Rows) (*schema.Hobby, error) {
			var h schema.Hobby
			var created, updated string
			var meta syncScanner
			dest := append([]interface{}{
				&h.ID, &h.CategoryID, &h.Name, &h.Description, &created, &updated,
			}, meta.targets()...)
			if err := rows.Scan(dest...); err != nil {
				return nil, err
			}
			var err error
			if h.CreatedAt, err = parseStamp("created_at", created); err != nil {
				return nil, err
			}
			if h.UpdatedAt, err = parseStamp("updated_at", updated); err != nil {
				return nil, err
			}
			meta.apply(&h.SyncMetadata)
			return &h, nil
		},
	}
}

// NewHobbyService wires the hobby service.
func NewHobbyService(st *store.Store, tracker *synctrack.Tracker, notifier *notify.Notifier, logger *log.Logger) *HobbyService {
	return &HobbyService{
		Service: NewService(hobbySpec(), st, tracker, notifier, logger),
	}
}

// GetByCategoryID returns a category's hobbies, name-sorted.
func (s *HobbyService) GetByCategoryID(ctx context.Context, categoryID string) ([]*schema.Hobby, error) {
	return s.GetBy(ctx, "category_id", categoryID)
}
