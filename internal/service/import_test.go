package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrall/hobbyd/internal/outbox"
	"github.com/mkrall/hobbyd/internal/schema"
)

func TestApplyCreateLandsSynced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.services.Apply(ctx, outbox.Entry{
		Seq:         1,
		EntityTable: schema.TableCategories,
		EntityID:    "remote-c1",
		Operation:   schema.OpCreate,
		Payload:     `{"id":"remote-c1","name":"Remote Music"}`,
		QueuedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)

	got, err := env.services.Categories.GetByID(ctx, "remote-c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Remote Music", got.Name)
	assert.Equal(t, schema.StatusSynced, got.SyncStatus)

	// Remote entries never re-enter the journal.
	assert.Equal(t, 0, env.journalCount(t, schema.TableCategories, schema.OpCreate))
}

func TestApplyUpdateOverwritesLocal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addCategory(t, "Music")

	err := env.services.Apply(ctx, outbox.Entry{
		EntityTable: schema.TableCategories,
		EntityID:    c.ID,
		Operation:   schema.OpUpdate,
		Payload:     `{"id":"` + c.ID + `","name":"Server Music"}`,
	})
	require.NoError(t, err)

	got, err := env.services.Categories.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Server Music", got.Name)
	assert.Equal(t, schema.StatusSynced, got.SyncStatus)
}

func TestApplyDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addCategory(t, "Music")

	err := env.services.Apply(ctx, outbox.Entry{
		EntityTable: schema.TableCategories,
		EntityID:    c.ID,
		Operation:   schema.OpDelete,
	})
	require.NoError(t, err)

	got, err := env.services.Categories.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting an already-absent row is not an error.
	assert.NoError(t, env.services.Apply(ctx, outbox.Entry{
		EntityTable: schema.TableCategories,
		EntityID:    "ghost",
		Operation:   schema.OpDelete,
	}))
}

func TestApplyRejectsGarbage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.services.Apply(ctx, outbox.Entry{
		EntityTable: "spaceships",
		EntityID:    "x",
		Operation:   schema.OpCreate,
		Payload:     `{}`,
	})
	assert.ErrorIs(t, err, ErrValidation)

	err = env.services.Apply(ctx, outbox.Entry{
		EntityTable: schema.TableGoals,
		EntityID:    "g1",
		Operation:   schema.OpCreate,
		Payload:     `not json`,
	})
	assert.ErrorIs(t, err, ErrValidation)
}
