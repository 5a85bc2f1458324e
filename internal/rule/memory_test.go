package rule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryRepository(t *testing.T) *MemoryRepository {
	t.Helper()
	return NewMemoryRepository(nil)
}

func TestMemoryRepository_InsertAndFindByID(t *testing.T) {
	repo := newTestMemoryRepository(t)
	ctx := context.Background()

	id, err := repo.Insert(ctx, newTestRule())
	require.NoError(t, err)
	assert.Equal(t, "rule-1", id)

	found, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "longport", found.Provider)

	// Mutating the returned copy must not affect the stored rule.
	found.Provider = "mutated"
	again, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "longport", again.Provider)
}

func TestMemoryRepository_Insert_AssignsID(t *testing.T) {
	repo := newTestMemoryRepository(t)
	r := newTestRule()
	r.ID = ""

	id, err := repo.Insert(context.Background(), r)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestMemoryRepository_FindByID_NotFound(t *testing.T) {
	repo := newTestMemoryRepository(t)

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestMemoryRepository_FindMetadata(t *testing.T) {
	repo := newTestMemoryRepository(t)
	ctx := context.Background()

	id, err := repo.Insert(ctx, newTestRule())
	require.NoError(t, err)

	meta, err := repo.FindMetadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, meta.ID)
	assert.Equal(t, "longport", meta.Provider)
	assert.True(t, meta.Active)

	_, err = repo.FindMetadata(ctx, "missing")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestMemoryRepository_FindByProviderAndType(t *testing.T) {
	repo := newTestMemoryRepository(t)
	ctx := context.Background()

	first := newTestRule()
	_, err := repo.Insert(ctx, first)
	require.NoError(t, err)

	second := newTestRule()
	second.ID = "rule-2"
	second.APIType = APITypeStream
	_, err = repo.Insert(ctx, second)
	require.NoError(t, err)

	other := newTestRule()
	other.ID = "rule-3"
	other.Provider = "itick"
	_, err = repo.Insert(ctx, other)
	require.NoError(t, err)

	matches, err := repo.FindByProviderAndType(ctx, "longport", "quote_fields", APITypeRest)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "rule-1", matches[0].ID)

	// Empty apiType matches both connection styles.
	matches, err = repo.FindByProviderAndType(ctx, "longport", "quote_fields", "")
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestMemoryRepository_Update_BumpsVersion(t *testing.T) {
	repo := newTestMemoryRepository(t)
	ctx := context.Background()

	id, err := repo.Insert(ctx, newTestRule())
	require.NoError(t, err)

	before, err := repo.FindByID(ctx, id)
	require.NoError(t, err)

	updated := *before
	updated.Name = "renamed"
	require.NoError(t, repo.Update(ctx, &updated))

	after, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", after.Name)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
}

func TestMemoryRepository_Update_NotFound(t *testing.T) {
	repo := newTestMemoryRepository(t)
	r := newTestRule()
	r.ID = "missing"

	err := repo.Update(context.Background(), r)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestMemoryRepository_Delete(t *testing.T) {
	repo := newTestMemoryRepository(t)
	ctx := context.Background()

	id, err := repo.Insert(ctx, newTestRule())
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, id))
	_, err = repo.FindByID(ctx, id)
	assert.ErrorIs(t, err, ErrRuleNotFound)

	assert.ErrorIs(t, repo.Delete(ctx, id), ErrRuleNotFound)
}

func TestMemoryRepository_WatchChanges(t *testing.T) {
	repo := newTestMemoryRepository(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := repo.WatchChanges(ctx)
	require.NoError(t, err)

	id, err := repo.Insert(ctx, newTestRule())
	require.NoError(t, err)

	event := receiveEvent(t, events)
	assert.Equal(t, OperationInsert, event.Operation)
	assert.Equal(t, id, event.DocumentKey)
	require.NotNil(t, event.FullDocument)

	r, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	require.NoError(t, repo.Update(ctx, r))

	event = receiveEvent(t, events)
	assert.Equal(t, OperationUpdate, event.Operation)

	require.NoError(t, repo.Delete(ctx, id))
	event = receiveEvent(t, events)
	assert.Equal(t, OperationDelete, event.Operation)
	assert.Nil(t, event.FullDocument)
}

func TestMemoryRepository_WatchChanges_ClosedOnCancel(t *testing.T) {
	repo := newTestMemoryRepository(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := repo.WatchChanges(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("change channel not closed after cancellation")
	}
}

func receiveEvent(t *testing.T, events <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
		return ChangeEvent{}
	}
}
