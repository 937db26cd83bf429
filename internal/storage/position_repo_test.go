package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

func TestMemoryPositionRepo_SaveLoad(t *testing.T) {
	repo := NewMemoryPositionRepo()
	ctx := context.Background()

	// Первый вход: позиции нет
	_, found, err := repo.Load(ctx, "room-1", "alice")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, repo.SavePosition(ctx, "room-1", "alice", vec.Vec2{X: 100, Y: 200}, 25))

	rec, found, err := repo.Load(ctx, "room-1", "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, vec.Vec2{X: 100, Y: 200}, rec.Position)
	assert.Equal(t, 25.0, rec.Size)
	assert.False(t, rec.UpdatedAt.IsZero())
}

func TestMemoryPositionRepo_RoomsAreIndependent(t *testing.T) {
	repo := NewMemoryPositionRepo()
	ctx := context.Background()

	require.NoError(t, repo.SavePosition(ctx, "room-1", "alice", vec.Vec2{X: 10, Y: 10}, 20))
	require.NoError(t, repo.SavePosition(ctx, "room-2", "alice", vec.Vec2{X: 900, Y: 900}, 40))

	rec1, found, err := repo.Load(ctx, "room-1", "alice")
	require.NoError(t, err)
	require.True(t, found)
	rec2, found, err := repo.Load(ctx, "room-2", "alice")
	require.NoError(t, err)
	require.True(t, found)

	// Один участник, две комнаты, независимые позиции
	assert.Equal(t, 10.0, rec1.Position.X)
	assert.Equal(t, 900.0, rec2.Position.X)
}

func TestMemoryPositionRepo_Delete(t *testing.T) {
	repo := NewMemoryPositionRepo()
	ctx := context.Background()

	require.NoError(t, repo.SavePosition(ctx, "room-1", "alice", vec.Vec2{X: 1, Y: 2}, 20))
	require.NoError(t, repo.Delete(ctx, "room-1", "alice"))

	_, found, err := repo.Load(ctx, "room-1", "alice")
	require.NoError(t, err)
	assert.False(t, found)

	// Повторное удаление — ошибка, не тихий успех
	assert.Error(t, repo.Delete(ctx, "room-1", "alice"))
}

func TestMemoryPositionRepo_BatchSave(t *testing.T) {
	repo := NewMemoryPositionRepo()
	ctx := context.Background()

	records := []PositionRecord{
		{RoomID: "room-1", EntityID: "alice", Position: vec.Vec2{X: 1, Y: 1}, Size: 20},
		{RoomID: "room-1", EntityID: "bob", Position: vec.Vec2{X: 2, Y: 2}, Size: 30},
		{RoomID: "room-2", EntityID: "carol", Position: vec.Vec2{X: 3, Y: 3}, Size: 40},
	}
	require.NoError(t, repo.BatchSave(ctx, records))
	assert.Equal(t, 3, repo.Count())

	rec, found, err := repo.Load(ctx, "room-1", "bob")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 30.0, rec.Size)
}

func TestMemoryPositionRepo_RejectsEmptyIdentifiers(t *testing.T) {
	repo := NewMemoryPositionRepo()
	ctx := context.Background()

	assert.Error(t, repo.SavePosition(ctx, "", "alice", vec.Vec2{}, 20))
	assert.Error(t, repo.SavePosition(ctx, "room-1", "", vec.Vec2{}, 20))
	assert.Error(t, repo.BatchSave(ctx, []PositionRecord{{RoomID: "room-1"}}))
}

func TestMemoryPositionRepo_CancelledContext(t *testing.T) {
	repo := NewMemoryPositionRepo()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, repo.SavePosition(ctx, "room-1", "alice", vec.Vec2{}, 20), context.Canceled)
	_, _, err := repo.Load(ctx, "room-1", "alice")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen_SelectsBackend(t *testing.T) {
	// Пустой бэкенд и "memory" дают репозиторий в памяти
	repo, err := Open(config.StorageConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryPositionRepo{}, repo)

	repo, err = Open(config.StorageConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryPositionRepo{}, repo)

	_, err = Open(config.StorageConfig{Backend: "cassandra"})
	assert.Error(t, err)
}

func TestBadgerPositionRepo_SaveLoadDelete(t *testing.T) {
	repo, err := NewBadgerPositionRepo(t.TempDir())
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()

	require.NoError(t, repo.SavePosition(ctx, "room-1", "alice", vec.Vec2{X: 42, Y: 84}, 33))

	rec, found, err := repo.Load(ctx, "room-1", "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 42.0, rec.Position.X)
	assert.Equal(t, 33.0, rec.Size)

	require.NoError(t, repo.Delete(ctx, "room-1", "alice"))
	_, found, err = repo.Load(ctx, "room-1", "alice")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBadgerPositionRepo_BatchSave(t *testing.T) {
	repo, err := NewBadgerPositionRepo(t.TempDir())
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()

	records := []PositionRecord{
		{RoomID: "room-1", EntityID: "alice", Position: vec.Vec2{X: 1, Y: 1}, Size: 20},
		{RoomID: "room-1", EntityID: "bob", Position: vec.Vec2{X: 2, Y: 2}, Size: 30},
	}
	require.NoError(t, repo.BatchSave(ctx, records))

	rec, found, err := repo.Load(ctx, "room-1", "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 20.0, rec.Size)
}
