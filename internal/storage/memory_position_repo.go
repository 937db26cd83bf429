package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

// MemoryPositionRepo реализует PositionRepo в памяти.
// Используется как fallback, когда внешнее хранилище недоступно,
// и для CI/локальной разработки. Данные теряются при перезапуске.
type MemoryPositionRepo struct {
	mu   sync.RWMutex
	data map[string]PositionRecord
}

// NewMemoryPositionRepo создаёт репозиторий позиций в памяти
func NewMemoryPositionRepo() *MemoryPositionRepo {
	return &MemoryPositionRepo{
		data: make(map[string]PositionRecord),
	}
}

// SavePosition сохраняет позицию участника в памяти
func (r *MemoryPositionRepo) SavePosition(ctx context.Context, roomID, entityID string, pos vec.Vec2, size float64) error {
	if roomID == "" || entityID == "" {
		return fmt.Errorf("пустой идентификатор комнаты или участника")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[positionKey(roomID, entityID)] = PositionRecord{
		RoomID:    roomID,
		EntityID:  entityID,
		Position:  pos,
		Size:      size,
		UpdatedAt: time.Now(),
	}
	return nil
}

// Load загружает позицию участника из памяти
func (r *MemoryPositionRepo) Load(ctx context.Context, roomID, entityID string) (PositionRecord, bool, error) {
	if roomID == "" || entityID == "" {
		return PositionRecord{}, false, fmt.Errorf("пустой идентификатор комнаты или участника")
	}

	select {
	case <-ctx.Done():
		return PositionRecord{}, false, ctx.Err()
	default:
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.data[positionKey(roomID, entityID)]
	return rec, exists, nil
}

// Delete удаляет позицию участника из памяти
func (r *MemoryPositionRepo) Delete(ctx context.Context, roomID, entityID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := positionKey(roomID, entityID)
	if _, exists := r.data[key]; !exists {
		return fmt.Errorf("позиция %s не найдена", key)
	}
	delete(r.data, key)
	return nil
}

// BatchSave сохраняет несколько позиций в памяти
func (r *MemoryPositionRepo) BatchSave(ctx context.Context, records []PositionRecord) error {
	if len(records) == 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	for _, rec := range records {
		if rec.RoomID == "" || rec.EntityID == "" {
			return fmt.Errorf("пустой идентификатор в batch")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, rec := range records {
		rec.UpdatedAt = now
		r.data[positionKey(rec.RoomID, rec.EntityID)] = rec
	}
	return nil
}

// Close для памяти ничего не делает
func (r *MemoryPositionRepo) Close() error {
	return nil
}

// Count возвращает количество сохранённых позиций (для отладки)
func (r *MemoryPositionRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Clear очищает все сохранённые позиции (для тестов)
func (r *MemoryPositionRepo) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = make(map[string]PositionRecord)
}
