package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

// PositionRecord сохранённая позиция участника комнаты
type PositionRecord struct {
	RoomID    string    `json:"room_id"`
	EntityID  string    `json:"entity_id"`
	Position  vec.Vec2  `json:"position"`
	Size      float64   `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PositionRepo определяет интерфейс долговременного хранения позиций.
// Позиции привязаны к паре (roomID, entityID): участник может состоять
// в нескольких комнатах с независимыми позициями.
type PositionRepo interface {
	// SavePosition сохраняет текущую позицию и размер участника
	SavePosition(ctx context.Context, roomID, entityID string, pos vec.Vec2, size float64) error

	// Load загружает сохранённую позицию.
	// Второй результат false — первый вход участника в комнату.
	Load(ctx context.Context, roomID, entityID string) (PositionRecord, bool, error)

	// Delete удаляет сохранённую позицию (выход из комнаты, сброс)
	Delete(ctx context.Context, roomID, entityID string) error

	// BatchSave сохраняет несколько позиций за одну операцию
	// (автосохранение всех участников комнаты)
	BatchSave(ctx context.Context, records []PositionRecord) error

	// Close освобождает ресурсы хранилища
	Close() error
}

// positionKey формирует ключ записи. Общий для всех бэкендов.
func positionKey(roomID, entityID string) string {
	return roomID + "/" + entityID
}

// Open создаёт репозиторий позиций по конфигурации.
// Неизвестный бэкенд — ошибка, не тихий fallback.
func Open(cfg config.StorageConfig) (PositionRepo, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryPositionRepo(), nil
	case "redis":
		return NewRedisPositionRepo(cfg.RedisAddr)
	case "badger":
		return NewBadgerPositionRepo(cfg.BadgerPath)
	case "maria":
		return NewMariaPositionRepo(cfg.MariaDSN)
	default:
		return nil, fmt.Errorf("неизвестный бэкенд хранилища: %q", cfg.Backend)
	}
}
