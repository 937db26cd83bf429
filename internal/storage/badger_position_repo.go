package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

// BadgerPositionRepo хранит позиции во встроенной LSM базе Badger.
// Подходит для одиночного сервера без внешних зависимостей: переживает
// перезапуск, не требует отдельного процесса.
type BadgerPositionRepo struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadgerPositionRepo открывает базу в каталоге path
func NewBadgerPositionRepo(path string) (*BadgerPositionRepo, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Badger шумит в свой логгер, гасим

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("открытие Badger %s: %w", path, err)
	}

	logging.LogInfo("Badger хранилище позиций открыто: %s", path)
	return &BadgerPositionRepo{db: db, ttl: 24 * time.Hour}, nil
}

// SavePosition сохраняет позицию участника
func (r *BadgerPositionRepo) SavePosition(ctx context.Context, roomID, entityID string, pos vec.Vec2, size float64) error {
	if roomID == "" || entityID == "" {
		return fmt.Errorf("пустой идентификатор комнаты или участника")
	}

	rec := PositionRecord{
		RoomID:    roomID,
		EntityID:  entityID,
		Position:  pos,
		Size:      size,
		UpdatedAt: time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("сериализация позиции: %w", err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(positionKey(roomID, entityID)), data).WithTTL(r.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("запись позиции %s/%s: %w", roomID, entityID, err)
	}
	return nil
}

// Load загружает позицию участника
func (r *BadgerPositionRepo) Load(ctx context.Context, roomID, entityID string) (PositionRecord, bool, error) {
	var rec PositionRecord
	found := false

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(positionKey(roomID, entityID)))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return PositionRecord{}, false, fmt.Errorf("чтение позиции %s/%s: %w", roomID, entityID, err)
	}
	return rec, found, nil
}

// Delete удаляет позицию участника
func (r *BadgerPositionRepo) Delete(ctx context.Context, roomID, entityID string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(positionKey(roomID, entityID)))
	})
	if err != nil {
		return fmt.Errorf("удаление позиции %s/%s: %w", roomID, entityID, err)
	}
	return nil
}

// BatchSave сохраняет несколько позиций одной записью WriteBatch
func (r *BadgerPositionRepo) BatchSave(ctx context.Context, records []PositionRecord) error {
	if len(records) == 0 {
		return nil
	}

	wb := r.db.NewWriteBatch()
	defer wb.Cancel()

	now := time.Now()
	for _, rec := range records {
		if rec.RoomID == "" || rec.EntityID == "" {
			return fmt.Errorf("пустой идентификатор в batch")
		}
		rec.UpdatedAt = now

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("сериализация позиции %s/%s: %w", rec.RoomID, rec.EntityID, err)
		}
		entry := badger.NewEntry([]byte(positionKey(rec.RoomID, rec.EntityID)), data).WithTTL(r.ttl)
		if err := wb.SetEntry(entry); err != nil {
			return fmt.Errorf("batch запись %s/%s: %w", rec.RoomID, rec.EntityID, err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("сброс batch записи: %w", err)
	}
	return nil
}

// Close закрывает базу
func (r *BadgerPositionRepo) Close() error {
	return r.db.Close()
}
