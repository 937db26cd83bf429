package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

// MariaPositionRepo реализует PositionRepo поверх MariaDB/MySQL.
// Используется, когда несколько серверов делят общую базу и позиции
// должны быть видны каждому из них.
type MariaPositionRepo struct {
	db *sql.DB
}

// NewMariaPositionRepo подключается к базе и создаёт таблицу при необходимости.
// DSN в формате user:pass@tcp(host:port)/dbname.
func NewMariaPositionRepo(dsn string) (*MariaPositionRepo, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("подключение к MariaDB: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("проверка соединения с MariaDB: %w", err)
	}

	repo := &MariaPositionRepo{db: db}
	if err := repo.createTable(); err != nil {
		db.Close()
		return nil, err
	}

	logging.LogInfo("MariaDB хранилище позиций подключено")
	return repo, nil
}

// createTable создаёт таблицу entity_positions, если она не существует
func (r *MariaPositionRepo) createTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS entity_positions (
			room_id    VARCHAR(64)  NOT NULL,
			entity_id  VARCHAR(64)  NOT NULL,
			x          DOUBLE       NOT NULL,
			y          DOUBLE       NOT NULL,
			size       DOUBLE       NOT NULL,
			updated_at TIMESTAMP    DEFAULT CURRENT_TIMESTAMP
			           ON UPDATE    CURRENT_TIMESTAMP,
			PRIMARY KEY (room_id, entity_id),
			INDEX idx_updated_at (updated_at)
		) ENGINE=InnoDB
	`

	if _, err := r.db.Exec(query); err != nil {
		return fmt.Errorf("создание таблицы entity_positions: %w", err)
	}
	return nil
}

// SavePosition сохраняет позицию участника.
// INSERT ... ON DUPLICATE KEY UPDATE обновляет существующую запись.
func (r *MariaPositionRepo) SavePosition(ctx context.Context, roomID, entityID string, pos vec.Vec2, size float64) error {
	if roomID == "" || entityID == "" {
		return fmt.Errorf("пустой идентификатор комнаты или участника")
	}

	query := `
		INSERT INTO entity_positions (room_id, entity_id, x, y, size)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			x = VALUES(x),
			y = VALUES(y),
			size = VALUES(size),
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := r.db.ExecContext(ctx, query, roomID, entityID, pos.X, pos.Y, size); err != nil {
		return fmt.Errorf("сохранение позиции %s/%s: %w", roomID, entityID, err)
	}
	return nil
}

// Load загружает позицию участника
func (r *MariaPositionRepo) Load(ctx context.Context, roomID, entityID string) (PositionRecord, bool, error) {
	query := `SELECT x, y, size, updated_at FROM entity_positions WHERE room_id = ? AND entity_id = ?`

	rec := PositionRecord{RoomID: roomID, EntityID: entityID}
	var updatedAt time.Time
	err := r.db.QueryRowContext(ctx, query, roomID, entityID).
		Scan(&rec.Position.X, &rec.Position.Y, &rec.Size, &updatedAt)

	if err == sql.ErrNoRows {
		return PositionRecord{}, false, nil
	}
	if err != nil {
		return PositionRecord{}, false, fmt.Errorf("загрузка позиции %s/%s: %w", roomID, entityID, err)
	}

	rec.UpdatedAt = updatedAt
	return rec, true, nil
}

// Delete удаляет сохранённую позицию
func (r *MariaPositionRepo) Delete(ctx context.Context, roomID, entityID string) error {
	query := `DELETE FROM entity_positions WHERE room_id = ? AND entity_id = ?`

	result, err := r.db.ExecContext(ctx, query, roomID, entityID)
	if err != nil {
		return fmt.Errorf("удаление позиции %s/%s: %w", roomID, entityID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("подсчёт удалённых строк: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("позиция %s/%s не найдена", roomID, entityID)
	}
	return nil
}

// BatchSave сохраняет позиции в одной транзакции
func (r *MariaPositionRepo) BatchSave(ctx context.Context, records []PositionRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("начало транзакции: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO entity_positions (room_id, entity_id, x, y, size)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			x = VALUES(x),
			y = VALUES(y),
			size = VALUES(size),
			updated_at = CURRENT_TIMESTAMP
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("подготовка запроса: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if rec.RoomID == "" || rec.EntityID == "" {
			return fmt.Errorf("пустой идентификатор в batch")
		}
		if _, err := stmt.ExecContext(ctx, rec.RoomID, rec.EntityID, rec.Position.X, rec.Position.Y, rec.Size); err != nil {
			return fmt.Errorf("batch сохранение %s/%s: %w", rec.RoomID, rec.EntityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("фиксация транзакции: %w", err)
	}
	return nil
}

// Close закрывает соединение с базой
func (r *MariaPositionRepo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
