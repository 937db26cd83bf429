package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

// RedisPositionRepo хранит позиции участников в Redis.
// Записи батчуются: частые сохранения одной сущности схлопываются
// в буфере и уходят в Redis пайплайном по таймеру или при заполнении.
type RedisPositionRepo struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration

	batchMu     sync.Mutex
	batchBuffer map[string]PositionRecord
	batchSize   int

	shutdown chan struct{}
	wg       sync.WaitGroup
}

const (
	redisKeyPrefix   = "sync:pos:"
	redisTTL         = 10 * time.Minute
	redisBatchSize   = 100
	redisFlushPeriod = 100 * time.Millisecond
	redisDialTimeout = 3 * time.Second
)

// NewRedisPositionRepo подключается к Redis и запускает фоновый сброс батчей
func NewRedisPositionRepo(addr string) (*RedisPositionRepo, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: redisDialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("подключение к Redis %s: %w", addr, err)
	}

	repo := &RedisPositionRepo{
		client:      client,
		keyPrefix:   redisKeyPrefix,
		ttl:         redisTTL,
		batchBuffer: make(map[string]PositionRecord),
		batchSize:   redisBatchSize,
		shutdown:    make(chan struct{}),
	}

	repo.wg.Add(1)
	go repo.batchFlusher()

	logging.LogInfo("Redis хранилище позиций подключено: %s", addr)
	return repo, nil
}

// SavePosition кладёт позицию в батч-буфер
func (r *RedisPositionRepo) SavePosition(ctx context.Context, roomID, entityID string, pos vec.Vec2, size float64) error {
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

	r.batchMu.Lock()
	r.batchBuffer[positionKey(roomID, entityID)] = rec

	if len(r.batchBuffer) >= r.batchSize {
		batch := r.batchBuffer
		r.batchBuffer = make(map[string]PositionRecord)
		r.batchMu.Unlock()
		return r.flushBatch(ctx, batch)
	}

	r.batchMu.Unlock()
	return nil
}

// Load читает позицию напрямую из Redis, минуя буфер
func (r *RedisPositionRepo) Load(ctx context.Context, roomID, entityID string) (PositionRecord, bool, error) {
	key := r.keyPrefix + positionKey(roomID, entityID)

	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Буфер может держать ещё не сброшенную запись
		r.batchMu.Lock()
		rec, ok := r.batchBuffer[positionKey(roomID, entityID)]
		r.batchMu.Unlock()
		return rec, ok, nil
	}
	if err != nil {
		return PositionRecord{}, false, fmt.Errorf("чтение позиции %s: %w", key, err)
	}

	var rec PositionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return PositionRecord{}, false, fmt.Errorf("разбор позиции %s: %w", key, err)
	}
	return rec, true, nil
}

// Delete удаляет позицию из буфера и из Redis
func (r *RedisPositionRepo) Delete(ctx context.Context, roomID, entityID string) error {
	r.batchMu.Lock()
	delete(r.batchBuffer, positionKey(roomID, entityID))
	r.batchMu.Unlock()

	key := r.keyPrefix + positionKey(roomID, entityID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("удаление позиции %s: %w", key, err)
	}
	return nil
}

// BatchSave пишет записи в Redis одним пайплайном
func (r *RedisPositionRepo) BatchSave(ctx context.Context, records []PositionRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := make(map[string]PositionRecord, len(records))
	for _, rec := range records {
		if rec.RoomID == "" || rec.EntityID == "" {
			return fmt.Errorf("пустой идентификатор в batch")
		}
		batch[positionKey(rec.RoomID, rec.EntityID)] = rec
	}
	return r.flushBatch(ctx, batch)
}

// Close сбрасывает остатки буфера и закрывает соединение
func (r *RedisPositionRepo) Close() error {
	close(r.shutdown)
	r.wg.Wait()

	r.batchMu.Lock()
	batch := r.batchBuffer
	r.batchBuffer = make(map[string]PositionRecord)
	r.batchMu.Unlock()

	if len(batch) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := r.flushBatch(ctx, batch); err != nil {
			logging.LogWarn("Финальный сброс батча Redis: %v", err)
		}
		cancel()
	}

	return r.client.Close()
}

// batchFlusher периодически сбрасывает батч-буфер
func (r *RedisPositionRepo) batchFlusher() {
	defer r.wg.Done()

	ticker := time.NewTicker(redisFlushPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.batchMu.Lock()
			if len(r.batchBuffer) == 0 {
				r.batchMu.Unlock()
				continue
			}
			batch := r.batchBuffer
			r.batchBuffer = make(map[string]PositionRecord)
			r.batchMu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := r.flushBatch(ctx, batch); err != nil {
				logging.LogWarn("Сброс батча Redis: %v", err)
			}
			cancel()
		}
	}
}

// flushBatch записывает батч позиций одним пайплайном
func (r *RedisPositionRepo) flushBatch(ctx context.Context, batch map[string]PositionRecord) error {
	pipe := r.client.Pipeline()

	for key, rec := range batch {
		data, err := json.Marshal(rec)
		if err != nil {
			logging.LogWarn("Сериализация позиции %s: %v", key, err)
			continue
		}
		pipe.Set(ctx, r.keyPrefix+key, data, r.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("запись батча позиций: %w", err)
	}
	return nil
}
