// Package interp сглаживает движение удалённых сущностей между
// авторитетными снимками. Рендер отстаёт от "сейчас" на фиксированную
// задержку: пара снимков, охватывающая время рендера, интерполируется
// линейно, а при отсутствии свежего снимка позиция экстраполируется по
// последней наблюдаемой скорости с затуханием.
package interp

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/protocol"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

// sample один наблюдаемый снимок с локальным временем получения.
// Локальные часы исключают влияние расхождения часов отправителей.
type sample struct {
	pos        vec.Vec2
	velocity   vec.Vec2
	hasVel     bool
	size       float64
	alive      bool
	receivedAt time.Time
}

// sizeSmoothingStep период, за который сглаживание размера закрывает
// SizeLerpRate долю разрыва
const sizeSmoothingStep = 50 * time.Millisecond

// entityTrack скользящая история одной удалённой сущности
type entityTrack struct {
	samples    []sample
	renderSize float64   // Сглаженный размер: скачки размера визуально резче скачков позиции
	sizeAt     time.Time // Момент последнего продвижения сглаживания
	lastSeen   time.Time
}

// RenderState позиция и размер сущности для кадра рендера
type RenderState struct {
	EntityID     string
	Position     vec.Vec2
	Size         float64
	Alive        bool
	Extrapolated bool // Позиция спроецирована вперёд, а не интерполирована
}

// Buffer хранит короткие истории снимков удалённых сущностей.
// Истории принадлежат только буферу: никакой другой компонент их
// не читает и не мутирует.
type Buffer struct {
	mu       sync.RWMutex
	cfg      config.InterpConfig
	entities map[string]*entityTrack
}

// NewBuffer создаёт буфер интерполяции
func NewBuffer(cfg config.InterpConfig) *Buffer {
	return &Buffer{
		cfg:      cfg,
		entities: make(map[string]*entityTrack),
	}
}

// Observe добавляет авторитетный снимок удалённой сущности
func (b *Buffer) Observe(snap protocol.SnapshotMessage) {
	b.ObserveAt(snap, time.Now())
}

// ObserveAt добавляет снимок с явным временем получения (для тестов)
func (b *Buffer) ObserveAt(snap protocol.SnapshotMessage, receivedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	track, exists := b.entities[snap.EntityID]
	if !exists {
		track = &entityTrack{
			samples:    make([]sample, 0, b.cfg.MaxSnapshots),
			renderSize: snap.Size,
			sizeAt:     receivedAt,
		}
		b.entities[snap.EntityID] = track
	}

	s := sample{
		pos:        vec.Vec2{X: snap.X, Y: snap.Y},
		size:       snap.Size,
		alive:      snap.Alive,
		receivedAt: receivedAt,
	}
	if snap.VelocityX != nil && snap.VelocityY != nil {
		s.velocity = vec.Vec2{X: *snap.VelocityX, Y: *snap.VelocityY}
		s.hasVel = true
	}

	if len(track.samples) >= b.cfg.MaxSnapshots {
		track.samples = track.samples[1:]
	}
	track.samples = append(track.samples, s)

	// Снимки append-only по времени получения; сеть может доставить
	// пакеты перепутанными между отправителями, но в пределах одной
	// сущности порядок восстанавливаем сортировкой
	sort.SliceStable(track.samples, func(i, j int) bool {
		return track.samples[i].receivedAt.Before(track.samples[j].receivedAt)
	})

	track.lastSeen = receivedAt
}

// EntityAt возвращает сглаженное состояние сущности для времени now.
// Второй результат false, если сущность не отслеживается или устарела.
func (b *Buffer) EntityAt(entityID string, now time.Time) (RenderState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	track, exists := b.entities[entityID]
	if !exists || len(track.samples) == 0 {
		return RenderState{}, false
	}
	if now.Sub(track.lastSeen) > b.cfg.StaleAfter {
		return RenderState{}, false
	}

	return b.renderTrack(entityID, track, now), true
}

// StatesAt возвращает сглаженные состояния всех отслеживаемых сущностей
// и попутно выбрасывает устаревшие.
func (b *Buffer) StatesAt(now time.Time) []RenderState {
	b.mu.Lock()
	defer b.mu.Unlock()

	states := make([]RenderState, 0, len(b.entities))
	for id, track := range b.entities {
		if now.Sub(track.lastSeen) > b.cfg.StaleAfter {
			// Сущность больше не отслеживается
			delete(b.entities, id)
			continue
		}
		states = append(states, b.renderTrack(id, track, now))
	}
	return states
}

// renderTrack вычисляет позицию для времени рендера now-RenderDelay.
// Вызывается под мьютексом.
func (b *Buffer) renderTrack(entityID string, track *entityTrack, now time.Time) RenderState {
	renderTime := now.Add(-b.cfg.RenderDelay)
	samples := track.samples
	newest := samples[len(samples)-1]

	// Размер сглаживается медленнее позиции. Продвижение привязано к
	// времени кадра, а не к числу запросов: повторные чтения одного
	// кадра дают одинаковый размер
	if dt := now.Sub(track.sizeAt); dt > 0 {
		steps := dt.Seconds() / sizeSmoothingStep.Seconds()
		keep := math.Pow(1-b.cfg.SizeLerpRate, steps)
		track.renderSize = newest.size - (newest.size-track.renderSize)*keep
		track.sizeAt = now
	}

	state := RenderState{
		EntityID: entityID,
		Size:     track.renderSize,
		Alive:    newest.alive,
	}

	// Время рендера раньше самого старого снимка: держим старейшую позицию
	if !renderTime.After(samples[0].receivedAt) {
		state.Position = samples[0].pos
		return state
	}

	// Ищем пару снимков, охватывающую время рендера
	for i := 1; i < len(samples); i++ {
		if !samples[i].receivedAt.Before(renderTime) {
			prev, next := samples[i-1], samples[i]
			span := next.receivedAt.Sub(prev.receivedAt).Seconds()
			if span <= 0 {
				state.Position = next.pos
				return state
			}
			t := renderTime.Sub(prev.receivedAt).Seconds() / span
			state.Position = prev.pos.Lerp(next.pos, t)
			return state
		}
	}

	// Свежего снимка нет: экстраполируем по последней скорости с затуханием
	state.Position = b.extrapolate(newest, renderTime)
	state.Extrapolated = true
	return state
}

// extrapolate проецирует позицию вперёд от последнего снимка.
// Время проекции ограничено, скорость затухает к нулю на его горизонте,
// чтобы ошибка не накапливалась и позиция не "улетала".
func (b *Buffer) extrapolate(newest sample, renderTime time.Time) vec.Vec2 {
	if !newest.hasVel || newest.velocity.IsZero() {
		return newest.pos
	}

	ahead := renderTime.Sub(newest.receivedAt)
	limit := b.cfg.ExtrapolationCap
	if limit <= 0 {
		return newest.pos
	}
	if ahead > limit {
		ahead = limit
	}

	// Эффективное время проекции: скорость линейно затухает к нулю на
	// горизонте, перемещение монотонно и не превышает v*cap/2
	dt := ahead.Seconds()
	limitSec := limit.Seconds()
	effective := dt - dt*dt/(2*limitSec)

	return newest.pos.Add(newest.velocity.Mul(effective))
}

// Remove прекращает отслеживание сущности (выход из комнаты, смерть)
func (b *Buffer) Remove(entityID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entities, entityID)
}

// TrackedCount возвращает количество отслеживаемых сущностей
func (b *Buffer) TrackedCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entities)
}
