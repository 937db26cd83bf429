// Package game содержит авторитетное представление игровых сущностей.
package game

import (
	"time"

	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

// EntityState представляет состояние одного игрока или бота.
// Единственный источник истины: вводы и снимки — упорядоченные по времени
// дельты, мутирующие его.
type EntityState struct {
	ID        string    // Ключ владельца, стабилен в пределах сессии
	Position  vec.Vec2  // Мировые единицы, всегда внутри границ мира
	Velocity  vec.Vec2  // Производная, не авторитетная
	Size      float64   // Монотонный прокси массы/очков; > 0 пока жив
	Alive     bool
	Sequence  uint32    // Последний применённый к состоянию номер ввода
	UpdatedAt time.Time
}

// Clone возвращает независимую копию состояния
func (e *EntityState) Clone() *EntityState {
	clone := *e
	return &clone
}

// NewEntity создаёт живую сущность с указанными позицией и размером
func NewEntity(id string, pos vec.Vec2, size float64) *EntityState {
	return &EntityState{
		ID:        id,
		Position:  pos,
		Size:      size,
		Alive:     true,
		UpdatedAt: time.Now(),
	}
}
