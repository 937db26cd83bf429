// Package predict реализует оптимистичное локальное применение ввода.
// Ввод применяется к локальной сущности немедленно, до подтверждения
// сервером; каждое применённое состояние попадает в ограниченную историю,
// из которой движок сверки восстанавливает траекторию при коррекции.
package predict

import (
	"sync"
	"time"

	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/game"
	"github.com/TokeNoMax/agardotfun-sub001/internal/kinematics"
	"github.com/TokeNoMax/agardotfun-sub001/internal/protocol"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

// PredictedState хранит ввод и состояние сущности после его применения
type PredictedState struct {
	Input     protocol.InputMessage
	State     game.EntityState
	Elapsed   float64 // Секунды, на которые интегрировался этот ввод
	AppliedAt time.Time
}

// Predictor применяет локальный ввод к собственной сущности.
// Не трогает удалённые сущности; некорректные векторы намерения
// зажимаются, а не отклоняются — отклонение забота валидатора на
// принимающей стороне.
type Predictor struct {
	mu     sync.Mutex
	model  *kinematics.Model
	bounds kinematics.Bounds
	state  game.EntityState

	history    []PredictedState
	maxHistory int
	maxAge     time.Duration

	// Метрики
	TotalInputs uint64
}

// NewPredictor создаёт предиктор для локальной сущности
func NewPredictor(model *kinematics.Model, bounds kinematics.Bounds, cfg config.PredictionConfig, initial *game.EntityState) *Predictor {
	return &Predictor{
		model:      model,
		bounds:     bounds,
		state:      *initial.Clone(),
		history:    make([]PredictedState, 0, cfg.MaxHistory),
		maxHistory: cfg.MaxHistory,
		maxAge:     cfg.MaxHistoryAge,
	}
}

// Apply применяет один сэмпл ввода за dt секунд и возвращает новое
// предсказанное состояние.
func (p *Predictor) Apply(input protocol.InputMessage, dt float64) game.EntityState {
	p.mu.Lock()
	defer p.mu.Unlock()

	move := vec.Vec2{X: input.MoveX, Y: input.MoveY}
	p.state.Position, p.state.Velocity = p.model.Step(
		p.state.Position, p.state.Velocity, move, p.state.Size, input.Boost, dt, p.bounds)
	p.state.Sequence = input.Sequence
	p.state.UpdatedAt = time.Now()

	p.appendHistory(PredictedState{
		Input:     input,
		State:     p.state,
		Elapsed:   dt,
		AppliedAt: p.state.UpdatedAt,
	})
	p.TotalInputs++

	return p.state
}

// appendHistory добавляет запись с вытеснением по количеству и возрасту.
// Вызывается под мьютексом.
func (p *Predictor) appendHistory(entry PredictedState) {
	cutoff := entry.AppliedAt.Add(-p.maxAge)
	for len(p.history) > 0 && p.history[0].AppliedAt.Before(cutoff) {
		p.history = p.history[1:]
	}
	if len(p.history) >= p.maxHistory {
		p.history = p.history[1:]
	}
	p.history = append(p.history, entry)
}

// State возвращает текущее предсказанное состояние
func (p *Predictor) State() game.EntityState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Adopt заменяет текущее состояние (используется движком сверки)
func (p *Predictor) Adopt(state game.EntityState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}

// FindAtOrAfter возвращает первую запись истории с номером >= seq
func (p *Predictor) FindAtOrAfter(seq uint32) (PredictedState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.history {
		if entry.Input.Sequence >= seq {
			return entry, true
		}
	}
	return PredictedState{}, false
}

// PendingAfter возвращает копию записей с номером строго больше seq,
// в исходном порядке применения
func (p *Predictor) PendingAfter(seq uint32) []PredictedState {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending := make([]PredictedState, 0, len(p.history))
	for _, entry := range p.history {
		if entry.Input.Sequence > seq {
			pending = append(pending, entry)
		}
	}
	return pending
}

// DropThrough удаляет записи с номером <= seq (подтверждённые сервером)
func (p *Predictor) DropThrough(seq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := 0
	for idx < len(p.history) && p.history[idx].Input.Sequence <= seq {
		idx++
	}
	p.history = p.history[idx:]
}

// DropAll сбрасывает всю историю (cold start при исчерпании буфера)
func (p *Predictor) DropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = p.history[:0]
}

// Replay повторяет записи поверх базового состояния в исходном порядке,
// перестраивая траекторию теми же шагами кинематики. Размер базового
// состояния сохраняется: размер всегда авторитетен для сервера.
func (p *Predictor) Replay(base game.EntityState, entries []PredictedState) game.EntityState {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := base
	for _, entry := range entries {
		move := vec.Vec2{X: entry.Input.MoveX, Y: entry.Input.MoveY}
		state.Position, state.Velocity = p.model.Step(
			state.Position, state.Velocity, move, state.Size, entry.Input.Boost, entry.Elapsed, p.bounds)
		state.Sequence = entry.Input.Sequence
	}
	state.UpdatedAt = time.Now()

	p.state = state
	return state
}

// HistoryLen возвращает текущую глубину буфера предсказаний
func (p *Predictor) HistoryLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.history)
}
