// Package reconcile сверяет локальные предсказания с авторитетным
// состоянием сервера. Классическая схема оптимистичного исполнения с
// откатом: размер всегда принимается от сервера, позиция корректируется
// плавно и никогда не перезаписывается вслепую, чтобы движение оставалось
// визуально непрерывным.
package reconcile

import (
	"sync"
	"time"

	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/game"
	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
	"github.com/TokeNoMax/agardotfun-sub001/internal/predict"
	"github.com/TokeNoMax/agardotfun-sub001/internal/protocol"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

// Result описывает исход одной сверки
type Result struct {
	State         game.EntityState // Состояние после сверки и повтора
	ErrorDistance float64          // Евклидова ошибка предсказания
	Corrected     bool             // Потребовалась ли коррекция позиции
	ColdStart     bool             // Авторитетное состояние принято целиком
	Replayed      int              // Сколько вводов повторено поверх базы
}

// Engine обрабатывает авторитетные снимки собственной сущности
type Engine struct {
	mu        sync.Mutex
	cfg       config.ReconcileConfig
	predictor *predict.Predictor

	// Метрики
	TotalSnapshots   uint64
	TotalCorrections uint64
	errorHistory     []float64
	AvgError         float64
	MaxError         float64
}

// NewEngine создаёт движок сверки поверх предиктора локальной сущности
func NewEngine(cfg config.ReconcileConfig, predictor *predict.Predictor) *Engine {
	return &Engine{
		cfg:          cfg,
		predictor:    predictor,
		errorHistory: make([]float64, 0, 100),
	}
}

// ApplySnapshot сверяет авторитетный снимок с буфером предсказаний.
// Снимки потребляются строго в порядке возрастания подтверждённых номеров;
// снимок без подтверждённого номера обновляет только размер и аливность.
func (e *Engine) ApplySnapshot(snap protocol.SnapshotMessage) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.TotalSnapshots++

	authPos := vec.Vec2{X: snap.X, Y: snap.Y}

	if snap.AckSequence == nil {
		// Сервер ещё не подтверждал вводы: принимаем размер, позицию
		// не трогаем — она выправится на следующем подтверждённом снимке.
		state := e.predictor.State()
		state.Size = snap.Size
		state.Alive = snap.Alive
		state.UpdatedAt = time.Now()
		e.predictor.Adopt(state)
		return Result{State: state}
	}

	ack := *snap.AckSequence

	matched, found := e.predictor.FindAtOrAfter(ack)
	if !found {
		// Буфер исчерпан или холодный старт: предсказания бесполезны,
		// принимаем авторитетное состояние целиком.
		state := e.adoptAuthoritative(snap, authPos, ack)
		return Result{State: state, ColdStart: true, Corrected: true}
	}

	errorDist := matched.State.Position.Distance(authPos)
	e.recordError(errorDist)

	if errorDist <= e.cfg.ErrorTolerance {
		// Предсказание точное: размер от сервера, позиция локальная
		state := e.predictor.State()
		state.Size = snap.Size
		state.Alive = snap.Alive
		state.UpdatedAt = time.Now()
		e.predictor.Adopt(state)
		e.predictor.DropThrough(ack)
		return Result{State: state, ErrorDistance: errorDist}
	}

	// Расхождение: смешиваем к авторитетной позиции пропорционально
	// ошибке, затем повторяем неподтверждённые вводы поверх базы
	base := matched.State
	base.Position = base.Position.Lerp(authPos, e.blendFactor(errorDist))
	base.Size = snap.Size
	base.Alive = snap.Alive
	base.Sequence = ack
	if snap.VelocityX != nil && snap.VelocityY != nil {
		base.Velocity = vec.Vec2{X: *snap.VelocityX, Y: *snap.VelocityY}
	}

	pending := e.predictor.PendingAfter(ack)
	state := e.predictor.Replay(base, pending)
	e.predictor.DropThrough(ack)

	e.TotalCorrections++
	logging.LogCorrection(state.ID, errorDist, ack, len(pending))

	return Result{
		State:         state,
		ErrorDistance: errorDist,
		Corrected:     true,
		Replayed:      len(pending),
	}
}

// adoptAuthoritative принимает серверное состояние без сверки.
// Вызывается под мьютексом.
func (e *Engine) adoptAuthoritative(snap protocol.SnapshotMessage, authPos vec.Vec2, ack uint32) game.EntityState {
	state := e.predictor.State()
	state.Position = authPos
	state.Size = snap.Size
	state.Alive = snap.Alive
	state.Sequence = ack
	if snap.VelocityX != nil && snap.VelocityY != nil {
		state.Velocity = vec.Vec2{X: *snap.VelocityX, Y: *snap.VelocityY}
	}
	state.UpdatedAt = time.Now()

	e.predictor.DropAll()
	e.predictor.Adopt(state)
	e.TotalCorrections++

	return state
}

// blendFactor возвращает долю коррекции для данной ошибки.
// Растёт от BlendFactor до MaxBlend с ростом ошибки; начиная со
// SnapDistance позиция принимается целиком — дальнейшее смешивание
// выглядело бы как бесконечное "резиновое" отставание.
func (e *Engine) blendFactor(errorDist float64) float64 {
	if errorDist >= e.cfg.SnapDistance {
		return 1.0
	}
	frac := errorDist / e.cfg.SnapDistance
	factor := e.cfg.BlendFactor + (e.cfg.MaxBlend-e.cfg.BlendFactor)*frac
	if factor > e.cfg.MaxBlend {
		factor = e.cfg.MaxBlend
	}
	return factor
}

// recordError обновляет скользящую статистику ошибок предсказания.
// Вызывается под мьютексом.
func (e *Engine) recordError(errorDist float64) {
	if len(e.errorHistory) >= 100 {
		e.errorHistory = e.errorHistory[1:]
	}
	e.errorHistory = append(e.errorHistory, errorDist)

	sum := 0.0
	for _, v := range e.errorHistory {
		sum += v
	}
	e.AvgError = sum / float64(len(e.errorHistory))

	if errorDist > e.MaxError {
		e.MaxError = errorDist
	}
}

// Stats возвращает сводку метрик сверки
func (e *Engine) Stats() (snapshots, corrections uint64, avgError, maxError float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.TotalSnapshots, e.TotalCorrections, e.AvgError, e.MaxError
}
