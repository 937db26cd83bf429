// Package validator реализует серверную античит-проверку переходов
// состояния. Каждый отправитель имеет скользящую историю наблюдаемых
// снимков и вводов; движение, коллизии и подбор еды принимаются только
// в пределах физической правдоподобности модели кинематики. Отклонённое
// изменение не имеет побочных эффектов: оно просто выбрасывается, а в
// журнал добавляется запись о нарушении.
package validator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/kinematics"
	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
	"github.com/TokeNoMax/agardotfun-sub001/internal/protocol"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

// observed один принятый снимок в скользящей истории отправителя
type observed struct {
	pos        vec.Vec2
	size       float64
	receivedAt time.Time
}

// entityRecord состояние валидатора для одного отправителя.
// Создаётся лениво при первом наблюдении, собирается сборщиком после
// таймаута неактивности.
type entityRecord struct {
	history      []observed
	inputTimes   []time.Time // Времена вводов в скользящем окне 1с
	lastInputAt  time.Time
	lastBoost    bool
	violations   []Violation
	lastActivity time.Time
}

// MovementResult результат проверки движения.
// При отклонении содержит причину и, где возможно, исправленное значение.
type MovementResult struct {
	Accepted      bool
	Reason        string
	ImpliedSpeed  float64
	CorrectedPos  *vec.Vec2
	CorrectedSize *float64
}

// CollisionResult результат проверки поглощения
type CollisionResult struct {
	Accepted        bool
	Reason          string
	ExpectedNewSize float64
}

// ConsumeResult результат проверки подбора еды
type ConsumeResult struct {
	Accepted        bool
	Reason          string
	ExpectedNewSize float64
}

// RateResult результат проверки частоты вводов
type RateResult struct {
	Accepted bool
	Reason   string
}

// ViolationHandler получает нарушения для наблюдаемости (дашборд, шина)
type ViolationHandler func(v Violation)

// Validator принимает или отклоняет переходы состояния по отправителям.
// Каждая проверка трогает только скользящее состояние своего отправителя
// плюс, для коллизий, снапшот-чтение последнего состояния второй сущности.
type Validator struct {
	mu      sync.RWMutex
	cfg     config.ValidatorConfig
	model   *kinematics.Model
	bounds  kinematics.Bounds
	records map[string]*entityRecord

	onViolation ViolationHandler
	metrics     *Metrics

	running bool
	ticker  *time.Ticker
	stopCh  chan struct{}

	// Метрики
	TotalChecks     uint64
	TotalViolations uint64
}

// New создаёт валидатор поверх общей модели кинематики
func New(cfg config.ValidatorConfig, model *kinematics.Model, bounds kinematics.Bounds) *Validator {
	return &Validator{
		cfg:     cfg,
		model:   model,
		bounds:  bounds,
		records: make(map[string]*entityRecord),
		stopCh:  make(chan struct{}),
	}
}

// SetViolationHandler задаёт получателя нарушений
func (v *Validator) SetViolationHandler(h ViolationHandler) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onViolation = h
}

// SetMetrics подключает экспорт Prometheus-метрик
func (v *Validator) SetMetrics(m *Metrics) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.metrics = m
}

// Start запускает фоновую сборку состояния неактивных отправителей
func (v *Validator) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.running {
		return fmt.Errorf("validator already running")
	}

	v.running = true
	v.ticker = time.NewTicker(time.Minute)

	go v.cleanupLoop(ctx)

	return nil
}

// Stop останавливает фоновую сборку
func (v *Validator) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.running {
		return nil
	}

	v.running = false
	if v.ticker != nil {
		v.ticker.Stop()
	}
	close(v.stopCh)

	return nil
}

// cleanupLoop периодически выбрасывает состояние неактивных отправителей
func (v *Validator) cleanupLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.stopCh:
			return
		case <-v.ticker.C:
			removed := v.CleanupInactive(time.Now())
			if removed > 0 {
				logging.LogDebug("Validator GC: удалено %d неактивных записей", removed)
			}
		}
	}
}

// record возвращает запись отправителя, создавая её лениво.
// Вызывается под мьютексом.
func (v *Validator) record(entityID string, now time.Time) *entityRecord {
	rec, exists := v.records[entityID]
	if !exists {
		rec = &entityRecord{
			history:    make([]observed, 0, v.cfg.HistorySize),
			violations: make([]Violation, 0, v.cfg.ViolationLogSize),
		}
		v.records[entityID] = rec
		if v.metrics != nil {
			v.metrics.TrackedEntities.Set(float64(len(v.records)))
		}
	}
	rec.lastActivity = now
	return rec
}

// addViolation добавляет нарушение в ограниченный журнал отправителя.
// Вызывается под мьютексом.
func (v *Validator) addViolation(rec *entityRecord, entityID string, kind ViolationKind, severity Severity, details string, now time.Time) {
	violation := Violation{
		EntityID:  entityID,
		Kind:      kind,
		Severity:  severity,
		Details:   details,
		Timestamp: now,
	}

	if len(rec.violations) >= v.cfg.ViolationLogSize {
		rec.violations = rec.violations[1:]
	}
	rec.violations = append(rec.violations, violation)
	v.TotalViolations++

	logging.LogViolation(entityID, string(kind), severity.String(), details)
	if v.metrics != nil {
		v.metrics.Violations.WithLabelValues(string(kind), severity.String()).Inc()
	}
	if v.onViolation != nil {
		handler := v.onViolation
		go handler(violation)
	}
}

// ValidateMovement проверяет заявленное обновление позиции
func (v *Validator) ValidateMovement(snap protocol.SnapshotMessage) MovementResult {
	return v.ValidateMovementAt(snap, time.Now())
}

// ValidateMovementAt проверяет движение с явным временем (для тестов)
func (v *Validator) ValidateMovementAt(snap protocol.SnapshotMessage, now time.Time) MovementResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.TotalChecks++
	rec := v.record(snap.EntityID, now)
	pos := vec.Vec2{X: snap.X, Y: snap.Y}

	// Расхождение часов отправителя: сообщение старше допуска считаем устаревшим
	if skew := now.UnixMilli() - snap.Timestamp; skew > v.cfg.MaxClockSkew.Milliseconds() || -skew > v.cfg.MaxClockSkew.Milliseconds() {
		v.addViolation(rec, snap.EntityID, ViolationStaleClock, SeverityLow,
			fmt.Sprintf("расхождение часов %dms", skew), now)
		return v.rejectMovement(rec, "stale timestamp", 0, nil, nil)
	}

	// Абсолютный диапазон размера
	if snap.Size < v.cfg.MinSize || snap.Size > v.cfg.MaxSize {
		corrected := snap.Size
		if corrected < v.cfg.MinSize {
			corrected = v.cfg.MinSize
		}
		if corrected > v.cfg.MaxSize {
			corrected = v.cfg.MaxSize
		}
		v.addViolation(rec, snap.EntityID, ViolationSizeRange, SeverityCritical,
			fmt.Sprintf("размер %.2f вне [%.2f, %.2f]", snap.Size, v.cfg.MinSize, v.cfg.MaxSize), now)
		return v.rejectMovement(rec, "size out of range", 0, nil, &corrected)
	}

	// Позиция внутри мира с учётом радиуса
	radius := v.model.Radius(snap.Size)
	clamped := kinematics.ClampToBounds(pos, radius, v.bounds)
	if clamped != pos {
		v.addViolation(rec, snap.EntityID, ViolationOutOfBounds, SeverityMedium,
			fmt.Sprintf("позиция (%.1f, %.1f) вне мира", pos.X, pos.Y), now)
		return v.rejectMovement(rec, "position out of bounds", 0, &clamped, nil)
	}

	// Подразумеваемая скорость относительно последнего принятого снимка
	if len(rec.history) > 0 {
		prev := rec.history[len(rec.history)-1]
		elapsed := now.Sub(prev.receivedAt).Seconds()
		if elapsed > 0 {
			implied := pos.Distance(prev.pos) / elapsed
			limit := v.speedLimit(prev.size, rec.lastBoost)
			if implied > limit {
				v.addViolation(rec, snap.EntityID, ViolationSpeed, SeverityHigh,
					fmt.Sprintf("скорость %.1f при лимите %.1f", implied, limit), now)
				// Исправленное значение: сдвиг в заявленном направлении,
				// но не дальше физически достижимой точки
				dir := pos.Sub(prev.pos).Normalized()
				correctedPos := prev.pos.Add(dir.Mul(limit * elapsed))
				correctedPos = kinematics.ClampToBounds(correctedPos, radius, v.bounds)
				return v.rejectMovement(rec, "speed exceeds model", implied, &correctedPos, nil)
			}
		}
	}

	// Принято: снимок попадает в скользящую историю
	if len(rec.history) >= v.cfg.HistorySize {
		rec.history = rec.history[1:]
	}
	rec.history = append(rec.history, observed{pos: pos, size: snap.Size, receivedAt: now})

	if v.metrics != nil {
		v.metrics.Checks.WithLabelValues("movement", "accepted").Inc()
	}
	return MovementResult{Accepted: true}
}

// rejectMovement оформляет отказ движения. Вызывается под мьютексом.
func (v *Validator) rejectMovement(rec *entityRecord, reason string, implied float64, pos *vec.Vec2, size *float64) MovementResult {
	if v.metrics != nil {
		v.metrics.Checks.WithLabelValues("movement", "rejected").Inc()
	}
	return MovementResult{
		Accepted:      false,
		Reason:        reason,
		ImpliedSpeed:  implied,
		CorrectedPos:  pos,
		CorrectedSize: size,
	}
}

// speedLimit возвращает допустимую скорость для размера.
// Допуск покрывает джиттер сети; ускорение расширяет лимит, но общий
// множитель никогда не превышает жёсткий потолок.
func (v *Validator) speedLimit(size float64, boost bool) float64 {
	base := v.model.SpeedForSize(size)
	factor := v.cfg.SpeedTolerance
	if boost {
		factor = v.cfg.SpeedTolerance * v.model.MaxSpeed(size, true) / base
	}
	if factor > v.cfg.MaxSpeedFactor {
		factor = v.cfg.MaxSpeedFactor
	}
	return base * factor
}

// ValidateCollision проверяет заявленное поглощение одной сущности другой
func (v *Validator) ValidateCollision(msg protocol.CollisionMessage) CollisionResult {
	return v.ValidateCollisionAt(msg, time.Now())
}

// ValidateCollisionAt проверяет коллизию с явным временем (для тестов)
func (v *Validator) ValidateCollisionAt(msg protocol.CollisionMessage, now time.Time) CollisionResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.TotalChecks++

	killerRec, killerKnown := v.records[msg.EliminatorID]
	victimRec, victimKnown := v.records[msg.EliminatedID]
	if !killerKnown || len(killerRec.history) == 0 || !victimKnown || len(victimRec.history) == 0 {
		return v.rejectCollision("unknown participants", 0)
	}
	killerRec.lastActivity = now

	killer := killerRec.history[len(killerRec.history)-1]
	victim := victimRec.history[len(victimRec.history)-1]
	expected := killer.size + v.cfg.AbsorptionFraction*victim.size

	// (a) поглотитель обязан быть крупнее жертвы минимум в MinEatRatio раз
	if killer.size < victim.size*v.cfg.MinEatRatio {
		v.addViolation(killerRec, msg.EliminatorID, ViolationCollision, SeverityHigh,
			fmt.Sprintf("размер %.1f недостаточен против %.1f", killer.size, victim.size), now)
		return v.rejectCollision("eliminator too small", expected)
	}

	// (b) последние известные позиции в пределах суммы радиусов с допуском
	maxDist := (v.model.Radius(killer.size) + v.model.Radius(victim.size)) * (1 + v.cfg.CollisionTolerance)
	if dist := killer.pos.Distance(victim.pos); dist > maxDist {
		v.addViolation(killerRec, msg.EliminatorID, ViolationCollision, SeverityHigh,
			fmt.Sprintf("дистанция %.1f при пределе %.1f", dist, maxDist), now)
		return v.rejectCollision("entities too far apart", expected)
	}

	// (c) заявленный новый размер соответствует ожидаемому поглощению
	if diff := msg.EliminatorNewSize - expected; diff > v.cfg.SizeGainTolerance || -diff > v.cfg.SizeGainTolerance {
		v.addViolation(killerRec, msg.EliminatorID, ViolationSizeGain, SeverityCritical,
			fmt.Sprintf("заявлен размер %.1f, ожидался %.1f", msg.EliminatorNewSize, expected), now)
		return v.rejectCollision("claimed size mismatch", expected)
	}

	// Принято: размер поглотителя в истории обновляется ожидаемым значением
	killerRec.history[len(killerRec.history)-1].size = expected

	if v.metrics != nil {
		v.metrics.Checks.WithLabelValues("collision", "accepted").Inc()
	}
	return CollisionResult{Accepted: true, ExpectedNewSize: expected}
}

// rejectCollision оформляет отказ коллизии. Вызывается под мьютексом.
func (v *Validator) rejectCollision(reason string, expected float64) CollisionResult {
	if v.metrics != nil {
		v.metrics.Checks.WithLabelValues("collision", "rejected").Inc()
	}
	return CollisionResult{Accepted: false, Reason: reason, ExpectedNewSize: expected}
}

// ValidateConsume проверяет заявленный прирост размера от еды
func (v *Validator) ValidateConsume(msg protocol.ConsumeMessage) ConsumeResult {
	return v.ValidateConsumeAt(msg, time.Now())
}

// ValidateConsumeAt проверяет подбор еды с явным временем (для тестов)
func (v *Validator) ValidateConsumeAt(msg protocol.ConsumeMessage, now time.Time) ConsumeResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.TotalChecks++

	rec, known := v.records[msg.EntityID]
	if !known || len(rec.history) == 0 {
		return ConsumeResult{Accepted: false, Reason: "unknown entity"}
	}
	rec.lastActivity = now

	current := rec.history[len(rec.history)-1].size
	expected := current + v.cfg.FoodGainFraction*msg.FoodSize

	if diff := msg.NewSize - expected; diff > v.cfg.SizeGainTolerance || -diff > v.cfg.SizeGainTolerance {
		v.addViolation(rec, msg.EntityID, ViolationConsume, SeverityMedium,
			fmt.Sprintf("заявлен размер %.1f, ожидался %.1f", msg.NewSize, expected), now)
		if v.metrics != nil {
			v.metrics.Checks.WithLabelValues("consume", "rejected").Inc()
		}
		return ConsumeResult{Accepted: false, Reason: "size gain mismatch", ExpectedNewSize: expected}
	}

	rec.history[len(rec.history)-1].size = expected

	if v.metrics != nil {
		v.metrics.Checks.WithLabelValues("consume", "accepted").Inc()
	}
	return ConsumeResult{Accepted: true, ExpectedNewSize: expected}
}

// RecordInput проверяет частоту вводов отправителя
func (v *Validator) RecordInput(entityID string, input protocol.InputMessage) RateResult {
	return v.RecordInputAt(entityID, input, time.Now())
}

// RecordInputAt проверяет частоту с явным временем (для тестов)
func (v *Validator) RecordInputAt(entityID string, input protocol.InputMessage, now time.Time) RateResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.TotalChecks++
	rec := v.record(entityID, now)

	// Минимальный интервал между вводами: защита от флуда
	if !rec.lastInputAt.IsZero() && now.Sub(rec.lastInputAt) < v.cfg.MinInputInterval {
		v.addViolation(rec, entityID, ViolationRateLimit, SeverityLow,
			fmt.Sprintf("интервал %.1fms меньше минимума", now.Sub(rec.lastInputAt).Seconds()*1000), now)
		return RateResult{Accepted: false, Reason: "input interval too short"}
	}

	// Скользящее окно 1с
	cutoff := now.Add(-time.Second)
	kept := rec.inputTimes[:0]
	for _, ts := range rec.inputTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	rec.inputTimes = kept

	if len(rec.inputTimes) >= v.cfg.MaxInputsPerSecond {
		v.addViolation(rec, entityID, ViolationRateLimit, SeverityMedium,
			fmt.Sprintf("%d вводов в окне 1с при лимите %d", len(rec.inputTimes), v.cfg.MaxInputsPerSecond), now)
		return RateResult{Accepted: false, Reason: "input rate limit exceeded"}
	}

	rec.inputTimes = append(rec.inputTimes, now)
	rec.lastInputAt = now
	rec.lastBoost = input.Boost

	return RateResult{Accepted: true}
}

// RiskLevel возвращает агрегированный уровень риска отправителя
func (v *Validator) RiskLevel(entityID string) RiskLevel {
	return v.RiskLevelAt(entityID, time.Now())
}

// RiskLevelAt возвращает уровень риска на момент now (для тестов)
func (v *Validator) RiskLevelAt(entityID string, now time.Time) RiskLevel {
	v.mu.RLock()
	defer v.mu.RUnlock()

	rec, exists := v.records[entityID]
	if !exists {
		return RiskNone
	}
	return riskFromViolations(rec.violations, now)
}

// Violations возвращает копию журнала нарушений отправителя
func (v *Validator) Violations(entityID string) []Violation {
	v.mu.RLock()
	defer v.mu.RUnlock()

	rec, exists := v.records[entityID]
	if !exists {
		return nil
	}
	out := make([]Violation, len(rec.violations))
	copy(out, rec.violations)
	return out
}

// TrackedEntities возвращает идентификаторы отслеживаемых отправителей
func (v *Validator) TrackedEntities() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ids := make([]string, 0, len(v.records))
	for id := range v.records {
		ids = append(ids, id)
	}
	return ids
}

// CleanupInactive удаляет записи отправителей, неактивных дольше таймаута.
// Возвращает количество удалённых записей.
func (v *Validator) CleanupInactive(now time.Time) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	removed := 0
	cutoff := now.Add(-v.cfg.InactivityTimeout)
	for id, rec := range v.records {
		if rec.lastActivity.Before(cutoff) {
			delete(v.records, id)
			removed++
		}
	}

	if removed > 0 && v.metrics != nil {
		v.metrics.TrackedEntities.Set(float64(len(v.records)))
	}
	return removed
}
