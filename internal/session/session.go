// Package session связывает предсказание, сверку, интерполяцию и транспорт
// в один объект на одного участника комнаты. Никаких глобальных реестров:
// всё состояние сессии живёт внутри Session и умирает вместе с ней.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/game"
	"github.com/TokeNoMax/agardotfun-sub001/internal/interp"
	"github.com/TokeNoMax/agardotfun-sub001/internal/kinematics"
	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
	"github.com/TokeNoMax/agardotfun-sub001/internal/predict"
	"github.com/TokeNoMax/agardotfun-sub001/internal/protocol"
	"github.com/TokeNoMax/agardotfun-sub001/internal/reconcile"
	"github.com/TokeNoMax/agardotfun-sub001/internal/transport"
	"github.com/TokeNoMax/agardotfun-sub001/internal/validator"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

// PositionStore сохраняет позицию участника между сессиями.
// Реализации живут в internal/storage.
type PositionStore interface {
	SavePosition(ctx context.Context, roomID, entityID string, pos vec.Vec2, size float64) error
}

// Callbacks уведомления о событиях сессии.
// Вызываются из горутин сессии: обработчики не должны блокировать.
type Callbacks struct {
	OnEliminated        func(victimID, eliminatorID string)
	OnSecurityViolation func(v validator.Violation)
	OnCorrection        func(res reconcile.Result)
}

// RosterEntry участник комнаты, видимый этой сессии
type RosterEntry struct {
	EntityID string
	JoinedAt time.Time
	LastSeen time.Time
	Metadata map[string]string
}

// Session состояние синхронизации одного участника: локальное предсказание
// собственной сущности, сверка с авторитетными снимками и интерполяция
// остальных участников комнаты.
type Session struct {
	mu  sync.RWMutex
	cfg *config.Config

	entityID string
	roomID   string

	model     *kinematics.Model
	bounds    kinematics.Bounds
	predictor *predict.Predictor
	engine    *reconcile.Engine
	remotes   *interp.Buffer
	adapter   *transport.Adapter
	gate      *validator.Validator // nil — входящие заявки не проверяются
	store     PositionStore        // nil — без сохранения

	callbacks Callbacks

	roster map[string]*RosterEntry

	// Намерение, выбираемое тиком предсказания
	intent vec.Vec2
	boost  bool
	seq    uint32

	alive    bool
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	lastTick time.Time
}

// New создаёт сессию участника entityID в комнате roomID со стартовым
// состоянием initial
func New(cfg *config.Config, adapter *transport.Adapter, initial *game.EntityState, roomID string) *Session {
	model := kinematics.NewModel(cfg.Kinematics)
	bounds := kinematics.Bounds{Width: cfg.World.Width, Height: cfg.World.Height}
	predictor := predict.NewPredictor(model, bounds, cfg.Prediction, initial)

	return &Session{
		cfg:       cfg,
		entityID:  initial.ID,
		roomID:    roomID,
		model:     model,
		bounds:    bounds,
		predictor: predictor,
		engine:    reconcile.NewEngine(cfg.Reconcile, predictor),
		remotes:   interp.NewBuffer(cfg.Interp),
		adapter:   adapter,
		roster:    make(map[string]*RosterEntry),
		alive:     true,
		stopCh:    make(chan struct{}),
	}
}

// SetCallbacks задаёт получателей событий. Вызывать до Start.
func (s *Session) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = cb
}

// SetValidator подключает проверку входящих заявок удалённых участников.
// Нарушения пробрасываются в OnSecurityViolation.
func (s *Session) SetValidator(gate *validator.Validator) {
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	gate.SetViolationHandler(func(v validator.Violation) {
		logging.LogViolation(v.EntityID, string(v.Kind), v.Severity.String(), v.Details)
		s.mu.RLock()
		cb := s.callbacks.OnSecurityViolation
		s.mu.RUnlock()
		if cb != nil {
			cb(v)
		}
	})
}

// SetStore подключает долговременное сохранение позиции
func (s *Session) SetStore(store PositionStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = store
}

// Start подключает транспорт и запускает циклы сессии
func (s *Session) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session already running")
	}
	s.running = true
	s.lastTick = time.Now()
	s.mu.Unlock()

	s.adapter.SetHandlers(transport.Handlers{
		OnSnapshot:  s.handleSnapshot,
		OnCollision: s.handleCollision,
		OnConsume:   s.handleConsume,
		OnInput:     s.handleInput,
		OnPresence:  s.handlePresence,
		OnConnected: func(reconnected bool) {
			if reconnected {
				logging.LogInfo("Сессия %s восстановлена в комнате %s", s.entityID, s.roomID)
			}
		},
	})

	if err := s.adapter.Start(ctx, addr); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("session transport: %w", err)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)

	if s.store != nil {
		s.wg.Add(1)
		go s.persistLoop(ctx)
	}

	logging.LogInfo("Сессия %s запущена в комнате %s", s.entityID, s.roomID)
	return nil
}

// Stop синхронно останавливает сессию: циклы завершаются, позиция
// сохраняется последний раз, транспорт объявляет выход из комнаты
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	store := s.store
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	if store != nil {
		state := s.predictor.State()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := store.SavePosition(ctx, s.roomID, s.entityID, state.Position, state.Size); err != nil {
			logging.LogWarn("Финальное сохранение %s: %v", s.entityID, err)
		}
		cancel()
	}

	err := s.adapter.Stop()
	logging.LogInfo("Сессия %s остановлена", s.entityID)
	return err
}

// SubmitLocalInput задаёт текущее намерение движения.
// Намерение выбирается ближайшим тиком предсказания; сами сэмплы
// нумеруются и отправляются тиком, не вызывающей стороной.
func (s *Session) SubmitLocalInput(move vec.Vec2, boost bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intent = move.ClampLength(1)
	s.boost = boost
}

// tickLoop сэмплирует ввод, продвигает предсказание и рассылает состояние
func (s *Session) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Prediction.SampleRate)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick выполняет один шаг предсказания и рассылки
func (s *Session) tick(now time.Time) {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	dt := now.Sub(s.lastTick).Seconds()
	s.lastTick = now
	s.seq++
	input := protocol.InputMessage{
		Sequence:  s.seq,
		Timestamp: now.UnixMilli(),
		MoveX:     s.intent.X,
		MoveY:     s.intent.Y,
		Boost:     s.boost,
	}
	s.mu.Unlock()

	state := s.predictor.Apply(input, dt)

	if err := s.adapter.SendInput(input); err != nil {
		logging.LogDebug("Отправка ввода %d: %v", input.Sequence, err)
	}

	vx, vy := state.Velocity.X, state.Velocity.Y
	snap := protocol.SnapshotMessage{
		EntityID:  s.entityID,
		X:         state.Position.X,
		Y:         state.Position.Y,
		Size:      state.Size,
		VelocityX: &vx,
		VelocityY: &vy,
		Timestamp: now.UnixMilli(),
		Alive:     true,
	}
	// Адаптер сам прореживает снимки до BroadcastRate
	_ = s.adapter.SendSnapshot(snap)
}

// persistLoop периодически сохраняет позицию в долговременное хранилище
func (s *Session) persistLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Storage.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := s.predictor.State()
			if err := s.store.SavePosition(ctx, s.roomID, s.entityID, state.Position, state.Size); err != nil {
				logging.LogDebug("Автосохранение %s: %v", s.entityID, err)
			}
		}
	}
}

// ApplyAuthoritativeSnapshot сверяет локальное предсказание с авторитетным
// снимком собственной сущности
func (s *Session) ApplyAuthoritativeSnapshot(snap protocol.SnapshotMessage) reconcile.Result {
	res := s.engine.ApplySnapshot(snap)

	if res.Corrected {
		logging.LogCorrection(s.entityID, res.ErrorDistance, snapAck(snap), res.Replayed)
	}

	s.mu.RLock()
	cb := s.callbacks.OnCorrection
	s.mu.RUnlock()
	if cb != nil && res.Corrected {
		cb(res)
	}
	return res
}

func snapAck(snap protocol.SnapshotMessage) uint32 {
	if snap.AckSequence == nil {
		return 0
	}
	return *snap.AckSequence
}

// handleSnapshot маршрутизирует входящий снимок: собственная сущность
// идёт в сверку, удалённые — в проверку и буфер интерполяции
func (s *Session) handleSnapshot(senderID string, snap protocol.SnapshotMessage) {
	if snap.EntityID == s.entityID {
		// Собственный эхо-снимок не авторитетен: сверяемся только
		// со снимками, несущими подтверждённый ввод
		if senderID == s.entityID {
			return
		}
		s.ApplyAuthoritativeSnapshot(snap)
		return
	}

	s.mu.RLock()
	gate := s.gate
	s.mu.RUnlock()

	if gate != nil {
		res := gate.ValidateMovement(snap)
		if !res.Accepted {
			// Заявка отклонена: в буфер идёт исправленное значение
			if res.CorrectedPos != nil {
				snap.X, snap.Y = res.CorrectedPos.X, res.CorrectedPos.Y
			}
			if res.CorrectedSize != nil {
				snap.Size = *res.CorrectedSize
			}
		}
	}

	s.remotes.Observe(snap)
	s.touchRoster(snap.EntityID)
}

// handleInput учитывает частоту вводов удалённых участников
func (s *Session) handleInput(senderID string, input protocol.InputMessage) {
	if senderID == s.entityID {
		return
	}

	s.mu.RLock()
	gate := s.gate
	s.mu.RUnlock()
	if gate != nil {
		gate.RecordInput(senderID, input)
	}
	s.touchRoster(senderID)
}

// handleCollision применяет событие поглощения
func (s *Session) handleCollision(senderID string, msg protocol.CollisionMessage) {
	s.mu.RLock()
	gate := s.gate
	s.mu.RUnlock()

	newSize := msg.EliminatorNewSize
	if gate != nil {
		res := gate.ValidateCollision(msg)
		if !res.Accepted {
			logging.LogWarn("Поглощение %s -> %s отклонено: %s", msg.EliminatorID, msg.EliminatedID, res.Reason)
			return
		}
		newSize = res.ExpectedNewSize
	}

	if msg.EliminatedID == s.entityID {
		s.mu.Lock()
		s.alive = false
		cb := s.callbacks.OnEliminated
		s.mu.Unlock()

		s.predictor.DropAll()
		if cb != nil {
			cb(msg.EliminatedID, msg.EliminatorID)
		}
		return
	}

	// Жертва исчезает из рендера сразу, не доигрывая буфер
	s.remotes.Remove(msg.EliminatedID)
	s.dropRoster(msg.EliminatedID)

	if msg.EliminatorID != "" && msg.EliminatorID != s.entityID {
		pos := lastKnownPos(s.remotes, msg.EliminatorID)
		s.remotes.Observe(protocol.SnapshotMessage{
			EntityID:  msg.EliminatorID,
			X:         pos.X,
			Y:         pos.Y,
			Size:      newSize,
			Timestamp: msg.Timestamp,
			Alive:     true,
		})
	}

	if cb := s.eliminatedCallback(); cb != nil {
		cb(msg.EliminatedID, msg.EliminatorID)
	}
}

func (s *Session) eliminatedCallback() func(victimID, eliminatorID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callbacks.OnEliminated
}

// handleConsume применяет подбор еды удалённым участником
func (s *Session) handleConsume(senderID string, msg protocol.ConsumeMessage) {
	if msg.EntityID == s.entityID {
		return
	}

	s.mu.RLock()
	gate := s.gate
	s.mu.RUnlock()

	newSize := msg.NewSize
	if gate != nil {
		res := gate.ValidateConsume(msg)
		if !res.Accepted {
			newSize = res.ExpectedNewSize
		}
	}

	pos := lastKnownPos(s.remotes, msg.EntityID)
	s.remotes.Observe(protocol.SnapshotMessage{
		EntityID:  msg.EntityID,
		X:         pos.X,
		Y:         pos.Y,
		Size:      newSize,
		Timestamp: msg.Timestamp,
		Alive:     true,
	})
}

// handlePresence ведёт список участников комнаты
func (s *Session) handlePresence(msg protocol.PresenceMessage) {
	if msg.EntityID == s.entityID {
		return
	}

	switch msg.Action {
	case protocol.PresenceJoin:
		s.mu.Lock()
		if _, ok := s.roster[msg.EntityID]; !ok {
			s.roster[msg.EntityID] = &RosterEntry{
				EntityID: msg.EntityID,
				JoinedAt: time.Now(),
				LastSeen: time.Now(),
				Metadata: msg.Metadata,
			}
			logging.LogInfo("Участник %s вошёл в комнату %s", msg.EntityID, s.roomID)
		}
		s.mu.Unlock()
	case protocol.PresenceLeave:
		s.dropRoster(msg.EntityID)
		s.remotes.Remove(msg.EntityID)
		logging.LogInfo("Участник %s покинул комнату %s", msg.EntityID, s.roomID)
	case protocol.PresenceHeartbeat:
		s.touchRoster(msg.EntityID)
	}
}

func (s *Session) touchRoster(entityID string) {
	if entityID == s.entityID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.roster[entityID]
	if !ok {
		entry = &RosterEntry{EntityID: entityID, JoinedAt: time.Now()}
		s.roster[entityID] = entry
	}
	entry.LastSeen = time.Now()
}

func (s *Session) dropRoster(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roster, entityID)
}

// ObserveRoomRoster применяет членство комнаты, сообщённое внешним
// слоем комнат/лобби. Список авторитетен: новые участники добавляются,
// отсутствующие выбывают из списка и из буфера интерполяции.
func (s *Session) ObserveRoomRoster(entityIDs []string, metadata map[string]string) {
	now := time.Now()
	present := make(map[string]bool, len(entityIDs))

	s.mu.Lock()
	for _, id := range entityIDs {
		if id == s.entityID {
			continue
		}
		present[id] = true
		entry, ok := s.roster[id]
		if !ok {
			entry = &RosterEntry{EntityID: id, JoinedAt: now}
			s.roster[id] = entry
			logging.LogInfo("Участник %s вошёл в комнату %s", id, s.roomID)
		}
		entry.LastSeen = now
		entry.Metadata = metadata
	}

	var gone []string
	for id := range s.roster {
		if !present[id] {
			gone = append(gone, id)
			delete(s.roster, id)
		}
	}
	s.mu.Unlock()

	for _, id := range gone {
		s.remotes.Remove(id)
		logging.LogInfo("Участник %s покинул комнату %s", id, s.roomID)
	}
}

// RoomRoster возвращает известных участников комнаты
func (s *Session) RoomRoster() []RosterEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RosterEntry, 0, len(s.roster))
	for _, entry := range s.roster {
		out = append(out, *entry)
	}
	return out
}

// RenderableStates возвращает состояния для кадра рендера: собственную
// предсказанную сущность и интерполированные удалённые
func (s *Session) RenderableStates() []interp.RenderState {
	return s.RenderableStatesAt(time.Now())
}

// RenderableStatesAt вариант RenderableStates с явным временем
func (s *Session) RenderableStatesAt(now time.Time) []interp.RenderState {
	states := s.remotes.StatesAt(now)

	s.mu.RLock()
	alive := s.alive
	s.mu.RUnlock()

	local := s.predictor.State()
	states = append(states, interp.RenderState{
		EntityID: s.entityID,
		Position: local.Position,
		Size:     local.Size,
		Alive:    alive,
	})
	return states
}

// LocalState возвращает текущее предсказанное состояние собственной сущности
func (s *Session) LocalState() game.EntityState {
	return s.predictor.State()
}

// Alive сообщает, жива ли собственная сущность
func (s *Session) Alive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alive
}

// EntityID возвращает идентификатор владельца сессии
func (s *Session) EntityID() string { return s.entityID }

// RoomID возвращает комнату сессии
func (s *Session) RoomID() string { return s.roomID }

// Stats возвращает накопленную статистику сверки
func (s *Session) Stats() (snapshots, corrections uint64, avgError, maxError float64) {
	return s.engine.Stats()
}

// lastKnownPos возвращает последнюю наблюдавшуюся позицию сущности;
// ноль, если сущность ещё не наблюдалась
func lastKnownPos(b *interp.Buffer, entityID string) vec.Vec2 {
	if st, ok := b.EntityAt(entityID, time.Now()); ok {
		return st.Position
	}
	return vec.Vec2{}
}
