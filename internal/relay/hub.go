// Package relay реализует авторитетную сторону синхронизации: принимает
// подключения участников, шагает кинематику по их вводам, подтверждает
// обработанные вводы номером и рассылает авторитетные снимки комнаты.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/eventbus"
	"github.com/TokeNoMax/agardotfun-sub001/internal/game"
	"github.com/TokeNoMax/agardotfun-sub001/internal/kinematics"
	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
	"github.com/TokeNoMax/agardotfun-sub001/internal/protocol"
	"github.com/TokeNoMax/agardotfun-sub001/internal/storage"
	"github.com/TokeNoMax/agardotfun-sub001/internal/transport"
	"github.com/TokeNoMax/agardotfun-sub001/internal/validator"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

// member подключённый участник комнаты
type member struct {
	entityID string
	roomID   string
	channel  transport.SyncChannel

	state   game.EntityState
	intent  vec.Vec2
	boost   bool
	lastSeq uint32

	lastActivity time.Time
}

// Hub ведёт комнаты и их участников. Вводы шагаются тиком рассылки,
// заявки позиций проверяются валидатором и не принимаются на веру.
type Hub struct {
	mu         sync.RWMutex
	cfg        *config.Config
	model      *kinematics.Model
	bounds     kinematics.Bounds
	serializer *protocol.MessageSerializer
	gate       *validator.Validator
	repo       storage.PositionRepo // nil — без сохранения
	bus        eventbus.EventBus    // nil — без событий

	listener *transport.KCPListener
	rooms    map[string]map[string]*member

	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	lastTick time.Time
}

// NewHub создаёт хаб комнат
func NewHub(cfg *config.Config, gate *validator.Validator) (*Hub, error) {
	serializer, err := protocol.NewMessageSerializer(cfg.Transport.CompressThreshold)
	if err != nil {
		return nil, err
	}

	return &Hub{
		cfg:        cfg,
		model:      kinematics.NewModel(cfg.Kinematics),
		bounds:     kinematics.Bounds{Width: cfg.World.Width, Height: cfg.World.Height},
		serializer: serializer,
		gate:       gate,
		rooms:      make(map[string]map[string]*member),
		stopCh:     make(chan struct{}),
	}, nil
}

// SetRepo подключает долговременное хранилище позиций
func (h *Hub) SetRepo(repo storage.PositionRepo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.repo = repo
}

// SetEventBus подключает шину событий
func (h *Hub) SetEventBus(bus eventbus.EventBus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bus = bus
}

// Start слушает KCP-адрес и запускает циклы хаба
func (h *Hub) Start(ctx context.Context, addr string) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("hub already running")
	}
	h.running = true
	h.lastTick = time.Now()
	h.mu.Unlock()

	if addr != "" {
		listener, err := transport.ListenKCP(addr)
		if err != nil {
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return fmt.Errorf("kcp listen: %w", err)
		}
		h.listener = listener

		h.wg.Add(1)
		go h.acceptLoop(ctx)
	}

	h.wg.Add(1)
	go h.tickLoop(ctx)

	if h.repo != nil {
		h.wg.Add(1)
		go h.persistLoop(ctx)
	}

	logging.LogInfo("Хаб синхронизации запущен (kcp=%s)", addr)
	return nil
}

// Stop синхронно останавливает хаб и закрывает все каналы
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopCh)
	if h.listener != nil {
		_ = h.listener.Close()
	}
	h.wg.Wait()

	h.mu.Lock()
	for _, room := range h.rooms {
		for _, m := range room {
			_ = m.channel.Close()
		}
	}
	h.rooms = make(map[string]map[string]*member)
	h.mu.Unlock()

	h.serializer.Close()
	logging.LogInfo("Хаб синхронизации остановлен")
	return nil
}

// acceptLoop принимает входящие KCP-подключения
func (h *Hub) acceptLoop(ctx context.Context) {
	defer h.wg.Done()

	for {
		channel, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.stopCh:
				return
			default:
				logging.LogWarn("Accept: %v", err)
				continue
			}
		}
		h.AttachChannel(ctx, channel)
	}
}

// AttachChannel подключает установленный канал к хабу. Участник
// становится членом комнаты после первого PresenceJoin.
func (h *Hub) AttachChannel(ctx context.Context, channel transport.SyncChannel) {
	channel.OnMessage(func(data []byte) {
		h.handleRaw(ctx, channel, data)
	})
	channel.OnDisconnect(func(err error) {
		h.detachChannel(ctx, channel)
	})
}

// detachChannel убирает участника, чей канал разорвался
func (h *Hub) detachChannel(ctx context.Context, channel transport.SyncChannel) {
	h.mu.Lock()
	var dropped *member
	for _, room := range h.rooms {
		for id, m := range room {
			if m.channel == channel {
				dropped = m
				delete(room, id)
				break
			}
		}
	}
	h.mu.Unlock()

	if dropped == nil {
		return
	}

	logging.LogInfo("Участник %s отключился от комнаты %s", dropped.entityID, dropped.roomID)
	h.savePosition(ctx, dropped)
	h.broadcastPresence(ctx, dropped.roomID, dropped.entityID, protocol.PresenceLeave)
}

// handleRaw разбирает и маршрутизирует входящее сообщение канала
func (h *Hub) handleRaw(ctx context.Context, channel transport.SyncChannel, data []byte) {
	msg, err := h.serializer.DeserializeMessage(data)
	if err != nil {
		logging.LogWarn("Некорректное сообщение: %v", err)
		return
	}

	switch msg.Type {
	case protocol.MsgPresence:
		var presence protocol.PresenceMessage
		if err := h.serializer.DeserializePayload(msg, &presence); err == nil {
			h.handlePresence(ctx, channel, presence)
		}
	case protocol.MsgInput:
		var input protocol.InputMessage
		if err := h.serializer.DeserializePayload(msg, &input); err == nil {
			h.handleInput(msg.SenderID, msg.RoomID, input)
		}
	case protocol.MsgSnapshot:
		var snap protocol.SnapshotMessage
		if err := h.serializer.DeserializePayload(msg, &snap); err == nil {
			h.handleClaim(msg.RoomID, snap)
		}
	case protocol.MsgCollision:
		var collision protocol.CollisionMessage
		if err := h.serializer.DeserializePayload(msg, &collision); err == nil {
			h.handleCollision(ctx, msg.RoomID, collision)
		}
	case protocol.MsgConsume:
		var consume protocol.ConsumeMessage
		if err := h.serializer.DeserializePayload(msg, &consume); err == nil {
			h.handleConsume(ctx, msg.RoomID, consume)
		}
	}
}

// handlePresence обрабатывает вход/выход/heartbeat участника
func (h *Hub) handlePresence(ctx context.Context, channel transport.SyncChannel, msg protocol.PresenceMessage) {
	switch msg.Action {
	case protocol.PresenceJoin:
		h.handleJoin(ctx, channel, msg)
	case protocol.PresenceLeave:
		h.mu.Lock()
		var left *member
		if room, ok := h.rooms[msg.RoomID]; ok {
			if m, ok := room[msg.EntityID]; ok {
				left = m
				delete(room, msg.EntityID)
			}
		}
		h.mu.Unlock()

		if left != nil {
			h.savePosition(ctx, left)
			h.broadcastPresence(ctx, msg.RoomID, msg.EntityID, protocol.PresenceLeave)
		}
	case protocol.PresenceHeartbeat:
		h.mu.Lock()
		if room, ok := h.rooms[msg.RoomID]; ok {
			if m, ok := room[msg.EntityID]; ok {
				m.lastActivity = time.Now()
			}
		}
		h.mu.Unlock()
	}
}

// handleJoin регистрирует участника в комнате. Действительный токен
// возобновления привязывает новое подключение к прежней сессии;
// недействительный лишает права на продолжение — вход как новый
// участник со спавном в центре мира.
func (h *Hub) handleJoin(ctx context.Context, channel transport.SyncChannel, msg protocol.PresenceMessage) {
	spawn := vec.Vec2{X: h.bounds.Width / 2, Y: h.bounds.Height / 2}
	size := h.cfg.Kinematics.BaseSize

	resumed := false
	rejected := false
	if token, ok := msg.Metadata["resume_token"]; ok && h.cfg.Transport.TokenSecret != "" {
		claims, err := transport.ParseResumeToken([]byte(h.cfg.Transport.TokenSecret), token)
		if err != nil || claims.EntityID != msg.EntityID || claims.RoomID != msg.RoomID {
			rejected = true
			logging.LogWarn("Недействительный токен возобновления от %s: продолжение сессии отклонено", msg.EntityID)
		} else {
			resumed = true
		}
	}

	// Живая сессия ещё в комнате: действительный токен переключает её
	// на новое соединение, состояние не сбрасывается
	if resumed {
		h.mu.Lock()
		if room, ok := h.rooms[msg.RoomID]; ok {
			if m, ok := room[msg.EntityID]; ok {
				m.channel = channel
				m.lastActivity = time.Now()
				h.mu.Unlock()

				logging.LogInfo("Участник %s возобновил сессию в комнате %s", msg.EntityID, msg.RoomID)
				h.answerJoin(ctx, m)
				if h.bus != nil {
					_ = h.bus.Publish(ctx, eventbus.NewPresenceEvent(msg))
				}
				return
			}
		}
		h.mu.Unlock()
	}

	if h.repo != nil && !rejected {
		if rec, found, err := h.repo.Load(ctx, msg.RoomID, msg.EntityID); err == nil && found {
			spawn = rec.Position
			size = rec.Size
		}
	}

	m := &member{
		entityID:     msg.EntityID,
		roomID:       msg.RoomID,
		channel:      channel,
		state:        *game.NewEntity(msg.EntityID, spawn, size),
		lastActivity: time.Now(),
	}

	h.mu.Lock()
	room, ok := h.rooms[msg.RoomID]
	if !ok {
		room = make(map[string]*member)
		h.rooms[msg.RoomID] = room
	}
	room[msg.EntityID] = m
	h.mu.Unlock()

	logging.LogInfo("Участник %s вошёл в комнату %s (spawn=%.0f,%.0f size=%.0f)",
		msg.EntityID, msg.RoomID, spawn.X, spawn.Y, size)

	h.answerJoin(ctx, m)
	h.broadcastPresence(ctx, msg.RoomID, msg.EntityID, protocol.PresenceJoin)

	if h.bus != nil {
		_ = h.bus.Publish(ctx, eventbus.NewPresenceEvent(msg))
	}
}

// answerJoin отвечает владельцу join-сообщением со свежим токеном
// возобновления
func (h *Hub) answerJoin(ctx context.Context, m *member) {
	meta := map[string]string{}
	if h.cfg.Transport.TokenSecret != "" {
		token, err := transport.IssueResumeToken(
			[]byte(h.cfg.Transport.TokenSecret), m.entityID, m.roomID, h.cfg.Transport.TokenTTL)
		if err == nil {
			meta["resume_token"] = token
		}
	}
	h.sendTo(ctx, m, protocol.MsgPresence, protocol.PresenceMessage{
		EntityID:  m.entityID,
		RoomID:    m.roomID,
		Action:    protocol.PresenceJoin,
		Timestamp: time.Now().UnixMilli(),
		Metadata:  meta,
	})
}

// handleInput принимает сэмпл ввода участника
func (h *Hub) handleInput(entityID, roomID string, input protocol.InputMessage) {
	if rate := h.gate.RecordInput(entityID, input); !rate.Accepted {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	m, ok := room[entityID]
	if !ok {
		return
	}

	// Вводы применяются тиком; здесь запоминается последнее намерение
	if input.Sequence > m.lastSeq {
		m.lastSeq = input.Sequence
		m.intent = vec.Vec2{X: input.MoveX, Y: input.MoveY}.ClampLength(1)
		m.boost = input.Boost
	}
	m.lastActivity = time.Now()
}

// handleClaim проверяет заявленный снимок участника. Авторитетным
// состояние хаба остаётся в любом случае: заявка питает только
// анти-чит статистику отправителя.
func (h *Hub) handleClaim(roomID string, snap protocol.SnapshotMessage) {
	h.gate.ValidateMovement(snap)
}

// handleCollision проверяет и применяет заявленное поглощение
func (h *Hub) handleCollision(ctx context.Context, roomID string, msg protocol.CollisionMessage) {
	res := h.gate.ValidateCollision(msg)
	if !res.Accepted {
		logging.LogWarn("Поглощение %s -> %s отклонено: %s", msg.EliminatorID, msg.EliminatedID, res.Reason)
		return
	}

	h.mu.Lock()
	room, ok := h.rooms[roomID]
	if ok {
		if victim, ok := room[msg.EliminatedID]; ok {
			victim.state.Alive = false
		}
		if killer, ok := room[msg.EliminatorID]; ok {
			killer.state.Size = res.ExpectedNewSize
		}
	}
	h.mu.Unlock()

	msg.EliminatorNewSize = res.ExpectedNewSize
	h.broadcast(ctx, roomID, protocol.MsgCollision, msg)

	if h.bus != nil {
		_ = h.bus.Publish(ctx, eventbus.NewEliminationEvent(roomID, msg))
	}
}

// handleConsume проверяет и применяет подбор еды
func (h *Hub) handleConsume(ctx context.Context, roomID string, msg protocol.ConsumeMessage) {
	res := h.gate.ValidateConsume(msg)
	if !res.Accepted {
		return
	}

	h.mu.Lock()
	if room, ok := h.rooms[roomID]; ok {
		if m, ok := room[msg.EntityID]; ok {
			m.state.Size = res.ExpectedNewSize
		}
	}
	h.mu.Unlock()

	msg.NewSize = res.ExpectedNewSize
	h.broadcast(ctx, roomID, protocol.MsgConsume, msg)
}

// tickLoop шагает кинематику и рассылает авторитетные снимки
func (h *Hub) tickLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Transport.BroadcastRate)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.tick(ctx, now)
		}
	}
}

// tick выполняет один авторитетный шаг всех комнат
func (h *Hub) tick(ctx context.Context, now time.Time) {
	h.mu.Lock()
	dt := now.Sub(h.lastTick).Seconds()
	h.lastTick = now

	// Участники без вводов и heartbeat считаются ушедшими
	deadline := now.Add(-3 * h.cfg.Transport.HeartbeatInterval)
	var timedOut []*member
	for _, room := range h.rooms {
		for id, m := range room {
			if m.lastActivity.Before(deadline) {
				timedOut = append(timedOut, m)
				delete(room, id)
			}
		}
	}

	type outSnap struct {
		m    *member
		snap protocol.SnapshotMessage
	}
	var snaps []outSnap

	for _, room := range h.rooms {
		for _, m := range room {
			if m.state.Alive {
				m.state.Position, m.state.Velocity = h.model.Step(
					m.state.Position, m.state.Velocity, m.intent, m.state.Size, m.boost, dt, h.bounds)
			}
			m.state.UpdatedAt = now

			vx, vy := m.state.Velocity.X, m.state.Velocity.Y
			snaps = append(snaps, outSnap{m: m, snap: protocol.SnapshotMessage{
				EntityID:  m.entityID,
				X:         m.state.Position.X,
				Y:         m.state.Position.Y,
				Size:      m.state.Size,
				VelocityX: &vx,
				VelocityY: &vy,
				Timestamp: now.UnixMilli(),
				Alive:     m.state.Alive,
			}})
		}
	}
	h.mu.Unlock()

	for _, m := range timedOut {
		logging.LogInfo("Участник %s выведен из комнаты %s по неактивности", m.entityID, m.roomID)
		h.savePosition(ctx, m)
		_ = m.channel.Close()
		h.broadcastPresence(ctx, m.roomID, m.entityID, protocol.PresenceLeave)
	}

	// Подтверждение ввода несёт только снимок собственной сущности
	for _, out := range snaps {
		h.mu.RLock()
		room := h.rooms[out.m.roomID]
		targets := make([]*member, 0, len(room))
		for _, target := range room {
			targets = append(targets, target)
		}
		h.mu.RUnlock()

		for _, target := range targets {
			snap := out.snap
			if target == out.m {
				ack := out.m.lastSeq
				snap.AckSequence = &ack
			}
			h.sendTo(ctx, target, protocol.MsgSnapshot, snap)
		}
	}
}

// persistLoop периодически сохраняет позиции всех участников
func (h *Hub) persistLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Storage.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			var records []storage.PositionRecord
			for roomID, room := range h.rooms {
				for _, m := range room {
					records = append(records, storage.PositionRecord{
						RoomID:   roomID,
						EntityID: m.entityID,
						Position: m.state.Position,
						Size:     m.state.Size,
					})
				}
			}
			h.mu.RUnlock()

			if len(records) == 0 {
				continue
			}
			if err := h.repo.BatchSave(ctx, records); err != nil {
				logging.LogWarn("Автосохранение позиций: %v", err)
			}
		}
	}
}

// savePosition сохраняет позицию одного участника
func (h *Hub) savePosition(ctx context.Context, m *member) {
	h.mu.RLock()
	repo := h.repo
	h.mu.RUnlock()
	if repo == nil {
		return
	}
	if err := repo.SavePosition(ctx, m.roomID, m.entityID, m.state.Position, m.state.Size); err != nil {
		logging.LogWarn("Сохранение позиции %s/%s: %v", m.roomID, m.entityID, err)
	}
}

// broadcastPresence рассылает presence-событие всем участникам комнаты
func (h *Hub) broadcastPresence(ctx context.Context, roomID, entityID string, action protocol.PresenceAction) {
	h.broadcast(ctx, roomID, protocol.MsgPresence, protocol.PresenceMessage{
		EntityID:  entityID,
		RoomID:    roomID,
		Action:    action,
		Timestamp: time.Now().UnixMilli(),
	})
}

// broadcast рассылает сообщение всем участникам комнаты
func (h *Hub) broadcast(ctx context.Context, roomID string, msgType protocol.MsgType, payload interface{}) {
	h.mu.RLock()
	room := h.rooms[roomID]
	targets := make([]*member, 0, len(room))
	for _, m := range room {
		targets = append(targets, m)
	}
	h.mu.RUnlock()

	for _, m := range targets {
		h.sendTo(ctx, m, msgType, payload)
	}
}

// sendTo сериализует и отправляет сообщение одному участнику
func (h *Hub) sendTo(ctx context.Context, m *member, msgType protocol.MsgType, payload interface{}) {
	data, err := h.serializer.SerializeMessage(msgType, "hub", m.roomID, payload)
	if err != nil {
		logging.LogError("Сериализация %s: %v", msgType, err)
		return
	}
	if err := m.channel.Send(ctx, data); err != nil {
		logging.LogDebug("Отправка %s участнику %s: %v", msgType, m.entityID, err)
	}
}

// RoomSize возвращает число участников комнаты
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// MemberState возвращает авторитетное состояние участника
func (h *Hub) MemberState(roomID, entityID string) (game.EntityState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if room, ok := h.rooms[roomID]; ok {
		if m, ok := room[entityID]; ok {
			return m.state, true
		}
	}
	return game.EntityState{}, false
}
