package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
	"github.com/TokeNoMax/agardotfun-sub001/internal/protocol"
)

// Handlers получатели входящих типизированных сообщений.
// Обработка исчерпывающая по закрытому набору вариантов; сообщения
// неизвестного типа логируются и выбрасываются.
type Handlers struct {
	OnInput     func(senderID string, msg protocol.InputMessage)
	OnSnapshot  func(senderID string, msg protocol.SnapshotMessage)
	OnCollision func(senderID string, msg protocol.CollisionMessage)
	OnConsume   func(senderID string, msg protocol.ConsumeMessage)
	OnPresence  func(msg protocol.PresenceMessage)
	OnConnected func(reconnected bool)
	OnDropped   func(err error)
}

// Adapter транслирует типизированные сообщения в wire-представление и
// обратно, следит за жизненным циклом соединения и восстанавливает ту же
// логическую сессию после разрыва. Исходящие сообщения проходят через
// одну очередь, поэтому порядок отправителя не нарушается.
type Adapter struct {
	mu         sync.RWMutex
	cfg        config.TransportConfig
	serializer *protocol.MessageSerializer
	channel    SyncChannel

	entityID    string
	roomID      string
	addr        string
	resumeToken string

	handlers Handlers

	running       bool
	wasConnected  bool
	pendingRejoin bool
	stopCh        chan struct{}
	wg            sync.WaitGroup
	outQueue      chan outbound

	lastBroadcast time.Time
}

type outbound struct {
	msgType protocol.MsgType
	payload interface{}
}

// NewAdapter создаёт адаптер для участника entityID в комнате roomID
func NewAdapter(cfg config.TransportConfig, channel SyncChannel, entityID, roomID string) (*Adapter, error) {
	serializer, err := protocol.NewMessageSerializer(cfg.CompressThreshold)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		cfg:        cfg,
		serializer: serializer,
		channel:    channel,
		entityID:   entityID,
		roomID:     roomID,
		stopCh:     make(chan struct{}),
		outQueue:   make(chan outbound, 256),
	}, nil
}

// SetHandlers задаёт получателей входящих сообщений.
// Должен вызываться до Start.
func (a *Adapter) SetHandlers(h Handlers) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = h
}

// Start подключает канал и запускает циклы отправки и heartbeat
func (a *Adapter) Start(ctx context.Context, addr string) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("adapter already running")
	}
	a.running = true
	a.addr = addr
	a.mu.Unlock()

	a.channel.OnMessage(a.dispatch)
	a.channel.OnDisconnect(func(err error) {
		a.mu.Lock()
		a.pendingRejoin = true
		running := a.running
		dropped := a.handlers.OnDropped
		a.mu.Unlock()
		if dropped != nil {
			dropped(err)
		}
		if running {
			go a.reconnectLoop(ctx)
		}
	})
	// Каналы с собственным переподключением (NATS) сообщают о нём сюда;
	// для KCP то же событие приходит после redial в reconnectLoop
	a.channel.OnConnect(func() {
		a.rejoinAfterReconnect()
	})

	if err := a.channel.Connect(ctx, addr); err != nil {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return fmt.Errorf("transport connect: %w", err)
	}

	a.wg.Add(2)
	go a.sendLoop(ctx)
	go a.heartbeatLoop(ctx)

	a.announceJoin()
	a.notifyConnected()
	return nil
}

// Stop синхронно останавливает адаптер: уходящий участник объявляет
// о выходе, очереди не дофлашиваются, а отбрасываются
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.sendPresence(protocol.PresenceLeave)

	close(a.stopCh)
	err := a.channel.Close()
	a.wg.Wait()
	a.serializer.Close()
	return err
}

// SendInput отправляет сэмпл ввода
func (a *Adapter) SendInput(input protocol.InputMessage) error {
	return a.enqueue(protocol.MsgInput, input)
}

// SendSnapshot отправляет снимок позиции. Частота ограничена
// BroadcastRate: избыточные снимки молча отбрасываются — следующий
// всё равно их перекроет.
func (a *Adapter) SendSnapshot(snap protocol.SnapshotMessage) error {
	a.mu.Lock()
	now := time.Now()
	if now.Sub(a.lastBroadcast) < a.cfg.BroadcastRate {
		a.mu.Unlock()
		return nil
	}
	a.lastBroadcast = now
	a.mu.Unlock()

	return a.enqueue(protocol.MsgSnapshot, snap)
}

// SendCollision отправляет событие поглощения
func (a *Adapter) SendCollision(msg protocol.CollisionMessage) error {
	return a.enqueue(protocol.MsgCollision, msg)
}

// SendConsume отправляет событие подбора еды
func (a *Adapter) SendConsume(msg protocol.ConsumeMessage) error {
	return a.enqueue(protocol.MsgConsume, msg)
}

// SendPresenceFor объявляет presence-действие от имени другой сущности.
// Используется авторитетной стороной: например, выход участника по таймауту.
func (a *Adapter) SendPresenceFor(entityID string, action protocol.PresenceAction) error {
	return a.enqueue(protocol.MsgPresence, protocol.PresenceMessage{
		EntityID:  entityID,
		RoomID:    a.roomID,
		Action:    action,
		Timestamp: time.Now().UnixMilli(),
	})
}

// enqueue ставит сообщение в исходящую очередь
func (a *Adapter) enqueue(msgType protocol.MsgType, payload interface{}) error {
	a.mu.RLock()
	running := a.running
	a.mu.RUnlock()
	if !running {
		return fmt.Errorf("adapter stopped")
	}

	select {
	case a.outQueue <- outbound{msgType: msgType, payload: payload}:
		return nil
	default:
		// Очередь переполнена: старое не ретраим, новое важнее
		return fmt.Errorf("outbound queue full")
	}
}

// sendLoop сериализует и отправляет сообщения строго по одному
func (a *Adapter) sendLoop(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case out := <-a.outQueue:
			data, err := a.serializer.SerializeMessage(out.msgType, a.entityID, a.roomID, out.payload)
			if err != nil {
				logging.LogError("Сериализация %s: %v", out.msgType, err)
				continue
			}
			if err := a.channel.Send(ctx, data); err != nil {
				// Отправка не должна блокировать тики: ошибка логируется,
				// доставку восстановит переподключение
				logging.LogDebug("Отправка %s не удалась: %v", out.msgType, err)
			}
		}
	}
}

// heartbeatLoop поддерживает presence участника в комнате
func (a *Adapter) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.channel.IsConnected() {
				a.sendPresence(protocol.PresenceHeartbeat)
			}
		}
	}
}

// reconnectLoop восстанавливает соединение с экспоненциальной паузой
// и повторно входит в ту же комнату под тем же идентификатором
func (a *Adapter) reconnectLoop(ctx context.Context) {
	wait := a.cfg.ReconnectMin

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		a.mu.RLock()
		running := a.running
		addr := a.addr
		a.mu.RUnlock()
		if !running {
			return
		}

		// Канал мог восстановиться сам, пока цикл ждал паузу:
		// повторный вход в комнату всё равно обязателен
		if a.channel.IsConnected() {
			a.rejoinAfterReconnect()
			return
		}

		if err := a.channel.Connect(ctx, addr); err != nil {
			logging.LogWarn("Переподключение к %s не удалось: %v", addr, err)
			wait *= 2
			if wait > a.cfg.ReconnectMax {
				wait = a.cfg.ReconnectMax
			}
			continue
		}

		a.rejoinAfterReconnect()
		return
	}
}

// rejoinAfterReconnect повторно входит в ту же комнату под тем же
// идентификатором после разрыва. Идемпотентен: OnConnect канала и
// reconnectLoop могут сработать для одного переподключения оба.
func (a *Adapter) rejoinAfterReconnect() {
	a.mu.Lock()
	if !a.running || !a.pendingRejoin {
		a.mu.Unlock()
		return
	}
	a.pendingRejoin = false
	a.mu.Unlock()

	a.announceJoin()
	a.notifyConnected()
}

// announceJoin объявляет участие в комнате; токен возобновления позволяет
// серверу привязать новое соединение к прежней сессии
func (a *Adapter) announceJoin() {
	meta := map[string]string{}
	a.mu.RLock()
	if a.resumeToken != "" {
		meta["resume_token"] = a.resumeToken
	}
	a.mu.RUnlock()

	presence := protocol.PresenceMessage{
		EntityID:  a.entityID,
		RoomID:    a.roomID,
		Action:    protocol.PresenceJoin,
		Timestamp: time.Now().UnixMilli(),
		Metadata:  meta,
	}
	if err := a.enqueue(protocol.MsgPresence, presence); err != nil {
		logging.LogWarn("Presence join не отправлен: %v", err)
	}
}

// sendPresence отправляет presence-сообщение указанного действия
func (a *Adapter) sendPresence(action protocol.PresenceAction) {
	presence := protocol.PresenceMessage{
		EntityID:  a.entityID,
		RoomID:    a.roomID,
		Action:    action,
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := a.serializer.SerializeMessage(protocol.MsgPresence, a.entityID, a.roomID, presence)
	if err != nil {
		return
	}
	// Синхронная отправка мимо очереди: Stop закрывает её сразу после
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = a.channel.Send(ctx, data)
}

// notifyConnected сообщает подписчику о (пере)подключении
func (a *Adapter) notifyConnected() {
	a.mu.Lock()
	reconnected := a.wasConnected
	a.wasConnected = true
	handler := a.handlers.OnConnected
	a.mu.Unlock()

	if handler != nil {
		handler(reconnected)
	}
}

// dispatch разбирает входящее wire-сообщение и маршрутизирует его
// получателю по типу
func (a *Adapter) dispatch(data []byte) {
	msg, err := a.serializer.DeserializeMessage(data)
	if err != nil {
		logging.LogWarn("Некорректное wire-сообщение: %v", err)
		return
	}

	a.mu.RLock()
	h := a.handlers
	a.mu.RUnlock()

	switch msg.Type {
	case protocol.MsgInput:
		var input protocol.InputMessage
		if err := a.serializer.DeserializePayload(msg, &input); err == nil && h.OnInput != nil {
			h.OnInput(msg.SenderID, input)
		}
	case protocol.MsgSnapshot:
		var snap protocol.SnapshotMessage
		if err := a.serializer.DeserializePayload(msg, &snap); err == nil && h.OnSnapshot != nil {
			h.OnSnapshot(msg.SenderID, snap)
		}
	case protocol.MsgCollision:
		var collision protocol.CollisionMessage
		if err := a.serializer.DeserializePayload(msg, &collision); err == nil && h.OnCollision != nil {
			h.OnCollision(msg.SenderID, collision)
		}
	case protocol.MsgConsume:
		var consume protocol.ConsumeMessage
		if err := a.serializer.DeserializePayload(msg, &consume); err == nil && h.OnConsume != nil {
			h.OnConsume(msg.SenderID, consume)
		}
	case protocol.MsgPresence:
		var presence protocol.PresenceMessage
		if err := a.serializer.DeserializePayload(msg, &presence); err == nil {
			// Ответный join от авторитетной стороны несёт токен
			// возобновления для владельца
			if presence.EntityID == a.entityID && presence.Action == protocol.PresenceJoin {
				if token, ok := presence.Metadata["resume_token"]; ok {
					a.SetResumeToken(token)
				}
			}
			if h.OnPresence != nil {
				h.OnPresence(presence)
			}
		}
	case protocol.MsgPing, protocol.MsgPong, protocol.MsgError:
		// Служебные сообщения канала, компонентам не адресованы
	default:
		logging.LogDebug("Сообщение неизвестного типа %d от %s", msg.Type, msg.SenderID)
	}
}

// SetResumeToken сохраняет токен возобновления, полученный от сервера
func (a *Adapter) SetResumeToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resumeToken = token
}

// ResumeToken возвращает текущий токен возобновления (пустая строка,
// если сервер его ещё не выдал)
func (a *Adapter) ResumeToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.resumeToken
}

// EntityID возвращает идентификатор владельца адаптера
func (a *Adapter) EntityID() string { return a.entityID }

// RoomID возвращает комнату адаптера
func (a *Adapter) RoomID() string { return a.roomID }

// Stats возвращает статистику нижележащего канала
func (a *Adapter) Stats() ConnectionStats {
	return a.channel.Stats()
}
