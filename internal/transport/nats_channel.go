package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
)

// NATSChannel реализует SyncChannel поверх широковещательного NATS.
// Каждая игровая комната получает собственный subject; порядок публикаций
// одного соединения NATS сохраняет, что и даёт FIFO в пределах отправителя.
type NATSChannel struct {
	mu      sync.RWMutex
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string

	onMessage    func(data []byte)
	onConnect    func()
	onDisconnect func(err error)

	stats ConnectionStats
}

// NewNATSChannel создаёт канал для комнаты roomID
func NewNATSChannel(roomID string) *NATSChannel {
	return &NATSChannel{
		subject: fmt.Sprintf("sync.room.%s", roomID),
	}
}

// Connect подключается к кластеру NATS и подписывается на subject комнаты
func (nc *NATSChannel) Connect(ctx context.Context, addr string) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.conn != nil {
		return fmt.Errorf("already connected")
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.LogChannelEvent("nats", "disconnected", fmt.Sprintf("%v", err))
			nc.mu.RLock()
			handler := nc.onDisconnect
			nc.mu.RUnlock()
			if handler != nil {
				handler(err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logging.LogChannelEvent("nats", "reconnected", nc.subject)
			nc.mu.RLock()
			handler := nc.onConnect
			nc.mu.RUnlock()
			if handler != nil {
				handler()
			}
		}),
	}

	conn, err := nats.Connect(addr, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	sub, err := conn.Subscribe(nc.subject, func(msg *nats.Msg) {
		nc.mu.Lock()
		nc.stats.PacketsReceived++
		nc.stats.BytesReceived += uint64(len(msg.Data))
		nc.stats.LastActivity = time.Now()
		handler := nc.onMessage
		nc.mu.Unlock()

		if handler != nil {
			handler(msg.Data)
		}
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("nats subscribe %s: %w", nc.subject, err)
	}

	nc.conn = conn
	nc.sub = sub
	nc.stats.Connected = true
	nc.stats.RemoteAddr = addr
	nc.stats.LastActivity = time.Now()

	logging.LogChannelEvent("nats", "connected", nc.subject)

	if nc.onConnect != nil {
		handler := nc.onConnect
		go handler()
	}
	return nil
}

// Send публикует сообщение в subject комнаты
func (nc *NATSChannel) Send(ctx context.Context, data []byte) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.conn == nil {
		return fmt.Errorf("not connected")
	}

	if err := nc.conn.Publish(nc.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	nc.stats.PacketsSent++
	nc.stats.BytesSent += uint64(len(data))
	nc.stats.LastActivity = time.Now()
	return nil
}

// Close отписывается и закрывает соединение
func (nc *NATSChannel) Close() error {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.conn == nil {
		return nil
	}

	if nc.sub != nil {
		nc.sub.Unsubscribe()
		nc.sub = nil
	}
	nc.conn.Drain()
	nc.conn = nil
	nc.stats.Connected = false

	logging.LogChannelEvent("nats", "closed", nc.subject)
	return nil
}

// IsConnected проверяет состояние соединения
func (nc *NATSChannel) IsConnected() bool {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.conn != nil && nc.conn.IsConnected()
}

// RemoteAddr возвращает адрес кластера
func (nc *NATSChannel) RemoteAddr() string {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.stats.RemoteAddr
}

// Stats возвращает статистику соединения
func (nc *NATSChannel) Stats() ConnectionStats {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.stats
}

// OnMessage устанавливает обработчик сообщений
func (nc *NATSChannel) OnMessage(handler func(data []byte)) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.onMessage = handler
}

// OnConnect устанавливает обработчик подключения
func (nc *NATSChannel) OnConnect(handler func()) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.onConnect = handler
}

// OnDisconnect устанавливает обработчик отключения
func (nc *NATSChannel) OnDisconnect(handler func(err error)) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.onDisconnect = handler
}
