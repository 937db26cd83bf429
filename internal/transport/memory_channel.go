package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryChannel внутрипроцессная реализация SyncChannel.
// Используется ботами и тестами: семантика та же, что у сетевых каналов,
// включая FIFO в пределах отправителя.
type MemoryChannel struct {
	mu   sync.RWMutex
	peer *MemoryChannel

	onMessage    func(data []byte)
	onConnect    func()
	onDisconnect func(err error)

	queue  chan []byte
	stopCh chan struct{}
	once   sync.Once

	stats ConnectionStats
}

// NewMemoryChannelPair создаёт две связанные конечные точки
func NewMemoryChannelPair() (*MemoryChannel, *MemoryChannel) {
	a := &MemoryChannel{queue: make(chan []byte, 1024), stopCh: make(chan struct{})}
	b := &MemoryChannel{queue: make(chan []byte, 1024), stopCh: make(chan struct{})}
	a.peer = b
	b.peer = a

	a.stats.Connected = true
	b.stats.Connected = true
	a.stats.RemoteAddr = "memory"
	b.stats.RemoteAddr = "memory"

	go a.dispatchLoop()
	go b.dispatchLoop()
	return a, b
}

// dispatchLoop доставляет сообщения последовательно, сохраняя порядок
func (mc *MemoryChannel) dispatchLoop() {
	for {
		select {
		case <-mc.stopCh:
			return
		case data := <-mc.queue:
			mc.mu.Lock()
			mc.stats.PacketsReceived++
			mc.stats.BytesReceived += uint64(len(data))
			mc.stats.LastActivity = time.Now()
			handler := mc.onMessage
			mc.mu.Unlock()

			if handler != nil {
				handler(data)
			}
		}
	}
}

// Connect для памяти является no-op: пара связана при создании
func (mc *MemoryChannel) Connect(ctx context.Context, addr string) error {
	mc.mu.Lock()
	onConnect := mc.onConnect
	mc.mu.Unlock()
	if onConnect != nil {
		go onConnect()
	}
	return nil
}

// Send доставляет сообщение в очередь партнёра
func (mc *MemoryChannel) Send(ctx context.Context, data []byte) error {
	mc.mu.RLock()
	peer := mc.peer
	connected := mc.stats.Connected
	mc.mu.RUnlock()

	if !connected || peer == nil {
		return fmt.Errorf("not connected")
	}

	select {
	case peer.queue <- data:
	case <-peer.stopCh:
		return fmt.Errorf("peer closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	mc.mu.Lock()
	mc.stats.PacketsSent++
	mc.stats.BytesSent += uint64(len(data))
	mc.stats.LastActivity = time.Now()
	mc.mu.Unlock()
	return nil
}

// Close разрывает пару с обеих сторон
func (mc *MemoryChannel) Close() error {
	mc.once.Do(func() {
		mc.mu.Lock()
		mc.stats.Connected = false
		handler := mc.onDisconnect
		mc.mu.Unlock()
		close(mc.stopCh)
		if handler != nil {
			handler(nil)
		}
	})
	return nil
}

// IsConnected проверяет состояние пары
func (mc *MemoryChannel) IsConnected() bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.stats.Connected
}

// RemoteAddr возвращает фиктивный адрес
func (mc *MemoryChannel) RemoteAddr() string { return "memory" }

// Stats возвращает статистику
func (mc *MemoryChannel) Stats() ConnectionStats {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.stats
}

// OnMessage устанавливает обработчик сообщений
func (mc *MemoryChannel) OnMessage(handler func(data []byte)) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.onMessage = handler
}

// OnConnect устанавливает обработчик подключения
func (mc *MemoryChannel) OnConnect(handler func()) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.onConnect = handler
}

// OnDisconnect устанавливает обработчик отключения
func (mc *MemoryChannel) OnDisconnect(handler func(err error)) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.onDisconnect = handler
}
