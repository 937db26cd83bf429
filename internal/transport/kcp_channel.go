package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
)

// maxFrameSize предохранитель от повреждённого префикса длины
const maxFrameSize = 1 << 20

// KCPChannel реализует SyncChannel поверх постоянного KCP-сокета.
// Сообщения кадрируются 4-байтовым префиксом длины; KCP сохраняет
// порядок доставки внутри сессии.
type KCPChannel struct {
	mu   sync.RWMutex
	conn *kcp.UDPSession

	onMessage    func(data []byte)
	onConnect    func()
	onDisconnect func(err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sendBuffer chan []byte
	stats      ConnectionStats
}

// NewKCPChannel создаёт неподключённый KCP канал
func NewKCPChannel() *KCPChannel {
	return &KCPChannel{
		sendBuffer: make(chan []byte, 256),
	}
}

// NewKCPChannelFromConn оборачивает принятую серверную сессию
func NewKCPChannelFromConn(conn *kcp.UDPSession) *KCPChannel {
	kc := NewKCPChannel()
	kc.attach(conn)
	return kc
}

// Connect устанавливает соединение с сервером
func (kc *KCPChannel) Connect(ctx context.Context, addr string) error {
	kc.mu.Lock()
	if kc.conn != nil {
		kc.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	kc.mu.Unlock()

	conn, err := kcp.DialWithOptions(addr, nil, 10, 3)
	if err != nil {
		return fmt.Errorf("kcp dial %s: %w", addr, err)
	}

	kc.attach(conn)
	logging.LogChannelEvent("kcp", "connected", addr)
	return nil
}

// attach настраивает сессию под игровой трафик и запускает циклы
func (kc *KCPChannel) attach(conn *kcp.UDPSession) {
	// Агрессивные настройки для низкой задержки
	conn.SetStreamMode(true)
	conn.SetWriteDelay(false)
	conn.SetNoDelay(1, 20, 2, 1)
	conn.SetWindowSize(512, 512)
	conn.SetMtu(1400)

	kc.mu.Lock()
	kc.conn = conn
	kc.ctx, kc.cancel = context.WithCancel(context.Background())
	kc.stats.Connected = true
	kc.stats.RemoteAddr = conn.RemoteAddr().String()
	kc.stats.LastActivity = time.Now()
	onConnect := kc.onConnect
	kc.mu.Unlock()

	kc.wg.Add(2)
	go kc.sendLoop()
	go kc.receiveLoop()

	if onConnect != nil {
		go onConnect()
	}
}

// Send ставит сообщение в очередь отправки; очередь одна, порядок
// отправителя сохраняется
func (kc *KCPChannel) Send(ctx context.Context, data []byte) error {
	kc.mu.RLock()
	connected := kc.conn != nil && kc.stats.Connected
	channelCtx := kc.ctx
	kc.mu.RUnlock()

	if !connected {
		return fmt.Errorf("not connected")
	}

	select {
	case kc.sendBuffer <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-channelCtx.Done():
		return fmt.Errorf("channel closed")
	}
}

// sendLoop пишет кадры в сокет
func (kc *KCPChannel) sendLoop() {
	defer kc.wg.Done()

	header := make([]byte, 4)
	for {
		select {
		case <-kc.ctx.Done():
			return
		case data := <-kc.sendBuffer:
			binary.BigEndian.PutUint32(header, uint32(len(data)))

			kc.mu.Lock()
			conn := kc.conn
			kc.mu.Unlock()
			if conn == nil {
				return
			}

			if _, err := conn.Write(header); err != nil {
				kc.fail(err)
				return
			}
			if _, err := conn.Write(data); err != nil {
				kc.fail(err)
				return
			}

			kc.mu.Lock()
			kc.stats.PacketsSent++
			kc.stats.BytesSent += uint64(len(data) + 4)
			kc.stats.LastActivity = time.Now()
			kc.mu.Unlock()
		}
	}
}

// receiveLoop читает кадры из сокета и передаёт обработчику
func (kc *KCPChannel) receiveLoop() {
	defer kc.wg.Done()

	header := make([]byte, 4)
	for {
		select {
		case <-kc.ctx.Done():
			return
		default:
		}

		kc.mu.RLock()
		conn := kc.conn
		kc.mu.RUnlock()
		if conn == nil {
			return
		}

		if _, err := io.ReadFull(conn, header); err != nil {
			kc.fail(err)
			return
		}

		length := binary.BigEndian.Uint32(header)
		if length == 0 || length > maxFrameSize {
			kc.fail(fmt.Errorf("некорректная длина кадра: %d", length))
			return
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(conn, data); err != nil {
			kc.fail(err)
			return
		}

		kc.mu.Lock()
		kc.stats.PacketsReceived++
		kc.stats.BytesReceived += uint64(length + 4)
		kc.stats.LastActivity = time.Now()
		handler := kc.onMessage
		kc.mu.Unlock()

		if handler != nil {
			handler(data)
		}
	}
}

// fail фиксирует разрыв соединения и уведомляет подписчика.
// Сокет закрывается и отвязывается, чтобы Connect мог переподключиться.
func (kc *KCPChannel) fail(err error) {
	kc.mu.Lock()
	if !kc.stats.Connected {
		kc.mu.Unlock()
		return
	}
	kc.stats.Connected = false
	conn := kc.conn
	kc.conn = nil
	if kc.cancel != nil {
		kc.cancel()
	}
	handler := kc.onDisconnect
	kc.mu.Unlock()

	if conn != nil {
		// Закрытие будит второй цикл, заблокированный на чтении/записи
		_ = conn.Close()
	}

	logging.LogChannelEvent("kcp", "disconnected", fmt.Sprintf("%v", err))
	if handler != nil {
		handler(err)
	}
}

// Close закрывает канал и дожидается завершения циклов
func (kc *KCPChannel) Close() error {
	kc.mu.Lock()
	conn := kc.conn
	kc.conn = nil
	kc.stats.Connected = false
	if kc.cancel != nil {
		kc.cancel()
	}
	kc.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	kc.wg.Wait()

	logging.LogChannelEvent("kcp", "closed", "")
	return err
}

// IsConnected проверяет состояние соединения
func (kc *KCPChannel) IsConnected() bool {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.conn != nil && kc.stats.Connected
}

// RemoteAddr возвращает адрес удалённого узла
func (kc *KCPChannel) RemoteAddr() string {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.stats.RemoteAddr
}

// Stats возвращает статистику соединения
func (kc *KCPChannel) Stats() ConnectionStats {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.stats
}

// OnMessage устанавливает обработчик сообщений
func (kc *KCPChannel) OnMessage(handler func(data []byte)) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	kc.onMessage = handler
}

// OnConnect устанавливает обработчик подключения
func (kc *KCPChannel) OnConnect(handler func()) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	kc.onConnect = handler
}

// OnDisconnect устанавливает обработчик отключения
func (kc *KCPChannel) OnDisconnect(handler func(err error)) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	kc.onDisconnect = handler
}

// KCPListener принимает входящие KCP-сессии на серверной стороне
type KCPListener struct {
	listener *kcp.Listener
}

// ListenKCP начинает слушать указанный адрес
func ListenKCP(addr string) (*KCPListener, error) {
	listener, err := kcp.ListenWithOptions(addr, nil, 10, 3)
	if err != nil {
		return nil, fmt.Errorf("kcp listen %s: %w", addr, err)
	}
	logging.LogChannelEvent("kcp", "listening", addr)
	return &KCPListener{listener: listener}, nil
}

// Accept блокируется до следующей входящей сессии
func (l *KCPListener) Accept() (*KCPChannel, error) {
	conn, err := l.listener.AcceptKCP()
	if err != nil {
		return nil, fmt.Errorf("kcp accept: %w", err)
	}
	return NewKCPChannelFromConn(conn), nil
}

// Addr возвращает фактический адрес прослушивания
func (l *KCPListener) Addr() string {
	return l.listener.Addr().String()
}

// Close останавливает прослушивание
func (l *KCPListener) Close() error {
	return l.listener.Close()
}
