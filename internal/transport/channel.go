// Package transport отвечает за доставку типизированных сообщений
// синхронизации между клиентами и сервером. Это единственный компонент,
// знающий о транспортных деталях: именовании каналов по комнатам,
// heartbeat, переподключении и сжатии wire-представления.
package transport

import (
	"context"
	"time"
)

// ChannelKind определяет механизм доставки
type ChannelKind int

const (
	// KindNATS широковещательный канал поверх NATS (subject на комнату)
	KindNATS ChannelKind = iota
	// KindKCP постоянный сокет поверх надёжного UDP
	KindKCP
	// KindMemory внутрипроцессная пара каналов (тесты, боты)
	KindMemory
)

// ConnectionStats содержит статистику соединения
type ConnectionStats struct {
	RTT             time.Duration // Round-trip time (где измерим)
	PacketsSent     uint64        // Отправлено сообщений
	PacketsReceived uint64        // Получено сообщений
	BytesSent       uint64        // Отправлено байт
	BytesReceived   uint64        // Получено байт
	LastActivity    time.Time     // Последняя активность
	Connected       bool          // Статус соединения
	RemoteAddr      string        // Адрес удалённого узла
}

// SyncChannel представляет унифицированный интерфейс канала доставки.
// Гарантия: сообщения одного отправителя не переупорядочиваются внутри
// канала; переупорядочивание между отправителями допустимо и разрешается
// номерами последовательности выше по стеку.
type SyncChannel interface {
	// Connect устанавливает соединение с указанным адресом/кластером
	Connect(ctx context.Context, addr string) error
	// Send отправляет сериализованное сообщение
	Send(ctx context.Context, data []byte) error
	// Close закрывает канал и останавливает обработку
	Close() error

	IsConnected() bool
	RemoteAddr() string
	Stats() ConnectionStats

	// OnMessage задаёт обработчик входящих сообщений.
	// Обработчик вызывается последовательно: порядок в пределах
	// отправителя сохраняется.
	OnMessage(handler func(data []byte))
	// OnConnect вызывается при (пере)подключении
	OnConnect(handler func())
	// OnDisconnect вызывается при разрыве с причиной
	OnDisconnect(handler func(err error))
}
