// Package protocol определяет типизированные сообщения синхронизации
// и их компактное wire-представление. Набор вариантов закрыт: Input,
// Snapshot, Collision, Presence — обработка исчерпывающая, без
// динамического пробинга типов.
package protocol

// MsgType определяет тип сообщения в системе
type MsgType int32

const (
	MsgUnknown MsgType = 0
	MsgPing    MsgType = 1
	MsgPong    MsgType = 2
	MsgError   MsgType = 3

	// Синхронизация состояния
	MsgInput     MsgType = 10
	MsgSnapshot  MsgType = 11
	MsgCollision MsgType = 12
	MsgConsume   MsgType = 13

	// Присутствие в комнате
	MsgPresence MsgType = 20
)

// String возвращает строковое представление типа сообщения
func (t MsgType) String() string {
	switch t {
	case MsgPing:
		return "Ping"
	case MsgPong:
		return "Pong"
	case MsgError:
		return "Error"
	case MsgInput:
		return "Input"
	case MsgSnapshot:
		return "Snapshot"
	case MsgCollision:
		return "Collision"
	case MsgConsume:
		return "Consume"
	case MsgPresence:
		return "Presence"
	default:
		return "Unknown"
	}
}

// InputMessage представляет один сэмпл ввода игрока.
// Sequence строго возрастает в пределах отправителя.
type InputMessage struct {
	Sequence  uint32  `json:"seq"`
	Timestamp int64   `json:"ts"` // Миллисекунды epoch по часам отправителя
	MoveX     float64 `json:"mx"` // Компоненты намерения в [-1, 1]
	MoveY     float64 `json:"my"`
	Boost     bool    `json:"boost,omitempty"`
}

// SnapshotMessage представляет авторитетный или наблюдаемый снимок
// состояния одной сущности.
type SnapshotMessage struct {
	EntityID  string   `json:"id"`
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Size      float64  `json:"size"`
	VelocityX *float64 `json:"vx,omitempty"`
	VelocityY *float64 `json:"vy,omitempty"`
	Timestamp int64    `json:"ts"`
	// AckSequence — последний обработанный сервером ввод получателя;
	// присутствует только в снимках собственной сущности.
	AckSequence *uint32 `json:"ack,omitempty"`
	Alive       bool    `json:"alive"`
}

// CollisionMessage представляет событие поглощения одной сущности другой
type CollisionMessage struct {
	EliminatedID      string  `json:"victim"`
	EliminatorID      string  `json:"killer,omitempty"` // Пусто для смерти от зоны/таймаута
	EliminatedSize    float64 `json:"victim_size"`
	EliminatorNewSize float64 `json:"killer_size"`
	Timestamp         int64   `json:"ts"`
}

// ConsumeMessage представляет подбор еды
type ConsumeMessage struct {
	EntityID  string  `json:"id"`
	FoodID    string  `json:"food"`
	FoodSize  float64 `json:"food_size"`
	NewSize   float64 `json:"new_size"`
	Timestamp int64   `json:"ts"`
}

// PresenceAction действие в сообщении присутствия
type PresenceAction int32

const (
	PresenceJoin PresenceAction = iota
	PresenceLeave
	PresenceHeartbeat
)

// PresenceMessage сообщает о входе/выходе/активности участника комнаты
type PresenceMessage struct {
	EntityID  string            `json:"id"`
	RoomID    string            `json:"room"`
	Action    PresenceAction    `json:"action"`
	Timestamp int64             `json:"ts"`
	Metadata  map[string]string `json:"meta,omitempty"`
}

// ErrorMessage сообщение об ошибке уровня протокола
type ErrorMessage struct {
	Code    int32  `json:"code"`
	Message string `json:"msg"`
}
