package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// CompressionType тип сжатия полезной нагрузки
type CompressionType int32

const (
	CompressionNone CompressionType = iota
	CompressionZstd
)

// NetMessage представляет конверт wire-сообщения. SenderID и Type
// позволяют принимающей стороне маршрутизировать полезную нагрузку
// без пробинга её содержимого.
type NetMessage struct {
	Type        MsgType         `json:"t"`
	SenderID    string          `json:"from"`
	RoomID      string          `json:"room,omitempty"`
	Timestamp   int64           `json:"ts"`
	Compression CompressionType `json:"cmp,omitempty"`
	Payload     []byte          `json:"p"`
}

// MessageSerializer предоставляет функции для сериализации и десериализации
// сообщений. Полезные нагрузки крупнее compressThreshold сжимаются zstd.
type MessageSerializer struct {
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

// NewMessageSerializer создает новый сериализатор сообщений.
// compressThreshold <= 0 отключает сжатие.
func NewMessageSerializer(compressThreshold int) (*MessageSerializer, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания zstd decoder: %w", err)
	}

	return &MessageSerializer{
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: compressThreshold,
	}, nil
}

// SerializeMessage сериализует типизированную полезную нагрузку в конверт
func (ms *MessageSerializer) SerializeMessage(msgType MsgType, senderID, roomID string, payload interface{}) ([]byte, error) {
	payloadData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации полезной нагрузки: %w", err)
	}

	compression := CompressionNone
	if ms.compressThreshold > 0 && len(payloadData) >= ms.compressThreshold {
		payloadData = ms.encoder.EncodeAll(payloadData, nil)
		compression = CompressionZstd
	}

	msg := &NetMessage{
		Type:        msgType,
		SenderID:    senderID,
		RoomID:      roomID,
		Timestamp:   time.Now().UnixMilli(),
		Compression: compression,
		Payload:     payloadData,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации сообщения: %w", err)
	}

	return data, nil
}

// DeserializeMessage десериализует данные в NetMessage
func (ms *MessageSerializer) DeserializeMessage(data []byte) (*NetMessage, error) {
	msg := &NetMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("ошибка десериализации сообщения: %w", err)
	}

	return msg, nil
}

// DeserializePayload десериализует полезную нагрузку сообщения в указанный тип
func (ms *MessageSerializer) DeserializePayload(msg *NetMessage, payload interface{}) error {
	data := msg.Payload

	if msg.Compression == CompressionZstd {
		decoded, err := ms.decoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("ошибка распаковки zstd: %w", err)
		}
		data = decoded
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return fmt.Errorf("ошибка десериализации полезной нагрузки: %w", err)
	}

	return nil
}

// Close освобождает ресурсы сериализатора
func (ms *MessageSerializer) Close() {
	ms.encoder.Close()
	ms.decoder.Close()
}
