package eventbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/TokeNoMax/agardotfun-sub001/internal/protocol"
	"github.com/TokeNoMax/agardotfun-sub001/internal/validator"
)

// Типы событий синхронизации
const (
	EventViolation   = "violation"
	EventElimination = "elimination"
	EventPresence    = "presence"
)

// ViolationPayload полезная нагрузка события нарушения
type ViolationPayload struct {
	EntityID  string    `json:"entity_id"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// EliminationPayload полезная нагрузка события поглощения
type EliminationPayload struct {
	EliminatedID string  `json:"eliminated_id"`
	EliminatorID string  `json:"eliminator_id,omitempty"`
	FinalSize    float64 `json:"final_size"`
}

// NewViolationEvent оборачивает нарушение античита в Envelope.
// Критические нарушения получают высокий приоритет и не отбрасываются
// при заполненном буфере.
func NewViolationEvent(roomID string, v validator.Violation) *Envelope {
	payload, _ := json.Marshal(ViolationPayload{
		EntityID:  v.EntityID,
		Kind:      string(v.Kind),
		Severity:  v.Severity.String(),
		Details:   v.Details,
		Timestamp: v.Timestamp,
	})

	priority := 3
	if v.Severity >= validator.SeverityHigh {
		priority = 7
	}

	return &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    "validator",
		EventType: EventViolation,
		Version:   1,
		RoomID:    roomID,
		Priority:  priority,
		Payload:   payload,
	}
}

// NewEliminationEvent оборачивает поглощение в Envelope
func NewEliminationEvent(roomID string, msg protocol.CollisionMessage) *Envelope {
	payload, _ := json.Marshal(EliminationPayload{
		EliminatedID: msg.EliminatedID,
		EliminatorID: msg.EliminatorID,
		FinalSize:    msg.EliminatedSize,
	})

	return &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    "session",
		EventType: EventElimination,
		Version:   1,
		RoomID:    roomID,
		Priority:  6,
		Payload:   payload,
	}
}

// NewPresenceEvent оборачивает вход/выход участника в Envelope
func NewPresenceEvent(msg protocol.PresenceMessage) *Envelope {
	payload, _ := json.Marshal(msg)

	return &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    "transport",
		EventType: EventPresence,
		Version:   1,
		RoomID:    msg.RoomID,
		Priority:  2,
		Payload:   payload,
	}
}
