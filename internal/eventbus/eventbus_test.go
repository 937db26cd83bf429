package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TokeNoMax/agardotfun-sub001/internal/protocol"
	"github.com/TokeNoMax/agardotfun-sub001/internal/validator"
)

func waitForCount(t *testing.T, get func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if get() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Ожидалось %d событий, получено %d", want, get())
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(16)

	var mu sync.Mutex
	var received []*Envelope
	_, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev)
	})
	require.NoError(t, err)

	ev := NewViolationEvent("room-1", validator.Violation{
		EntityID: "mallory",
		Kind:     validator.ViolationSpeed,
		Severity: validator.SeverityHigh,
		Details:  "скорость 900 при лимите 234",
	})
	require.NoError(t, bus.Publish(context.Background(), ev))

	waitForCount(t, func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(received)
	}, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventViolation, received[0].EventType)
	assert.Equal(t, "room-1", received[0].RoomID)
	assert.NotEmpty(t, received[0].ID)

	var payload ViolationPayload
	require.NoError(t, json.Unmarshal(received[0].Payload, &payload))
	assert.Equal(t, "mallory", payload.EntityID)
	assert.Equal(t, "speed", payload.Kind)
	assert.Equal(t, "high", payload.Severity)
}

func TestMemoryBus_FilterByType(t *testing.T) {
	bus := NewMemoryBus(16)

	var mu sync.Mutex
	var violations, all int
	_, err := bus.Subscribe(context.Background(), Filter{Types: []string{EventViolation}},
		func(ctx context.Context, ev *Envelope) {
			mu.Lock()
			violations++
			mu.Unlock()
		})
	require.NoError(t, err)
	_, err = bus.Subscribe(context.Background(), Filter{},
		func(ctx context.Context, ev *Envelope) {
			mu.Lock()
			all++
			mu.Unlock()
		})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(),
		NewViolationEvent("room-1", validator.Violation{EntityID: "a", Kind: validator.ViolationSpeed})))
	require.NoError(t, bus.Publish(context.Background(),
		NewEliminationEvent("room-1", collisionFixture())))

	waitForCount(t, func() int {
		mu.Lock()
		defer mu.Unlock()
		return all
	}, 2)

	mu.Lock()
	defer mu.Unlock()
	// Фильтр по типу пропустил только нарушение
	assert.Equal(t, 1, violations)
	assert.Equal(t, 2, all)
}

func TestMemoryBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(16)

	var mu sync.Mutex
	var count int
	sub, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(),
		NewViolationEvent("room-1", validator.Violation{EntityID: "a"})))
	waitForCount(t, func() int { mu.Lock(); defer mu.Unlock(); return count }, 1)

	sub.Unsubscribe()
	require.NoError(t, bus.Publish(context.Background(),
		NewViolationEvent("room-1", validator.Violation{EntityID: "b"})))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestEventPriorities(t *testing.T) {
	// Тяжесть нарушения определяет приоритет: критичное не должно
	// отбрасываться back-pressure
	low := NewViolationEvent("room-1", validator.Violation{
		EntityID: "a", Kind: validator.ViolationStaleClock, Severity: validator.SeverityLow,
	})
	high := NewViolationEvent("room-1", validator.Violation{
		EntityID: "a", Kind: validator.ViolationSizeRange, Severity: validator.SeverityCritical,
	})

	assert.Equal(t, 3, low.Priority)
	assert.Equal(t, 7, high.Priority)
	assert.Less(t, NewPresenceEvent(presenceFixture()).Priority, 5)
	assert.Greater(t, NewEliminationEvent("room-1", collisionFixture()).Priority, 5)
}

func collisionFixture() protocol.CollisionMessage {
	return protocol.CollisionMessage{
		EliminatedID:      "victim",
		EliminatorID:      "killer",
		EliminatedSize:    20,
		EliminatorNewSize: 36,
		Timestamp:         time.Now().UnixMilli(),
	}
}

func presenceFixture() protocol.PresenceMessage {
	return protocol.PresenceMessage{
		EntityID:  "alice",
		RoomID:    "room-1",
		Action:    protocol.PresenceJoin,
		Timestamp: time.Now().UnixMilli(),
	}
}
