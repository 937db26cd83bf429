package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/game"
	"github.com/TokeNoMax/agardotfun-sub001/internal/kinematics"
	"github.com/TokeNoMax/agardotfun-sub001/internal/protocol"
	"github.com/TokeNoMax/agardotfun-sub001/internal/transport"
	"github.com/TokeNoMax/agardotfun-sub001/internal/validator"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

func sessionTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Prediction.SampleRate = 5 * time.Millisecond
	cfg.Transport.BroadcastRate = time.Millisecond
	cfg.Transport.HeartbeatInterval = time.Hour
	cfg.Interp.RenderDelay = 10 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// newSessionWithServer поднимает сессию на одном конце пары каналов и
// сырой адаптер "сервера" на другом
func newSessionWithServer(t *testing.T, cfg *config.Config) (*Session, *transport.Adapter) {
	t.Helper()
	chanClient, chanServer := transport.NewMemoryChannelPair()

	clientAdapter, err := transport.NewAdapter(cfg.Transport, chanClient, "alice", "room-1")
	require.NoError(t, err)
	serverAdapter, err := transport.NewAdapter(cfg.Transport, chanServer, "server", "room-1")
	require.NoError(t, err)

	sess := New(cfg, clientAdapter, game.NewEntity("alice", vec.Vec2{X: 1000, Y: 1000}, 20), "room-1")

	ctx := context.Background()
	require.NoError(t, serverAdapter.Start(ctx, "memory"))

	t.Cleanup(func() {
		_ = sess.Stop()
		_ = serverAdapter.Stop()
	})
	return sess, serverAdapter
}

func TestSession_PeersSeeEachOther(t *testing.T) {
	cfg := sessionTestConfig()
	chanA, chanB := transport.NewMemoryChannelPair()

	adapterA, err := transport.NewAdapter(cfg.Transport, chanA, "alice", "room-1")
	require.NoError(t, err)
	adapterB, err := transport.NewAdapter(cfg.Transport, chanB, "bob", "room-1")
	require.NoError(t, err)

	alice := New(cfg, adapterA, game.NewEntity("alice", vec.Vec2{X: 500, Y: 500}, 20), "room-1")
	bob := New(cfg, adapterB, game.NewEntity("bob", vec.Vec2{X: 1500, Y: 1500}, 20), "room-1")

	ctx := context.Background()
	require.NoError(t, alice.Start(ctx, "memory"))
	require.NoError(t, bob.Start(ctx, "memory"))
	defer alice.Stop()
	defer bob.Stop()

	alice.SubmitLocalInput(vec.Vec2{X: 1, Y: 0}, false)
	bob.SubmitLocalInput(vec.Vec2{X: 0, Y: 1}, false)

	// Участники узнают друг о друге по presence и снимкам
	waitFor(t, func() bool {
		return len(alice.RoomRoster()) == 1 && len(bob.RoomRoster()) == 1
	}, "Участники не увидели друг друга")

	assert.Equal(t, "bob", alice.RoomRoster()[0].EntityID)
	assert.Equal(t, "alice", bob.RoomRoster()[0].EntityID)

	// Удалённая сущность появляется в кадре рендера
	waitFor(t, func() bool {
		states := bob.RenderableStates()
		for _, st := range states {
			if st.EntityID == "alice" {
				return true
			}
		}
		return false
	}, "Алиса не появилась в кадре Боба")

	// Локальное предсказание продвигает собственную сущность без сервера
	waitFor(t, func() bool {
		return alice.LocalState().Position.X > 510
	}, "Предсказание не продвинуло Алису")
	assert.InDelta(t, 500.0, alice.LocalState().Position.Y, 1.0)
}

func TestSession_AuthoritativeSnapshotReconciles(t *testing.T) {
	cfg := sessionTestConfig()
	sess, server := newSessionWithServer(t, cfg)

	require.NoError(t, sess.Start(context.Background(), "memory"))
	sess.SubmitLocalInput(vec.Vec2{X: 1, Y: 0}, false)

	// Даём предсказанию накопить подтверждаемые вводы
	waitFor(t, func() bool { return sess.LocalState().Sequence >= 10 }, "Тики не пошли")

	ack := uint32(5)
	require.NoError(t, server.SendSnapshot(protocol.SnapshotMessage{
		EntityID:    "alice",
		X:           1500,
		Y:           1500,
		Size:        50,
		Timestamp:   time.Now().UnixMilli(),
		AckSequence: &ack,
		Alive:       true,
	}))

	// Размер авторитетен всегда; позиция рывком уходит к серверной,
	// поверх неё доигрываются неподтверждённые вводы
	waitFor(t, func() bool { return sess.LocalState().Size == 50 }, "Авторитетный размер не принят")

	state := sess.LocalState()
	assert.InDelta(t, 1500.0, state.Position.X, 150.0)
	assert.InDelta(t, 1500.0, state.Position.Y, 150.0)

	snapshots, _, _, _ := sess.Stats()
	assert.GreaterOrEqual(t, snapshots, uint64(1))
}

func TestSession_EliminatedByCollision(t *testing.T) {
	cfg := sessionTestConfig()
	sess, server := newSessionWithServer(t, cfg)

	var mu sync.Mutex
	var victim, eliminator string
	sess.SetCallbacks(Callbacks{
		OnEliminated: func(v, e string) {
			mu.Lock()
			defer mu.Unlock()
			victim, eliminator = v, e
		},
	})

	require.NoError(t, sess.Start(context.Background(), "memory"))
	require.True(t, sess.Alive())

	require.NoError(t, server.SendCollision(protocol.CollisionMessage{
		EliminatedID:      "alice",
		EliminatorID:      "goliath",
		EliminatedSize:    20,
		EliminatorNewSize: 36,
		Timestamp:         time.Now().UnixMilli(),
	}))

	waitFor(t, func() bool { return !sess.Alive() }, "Сессия не узнала о своём поглощении")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "alice", victim)
	assert.Equal(t, "goliath", eliminator)
}

func TestSession_RemoteLeaveDropsFromRoster(t *testing.T) {
	cfg := sessionTestConfig()
	sess, server := newSessionWithServer(t, cfg)

	require.NoError(t, sess.Start(context.Background(), "memory"))

	// Кэрол становится известна через снимок
	require.NoError(t, server.SendSnapshot(protocol.SnapshotMessage{
		EntityID: "carol", X: 300, Y: 300, Size: 15,
		Timestamp: time.Now().UnixMilli(), Alive: true,
	}))

	waitFor(t, func() bool { return len(sess.RoomRoster()) >= 1 }, "Кэрол не попала в список")

	// Авторитетная сторона объявляет выход от имени Кэрол
	require.NoError(t, server.SendPresenceFor("carol", protocol.PresenceLeave))

	waitFor(t, func() bool {
		for _, entry := range sess.RoomRoster() {
			if entry.EntityID == "carol" {
				return false
			}
		}
		return true
	}, "Кэрол не удалена из списка после выхода")
}

func TestSession_RosterPushFromRoomLayer(t *testing.T) {
	cfg := sessionTestConfig()
	sess, server := newSessionWithServer(t, cfg)

	require.NoError(t, sess.Start(context.Background(), "memory"))

	// Боб становится известен через снимок
	require.NoError(t, server.SendSnapshot(protocol.SnapshotMessage{
		EntityID: "bob", X: 300, Y: 300, Size: 15,
		Timestamp: time.Now().UnixMilli(), Alive: true,
	}))
	waitFor(t, func() bool { return len(sess.RoomRoster()) >= 1 }, "Боб не попал в список")

	// Слой комнат объявляет авторитетный состав: Боб выбыл, Кэрол вошла
	sess.ObserveRoomRoster([]string{"alice", "carol"}, map[string]string{"mode": "ffa"})

	roster := sess.RoomRoster()
	require.Len(t, roster, 1)
	assert.Equal(t, "carol", roster[0].EntityID)
	assert.Equal(t, "ffa", roster[0].Metadata["mode"])

	// Выбывший участник исчезает и из кадра рендера
	for _, st := range sess.RenderableStates() {
		assert.NotEqual(t, "bob", st.EntityID)
	}
}

func TestSession_ValidatorCorrectsTeleport(t *testing.T) {
	cfg := sessionTestConfig()
	sess, server := newSessionWithServer(t, cfg)

	model := kinematics.NewModel(cfg.Kinematics)
	bounds := kinematics.Bounds{Width: cfg.World.Width, Height: cfg.World.Height}
	gate := validator.New(cfg.Validator, model, bounds)
	sess.SetValidator(gate)

	var mu sync.Mutex
	var violations []validator.Violation
	sess.SetCallbacks(Callbacks{
		OnSecurityViolation: func(v validator.Violation) {
			mu.Lock()
			defer mu.Unlock()
			violations = append(violations, v)
		},
	})

	require.NoError(t, sess.Start(context.Background(), "memory"))

	// Первый снимок закладывает базу истории
	require.NoError(t, server.SendSnapshot(protocol.SnapshotMessage{
		EntityID: "mallory", X: 100, Y: 100, Size: 20,
		Timestamp: time.Now().UnixMilli(), Alive: true,
	}))
	waitFor(t, func() bool { return len(sess.RoomRoster()) >= 1 }, "Мэллори не зарегистрирована")

	// Телепорт через полмира за миллисекунды — нарушение скорости
	require.NoError(t, server.SendSnapshot(protocol.SnapshotMessage{
		EntityID: "mallory", X: 1600, Y: 1600, Size: 20,
		Timestamp: time.Now().UnixMilli(), Alive: true,
	}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(violations) >= 1
	}, "Нарушение скорости не зафиксировано")

	mu.Lock()
	assert.Equal(t, "mallory", violations[0].EntityID)
	assert.Equal(t, validator.ViolationSpeed, violations[0].Kind)
	mu.Unlock()

	// В кадр попадает исправленная позиция, а не заявленная
	waitFor(t, func() bool {
		states := sess.RenderableStatesAt(time.Now())
		for _, st := range states {
			if st.EntityID == "mallory" {
				return st.Position.X < 1000
			}
		}
		return false
	}, "Исправленная позиция не попала в кадр")
}

func TestSession_StopIsSynchronousAndIdempotent(t *testing.T) {
	cfg := sessionTestConfig()
	sess, _ := newSessionWithServer(t, cfg)

	require.NoError(t, sess.Start(context.Background(), "memory"))
	require.NoError(t, sess.Stop())

	// После остановки состояние остаётся читаемым, повторный Stop безвреден
	assert.NoError(t, sess.Stop())
	assert.Equal(t, "alice", sess.EntityID())
	assert.Equal(t, "room-1", sess.RoomID())
}

// memoryStore запоминает последнее сохранение для проверок
type memoryStore struct {
	mu    sync.Mutex
	saves int
	pos   vec.Vec2
	size  float64
}

func (m *memoryStore) SavePosition(_ context.Context, _, _ string, pos vec.Vec2, size float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.pos = pos
	m.size = size
	return nil
}

func TestSession_PersistsPositionPeriodically(t *testing.T) {
	cfg := sessionTestConfig()
	cfg.Storage.SaveInterval = 10 * time.Millisecond
	sess, _ := newSessionWithServer(t, cfg)

	store := &memoryStore{}
	sess.SetStore(store)

	require.NoError(t, sess.Start(context.Background(), "memory"))

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.saves >= 3
	}, "Автосохранение не сработало")

	require.NoError(t, sess.Stop())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 20.0, store.size)
	assert.InDelta(t, 1000.0, store.pos.X, 50.0)
}
