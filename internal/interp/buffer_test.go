package interp

import (
	"testing"
	"time"

	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapAt(id string, x, y, size float64) protocol.SnapshotMessage {
	return protocol.SnapshotMessage{EntityID: id, X: x, Y: y, Size: size, Alive: true}
}

func TestBuffer_LinearInterpolationNoOvershoot(t *testing.T) {
	buf := NewBuffer(config.Default().Interp)
	base := time.Now()

	buf.ObserveAt(snapAt("remote", 0, 0, 20), base)
	buf.ObserveAt(snapAt("remote", 50, 0, 20), base.Add(100*time.Millisecond))

	// Для любого времени рендера между снимками точка лежит на отрезке
	delay := config.Default().Interp.RenderDelay
	for offset := time.Duration(0); offset <= 100*time.Millisecond; offset += 10 * time.Millisecond {
		state, ok := buf.EntityAt("remote", base.Add(delay).Add(offset))
		require.True(t, ok)
		assert.GreaterOrEqual(t, state.Position.X, 0.0, "offset=%v", offset)
		assert.LessOrEqual(t, state.Position.X, 50.0, "offset=%v", offset)
		assert.Equal(t, 0.0, state.Position.Y)
	}
}

func TestBuffer_RenderWindowScenario(t *testing.T) {
	// Снимки в t=0 (x=0) и t=100ms (x=50); запрос в t=150ms
	// с задержкой рендера 100ms попадает внутрь окна
	cfg := config.Default().Interp
	cfg.RenderDelay = 100 * time.Millisecond
	buf := NewBuffer(cfg)
	base := time.Now()

	buf.ObserveAt(snapAt("remote", 0, 0, 20), base)
	buf.ObserveAt(snapAt("remote", 50, 0, 20), base.Add(100*time.Millisecond))

	state, ok := buf.EntityAt("remote", base.Add(150*time.Millisecond))
	require.True(t, ok)
	assert.Greater(t, state.Position.X, 0.0)
	assert.Less(t, state.Position.X, 50.0)
	assert.False(t, state.Extrapolated)
}

func TestBuffer_ExtrapolationDamped(t *testing.T) {
	cfg := config.Default().Interp
	cfg.RenderDelay = 0
	buf := NewBuffer(cfg)
	base := time.Now()

	vx, vy := 100.0, 0.0
	buf.ObserveAt(protocol.SnapshotMessage{
		EntityID: "remote", X: 10, Y: 10, Size: 20, Alive: true,
		VelocityX: &vx, VelocityY: &vy,
	}, base)

	// Единственный снимок: позиция проецируется вперёд по скорости
	state, ok := buf.EntityAt("remote", base.Add(100*time.Millisecond))
	require.True(t, ok)
	assert.True(t, state.Extrapolated)
	assert.Greater(t, state.Position.X, 10.0)

	// Затухание: продвижение меньше полного v*t
	assert.Less(t, state.Position.X, 10.0+vx*0.1)

	// За горизонтом экстраполяции позиция не продолжает расти
	far, ok := buf.EntityAt("remote", base.Add(2*time.Second))
	require.True(t, ok)
	nearCap, ok2 := buf.EntityAt("remote", base.Add(500*time.Millisecond))
	require.True(t, ok2)
	assert.InDelta(t, nearCap.Position.X, far.Position.X, 1e-9)
}

func TestBuffer_SizeSmoothedSlower(t *testing.T) {
	cfg := config.Default().Interp
	buf := NewBuffer(cfg)
	base := time.Now()

	buf.ObserveAt(snapAt("remote", 0, 0, 20), base)
	buf.ObserveAt(snapAt("remote", 10, 0, 60), base.Add(50*time.Millisecond))

	// Размер подтягивается к 60 постепенно, долей за запрос
	state, ok := buf.EntityAt("remote", base.Add(cfg.RenderDelay))
	require.True(t, ok)
	assert.Greater(t, state.Size, 20.0)
	assert.Less(t, state.Size, 60.0)
}

func TestBuffer_SizeSmoothingTimeBased(t *testing.T) {
	cfg := config.Default().Interp
	buf := NewBuffer(cfg)
	base := time.Now()

	buf.ObserveAt(snapAt("remote", 0, 0, 20), base)
	buf.ObserveAt(snapAt("remote", 10, 0, 60), base.Add(50*time.Millisecond))

	at := base.Add(cfg.RenderDelay)
	first, ok := buf.EntityAt("remote", at)
	require.True(t, ok)

	// Повторные чтения одного кадра не продвигают сглаживание
	for i := 0; i < 10; i++ {
		again, ok := buf.EntityAt("remote", at)
		require.True(t, ok)
		assert.InDelta(t, first.Size, again.Size, 1e-9)
	}

	// Более позднее время продолжает приближение к цели
	later, ok := buf.EntityAt("remote", at.Add(200*time.Millisecond))
	require.True(t, ok)
	assert.Greater(t, later.Size, first.Size)
	assert.Less(t, later.Size, 60.0)
}

func TestBuffer_StaleEntityDropped(t *testing.T) {
	cfg := config.Default().Interp
	buf := NewBuffer(cfg)
	base := time.Now()

	buf.ObserveAt(snapAt("remote", 0, 0, 20), base)
	require.Equal(t, 1, buf.TrackedCount())

	// Нет снимков дольше порога устаревания: сущность пропадает
	states := buf.StatesAt(base.Add(cfg.StaleAfter + time.Second))
	assert.Empty(t, states)
	assert.Equal(t, 0, buf.TrackedCount())
}

func TestBuffer_BoundedHistory(t *testing.T) {
	cfg := config.Default().Interp
	buf := NewBuffer(cfg)
	base := time.Now()

	for i := 0; i < 50; i++ {
		buf.ObserveAt(snapAt("remote", float64(i), 0, 20), base.Add(time.Duration(i)*20*time.Millisecond))
	}

	// Буфер ограничен: старые снимки вытеснены, свежие доступны
	last := base.Add(49 * 20 * time.Millisecond)
	state, ok := buf.EntityAt("remote", last.Add(cfg.RenderDelay))
	require.True(t, ok)
	assert.Greater(t, state.Position.X, 40.0)
}

func TestBuffer_IndependentEntities(t *testing.T) {
	buf := NewBuffer(config.Default().Interp)
	base := time.Now()

	buf.ObserveAt(snapAt("a", 100, 100, 20), base)
	buf.ObserveAt(snapAt("b", 900, 900, 30), base)

	buf.Remove("a")
	_, okA := buf.EntityAt("a", base)
	_, okB := buf.EntityAt("b", base)
	assert.False(t, okA)
	assert.True(t, okB)
}
