package validator

import (
	"testing"
	"time"

	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/kinematics"
	"github.com/TokeNoMax/agardotfun-sub001/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T, mutate func(*config.Config)) *Validator {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	model := kinematics.NewModel(cfg.Kinematics)
	bounds := kinematics.Bounds{Width: cfg.World.Width, Height: cfg.World.Height}
	return New(cfg.Validator, model, bounds)
}

func movement(id string, x, y, size float64, at time.Time) protocol.SnapshotMessage {
	return protocol.SnapshotMessage{
		EntityID:  id,
		X:         x,
		Y:         y,
		Size:      size,
		Alive:     true,
		Timestamp: at.UnixMilli(),
	}
}

func TestMovement_SpeedBands(t *testing.T) {
	cfg := config.Default()
	model := kinematics.NewModel(cfg.Kinematics)
	speed := model.SpeedForSize(20)

	cases := []struct {
		name     string
		factor   float64
		accepted bool
	}{
		{"скорость на уровне модели", 1.0, true},
		{"в пределах допуска 1.2x", 1.2, true},
		{"вдвое выше модели", 2.01, false},
		{"втрое выше модели", 3.0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := newTestValidator(t, nil)
			base := time.Now()

			// Первый снимок наблюдается без проверки скорости
			first := v.ValidateMovementAt(movement("p1", 500, 500, 20, base), base)
			require.True(t, first.Accepted)

			// Через 100ms сущность сместилась на factor*speed*0.1
			later := base.Add(100 * time.Millisecond)
			dist := speed * tc.factor * 0.1
			result := v.ValidateMovementAt(movement("p1", 500+dist, 500, 20, later), later)

			assert.Equal(t, tc.accepted, result.Accepted)
			if !tc.accepted {
				assert.Equal(t, "speed exceeds model", result.Reason)
				require.NotNil(t, result.CorrectedPos)
				// Исправленная позиция ближе к предыдущей, чем заявленная
				assert.Less(t, result.CorrectedPos.X, 500+dist)
				assert.Greater(t, result.CorrectedPos.X, 500.0)
			}
		})
	}
}

func TestMovement_OutOfBoundsCorrected(t *testing.T) {
	v := newTestValidator(t, nil)
	now := time.Now()

	result := v.ValidateMovementAt(movement("p1", -50, 300, 20, now), now)

	require.False(t, result.Accepted)
	assert.Equal(t, "position out of bounds", result.Reason)
	require.NotNil(t, result.CorrectedPos)
	assert.GreaterOrEqual(t, result.CorrectedPos.X, 0.0)
}

func TestMovement_SizeRangeCorrected(t *testing.T) {
	v := newTestValidator(t, nil)
	now := time.Now()

	result := v.ValidateMovementAt(movement("p1", 500, 500, 9999, now), now)

	require.False(t, result.Accepted)
	assert.Equal(t, "size out of range", result.Reason)
	require.NotNil(t, result.CorrectedSize)
	assert.Equal(t, config.Default().Validator.MaxSize, *result.CorrectedSize)
}

func TestMovement_StaleClockRejected(t *testing.T) {
	v := newTestValidator(t, nil)
	now := time.Now()

	// Метка отправителя на 10 секунд в прошлом
	snap := movement("p1", 500, 500, 20, now.Add(-10*time.Second))
	result := v.ValidateMovementAt(snap, now)

	require.False(t, result.Accepted)
	assert.Equal(t, "stale timestamp", result.Reason)
}

func TestCollision_Scenario(t *testing.T) {
	// Мелкий радиус, чтобы сущности умещались у края мира
	v := newTestValidator(t, func(c *config.Config) {
		c.Kinematics.RadiusScale = 0.5
	})
	now := time.Now()

	require.True(t, v.ValidateMovementAt(movement("killer", 10, 10, 40, now), now).Accepted)
	require.True(t, v.ValidateMovementAt(movement("victim", 10, 14, 20, now), now).Accepted)

	// Заявленный размер 56 = 40 + 0.8*20 принимается
	ok := v.ValidateCollisionAt(protocol.CollisionMessage{
		EliminatedID:      "victim",
		EliminatorID:      "killer",
		EliminatedSize:    20,
		EliminatorNewSize: 56,
		Timestamp:         now.UnixMilli(),
	}, now)
	require.True(t, ok.Accepted)
	assert.InDelta(t, 56.0, ok.ExpectedNewSize, 1e-9)
}

func TestCollision_InflatedSizeCorrected(t *testing.T) {
	v := newTestValidator(t, func(c *config.Config) {
		c.Kinematics.RadiusScale = 0.5
	})
	now := time.Now()

	require.True(t, v.ValidateMovementAt(movement("killer", 10, 10, 40, now), now).Accepted)
	require.True(t, v.ValidateMovementAt(movement("victim", 10, 14, 20, now), now).Accepted)

	// Заявлен размер 100: отклоняется с исправленным значением 56
	result := v.ValidateCollisionAt(protocol.CollisionMessage{
		EliminatedID:      "victim",
		EliminatorID:      "killer",
		EliminatedSize:    20,
		EliminatorNewSize: 100,
		Timestamp:         now.UnixMilli(),
	}, now)

	require.False(t, result.Accepted)
	assert.Equal(t, "claimed size mismatch", result.Reason)
	assert.InDelta(t, 56.0, result.ExpectedNewSize, 1e-9)
}

func TestCollision_SmallerEliminatorAlwaysRejected(t *testing.T) {
	v := newTestValidator(t, func(c *config.Config) {
		c.Kinematics.RadiusScale = 0.5
	})
	now := time.Now()

	// Поглотитель мельче жертвы и стоит вплотную — всё равно отказ
	require.True(t, v.ValidateMovementAt(movement("killer", 100, 100, 15, now), now).Accepted)
	require.True(t, v.ValidateMovementAt(movement("victim", 100, 101, 30, now), now).Accepted)

	result := v.ValidateCollisionAt(protocol.CollisionMessage{
		EliminatedID:      "victim",
		EliminatorID:      "killer",
		EliminatedSize:    30,
		EliminatorNewSize: 39,
		Timestamp:         now.UnixMilli(),
	}, now)

	require.False(t, result.Accepted)
	assert.Equal(t, "eliminator too small", result.Reason)
}

func TestCollision_TooFarApartRejected(t *testing.T) {
	v := newTestValidator(t, func(c *config.Config) {
		c.Kinematics.RadiusScale = 0.5
	})
	now := time.Now()

	require.True(t, v.ValidateMovementAt(movement("killer", 100, 100, 40, now), now).Accepted)
	require.True(t, v.ValidateMovementAt(movement("victim", 500, 500, 20, now), now).Accepted)

	result := v.ValidateCollisionAt(protocol.CollisionMessage{
		EliminatedID:      "victim",
		EliminatorID:      "killer",
		EliminatedSize:    20,
		EliminatorNewSize: 56,
		Timestamp:         now.UnixMilli(),
	}, now)

	require.False(t, result.Accepted)
	assert.Equal(t, "entities too far apart", result.Reason)
}

func TestConsume_FixedFractionGain(t *testing.T) {
	v := newTestValidator(t, nil)
	now := time.Now()
	require.True(t, v.ValidateMovementAt(movement("p1", 500, 500, 20, now), now).Accepted)

	frac := config.Default().Validator.FoodGainFraction

	// Честный прирост принимается
	ok := v.ValidateConsumeAt(protocol.ConsumeMessage{
		EntityID: "p1", FoodID: "f1", FoodSize: 4, NewSize: 20 + frac*4,
	}, now)
	require.True(t, ok.Accepted)

	// Завышенный прирост отклоняется с ожидаемым значением
	result := v.ValidateConsumeAt(protocol.ConsumeMessage{
		EntityID: "p1", FoodID: "f2", FoodSize: 4, NewSize: 40,
	}, now)
	require.False(t, result.Accepted)
	assert.InDelta(t, 20+frac*4+frac*4, result.ExpectedNewSize, 1e-9)
}

func TestRateLimit_BurstScenario(t *testing.T) {
	v := newTestValidator(t, func(c *config.Config) {
		c.Validator.MaxInputsPerSecond = 30
	})
	base := time.Now()

	// 40 вводов за 500ms при лимите 30/с
	accepted, rejected := 0, 0
	for i := 0; i < 40; i++ {
		at := base.Add(time.Duration(i) * 12500 * time.Microsecond)
		result := v.RecordInputAt("p1", protocol.InputMessage{Sequence: uint32(i + 1)}, at)
		if result.Accepted {
			accepted++
		} else {
			rejected++
		}
	}

	assert.Equal(t, 30, accepted)
	assert.Equal(t, 10, rejected)
}

func TestRateLimit_IntervalFlood(t *testing.T) {
	v := newTestValidator(t, nil)
	base := time.Now()

	require.True(t, v.RecordInputAt("p1", protocol.InputMessage{Sequence: 1}, base).Accepted)

	// Повторный ввод через 2ms при минимуме 10ms
	result := v.RecordInputAt("p1", protocol.InputMessage{Sequence: 2}, base.Add(2*time.Millisecond))
	require.False(t, result.Accepted)
	assert.Equal(t, "input interval too short", result.Reason)
}

func TestRiskLevel_EscalatesWithViolations(t *testing.T) {
	v := newTestValidator(t, nil)
	now := time.Now()

	assert.Equal(t, RiskNone, v.RiskLevelAt("p1", now))

	// Серия скоростных нарушений поднимает риск
	require.True(t, v.ValidateMovementAt(movement("p1", 500, 500, 20, now), now).Accepted)
	for i := 1; i <= 5; i++ {
		at := now.Add(time.Duration(i) * 100 * time.Millisecond)
		v.ValidateMovementAt(movement("p1", 500+float64(i)*200, 500, 20, at), at)
	}

	risk := v.RiskLevelAt("p1", now.Add(time.Second))
	assert.GreaterOrEqual(t, int(risk), int(RiskMedium))

	violations := v.Violations("p1")
	assert.NotEmpty(t, violations)
	for _, violation := range violations {
		assert.Equal(t, ViolationSpeed, violation.Kind)
	}
}

func TestCleanupInactive(t *testing.T) {
	v := newTestValidator(t, nil)
	now := time.Now()

	require.True(t, v.ValidateMovementAt(movement("idle", 500, 500, 20, now), now).Accepted)
	laterSnap := movement("active", 600, 600, 20, now.Add(6*time.Minute))
	require.True(t, v.ValidateMovementAt(laterSnap, now.Add(6*time.Minute)).Accepted)

	removed := v.CleanupInactive(now.Add(6 * time.Minute))
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"active"}, v.TrackedEntities())
}

func BenchmarkValidateMovement(b *testing.B) {
	cfg := config.Default()
	model := kinematics.NewModel(cfg.Kinematics)
	bounds := kinematics.Bounds{Width: cfg.World.Width, Height: cfg.World.Height}
	v := New(cfg.Validator, model, bounds)

	speed := model.SpeedForSize(20)
	base := time.Now()
	v.ValidateMovementAt(movement("p1", 500, 500, 20, base), base)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		at := base.Add(time.Duration(i+1) * 20 * time.Millisecond)
		x := 500 + speed*0.02*float64(i+1)*0.5
		v.ValidateMovementAt(movement("p1", x, 500, 20, at), at)
	}
}
