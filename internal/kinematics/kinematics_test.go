package kinematics

import (
	"testing"

	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel() *Model {
	return NewModel(config.Default().Kinematics)
}

func TestSpeedForSize_Monotonic(t *testing.T) {
	model := testModel()

	// Скорость не возрастает с ростом размера
	prev := model.SpeedForSize(1)
	for size := 2.0; size <= 500; size += 1.0 {
		speed := model.SpeedForSize(size)
		assert.LessOrEqual(t, speed, prev, "size=%v", size)
		prev = speed
	}
}

func TestSpeedForSize_Floor(t *testing.T) {
	model := testModel()
	floor := config.Default().Kinematics.SpeedFloor

	// Даже гигантская сущность не останавливается полностью
	for _, size := range []float64{1, 20, 100, 1000, 1e6} {
		assert.GreaterOrEqual(t, model.SpeedForSize(size), floor, "size=%v", size)
	}
}

func TestSpeedForSize_BoostMultiplier(t *testing.T) {
	model := testModel()

	base := model.MaxSpeed(20, false)
	boosted := model.MaxSpeed(20, true)
	assert.InDelta(t, base*config.Default().Kinematics.BoostFactor, boosted, 1e-9)
}

func TestClampToBounds_Idempotent(t *testing.T) {
	bounds := Bounds{Width: 2000, Height: 2000}

	cases := []struct {
		name   string
		pos    vec.Vec2
		radius float64
	}{
		{"внутри мира", vec.Vec2{X: 500, Y: 700}, 20},
		{"за левой границей", vec.Vec2{X: -50, Y: 700}, 20},
		{"за правым нижним углом", vec.Vec2{X: 2500, Y: 2500}, 35},
		{"ровно на границе", vec.Vec2{X: 2000, Y: 0}, 10},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			once := ClampToBounds(tc.pos, tc.radius, bounds)
			twice := ClampToBounds(once, tc.radius, bounds)
			assert.Equal(t, once, twice)

			// Полный размер сущности лежит внутри мира
			assert.GreaterOrEqual(t, once.X, tc.radius)
			assert.LessOrEqual(t, once.X, bounds.Width-tc.radius)
			assert.GreaterOrEqual(t, once.Y, tc.radius)
			assert.LessOrEqual(t, once.Y, bounds.Height-tc.radius)
		})
	}
}

func TestClampToBounds_OversizedEntity(t *testing.T) {
	bounds := Bounds{Width: 100, Height: 100}

	// Радиус больше половины мира: допустима только центральная точка
	pos := ClampToBounds(vec.Vec2{X: 10, Y: 90}, 80, bounds)
	assert.Equal(t, vec.Vec2{X: 50, Y: 50}, pos)
}

func TestStep_MovesTowardIntent(t *testing.T) {
	model := testModel()
	bounds := Bounds{Width: 2000, Height: 2000}

	pos := vec.Vec2{X: 1000, Y: 1000}
	velocity := vec.Vec2{}

	// 500ms движения вправо: x растёт монотонно, y не меняется
	prevX := pos.X
	for i := 0; i < 25; i++ {
		pos, velocity = model.Step(pos, velocity, vec.Vec2{X: 1, Y: 0}, 20, false, 0.02, bounds)
		require.Greater(t, pos.X, prevX)
		require.InDelta(t, 1000.0, pos.Y, 1e-9)
		prevX = pos.X
	}
}

func TestStep_SpeedNeverExceedsModel(t *testing.T) {
	model := testModel()
	bounds := Bounds{Width: 2000, Height: 2000}

	pos := vec.Vec2{X: 1000, Y: 1000}
	velocity := vec.Vec2{}
	max := model.MaxSpeed(20, false)

	for i := 0; i < 200; i++ {
		pos, velocity = model.Step(pos, velocity, vec.Vec2{X: 1, Y: 1}, 20, false, 0.02, bounds)
		assert.LessOrEqual(t, velocity.Length(), max*1.0001)
	}
}

func TestStep_OversizedIntentClamped(t *testing.T) {
	model := testModel()
	bounds := Bounds{Width: 2000, Height: 2000}

	// Вектор намерения длиной 10 не даёт десятикратной скорости
	_, velFast := model.Step(vec.Vec2{X: 1000, Y: 1000}, vec.Vec2{}, vec.Vec2{X: 10, Y: 0}, 20, false, 1.0, bounds)
	_, velUnit := model.Step(vec.Vec2{X: 1000, Y: 1000}, vec.Vec2{}, vec.Vec2{X: 1, Y: 0}, 20, false, 1.0, bounds)

	assert.InDelta(t, velUnit.Length(), velFast.Length(), 1e-9)
}

func BenchmarkStep(b *testing.B) {
	model := testModel()
	bounds := Bounds{Width: 2000, Height: 2000}
	pos := vec.Vec2{X: 1000, Y: 1000}
	velocity := vec.Vec2{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pos, velocity = model.Step(pos, velocity, vec.Vec2{X: 1, Y: 0}, 20, false, 0.02, bounds)
	}
	_ = pos
}
