// Package kinematics содержит чистую модель движения сущностей.
// Одни и те же формулы используют клиентское предсказание, серверная
// валидация и боты, поэтому все три стороны одинаково понимают
// "физически возможное" перемещение.
package kinematics

import (
	"math"

	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

// Bounds описывает прямоугольник игрового мира [0,Width]x[0,Height]
type Bounds struct {
	Width  float64
	Height float64
}

// Model вычисляет скорость и перемещение по размеру сущности.
// Методы не имеют побочных эффектов.
type Model struct {
	cfg config.KinematicsConfig
}

// NewModel создаёт модель движения из конфигурации
func NewModel(cfg config.KinematicsConfig) *Model {
	return &Model{cfg: cfg}
}

// SpeedForSize возвращает максимальную скорость (ед/сек) для размера.
// Функция монотонно не возрастает по размеру и никогда не опускается
// ниже настроенного минимума.
func (m *Model) SpeedForSize(size float64) float64 {
	if size <= 0 {
		size = m.cfg.BaseSize
	}

	speed := m.cfg.BaseSpeed * math.Pow(m.cfg.BaseSize/size, m.cfg.DecayExponent)
	if speed > m.cfg.BaseSpeed {
		speed = m.cfg.BaseSpeed
	}
	if speed < m.cfg.SpeedFloor {
		speed = m.cfg.SpeedFloor
	}
	return speed
}

// MaxSpeed возвращает предельную скорость с учётом ускорения
func (m *Model) MaxSpeed(size float64, boost bool) float64 {
	speed := m.SpeedForSize(size)
	if boost {
		speed *= m.cfg.BoostFactor
	}
	return speed
}

// Radius возвращает радиус круглой сущности для размера
func (m *Model) Radius(size float64) float64 {
	if size < 0 {
		size = 0
	}
	return math.Sqrt(size) * m.cfg.RadiusScale
}

// ClampToBounds возвращает ближайшую позицию, при которой сущность
// радиуса radius целиком лежит внутри мира. Идемпотентна.
func ClampToBounds(pos vec.Vec2, radius float64, bounds Bounds) vec.Vec2 {
	minX, maxX := radius, bounds.Width-radius
	minY, maxY := radius, bounds.Height-radius

	// Сущность шире мира: единственная допустимая точка — центр
	if minX > maxX {
		minX = bounds.Width / 2
		maxX = minX
	}
	if minY > maxY {
		minY = bounds.Height / 2
		maxY = minY
	}

	return vec.Vec2{
		X: math.Min(math.Max(pos.X, minX), maxX),
		Y: math.Min(math.Max(pos.Y, minY), maxY),
	}
}

// Step интегрирует один шаг движения длительностью dt секунд.
// move — вектор намерения с длиной ≤ 1 (более длинный зажимается).
// Возвращает новые позицию и скорость; позиция всегда внутри bounds.
func (m *Model) Step(pos, velocity, move vec.Vec2, size float64, boost bool, dt float64, bounds Bounds) (vec.Vec2, vec.Vec2) {
	if dt <= 0 {
		return ClampToBounds(pos, m.Radius(size), bounds), velocity
	}

	move = move.ClampLength(1.0)
	target := move.Mul(m.MaxSpeed(size, boost))

	// Скорость стремится к целевой с экспоненциальным затуханием
	blend := m.cfg.Damping * dt
	if blend > 1 {
		blend = 1
	}
	velocity = velocity.Add(target.Sub(velocity).Mul(blend))

	pos = pos.Add(velocity.Mul(dt))
	pos = ClampToBounds(pos, m.Radius(size), bounds)

	return pos, velocity
}
