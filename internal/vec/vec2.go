package vec

import "math"

// Vec2 представляет 2D координаты с плавающей точкой (мировые единицы)
type Vec2 struct {
	X, Y float64
}

// Add складывает два вектора
func (v Vec2) Add(other Vec2) Vec2 {
	return Vec2{X: v.X + other.X, Y: v.Y + other.Y}
}

// Sub вычитает вектор
func (v Vec2) Sub(other Vec2) Vec2 {
	return Vec2{X: v.X - other.X, Y: v.Y - other.Y}
}

// Mul умножает вектор на скаляр
func (v Vec2) Mul(scalar float64) Vec2 {
	return Vec2{X: v.X * scalar, Y: v.Y * scalar}
}

// Length возвращает длину вектора
func (v Vec2) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y)
}

// LengthSq возвращает квадрат длины (без вычисления корня)
func (v Vec2) LengthSq() float64 {
	return v.X*v.X + v.Y*v.Y
}

// Normalized возвращает нормализованный вектор
func (v Vec2) Normalized() Vec2 {
	length := v.Length()
	if length == 0 {
		return Vec2{X: 0, Y: 0}
	}
	return Vec2{X: v.X / length, Y: v.Y / length}
}

// Distance возвращает евклидово расстояние между двумя точками
func (v Vec2) Distance(other Vec2) float64 {
	return v.Sub(other).Length()
}

// Lerp возвращает линейную интерполяцию между v и other.
// t=0 даёт v, t=1 даёт other; t вне [0,1] не экстраполирует, а зажимается.
func (v Vec2) Lerp(other Vec2, t float64) Vec2 {
	if t <= 0 {
		return v
	}
	if t >= 1 {
		return other
	}
	return Vec2{
		X: v.X + (other.X-v.X)*t,
		Y: v.Y + (other.Y-v.Y)*t,
	}
}

// ClampLength ограничивает длину вектора максимумом max
func (v Vec2) ClampLength(max float64) Vec2 {
	if max <= 0 {
		return Vec2{}
	}
	lengthSq := v.LengthSq()
	if lengthSq <= max*max {
		return v
	}
	scale := max / math.Sqrt(lengthSq)
	return Vec2{X: v.X * scale, Y: v.Y * scale}
}

// IsZero проверяет, является ли вектор нулевым
func (v Vec2) IsZero() bool {
	return v.X == 0 && v.Y == 0
}
