// Package bot генерирует правдоподобный ввод для нагрузочных тестов и
// заполнения пустых комнат. Намерение движения берётся из шума Перлина:
// траектории выходят плавными, без роботных зигзагов случайного ввода.
package bot

import (
	"context"
	"time"

	"github.com/aquilax/go-perlin"

	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
	"github.com/TokeNoMax/agardotfun-sub001/internal/session"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

const (
	perlinAlpha   = 2.0 // Сглаживание шума
	perlinBeta    = 2.0 // Частота шума
	perlinOctaves = 3
)

// Wanderer подаёт в сессию плавно меняющееся намерение движения
type Wanderer struct {
	noise    *perlin.Perlin
	sess     *session.Session
	interval time.Duration
	speed    float64 // Скорость обхода шумового поля
	elapsed  float64
	stopCh   chan struct{}
	done     chan struct{}
}

// NewWanderer создаёт бота для сессии sess. Один seed — одна траектория.
func NewWanderer(sess *session.Session, seed int64, interval time.Duration) *Wanderer {
	return &Wanderer{
		noise:    perlin.NewPerlin(perlinAlpha, perlinBeta, perlinOctaves, seed),
		sess:     sess,
		interval: interval,
		speed:    0.15,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start запускает подачу ввода. Неблокирующий.
func (w *Wanderer) Start(ctx context.Context) {
	go w.loop(ctx)
	logging.LogInfo("Бот %s запущен", w.sess.EntityID())
}

// Stop останавливает бота и ждёт завершения цикла
func (w *Wanderer) Stop() {
	close(w.stopCh)
	<-w.done
}

func (w *Wanderer) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.elapsed += w.interval.Seconds() * w.speed
			w.sess.SubmitLocalInput(w.intentAt(w.elapsed))
		}
	}
}

// intentAt строит намерение из двух срезов шумового поля: по одному
// на компоненту. Ускорение включается на пиках шума, поэтому боты
// иногда ускоряются, как живые игроки.
func (w *Wanderer) intentAt(t float64) (vec.Vec2, bool) {
	// Noise2D возвращает значения примерно в [-1, 1]
	mx := w.noise.Noise2D(t, 0.0)
	my := w.noise.Noise2D(0.0, t)

	move := vec.Vec2{X: mx, Y: my}
	if move.Length() < 0.05 {
		// Мёртвая зона: бот отдыхает, а не дрожит на месте
		move = vec.Vec2{}
	}

	boost := w.noise.Noise2D(t, t) > 0.6
	return move.ClampLength(1), boost
}
