// Симуляционный клиент: подключается к хабу по KCP (или к комнате NATS)
// и блуждает по миру, печатая наблюдаемые состояния. Используется для
// ручной проверки протокола и нагрузочных прогонов.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TokeNoMax/agardotfun-sub001/internal/bot"
	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/game"
	"github.com/TokeNoMax/agardotfun-sub001/internal/kinematics"
	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
	"github.com/TokeNoMax/agardotfun-sub001/internal/session"
	"github.com/TokeNoMax/agardotfun-sub001/internal/transport"
	"github.com/TokeNoMax/agardotfun-sub001/internal/validator"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

func main() {
	var (
		addr     = flag.String("addr", "localhost:7778", "адрес KCP хаба (или NATS при -nats)")
		useNATS  = flag.Bool("nats", false, "подключаться через NATS вместо KCP")
		roomID   = flag.String("room", "arena", "идентификатор комнаты")
		entityID = flag.String("id", "", "идентификатор сущности (по умолчанию sim-<pid>)")
		seed     = flag.Int64("seed", 0, "сид траектории блуждания (0 — от времени)")
		quiet    = flag.Bool("quiet", false, "не печатать наблюдаемые состояния")
	)
	flag.Parse()

	if err := logging.InitLogger(); err != nil {
		log.Fatalf("Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseLogger()

	if *entityID == "" {
		*entityID = fmt.Sprintf("sim-%d", os.Getpid())
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var channel transport.SyncChannel
	if *useNATS {
		channel = transport.NewNATSChannel(*roomID)
	} else {
		channel = transport.NewKCPChannel()
	}

	adapter, err := transport.NewAdapter(cfg.Transport, channel, *entityID, *roomID)
	if err != nil {
		log.Fatalf("Ошибка создания адаптера: %v", err)
	}

	spawn := vec.Vec2{X: cfg.World.Width / 2, Y: cfg.World.Height / 2}
	sess := session.New(cfg, adapter, game.NewEntity(*entityID, spawn, cfg.Kinematics.BaseSize), *roomID)

	// Локальный валидатор защищает клиента от чужих подделанных снимков
	bounds := kinematics.Bounds{Width: cfg.World.Width, Height: cfg.World.Height}
	gate := validator.New(cfg.Validator, kinematics.NewModel(cfg.Kinematics), bounds)
	sess.SetValidator(gate)

	if err := sess.Start(ctx, *addr); err != nil {
		log.Fatalf("Ошибка подключения к %s: %v", *addr, err)
	}

	wanderer := bot.NewWanderer(sess, *seed, 50*time.Millisecond)
	wanderer.Start(ctx)

	logging.LogInfo("Клиент %s блуждает в комнате %s (seed=%d)", *entityID, *roomID, *seed)

	if !*quiet {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					local := sess.LocalState()
					fmt.Printf("[%s] pos=(%.0f, %.0f) size=%.1f наблюдаемых=%d\n",
						*entityID, local.Position.X, local.Position.Y, local.Size,
						len(sess.RenderableStates())-1)
				}
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.LogInfo("Остановка клиента...")
	wanderer.Stop()
	if err := sess.Stop(); err != nil {
		logging.LogError("Ошибка остановки сессии: %v", err)
	}
}
