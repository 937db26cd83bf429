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

	"github.com/TokeNoMax/agardotfun-sub001/internal/api"
	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/eventbus"
	"github.com/TokeNoMax/agardotfun-sub001/internal/kinematics"
	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
	"github.com/TokeNoMax/agardotfun-sub001/internal/observability"
	"github.com/TokeNoMax/agardotfun-sub001/internal/relay"
	"github.com/TokeNoMax/agardotfun-sub001/internal/storage"
	"github.com/TokeNoMax/agardotfun-sub001/internal/validator"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (или ENV SYNC_CONFIG)")
	flag.Parse()

	// Инициализируем систему логирования
	if err := logging.InitLogger(); err != nil {
		log.Fatalf("Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseLogger()

	logging.LogInfo("Запуск сервера синхронизации состояния...")

	// === КОНФИГУРАЦИЯ ===
	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.LogError("Ошибка загрузки конфигурации: %v", err)
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	restAddr := fmt.Sprintf(":%d", cfg.Server.GetRESTPort())
	metricsAddr := fmt.Sprintf(":%d", cfg.Server.GetMetricsPort())
	logging.LogInfo("Конфигурация: KCP=%s, REST=%s, metrics=%s, storage=%s",
		cfg.Transport.KCPAddr, restAddr, metricsAddr, cfg.Storage.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === ИНИЦИАЛИЗАЦИЯ КОМПОНЕНТОВ ===

	// Трассировка (не фатальна: без OTLP-коллектора сервер работает)
	logging.LogDebug("Инициализация телеметрии...")
	shutdownTelemetry, err := observability.InitTelemetry(ctx, "sync-server")
	if err != nil {
		logging.LogWarn("Телеметрия недоступна: %v", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	// Хранилище позиций
	logging.LogDebug("Открытие хранилища позиций (%s)...", cfg.Storage.Backend)
	repo, err := storage.Open(cfg.Storage)
	if err != nil {
		logging.LogError("Ошибка открытия хранилища: %v", err)
		log.Fatalf("Ошибка открытия хранилища: %v", err)
	}

	// Архив нарушений (опционален: пустой URI выключает Mongo)
	var archive *storage.ViolationArchive
	if cfg.Storage.MongoURI != "" {
		logging.LogDebug("Подключение архива нарушений...")
		archive, err = storage.NewViolationArchive(ctx, cfg.Storage.MongoURI)
		if err != nil {
			logging.LogWarn("Архив нарушений недоступен: %v", err)
			archive = nil
		}
	}

	// Шина событий: NATS JetStream или in-memory
	logging.LogDebug("Запуск шины событий...")
	var bus eventbus.EventBus
	if cfg.EventBus.URL != "" {
		jsBus, err := eventbus.NewJetStreamBus(cfg.EventBus.URL, cfg.EventBus.Stream,
			time.Duration(cfg.EventBus.Retention)*time.Hour)
		if err != nil {
			logging.LogError("Ошибка подключения к NATS: %v", err)
			log.Fatalf("Ошибка подключения к NATS: %v", err)
		}
		bus = jsBus
	} else {
		bus = eventbus.NewMemoryBus(cfg.EventBus.Capacity)
	}
	if err := eventbus.StartLoggingListener(bus); err != nil {
		logging.LogWarn("Слушатель журнала шины не запущен: %v", err)
	}
	busMetrics := eventbus.NewMetricsExporter(bus)
	busMetrics.StartHTTP(metricsAddr)

	// Валидатор: нарушения уходят в журнал, шину и архив
	logging.LogDebug("Запуск валидатора...")
	bounds := kinematics.Bounds{Width: cfg.World.Width, Height: cfg.World.Height}
	gate := validator.New(cfg.Validator, kinematics.NewModel(cfg.Kinematics), bounds)
	gate.SetMetrics(validator.NewMetrics())
	gate.SetViolationHandler(func(v validator.Violation) {
		logging.LogViolation(v.EntityID, string(v.Kind), v.Severity.String(), v.Details)
		_ = bus.Publish(ctx, eventbus.NewViolationEvent("", v))
		if archive != nil {
			archive.Archive(v)
		}
	})
	if err := gate.Start(ctx); err != nil {
		logging.LogError("Ошибка запуска валидатора: %v", err)
		log.Fatalf("Ошибка запуска валидатора: %v", err)
	}

	// Хаб синхронизации
	logging.LogDebug("Запуск хаба синхронизации...")
	hub, err := relay.NewHub(cfg, gate)
	if err != nil {
		logging.LogError("Ошибка создания хаба: %v", err)
		log.Fatalf("Ошибка создания хаба: %v", err)
	}
	hub.SetRepo(repo)
	hub.SetEventBus(bus)
	if err := hub.Start(ctx, cfg.Transport.KCPAddr); err != nil {
		logging.LogError("Ошибка запуска хаба: %v", err)
		log.Fatalf("Ошибка запуска хаба: %v", err)
	}

	// REST API
	logging.LogDebug("Запуск REST API...")
	restServer := api.NewRestServer(api.Config{
		Port:      restAddr,
		Validator: gate,
		Repo:      repo,
		Archive:   archive,
	})
	go func() {
		if err := restServer.Start(); err != nil {
			logging.LogError("Ошибка REST API: %v", err)
		}
	}()

	logging.LogInfo("Все сервисы запущены и готовы принимать соединения")
	logging.LogInfo("  Синхронизация: KCP %s", cfg.Transport.KCPAddr)
	logging.LogInfo("  REST API: http://localhost%s", restAddr)
	logging.LogInfo("  Health check: http://localhost%s/health", restAddr)
	logging.LogInfo("  Prometheus: http://localhost%s/metrics", metricsAddr)

	// Канал для получения сигналов ОС
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logging.LogInfo("Получен сигнал %v, завершение работы...", sig)

	// === GRACEFUL SHUTDOWN ===
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logging.LogDebug("Остановка REST API...")
	if err := restServer.Shutdown(shutdownCtx); err != nil {
		logging.LogError("Ошибка остановки REST API: %v", err)
	}

	logging.LogDebug("Остановка хаба...")
	if err := hub.Stop(); err != nil {
		logging.LogError("Ошибка остановки хаба: %v", err)
	}

	logging.LogDebug("Остановка валидатора...")
	_ = gate.Stop()

	busMetrics.Stop()
	if err := bus.Close(); err != nil {
		logging.LogError("Ошибка остановки шины: %v", err)
	}

	if archive != nil {
		_ = archive.Close(shutdownCtx)
	}
	if err := repo.Close(); err != nil {
		logging.LogError("Ошибка закрытия хранилища: %v", err)
	}
	_ = shutdownTelemetry(shutdownCtx)

	logging.LogInfo("Сервер успешно остановлен")
}
