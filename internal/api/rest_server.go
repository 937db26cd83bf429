// Package api отдаёт наблюдаемость подсистемы синхронизации по HTTP:
// здоровье процесса, уровни риска античита, сохранённые позиции, метрики.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
	"github.com/TokeNoMax/agardotfun-sub001/internal/middleware"
	"github.com/TokeNoMax/agardotfun-sub001/internal/storage"
	"github.com/TokeNoMax/agardotfun-sub001/internal/validator"
)

// RestServer представляет REST API сервер наблюдаемости
type RestServer struct {
	router    *gin.Engine
	port      string
	gate      *validator.Validator
	repo      storage.PositionRepo
	archive   *storage.ViolationArchive // nil — архив выключен
	startTime time.Time
	srv       *http.Server
}

// Config содержит конфигурацию REST сервера
type Config struct {
	Port      string
	Validator *validator.Validator
	Repo      storage.PositionRepo
	Archive   *storage.ViolationArchive
}

// NewRestServer создаёт REST API сервер
func NewRestServer(config Config) *RestServer {
	if config.Port == "" {
		config.Port = ":8088"
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	loggerMw := middleware.NewRequestLogger()
	router.Use(loggerMw.Handler())

	router.Use(otelgin.Middleware("sync_api"))

	promMw := middleware.NewPrometheusMiddleware("sync_api")
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router)

	server := &RestServer{
		router:    router,
		port:      config.Port,
		gate:      config.Validator,
		repo:      config.Repo,
		archive:   config.Archive,
		startTime: time.Now(),
	}

	server.setupRoutes()
	return server
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	api := rs.router.Group("/api")
	{
		api.GET("/status", rs.handleStatus)

		risk := api.Group("/risk")
		{
			risk.GET("", rs.handleRiskOverview)
			risk.GET("/:entity", rs.handleEntityRisk)
		}

		api.GET("/rooms/:room/positions/:entity", rs.handlePosition)
	}

	rs.router.GET("/health", rs.handleHealth)
}

// Start запускает HTTP сервер. Блокирующий.
func (rs *RestServer) Start() error {
	rs.srv = &http.Server{
		Addr:    rs.port,
		Handler: rs.router,
	}

	logging.LogInfo("REST API запущен на %s", rs.port)
	if err := rs.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("REST сервер: %w", err)
	}
	return nil
}

// Shutdown корректно останавливает HTTP сервер
func (rs *RestServer) Shutdown(ctx context.Context) error {
	if rs.srv == nil {
		return nil
	}
	return rs.srv.Shutdown(ctx)
}

// handleHealth отвечает на health check
func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(rs.startTime).String(),
	})
}

// handleStatus возвращает состояние процесса и подсистемы
func (rs *RestServer) handleStatus(c *gin.Context) {
	status := gin.H{
		"uptime": time.Since(rs.startTime).String(),
	}

	if cpuPercents, err := cpu.Percent(0, false); err == nil && len(cpuPercents) > 0 {
		status["cpu_percent"] = cpuPercents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status["memory_used_mb"] = vm.Used / 1024 / 1024
		status["memory_percent"] = vm.UsedPercent
	}
	if rs.gate != nil {
		status["tracked_entities"] = len(rs.gate.TrackedEntities())
	}

	c.JSON(http.StatusOK, status)
}

// handleRiskOverview возвращает уровни риска всех отслеживаемых сущностей
func (rs *RestServer) handleRiskOverview(c *gin.Context) {
	if rs.gate == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "валидатор не подключен"})
		return
	}

	out := make([]gin.H, 0)
	for _, entityID := range rs.gate.TrackedEntities() {
		out = append(out, gin.H{
			"entity_id": entityID,
			"risk":      rs.gate.RiskLevel(entityID).String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"entities": out})
}

// handleEntityRisk возвращает риск и нарушения одной сущности
func (rs *RestServer) handleEntityRisk(c *gin.Context) {
	if rs.gate == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "валидатор не подключен"})
		return
	}

	entityID := c.Param("entity")

	violations := rs.gate.Violations(entityID)
	recent := make([]gin.H, 0, len(violations))
	for _, v := range violations {
		recent = append(recent, gin.H{
			"kind":      string(v.Kind),
			"severity":  v.Severity.String(),
			"details":   v.Details,
			"timestamp": v.Timestamp,
		})
	}

	resp := gin.H{
		"entity_id":  entityID,
		"risk":       rs.gate.RiskLevel(entityID).String(),
		"violations": recent,
	}

	// Архив добавляет длинную историю, если подключен
	if rs.archive != nil {
		archived, err := rs.archive.Recent(c.Request.Context(), entityID, 100)
		if err != nil {
			logging.LogWarn("Чтение архива нарушений %s: %v", entityID, err)
		} else {
			resp["archived_count"] = len(archived)
		}
	}

	c.JSON(http.StatusOK, resp)
}

// handlePosition возвращает сохранённую позицию участника комнаты
func (rs *RestServer) handlePosition(c *gin.Context) {
	if rs.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "хранилище не подключено"})
		return
	}

	roomID := c.Param("room")
	entityID := c.Param("entity")

	rec, found, err := rs.repo.Load(c.Request.Context(), roomID, entityID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "позиция не найдена"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id":    rec.RoomID,
		"entity_id":  rec.EntityID,
		"x":          rec.Position.X,
		"y":          rec.Position.Y,
		"size":       rec.Size,
		"updated_at": rec.UpdatedAt,
	})
}
