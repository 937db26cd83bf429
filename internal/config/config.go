package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации приложения.
// Все числовые допуски синхронизации настраиваемые: исторические варианты
// исходной игры использовали слегка разные константы, поэтому ни одна из них
// не зашита в код.

type Config struct {
	World      WorldConfig      `yaml:"world"`
	Kinematics KinematicsConfig `yaml:"kinematics"`
	Prediction PredictionConfig `yaml:"prediction"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Interp     InterpConfig     `yaml:"interp"`
	Validator  ValidatorConfig  `yaml:"validator"`
	Transport  TransportConfig  `yaml:"transport"`
	Storage    StorageConfig    `yaml:"storage"`
	EventBus   EventBusConfig   `yaml:"eventbus"`
	Server     ServerConfig     `yaml:"server"`
}

// WorldConfig задаёт границы игрового мира
type WorldConfig struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// KinematicsConfig задаёт кривую скорости от размера
type KinematicsConfig struct {
	BaseSpeed     float64 `yaml:"base_speed"`     // Скорость при базовом размере (ед/сек)
	SpeedFloor    float64 `yaml:"speed_floor"`    // Минимальная скорость (сущности никогда не останавливаются)
	DecayExponent float64 `yaml:"decay_exponent"` // Показатель затухания скорости с ростом размера
	BaseSize      float64 `yaml:"base_size"`      // Размер, при котором скорость равна BaseSpeed
	BoostFactor   float64 `yaml:"boost_factor"`   // Множитель скорости при ускорении
	Damping       float64 `yaml:"damping"`        // Коэффициент затухания скорости за секунду
	RadiusScale   float64 `yaml:"radius_scale"`   // Масштаб радиуса относительно корня из размера
}

// PredictionConfig настройки локального предсказания
type PredictionConfig struct {
	MaxHistory    int           `yaml:"max_history"`     // Максимум записей в буфере предсказаний
	MaxHistoryAge time.Duration `yaml:"max_history_age"` // Максимальный возраст записи
	SampleRate    time.Duration `yaml:"sample_rate"`     // Частота выборки ввода (по умолчанию 20ms = 50Hz)
}

// ReconcileConfig настройки сверки с авторитетным состоянием
type ReconcileConfig struct {
	ErrorTolerance float64 `yaml:"error_tolerance"` // Порог ошибки (мировые единицы), ниже которого позиция не корректируется
	BlendFactor    float64 `yaml:"blend_factor"`    // Доля коррекции на единицу ошибки
	MaxBlend       float64 `yaml:"max_blend"`       // Верхняя граница доли коррекции за один шаг
	SnapDistance   float64 `yaml:"snap_distance"`   // Ошибка, выше которой позиция принимается целиком
}

// InterpConfig настройки интерполяции удалённых сущностей
type InterpConfig struct {
	RenderDelay      time.Duration `yaml:"render_delay"`      // Задержка рендера позади "сейчас" (100-150ms)
	MaxSnapshots     int           `yaml:"max_snapshots"`     // Размер буфера снимков на сущность
	StaleAfter       time.Duration `yaml:"stale_after"`       // Порог устаревания, после которого сущность выбрасывается
	ExtrapolationCap time.Duration `yaml:"extrapolation_cap"` // Максимальное время экстраполяции вперёд
	SizeLerpRate     float64       `yaml:"size_lerp_rate"`    // Скорость сглаживания размера (доля за тик)
}

// ValidatorConfig настройки античит-валидатора
type ValidatorConfig struct {
	SpeedTolerance     float64       `yaml:"speed_tolerance"`      // Множитель допуска скорости (1.2-1.5)
	MaxSpeedFactor     float64       `yaml:"max_speed_factor"`     // Жёсткий потолок множителя скорости (с учётом ускорения)
	FoodGainFraction   float64       `yaml:"food_gain_fraction"`   // Доля размера еды, переходящая в размер
	MinSize            float64       `yaml:"min_size"`             // Абсолютный минимум размера
	MaxSize            float64       `yaml:"max_size"`             // Абсолютный максимум размера
	MinEatRatio        float64       `yaml:"min_eat_ratio"`        // Минимальное отношение размеров для поглощения
	AbsorptionFraction float64       `yaml:"absorption_fraction"`  // Доля размера жертвы, переходящая поглотителю
	SizeGainTolerance  float64       `yaml:"size_gain_tolerance"`  // Абсолютный допуск прироста размера
	CollisionTolerance float64       `yaml:"collision_tolerance"`  // Допуск дистанции коллизии (доля суммы радиусов)
	MinInputInterval   time.Duration `yaml:"min_input_interval"`   // Минимальный интервал между вводами
	MaxInputsPerSecond int           `yaml:"max_inputs_per_second"`// Лимит вводов в скользящем окне 1с
	MaxClockSkew       time.Duration `yaml:"max_clock_skew"`       // Допустимое расхождение часов отправителя
	HistorySize        int           `yaml:"history_size"`         // Снимков в скользящей истории на сущность
	ViolationLogSize   int           `yaml:"violation_log_size"`   // Размер журнала нарушений на сущность
	InactivityTimeout  time.Duration `yaml:"inactivity_timeout"`   // GC состояния неактивных отправителей
}

// TransportConfig настройки транспортного адаптера
type TransportConfig struct {
	NATSUrl           string        `yaml:"nats_url"`
	KCPAddr           string        `yaml:"kcp_addr"`
	BroadcastRate     time.Duration `yaml:"broadcast_rate"`     // Частота рассылки позиции (20ms = 50Hz)
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // Интервал presence keep-alive
	ReconnectMin      time.Duration `yaml:"reconnect_min"`      // Начальная пауза переподключения
	ReconnectMax      time.Duration `yaml:"reconnect_max"`      // Максимальная пауза переподключения
	CompressThreshold int           `yaml:"compress_threshold"` // Размер полезной нагрузки, с которого включается zstd
	TokenSecret       string        `yaml:"token_secret"`       // Секрет подписи токенов возобновления сессии
	TokenTTL          time.Duration `yaml:"token_ttl"`
}

// StorageConfig настройки долговременного хранения позиций
type StorageConfig struct {
	Backend      string        `yaml:"backend"` // memory | redis | badger | maria
	RedisAddr    string        `yaml:"redis_addr"`
	BadgerPath   string        `yaml:"badger_path"`
	MariaDSN     string        `yaml:"maria_dsn"`
	MongoURI     string        `yaml:"mongo_uri"` // Архив нарушений (пусто — выключено)
	SaveInterval time.Duration `yaml:"save_interval"` // Период автосохранения (200ms = 5Hz)
}

// EventBusConfig настройки шины событий
type EventBusConfig struct {
	URL       string `yaml:"url"` // NATS JetStream; пусто — in-memory шина
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
	Capacity  int    `yaml:"capacity"` // Буфер in-memory шины
}

// ServerConfig порты серверных интерфейсов
type ServerConfig struct {
	RESTPort    int `yaml:"rest_port"`
	MetricsPort int `yaml:"metrics_port"`
}

// GetRESTPort возвращает REST API порт с поддержкой fallback значений
func (s *ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "SYNC_REST_PORT", 8088)
}

// GetMetricsPort возвращает Prometheus метрики порт с поддержкой fallback значений
func (s *ServerConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(s.MetricsPort, "SYNC_METRICS_PORT", 2112)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	return defaultPort
}

// Default возвращает конфигурацию со значениями по умолчанию.
// Допуски взяты из середины диапазонов, наблюдавшихся в рабочих вариантах.
func Default() *Config {
	return &Config{
		World: WorldConfig{Width: 2000, Height: 2000},
		Kinematics: KinematicsConfig{
			BaseSpeed:     180.0,
			SpeedFloor:    40.0,
			DecayExponent: 0.45,
			BaseSize:      20.0,
			BoostFactor:   1.8,
			Damping:       6.0,
			RadiusScale:   4.0,
		},
		Prediction: PredictionConfig{
			MaxHistory:    64,
			MaxHistoryAge: 200 * time.Millisecond,
			SampleRate:    20 * time.Millisecond,
		},
		Reconcile: ReconcileConfig{
			ErrorTolerance: 3.0,
			BlendFactor:    0.3,
			MaxBlend:       0.85,
			SnapDistance:   120.0,
		},
		Interp: InterpConfig{
			RenderDelay:      120 * time.Millisecond,
			MaxSnapshots:     5,
			StaleAfter:       2 * time.Second,
			ExtrapolationCap: 250 * time.Millisecond,
			SizeLerpRate:     0.15,
		},
		Validator: ValidatorConfig{
			SpeedTolerance:     1.3,
			MaxSpeedFactor:     2.0,
			FoodGainFraction:   0.5,
			MinSize:            1.0,
			MaxSize:            500.0,
			MinEatRatio:        1.05,
			AbsorptionFraction: 0.8,
			SizeGainTolerance:  0.5,
			CollisionTolerance: 0.15,
			MinInputInterval:   10 * time.Millisecond,
			MaxInputsPerSecond: 60,
			MaxClockSkew:       5 * time.Second,
			HistorySize:        10,
			ViolationLogSize:   50,
			InactivityTimeout:  5 * time.Minute,
		},
		Transport: TransportConfig{
			NATSUrl:           "nats://localhost:4222",
			KCPAddr:           "localhost:7778",
			BroadcastRate:     20 * time.Millisecond,
			HeartbeatInterval: 5 * time.Second,
			ReconnectMin:      250 * time.Millisecond,
			ReconnectMax:      8 * time.Second,
			CompressThreshold: 512,
			TokenTTL:          time.Hour,
		},
		Storage: StorageConfig{
			Backend:      "memory",
			RedisAddr:    "localhost:6379",
			BadgerPath:   "data/positions",
			SaveInterval: 200 * time.Millisecond,
		},
		EventBus: EventBusConfig{
			Stream:   "SYNC_EVENTS",
			Capacity: 1024,
		},
	}
}

// Load читает YAML файл конфигурации поверх значений по умолчанию.
// Если path == "", пытается прочитать из ENV SYNC_CONFIG или возвращает дефолты.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("SYNC_CONFIG")
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
