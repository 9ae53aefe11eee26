package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config содержит сервисную конфигурацию процесса.
// Конфигурации адаптеров хранятся отдельно (см. internal/storage).
type Config struct {
	RESTPort string `mapstructure:"rest_port"`
	LogLevel string `mapstructure:"log_level"`
	DataDir  string `mapstructure:"data_dir"`

	JWTSecret string `mapstructure:"jwt_secret"`

	Anomaly AnomalyConfig `mapstructure:"anomaly"`
	Legacy  LegacyConfig  `mapstructure:"legacy"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

// AnomalyConfig задаёт параметры детектора по умолчанию
type AnomalyConfig struct {
	DefaultSensitivity float64 `mapstructure:"default_sensitivity"`
}

// LegacyConfig задаёт параметры легаси-сервиса опроса уровней
type LegacyConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	APIURL          string `mapstructure:"api_url"`
	APIKey          string `mapstructure:"api_key"`
	TankID          string `mapstructure:"tank_id"`
	PollingInterval int    `mapstructure:"polling_interval"` // секунды, без нижней границы
}

// ArchiveConfig задаёт параметры необязательного архива показаний в Postgres
type ArchiveConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// Enabled сообщает, настроен ли архив
func (c ArchiveConfig) Enabled() bool { return c.DSN != "" }

// LoadConfig читает config.yaml из указанного каталога с наложением
// переменных окружения
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("TANKMON")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// отсутствие файла не является ошибкой - работаем на дефолтах
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rest_port", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("data_dir", "data")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("anomaly.default_sensitivity", 0.05)
	v.SetDefault("legacy.enabled", false)
	v.SetDefault("legacy.api_url", "")
	v.SetDefault("legacy.api_key", "")
	v.SetDefault("legacy.tank_id", "tank1")
	v.SetDefault("legacy.polling_interval", 60)
	v.SetDefault("archive.dsn", "")
	v.SetDefault("archive.max_connections", 10)
	v.SetDefault("archive.min_connections", 2)
	v.SetDefault("archive.max_conn_lifetime", time.Hour)
	v.SetDefault("archive.max_conn_idle_time", 30*time.Minute)
}
