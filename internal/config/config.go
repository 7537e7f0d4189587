package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	// StationsFile is the YAML file listing stations and safety sensors.
	StationsFile          string
	HumanInterventionFile string
	StartupTimeout        time.Duration

	// Driver selects the reading repository: sqlite3, postgres or none.
	Driver          string
	DSN             string
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PostgresURL     string

	// Optional sinks; empty disables them.
	RedisAddr    string
	RedisTTL     time.Duration
	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	KafkaBrokers []string
	KafkaTopic   string
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	httpAddr := envOr("HTTP_ADDR", ":8080")
	stationsFile := envOr("STATIONS_FILE", "stations.yaml")
	interventionFile := envOr("HUMAN_INTERVENTION_FILE", "/var/run/cloudpico/human-intervention.json")

	startupTimeout, err := parseDuration("STARTUP_TIMEOUT", "2m")
	if err != nil {
		return Config{}, err
	}

	driver := envOr("DB_DRIVER", "sqlite3")
	switch driver {
	case "sqlite3", "postgres", "none":
	default:
		return Config{}, fmt.Errorf("invalid DB_DRIVER %q (allowed: sqlite3, postgres, none)", driver)
	}
	dsn := strings.TrimSpace(os.Getenv("DB_DSN"))
	path := envOr("SQLITE_PATH", "data/stations.db")

	maxOpenConns, err := parseInt("DB_MAX_OPEN_CONNS", "1")
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := parseInt("DB_MAX_IDLE_CONNS", "1")
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := parseDuration("DB_CONN_MAX_LIFETIME", "0s")
	if err != nil {
		return Config{}, err
	}

	postgresURL := strings.TrimSpace(os.Getenv("POSTGRES_URL"))
	if driver == "postgres" && postgresURL == "" {
		return Config{}, fmt.Errorf("POSTGRES_URL is required when DB_DRIVER=postgres")
	}

	redisTTL, err := parseDuration("REDIS_TTL", "24h")
	if err != nil {
		return Config{}, err
	}
	mqttPort, err := parseInt("MQTT_PORT", "1883")
	if err != nil {
		return Config{}, err
	}

	var brokers []string
	for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}

	return Config{
		AppEnv:                appEnv,
		LogLevel:              level,
		HTTPAddr:              httpAddr,
		StationsFile:          stationsFile,
		HumanInterventionFile: interventionFile,
		StartupTimeout:        startupTimeout,
		Driver:                driver,
		DSN:                   dsn,
		Path:                  path,
		MaxOpenConns:          maxOpenConns,
		MaxIdleConns:          maxIdleConns,
		ConnMaxLifetime:       connMaxLifetime,
		PostgresURL:           postgresURL,
		RedisAddr:             strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisTTL:              redisTTL,
		MQTTBroker:            strings.TrimSpace(os.Getenv("MQTT_BROKER")),
		MQTTPort:              mqttPort,
		MQTTClientID:          envOr("MQTT_CLIENT_ID", "cloudpico-stations"),
		KafkaBrokers:          brokers,
		KafkaTopic:            envOr("KAFKA_TOPIC", "station-readings"),
	}, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func parseInt(key, def string) (int, error) {
	s := envOr(key, def)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func parseDuration(key, def string) (time.Duration, error) {
	s := envOr(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
