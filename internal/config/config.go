package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting of the telemetry pipeline. One value is
// assembled at start-up and injected into each component.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Sampling     SamplingConfig     `yaml:"sampling"`
	Sanitization SanitizationConfig `yaml:"sanitization"`
	Performance  PerformanceConfig  `yaml:"performance"`
	Health       HealthConfig       `yaml:"health"`
	Query        QueryConfig        `yaml:"query"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Storage      StorageConfig      `yaml:"storage"`
	Cache        CacheConfig        `yaml:"cache"`
	Influx       InfluxConfig       `yaml:"influx"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout" validate:"gte=0"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig controls ingestion and buffering.
type TelemetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	BufferSize      int           `yaml:"bufferSize" validate:"gte=1"`
	AsyncProcessing bool          `yaml:"asyncProcessing"`
	FlushInterval   time.Duration `yaml:"flushInterval" validate:"gte=0"`
	WorkerQueue     int           `yaml:"workerQueue" validate:"gte=1"`
}

// SamplingConfig holds sampling probabilities. Rates are keyed by
// "<domain>" or "<domain>.<event>"; the most specific key wins.
type SamplingConfig struct {
	Default float64            `yaml:"default" validate:"gte=0,lte=1"`
	Rates   map[string]float64 `yaml:"rates" validate:"dive,gte=0,lte=1"`
}

// SanitizationConfig controls redaction of sensitive or oversized values.
type SanitizationConfig struct {
	SensitivePatterns []string `yaml:"sensitivePatterns"`
	MaxFieldLength    int      `yaml:"maxFieldLength" validate:"gte=0"`
	// HashValues selects hashing over plain redaction/truncation.
	HashValues        bool `yaml:"hashValues"`
	AnonymizeUserData bool `yaml:"anonymizeUserData"`
}

// Thresholds are the upper bounds, in milliseconds, of the fast, normal and
// slow performance classes.
type Thresholds struct {
	Fast   float64 `yaml:"fast" validate:"gte=0"`
	Normal float64 `yaml:"normal" validate:"gtefield=Fast"`
	Slow   float64 `yaml:"slow" validate:"gtefield=Normal"`
}

// PerformanceConfig holds default and per-component thresholds.
type PerformanceConfig struct {
	Default    Thresholds            `yaml:"default"`
	Components map[string]Thresholds `yaml:"components" validate:"dive"`
}

// HealthConfig controls the health monitor.
type HealthConfig struct {
	FailureThreshold  int           `yaml:"failureThreshold" validate:"gte=1"`
	RecoveryThreshold int           `yaml:"recoveryThreshold" validate:"gte=1"`
	CheckTimeout      time.Duration `yaml:"checkTimeout" validate:"gt=0"`
	Interval          time.Duration `yaml:"interval" validate:"gte=0"`
	Parallelism       int           `yaml:"parallelism" validate:"gte=1"`
}

// QueryConfig controls the read side.
type QueryConfig struct {
	DefaultLimit    int `yaml:"defaultLimit" validate:"gte=1"`
	MaxLimit        int `yaml:"maxLimit" validate:"gtefield=DefaultLimit"`
	CacheTTLMinutes int `yaml:"cacheTTLMinutes" validate:"gte=0"`
}

// AlertsConfig controls system-level health alerts.
type AlertsConfig struct {
	OverallHealthThreshold float64 `yaml:"overallHealthThreshold" validate:"gte=0,lte=100"`
	RunbookPath            string  `yaml:"runbookPath"`
}

// StorageConfig selects and configures the durable store.
type StorageConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=memory postgres badger"`
	DSN             string        `yaml:"dsn" validate:"required_if=Driver postgres"`
	MigrateOnStart  bool          `yaml:"migrateOnStart"`
	BadgerPath      string        `yaml:"badgerPath"`
	BadgerInMemory  bool          `yaml:"badgerInMemory"`
	BadgerSync      bool          `yaml:"badgerSyncWrites"`
	OperationTimout time.Duration `yaml:"operationTimeout" validate:"gte=0"`
}

// CacheConfig controls Redis/Valkey-backed caching of query statistics.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	KeyPrefix    string        `yaml:"keyPrefix"`
}

// InfluxConfig controls the optional InfluxDB metric mirror.
type InfluxConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url" validate:"required_if=Enabled true"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_TELEMETRY_CONFIG")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Telemetry: TelemetryConfig{
			Enabled:         true,
			BufferSize:      100,
			AsyncProcessing: true,
			FlushInterval:   5 * time.Second,
			WorkerQueue:     64,
		},
		Sampling: SamplingConfig{Default: 1.0, Rates: map[string]float64{}},
		Sanitization: SanitizationConfig{
			SensitivePatterns: []string{
				`(?i)passw(or)?d`,
				`(?i)secret`,
				`(?i)^(access_|refresh_|auth_|bearer_|session_|id_)?token$`,
				`(?i)api[_-]?key`,
				`(?i)authorization`,
				`(?i)credential`,
				`(?i)private[_-]?key`,
			},
			MaxFieldLength:    1000,
			HashValues:        false,
			AnonymizeUserData: false,
		},
		Performance: PerformanceConfig{
			Default:    Thresholds{Fast: 100, Normal: 500, Slow: 2000},
			Components: map[string]Thresholds{},
		},
		Health: HealthConfig{
			FailureThreshold:  3,
			RecoveryThreshold: 2,
			CheckTimeout:      1000 * time.Millisecond,
			Interval:          30 * time.Second,
			Parallelism:       4,
		},
		Query: QueryConfig{
			DefaultLimit:    100,
			MaxLimit:        10000,
			CacheTTLMinutes: 5,
		},
		Alerts: AlertsConfig{OverallHealthThreshold: 80},
		Storage: StorageConfig{
			Driver:          "memory",
			BadgerPath:      "data/telemetry",
			BadgerSync:      true,
			OperationTimout: 5 * time.Second,
		},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			KeyPrefix:    "mirador-telemetry:",
		},
		Influx: InfluxConfig{Measurement: "telemetry_metrics"},
	}
}

// ThresholdsFor returns the thresholds configured for component, falling back
// to the defaults.
func (c PerformanceConfig) ThresholdsFor(component string) Thresholds {
	if t, ok := c.Components[component]; ok {
		return t
	}
	return c.Default
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_TELEMETRY_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Telemetry.BufferSize = n
		}
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_ASYNC_PROCESSING"); v != "" {
		cfg.Telemetry.AsyncProcessing = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Telemetry.FlushInterval = d
		}
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_SAMPLING_DEFAULT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sampling.Default = f
		}
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_MAX_FIELD_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sanitization.MaxFieldLength = n
		}
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_HASH_VALUES"); v != "" {
		cfg.Sanitization.HashValues = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_ANONYMIZE_USER_DATA"); v != "" {
		cfg.Sanitization.AnonymizeUserData = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_HEALTH_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Health.FailureThreshold = n
		}
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_HEALTH_RECOVERY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Health.RecoveryThreshold = n
		}
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_HEALTH_CHECK_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Health.CheckTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_QUERY_DEFAULT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Query.DefaultLimit = n
		}
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_QUERY_MAX_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Query.MaxLimit = n
		}
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_CACHE_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Query.CacheTTLMinutes = n
		}
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_ALERT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Alerts.OverallHealthThreshold = f
		}
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_DATABASE_URL"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_BADGER_PATH"); v != "" {
		cfg.Storage.BadgerPath = v
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_INFLUX_URL"); v != "" {
		cfg.Influx.URL = v
		cfg.Influx.Enabled = true
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_INFLUX_TOKEN"); v != "" {
		cfg.Influx.Token = v
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
