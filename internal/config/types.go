package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Database      DatabaseConfig      `yaml:"database" json:"database"`
	Logger        LoggerConfig        `yaml:"logger" json:"logger"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch" json:"elasticsearch"`
	Telemetry     TelemetryConfig     `yaml:"telemetry" json:"telemetry"`
	Evaluator     EvaluatorConfig     `yaml:"evaluator" json:"evaluator"`
	Delivery      DeliveryConfig      `yaml:"delivery" json:"delivery"`
	Escalation    EscalationConfig    `yaml:"escalation" json:"escalation"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit" json:"ratelimit"`
	Redis         RedisConfig         `yaml:"redis" json:"redis"`
	SNMP          SNMPConfig          `yaml:"snmp" json:"snmp"`
	MQTT          MQTTConfig          `yaml:"mqtt" json:"mqtt"`
}

type ServerConfig struct {
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	Host     string `yaml:"host" json:"host"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver" json:"driver"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"-"`
	DBName   string `yaml:"dbname" json:"dbname"`
	SSLMode  string `yaml:"sslmode" json:"sslmode"`
	LogLevel string `yaml:"log_level" json:"log_level"` // gorm logger: debug, warn, error, silent
}

type LoggerConfig struct {
	Level    string `yaml:"level" json:"level"`         // debug, info, warn, error
	Output   string `yaml:"output" json:"output"`       // stdout, stderr, or file path
	AlertDir string `yaml:"alert_dir" json:"alert_dir"` // JSONL alert audit directory when ES is disabled
}

type ElasticsearchConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	Addresses        []string `yaml:"addresses" json:"addresses"`
	Username         string   `yaml:"username" json:"username"`
	Password         string   `yaml:"password" json:"-"`
	AlertIndexPrefix string   `yaml:"alert_index_prefix" json:"alert_index_prefix"` // daily alert audit index
	TelemetryIndex   string   `yaml:"telemetry_index" json:"telemetry_index"`       // index or alias holding samples
}

type TelemetryConfig struct {
	Source string `yaml:"source" json:"source"` // sql or elasticsearch
}

type EvaluatorConfig struct {
	IntervalSeconds int     `yaml:"interval_seconds" json:"interval_seconds"`
	LookbackSeconds int     `yaml:"lookback_seconds" json:"lookback_seconds"` // THRESHOLD sample lookback
	Concurrency     int     `yaml:"concurrency" json:"concurrency"`
	AnomalySigma    float64 `yaml:"anomaly_sigma" json:"anomaly_sigma"`
	AnomalyBaseline int     `yaml:"anomaly_baseline_seconds" json:"anomaly_baseline_seconds"`
	AnomalyMinimum  int     `yaml:"anomaly_min_samples" json:"anomaly_min_samples"`
}

type DeliveryConfig struct {
	Workers             int `yaml:"workers" json:"workers"`
	BatchSize           int `yaml:"batch_size" json:"batch_size"`
	PollIntervalMS      int `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	SendTimeoutSeconds  int `yaml:"send_timeout_seconds" json:"send_timeout_seconds"`
	MaxAttempts         int `yaml:"max_attempts" json:"max_attempts"`
	BackoffBaseSeconds  int `yaml:"backoff_base_seconds" json:"backoff_base_seconds"`
	BackoffMaxSeconds   int `yaml:"backoff_max_seconds" json:"backoff_max_seconds"`
	StuckTimeoutSeconds int `yaml:"stuck_timeout_seconds" json:"stuck_timeout_seconds"`
	BreakerFailures     int `yaml:"breaker_failures" json:"breaker_failures"` // consecutive failures opening a channel breaker, 0 disables
	BreakerOpenSeconds  int `yaml:"breaker_open_seconds" json:"breaker_open_seconds"`
}

type EscalationConfig struct {
	IntervalSeconds int `yaml:"interval_seconds" json:"interval_seconds"`
	BatchSize       int `yaml:"batch_size" json:"batch_size"`
}

type RateLimitConfig struct {
	Backend       string  `yaml:"backend" json:"backend"` // sql or redis
	WindowSeconds int     `yaml:"window_seconds" json:"window_seconds"`
	Limit         int     `yaml:"limit" json:"limit"`
	APIRate       float64 `yaml:"api_rps" json:"api_rps"`
	APIBurst      int     `yaml:"api_burst" json:"api_burst"`
}

type RedisConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Addr        string `yaml:"addr" json:"addr"`
	Password    string `yaml:"password" json:"-"`
	DB          int    `yaml:"db" json:"db"`
	WakeChannel string `yaml:"wake_channel" json:"wake_channel"` // pub/sub channel for new-job hints
}

type SNMPConfig struct {
	DefaultCommunity string `yaml:"default_community" json:"default_community"`
	DefaultVersion   string `yaml:"default_version" json:"default_version"` // v2c, v3
	DefaultTimeout   int    `yaml:"default_timeout" json:"default_timeout"` // milliseconds
	DefaultOIDPrefix string `yaml:"default_oid_prefix" json:"default_oid_prefix"`
}

type MQTTConfig struct {
	ClientIDPrefix        string `yaml:"client_id_prefix" json:"client_id_prefix"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds" json:"connect_timeout_seconds"`
	PayloadFormat         string `yaml:"payload_format" json:"payload_format"` // json or protobuf
}

func (c EvaluatorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c EvaluatorConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackSeconds) * time.Second
}

func (c DeliveryConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c DeliveryConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

func (c DeliveryConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

func (c DeliveryConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

func (c DeliveryConfig) StuckTimeout() time.Duration {
	return time.Duration(c.StuckTimeoutSeconds) * time.Second
}

func (c EscalationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// LoadFromFile 从文件加载配置
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&config)

	return &config, nil
}

// SaveToFile 保存配置到文件
func SaveToFile(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load 从环境变量加载配置
func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			HTTPPort: getEnvInt("HTTP_PORT", 8080),
			GRPCPort: getEnvInt("GRPC_PORT", 9090),
			Host:     getEnv("HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "fleetalert"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "fleetalert.db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			LogLevel: getEnv("DB_LOG_LEVEL", "warn"),
		},
		Logger: LoggerConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Output:   getEnv("LOG_OUTPUT", "stdout"),
			AlertDir: getEnv("LOG_ALERT_DIR", "logs"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:          getEnvBool("ES_ENABLED", false),
			Addresses:        getEnvSlice("ES_ADDRESSES", []string{"http://localhost:9200"}),
			Username:         getEnv("ES_USERNAME", ""),
			Password:         getEnv("ES_PASSWORD", ""),
			AlertIndexPrefix: getEnv("ES_ALERT_INDEX_PREFIX", "fleet-alerts"),
			TelemetryIndex:   getEnv("ES_TELEMETRY_INDEX", "telemetry"),
		},
		Telemetry: TelemetryConfig{
			Source: getEnv("TELEMETRY_SOURCE", "sql"),
		},
		Evaluator: EvaluatorConfig{
			IntervalSeconds: getEnvInt("EVAL_INTERVAL", 30),
			LookbackSeconds: getEnvInt("EVAL_LOOKBACK", 600),
			Concurrency:     getEnvInt("EVAL_CONCURRENCY", 8),
		},
		Delivery: DeliveryConfig{
			Workers:             getEnvInt("DELIVERY_WORKERS", 4),
			BatchSize:           getEnvInt("DELIVERY_BATCH", 16),
			PollIntervalMS:      getEnvInt("DELIVERY_POLL_MS", 2000),
			SendTimeoutSeconds:  getEnvInt("DELIVERY_SEND_TIMEOUT", 10),
			MaxAttempts:         getEnvInt("DELIVERY_MAX_ATTEMPTS", 5),
			BackoffBaseSeconds:  getEnvInt("DELIVERY_BACKOFF_BASE", 5),
			BackoffMaxSeconds:   getEnvInt("DELIVERY_BACKOFF_MAX", 900),
			StuckTimeoutSeconds: getEnvInt("DELIVERY_STUCK_TIMEOUT", 300),
			BreakerFailures:     getEnvInt("DELIVERY_BREAKER_FAILURES", 5),
			BreakerOpenSeconds:  getEnvInt("DELIVERY_BREAKER_OPEN", 60),
		},
		Escalation: EscalationConfig{
			IntervalSeconds: getEnvInt("ESCALATION_INTERVAL", 30),
			BatchSize:       getEnvInt("ESCALATION_BATCH", 200),
		},
		RateLimit: RateLimitConfig{
			Backend:       getEnv("RATELIMIT_BACKEND", "sql"),
			WindowSeconds: getEnvInt("RATELIMIT_WINDOW", 60),
			Limit:         getEnvInt("RATELIMIT_LIMIT", 5),
		},
		Redis: RedisConfig{
			Enabled:     getEnvBool("REDIS_ENABLED", false),
			Addr:        getEnv("REDIS_ADDR", "localhost:6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvInt("REDIS_DB", 0),
			WakeChannel: getEnv("REDIS_WAKE_CHANNEL", "fleetalert:delivery:wake"),
		},
		SNMP: SNMPConfig{
			DefaultCommunity: getEnv("SNMP_COMMUNITY", "public"),
			DefaultVersion:   getEnv("SNMP_VERSION", "v2c"),
			DefaultTimeout:   getEnvInt("SNMP_TIMEOUT", 5000),
		},
		MQTT: MQTTConfig{
			ClientIDPrefix: getEnv("MQTT_CLIENT_ID_PREFIX", "fleetalert"),
			PayloadFormat:  getEnv("MQTT_PAYLOAD_FORMAT", "json"),
		},
	}
	setDefaults(cfg)
	return cfg
}

// setDefaults 设置默认值
func setDefaults(config *Config) {
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = 8080
	}
	if config.Server.GRPCPort == 0 {
		config.Server.GRPCPort = 9090
	}
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Database.Driver == "" {
		config.Database.Driver = "sqlite"
	}
	if config.Database.DBName == "" {
		config.Database.DBName = "fleetalert.db"
	}
	if config.Database.LogLevel == "" {
		config.Database.LogLevel = "warn"
	}
	if config.Logger.Level == "" {
		config.Logger.Level = "info"
	}
	if config.Logger.Output == "" {
		config.Logger.Output = "stdout"
	}
	if config.Logger.AlertDir == "" {
		config.Logger.AlertDir = "logs"
	}
	if config.Elasticsearch.AlertIndexPrefix == "" {
		config.Elasticsearch.AlertIndexPrefix = "fleet-alerts"
	}
	if config.Elasticsearch.TelemetryIndex == "" {
		config.Elasticsearch.TelemetryIndex = "telemetry"
	}
	if config.Telemetry.Source == "" {
		config.Telemetry.Source = "sql"
	}
	if config.Evaluator.IntervalSeconds == 0 {
		config.Evaluator.IntervalSeconds = 30
	}
	if config.Evaluator.LookbackSeconds == 0 {
		config.Evaluator.LookbackSeconds = 600
	}
	if config.Evaluator.Concurrency == 0 {
		config.Evaluator.Concurrency = 8
	}
	if config.Evaluator.AnomalySigma == 0 {
		config.Evaluator.AnomalySigma = 3
	}
	if config.Evaluator.AnomalyBaseline == 0 {
		config.Evaluator.AnomalyBaseline = 3600
	}
	if config.Evaluator.AnomalyMinimum == 0 {
		config.Evaluator.AnomalyMinimum = 10
	}
	if config.Delivery.Workers == 0 {
		config.Delivery.Workers = 4
	}
	if config.Delivery.BatchSize == 0 {
		config.Delivery.BatchSize = 16
	}
	if config.Delivery.PollIntervalMS == 0 {
		config.Delivery.PollIntervalMS = 2000
	}
	if config.Delivery.SendTimeoutSeconds == 0 {
		config.Delivery.SendTimeoutSeconds = 10
	}
	if config.Delivery.MaxAttempts == 0 {
		config.Delivery.MaxAttempts = 5
	}
	if config.Delivery.BackoffBaseSeconds == 0 {
		config.Delivery.BackoffBaseSeconds = 5
	}
	if config.Delivery.BackoffMaxSeconds == 0 {
		config.Delivery.BackoffMaxSeconds = 900
	}
	if config.Delivery.StuckTimeoutSeconds == 0 {
		config.Delivery.StuckTimeoutSeconds = 300
	}
	if config.Delivery.BreakerOpenSeconds == 0 {
		config.Delivery.BreakerOpenSeconds = 60
	}
	if config.Escalation.IntervalSeconds == 0 {
		config.Escalation.IntervalSeconds = 30
	}
	if config.Escalation.BatchSize == 0 {
		config.Escalation.BatchSize = 200
	}
	if config.RateLimit.Backend == "" {
		config.RateLimit.Backend = "sql"
	}
	if config.RateLimit.WindowSeconds == 0 {
		config.RateLimit.WindowSeconds = 60
	}
	if config.RateLimit.Limit == 0 {
		config.RateLimit.Limit = 5
	}
	if config.RateLimit.APIRate == 0 {
		config.RateLimit.APIRate = 50
	}
	if config.RateLimit.APIBurst == 0 {
		config.RateLimit.APIBurst = 100
	}
	if config.Redis.Addr == "" {
		config.Redis.Addr = "localhost:6379"
	}
	if config.Redis.WakeChannel == "" {
		config.Redis.WakeChannel = "fleetalert:delivery:wake"
	}
	if config.SNMP.DefaultCommunity == "" {
		config.SNMP.DefaultCommunity = "public"
	}
	if config.SNMP.DefaultVersion == "" {
		config.SNMP.DefaultVersion = "v2c"
	}
	if config.SNMP.DefaultTimeout == 0 {
		config.SNMP.DefaultTimeout = 5000
	}
	if config.SNMP.DefaultOIDPrefix == "" {
		config.SNMP.DefaultOIDPrefix = "1.3.6.1.4.1.55555.1"
	}
	if config.MQTT.ClientIDPrefix == "" {
		config.MQTT.ClientIDPrefix = "fleetalert"
	}
	if config.MQTT.ConnectTimeoutSeconds == 0 {
		config.MQTT.ConnectTimeoutSeconds = 10
	}
	if config.MQTT.PayloadFormat == "" {
		config.MQTT.PayloadFormat = "json"
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		var intVal int
		if _, err := fmt.Sscanf(val, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}

func getEnvSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		if result := splitAndTrim(val, ","); len(result) > 0 {
			return result
		}
	}
	return defaultVal
}

// splitAndTrim 分割字符串并去除空白
func splitAndTrim(s, sep string) []string {
	var result []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort < 1 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "mysql": true, "postgres": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if c.Database.Driver != "sqlite" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host cannot be empty for %s", c.Database.Driver)
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("invalid database port: %d", c.Database.Port)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logger.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logger.Level)
	}

	if c.Elasticsearch.Enabled && len(c.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("elasticsearch addresses cannot be empty when enabled")
	}
	switch c.Telemetry.Source {
	case "sql":
	case "elasticsearch":
		if !c.Elasticsearch.Enabled {
			return fmt.Errorf("telemetry source elasticsearch requires elasticsearch.enabled")
		}
	default:
		return fmt.Errorf("invalid telemetry source: %s", c.Telemetry.Source)
	}

	if c.Evaluator.IntervalSeconds < 1 {
		return fmt.Errorf("evaluator interval must be at least 1 second")
	}
	if c.Evaluator.Concurrency < 1 {
		return fmt.Errorf("evaluator concurrency must be at least 1")
	}

	if c.Delivery.Workers < 1 {
		return fmt.Errorf("delivery workers must be at least 1")
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery max attempts must be at least 1")
	}
	if c.Delivery.BackoffMaxSeconds < c.Delivery.BackoffBaseSeconds {
		return fmt.Errorf("delivery backoff max must not be below backoff base")
	}

	switch c.RateLimit.Backend {
	case "sql":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("ratelimit backend redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("invalid ratelimit backend: %s", c.RateLimit.Backend)
	}
	if c.RateLimit.Limit < 1 {
		return fmt.Errorf("ratelimit limit must be at least 1")
	}

	validSNMPVersions := map[string]bool{"v1": true, "v2c": true, "v3": true}
	if !validSNMPVersions[c.SNMP.DefaultVersion] {
		return fmt.Errorf("invalid SNMP version: %s", c.SNMP.DefaultVersion)
	}

	if c.MQTT.PayloadFormat != "json" && c.MQTT.PayloadFormat != "protobuf" {
		return fmt.Errorf("invalid MQTT payload format: %s", c.MQTT.PayloadFormat)
	}

	return nil
}
