// Package config loads the service configuration from an optional YAML
// file with environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	HTTP      HTTPConfig      `yaml:"http"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Lakehouse LakehouseConfig `yaml:"lakehouse"`
	Stream    StreamConfig    `yaml:"stream"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// HTTPConfig holds the listener and CORS settings.
type HTTPConfig struct {
	Addr             string   `yaml:"addr"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// KafkaConfig holds the broker connection and the two consumer loops.
type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	TopicPattern string   `yaml:"topic_pattern"`

	LiveGroup         string   `yaml:"live_group"`
	LakehouseGroup    string   `yaml:"lakehouse_group"`
	LiveOffsetReset   string   `yaml:"live_offset_reset"`
	LakeOffsetReset   string   `yaml:"lakehouse_offset_reset"`
	LivePollTimeout   Duration `yaml:"live_poll_timeout"`
	LakePollTimeout   Duration `yaml:"lakehouse_poll_timeout"`
	UnassignedRestart Duration `yaml:"unassigned_restart"`
	RestartBackoff    Duration `yaml:"restart_backoff"`
}

// LakehouseConfig holds the durable path's storage and batching settings.
type LakehouseConfig struct {
	DBPath              string   `yaml:"db_path"`
	MaxBatchSize        int      `yaml:"max_batch_size"`
	FlushInterval       Duration `yaml:"flush_interval"`
	GoldRefreshInterval Duration `yaml:"gold_refresh_interval"`
	GoldFailurePolicy   string   `yaml:"gold_failure_policy"`
}

// StreamConfig holds the outbound SSE settings.
type StreamConfig struct {
	ClientQueueSize     int      `yaml:"client_queue_size"`
	ClientOverflowLimit int      `yaml:"client_overflow_limit"`
	Heartbeat           Duration `yaml:"heartbeat"`
	EmitCDCRaw          bool     `yaml:"emit_cdc_raw"`
	CDCStatsInterval    Duration `yaml:"cdc_stats_interval"`
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Duration wraps time.Duration so YAML accepts "1s" style values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file or overrides exist.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:             ":8000",
			CORSAllowOrigins: []string{"*"},
		},
		Kafka: KafkaConfig{
			Brokers:           []string{"localhost:9092"},
			TopicPattern:      "^shorisql_.*",
			LiveGroup:         "shori-python-consumer-ui-1",
			LakehouseGroup:    "shori-lakehouse-pipeline",
			LiveOffsetReset:   "latest",
			LakeOffsetReset:   "earliest",
			LivePollTimeout:   Duration(20 * time.Millisecond),
			LakePollTimeout:   Duration(200 * time.Millisecond),
			UnassignedRestart: Duration(5 * time.Second),
			RestartBackoff:    Duration(2 * time.Second),
		},
		Lakehouse: LakehouseConfig{
			DBPath:              "lakehouse.db",
			MaxBatchSize:        20000,
			FlushInterval:       Duration(time.Second),
			GoldRefreshInterval: Duration(10 * time.Second),
			GoldFailurePolicy:   "halt",
		},
		Stream: StreamConfig{
			ClientQueueSize:     20000,
			ClientOverflowLimit: 10,
			Heartbeat:           Duration(time.Second),
			EmitCDCRaw:          true,
			CDCStatsInterval:    Duration(time.Second),
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path if
// it exists, then environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus env are a complete configuration.
		case err != nil:
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables on top of the loaded values.
// The names match the original deployment's variables so compose files
// keep working.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("CORS_ALLOW_ORIGINS"); v != "" {
		cfg.HTTP.CORSAllowOrigins = splitList(v)
	}

	if v := os.Getenv("KAFKA_BOOTSTRAP_SERVERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC_PATTERN"); v != "" {
		cfg.Kafka.TopicPattern = v
	}
	if v := os.Getenv("KAFKA_UI_CONSUMER_GROUP_ID"); v != "" {
		cfg.Kafka.LiveGroup = v
	}
	if v := os.Getenv("KAFKA_LAKEHOUSE_CONSUMER_GROUP_ID"); v != "" {
		cfg.Kafka.LakehouseGroup = v
	}
	if v := os.Getenv("KAFKA_UI_AUTO_OFFSET_RESET"); v != "" {
		cfg.Kafka.LiveOffsetReset = v
	}
	if v := os.Getenv("KAFKA_LAKEHOUSE_AUTO_OFFSET_RESET"); v != "" {
		cfg.Kafka.LakeOffsetReset = v
	}
	envSeconds("UI_POLL_TIMEOUT_SEC", &cfg.Kafka.LivePollTimeout)
	envSeconds("LAKEHOUSE_POLL_TIMEOUT_SEC", &cfg.Kafka.LakePollTimeout)
	envSeconds("KAFKA_UNASSIGNED_RESTART_SEC", &cfg.Kafka.UnassignedRestart)
	envSeconds("KAFKA_CONSUMER_RESTART_BACKOFF_SEC", &cfg.Kafka.RestartBackoff)

	if v := os.Getenv("LAKEHOUSE_DB_PATH"); v != "" {
		cfg.Lakehouse.DBPath = v
	}
	envInt("LAKEHOUSE_MAX_BATCH_SIZE", &cfg.Lakehouse.MaxBatchSize)
	envSeconds("LAKEHOUSE_FLUSH_INTERVAL_SEC", &cfg.Lakehouse.FlushInterval)
	envSeconds("GOLD_REFRESH_INTERVAL_SEC", &cfg.Lakehouse.GoldRefreshInterval)
	if v := os.Getenv("GOLD_FAILURE_POLICY"); v != "" {
		cfg.Lakehouse.GoldFailurePolicy = v
	}

	envInt("SSE_CLIENT_QUEUE_SIZE", &cfg.Stream.ClientQueueSize)
	envInt("SSE_CLIENT_OVERFLOW_LIMIT", &cfg.Stream.ClientOverflowLimit)
	envSeconds("SSE_HEARTBEAT_SEC", &cfg.Stream.Heartbeat)
	envBool("SSE_EMIT_CDC_RAW", &cfg.Stream.EmitCDCRaw)
	envSeconds("SSE_CDC_STATS_INTERVAL_SEC", &cfg.Stream.CDCStatsInterval)

	envBool("OTEL_ENABLED", &cfg.Tracing.Enabled)
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka: at least one broker is required")
	}
	if c.Kafka.TopicPattern == "" {
		return fmt.Errorf("kafka: topic_pattern is required")
	}
	if c.Kafka.LiveGroup == "" || c.Kafka.LakehouseGroup == "" {
		return fmt.Errorf("kafka: both consumer group ids are required")
	}
	for _, reset := range []string{c.Kafka.LiveOffsetReset, c.Kafka.LakeOffsetReset} {
		if reset != "earliest" && reset != "latest" {
			return fmt.Errorf("kafka: offset reset must be earliest or latest, got %q", reset)
		}
	}
	if c.Lakehouse.DBPath == "" {
		return fmt.Errorf("lakehouse: db_path is required")
	}
	if c.Lakehouse.MaxBatchSize < 1 {
		return fmt.Errorf("lakehouse: max_batch_size must be at least 1")
	}
	if c.Lakehouse.FlushInterval <= 0 {
		return fmt.Errorf("lakehouse: flush_interval must be positive")
	}
	if c.Lakehouse.GoldRefreshInterval <= 0 {
		return fmt.Errorf("lakehouse: gold_refresh_interval must be positive")
	}
	switch c.Lakehouse.GoldFailurePolicy {
	case "halt", "skip":
	default:
		return fmt.Errorf("lakehouse: gold_failure_policy must be halt or skip, got %q", c.Lakehouse.GoldFailurePolicy)
	}
	if c.Stream.ClientQueueSize < 1 {
		return fmt.Errorf("stream: client_queue_size must be at least 1")
	}
	if c.Stream.ClientOverflowLimit < 1 {
		return fmt.Errorf("stream: client_overflow_limit must be at least 1")
	}
	if c.Stream.Heartbeat <= 0 {
		return fmt.Errorf("stream: heartbeat must be positive")
	}
	return nil
}

// splitList parses a comma separated list, trimming whitespace.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// envSeconds reads a float number of seconds, matching the original
// deployment's units for these variables.
func envSeconds(name string, dst *Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	sec, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return
	}
	*dst = Duration(time.Duration(sec * float64(time.Second)))
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func envBool(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}
