package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. BLESYNC_PUMP_MAX_BATCH.
const EnvPrefix = "BLESYNC"

// Config holds application configuration
type Config struct {
	LogLevel  string          `mapstructure:"log_level" default:"info"`
	Radio     RadioConfig     `mapstructure:"radio"`
	Pump      PumpConfig      `mapstructure:"pump"`
	Normalize NormalizeConfig `mapstructure:"normalize"`
	Sender    SenderConfig    `mapstructure:"sender"`
	Status    StatusConfig    `mapstructure:"status"`
	Tap       TapConfig       `mapstructure:"tap"`
	Simulate  SimulateConfig  `mapstructure:"simulate"`
}

type RadioConfig struct {
	// ServiceUUID restricts discovery and service discovery; empty means any peripheral.
	ServiceUUID     string        `mapstructure:"service_uuid"`
	MetricsCharUUID string        `mapstructure:"metrics_char_uuid"`
	ConnectPolicy   string        `mapstructure:"connect_policy" default:"all"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" default:"30s"`
}

type PumpConfig struct {
	MaxBatch      int             `mapstructure:"max_batch" default:"10"`
	FlushInterval time.Duration   `mapstructure:"flush_interval" default:"800ms"`
	RetrySchedule []time.Duration `mapstructure:"retry_schedule"`
}

type NormalizeConfig struct {
	Strict bool `mapstructure:"strict"`
}

type SenderConfig struct {
	Kind       string        `mapstructure:"kind" default:"http"`
	URL        string        `mapstructure:"url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout" default:"10s"`
	RedisAddr  string        `mapstructure:"redis_addr" default:"localhost:6379"`
	RedisKey   string        `mapstructure:"redis_key" default:"blesync:records"`
	MQTTBroker string        `mapstructure:"mqtt_broker" default:"tcp://localhost:1883"`
	MQTTTopic  string        `mapstructure:"mqtt_topic" default:"blesync/records"`
}

type StatusConfig struct {
	// Addr is the status server listen address; empty disables the server.
	Addr string `mapstructure:"addr" default:"127.0.0.1:9464"`
}

type TapConfig struct {
	Capacity uint32 `mapstructure:"capacity" default:"256"`
}

type SimulateConfig struct {
	Interval time.Duration `mapstructure:"interval" default:"1s"`
}

// Sender kinds
const (
	SenderHTTP  = "http"
	SenderRedis = "redis"
	SenderMQTT  = "mqtt"
)

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Pump.RetrySchedule = []time.Duration{0, 500 * time.Millisecond, 1500 * time.Millisecond, 3000 * time.Millisecond}
	return cfg
}

// Load reads the YAML file at path (optional) over the defaults and applies
// BLESYNC_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range flatten("", settings(reflect.ValueOf(DefaultConfig()).Elem())) {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that the decoder cannot
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	switch c.Radio.ConnectPolicy {
	case "", "all", "first":
	default:
		return fmt.Errorf("invalid radio.connect_policy %q (expected all or first)", c.Radio.ConnectPolicy)
	}
	if c.Pump.MaxBatch <= 0 {
		return fmt.Errorf("pump.max_batch must be > 0, got %d", c.Pump.MaxBatch)
	}
	if c.Pump.FlushInterval <= 0 {
		return fmt.Errorf("pump.flush_interval must be > 0")
	}
	if len(c.Pump.RetrySchedule) == 0 {
		return fmt.Errorf("pump.retry_schedule must have at least one entry")
	}
	for i, d := range c.Pump.RetrySchedule {
		if d < 0 {
			return fmt.Errorf("pump.retry_schedule[%d] must be >= 0, got %s", i, d)
		}
	}
	switch c.Sender.Kind {
	case SenderHTTP, SenderRedis, SenderMQTT:
	default:
		return fmt.Errorf("invalid sender.kind %q (expected http, redis or mqtt)", c.Sender.Kind)
	}
	if c.Tap.Capacity == 0 {
		return fmt.Errorf("tap.capacity must be > 0")
	}
	if c.Simulate.Interval <= 0 {
		return fmt.Errorf("simulate.interval must be > 0, got %s", c.Simulate.Interval)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// YAML renders the configuration with durations in their string form. The
// sender token is masked.
func (c *Config) YAML() ([]byte, error) {
	view := *c
	if view.Sender.Token != "" {
		view.Sender.Token = "********"
	}
	return yaml.Marshal(settings(reflect.ValueOf(view)))
}

// settings converts a config struct into nested maps keyed by mapstructure
// tags, rendering durations as strings.
func settings(v reflect.Value) map[string]any {
	out := make(map[string]any)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		out[key] = settingValue(v.Field(i))
	}
	return out
}

func settingValue(f reflect.Value) any {
	switch val := f.Interface().(type) {
	case time.Duration:
		return val.String()
	case []time.Duration:
		s := make([]string, len(val))
		for i, d := range val {
			s[i] = d.String()
		}
		return s
	}
	if f.Kind() == reflect.Struct {
		return settings(f)
	}
	return f.Interface()
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
