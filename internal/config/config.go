package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/savegress/sensorhub/pkg/models"
)

// ErrMissingKey is wrapped by Load when a required key is absent.
var ErrMissingKey = errors.New("missing required config key")

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type MQTTConfig struct {
	Host       string `yaml:"host"`
	BrokerPort *int   `yaml:"broker_port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	UseTLS     bool   `yaml:"use_tls"`
	CACert     string `yaml:"ca_cert"`
	MaxClients int    `yaml:"max_clients"`
}

// BrokerURL returns the broker address in the scheme the MQTT client expects.
func (m MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	if m.UseTLS {
		scheme = "tls"
	}
	port := 0
	if m.BrokerPort != nil {
		port = *m.BrokerPort
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Host, port)
}

type DatabaseConfig struct {
	Path             *string       `yaml:"path"`
	RetentionDays    *int          `yaml:"retention_days"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

// Retention returns the retention window as a duration.
func (d DatabaseConfig) Retention() time.Duration {
	if d.RetentionDays == nil {
		return 0
	}
	return time.Duration(*d.RetentionDays) * 24 * time.Hour
}

type IngestConfig struct {
	TopicPattern string                  `yaml:"topic_pattern"`
	QueueSize    int                     `yaml:"queue_size"`
	MaxClockSkew time.Duration           `yaml:"max_clock_skew"`
	ValueBounds  map[string]*ValueBounds `yaml:"value_bounds"`
}

// ValueBounds is a per-metric plausibility range; readings outside it are
// rejected as malformed.
type ValueBounds struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

type AlertsConfig struct {
	TempThresholdHigh *float64           `yaml:"temp_threshold_high"`
	TempThresholdLow  *float64           `yaml:"temp_threshold_low"`
	Hysteresis        float64            `yaml:"hysteresis"`
	Rules             []models.AlertRule `yaml:"rules"`
	EmailEnabled      bool               `yaml:"email_enabled"`
	SMTPServer        string             `yaml:"smtp_server"`
	SMTPPort          int                `yaml:"smtp_port"`
	EmailFrom         string             `yaml:"email_from"`
	EmailTo           []string           `yaml:"email_to"`
	WebhookURL        string             `yaml:"webhook_url"`
}

// CompiledRules returns the ordered rule set: explicit rules first, then a
// wildcard temperature rule derived from the legacy threshold pair. First
// match wins during evaluation, so explicit rules take priority.
func (a AlertsConfig) CompiledRules() []models.AlertRule {
	rules := make([]models.AlertRule, 0, len(a.Rules)+1)
	for _, r := range a.Rules {
		if r.DeviceID == "" {
			r.DeviceID = "*"
		}
		if r.Hysteresis == 0 {
			r.Hysteresis = a.Hysteresis
		}
		rules = append(rules, r)
	}
	if a.TempThresholdHigh != nil || a.TempThresholdLow != nil {
		rules = append(rules, models.AlertRule{
			DeviceID:   "*",
			Metric:     "temperature",
			High:       a.TempThresholdHigh,
			Low:        a.TempThresholdLow,
			Hysteresis: a.Hysteresis,
		})
	}
	return rules
}

// Load reads, expands, and validates a configuration file. A missing
// required key fails with an error wrapping ErrMissingKey and naming
// the key; a misconfigured process must not run.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.MQTT.Host == "" {
		cfg.MQTT.Host = "localhost"
	}
	if cfg.MQTT.MaxClients == 0 {
		cfg.MQTT.MaxClients = 50
	}
	if cfg.Database.EvictionInterval == 0 {
		cfg.Database.EvictionInterval = time.Hour
	}
	if cfg.Ingest.TopicPattern == "" {
		cfg.Ingest.TopicPattern = "sensors/+/+"
	}
	if cfg.Ingest.QueueSize == 0 {
		cfg.Ingest.QueueSize = 1024
	}
	if cfg.Ingest.MaxClockSkew == 0 {
		cfg.Ingest.MaxClockSkew = 5 * time.Minute
	}
	if cfg.Alerts.Hysteresis == 0 {
		cfg.Alerts.Hysteresis = 1.0
	}
	if cfg.Alerts.SMTPPort == 0 {
		cfg.Alerts.SMTPPort = 25
	}
}

func validate(cfg *Config) error {
	if cfg.MQTT.BrokerPort == nil {
		return fmt.Errorf("%w: mqtt.broker_port", ErrMissingKey)
	}
	if cfg.Database.Path == nil || *cfg.Database.Path == "" {
		return fmt.Errorf("%w: database.path", ErrMissingKey)
	}
	if cfg.Database.RetentionDays == nil {
		return fmt.Errorf("%w: database.retention_days", ErrMissingKey)
	}
	if *cfg.Database.RetentionDays <= 0 {
		return fmt.Errorf("database.retention_days must be positive, got %d", *cfg.Database.RetentionDays)
	}
	if cfg.Alerts.EmailEnabled && cfg.Alerts.SMTPServer == "" {
		return fmt.Errorf("%w: alerts.smtp_server (required when alerts.email_enabled)", ErrMissingKey)
	}
	for i := range cfg.Alerts.Rules {
		r := cfg.Alerts.Rules[i]
		if r.DeviceID == "" {
			r.DeviceID = "*"
		}
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}
