package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML either as a duration
// string ("30s", "5m") or as an integer nanosecond count.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case float64:
		*d = Duration(v)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("cannot decode %v as a duration", value.Value)
	}
	return nil
}

// StreamdConfig is the root configuration for a streamd instance.
type StreamdConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Server   ServerConfig   `yaml:"server"`
	Bus      BusConfig      `yaml:"bus"`
	Feeds    FeedsConfig    `yaml:"feeds"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

// InstanceConfig identifies this streamd process.
type InstanceConfig struct {
	ID string `yaml:"id"`
	AZ string `yaml:"az"`
}

// ServerConfig holds the HTTP/WebSocket server and client heartbeat settings.
type ServerConfig struct {
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	StaleAfter        Duration `yaml:"stale_after"`
	SendBuffer        int      `yaml:"send_buffer"`
	WriteTimeout      Duration `yaml:"write_timeout"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	QueueSize   int `yaml:"queue_size"`
	HistorySize int `yaml:"history_size"`
}

// FeedsConfig holds provider selection and failover settings.
type FeedsConfig struct {
	Symbols         []string        `yaml:"symbols"`
	Primary         string          `yaml:"primary"`
	Fallbacks       []string        `yaml:"fallbacks"`
	UpdateInterval  Duration        `yaml:"update_interval"`
	StalenessWindow Duration        `yaml:"staleness_window"`
	Synthetic       SyntheticConfig `yaml:"synthetic"`
}

// SyntheticConfig holds settings for the synthetic provider.
type SyntheticConfig struct {
	Interval Duration `yaml:"interval"`
	Seed     int64    `yaml:"seed"`
}

// AlertsConfig holds the alert rule list.
type AlertsConfig struct {
	Rules []AlertRuleConfig `yaml:"rules"`
}

// AlertRuleConfig is one alert rule as written in YAML. Rules are enabled
// unless explicitly disabled.
type AlertRuleConfig struct {
	ID        string   `yaml:"id"`
	Type      string   `yaml:"type"`
	Symbol    string   `yaml:"symbol"`
	Threshold string   `yaml:"threshold"`
	Severity  string   `yaml:"severity"`
	Cooldown  Duration `yaml:"cooldown"`
	Disabled  bool     `yaml:"disabled"`
}
