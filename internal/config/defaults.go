package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultServerHost        = "0.0.0.0"
	DefaultServerPort        = 8080
	DefaultHeartbeatInterval = Duration(30 * time.Second)
	DefaultStaleAfter        = Duration(120 * time.Second)
	DefaultSendBuffer        = 64
	DefaultWriteTimeout      = Duration(5 * time.Second)
	DefaultQueueSize         = 10000
	DefaultHistorySize       = 1000
	DefaultPrimaryProvider   = "binance"
	DefaultUpdateInterval    = Duration(30 * time.Second)
	DefaultSyntheticInterval = Duration(1 * time.Second)
	DefaultAlertCooldown     = Duration(5 * time.Minute)
)

func (c *StreamdConfig) applyDefaults() {
	// Server defaults
	if c.Server.Host == "" {
		c.Server.Host = DefaultServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.HeartbeatInterval == 0 {
		c.Server.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Server.StaleAfter == 0 {
		c.Server.StaleAfter = DefaultStaleAfter
	}
	if c.Server.SendBuffer == 0 {
		c.Server.SendBuffer = DefaultSendBuffer
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}

	// Bus defaults
	if c.Bus.QueueSize == 0 {
		c.Bus.QueueSize = DefaultQueueSize
	}
	if c.Bus.HistorySize == 0 {
		c.Bus.HistorySize = DefaultHistorySize
	}

	// Feeds defaults
	if c.Feeds.Primary == "" {
		c.Feeds.Primary = DefaultPrimaryProvider
	}
	if c.Feeds.UpdateInterval == 0 {
		c.Feeds.UpdateInterval = DefaultUpdateInterval
	}
	if c.Feeds.StalenessWindow == 0 {
		c.Feeds.StalenessWindow = 2 * c.Feeds.UpdateInterval
	}
	if c.Feeds.Synthetic.Interval == 0 {
		c.Feeds.Synthetic.Interval = DefaultSyntheticInterval
	}

	// Alert defaults
	for i := range c.Alerts.Rules {
		if c.Alerts.Rules[i].Severity == "" {
			c.Alerts.Rules[i].Severity = "info"
		}
		if c.Alerts.Rules[i].Cooldown == 0 {
			c.Alerts.Rules[i].Cooldown = DefaultAlertCooldown
		}
	}
}
