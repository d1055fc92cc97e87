package config

import (
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Hub             HubConfig       `yaml:"hub"`
	Projector       ProjectorConfig `yaml:"projector"`
	Lighting        LightingConfig  `yaml:"lighting"`
	Kodi            KodiConfig      `yaml:"kodi"`
	MQTT            MQTTConfig      `yaml:"mqtt"`
	Timers          TimersConfig    `yaml:"timers"`
	Ledger          LedgerConfig    `yaml:"ledger"`
	Health          HealthConfig    `yaml:"health"`
	EventBus        EventBusConfig  `yaml:"eventbus"`
	Log             LogConfig       `yaml:"log"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
}

// HubConfig contains activity hub connection and engine timing settings
type HubConfig struct {
	Address string `yaml:"address"`

	// Fixed delays compensating for hub/device propagation latency.
	ConnectSettle    Duration `yaml:"connect_settle"`     // wait after connect before trusting queries (default: 2s)
	SubscribeDelay   Duration `yaml:"subscribe_delay"`    // wait before subscribing to push notifications (default: 3s)
	PropagationDelay Duration `yaml:"propagation_delay"`  // wait after a push notification before issuing commands (default: 3s)
	InterDeviceDelay Duration `yaml:"inter_device_delay"` // gap between projector power-on and hub activity start (default: 5s)
	OffSettle        Duration `yaml:"off_settle"`         // wait after hub turn-off before local corrections (default: 1s)

	PollInitial  Duration `yaml:"poll_initial"`  // first drift poll after startup (default: 30s)
	PollInterval Duration `yaml:"poll_interval"` // steady-state drift poll interval (default: 60s)

	MaxAttempts  int     `yaml:"max_attempts"`   // bounded retry for hub operations (default: 3)
	RateLimitRPS float64 `yaml:"rate_limit_rps"` // hub command rate limit (default: 5)

	DialTimeout Duration `yaml:"dial_timeout"` // websocket dial timeout (default: 10s)
	CallTimeout Duration `yaml:"call_timeout"` // per-request timeout (default: 15s)
}

// ProjectorConfig contains the serial projector link settings
type ProjectorConfig struct {
	Port        string   `yaml:"port"`
	BaudRate    int      `yaml:"baud_rate"`    // default: 9600
	ReadTimeout Duration `yaml:"read_timeout"` // default: 2s
}

// LightingChannel describes one dimmer on the powerline bus
type LightingChannel struct {
	Name          string  `yaml:"name"`
	Address       string  `yaml:"address"`        // Insteon address, e.g. "42.22.B8"
	EnteringLevel float64 `yaml:"entering_level"` // preset used when occupants arrive or leave
}

// LightingConfig contains the powerline modem settings and channel presets
type LightingConfig struct {
	Port     string            `yaml:"port"`
	BaudRate int               `yaml:"baud_rate"` // default: 19200 (Insteon PLM)
	Channels []LightingChannel `yaml:"channels"`
}

// KodiConfig contains the media player JSON-RPC settings
type KodiConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`          // default: 8080
	Timeout      Duration `yaml:"timeout"`       // HTTP timeout (default: 10s)
	PollInterval Duration `yaml:"poll_interval"` // playback status poll (default: 2s)
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
}

// MQTTConfig contains the motion/occupancy subscriber settings
type MQTTConfig struct {
	Broker         string   `yaml:"broker"` // e.g. tcp://10.0.0.2:1883
	ClientID       string   `yaml:"client_id"`
	MotionTopic    string   `yaml:"motion_topic"`
	OverrideTopic  string   `yaml:"override_topic"`
	ConnectTimeout Duration `yaml:"connect_timeout"` // default: 10s
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
}

// TimersConfig contains the idle shutdown and delayed lighting settings
type TimersConfig struct {
	ShutdownIdleMinutes int      `yaml:"shutdown_idle_minutes"` // default: 5
	DelayedLightOn      Duration `yaml:"delayed_light_on"`      // 0 disables the delayed-light timer
	StatusClear         Duration `yaml:"status_clear"`          // transient status lifetime (default: 2s)
}

// LedgerConfig contains command history settings
type LedgerConfig struct {
	Path            string   `yaml:"path"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// HealthConfig contains health check / metrics server settings
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 2)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 2
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	UseJSON bool   `yaml:"json"`
	Colors  bool   `yaml:"colors"`
}

// GetLevel returns the log level with default
func (c *LogConfig) GetLevel() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// GetShutdownTimeout returns the graceful shutdown timeout
func (c *Config) GetShutdownTimeout() time.Duration {
	return c.ShutdownTimeout.Duration()
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Hub defaults
	if cfg.Hub.ConnectSettle == 0 {
		cfg.Hub.ConnectSettle = Duration(2 * time.Second)
	}
	if cfg.Hub.SubscribeDelay == 0 {
		cfg.Hub.SubscribeDelay = Duration(3 * time.Second)
	}
	if cfg.Hub.PropagationDelay == 0 {
		cfg.Hub.PropagationDelay = Duration(3 * time.Second)
	}
	if cfg.Hub.InterDeviceDelay == 0 {
		cfg.Hub.InterDeviceDelay = Duration(5 * time.Second)
	}
	if cfg.Hub.OffSettle == 0 {
		cfg.Hub.OffSettle = Duration(1 * time.Second)
	}
	if cfg.Hub.PollInitial == 0 {
		cfg.Hub.PollInitial = Duration(30 * time.Second)
	}
	if cfg.Hub.PollInterval == 0 {
		cfg.Hub.PollInterval = Duration(60 * time.Second)
	}
	if cfg.Hub.MaxAttempts == 0 {
		cfg.Hub.MaxAttempts = 3
	}
	if cfg.Hub.RateLimitRPS == 0 {
		cfg.Hub.RateLimitRPS = 5.0
	}
	if cfg.Hub.DialTimeout == 0 {
		cfg.Hub.DialTimeout = Duration(10 * time.Second)
	}
	if cfg.Hub.CallTimeout == 0 {
		cfg.Hub.CallTimeout = Duration(15 * time.Second)
	}

	// Projector defaults
	if cfg.Projector.BaudRate == 0 {
		cfg.Projector.BaudRate = 9600
	}
	if cfg.Projector.ReadTimeout == 0 {
		cfg.Projector.ReadTimeout = Duration(2 * time.Second)
	}

	// Lighting defaults
	if cfg.Lighting.BaudRate == 0 {
		cfg.Lighting.BaudRate = 19200
	}

	// Kodi defaults
	if cfg.Kodi.Port == 0 {
		cfg.Kodi.Port = 8080
	}
	if cfg.Kodi.Timeout == 0 {
		cfg.Kodi.Timeout = Duration(10 * time.Second)
	}
	if cfg.Kodi.PollInterval == 0 {
		cfg.Kodi.PollInterval = Duration(2 * time.Second)
	}

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "theatred"
	}
	if cfg.MQTT.ConnectTimeout == 0 {
		cfg.MQTT.ConnectTimeout = Duration(10 * time.Second)
	}

	// Timer defaults
	if cfg.Timers.ShutdownIdleMinutes == 0 {
		cfg.Timers.ShutdownIdleMinutes = 5
	}
	if cfg.Timers.StatusClear == 0 {
		cfg.Timers.StatusClear = Duration(2 * time.Second)
	}

	// Ledger defaults
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = "./theatred.sqlite"
	}
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// Health defaults
	if cfg.Health.Port == 0 {
		cfg.Health.Port = 9090
	}
	if cfg.Health.Host == "" {
		cfg.Health.Host = "0.0.0.0"
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	return &cfg, nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
