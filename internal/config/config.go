package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amgateway/amgateway/internal/selector"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultBackend           = "mqtt"
	DefaultBroker            = "tcp://localhost:1883"
	DefaultClientID          = "amgateway"
	DefaultOnFailure         = FailExit
	DefaultPublishBuffer     = 256
	DefaultListenPort        = 4444
	DefaultPollInterval      = 1 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultMonitorInterval   = 5 * time.Second
	DefaultSnapshotPath      = "/tmp/mqtt.yaml"
	DefaultBroadcastInterval = 5 * time.Second
	DefaultLogLevel          = "info"
)

// Bus failure policies.
const (
	// FailExit ends the process when the bus connection fails.
	FailExit = "exit"

	// FailRetry reconnects with exponential backoff.
	FailRetry = "retry"
)

// Config is the top-level gateway configuration.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	Bus         BusConfig         `yaml:"bus"`
	Peer        PeerConfig        `yaml:"peer"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Persistence PersistenceConfig `yaml:"persistence"`
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
}

// BusConfig holds the message bus settings.
type BusConfig struct {
	// Backend is one of: mqtt | memory.
	Backend string `yaml:"backend"`

	// Broker is the MQTT broker URL (tcp://host:port).
	Broker string `yaml:"broker"`

	// Topic is subscribed for ingest and used for peer publishes.
	Topic string `yaml:"topic"`

	// ClientID identifies the gateway to the broker.
	ClientID string `yaml:"client_id"`

	Username string `yaml:"username"`

	// PasswordEnv is the name of the environment variable that holds the
	// broker password.
	PasswordEnv string `yaml:"password_env"`

	// QoS is the MQTT quality of service for subscribe and publish (0-2).
	QoS int `yaml:"qos"`

	// OnFailure is one of: exit | retry.
	OnFailure string `yaml:"on_failure"`

	// PublishBuffer is how many peer messages are queued while the broker
	// is unreachable.
	PublishBuffer int `yaml:"publish_buffer"`
}

// Password returns the broker password resolved from the environment.
func (b BusConfig) Password() string {
	if b.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(b.PasswordEnv)
}

// PeerConfig holds the peer listener and batch selection settings.
type PeerConfig struct {
	ListenPort   int           `yaml:"listen_port"`
	PollInterval time.Duration `yaml:"poll_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	MaxBatch     int           `yaml:"max_batch"`
	MaxStaleSend int           `yaml:"max_stale_send"`
	DiscardAge   time.Duration `yaml:"discard_age"`
	UpdateAge    time.Duration `yaml:"update_age"`
}

// Limits returns the batch selection limits.
func (p PeerConfig) Limits() selector.Limits {
	return selector.Limits{
		MaxBatch:     p.MaxBatch,
		MaxStaleSend: p.MaxStaleSend,
		DiscardAge:   p.DiscardAge,
		UpdateAge:    p.UpdateAge,
	}
}

// MonitorConfig controls the freshness monitor.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// PersistenceConfig controls the snapshot file. An empty Path disables
// persistence.
type PersistenceConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig controls the optional status server. An empty Listen disables it.
type HTTPConfig struct {
	Listen            string        `yaml:"listen"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
}

// LogConfig controls logging.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`
}

// SlogLevel returns Level as a slog.Level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Load reads the YAML config file at path and validates it. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read parses the config file at path over the defaults without validating,
// so callers can apply command-line overrides before Validate.
func Read(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	limits := selector.DefaultLimits()
	return &Config{
		Bus: BusConfig{
			Backend:       DefaultBackend,
			Broker:        DefaultBroker,
			ClientID:      DefaultClientID,
			OnFailure:     DefaultOnFailure,
			PublishBuffer: DefaultPublishBuffer,
		},
		Peer: PeerConfig{
			ListenPort:   DefaultListenPort,
			PollInterval: DefaultPollInterval,
			WriteTimeout: DefaultWriteTimeout,
			MaxBatch:     limits.MaxBatch,
			MaxStaleSend: limits.MaxStaleSend,
			DiscardAge:   limits.DiscardAge,
			UpdateAge:    limits.UpdateAge,
		},
		Monitor: MonitorConfig{
			Interval: DefaultMonitorInterval,
		},
		Persistence: PersistenceConfig{
			Path: DefaultSnapshotPath,
		},
		HTTP: HTTPConfig{
			BroadcastInterval: DefaultBroadcastInterval,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

// Validate checks required fields and structural constraints.
func Validate(cfg *Config) error {
	if err := validate(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func validate(cfg *Config) error {
	b := cfg.Bus
	switch b.Backend {
	case "mqtt":
		if b.Broker == "" {
			return fmt.Errorf("bus.broker is required for the mqtt backend")
		}
	case "memory":
	default:
		return fmt.Errorf("bus.backend %q unknown: want mqtt|memory", b.Backend)
	}
	if strings.TrimSpace(b.Topic) == "" {
		return fmt.Errorf("bus.topic is required")
	}
	if b.QoS < 0 || b.QoS > 2 {
		return fmt.Errorf("bus.qos %d is out of range [0, 2]", b.QoS)
	}
	switch b.OnFailure {
	case FailExit, FailRetry:
	default:
		return fmt.Errorf("bus.on_failure %q unknown: want exit|retry", b.OnFailure)
	}
	if b.PublishBuffer <= 0 {
		return fmt.Errorf("bus.publish_buffer must be positive")
	}

	p := cfg.Peer
	if p.ListenPort <= 0 || p.ListenPort > 65535 {
		return fmt.Errorf("peer.listen_port %d is out of range [1, 65535]", p.ListenPort)
	}
	if p.PollInterval <= 0 {
		return fmt.Errorf("peer.poll_interval must be positive")
	}
	if p.WriteTimeout <= 0 {
		return fmt.Errorf("peer.write_timeout must be positive")
	}
	if err := ValidateLimits(p.Limits()); err != nil {
		return err
	}

	if cfg.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if cfg.HTTP.Listen != "" && cfg.HTTP.BroadcastInterval <= 0 {
		return fmt.Errorf("http.broadcast_interval must be positive")
	}

	return validateLogLevel(cfg.Log.Level)
}

func validateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("log.level %q unknown: want debug|info|warn|error", level)
}

// ValidateLimits checks batch selection limits on their own. Reloads are
// checked with it since the rest of a reloaded file is not applied.
func ValidateLimits(l selector.Limits) error {
	if l.MaxBatch < 1 {
		return fmt.Errorf("peer.max_batch must be at least 1")
	}
	if l.MaxStaleSend < 0 || l.MaxStaleSend > l.MaxBatch {
		return fmt.Errorf("peer.max_stale_send %d must be within [0, max_batch=%d]", l.MaxStaleSend, l.MaxBatch)
	}
	if l.DiscardAge <= 0 {
		return fmt.Errorf("peer.discard_age must be positive")
	}
	if l.UpdateAge <= 0 {
		return fmt.Errorf("peer.update_age must be positive")
	}
	return nil
}
