package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration file.
type Config struct {
	Serial SerialConfig `yaml:"serial"`
	Web    WebConfig    `yaml:"web"`
	Store  StoreConfig  `yaml:"store"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Log    LogConfig    `yaml:"log"`
	Quirks QuirksConfig `yaml:"quirks"`

	DevicesDir string `yaml:"devices_dir"`
	ScriptsDir string `yaml:"scripts_dir"`
}

// SerialConfig selects the port carrying JSON report lines. An empty port
// disables the reader.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

type WebConfig struct {
	Listen         string   `yaml:"listen"`
	APIKey         string   `yaml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type QuirksConfig struct {
	// RearmDelay overrides the quirks' 15s re-arm timeout; zero keeps it.
	RearmDelay time.Duration `yaml:"rearm_delay"`
}

// Secrets may come from the environment instead of the file.
const (
	envAPIKey       = "ZIGBEE_QUIRKS_API_KEY"
	envMQTTPassword = "ZIGBEE_QUIRKS_MQTT_PASSWORD"
)

var (
	errMissingBroker = errors.New("mqtt.broker is required when mqtt is enabled")
	errMissingListen = errors.New("web.listen is required")
)

func defaultConfig() Config {
	return Config{
		Serial:     SerialConfig{Baud: 115200},
		Web:        WebConfig{Listen: "127.0.0.1:8080"},
		Store:      StoreConfig{Path: "zigbee-quirks.db"},
		MQTT:       MQTTConfig{TopicPrefix: "zigbee2mqtt"},
		Log:        LogConfig{Level: "info", Format: "text"},
		DevicesDir: "devices",
		ScriptsDir: "scripts",
	}
}

// loadConfig reads path over the defaults, then applies environment
// overrides via getenv.
func loadConfig(path string, getenv func(string) string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if v := getenv(envAPIKey); v != "" {
		cfg.Web.APIKey = v
	}
	if v := getenv(envMQTTPassword); v != "" {
		cfg.MQTT.Password = v
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Serial.Port != "" && c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud)
	}
	if c.Web.Listen == "" {
		return errMissingListen
	}
	if _, _, err := net.SplitHostPort(c.Web.Listen); err != nil {
		return fmt.Errorf("web.listen: %w", err)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errMissingBroker
		}
		if _, err := url.Parse(c.MQTT.Broker); err != nil {
			return fmt.Errorf("mqtt.broker: %w", err)
		}
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Quirks.RearmDelay < 0 {
		return fmt.Errorf("quirks.rearm_delay must not be negative, got %s", c.Quirks.RearmDelay)
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func newLogger(cfg *Config) *slog.Logger {
	level, err := cfg.Log.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
