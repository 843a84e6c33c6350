// Package config loads the daemon configuration: the modem port, the
// configured devices and their channels, and the optional MQTT and
// HTTP endpoints.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kirsle/configdir"
	"gopkg.in/yaml.v3"

	"github.com/abates/insteond"
	"github.com/abates/insteond/devices"
)

// ErrInvalid is wrapped by every validation error
var ErrInvalid = errors.New("invalid configuration")

// Config is the root of the configuration file
type Config struct {
	Modem   ModemConfig    `yaml:"modem"`
	Log     LogConfig      `yaml:"log"`
	MQTT    MQTTConfig     `yaml:"mqtt"`
	HTTP    HTTPConfig     `yaml:"http"`
	Devices []DeviceConfig `yaml:"devices"`
}

// ModemConfig describes the serial connection to the modem
type ModemConfig struct {
	Port            string        `yaml:"port"`
	Baud            int           `yaml:"baud"`
	Timeout         time.Duration `yaml:"timeout"`
	WriteDelay      time.Duration `yaml:"write_delay"`
	Retries         int           `yaml:"retries"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// Trace names a file that receives every frame, empty disables
	// tracing
	Trace string `yaml:"trace"`
}

// LogConfig sets the level (none, warn, info, debug or trace) and the
// format (text or json) of the log
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MQTTConfig enables the MQTT bridge when Broker is set
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

// HTTPConfig enables the diagnostics API when Listen is set
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// DeviceConfig is one configured device. Channels maps feature names
// to the channel ids commands are sent to.
type DeviceConfig struct {
	Address  string            `yaml:"address"`
	Product  string            `yaml:"product"`
	Params   map[string]string `yaml:"params"`
	Channels map[string]string `yaml:"channels"`
}

// ParseAddress returns the Insteon or X10 address of the device
func (dc *DeviceConfig) ParseAddress() (insteon.DeviceAddress, error) {
	return insteon.ParseDeviceAddress(dc.Address)
}

// DefaultPath is config.yaml in the per user configuration directory
func DefaultPath() string {
	return filepath.Join(configdir.LocalConfig("insteond"), "config.yaml")
}

// Default returns the configuration used for anything the file does
// not set
func Default() *Config {
	return &Config{
		Modem: ModemConfig{
			Port:            "/dev/ttyUSB0",
			Baud:            19200,
			Timeout:         3 * time.Second,
			Retries:         3,
			RefreshInterval: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "insteon",
		},
	}
}

// Load reads the file at path on top of the defaults, applies the
// environment overrides and validates the result. An empty path
// selects DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data on top of the defaults, applies the
// environment overrides and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INSTEOND_PORT"); v != "" {
		cfg.Modem.Port = v
	}

	if v := os.Getenv("INSTEOND_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if v := os.Getenv("INSTEOND_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}

	if v := os.Getenv("INSTEOND_HTTP_LISTEN"); v != "" {
		cfg.HTTP.Listen = v
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the modem settings, the log settings and every
// device. All problems are reported together.
func (c *Config) Validate() error {
	errs := insteon.NewAggregateError()

	if c.Modem.Port == "" {
		errs.Append(invalid("modem port is required"))
	}

	if c.Modem.Baud <= 0 {
		errs.Append(invalid("modem baud rate %d", c.Modem.Baud))
	}

	if c.Modem.Timeout <= 0 {
		errs.Append(invalid("modem timeout %v", c.Modem.Timeout))
	}

	if _, err := insteon.ParseLogLevel(c.Log.Level); err != nil {
		errs.Append(invalid("%v", err))
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs.Append(invalid("log format %q, expected text or json", c.Log.Format))
	}

	if c.MQTT.QoS > 2 {
		errs.Append(invalid("mqtt qos %d", c.MQTT.QoS))
	}

	addresses := make(map[insteon.DeviceAddress]bool)
	channels := make(map[string]string)
	for i := range c.Devices {
		dc := &c.Devices[i]
		addr, err := dc.ParseAddress()
		if err != nil {
			errs.Append(invalid("device %d: %v", i+1, err))
			continue
		}

		if addresses[addr] {
			errs.Append(invalid("device %v is configured twice", addr))
			continue
		}
		addresses[addr] = true

		dev, err := devices.New(addr, dc.Product, dc.Params)
		if err != nil {
			errs.Append(invalid("device %v: %v", addr, err))
			continue
		}

		for feature, id := range dc.Channels {
			if _, err := dev.Feature(feature); err != nil {
				errs.Append(invalid("channel %q: %v", id, err))
			}

			if other, found := channels[id]; found {
				errs.Append(invalid("channel %q is used by %s and %v", id, other, addr))
			}
			channels[id] = addr.String()
		}
	}
	return errs.ErrorOrNil()
}
