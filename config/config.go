// Package config loads the controller configuration from a YAML file and
// command line flags. Flags take precedence over the file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mikesmitty/htu21d"
	"github.com/mikesmitty/htu21d/control"
	"github.com/mikesmitty/htu21d/store"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Sensor    Sensor    `yaml:"sensor"`
	Control   Control   `yaml:"control"`
	Actuator  Actuator  `yaml:"actuator"`
	Store     Store     `yaml:"store"`
	Dashboard Dashboard `yaml:"dashboard"`
	MQTT      MQTT      `yaml:"mqtt"`
	Log       Log       `yaml:"log"`
}

type Sensor struct {
	Bus     string `yaml:"bus"`
	Address uint   `yaml:"address"`
	Mode    string `yaml:"mode"`
}

type Control struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	LowThreshold  float64       `yaml:"low_threshold"`
	HighThreshold float64       `yaml:"high_threshold"`
	AllowedErrors int           `yaml:"allowed_errors"`
	StartupBlink  time.Duration `yaml:"startup_blink"`
}

type Actuator struct {
	RelayPin string `yaml:"relay_pin"`
	// FanPin may be empty when no fan is wired.
	FanPin string `yaml:"fan_pin"`
}

type Store struct {
	// Path is the SQLite database. Empty disables persistence.
	Path          string        `yaml:"path"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

type Dashboard struct {
	// Listen is the HTTP address. Empty disables the dashboard.
	Listen string `yaml:"listen"`
	Window int    `yaml:"window"`
}

type MQTT struct {
	// Broker is e.g. tcp://localhost:1883. Empty disables MQTT.
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Sensor: Sensor{
			Bus:     "1",
			Address: htu21d.DefaultAddress,
			Mode:    htu21d.NoHoldMaster.String(),
		},
		Control: Control{
			PollInterval:  control.DefaultInterval,
			LowThreshold:  85,
			HighThreshold: 92,
			AllowedErrors: control.DefaultAllowedErrors,
			StartupBlink:  2 * time.Second,
		},
		Actuator: Actuator{
			RelayPin: "GPIO23",
		},
		Store: Store{
			Path:          "humidistat.db",
			RetryAttempts: store.DefaultRetryAttempts,
			RetryBackoff:  store.DefaultRetryBackoff,
		},
		Dashboard: Dashboard{
			Listen: ":8080",
			Window: control.DefaultWindow,
		},
		MQTT: MQTT{
			Topic: "humidistat",
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// ReadFile overlays the YAML file at path onto c.
func (c *Config) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// BindFlags registers one flag per setting, defaulting to the current values.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Sensor.Bus, "bus", c.Sensor.Bus, "I²C bus name or number")
	fs.UintVar(&c.Sensor.Address, "addr", c.Sensor.Address, "I²C address of the sensor")
	fs.StringVar(&c.Sensor.Mode, "mode", c.Sensor.Mode, "Sensor mode: hold, nohold")

	fs.DurationVar(&c.Control.PollInterval, "interval", c.Control.PollInterval, "Poll interval")
	fs.Float64Var(&c.Control.LowThreshold, "low", c.Control.LowThreshold, "Switch on below this relative humidity")
	fs.Float64Var(&c.Control.HighThreshold, "high", c.Control.HighThreshold, "Switch off above this relative humidity")
	fs.IntVar(&c.Control.AllowedErrors, "allowed-errors", c.Control.AllowedErrors, "Consecutive failed polls tolerated before forcing the actuator off")
	fs.DurationVar(&c.Control.StartupBlink, "startup-blink", c.Control.StartupBlink, "Pulse the relay for this long at startup (0 disables)")

	fs.StringVar(&c.Actuator.RelayPin, "relay-pin", c.Actuator.RelayPin, "Relay GPIO pin name")
	fs.StringVar(&c.Actuator.FanPin, "fan-pin", c.Actuator.FanPin, "Fan GPIO pin name (empty for none)")

	fs.StringVar(&c.Store.Path, "db", c.Store.Path, "SQLite database path (empty disables persistence)")

	fs.StringVar(&c.Dashboard.Listen, "listen", c.Dashboard.Listen, "Dashboard listen address (empty disables the dashboard)")
	fs.IntVar(&c.Dashboard.Window, "window", c.Dashboard.Window, "Number of recent readings shown on the dashboard")

	fs.StringVar(&c.MQTT.Broker, "mqtt-broker", c.MQTT.Broker, "MQTT broker URL (empty disables MQTT)")
	fs.StringVar(&c.MQTT.Topic, "mqtt-topic", c.MQTT.Topic, "MQTT topic prefix")

	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level: debug, info, warn, error")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "Log format: json, console")
}

// Load builds the configuration from defaults, the file named by -config
// and the remaining flags, in that order.
func Load(name string, args []string) (*Config, error) {
	var path string

	// First pass only finds -config; the bound values are discarded.
	pre := flag.NewFlagSet(name, flag.ContinueOnError)
	pre.SetOutput(io.Discard)
	pre.StringVar(&path, "config", "", "")
	Default().BindFlags(pre)
	// Parse errors are reported by the second pass.
	_ = pre.Parse(args)

	cfg := Default()
	if path != "" {
		if err := cfg.ReadFile(path); err != nil {
			return nil, err
		}
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", path, "Configuration file path (YAML)")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if _, err := htu21d.ParseMode(c.Sensor.Mode); err != nil {
		errs = append(errs, fmt.Errorf("sensor.mode: unknown mode %q", c.Sensor.Mode))
	}
	if c.Sensor.Address > 0x7F {
		errs = append(errs, fmt.Errorf("sensor.address: %#x is not a 7-bit address", c.Sensor.Address))
	}
	if c.Control.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("control.poll_interval: must be positive, got %s", c.Control.PollInterval))
	}
	if c.Control.LowThreshold >= c.Control.HighThreshold {
		errs = append(errs, fmt.Errorf("control: low_threshold %v must be below high_threshold %v",
			c.Control.LowThreshold, c.Control.HighThreshold))
	}
	if c.Control.AllowedErrors < 0 {
		errs = append(errs, fmt.Errorf("control.allowed_errors: must not be negative, got %d", c.Control.AllowedErrors))
	}
	if c.Control.StartupBlink < 0 {
		errs = append(errs, fmt.Errorf("control.startup_blink: must not be negative"))
	}
	if c.Actuator.RelayPin == "" {
		errs = append(errs, errors.New("actuator.relay_pin: required"))
	}
	if c.Dashboard.Window <= 0 {
		errs = append(errs, fmt.Errorf("dashboard.window: must be positive, got %d", c.Dashboard.Window))
	}
	if c.Store.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("store.retry_attempts: must be positive, got %d", c.Store.RetryAttempts))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Mode returns the parsed sensor mode. Call Validate first.
func (c *Config) Mode() htu21d.Mode {
	m, _ := htu21d.ParseMode(c.Sensor.Mode)
	return m
}

// Thresholds returns the control thresholds.
func (c *Config) Thresholds() control.Thresholds {
	return control.Thresholds{
		Low:           c.Control.LowThreshold,
		High:          c.Control.HighThreshold,
		AllowedErrors: c.Control.AllowedErrors,
	}
}
