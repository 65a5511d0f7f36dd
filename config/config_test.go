package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikesmitty/htu21d"
	"github.com/mikesmitty/htu21d/control"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "humidistat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefault_Valid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, htu21d.NoHoldMaster, c.Mode())
	assert.Equal(t, control.Thresholds{Low: 85, High: 92, AllowedErrors: 10}, c.Thresholds())
	assert.Equal(t, 2*time.Second, c.Control.PollInterval)
}

func TestLoad_FileThenFlags(t *testing.T) {
	path := writeConfig(t, `
sensor:
  bus: "0"
  mode: hold
control:
  poll_interval: 5s
  low_threshold: 80
  high_threshold: 90
actuator:
  relay_pin: GPIO17
  fan_pin: GPIO27
mqtt:
  broker: tcp://broker:1883
`)
	c, err := Load("test", []string{"-config", path, "-high", "91", "-log-level", "debug"})
	require.NoError(t, err)

	assert.Equal(t, "0", c.Sensor.Bus)
	assert.Equal(t, htu21d.HoldMaster, c.Mode())
	assert.Equal(t, 5*time.Second, c.Control.PollInterval)
	assert.Equal(t, 80.0, c.Control.LowThreshold)
	assert.Equal(t, 91.0, c.Control.HighThreshold, "flag overrides file")
	assert.Equal(t, "GPIO27", c.Actuator.FanPin)
	assert.Equal(t, "tcp://broker:1883", c.MQTT.Broker)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, uint(0x40), c.Sensor.Address, "default kept")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load("test", []string{"-config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)

	_, err = Load("test", []string{"-config", writeConfig(t, "control: [1, 2")})
	assert.Error(t, err)

	_, err = Load("test", []string{"-mode", "sometimes"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Load("test", []string{"-no-such-flag"})
	assert.Error(t, err)

	_, err = Load("test", []string{"-h"})
	assert.True(t, errors.Is(err, flag.ErrHelp))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"thresholds inverted", func(c *Config) { c.Control.LowThreshold, c.Control.HighThreshold = 92, 85 }},
		{"thresholds equal", func(c *Config) { c.Control.HighThreshold = c.Control.LowThreshold }},
		{"zero interval", func(c *Config) { c.Control.PollInterval = 0 }},
		{"negative allowed errors", func(c *Config) { c.Control.AllowedErrors = -1 }},
		{"wide address", func(c *Config) { c.Sensor.Address = 0x80 }},
		{"no relay", func(c *Config) { c.Actuator.RelayPin = "" }},
		{"zero window", func(c *Config) { c.Dashboard.Window = 0 }},
		{"zero retries", func(c *Config) { c.Store.RetryAttempts = 0 }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}
}
