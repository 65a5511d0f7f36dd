package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExampleFile(t *testing.T) {
	c := Default()
	require.NoError(t, c.ReadFile("../humidistat.example.yaml"))
	require.NoError(t, c.Validate())
	assert.Equal(t, "GPIO24", c.Actuator.FanPin)
	assert.Equal(t, uint(0x40), c.Sensor.Address)
}
