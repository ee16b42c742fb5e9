package main

import (
	"testing"

	"github.com/sharat910/pqharvest/register"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShippedConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.SetConfigFile("config.yaml")
	require.NoError(t, viper.ReadInConfig())

	hc := GetHarvestConfig()
	l, err := hc.Layout()
	require.NoError(t, err)
	assert.Len(t, GetPorts(), 2)

	var c register.P4RTConfig
	require.NoError(t, viper.UnmarshalKey("device.p4runtime", &c))
	assert.NoError(t, c.Check(l))
	assert.Equal(t, l.SecondBit(), c.GenerationShift)

	// switching to queue monitor needs only the mode and three field registers
	hc.Mode = "queue_monitor"
	l, err = hc.Layout()
	require.NoError(t, err)
	c.FieldRegisterIDs = c.FieldRegisterIDs[:3]
	assert.NoError(t, c.Check(l))
}
