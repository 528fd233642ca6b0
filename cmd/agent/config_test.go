package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalConfig() Config {
	return Config{
		DeviceID:        "cam-1",
		StatusPort:      8088,
		CapturePipeline: "cat /dev/video0",
		CaptureEndpoint: "/tmp/frames.sock",
		WorkerAddr:      "localhost:9099",
		ApiURL:          "https://store.example",
		PublishCommand:  "sleep 60",
	}
}

func TestConfigCheckDefaults(t *testing.T) {
	config := minimalConfig()
	require.NoError(t, config.Check("/etc/edgeagent/config.toml"))
	assert.Equal(t, "/etc/edgeagent/logs", config.LogFolder)
	assert.Equal(t, "/etc/edgeagent/classes.json", config.ClassesFile)
	assert.Equal(t, uint32(1280), config.CaptureWidth)
	assert.Equal(t, float32(0.5), config.Threshold)
	assert.Equal(t, "/cam-1", config.PublishPath)
	assert.Equal(t, 8089, config.Supervisor().ChildStatusPort)
}

func TestConfigCheckRequiredFields(t *testing.T) {
	for _, clear := range []func(*Config){
		func(c *Config) { c.DeviceID = "" },
		func(c *Config) { c.CapturePipeline = "" },
		func(c *Config) { c.CaptureEndpoint = "" },
		func(c *Config) { c.WorkerAddr = "" },
		func(c *Config) { c.ApiURL = "" },
		func(c *Config) { c.PublishCommand = "" },
	} {
		config := minimalConfig()
		clear(&config)
		assert.Error(t, config.Check("/etc/edgeagent/config.toml"))
	}
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv("EDGE_AGENT_STATUS_PORT", "9100")
	t.Setenv("EDGE_AGENT_CHILD_STATUS_PORT", "9200")
	t.Setenv("EDGE_AGENT_CLASSES_FILTER", "person, dog")
	t.Setenv("EDGE_AGENT_AUTOSTART", "true")

	config := minimalConfig()
	require.NoError(t, config.Check("/etc/edgeagent/config.toml"))
	assert.Equal(t, 9100, config.StatusPort)
	assert.Equal(t, []string{"person", "dog"}, config.Classes)
	assert.True(t, config.Autostart)

	sup := config.Supervisor()
	assert.Equal(t, 9100, sup.StatusPort)
	assert.Equal(t, 9200, sup.ChildStatusPort)
}

func TestConfigEnvEmptyFilterClearsClasses(t *testing.T) {
	t.Setenv("EDGE_AGENT_CLASSES_FILTER", "")
	config := minimalConfig()
	config.Classes = []string{"person"}
	require.NoError(t, config.Check("/etc/edgeagent/config.toml"))
	assert.Empty(t, config.Classes)
}

func TestConfigRejectsBadEnvPorts(t *testing.T) {
	t.Setenv("EDGE_AGENT_STATUS_PORT", "not-a-port")
	config := minimalConfig()
	assert.Error(t, config.Check("/etc/edgeagent/config.toml"))
}
