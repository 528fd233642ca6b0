package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/warpcomdev/edgeagent/internal/agent/aiclient"
	"github.com/warpcomdev/edgeagent/internal/agent/aiproto"
	"github.com/warpcomdev/edgeagent/internal/agent/detect"
	"github.com/warpcomdev/edgeagent/internal/agent/feeder"
	"github.com/warpcomdev/edgeagent/internal/agent/hub"
	"github.com/warpcomdev/edgeagent/internal/agent/ingest"
	"github.com/warpcomdev/edgeagent/internal/agent/orchestrator"
	"github.com/warpcomdev/edgeagent/internal/agent/publisher"
	"github.com/warpcomdev/edgeagent/internal/agent/runtime"
	"github.com/warpcomdev/edgeagent/internal/agent/store"
	"github.com/warpcomdev/edgeagent/internal/agent/supervisor"
)

type Config struct {
	DeviceID   string `json:"DeviceID" toml:"DeviceID" yaml:"DeviceID"`
	StatusPort int    `json:"StatusPort" toml:"StatusPort" yaml:"StatusPort"`
	Autostart  bool   `json:"Autostart" toml:"Autostart" yaml:"Autostart"`
	Debug      bool   `json:"Debug" toml:"Debug" yaml:"Debug"`
	LogFolder  string `json:"LogFolder" toml:"LogFolder" yaml:"LogFolder"`
	PidFile    string `json:"PidFile" toml:"PidFile" yaml:"PidFile"`

	CapturePipeline string `json:"CapturePipeline" toml:"CapturePipeline" yaml:"CapturePipeline"`
	CaptureEndpoint string `json:"CaptureEndpoint" toml:"CaptureEndpoint" yaml:"CaptureEndpoint"`
	CaptureWidth    uint32 `json:"CaptureWidth" toml:"CaptureWidth" yaml:"CaptureWidth"`
	CaptureHeight   uint32 `json:"CaptureHeight" toml:"CaptureHeight" yaml:"CaptureHeight"`
	CaptureFps      uint32 `json:"CaptureFps" toml:"CaptureFps" yaml:"CaptureFps"`

	WorkerAddr     string   `json:"WorkerAddr" toml:"WorkerAddr" yaml:"WorkerAddr"`
	ModelPath      string   `json:"ModelPath" toml:"ModelPath" yaml:"ModelPath"`
	IdleFps        float64  `json:"IdleFps" toml:"IdleFps" yaml:"IdleFps"`
	ActiveFps      float64  `json:"ActiveFps" toml:"ActiveFps" yaml:"ActiveFps"`
	NormalizeSeams bool     `json:"NormalizeSeams" toml:"NormalizeSeams" yaml:"NormalizeSeams"`
	Threshold      float32  `json:"Threshold" toml:"Threshold" yaml:"Threshold"`
	Classes        []string `json:"Classes" toml:"Classes" yaml:"Classes"`
	ClassesFile    string   `json:"ClassesFile" toml:"ClassesFile" yaml:"ClassesFile"`

	DwellMs    int `json:"DwellMs" toml:"DwellMs" yaml:"DwellMs"`
	SilenceMs  int `json:"SilenceMs" toml:"SilenceMs" yaml:"SilenceMs"`
	PostrollMs int `json:"PostrollMs" toml:"PostrollMs" yaml:"PostrollMs"`

	ApiURL            string `json:"ApiURL" toml:"ApiURL" yaml:"ApiURL"`
	ApiTimeoutSeconds int    `json:"ApiTimeoutSeconds" toml:"ApiTimeoutSeconds" yaml:"ApiTimeoutSeconds"`
	ApiSkipVerify     bool   `json:"ApiSkipVerify" toml:"ApiSkipVerify" yaml:"ApiSkipVerify"`

	PublishCommand string `json:"PublishCommand" toml:"PublishCommand" yaml:"PublishCommand"`
	PublishPath    string `json:"PublishPath" toml:"PublishPath" yaml:"PublishPath"`

	CacheEntries int `json:"CacheEntries" toml:"CacheEntries" yaml:"CacheEntries"`
	CacheMB      int `json:"CacheMB" toml:"CacheMB" yaml:"CacheMB"`

	BatchMax        int `json:"BatchMax" toml:"BatchMax" yaml:"BatchMax"`
	FlushIntervalMs int `json:"FlushIntervalMs" toml:"FlushIntervalMs" yaml:"FlushIntervalMs"`

	configPath      string `json:"-" toml:"-" yaml:"-"`
	childStatusPort int    `json:"-" toml:"-" yaml:"-"`
}

// Check validates and normalizes the configuration, applying the
// EDGE_AGENT_* environment overrides the supervisor uses to steer the
// child process.
func (config *Config) Check(configPath string) error {
	config.configPath = configPath
	if port := os.Getenv("EDGE_AGENT_STATUS_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid EDGE_AGENT_STATUS_PORT %q: %w", port, err)
		}
		config.StatusPort = n
	}
	if port := os.Getenv("EDGE_AGENT_CHILD_STATUS_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid EDGE_AGENT_CHILD_STATUS_PORT %q: %w", port, err)
		}
		config.childStatusPort = n
	}
	if filter, ok := os.LookupEnv("EDGE_AGENT_CLASSES_FILTER"); ok {
		config.Classes = nil
		for _, c := range strings.Split(filter, ",") {
			if c = strings.TrimSpace(c); c != "" {
				config.Classes = append(config.Classes, c)
			}
		}
	}
	if auto := os.Getenv("EDGE_AGENT_AUTOSTART"); auto != "" {
		config.Autostart = auto == "1" || strings.EqualFold(auto, "true")
	}

	if config.DeviceID == "" {
		return errors.New("deviceID config parameter is required")
	}
	if config.StatusPort < 1024 || config.StatusPort > 65535 {
		config.StatusPort = 8088
	}
	configDir := filepath.Dir(configPath)
	if config.LogFolder == "" {
		config.LogFolder = filepath.Join(configDir, "logs")
	}
	if config.ClassesFile == "" {
		config.ClassesFile = filepath.Join(configDir, "classes.json")
	}
	if config.CapturePipeline == "" {
		return errors.New("capturePipeline config parameter is required")
	}
	if config.CaptureEndpoint == "" {
		return errors.New("captureEndpoint config parameter is required")
	}
	if config.CaptureWidth == 0 {
		config.CaptureWidth = 1280
	}
	if config.CaptureHeight == 0 {
		config.CaptureHeight = 720
	}
	if config.CaptureFps < 1 {
		config.CaptureFps = 15
	}
	if config.WorkerAddr == "" {
		return errors.New("workerAddr config parameter is required")
	}
	if config.IdleFps <= 0 {
		config.IdleFps = 1
	}
	if config.ActiveFps <= 0 {
		config.ActiveFps = 5
	}
	if config.Threshold <= 0 || config.Threshold >= 1 {
		config.Threshold = 0.5
	}
	if err := detect.ValidateClasses(config.Classes); err != nil {
		return err
	}
	if config.DwellMs < 1 {
		config.DwellMs = 500
	}
	if config.SilenceMs < 1 {
		config.SilenceMs = 2000
	}
	if config.PostrollMs < 1 {
		config.PostrollMs = 1000
	}
	if config.ApiURL == "" {
		return errors.New("apiURL config parameter is required")
	}
	if config.ApiTimeoutSeconds < 1 {
		config.ApiTimeoutSeconds = 10
	}
	if config.PublishCommand == "" {
		return errors.New("publishCommand config parameter is required")
	}
	if config.PublishPath == "" {
		config.PublishPath = "/" + config.DeviceID
	}
	if config.CacheEntries < 1 {
		config.CacheEntries = 64
	}
	if config.CacheMB < 1 {
		config.CacheMB = 256
	}
	if config.BatchMax < 1 {
		config.BatchMax = 50
	}
	if config.FlushIntervalMs < 1 {
		config.FlushIntervalMs = 250
	}
	return nil
}

// Runtime maps the flat file configuration onto the pipeline components.
func (config Config) Runtime() runtime.Config {
	return runtime.Config{
		DeviceID:   config.DeviceID,
		StreamPath: config.PublishPath,
		StatusPort: config.StatusPort,
		Hub: hub.Config{
			Pipeline: config.CapturePipeline,
			Endpoint: config.CaptureEndpoint,
			Width:    config.CaptureWidth,
			Height:   config.CaptureHeight,
			Fps:      config.CaptureFps,
		},
		Feeder: feeder.Config{
			IdleFps:   config.IdleFps,
			ActiveFps: config.ActiveFps,
			Normalize: config.NormalizeSeams,
		},
		Worker: aiclient.Config{
			Addr: config.WorkerAddr,
			Init: aiproto.Init{
				ModelPath:      config.ModelPath,
				Width:          config.CaptureWidth,
				Height:         config.CaptureHeight,
				ConfThreshold:  config.Threshold,
				AllowedFormats: []string{"nv12", "i420", "jpeg"},
				Codec:          "raw",
				MaxInflight:    1,
			},
		},
		Store: store.Config{
			ApiURL:     config.ApiURL,
			DeviceID:   config.DeviceID,
			Timeout:    time.Duration(config.ApiTimeoutSeconds) * time.Second,
			SkipVerify: config.ApiSkipVerify,
		},
		Publisher: publisher.Config{
			Command: config.PublishCommand,
			Path:    config.PublishPath,
		},
		Ingest: ingest.Config{
			BatchMax:      config.BatchMax,
			FlushInterval: time.Duration(config.FlushIntervalMs) * time.Millisecond,
		},
		Timers: orchestrator.Timers{
			Dwell:    time.Duration(config.DwellMs) * time.Millisecond,
			Silence:  time.Duration(config.SilenceMs) * time.Millisecond,
			Postroll: time.Duration(config.PostrollMs) * time.Millisecond,
		},
		Threshold:    config.Threshold,
		Classes:      config.Classes,
		CacheEntries: config.CacheEntries,
		CacheBytes:   config.CacheMB * 1024 * 1024,
	}
}

// Supervisor maps the configuration onto the parent process manager.
func (config Config) Supervisor() supervisor.Config {
	child := config.childStatusPort
	if child == 0 {
		child = config.StatusPort + 1
	}
	return supervisor.Config{
		ConfigPath:      config.configPath,
		StatusPort:      config.StatusPort,
		ChildStatusPort: child,
		Autostart:       config.Autostart,
		PidFile:         config.PidFile,
		ClassesFile:     config.ClassesFile,
	}
}
