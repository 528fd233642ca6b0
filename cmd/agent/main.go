package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warpcomdev/edgeagent/internal/agent/runtime"
	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
	"github.com/warpcomdev/edgeagent/internal/agent/supervisor"
)

var (
	startMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "start",
		Help: "Start timestamp of the app (unix)",
	})

	serviceStartMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "service_start",
		Help: "Start timestamp of the service (unix)",
	})

	serviceStopMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "service_stop",
		Help: "Stop timestamp of the service (unix)",
	})

	statusMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "status",
		Help: "Service status",
	})
)

type program struct {
	Logger servicelog.Logger
	Config Config
	Cancel func()
}

func (p *program) Start(s service.Service) error {
	// Start should not block. Do the actual work async.
	p.Logger.Info("start signal received")
	if p.Cancel != nil {
		if err := p.Stop(s); err != nil {
			return err
		}
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	p.Cancel = cancelFunc
	serviceStartMetric.SetToCurrentTime()
	statusMetric.Set(1)
	go func() {
		defer serviceStopMetric.SetToCurrentTime()
		defer statusMetric.Set(0)
		p.Run(ctx)
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	// Stop should not block. Return within a few seconds.
	p.Logger.Info("stop signal received")
	if p.Cancel != nil {
		cancel := p.Cancel
		p.Cancel = nil
		wait := make(chan struct{})
		go func() {
			defer close(wait)
			cancel()
		}()
		// Wait up to two seconds for cancellation
		select {
		case <-wait:
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}

// Run is the parent process body: the child supervisor plus the
// control API.
func (p *program) Run(ctx context.Context) {
	classes := supervisor.LoadClasses(p.Logger, p.Config.ClassesFile, p.Config.Classes)
	supConfig := p.Config.Supervisor()
	if err := supConfig.Check(); err != nil {
		p.Logger.Error("invalid supervisor configuration", servicelog.Error(err))
		return
	}
	sup := supervisor.New(p.Logger, supConfig, classes)
	api := supervisor.NewAPI(p.Logger, sup, classes)

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := api.Serve(ctx); err != nil {
			p.Logger.Error("control api failed", servicelog.Error(err))
		}
	}()
	if p.Config.Autostart {
		if err := sup.Start(ctx); err != nil {
			p.Logger.Error("autostart failed", servicelog.Error(err))
		}
	}
	<-ctx.Done()
	if err := sup.Stop(); err != nil && err != supervisor.ErrNotRunning {
		p.Logger.Warn("pipeline stop failed", servicelog.Error(err))
	}
}

// runChild is the child process body: the full capture pipeline.
func runChild(logger servicelog.Logger, config Config) {
	rtConfig := config.Runtime()
	if err := rtConfig.Check(); err != nil {
		logger.Fatal("invalid pipeline configuration", servicelog.Error(err))
	}
	rt := runtime.New(logger, rtConfig)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rt.Run(ctx); err != nil {
		logger.Fatal("pipeline failed", servicelog.Error(err))
	}
}

func main() {
	svcConfig := &service.Config{
		Name:        "EdgeVideoAgent",
		DisplayName: "Edge video agent",
		Description: "Single camera capture, AI detection and session recording agent",
	}

	var (
		configPath string
		child      bool
	)
	flag.StringVar(&configPath, "c", "/etc/edgeagent/config.toml", "path to config file")
	flag.BoolVar(&child, "child", false, "run the capture pipeline (spawned by the supervisor)")
	flag.Parse()

	// Load config
	var config Config
	_, err := toml.DecodeFile(configPath, &config)
	if err != nil {
		panic(err)
	}
	if err := config.Check(configPath); err != nil {
		panic(err)
	}

	if child {
		// The child logs to stderr; the parent owns the rotated file.
		logger, err := servicelog.Console(config.Debug)
		if err != nil {
			log.Fatalf("can't initialize logger: %v", err)
		}
		defer logger.Sync()
		runChild(logger.With(servicelog.String("proc", "child")), config)
		return
	}

	logger, err := servicelog.New(config.LogFolder, 10, 3, config.Debug)
	if err != nil {
		log.Fatalf("can't initialize logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("config loaded", servicelog.Any("config", config))

	startTime := time.Now()
	startMetric.Set(float64(startTime.Unix()))

	prg := &program{
		Logger: logger,
		Config: config,
	}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		logger.Fatal("new service failed", servicelog.Error(err))
	}
	args := flag.Args()
	if len(args) > 0 {
		if err := service.Control(s, args[0]); err != nil {
			logger.Fatal("service control failed", servicelog.Error(err))
		}
		return
	}

	logger.Info("starting service manager")
	if err := s.Run(); err != nil {
		logger.Error("run failed", servicelog.Error(err))
	}
}
