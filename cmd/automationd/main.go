// Package main is the entry point for the kindled automation kernel.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nugget/kindled/internal/buildinfo"
	"github.com/nugget/kindled/internal/config"
	"github.com/nugget/kindled/internal/connwatch"
	"github.com/nugget/kindled/internal/diagnostics"
	"github.com/nugget/kindled/internal/homeassistant"
	"github.com/nugget/kindled/internal/kernel"
	"github.com/nugget/kindled/internal/mqtt"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	run(logger, *configPath)
}

func run(logger *slog.Logger, configPath string) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting kindled", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	diagStore, err := diagnostics.NewStore(cfg.DataDir + "/diagnostics.db")
	if err != nil {
		logger.Error("failed to open diagnostics database", "error", err)
		os.Exit(1)
	}
	defer diagStore.Close()
	recorder := diagnostics.NewRecorder(diagStore, logger)

	startTime := time.Now()

	k := kernel.New(kernel.Config{
		Workers:       cfg.Kernel.Workers,
		BusyThreshold: cfg.Kernel.BusyThreshold,
		BusyCallback:  recorder.BusyCallback(),
		TimerInterval: cfg.Kernel.TimerInterval,
		Logger:        logger,
	})
	recorder.Attach(k.Bus)

	watchers := connwatch.NewManager(logger)

	var bridge *homeassistant.Bridge
	if cfg.HomeAssistant.Configured() {
		haClient := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token)
		ws := homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		filter := homeassistant.NewEntityFilter(cfg.HomeAssistant.EntityFilter, logger)
		bridge = homeassistant.NewBridge(k, haClient, ws, filter, cfg.HomeAssistant.RateLimitPerMinute, logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		watchers.Watch(ctx, connwatch.WatcherConfig{
			Name:    "homeassistant",
			Probe:   haClient.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
			OnReady: func() {
				if err := ws.Reconnect(ctx); err != nil {
					logger.Error("home assistant websocket connect failed", "error", err)
					return
				}
				if err := bridge.Run(ctx); err != nil {
					logger.Error("home assistant bridge failed to start", "error", err)
				}
			},
			OnDown: func(err error) {
				logger.Warn("home assistant unreachable", "error", err)
			},
		})
	} else {
		logger.Warn("home assistant not configured, bridge disabled")
	}

	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			logger.Error("failed to load mqtt instance id", "error", err)
			os.Exit(1)
		}

		dispatcher := newTopicDispatcher(logger)
		mqttCfg := cfg.MQTT
		for _, m := range cfg.Movement {
			sensor := mqtt.NewMovementSensor(m.EntityID, k.States, logger)
			dispatcher.register(m.Topic, sensor.HandleMessage)
			mqttCfg.Subscriptions = append(mqttCfg.Subscriptions, config.MQTTSubscription{Topic: m.Topic})
		}

		stats := &kernelStats{kernel: k, startTime: startTime}
		publisher := mqtt.New(mqttCfg, instanceID, stats, logger)
		for _, r := range cfg.Relays {
			relay := mqtt.NewRelay(r.EntityID, r.CommandTopic, publisher, k.States, logger)
			relay.RegisterServices(k.Services)
		}
		publisher.SetMessageHandler(dispatcher.handle)

		mqttCtx, mqttCancel := context.WithCancel(context.Background())
		defer mqttCancel()

		go func() {
			if err := publisher.Start(mqttCtx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		defer publisher.Stop(context.Background())

		watchers.Watch(mqttCtx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(ctx context.Context) error {
				return publisher.AwaitConnection(ctx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
	} else {
		logger.Warn("mqtt not configured, discovery/bridging disabled")
	}

	defer watchers.Stop()

	k.Start()
	k.BlockTillStopped()

	logger.Info("kindled stopped")
}

// kernelStats adapts a running Kernel and buildinfo to mqtt.StatsSource.
type kernelStats struct {
	kernel    *kernel.Kernel
	startTime time.Time
}

func (s *kernelStats) Uptime() time.Duration { return time.Since(s.startTime) }
func (s *kernelStats) Version() string       { return buildinfo.Version }
func (s *kernelStats) WorkerCount() int      { return s.kernel.Pool.WorkerCount() }
func (s *kernelStats) PendingJobs() int      { return s.kernel.Pool.PendingJobs() }
func (s *kernelStats) TrackedEntities() int  { return len(s.kernel.States.All()) }

// topicDispatcher routes inbound MQTT messages to the handler
// registered for their exact topic, since Publisher only accepts a
// single MessageHandler.
type topicDispatcher struct {
	logger   *slog.Logger
	handlers map[string]mqtt.MessageHandler
}

func newTopicDispatcher(logger *slog.Logger) *topicDispatcher {
	return &topicDispatcher{logger: logger, handlers: make(map[string]mqtt.MessageHandler)}
}

func (d *topicDispatcher) register(topic string, h mqtt.MessageHandler) {
	d.handlers[topic] = h
}

func (d *topicDispatcher) handle(topic string, payload []byte) {
	if h, ok := d.handlers[topic]; ok {
		h(topic, payload)
		return
	}
	d.logger.Debug("mqtt message on unhandled topic", "topic", topic, "size", len(payload))
}
