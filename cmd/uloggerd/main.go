package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bfabiszewski/ulogger-go/pkg"
	"github.com/bfabiszewski/ulogger-go/pkg/acquisition"
	"github.com/bfabiszewski/ulogger-go/pkg/api"
	"github.com/bfabiszewski/ulogger-go/pkg/config"
	"github.com/bfabiszewski/ulogger-go/pkg/filter"
	"github.com/bfabiszewski/ulogger-go/pkg/gpsd"
	"github.com/bfabiszewski/ulogger-go/pkg/logx"
	"github.com/bfabiszewski/ulogger-go/pkg/metrics"
	"github.com/bfabiszewski/ulogger-go/pkg/mqtt"
	"github.com/bfabiszewski/ulogger-go/pkg/pidfile"
	"github.com/bfabiszewski/ulogger-go/pkg/scheduler"
	"github.com/bfabiszewski/ulogger-go/pkg/store"
	"github.com/bfabiszewski/ulogger-go/pkg/syncer"
	"github.com/bfabiszewski/ulogger-go/pkg/telem"
	"github.com/bfabiszewski/ulogger-go/pkg/transport"
)

var (
	configPath = flag.String("config", "", "Path to YAML configuration file")
	pidPath    = flag.String("pid-file", "/tmp/uloggerd.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version    = flag.Bool("version", false, "Show version information")
	force      = flag.Bool("force", false, "Force start by removing stale PID file")
)

const (
	AppName    = "uloggerd"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	effectiveLogLevel := "info"
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config_load_failed", "error", err, "path", *configPath)
		os.Exit(1)
	}
	if *logLevel == "" {
		logger.SetLevel(cfg.LogLevel)
	}

	pidFile := pidfile.New(*pidPath)
	if running, existingPID, err := pidFile.CheckRunning(); err != nil {
		logger.Error("pid_check_failed", "error", err)
		os.Exit(1)
	} else if running {
		if !*force {
			logger.Error("daemon_already_running", "existing_pid", existingPID, "pid_file", *pidPath)
			fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
			os.Exit(1)
		}
		logger.Warn("forcing_start_over_running_instance", "existing_pid", existingPID)
		if err := pidFile.ForceRemove(); err != nil {
			logger.Error("pid_force_remove_failed", "error", err)
			os.Exit(1)
		}
	}
	if err := pidFile.Create(); err != nil {
		logger.Error("pid_create_failed", "error", err, "path", *pidPath)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("pid_remove_failed", "error", err)
		}
	}()

	logger.Info("starting_daemon", "version", AppVersion, "pid", os.Getpid(), "server", cfg.ServerURL)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon_failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logx.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := telem.NewStore(512)
	m := metrics.New()
	clock := scheduler.NewClock()

	positionStore := store.New(cfg.StorePath, cfg.ImageDir, logger.WithFields("subsystem", "store"))

	client, err := transport.NewClient(&transport.Config{
		ServerURL: cfg.ServerURL,
		Timeout:   cfg.UploadTimeout(),
	}, logger.WithFields("subsystem", "transport"))
	if err != nil {
		return err
	}

	// Location sources: a gpsd NMEA stream for the high-precision provider
	// and a push source fed over the HTTP API for the coarse one.
	mux := acquisition.NewMux()
	push := acquisition.NewPushSource(pkg.ProviderNetwork)
	mux.Register(pkg.ProviderNetwork, push)
	if cfg.GpsdAddress != "" {
		mux.Register(pkg.ProviderGPS, gpsd.NewSource(&gpsd.Config{
			Address: cfg.GpsdAddress,
		}, logger.WithFields("subsystem", "gpsd")))
	}

	controller := acquisition.NewController(&acquisition.Config{
		Providers: cfg.Providers,
		Thresholds: filter.Thresholds{
			MinInterval: cfg.MinInterval(),
			MinDistance: cfg.MinDistanceMeters,
			MaxAccuracy: cfg.MaxAccuracyMeters,
		},
		LiveSync:              cfg.LiveSync,
		GPSRestartMinInterval: cfg.GPSRestartMinInterval(),
		SingleShotTimeout:     30 * time.Second,
	}, mux, positionStore, events, m, clock, logger.WithFields("subsystem", "acquisition"))

	engine := syncer.New(&syncer.Config{
		Username:   cfg.Username,
		Password:   cfg.Password,
		RetryDelay: cfg.SyncRetryDelay(),
	}, positionStore, client, events, m, clock,
		logger.WithFields("subsystem", "sync"), controller.Running)

	controller.SetSyncTrigger(engine.Trigger)

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- engine.Run(ctx)
	}()

	// Optional MQTT fan-out of the status stream.
	mqttClient := mqtt.NewClient(&mqtt.Config{
		Enabled:     cfg.MQTTEnabled,
		Broker:      cfg.MQTTBroker,
		Port:        cfg.MQTTPort,
		ClientID:    cfg.DeviceID,
		Username:    cfg.MQTTUsername,
		Password:    cfg.MQTTPassword,
		TopicPrefix: cfg.MQTTTopicPrefix,
		QoS:         1,
	}, logger.WithFields("subsystem", "mqtt"))
	if err := mqttClient.Connect(); err != nil {
		logger.Warn("mqtt_connect_failed", "error", err)
	} else {
		events.Subscribe(mqttClient.PublishEvent)
		controller.SetPositionSink(mqttClient.PublishPosition)
	}
	defer mqttClient.Disconnect()

	if cfg.AutoStart {
		if err := controller.Start(); err != nil {
			logger.Error("tracking_autostart_failed", "error", err)
		}
	}

	server := api.New(cfg.ListenAddr, controller, engine, positionStore, events, m, push,
		logger.WithFields("subsystem", "api"))
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case err := <-serverErr:
		if err != nil {
			stop()
			return fmt.Errorf("api server failed: %w", err)
		}
	case err := <-engineErr:
		if err != nil {
			stop()
			return fmt.Errorf("sync engine failed: %w", err)
		}
	}

	controller.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api_shutdown_failed", "error", err)
	}

	logger.Info("daemon_stopped")
	return nil
}
