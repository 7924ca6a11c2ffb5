// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command qtad is the per-application uplink quota enforcement daemon.
// It is started directly by the platform's init (there is no separate
// detach/re-exec step, unlike the fleet's other services) and runs
// until it receives SIGTERM/SIGINT or its context is otherwise
// cancelled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/datawind/qtad/internal/config"
	"github.com/datawind/qtad/internal/control"
	"github.com/datawind/qtad/internal/firewall"
	"github.com/datawind/qtad/internal/install"
	"github.com/datawind/qtad/internal/logging"
	"github.com/datawind/qtad/internal/metrics"
	"github.com/datawind/qtad/internal/policy"
	"github.com/datawind/qtad/internal/quotastore"
	"github.com/datawind/qtad/internal/supervisor"
)

func main() {
	configFile := flag.String("config", "", "path to HCL or JSON config file")
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qtad: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg)
	logger.Diag("starting", "config_file", *configFile, "schema_version", cfg.SchemaVersion)

	if err := writePIDFile(); err != nil {
		logger.Fault("could not write PID file", "error", err)
	}
	defer os.Remove(install.GetPIDFile())

	sup := supervisor.New(install.GetRunDir(), supervisor.DefaultConfig())
	if !supervisor.ShouldSkipDetection() && sup.ShouldEnterSafeMode() {
		logger.Fault("too many recent crashes, entering safe mode: engine will not start")
		waitForSignal()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignalThenCancel(cancel, logger)

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Listen, logger)
	}

	engine := buildEngine(cfg, logger)
	sup.StartStabilityTimer()

	exitCode := 0
	var sig syscall.Signal
	if err := engine.Run(ctx); err != nil {
		if errors.Is(err, policy.ErrPreconditionNotMet) {
			// The engine stays idle; the daemon keeps running until shutdown.
			<-ctx.Done()
		} else {
			logger.Fault("engine exited with error", "error", err)
			exitCode = 1
		}
	}
	_ = sup.RecordExit(exitCode, sig, false)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

func buildLogger(cfg *config.Config) *logging.Logger {
	logCfg := logging.DefaultConfig()
	if cfg.Logging != nil {
		logCfg.Level = logging.ParseLevel(cfg.Logging.Level)
	}
	if cfg.Syslog != nil {
		logCfg.Syslog = logging.SyslogConfig{
			Enabled:  cfg.Syslog.Enabled,
			Host:     cfg.Syslog.Host,
			Port:     cfg.Syslog.Port,
			Protocol: cfg.Syslog.Protocol,
			Tag:      cfg.Syslog.Tag,
			Facility: cfg.Syslog.Facility,
		}
	}

	logDir := install.GetLogDir()
	if err := os.MkdirAll(logDir, 0755); err == nil {
		if f, err := os.OpenFile(filepath.Join(logDir, "qtad.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			logCfg.Output = f
		}
	}

	return logging.New(logCfg)
}

func writePIDFile() error {
	runDir := install.GetRunDir()
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(install.GetPIDFile(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

func buildEngine(cfg *config.Config, logger *logging.Logger) *policy.Engine {
	fw := firewall.NewDriver(firewall.DefaultIPv4Path, firewall.DefaultIPv6Path, logger.WithComponent("firewall"))
	store := quotastore.New(quotastore.DefaultPath)

	controlCfg := control.Config{}
	if cfg.Control != nil {
		controlCfg.Endpoint = cfg.Control.Endpoint
		controlCfg.Timeout = cfg.Control.Timeout
		controlCfg.InsecureSkipVerify = cfg.Control.InsecureSkipVerify
	}
	client := control.New(controlCfg, logger.WithComponent("control"))

	return policy.New(fw, store, client, cfg, logger.WithComponent("policy"), policy.DefaultPaths())
}

func serveMetrics(listen string, logger *logging.Logger) {
	if listen == "" {
		listen = "127.0.0.1:9110"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Get().Handler())
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Fault("metrics listener exited", "error", err, "listen", listen)
	}
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch
}

func waitForSignalThenCancel(cancel context.CancelFunc, logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	sig := <-ch
	logger.Diag("received signal, shutting down", "signal", sig.String())
	cancel()
}
