// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
	"github.com/juju/pubsub"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/iotistic/agent/agent"
	"github.com/iotistic/agent/internal/database"
	"github.com/iotistic/agent/internal/machinelock"
	"github.com/iotistic/agent/internal/worker/simplesignalhandler"
	"github.com/iotistic/agent/version"
)

var logger = loggo.GetLogger("iotistic.cmd.iotisticd")

// Exit codes promised to packaging and orchestrators.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitRuntimeError = 2
)

// errTerminated is what the signal watcher dies with on SIGINT or
// SIGTERM; it marks an orderly shutdown rather than a failure.
var errTerminated = errors.New("agent terminated by signal")

// isFatal decides which worker errors kill the whole engine instead of
// bouncing the worker. An unreadable store cannot be retried into
// health; everything else gets backoff.
func isFatal(err error) bool {
	return errors.Is(err, errTerminated) || database.IsErrCorrupt(err)
}

// Main parses flags, loads configuration and runs the agent. It
// returns the process exit code.
func Main(args []string) int {
	f := gnuflag.NewFlagSetWithFlagKnownAs("iotisticd", gnuflag.ContinueOnError, "option")
	f.SetOutput(os.Stderr)
	var (
		dataDir     string
		logDir      string
		showConfig  bool
		showVersion bool
	)
	f.StringVar(&dataDir, "data-dir", agent.DefaultDataDir, "directory the agent keeps its state in")
	f.StringVar(&logDir, "log-dir", agent.DefaultLogDir, "directory the agent writes its logs to")
	f.BoolVar(&showConfig, "show-config", false, "write the effective configuration file, print it, and exit")
	f.BoolVar(&showVersion, "version", false, "print the agent version and exit")
	if err := f.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	if showVersion {
		fmt.Println(version.Current)
		return exitOK
	}

	paths := agent.NewPaths(dataDir, logDir)
	cfg, err := agent.Load(paths, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading configuration: %v\n", err)
		return exitConfigError
	}

	if showConfig {
		if err := agent.WriteSample(paths, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "writing configuration: %v\n", err)
			return exitConfigError
		}
		data, err := os.ReadFile(paths.ConfigPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading back configuration: %v\n", err)
			return exitConfigError
		}
		fmt.Printf("# %s\n%s", paths.ConfigPath(), data)
		return exitOK
	}

	if err := run(cfg); err != nil {
		logger.Errorf("agent stopped: %v", err)
		return exitRuntimeError
	}
	return exitOK
}

// run brings up the dependency engine and blocks until it dies or a
// signal asks for shutdown.
func run(cfg agent.Config) error {
	paths := cfg.Paths()
	for _, dir := range []string{paths.DataDir, paths.LogDir, paths.ContainerLogDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Annotatef(err, "creating %q", dir)
		}
	}
	setupLogging(cfg)
	logger.Infof("iotisticd %s starting, data in %s", version.Current, paths.DataDir)

	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("iotistic.hub"),
	})
	lock, err := machinelock.New(machinelock.Config{
		AgentName:   "iotisticd",
		Clock:       clock.WallClock,
		Logger:      loggo.GetLogger("iotistic.machinelock"),
		LogFilename: paths.MachineLockLogPath(),
	})
	if err != nil {
		return errors.Annotate(err, "creating machine lock")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := dependency.NewEngine(dependencyEngineConfig(
		clock.WallClock, isFatal, loggo.GetLogger("iotistic.worker.dependency")))
	if err != nil {
		return errors.Trace(err)
	}
	manifolds := Manifolds(ManifoldsConfig{
		Agent:          agent.New(cfg),
		Hub:            hub,
		MachineLock:    lock,
		EngineReporter: engine,
		Gatherer:       registry,
		Clock:          clock.WallClock,
	})
	if err := dependency.Install(engine, manifolds); err != nil {
		if stopErr := worker.Stop(engine); stopErr != nil {
			logger.Errorf("stopping engine with bad manifolds: %v", stopErr)
		}
		return errors.Trace(err)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	watcher, err := simplesignalhandler.NewSignalWatcher(
		logger, sigCh, simplesignalhandler.SignalHandler(errTerminated, nil))
	if err != nil {
		if stopErr := worker.Stop(engine); stopErr != nil {
			logger.Errorf("stopping engine: %v", stopErr)
		}
		return errors.Trace(err)
	}
	go func() {
		if err := watcher.Wait(); !errors.Is(err, errTerminated) {
			return
		}
		logger.Infof("shutdown requested; stopping workers")
		engine.Kill()
		// A second signal abandons the orderly teardown.
		<-sigCh
		logger.Errorf("second signal received; exiting immediately")
		os.Exit(exitRuntimeError)
	}()

	err = engine.Wait()
	watcher.Kill()
	logger.Infof("iotisticd stopped")
	return errors.Trace(err)
}

// setupLogging routes the agent's own logs to a rotating file in the
// log directory and applies the configured logger levels.
func setupLogging(cfg agent.Config) {
	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir(), "iotisticd.log"),
		MaxSize:    100, // megabytes
		MaxBackups: 2,
		Compress:   true,
	}
	if err := loggo.DefaultContext().AddWriter(
		"file", loggo.NewSimpleWriter(writer, loggo.DefaultFormatter)); err != nil {
		logger.Errorf("cannot log to %s: %v", writer.Filename, err)
	}
	if lc := cfg.LoggingConfig(); lc != "" {
		loggo.DefaultContext().ResetLoggerLevels()
		if err := loggo.ConfigureLoggers(lc); err != nil {
			logger.Errorf("applying logging config %q: %v", lc, err)
		}
	}
}
