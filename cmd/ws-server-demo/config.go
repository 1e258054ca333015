package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ws-server/errs"
	"ws-server/server"
)

// demoConfig is the YAML file layout. Durations are strings such as "30s".
//
//	server:
//	  host: 0.0.0.0
//	  port: 3013
//	  max_connections: 10
//	  watchdog_period: 30s
//	metrics_addr: ":9090"
//	log_level: info
type demoConfig struct {
	Server      server.Config `yaml:"server"`
	MetricsAddr string        `yaml:"metrics_addr"`
	LogLevel    string        `yaml:"log_level"`
}

func defaultDemoConfig() demoConfig {
	return demoConfig{
		Server:      server.DefaultConfig(),
		MetricsAddr: ":9090",
		LogLevel:    "info",
	}
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults. Unknown keys are rejected.
func loadConfig(path string) (demoConfig, error) {
	cfg := defaultDemoConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errs.Invalid(fmt.Errorf("parse %s: %w: %w", path, errs.ErrInvalidConfig, err), "config", "load")
	}
	return cfg, nil
}

// serveFlags holds the serve command-line overrides.
type serveFlags struct {
	configPath     string
	port           uint16
	maxConnections uint32
	watchdog       time.Duration
	metricsAddr    string
	logLevel       string
}

// resolveConfig loads the config file and applies every flag the user set.
func resolveConfig(f serveFlags, changed func(name string) bool) (demoConfig, error) {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return cfg, err
	}

	if changed("port") {
		cfg.Server.Port = f.port
	}
	if changed("max-connections") {
		cfg.Server.MaxConnections = f.maxConnections
	}
	if changed("watchdog") {
		cfg.Server.WatchdogPeriod = f.watchdog
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}

	if err := cfg.Server.Validate(); err != nil {
		return cfg, errs.Invalid(err, "config", "validate")
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return cfg, errs.Invalid(err, "config", "validate")
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log_level %q: %w", s, errs.ErrInvalidConfig)
	}
	return level, nil
}
