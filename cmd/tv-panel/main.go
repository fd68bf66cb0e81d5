package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"tv-fleet-panel/internal/backend"
	"tv-fleet-panel/internal/panel"
	"tv-fleet-panel/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Backend struct {
		BaseURL        string        `yaml:"base_url"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"backend"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Panel struct {
		StatusInterval  time.Duration `yaml:"status_interval"`
		TokenInterval   time.Duration `yaml:"token_interval"`
		LogInterval     time.Duration `yaml:"log_interval"`
		MeetingMarker   string        `yaml:"meeting_marker"`
		GlobalLogMarker string        `yaml:"global_log_marker"`
		HistorySize     int           `yaml:"history_size"`
		Delays          panel.Delays  `yaml:"delays"`
	} `yaml:"panel"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Devices    []panel.DeviceSpec `yaml:"devices"`
	ScriptsDir string             `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("devices: at least one TV is required")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("devices: duplicate name %q", d.Name)
		}
		seen[d.Name] = true
	}
	if c.Panel.StatusInterval <= 0 || c.Panel.TokenInterval <= 0 || c.Panel.LogInterval <= 0 {
		return fmt.Errorf("panel intervals must be positive")
	}
	if c.Backend.RequestTimeout < 0 {
		return fmt.Errorf("backend.request_timeout must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// panelConfig converts the panel section, keeping defaults for unset values.
func (c *Config) panelConfig() panel.Config {
	pc := panel.DefaultConfig()
	pc.StatusInterval = c.Panel.StatusInterval
	pc.TokenInterval = c.Panel.TokenInterval
	pc.LogInterval = c.Panel.LogInterval
	pc.MeetingMarker = c.Panel.MeetingMarker
	pc.GlobalLogMarker = c.Panel.GlobalLogMarker
	pc.HistorySize = c.Panel.HistorySize
	pc.Delays = c.Panel.Delays
	return pc
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("tv-panel starting", "version", version, "backend", cfg.Backend.BaseURL, "devices", len(cfg.Devices))

	client, err := backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.RequestTimeout,
	}, logger)
	if err != nil {
		logger.Error("create backend client", "err", err)
		os.Exit(1)
	}

	p, err := panel.New(client, cfg.Devices, cfg.panelConfig(), logger)
	if err != nil {
		logger.Error("create panel", "err", err)
		os.Exit(1)
	}
	p.Start()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(p, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer, err := web.NewServer(p, logger, webOpts...)
	if err != nil {
		logger.Error("create web server", "err", err)
		auto.Stop()
		p.Stop()
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(p, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	p.Stop()

	logger.Info("goodbye")
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Backend.RequestTimeout = 30 * time.Second
	cfg.Web.Listen = "127.0.0.1:8080"

	pc := panel.DefaultConfig()
	cfg.Panel.StatusInterval = pc.StatusInterval
	cfg.Panel.TokenInterval = pc.TokenInterval
	cfg.Panel.LogInterval = pc.LogInterval
	cfg.Panel.MeetingMarker = pc.MeetingMarker
	cfg.Panel.GlobalLogMarker = pc.GlobalLogMarker
	cfg.Panel.HistorySize = pc.HistorySize
	cfg.Panel.Delays = pc.Delays

	cfg.MQTT.TopicPrefix = "tv-panel"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.ScriptsDir = "scripts"
	return &cfg
}

// loadConfig reads path over the defaults. Keys missing from the file keep
// their default value.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
