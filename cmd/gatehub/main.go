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

	"gatehub/internal/alerts"
	"gatehub/internal/auth"
	"gatehub/internal/dispatch"
	"gatehub/internal/events"
	"gatehub/internal/heartbeat"
	"gatehub/internal/mqtt"
	"gatehub/internal/registry"
	"gatehub/internal/store"
	"gatehub/internal/trust"
	"gatehub/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Heartbeat struct {
		Interval string `yaml:"interval"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"heartbeat"`
	Events struct {
		BufferCapacity int `yaml:"buffer_capacity"`
	} `yaml:"events"`
	Trust struct {
		OpsPrivateKeyB64 string `yaml:"ops_private_key_b64"`
		AppPublicKeyB64  string `yaml:"app_public_key_b64"`
		PassTTL          string `yaml:"pass_ttl"`
	} `yaml:"trust"`
	Operators []struct {
		Token    string `yaml:"token"`
		Name     string `yaml:"name"`
		Role     string `yaml:"role"`
		Facility string `yaml:"facility"`
	} `yaml:"operators"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Alerts struct {
		ScriptsDir string `yaml:"scripts_dir"`
	} `yaml:"alerts"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Trust.OpsPrivateKeyB64 == "" {
		return fmt.Errorf("trust.ops_private_key_b64 is required")
	}
	if len(c.Operators) == 0 {
		return fmt.Errorf("at least one operator token is required")
	}
	for i, op := range c.Operators {
		if op.Token == "" {
			return fmt.Errorf("operators[%d].token must not be empty", i)
		}
		switch auth.Role(op.Role) {
		case auth.RoleAdmin, auth.RoleDevAdmin, auth.RoleViewer:
		case auth.RoleFacilityAdmin:
			if op.Facility == "" {
				return fmt.Errorf("operators[%d]: facility_admin requires a facility", i)
			}
		default:
			return fmt.Errorf("operators[%d]: unknown role %q", i, op.Role)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
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

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("gatehub starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Operations signing identity. Installed from config at startup;
	// replaced only by a config change and restart after a rotation
	// ceremony.
	signer, err := trust.NewSignerFromB64(cfg.Trust.OpsPrivateKeyB64)
	if err != nil {
		logger.Error("load operations signing key", "err", err)
		os.Exit(1)
	}

	var appPub []byte
	if cfg.Trust.AppPublicKeyB64 != "" {
		pub, err := trust.DecodePublicKeyB64(cfg.Trust.AppPublicKeyB64)
		if err != nil {
			logger.Error("load application public key", "err", err)
			os.Exit(1)
		}
		appPub = pub
	}

	bus := events.NewBus(cfg.Events.BufferCapacity, logger)
	reg := registry.New(bus, logger)
	monitor := heartbeat.New(reg, bus, parseDuration(cfg.Heartbeat.Interval), parseDuration(cfg.Heartbeat.Timeout), logger)
	dispatcher := dispatch.New(reg, bus, db, 0, logger)
	authority := trust.NewAuthority(signer, reg, bus, db, appPub, parseDuration(cfg.Trust.PassTTL), logger)

	tokens := make([]web.OperatorToken, 0, len(cfg.Operators))
	for _, op := range cfg.Operators {
		tokens = append(tokens, web.OperatorToken{
			Token: op.Token,
			Identity: auth.Identity{
				Name:     op.Name,
				Role:     auth.Role(op.Role),
				Facility: op.Facility,
			},
		})
	}

	var webOpts []web.ServerOption
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(reg, monitor, dispatcher, authority, bus, db, tokens, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Optional MQTT status bridge.
	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge, err = mqtt.NewBridge(bus, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Error("mqtt bridge", "err", err)
			os.Exit(1)
		}
		bridge.Start()
	}

	// Optional Lua alert hooks.
	alertEngine := alerts.NewEngine(bus, cfg.Alerts.ScriptsDir, logger)
	if err := alertEngine.Start(); err != nil {
		logger.Error("alert engine", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	alertEngine.Stop()
	if bridge != nil {
		bridge.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	// Tear down any connected gateways so peers see a clean close.
	for _, conn := range reg.Snapshot() {
		reg.Unregister(conn, "server shutdown")
	}

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "gatehub.db"
	}
	if cfg.Alerts.ScriptsDir == "" {
		cfg.Alerts.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "gatehub"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// parseDuration reads a config duration, returning zero (meaning "use
// the component default") for empty or invalid values.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
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
