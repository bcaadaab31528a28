package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/env"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/transport"
)

// fileConfig is the optional YAML overlay. Keys mirror the environment
// variables in lower case.
type fileConfig struct {
	GatewayURL         string        `yaml:"gateway_url"`
	StreamPath         string        `yaml:"stream_path"`
	Addr               string        `yaml:"addr"`
	HistoryWindow      int           `yaml:"history_window"`
	RunPollInterval    time.Duration `yaml:"run_poll_interval"`
	RosterPollInterval time.Duration `yaml:"roster_poll_interval"`
	RosterLimit        int           `yaml:"roster_limit"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffFactor      float64       `yaml:"backoff_factor"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	HTTPPoolSize       int           `yaml:"http_pool_size"`
	HTTPTimeout        time.Duration `yaml:"http_timeout"`
	HTTPRetryMax       int           `yaml:"http_retry_max"`
	ArchiveDriver      string        `yaml:"archive_driver"`
	ArchiveDSN         string        `yaml:"archive_dsn"`
	LogLevel           string        `yaml:"log_level"`
	LogSource          bool          `yaml:"log_source"`
}

type config struct {
	gatewayURL    string
	streamPath    string
	addr          string
	historyWindow int
	runPoll       time.Duration
	rosterPoll    time.Duration
	rosterLimit   int
	backoff       transport.Backoff
	httpPoolSize  int
	httpTimeout   time.Duration
	httpRetryMax  int
	archiveDriver string
	archiveDSN    string
	logLevel      string
	logSource     bool
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		GatewayURL:         "http://localhost:8000",
		StreamPath:         "/ws",
		Addr:               ":8090",
		HistoryWindow:      500,
		RunPollInterval:    2 * time.Second,
		RosterPollInterval: 15 * time.Second,
		RosterLimit:        20,
		BackoffBase:        transport.DefaultBackoff.Base,
		BackoffFactor:      transport.DefaultBackoff.Factor,
		BackoffMax:         transport.DefaultBackoff.Max,
		HTTPPoolSize:       10,
		HTTPTimeout:        30 * time.Second,
		HTTPRetryMax:       2,
		ArchiveDriver:      "pgx",
		LogLevel:           "info",
	}
}

// loadConfig layers defaults, the YAML file at path (if any) and the
// environment, in increasing precedence. Flags are applied by the caller.
func loadConfig(path string) (config, error) {
	fc := defaultFileConfig()
	if path == "" {
		path = os.Getenv("RUNWATCH_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config: %w", err)
		}
		if err = yaml.Unmarshal(data, &fc); err != nil {
			return config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	return config{
		gatewayURL:    env.Str("GATEWAY_URL", fc.GatewayURL),
		streamPath:    env.Str("STREAM_PATH", fc.StreamPath),
		addr:          env.Str("RUNWATCH_ADDR", fc.Addr),
		historyWindow: env.Int("HISTORY_WINDOW", fc.HistoryWindow),
		runPoll:       env.Duration("RUN_POLL_INTERVAL", fc.RunPollInterval),
		rosterPoll:    env.Duration("ROSTER_POLL_INTERVAL", fc.RosterPollInterval),
		rosterLimit:   env.Int("ROSTER_LIMIT", fc.RosterLimit),
		backoff: transport.Backoff{
			Base:   env.Duration("BACKOFF_BASE", fc.BackoffBase),
			Factor: env.Float("BACKOFF_FACTOR", fc.BackoffFactor),
			Max:    env.Duration("BACKOFF_MAX", fc.BackoffMax),
		},
		httpPoolSize:  env.Int("HTTP_POOL_SIZE", fc.HTTPPoolSize),
		httpTimeout:   env.Duration("HTTP_TIMEOUT", fc.HTTPTimeout),
		httpRetryMax:  env.Int("HTTP_RETRY_MAX", fc.HTTPRetryMax),
		archiveDriver: env.Str("ARCHIVE_DRIVER", fc.ArchiveDriver),
		archiveDSN:    env.Str("ARCHIVE_DSN", fc.ArchiveDSN),
		logLevel:      env.Str("LOG_LEVEL", fc.LogLevel),
		logSource:     env.Bool("LOG_SOURCE", fc.LogSource),
	}, nil
}

// streamURL turns the gateway base URL into the telemetry WebSocket URL.
func (c config) streamURL() (string, error) {
	u, err := url.Parse(c.gatewayURL)
	if err != nil {
		return "", fmt.Errorf("gateway url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("gateway url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(c.streamPath, "/")
	return u.String(), nil
}

func (c config) slogLevel() slog.Level {
	levels := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	if l, ok := levels[strings.ToLower(c.logLevel)]; ok {
		return l
	}
	return slog.LevelInfo
}
