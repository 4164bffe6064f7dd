package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/20after4/configdir"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	appName        = "nowplaying"
	configFileName = "config.yaml"
	envPrefix      = "NOWPLAYING_"

	BackendAuto  = "auto"
	BackendMPRIS = "mpris"
	BackendMPD   = "mpd"
)

// AppConfig holds application configuration. It is built once at startup
// and never mutated afterwards.
type AppConfig struct {
	WSPort   int    `yaml:"ws_port"`
	HTTPPort int    `yaml:"http_port"`
	BindAll  bool   `yaml:"bind_all"`
	Backend  string `yaml:"backend"`

	MPDAddress  string `yaml:"mpd_address"`
	MPDPassword string `yaml:"mpd_password"`

	PollInterval     time.Duration `yaml:"poll_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`

	ArtworkCacheSize int           `yaml:"artwork_cache_size"`
	ArtworkMaxEdge   int           `yaml:"artwork_max_edge"`
	ArtworkWait      time.Duration `yaml:"artwork_wait"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`

	OnChangeCommand string        `yaml:"on_change_command"`
	HookTimeout     time.Duration `yaml:"hook_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Watch runs the terminal feed client instead of the server
	Watch    bool   `yaml:"-"`
	WatchURL string `yaml:"watch_url"`

	// Path is the config file that was read, if any
	Path string `yaml:"-"`
}

// Default returns the built-in configuration
func Default() *AppConfig {
	return &AppConfig{
		WSPort:           6534,
		HTTPPort:         6535,
		Backend:          BackendAuto,
		MPDAddress:       "localhost:6600",
		PollInterval:     200 * time.Millisecond,
		ProbeTimeout:     150 * time.Millisecond,
		FailureThreshold: 3,
		SendTimeout:      1500 * time.Millisecond,
		ShutdownGrace:    2 * time.Second,
		ArtworkCacheSize: 32,
		ArtworkWait:      50 * time.Millisecond,
		FetchTimeout:     10 * time.Second,
		HookTimeout:      10 * time.Second,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// DefaultPath returns the config file location under the user config directory
func DefaultPath() string {
	return filepath.Join(configdir.LocalConfig(appName), configFileName)
}

// Load builds the configuration from defaults, the YAML file, NOWPLAYING_*
// environment variables and command-line flags, in increasing precedence.
func Load(args []string) (*AppConfig, error) {
	cfg := Default()

	flags := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	path := flags.String("config", "", "path to config file")
	bindFlags(flags, cfg)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	explicit := *path != ""
	if !explicit {
		*path = os.Getenv(envPrefix + "CONFIG")
		explicit = *path != ""
	}
	if !explicit {
		*path = DefaultPath()
	}

	// Flags were parsed into cfg already; remember them so file and env
	// values cannot override what the operator typed.
	fromFlags := *cfg

	if err := cfg.readFile(*path, explicit); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	flags.Visit(func(f *pflag.Flag) {
		applyFlag(cfg, &fromFlags, f.Name)
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindFlags(f *pflag.FlagSet, cfg *AppConfig) {
	f.IntVar(&cfg.WSPort, "ws-port", cfg.WSPort, "push channel (WebSocket) port")
	f.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "artwork server port")
	f.BoolVar(&cfg.BindAll, "bind-all", cfg.BindAll, "listen on all interfaces instead of loopback")
	f.StringVar(&cfg.Backend, "backend", cfg.Backend, "playback backend: auto, mpris or mpd")
	f.StringVar(&cfg.MPDAddress, "mpd-address", cfg.MPDAddress, "MPD host:port")
	f.StringVar(&cfg.MPDPassword, "mpd-password", cfg.MPDPassword, "MPD password")
	f.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "playback poll period")
	f.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "per-poll backend timeout")
	f.IntVar(&cfg.FailureThreshold, "failure-threshold", cfg.FailureThreshold, "consecutive probe failures before broadcasting empty")
	f.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "per-client send timeout")
	f.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "grace period for closing clients and listeners")
	f.IntVar(&cfg.ArtworkCacheSize, "artwork-cache-size", cfg.ArtworkCacheSize, "number of tracks whose artwork is kept")
	f.IntVar(&cfg.ArtworkMaxEdge, "artwork-max-edge", cfg.ArtworkMaxEdge, "max artwork edge in pixels (0 = derive from display)")
	f.DurationVar(&cfg.ArtworkWait, "artwork-wait", cfg.ArtworkWait, "how long a track change waits for its artwork")
	f.DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "artwork download timeout")
	f.StringVar(&cfg.OnChangeCommand, "on-change", cfg.OnChangeCommand, "command to run on every track change")
	f.DurationVar(&cfg.HookTimeout, "hook-timeout", cfg.HookTimeout, "on-change command timeout")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or console")
	f.BoolVar(&cfg.Watch, "watch", cfg.Watch, "print the live feed of a running server")
	f.StringVar(&cfg.WatchURL, "watch-url", cfg.WatchURL, "push channel URL for --watch (default derived from ws-port)")
}

func applyFlag(cfg, from *AppConfig, name string) {
	switch name {
	case "ws-port":
		cfg.WSPort = from.WSPort
	case "http-port":
		cfg.HTTPPort = from.HTTPPort
	case "bind-all":
		cfg.BindAll = from.BindAll
	case "backend":
		cfg.Backend = from.Backend
	case "mpd-address":
		cfg.MPDAddress = from.MPDAddress
	case "mpd-password":
		cfg.MPDPassword = from.MPDPassword
	case "poll-interval":
		cfg.PollInterval = from.PollInterval
	case "probe-timeout":
		cfg.ProbeTimeout = from.ProbeTimeout
	case "failure-threshold":
		cfg.FailureThreshold = from.FailureThreshold
	case "send-timeout":
		cfg.SendTimeout = from.SendTimeout
	case "shutdown-grace":
		cfg.ShutdownGrace = from.ShutdownGrace
	case "artwork-cache-size":
		cfg.ArtworkCacheSize = from.ArtworkCacheSize
	case "artwork-max-edge":
		cfg.ArtworkMaxEdge = from.ArtworkMaxEdge
	case "artwork-wait":
		cfg.ArtworkWait = from.ArtworkWait
	case "fetch-timeout":
		cfg.FetchTimeout = from.FetchTimeout
	case "on-change":
		cfg.OnChangeCommand = from.OnChangeCommand
	case "hook-timeout":
		cfg.HookTimeout = from.HookTimeout
	case "log-level":
		cfg.LogLevel = from.LogLevel
	case "log-format":
		cfg.LogFormat = from.LogFormat
	case "watch":
		cfg.Watch = from.Watch
	case "watch-url":
		cfg.WatchURL = from.WatchURL
	}
}

func (c *AppConfig) readFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	// Flag-only fields survive the unmarshal because yaml leaves absent keys alone
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	c.Path = path
	return nil
}

func (c *AppConfig) applyEnv() error {
	strs := map[string]*string{
		"BACKEND":           &c.Backend,
		"WATCH_URL":         &c.WatchURL,
		"MPD_ADDRESS":       &c.MPDAddress,
		"MPD_PASSWORD":      &c.MPDPassword,
		"ON_CHANGE_COMMAND": &c.OnChangeCommand,
		"LOG_LEVEL":         &c.LogLevel,
		"LOG_FORMAT":        &c.LogFormat,
	}
	for key, dst := range strs {
		if v := os.Getenv(envPrefix + key); v != "" {
			*dst = os.ExpandEnv(v)
		}
	}

	ints := map[string]*int{
		"WS_PORT":            &c.WSPort,
		"HTTP_PORT":          &c.HTTPPort,
		"FAILURE_THRESHOLD":  &c.FailureThreshold,
		"ARTWORK_CACHE_SIZE": &c.ArtworkCacheSize,
		"ARTWORK_MAX_EDGE":   &c.ArtworkMaxEdge,
	}
	for key, dst := range ints {
		if v := os.Getenv(envPrefix + key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL":  &c.PollInterval,
		"PROBE_TIMEOUT":  &c.ProbeTimeout,
		"SEND_TIMEOUT":   &c.SendTimeout,
		"SHUTDOWN_GRACE": &c.ShutdownGrace,
		"ARTWORK_WAIT":   &c.ArtworkWait,
		"FETCH_TIMEOUT":  &c.FetchTimeout,
		"HOOK_TIMEOUT":   &c.HookTimeout,
	}
	for key, dst := range durations {
		if v := os.Getenv(envPrefix + key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv(envPrefix + "BIND_ALL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sBIND_ALL: %w", envPrefix, err)
		}
		c.BindAll = b
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with
func (c *AppConfig) Validate() error {
	if c.WSPort < 1 || c.WSPort > 65535 {
		return fmt.Errorf("ws_port out of range: %d", c.WSPort)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port out of range: %d", c.HTTPPort)
	}
	if c.WSPort == c.HTTPPort {
		return fmt.Errorf("ws_port and http_port must differ (both %d)", c.WSPort)
	}
	if c.PollInterval < 20*time.Millisecond {
		return fmt.Errorf("poll_interval too short: %s", c.PollInterval)
	}
	if c.ProbeTimeout <= 0 || c.ProbeTimeout >= c.PollInterval {
		return fmt.Errorf("probe_timeout must be positive and shorter than poll_interval (%s >= %s)",
			c.ProbeTimeout, c.PollInterval)
	}
	// The artwork wait happens inside a tick, after the probe
	if c.ArtworkWait < 0 || c.ProbeTimeout+c.ArtworkWait > c.PollInterval {
		return fmt.Errorf("probe_timeout + artwork_wait must fit in poll_interval (%s + %s > %s)",
			c.ProbeTimeout, c.ArtworkWait, c.PollInterval)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("send_timeout must be positive")
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown_grace must be positive")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch_timeout must be positive")
	}
	if c.HookTimeout <= 0 {
		return fmt.Errorf("hook_timeout must be positive")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if c.ArtworkCacheSize < 1 {
		return fmt.Errorf("artwork_cache_size must be at least 1")
	}
	if c.ArtworkMaxEdge < 0 {
		return fmt.Errorf("artwork_max_edge must not be negative")
	}
	switch c.Backend {
	case BackendAuto, BackendMPRIS, BackendMPD:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}

// ListenHost returns the interface address listeners bind to
func (c *AppConfig) ListenHost() string {
	if c.BindAll {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

// PushURL is the push channel address a local watcher dials
func (c *AppConfig) PushURL() string {
	if c.WatchURL != "" {
		return c.WatchURL
	}
	return fmt.Sprintf("ws://127.0.0.1:%d/", c.WSPort)
}

// Log records the effective configuration
func (c *AppConfig) Log(logger *zap.Logger) {
	logger.Info("Configuration loaded",
		zap.String("file", c.Path),
		zap.String("backend", c.Backend),
		zap.String("listen", c.ListenHost()),
		zap.Int("wsPort", c.WSPort),
		zap.Int("httpPort", c.HTTPPort),
		zap.Duration("pollInterval", c.PollInterval),
		zap.Int("artworkCacheSize", c.ArtworkCacheSize),
		zap.Bool("hook", c.OnChangeCommand != ""))
}
