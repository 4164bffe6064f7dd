package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/genricoloni/nowplaying/internal/artwork"
	"github.com/genricoloni/nowplaying/internal/config"
	"github.com/genricoloni/nowplaying/internal/domain"
	"github.com/genricoloni/nowplaying/internal/engine"
	"github.com/genricoloni/nowplaying/internal/executor"
	"github.com/genricoloni/nowplaying/internal/fetcher"
	"github.com/genricoloni/nowplaying/internal/hub"
	"github.com/genricoloni/nowplaying/internal/monitor"
	"github.com/genricoloni/nowplaying/internal/processor"
	"github.com/genricoloni/nowplaying/internal/state"
	"github.com/genricoloni/nowplaying/internal/transport"
	"github.com/genricoloni/nowplaying/internal/watcher"
	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "nowplaying: %v\n", err)
		os.Exit(2)
	}

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Watch {
		if err := runWatch(ctx, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "nowplaying: %v\n", err)
			os.Exit(1)
		}
		return
	}

	app := fx.New(AppOptions(cfg))

	// Start the application
	startCtx, startCancel := context.WithTimeout(ctx, fx.DefaultTimeout)
	defer startCancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "nowplaying: %v\n", err)
		os.Exit(1)
	}

	// Wait for interrupt signal
	<-ctx.Done()

	// Stop the application gracefully
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*cfg.ShutdownGrace)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "nowplaying: shutdown: %v\n", err)
		os.Exit(1)
	}
}

// AppOptions assembles the daemon for cfg
func AppOptions(cfg *config.AppConfig) fx.Option {
	return fx.Options(
		// Logger configuration
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),

		fx.Supply(cfg),

		// Provide dependencies
		fx.Provide(
			newLogger,
			newScreenResolution,
			newMPDProbe,
			newProbe,
			newArtworkFetcher,
			newArtworkProcessor,
			newArtworkCache,
			state.NewModel,
			newHookExecutor,
			newEngine,
			newHub,
			transport.NewPushHandler,
			newArtworkHandler,
			newServer,
		),

		// Lifecycle hooks
		fx.Invoke(registerHooks),
	)
}

// newLogger creates the zap logger described by the configuration
func newLogger(cfg *config.AppConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	switch cfg.LogFormat {
	case "json", "":
	case "console":
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("log_format: unknown format %q", cfg.LogFormat)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger, nil
}

// newScreenResolution only queries the display when the artwork edge is derived from it
func newScreenResolution(logger *zap.Logger, cfg *config.AppConfig) *domain.ScreenResolution {
	if cfg.ArtworkMaxEdge > 0 {
		return nil
	}
	return monitor.NewScreenResolution(logger)
}

func newMPDProbe(logger *zap.Logger, cfg *config.AppConfig) *monitor.MPDProbe {
	return monitor.NewMPDProbe(logger.Named("mpd"), cfg.MPDAddress, cfg.MPDPassword)
}

// newProbe selects the playback backend
func newProbe(logger *zap.Logger, cfg *config.AppConfig, mpd *monitor.MPDProbe) domain.Probe {
	switch cfg.Backend {
	case config.BackendMPRIS:
		return monitor.NewMprisProbe(logger.Named("mpris"))
	case config.BackendMPD:
		return mpd
	default:
		return monitor.NewFallbackProbe(logger, monitor.NewMprisProbe(logger.Named("mpris")), mpd)
	}
}

func newArtworkFetcher(logger *zap.Logger, cfg *config.AppConfig, mpd *monitor.MPDProbe) domain.ArtworkFetcher {
	web := fetcher.NewHTTPFetcher(logger.Named("fetcher"), cfg.FetchTimeout)
	return fetcher.NewRouter().
		Handle("http", web).
		Handle("https", web).
		Handle("file", fetcher.NewFileFetcher(logger.Named("fetcher"))).
		Handle("mpd", mpd)
}

func newArtworkProcessor(logger *zap.Logger, res *domain.ScreenResolution, cfg *config.AppConfig) domain.ImageProcessor {
	return processor.NewArtworkProcessor(logger.Named("processor"), res, cfg.ArtworkMaxEdge)
}

func newArtworkCache(
	lc fx.Lifecycle,
	logger *zap.Logger,
	f domain.ArtworkFetcher,
	p domain.ImageProcessor,
	cfg *config.AppConfig,
) (*artwork.Cache, error) {
	cache, err := artwork.NewCache(logger.Named("artwork"), f, p, cfg.ArtworkCacheSize, cfg.FetchTimeout)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(cache.Close))
	return cache, nil
}

func newHookExecutor(lc fx.Lifecycle, logger *zap.Logger, cfg *config.AppConfig) *executor.HookExecutor {
	hook := executor.NewHookExecutor(logger.Named("hook"), cfg.OnChangeCommand, cfg.HookTimeout)
	lc.Append(fx.StopHook(hook.Close))
	return hook
}

func newEngine(
	logger *zap.Logger,
	probe domain.Probe,
	model *state.Model,
	cache *artwork.Cache,
	hook *executor.HookExecutor,
	cfg *config.AppConfig,
) *engine.Engine {
	var runner domain.HookRunner
	if hook.Enabled() {
		runner = hook
	}
	return engine.NewEngine(logger.Named("engine"), probe, model, cache, runner, engine.Options{
		PollInterval:     cfg.PollInterval,
		ProbeTimeout:     cfg.ProbeTimeout,
		ArtworkWait:      cfg.ArtworkWait,
		FailureThreshold: cfg.FailureThreshold,
	})
}

func newHub(logger *zap.Logger, cfg *config.AppConfig) *hub.Hub {
	return hub.NewHub(logger.Named("hub"), cfg.SendTimeout, hub.DefaultQueueSize)
}

func newArtworkHandler(logger *zap.Logger, cache *artwork.Cache, h *hub.Hub) *transport.ArtworkHandler {
	return transport.NewArtworkHandler(logger.Named("http"), cache, h)
}

func newServer(
	logger *zap.Logger,
	cfg *config.AppConfig,
	push *transport.PushHandler,
	art *transport.ArtworkHandler,
) *transport.Server {
	return transport.NewServer(logger.Named("transport"), cfg.ListenHost(), cfg.WSPort, cfg.HTTPPort, push, art)
}

// registerHooks sets up application lifecycle hooks. Stop hooks run in reverse:
// listeners close first, then the poll loop, then client connections, then the backend.
func registerHooks(
	lc fx.Lifecycle,
	logger *zap.Logger,
	cfg *config.AppConfig,
	probe domain.Probe,
	eng *engine.Engine,
	h *hub.Hub,
	srv *transport.Server,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			cfg.Log(logger)
			if err := probe.Start(ctx); err != nil {
				return fmt.Errorf("start %s backend: %w", probe.Name(), err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down")
			return probe.Stop(ctx)
		},
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := h.Run(context.Background(), eng.Messages()); err != nil {
					logger.Error("Broadcast loop ended", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			graceCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGrace)
			defer cancel()
			return h.Close(graceCtx)
		},
	})

	lc.Append(fx.Hook{
		OnStart: eng.Start,
		OnStop:  eng.Stop,
	})

	lc.Append(fx.Hook{
		OnStart: srv.Start,
		OnStop: func(ctx context.Context) error {
			graceCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGrace)
			defer cancel()
			return srv.Stop(graceCtx)
		},
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Now-playing daemon started",
				zap.String("backend", probe.Name()),
				zap.String("push", cfg.PushURL()))
			return nil
		},
	})
}

// runWatch prints the live feed of a running daemon until ctx ends
func runWatch(ctx context.Context, cfg *config.AppConfig) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	url := cfg.PushURL()
	logger.Info("Watching push channel", zap.String("url", url))
	return watcher.New(logger, url, watcher.LogHandler(logger)).Run(ctx)
}
