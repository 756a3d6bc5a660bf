package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sysd "github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"taskmill/internal/api"
	"taskmill/internal/config"
	"taskmill/internal/engine"
	"taskmill/internal/eventbus"
	"taskmill/internal/monitor"
	"taskmill/internal/notify"
	"taskmill/internal/tasks"
	logx "taskmill/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./taskmill.yaml", "path to config file (yaml or json)")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logCfg(cfg))
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("component", "config")))

	bus := eventbus.New()

	notifier, notifySvc, err := buildNotifier(cfg, log, bus)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	engCfg, err := engineCfg(cfg)
	if err != nil {
		return err
	}
	eng := engine.New(engCfg, log, bus, notifier)

	monCfg, err := monitorCfg(cfg)
	if err != nil {
		return err
	}
	mon := monitor.New(monCfg, monitor.HostSource{}, log, bus, notifier)
	mon.AttachEngine(eng, eng)
	eng.SetLoadSource(mon)

	if err := tasks.RegisterAll(eng, log); err != nil {
		return fmt.Errorf("register tasks: %w", err)
	}

	if notifySvc != nil {
		notifySvc.Start(ctx)
	}
	mon.Start(ctx)
	eng.Start(ctx)

	var httpSrv *api.Server
	if cfg.HTTP.Enabled {
		addr := cfg.HTTP.Addr
		if addr == "" {
			addr = ":8080"
		}
		httpSrv = api.NewServerWithDebug(addr, eng, mon, log, cfg.HTTP.Debug)
		httpSrv.Start()
	}

	_, _ = sysd.SdNotify(false, sysd.SdNotifyReady)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Watch(gctx) })
	g.Go(func() error {
		reloadLoop(gctx, mgr, logSvc, notifySvc, log)
		return nil
	})

	<-gctx.Done()
	_, _ = sysd.SdNotify(false, sysd.SdNotifyStopping)
	log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if httpSrv != nil {
		httpSrv.Stop(stopCtx)
	}
	eng.Stop(stopCtx)
	mon.Stop(stopCtx)
	if notifySvc != nil {
		notifySvc.Stop(stopCtx)
	}
	_ = g.Wait()
	return nil
}

// reloadLoop applies hot-reloadable settings when the config file changes.
// Only logging and notifier tuning are applied live; engine and monitor
// timing changes need a restart and are logged as such.
func reloadLoop(ctx context.Context, mgr *config.Manager, logSvc *logx.Service, notifySvc *notify.Service, log logx.Logger) {
	ch := mgr.Subscribe(4)
	defer mgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			logSvc.Apply(logCfg(cfg))
			if notifySvc != nil && cfg.Notifier != nil {
				ncfg, err := notifierCfg(cfg.Notifier)
				if err != nil {
					log.Warn("reload: bad notifier config", logx.Err(err))
					continue
				}
				notifySvc.Apply(ncfg)
			}
			log.Info("config reloaded; engine and monitor timing changes apply on restart")
		}
	}
}

func logCfg(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func engineCfg(cfg *config.Config) (engine.Config, error) {
	tick, err := config.ParseDurationField("engine.tick", cfg.Engine.Tick)
	if err != nil {
		return engine.Config{}, err
	}
	backoff, err := config.ParseDurationField("engine.panic_backoff", cfg.Engine.PanicBackoff)
	if err != nil {
		return engine.Config{}, err
	}
	fresh, err := config.ParseDurationField("engine.dependency_freshness", cfg.Engine.DependencyFreshness)
	if err != nil {
		return engine.Config{}, err
	}
	deferBy, err := config.ParseDurationField("engine.resource_defer", cfg.Engine.ResourceDefer)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Tick:                tick,
		PanicBackoff:        backoff,
		DependencyFreshness: fresh,
		ResourceDefer:       deferBy,
		CPUCeiling:          cfg.Engine.CPUCeiling,
		MemoryCeiling:       cfg.Engine.MemoryCeiling,
	}, nil
}

func monitorCfg(cfg *config.Config) (monitor.Config, error) {
	interval, err := config.ParseDurationField("monitor.interval", cfg.Monitor.Interval)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{
		Interval:        interval,
		CPUAlert:        cfg.Monitor.CPUAlert,
		MemoryAlert:     cfg.Monitor.MemoryAlert,
		ConcurrentAlert: cfg.Monitor.ConcurrentAlert,
		Mitigate:        cfg.Monitor.Mitigate,
	}, nil
}

func notifierCfg(nc *config.NotifierConfig) (notify.Config, error) {
	window, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		DedupWindow:     window,
		DedupMaxEntries: nc.DedupMaxEntries,
	}, nil
}

// buildNotifier assembles the pipeline. The log sink is always present when
// the notifier is enabled; Telegram is added on top when configured. With no
// notifier section at all, the engine still gets a log-only pipeline so
// failures are never silent.
func buildNotifier(cfg *config.Config, log logx.Logger, bus eventbus.Bus) (notify.Notifier, *notify.Service, error) {
	ncfg := notify.Config{Enabled: true}
	var tgCfg *config.TelegramConfig
	if cfg.Notifier != nil {
		parsed, err := notifierCfg(cfg.Notifier)
		if err != nil {
			return nil, nil, err
		}
		ncfg = parsed
		tgCfg = cfg.Notifier.Telegram
	}
	if !ncfg.Enabled {
		return notify.Nop{}, nil, nil
	}

	sinks := []notify.Sink{notify.NewLogSink(log)}
	if tgCfg != nil && tgCfg.Enabled {
		tg, err := notify.NewTelegramSink(notify.TelegramConfig{Token: tgCfg.Token, ChatID: tgCfg.ChatID})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, tg)
		log.Info("telegram notifications enabled", logx.Int64("chat_id", tgCfg.ChatID))
	}

	svc := notify.New(ncfg, sinks, log, bus)
	return svc, svc, nil
}
