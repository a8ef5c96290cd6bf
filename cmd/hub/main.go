package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"monhub/internal/config"
	"monhub/internal/hub"
	logx "monhub/pkg/logx"
	"monhub/plugins/disk"
	"monhub/plugins/netspeed"
	"monhub/plugins/services"
	"monhub/plugins/system"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		fmt.Println("fatal: load config:", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Println("fatal: invalid config:", err)
		os.Exit(1)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logSvc.Close()

	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	engine, err := hub.New(cfg, log,
		system.Definition(),
		disk.Definition(),
		netspeed.Definition(),
		services.Definition(),
	)
	if err != nil {
		log.Error("engine init failed", logx.Err(err))
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		log.Error("engine start failed", logx.Err(err))
		os.Exit(1)
	}

	// Hot reload: the watcher publishes validated configs only.
	updates := mgr.Subscribe(1)
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watcher exited", logx.Err(err))
		}
	}()
	go func() {
		for c := range updates {
			logSvc.Apply(logx.Config{
				Level:   c.Logging.Level,
				Console: c.Logging.Console,
				File: logx.FileConfig{
					Enabled: c.Logging.File.Enabled,
					Path:    c.Logging.File.Path,
				},
			})
			engine.Apply(ctx, c)
			log.Info("config reloaded")
		}
	}()

	// No-op outside systemd.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	engine.Stop(stopCtx)
}
