package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/orkestra/internal/engine"
	"github.com/mtzanidakis/orkestra/internal/ipc"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/mtzanidakis/orkestra/internal/notify"
	"github.com/mtzanidakis/orkestra/internal/store"
	"github.com/mtzanidakis/orkestra/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orkestra engine",
	Long: `Start the engine with the embedded NATS server, the web API and, when a
token is configured, the Telegram bot.

SIGHUP reloads the agent catalog and the standup schedule from the config
file. SIGINT and SIGTERM shut down.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stderr))

	slog.Info("starting orkestra", "version", version, "provider", cfg.Provider.Kind)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	// Telegram bot
	var notifier notify.Notifier = notify.Nop{}
	var bot *notify.Telegram
	if cfg.Telegram.Token != "" {
		bot, err = notify.NewTelegram(cfg.Telegram)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		notifier = bot
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	eng, err := engine.New(engine.Options{
		Config:   cfg,
		Store:    db,
		Bus:      bus,
		Notifier: notifier,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		eng.Close()
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Close()

	if bot != nil {
		bot.SetCommands(eng)
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		slog.Info("telegram bot started")
	}

	// IPC for orkctl
	ipcClient, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init ipc client: %w", err)
	}
	defer ipcClient.Close()
	ipcSrv := ipc.NewServer(eng, ipcClient)
	if err := ipcSrv.Start(); err != nil {
		return err
	}
	defer ipcSrv.Stop()

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(eng, bus, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			slog.Info("shutting down", "signal", sig)
			break
		}
		next, err := loadConfig()
		if err != nil {
			slog.Error("reload config failed", "error", err)
			continue
		}
		diff := eng.Reload(next)
		if !diff.HasChanges() {
			slog.Info("config unchanged")
		}
	}
	cancel()
	return nil
}
