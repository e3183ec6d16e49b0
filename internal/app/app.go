package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"streamwatch/internal/alerts"
	"streamwatch/internal/collector"
	"streamwatch/internal/config"
	"streamwatch/internal/db"
	"streamwatch/internal/monitor"
	"streamwatch/internal/notifier"
	"streamwatch/internal/probe"
	"streamwatch/internal/retention"
	"streamwatch/internal/web"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	db        *db.Repository
	monitor   *monitor.Monitor
	retention *retention.Service
	web       *web.Server

	httpSrv *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	sqldb, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(sqldb); err != nil {
		return nil, err
	}
	repo := db.NewRepository(sqldb)

	notify := notifier.NewMulti(logger.With("module", "notifier"),
		notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID),
		notifier.NewEmail(cfg.Email.SendGridKey, cfg.Email.From, cfg.Email.FromName, cfg.Email.To),
	)

	pc := probe.New(repo, logger.With("module", "probe"))
	cc := collector.New(logger.With("module", "collector"))
	engine := alerts.NewEngine(repo, logger.With("module", "alerts"))
	mon := monitor.New(repo, pc, cc, engine, notify, cfg.PollInterval, logger.With("module", "monitor"))
	w := web.NewServer(repo, pc, logger.With("module", "web"))

	app := &App{
		cfg:       cfg,
		log:       logger,
		db:        repo,
		monitor:   mon,
		retention: retention.NewService(repo, cfg.RetentionDays, logger.With("module", "retention")),
		web:       w,
	}
	app.httpSrv = &http.Server{Addr: cfg.Addr, Handler: w.Routes()}
	return app, nil
}

func (a *App) Run(ctx context.Context) error {
	go func() {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("http server failed", "err", err)
		}
	}()

	a.monitor.Start()
	a.web.StartLiveStats(ctx, 5*time.Second)

	retentionTicker := time.NewTicker(6 * time.Hour)
	defer retentionTicker.Stop()
	a.retention.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			a.monitor.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = a.httpSrv.Shutdown(shutdownCtx)
			return a.db.DB().Close()
		case <-retentionTicker.C:
			a.retention.Run(ctx)
		}
	}
}
