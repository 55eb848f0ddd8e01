package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"notify_bot/internal/bot"
	"notify_bot/internal/config"
	"notify_bot/internal/discord"
	"notify_bot/internal/fetcher"
	"notify_bot/internal/httpserver"
	"notify_bot/internal/modules"
	"notify_bot/internal/router"
	"notify_bot/internal/scheduler"
	"notify_bot/internal/storage"
	"notify_bot/internal/tracker"
	"notify_bot/internal/websub"
)

// Infrastructure module names. Only the feature modules appear in config.
const (
	modStorage  = "storage"
	modHTTP     = "http"
	modPlatform = "platform"
	modRouter   = "router"
)

// app holds the components shared between modules.
type app struct {
	cfg *config.Config
	log *slog.Logger

	store    storage.Storage
	server   *httpserver.Server
	discord  *discord.Platform
	telegram *tgbotapi.BotAPI
	router   *router.Router
	uploads  *websub.Manager
	pages    *tracker.Tracker

	uploadsLoop *background
	pollLoop    *background
	consoleLoop *background
}

// background is a goroutine with its own cancel.
type background struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func runBackground(ctx context.Context, fn func(ctx context.Context)) *background {
	ctx, cancel := context.WithCancel(ctx)
	b := &background{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(b.done)
		fn(ctx)
	}()
	return b
}

// stop cancels the goroutine and waits for it to return.
func (b *background) stop() {
	if b == nil {
		return
	}
	b.cancel()
	<-b.done
}

func newApp(cfg *config.Config, log *slog.Logger) *app {
	return &app{cfg: cfg, log: log}
}

func (a *app) loader() (*modules.Loader, error) {
	l := modules.NewLoader(a.log)
	mods := []modules.Module{
		{Name: modStorage, Start: a.startStorage, Stop: a.stopStorage},
		{Name: modHTTP, Start: a.startHTTP, Stop: a.stopHTTP},
		{Name: modPlatform, Start: a.startPlatform, Stop: a.stopPlatform},
		{Name: modRouter, Requires: []string{modPlatform}, Start: a.startRouter, Stop: a.stopRouter},
		{Name: config.ModuleYoutube, Requires: []string{modRouter, modHTTP}, Start: a.startYoutube, Stop: a.stopYoutube},
		{Name: config.ModuleFacebook, Requires: []string{modStorage, modRouter}, Start: a.startFacebook, Stop: a.stopFacebook},
		{Name: config.ModuleConsole, Requires: []string{modRouter}, Start: a.startConsole, Stop: a.stopConsole},
	}
	for _, m := range mods {
		if err := l.Register(m); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (a *app) startStorage(_ context.Context) error {
	driver, path := a.cfg.Storage.Driver, a.cfg.Storage.Path
	if driver == "" || driver == "sqlite" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("create data directory: %w", err)
			}
		}
	}
	store, err := storage.Open(storage.Config{Driver: driver, Path: path})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	return nil
}

func (a *app) stopStorage(_ context.Context) error {
	return a.store.Close()
}

func (a *app) startHTTP(_ context.Context) error {
	a.server = httpserver.New(a.cfg.HTTP.Listen, a.log)
	return a.server.Start()
}

func (a *app) stopHTTP(ctx context.Context) error {
	return a.server.Stop(ctx)
}

func (a *app) startPlatform(_ context.Context) error {
	if a.cfg.Discord.Token != "" {
		guilds := make(map[string]discord.Guild, len(a.cfg.Discord.Guilds))
		for name, g := range a.cfg.Discord.Guilds {
			guilds[name] = discord.Guild{ID: g.ID, Channels: g.Channels}
		}
		p, err := discord.New(a.cfg.Discord.Token, guilds, a.log)
		if err != nil {
			return err
		}
		if err := p.Open(); err != nil {
			return err
		}
		a.discord = p
	}
	if a.cfg.Telegram.Token != "" {
		api, err := bot.NewAPI(a.cfg.Telegram.Token)
		if err != nil {
			return err
		}
		a.telegram = api
	}
	if a.discord == nil && a.telegram == nil {
		return errors.New("no chat platform configured")
	}
	return nil
}

func (a *app) stopPlatform(_ context.Context) error {
	if a.discord != nil {
		return a.discord.Close()
	}
	return nil
}

func (a *app) startRouter(_ context.Context) error {
	var def router.Platform
	if a.discord != nil {
		def = a.discord
	}
	mux := router.NewMux(def)
	if a.telegram != nil {
		mux.Handle("telegram", bot.NewPlatform(a.telegram, a.cfg.Telegram.Chats, a.log))
	}
	a.router = router.New(mux, router.Config{}, a.log)
	return nil
}

func (a *app) stopRouter(ctx context.Context) error {
	a.router.Close(ctx)
	return nil
}

func (a *app) startYoutube(ctx context.Context) error {
	yc := a.cfg.Youtube
	channels := make([]websub.Channel, len(yc.Channels))
	for i, c := range yc.Channels {
		channels[i] = websub.Channel{ID: c.ID, Destinations: c.Destinations, Message: c.Message}
	}
	a.uploads = websub.New(websub.Config{
		HubURL:         yc.HubURL,
		CallbackURL:    yc.CallbackURL,
		RetryDelay:     yc.RetryDelay,
		DiagnosticsDir: a.cfg.Log.Dir,
	}, channels, &http.Client{}, a.router, a.log)

	a.server.Handle(a.uploads.CallbackPath(), a.uploads)
	a.router.ResolveAll(a.uploads.Destinations())
	a.uploadsLoop = runBackground(ctx, a.uploads.Run)
	return nil
}

func (a *app) stopYoutube(_ context.Context) error {
	a.uploadsLoop.stop()
	a.uploads.Close()
	return nil
}

func (a *app) startFacebook(ctx context.Context) error {
	fc := a.cfg.Facebook
	client := fetcher.New(&http.Client{}, fetcher.Config{
		BaseURL:     fc.BaseURL,
		Version:     fc.APIVersion,
		AccessToken: fc.AccessToken,
		Timeout:     fc.Timeout,
	})

	var uploads tracker.UploadLookup
	if a.uploads != nil {
		uploads = a.uploads
	}
	a.pages = tracker.New(a.store, client, uploads, a.router, a.log)
	if err := a.pages.Load(ctx, fc.Sources()); err != nil {
		return err
	}
	a.router.ResolveAll(a.pages.Destinations())

	sched := scheduler.New(a.pages, scheduler.Config{Interval: fc.Interval, WarmUp: fc.WarmUp}, a.log)
	ready := a.router.Ready()
	a.pollLoop = runBackground(ctx, func(ctx context.Context) { sched.Run(ctx, ready) })
	return nil
}

func (a *app) stopFacebook(ctx context.Context) error {
	a.pollLoop.stop()
	return a.pages.Save(ctx)
}

func (a *app) startConsole(ctx context.Context) error {
	if a.telegram == nil {
		return errors.New("console requires telegram.token")
	}
	svc := bot.Services{Destinations: a.router}
	if a.pages != nil {
		svc.Sources = a.pages
	}
	if a.uploads != nil {
		svc.Subscriptions = a.uploads
	}
	console := bot.New(a.telegram, a.cfg, svc, a.log)
	a.consoleLoop = runBackground(ctx, console.Run)
	return nil
}

func (a *app) stopConsole(_ context.Context) error {
	a.consoleLoop.stop()
	return nil
}
