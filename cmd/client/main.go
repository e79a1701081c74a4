package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callrelay/internal/calls"
	"callrelay/internal/client"
	"callrelay/internal/config"
	"callrelay/internal/directory"
	"callrelay/internal/media"
	"callrelay/internal/negotiation"
	"callrelay/pkg/logger"

	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		callee     = flag.String("call", "", "identity to call once started")
		callPhone  = flag.String("call-phone", "", "phone number to call once started")
		autoAnswer = flag.Bool("auto-answer", false, "answer incoming calls without asking")
		name       = flag.String("name", "", "display name to publish")
		phone      = flag.String("phone", "", "phone number to publish")
	)
	flag.Parse()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadClient()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// stdout belongs to the console
	log := logger.NewTo(os.Stderr, cfg.Env)
	slog.SetDefault(log)

	api, err := client.New(cfg.ServerURL, cfg.Token)
	if err != nil {
		log.Error("client init failed", "err", err)
		os.Exit(1)
	}

	self, err := api.Me(rootCtx)
	if err != nil {
		log.Error("identity lookup failed", "err", err)
		os.Exit(1)
	}
	log = log.With("identity", self.String())

	if *name != "" || *phone != "" {
		if _, err := api.SaveProfile(rootCtx, directory.Profile{DisplayName: *name, PhoneNumber: *phone}); err != nil {
			log.Error("profile save failed", "err", err)
			os.Exit(1)
		}
	}

	ice, err := api.ICEServers(rootCtx)
	if err != nil {
		log.Warn("ice server lookup failed, using defaults", "err", err)
		ice = config.DefaultICEServers()
	}

	updates := make(chan negotiation.Snapshot, 32)
	engine := negotiation.New(negotiation.Options{
		Self:           self,
		Relay:          api,
		Media:          media.NewStack(log),
		ICEServers:     ice,
		StatusInterval: cfg.StatusPollInterval,
		SignalInterval: cfg.SignalPollInterval,
		Logger:         log,
		OnChange: func(s negotiation.Snapshot) {
			select {
			case updates <- s:
			default:
			}
		},
	})

	if err := api.SetAvailable(rootCtx); err != nil {
		log.Error("presence update failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := api.SetUnavailable(ctx); err != nil {
			log.Warn("presence reset failed", "err", err)
		}
	}()

	con := newConsole(os.Stdout, api, engine, updates, *autoAnswer)

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return con.run(ctx, os.Stdin) })
	if *callee != "" || *callPhone != "" {
		g.Go(func() error {
			con.dial(ctx, calls.Identity(*callee), *callPhone)
			return nil
		})
	}

	log.Info("client started", "server", cfg.ServerURL, "ice_servers", len(ice))
	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		log.Error("client stopped", "err", err)
		return
	}
	log.Info("client stopped")
}
