// Package main provides a flag-only entry point for the relay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaykit/relay/internal/config"
	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/logging"
	"github.com/relaykit/relay/internal/resume"
	"github.com/relaykit/relay/internal/server"
	"github.com/relaykit/relay/internal/session"
	"github.com/relaykit/relay/internal/stream"
)

var (
	port      = flag.Int("port", 0, "Server port")
	hostname  = flag.String("hostname", "", "Hostname to listen on")
	directory = flag.String("directory", "", "Config directory")
	version   = flag.Bool("version", false, "Print version and exit")
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("relay-server %s (%s)\n", Version, BuildTime)
		os.Exit(0)
	}

	dir := *directory
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *hostname != "" {
		cfg.Server.Hostname = *hostname
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
	})
	log := logging.For("relay")
	log.Info().Str("version", Version).Msg("starting relay server")

	retention := stream.Retention{
		MaxEvents: cfg.Retention.MaxEvents,
		MaxAge:    cfg.Retention.MaxAge.Std(),
	}
	var store stream.Store
	if cfg.Retention.Backend == "file" {
		store = stream.NewFileStore(cfg.Retention.Dir, retention)
	} else {
		store = stream.NewMemoryStore(retention)
	}

	bus := event.NewBus()
	defer bus.Close()

	registry := session.NewRegistry(store, bus,
		session.WithIdleTimeout(cfg.Session.IdleTimeout.Std()),
		session.WithSweepInterval(cfg.Session.SweepInterval.Std()),
	)
	coordinator := resume.NewCoordinator(registry, bus)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go registry.Run(sweepCtx)

	serverCfg := server.DefaultConfig()
	serverCfg.Port = cfg.Server.Port
	serverCfg.Hostname = cfg.Server.Hostname
	serverCfg.EnableCORS = cfg.Server.CORS

	srv := server.New(serverCfg, registry, coordinator, bus)

	go func() {
		log.Info().Str("addr", fmt.Sprintf("http://%s:%d", cfg.Server.Hostname, cfg.Server.Port)).Msg("listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	log.Info().Msg("server stopped")
}
