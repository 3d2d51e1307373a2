package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/relaykit/relay/internal/config"
	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/logging"
	"github.com/relaykit/relay/internal/resume"
	"github.com/relaykit/relay/internal/server"
	"github.com/relaykit/relay/internal/session"
	"github.com/relaykit/relay/internal/stream"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Long: `Start the relay HTTP server.

Configuration is read from relay.json / relay.jsonc in the working
directory, then overridden by RELAY_* environment variables and flags.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Config directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	dir := serveDir
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveHostname != "" {
		cfg.Server.Hostname = serveHostname
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Pretty: logPretty || cfg.Log.Pretty,
	})
	log := logging.For("relay")
	log.Info().Str("version", Version).Msg("starting relay server")

	retention := stream.Retention{
		MaxEvents: cfg.Retention.MaxEvents,
		MaxAge:    cfg.Retention.MaxAge.Std(),
	}
	var store stream.Store
	switch cfg.Retention.Backend {
	case "", "memory":
		store = stream.NewMemoryStore(retention)
	case "file":
		store = stream.NewFileStore(cfg.Retention.Dir, retention)
		log.Info().Str("dir", cfg.Retention.Dir).Msg("using file-backed ledgers")
	default:
		return fmt.Errorf("unknown retention backend %q", cfg.Retention.Backend)
	}

	bus := event.NewBus()
	defer bus.Close()
	subscribeLifecycleLog(bus)

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
	return nil
}

// subscribeLifecycleLog mirrors bus events into the debug log.
func subscribeLifecycleLog(bus *event.Bus) {
	log := logging.For("lifecycle")
	bus.SubscribeAll(func(e event.Event) {
		switch data := e.Data.(type) {
		case event.SessionData:
			log.Debug().Str("type", string(e.Type)).Str("sessionID", data.SessionID).Msg("lifecycle")
		case event.ChannelData:
			log.Debug().Str("type", string(e.Type)).Str("sessionID", data.SessionID).Str("channel", data.Channel).Msg("lifecycle")
		case event.ReplayData:
			evt := log.Debug()
			if e.Type == event.ReplayGap {
				evt = log.Warn()
			}
			evt.Str("type", string(e.Type)).
				Str("sessionID", data.SessionID).
				Str("channel", data.Channel).
				Uint64("lastSeen", data.LastSeen).
				Uint64("oldestAvailable", data.OldestAvailable).
				Msg("lifecycle")
		}
	})
}
