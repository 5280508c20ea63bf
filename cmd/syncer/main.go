// Command syncer is the data-synchronization daemon: it bridges the
// product-status catalog with WDB and WDB2TS, driving newly announced
// model datasets through a deterministic load pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/metno/syncer/internal/bus"
	"github.com/metno/syncer/internal/config"
	"github.com/metno/syncer/internal/di"
	"github.com/metno/syncer/pkg/logger"
)

func main() {
	var configPath string
	var adminPort int
	flag.StringVar(&configPath, "config", "", "path to the syncer INI configuration file")
	flag.IntVar(&adminPort, "admin-port", 8080, "port for the /healthz and /metrics admin server")
	flag.Parse()

	// godotenv overlays a local .env file onto the process environment
	// before the logger is built, so LOG_LEVEL and LOG_PRETTY can be set
	// there. config.Load reads only the INI file; no configuration key is
	// taken from the environment. A missing .env is not an error.
	_ = godotenv.Load()

	log := logger.New(logger.Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Pretty: os.Getenv("LOG_PRETTY") == "1",
	})

	if configPath == "" {
		log.Fatal().Msg("--config is required")
	}

	if err := run(configPath, adminPort, log); err != nil {
		log.Fatal().Err(err).Msg("syncer exited with error")
	}
}

func run(configPath string, adminPort int, log zerolog.Logger) (runErr error) {
	defer func() {
		if p := recover(); p != nil {
			log.WithLevel(zerolog.FatalLevel).Interface("panic", p).Msg("unrecoverable panic")
			os.Exit(255)
		}
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// The real product-status broker client (Kafka or long-poll HTTP) is
	// an external collaborator outside this daemon's scope; an operator
	// builds and wires a real bus.Consumer factory here in place of this
	// in-process stand-in.
	newConsumer := func(ctx context.Context, groupID string) (bus.Consumer, error) {
		log.Warn().Str("consumer_group", groupID).Msg("no product-status bus client configured, using in-process stand-in")
		return bus.NewLocal(64), nil
	}

	container, err := di.Wire(cfg, newConsumer, adminPort, log)
	if err != nil {
		return err
	}
	defer container.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenerErr := make(chan error, 1)
	go func() { listenerErr <- container.Listener.Run(ctx) }()

	go func() {
		if err := container.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin server stopped")
		}
	}()

	// populate_database_with_latest_events_from_server runs once at
	// startup after the Listener has begun listening.
	if err := container.Loader.PopulateFromLatest(ctx); err != nil {
		log.Error().Err(err).Msg("failed to populate initial pending work")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	mainLoop(ctx, container, quit, log)

	cancel()
	if err := <-listenerErr; err != nil {
		log.Error().Err(err).Msg("listener stopped with error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server forced to shutdown")
	}

	return nil
}

// mainLoop is the edge-triggered wait/clear/process cycle: the main thread
// waits on the "new-data" event, clears it immediately before processing,
// runs one DataLoader iteration, then waits again. A SIGINT/SIGTERM stops
// the event too, so Wait returning false is the same rendezvous point that
// signals shutdown rather than a second channel.
func mainLoop(ctx context.Context, container *di.Container, quit <-chan os.Signal, log zerolog.Logger) {
	go func() {
		<-quit
		log.Info().Msg("shutdown requested")
		container.Listener.Stop()
	}()

	for {
		if !container.NewData.Wait() || ctx.Err() != nil {
			return
		}
		if err := container.Loader.Process(ctx); err != nil {
			log.Error().Err(err).Msg("loader iteration failed")
		}
	}
}
