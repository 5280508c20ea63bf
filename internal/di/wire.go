// Package di wires the daemon's components together in dependency order:
// databases first, then the components built on top of them (StateDB,
// Reporter, the catalog client, the two downstream drivers, the Listener
// and the DataLoader, plus the admin HTTP server). The ModelRegistry comes
// ready-built from config.Load.
package di

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/metno/syncer/internal/catalog"
	"github.com/metno/syncer/internal/config"
	"github.com/metno/syncer/internal/listener"
	"github.com/metno/syncer/internal/loader"
	"github.com/metno/syncer/internal/reporter"
	"github.com/metno/syncer/internal/server"
	"github.com/metno/syncer/internal/statedb"
	"github.com/metno/syncer/internal/syncevent"
	"github.com/metno/syncer/internal/wdb"
	"github.com/metno/syncer/internal/wdb2ts"
)

// Container holds every wired component for the lifetime of one daemon
// process.
type Container struct {
	DB       *statedb.DB
	Reporter *reporter.Reporter
	Catalog  catalog.Catalog
	Listener *listener.Listener
	Loader   *loader.Loader
	Server   *server.Server
	NewData  *syncevent.Event
}

// Close releases every resource Wire opened. Safe to call once, after the
// Listener and Loader goroutines have stopped.
func (c *Container) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

// Wire builds a Container from cfg. newConsumer is the Listener's
// bus.Consumer factory; the real product-status broker client is an
// external collaborator outside this daemon's scope, so callers construct
// it (or a bus.Local stand-in for local/dev runs) and pass it in rather
// than Wire reaching for a concrete implementation.
func Wire(cfg *config.Config, newConsumer listener.ConsumerFactory, adminPort int, log zerolog.Logger) (*Container, error) {
	db, err := statedb.Open(cfg.StateDatabaseFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	rep := reporter.New(prometheus.DefaultRegisterer, db)

	cat := catalog.NewClient(catalog.Config{
		BaseURL:   cfg.ProductStatusURL,
		VerifySSL: cfg.ProductStatusVerifySSL,
	}, log)

	wdbDriver := wdb.New(cfg.WDBHost, cfg.WDBUser, log)
	wdb2tsDriver := wdb2ts.New(cfg.WDB2TSBaseURL, cfg.WDB2TSServices, log)

	newData := syncevent.New()

	l := listener.New(newConsumer, cat, cfg.Registry, db, rep, newData, log)
	l.MaxHeartbeatDelay = cfg.MaxHeartbeatDelay

	dl := loader.New(db, cat, cfg.Registry, wdbDriver, wdb2tsDriver, rep, log)

	srv := server.New(server.Config{
		Port:                adminPort,
		Log:                 log,
		LastHeartbeat:       l.LastHeartbeat,
		LastLoaderIteration: dl.LastIteration,
		MaxHeartbeatDelay:   cfg.MaxHeartbeatDelay,
	})

	return &Container{
		DB:       db,
		Reporter: rep,
		Catalog:  cat,
		Listener: l,
		Loader:   dl,
		Server:   srv,
		NewData:  newData,
	}, nil
}
