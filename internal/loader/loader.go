// Package loader drives pending work: it polls the state database,
// resolves pending product instances against the external catalog, and
// walks each configured model's backend alternatives through WDB and
// WDB2TS.
package loader

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/metno/syncer/internal/catalog"
	"github.com/metno/syncer/internal/registry"
	"github.com/metno/syncer/internal/reporter"
	"github.com/metno/syncer/internal/statedb"
	"github.com/metno/syncer/internal/wdb"
)

// WDBDriver is the subset of wdb.Driver the loader depends on, abstracted
// so tests can drive the pipeline without spawning real subprocesses.
type WDBDriver interface {
	LoadModelFile(ctx context.Context, di catalog.DataInstance, mc *registry.ModelConfig) error
	CacheModelRun(ctx context.Context, pi catalog.ProductInstance, mc *registry.ModelConfig) error
}

// WDB2TSDriver is the subset of wdb2ts.Driver the loader depends on.
type WDB2TSDriver interface {
	Update(ctx context.Context, pi catalog.ProductInstance, mc *registry.ModelConfig) error
}

// Loader is the DataLoader component.
type Loader struct {
	db       *statedb.DB
	catalog  catalog.Catalog
	registry *registry.Registry
	wdb      WDBDriver
	wdb2ts   WDB2TSDriver
	reporter *reporter.Reporter
	log      zerolog.Logger

	// ErrorBackoff is the delay applied after a load/cache/update
	// failure before the next alternative or iteration is attempted.
	ErrorBackoff time.Duration

	lastIteration atomic.Int64 // unix nanoseconds
}

// LastIteration returns the time Process last completed, or the zero time
// if it has never run. Used by /healthz to report loader liveness.
func (l *Loader) LastIteration() time.Time {
	nanos := l.lastIteration.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// New builds a Loader.
func New(db *statedb.DB, cat catalog.Catalog, reg *registry.Registry, wdbDriver WDBDriver, wdb2tsDriver WDB2TSDriver, rep *reporter.Reporter, log zerolog.Logger) *Loader {
	return &Loader{
		db:           db,
		catalog:      cat,
		registry:     reg,
		wdb:          wdbDriver,
		wdb2ts:       wdb2tsDriver,
		reporter:     rep,
		log:          log.With().Str("component", "loader").Logger(),
		ErrorBackoff: 30 * time.Second,
	}
}

// Process runs one iteration: every pending product instance is resolved
// against the catalog and, unless already loaded (and not forced),
// processed.
func (l *Loader) Process(ctx context.Context) error {
	defer l.lastIteration.Store(time.Now().UnixNano())

	pending, err := l.db.PendingProductInstances(ctx)
	if err != nil {
		return err
	}

	for pid, force := range pending {
		pi, err := l.catalog.ProductInstance(ctx, pid)
		if err != nil {
			l.log.Error().Err(err).Str("productinstance", pid).Msg("failed to resolve pending productinstance")
			continue
		}

		loaded, err := l.db.IsLoaded(ctx, pid)
		if err != nil {
			return err
		}
		if loaded && !force {
			if err := l.db.Done(ctx, pi.Product.ID); err != nil {
				return err
			}
			continue
		}

		l.processProductInstance(ctx, pi, force)
	}
	return nil
}

// modelAlternatives pairs one matching model with its ordered list of
// backend-alternatives, each alternative being every data instance bound
// to one of the model's configured backends.
type modelAlternatives struct {
	model        *registry.ModelConfig
	alternatives [][]catalog.DataInstance
}

func (l *Loader) processProductInstance(ctx context.Context, pi catalog.ProductInstance, force bool) {
	dataInstances, err := l.catalog.DataInstancesOf(ctx, pi)
	if err != nil {
		l.log.Error().Err(err).Str("productinstance", pi.ID).Msg("failed to list data instances")
		return
	}

	mapping := l.buildMapping(pi, dataInstances)
	if len(mapping) == 0 {
		if force {
			l.log.Error().Str("productinstance", pi.ID).Msg("forced productinstance has no usable data instances for any configured model")
		} else {
			l.log.Info().Str("productinstance", pi.ID).Msg("productinstance has no usable data instances yet, skipping")
		}
		return
	}

	timer := reporter.NewTimer()
	for _, entry := range mapping {
		l.runModel(ctx, pi, entry, force)
	}
	l.reporter.ObserveProductInstance(timer)
}

// buildMapping groups pi's data instances by every configured model whose
// product matches, preserving each model's configured backend order.
// Backends with no matching data instance are omitted from the
// alternative list rather than appearing as an empty entry.
func (l *Loader) buildMapping(pi catalog.ProductInstance, dataInstances []catalog.DataInstance) []modelAlternatives {
	var mapping []modelAlternatives
	for _, mc := range l.registry.ForProduct(pi.Product.ID) {
		var alternatives [][]catalog.DataInstance
		for _, backend := range mc.Backends() {
			var alt []catalog.DataInstance
			for _, di := range dataInstances {
				if di.ServiceBackend == backend {
					alt = append(alt, di)
				}
			}
			if len(alt) > 0 {
				alternatives = append(alternatives, alt)
			}
		}
		if len(alternatives) > 0 {
			mapping = append(mapping, modelAlternatives{model: mc, alternatives: alternatives})
		}
	}
	return mapping
}

// isAlternativeComplete is true if pi's completeness map marks any data
// instance in the alternative as complete for its (servicebackend,
// dataformat) pair.
func isAlternativeComplete(pi catalog.ProductInstance, alt []catalog.DataInstance) bool {
	for _, di := range alt {
		if pi.IsComplete(di.ServiceBackend, di.DataFormat) {
			return true
		}
	}
	return false
}

// runModel walks model's backend-alternatives in configured order,
// attempting the load sequence against the first alternative that is
// forced or complete. A WDBLoadFailed rotates the model's backend list
// and tries the next alternative; any other failure stops this model's
// processing for the current iteration without rotating, leaving the job
// pending for the next poll.
func (l *Loader) runModel(ctx context.Context, pi catalog.ProductInstance, entry modelAlternatives, force bool) {
	for _, alt := range entry.alternatives {
		if !force && !isAlternativeComplete(pi, alt) {
			continue
		}

		err := l.loadSequence(ctx, pi, entry.model, alt)
		if err == nil {
			if err := l.db.SetLoaded(ctx, pi.ID); err != nil {
				l.log.Error().Err(err).Str("productinstance", pi.ID).Msg("failed to record productinstance as loaded")
				return
			}
			if err := l.db.Done(ctx, pi.Product.ID); err != nil {
				l.log.Error().Err(err).Str("productinstance", pi.ID).Msg("failed to clear pending jobs")
			}
			return
		}

		var loadFailed *wdb.LoadFailedError
		if errors.As(err, &loadFailed) {
			l.reporter.Incr(reporter.EventLoadFailed)
			sleep(ctx, l.ErrorBackoff)
			entry.model.RotateBackend()
			continue
		}

		// WDBCacheFailed or any WDB2TS failure: counted and backed off,
		// but not retried against a different backend.
		l.reporter.Incr(reporter.EventLoadFailed)
		sleep(ctx, l.ErrorBackoff)
		return
	}
}

// loadSequence runs one alternative's load, cache and update steps.
func (l *Loader) loadSequence(ctx context.Context, pi catalog.ProductInstance, mc *registry.ModelConfig, alt []catalog.DataInstance) error {
	timer := reporter.NewTimer()
	defer l.reporter.ObserveAlternative(timer)

	for _, di := range alt {
		if err := l.wdb.LoadModelFile(ctx, di, mc); err != nil {
			return err
		}
	}
	lastDI := alt[len(alt)-1].ID
	l.reporter.Incr(reporter.EventWDBOK)
	if err := l.reporter.RecordLastIncoming(ctx, mc.Name, reporter.EventWDBOK, lastDI, pi.ReferenceTime); err != nil {
		l.log.Error().Err(err).Str("productinstance", pi.ID).Msg("failed to record last incoming event")
	}

	if err := l.wdb.CacheModelRun(ctx, pi, mc); err != nil {
		return err
	}

	if err := l.wdb2ts.Update(ctx, pi, mc); err != nil {
		return err
	}
	l.reporter.Incr(reporter.EventWDB2TSOK)
	if err := l.reporter.RecordLastIncoming(ctx, mc.Name, reporter.EventWDB2TSOK, lastDI, pi.ReferenceTime); err != nil {
		l.log.Error().Err(err).Str("productinstance", pi.ID).Msg("failed to record last incoming event")
	}
	l.reporter.Incr(reporter.EventDone)
	if err := l.reporter.RecordLastIncoming(ctx, mc.Name, reporter.EventDone, lastDI, pi.ReferenceTime); err != nil {
		l.log.Error().Err(err).Str("productinstance", pi.ID).Msg("failed to record last incoming event")
	}
	return nil
}

// sleep blocks for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// PopulateFromLatest is populate_database_with_latest_events_from_server:
// called once at startup after the Listener has begun listening. For each
// configured model it queries the catalog for the two most recent product
// instances of that model's product and enqueues those complete for the
// model's preferred backend and format netcdf.
func (l *Loader) PopulateFromLatest(ctx context.Context) error {
	for _, mc := range l.registry.All() {
		instances, err := l.catalog.LatestProductInstances(ctx, mc.Product, 2)
		if err != nil {
			return err
		}
		backends := mc.Backends()
		if len(backends) == 0 {
			continue
		}
		preferred := backends[0]

		for _, pi := range instances {
			if !pi.IsComplete(preferred, "netcdf") {
				continue
			}
			dataInstances, err := l.catalog.DataInstancesOf(ctx, pi)
			if err != nil {
				return err
			}
			if !anyBackendMatch(dataInstances, preferred) {
				continue
			}
			if err := l.db.AddProductInstanceToBeProcessed(ctx, pi.Product.ID, pi.ID, pi.ReferenceTime, pi.Version, false, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func anyBackendMatch(dataInstances []catalog.DataInstance, backend string) bool {
	for _, di := range dataInstances {
		if di.ServiceBackend == backend {
			return true
		}
	}
	return false
}
