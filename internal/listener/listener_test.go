package listener

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	"github.com/metno/syncer/internal/bus"
	"github.com/metno/syncer/internal/catalog"
	"github.com/metno/syncer/internal/catalogtest"
	"github.com/metno/syncer/internal/registry"
	"github.com/metno/syncer/internal/reporter"
	"github.com/metno/syncer/internal/statedb"
	"github.com/metno/syncer/internal/syncevent"
)

func openTestDB(t *testing.T) *statedb.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := statedb.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// mustSection builds a minimal [model_*] ini.Section for FromSection,
// matching the shape config.Load produces from a configuration file.
func mustSection(t *testing.T, backend string) *ini.Section {
	t.Helper()
	file := ini.Empty()
	section, err := file.NewSection("model_nordic_ec")
	require.NoError(t, err)
	_, err = section.NewKey("product", "nordic-ec")
	require.NoError(t, err)
	_, err = section.NewKey("servicebackend", backend)
	require.NoError(t, err)
	_, err = section.NewKey("data_provider", "dp")
	require.NoError(t, err)
	_, err = section.NewKey("load_program", "wdbLoad")
	require.NoError(t, err)
	_, err = section.NewKey("model_run_age_warning", "1h")
	require.NoError(t, err)
	return section
}

func newFactory(c *bus.Local) ConsumerFactory {
	return func(ctx context.Context, groupID string) (bus.Consumer, error) {
		return localConsumer{c}, nil
	}
}

// localConsumer adapts *bus.Local (which is reused across reconnects in
// tests) to the per-attempt bus.Consumer the real broker client would
// return fresh each time; Close is a no-op so the shared Local survives
// across simulated reconnects within one test.
type localConsumer struct{ l *bus.Local }

func (c localConsumer) Events(ctx context.Context) <-chan bus.RawEvent { return c.l.Events(ctx) }
func (c localConsumer) Close() error                                  { return nil }

func TestListener_DataInstanceEvent_EnqueuesAndSignals(t *testing.T) {
	db := openTestDB(t)
	cat := catalogtest.New()
	cat.AddProductInstance(catalog.ProductInstance{
		ID:            "pi-1",
		Product:       catalog.Product{ID: "nordic-ec"},
		ReferenceTime: time.Date(2015, 1, 19, 16, 4, 40, 0, time.UTC),
		Version:       1,
	})
	cat.AddDataInstance("pi-1", catalog.DataInstance{ID: "di-1", DataID: "d-1", ServiceBackend: "disk1"})

	reg := registry.New()
	mc, err := registry.FromSection("nordic_ec", mustSection(t, "disk1"))
	require.NoError(t, err)
	require.NoError(t, reg.Add(mc))

	rep := reporter.New(prometheus.NewRegistry(), db)
	newData := syncevent.New()
	local := bus.NewLocal(4)

	l := New(newFactory(local), cat, reg, db, rep, newData, zerolog.Nop())
	l.now = func() time.Time { return time.Now() }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	local.Publish(bus.RawEvent{
		Kind:             bus.KindResource,
		Resource:         bus.ResourceKindDataInstance,
		ID:               "di-1",
		MessageTimestamp: time.Now().Add(-3 * time.Second),
	})

	require.True(t, newData.Wait())

	pending, err := db.PendingProductInstances(context.Background())
	require.NoError(t, err)
	assert.Contains(t, pending, "pi-1")

	cancel()
	<-done
}

func TestListener_UnmatchedBackend_IsIgnored(t *testing.T) {
	db := openTestDB(t)
	cat := catalogtest.New()
	cat.AddProductInstance(catalog.ProductInstance{ID: "pi-1", Product: catalog.Product{ID: "nordic-ec"}})
	cat.AddDataInstance("pi-1", catalog.DataInstance{ID: "di-1", DataID: "d-1", ServiceBackend: "disk9"})

	reg := registry.New()
	mc, err := registry.FromSection("nordic_ec", mustSection(t, "disk1"))
	require.NoError(t, err)
	require.NoError(t, reg.Add(mc))

	rep := reporter.New(prometheus.NewRegistry(), db)
	newData := syncevent.New()
	local := bus.NewLocal(4)

	l := New(newFactory(local), cat, reg, db, rep, newData, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	defer cancel()

	local.Publish(bus.RawEvent{Kind: bus.KindResource, Resource: bus.ResourceKindDataInstance, ID: "di-1", MessageTimestamp: time.Now().Add(-3 * time.Second)})

	time.Sleep(50 * time.Millisecond)
	pending, err := db.PendingProductInstances(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestListener_MinimumEventAge_DelaysLookup(t *testing.T) {
	db := openTestDB(t)
	cat := catalogtest.New()
	cat.AddProductInstance(catalog.ProductInstance{ID: "pi-1", Product: catalog.Product{ID: "nordic-ec"}})
	cat.AddDataInstance("pi-1", catalog.DataInstance{ID: "di-1", DataID: "d-1", ServiceBackend: "disk1"})

	reg := registry.New()
	mc, err := registry.FromSection("nordic_ec", mustSection(t, "disk1"))
	require.NoError(t, err)
	require.NoError(t, reg.Add(mc))

	rep := reporter.New(prometheus.NewRegistry(), db)
	newData := syncevent.New()
	local := bus.NewLocal(4)
	l := New(newFactory(local), cat, reg, db, rep, newData, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	published := time.Now()
	local.Publish(bus.RawEvent{Kind: bus.KindResource, Resource: bus.ResourceKindDataInstance, ID: "di-1", MessageTimestamp: published})

	require.True(t, newData.Wait())
	assert.GreaterOrEqual(t, time.Since(published), minimumEventAge-10*time.Millisecond)
}

func TestListener_Stop_UnblocksWaiter(t *testing.T) {
	newData := syncevent.New()
	db := openTestDB(t)
	rep := reporter.New(prometheus.NewRegistry(), db)
	l := New(newFactory(bus.NewLocal(1)), catalogtest.New(), registry.New(), db, rep, newData, zerolog.Nop())

	l.Stop()
	assert.False(t, newData.Wait())
}
