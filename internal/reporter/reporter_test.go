package reporter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/metno/syncer/internal/statedb"
)

func newTestReporter(t *testing.T) (*Reporter, *prometheus.Registry) {
	t.Helper()
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := prometheus.NewRegistry()
	return New(reg, db), reg
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if pair.GetValue() == label {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestIncr(t *testing.T) {
	r, reg := newTestReporter(t)
	r.Incr(EventDataAvailable)
	r.Incr(EventDataAvailable)
	r.Incr(EventLoadFailed)

	require.Equal(t, float64(2), counterValue(t, reg, "syncer_events_total", EventDataAvailable))
	require.Equal(t, float64(1), counterValue(t, reg, "syncer_events_total", EventLoadFailed))
}

func TestRecordLastIncoming(t *testing.T) {
	r, _ := newTestReporter(t)
	ctx := context.Background()
	ref := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, r.RecordLastIncoming(ctx, "nordic_ec", EventDataAvailable, "di-1", ref))

	last, found, err := r.db.GetLastIncoming(ctx, "nordic_ec", EventDataAvailable)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "di-1", last.DataInstanceID)
}
