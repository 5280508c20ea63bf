// Package reporter is the daemon's only externally visible progress signal:
// Prometheus counters and histograms plus a StateDB last_data upsert.
package reporter

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metno/syncer/internal/statedb"
)

// Event names form a closed set.
const (
	EventDataAvailable = statedb.EventDataAvailable
	EventWDBOK         = statedb.EventWDBOK
	EventWDB2TSOK      = statedb.EventWDB2TSOK
	EventDone          = statedb.EventDone
	EventLoadFailed    = "load failed"
)

// Reporter records daemon progress as Prometheus metrics and, for the
// per-(model, stage) events, as StateDB rows so a restart can answer "when
// did we last see data for this model".
type Reporter struct {
	events                  *prometheus.CounterVec
	alternativeDuration     prometheus.Histogram
	productinstanceDuration prometheus.Histogram
	db                      *statedb.DB
}

// New builds a Reporter and registers its collectors against reg.
func New(reg prometheus.Registerer, db *statedb.DB) *Reporter {
	r := &Reporter{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncer_events_total",
			Help: "Total number of syncer pipeline events by type.",
		}, []string{"event"}),
		alternativeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncer_backend_alternative_duration_seconds",
			Help:    "Time spent loading a single backend alternative (load, cache, update).",
			Buckets: prometheus.DefBuckets,
		}),
		productinstanceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncer_productinstance_duration_seconds",
			Help:    "Total time spent processing one product instance end to end.",
			Buckets: prometheus.DefBuckets,
		}),
		db: db,
	}
	reg.MustRegister(r.events, r.alternativeDuration, r.productinstanceDuration)
	return r
}

// Incr records one occurrence of event.
func (r *Reporter) Incr(event string) {
	r.events.WithLabelValues(event).Inc()
}

// Timer measures an in-flight operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveAlternative records the elapsed time since t was created against
// the backend-alternative histogram.
func (r *Reporter) ObserveAlternative(t *Timer) {
	r.alternativeDuration.Observe(time.Since(t.start).Seconds())
}

// ObserveProductInstance records the elapsed time since t was created
// against the end-to-end productinstance histogram.
func (r *Reporter) ObserveProductInstance(t *Timer) {
	r.productinstanceDuration.Observe(time.Since(t.start).Seconds())
}

// RecordLastIncoming persists the most recently observed event for a
// (model, type) pair in StateDB's last_data table, where it survives
// restarts and can be read back with statedb.DB.GetLastIncoming.
func (r *Reporter) RecordLastIncoming(ctx context.Context, model, eventType, dataInstanceID string, referenceTime time.Time) error {
	return r.db.SetLastIncoming(ctx, model, eventType, dataInstanceID, referenceTime)
}

// Handler exposes the Prometheus exposition format for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
