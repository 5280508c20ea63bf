// Package listener is the long-running event consumer on the
// product-status bus: it filters resource events down to the ones naming
// a configured model's backend, pushes pending work into the state
// database, and signals the main loop that new data is waiting.
package listener

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/metno/syncer/internal/bus"
	"github.com/metno/syncer/internal/catalog"
	"github.com/metno/syncer/internal/registry"
	"github.com/metno/syncer/internal/reporter"
	"github.com/metno/syncer/internal/statedb"
	"github.com/metno/syncer/internal/syncevent"
)

// minimumEventAge is the delay enforced between a resource event's
// message_timestamp and the DataInstance lookup that follows, so the bus
// becoming consistent after the publisher writes the record cannot race
// the Listener.
const minimumEventAge = 2500 * time.Millisecond

// ConsumerFactory builds a fresh bus.Consumer using groupID as the
// consumer group name, called once per connection attempt so a restart
// never resumes from a stale committed offset.
type ConsumerFactory func(ctx context.Context, groupID string) (bus.Consumer, error)

// Listener is the DataLoader's counterpart: it owns the only path by
// which externally observed events become pending work.
type Listener struct {
	newConsumer ConsumerFactory
	catalog     catalog.Catalog
	registry    *registry.Registry
	db          *statedb.DB
	reporter    *reporter.Reporter
	newData     *syncevent.Event
	log         zerolog.Logger

	// MaxHeartbeatDelay tears down and rebuilds the bus connection if no
	// heartbeat arrives within this window. Zero disables the watchdog.
	MaxHeartbeatDelay time.Duration

	// ReconnectBackoff is the initial delay between reconnect attempts
	// after a retriable transport error; it doubles on each consecutive
	// failure up to ReconnectBackoffMax.
	ReconnectBackoff    time.Duration
	ReconnectBackoffMax time.Duration

	// now is overridden in tests.
	now func() time.Time

	lastHeartbeat atomic.Int64 // unix nanoseconds
}

// LastHeartbeat returns the time of the most recently observed heartbeat
// event, or the zero time if none has been seen yet. Used by /healthz to
// report bus liveness.
func (l *Listener) LastHeartbeat() time.Time {
	nanos := l.lastHeartbeat.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// New builds a Listener. newData is the shared binary event the main loop
// waits on; Listener sets it whenever it enqueues relevant work and also
// on Stop, so a waiter blocked in Wait unblocks during shutdown too.
func New(newConsumer ConsumerFactory, cat catalog.Catalog, reg *registry.Registry, db *statedb.DB, rep *reporter.Reporter, newData *syncevent.Event, log zerolog.Logger) *Listener {
	return &Listener{
		newConsumer:         newConsumer,
		catalog:             cat,
		registry:            reg,
		db:                  db,
		reporter:            rep,
		newData:             newData,
		log:                 log.With().Str("component", "listener").Logger(),
		ReconnectBackoff:    time.Second,
		ReconnectBackoffMax: time.Minute,
		now:                 time.Now,
	}
}

// Run consumes the bus until ctx is canceled, rebuilding the connection
// at once whenever the consumer's channel closes early (transport error or
// heartbeat timeout). Failed attempts to build a connection are retried
// with exponential back-off. It returns nil on a clean ctx cancellation.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.ReconnectBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		groupID := bus.NewConsumerGroupID()
		consumer, err := l.newConsumer(ctx, groupID)
		if err != nil {
			l.log.Error().Err(err).Msg("failed to connect to product-status bus, retrying")
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, l.ReconnectBackoffMax)
			continue
		}

		clean := l.consume(ctx, consumer)
		consumer.Close()
		if clean {
			return nil
		}
		backoff = l.ReconnectBackoff
	}
}

// consume drains one connection's event channel until it closes (signaling
// a reconnect is needed) or ctx is done (signaling clean shutdown, in which
// case consume returns true).
func (l *Listener) consume(ctx context.Context, consumer bus.Consumer) bool {
	events := consumer.Events(ctx)

	var heartbeatTimer *time.Timer
	var heartbeatC <-chan time.Time
	if l.MaxHeartbeatDelay > 0 {
		heartbeatTimer = time.NewTimer(l.MaxHeartbeatDelay)
		defer heartbeatTimer.Stop()
		heartbeatC = heartbeatTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return true

		case <-heartbeatC:
			l.log.Warn().Dur("max_heartbeat_delay", l.MaxHeartbeatDelay).Msg("no heartbeat received in time, rebuilding bus connection")
			return false

		case event, ok := <-events:
			if !ok {
				l.log.Warn().Msg("bus consumer channel closed, reconnecting")
				return false
			}
			if heartbeatTimer != nil && event.Kind == bus.KindHeartbeat {
				if !heartbeatTimer.Stop() {
					<-heartbeatTimer.C
				}
				heartbeatTimer.Reset(l.MaxHeartbeatDelay)
			}
			l.handle(ctx, event)
		}
	}
}

func (l *Listener) handle(ctx context.Context, event bus.RawEvent) {
	switch event.Kind {
	case bus.KindHeartbeat:
		l.lastHeartbeat.Store(l.now().UnixNano())
		l.log.Debug().Msg("last_heartbeat")
	case bus.KindResource:
		if event.Resource != bus.ResourceKindDataInstance {
			return
		}
		l.handleDataInstance(ctx, event)
	}
}

func (l *Listener) handleDataInstance(ctx context.Context, event bus.RawEvent) {
	l.waitForEventAge(ctx, event.MessageTimestamp)

	di, err := l.catalog.DataInstance(ctx, event.ID)
	if err != nil {
		l.log.Error().Err(err).Str("datainstance", event.ID).Msg("failed to resolve datainstance from product-status")
		return
	}

	data, err := l.catalog.Data(ctx, di.DataID)
	if err != nil {
		l.log.Error().Err(err).Str("datainstance", event.ID).Msg("failed to resolve owning data record")
		return
	}

	pi, err := l.catalog.ProductInstance(ctx, data.ProductInstanceID)
	if err != nil {
		l.log.Error().Err(err).Str("datainstance", event.ID).Msg("failed to resolve owning productinstance")
		return
	}

	matches := l.registry.ForBackend(pi.Product.ID, di.ServiceBackend)
	if len(matches) == 0 {
		return
	}

	for _, mc := range matches {
		l.reporter.Incr(reporter.EventDataAvailable)
		if err := l.reporter.RecordLastIncoming(ctx, mc.Name, reporter.EventDataAvailable, di.ID, pi.ReferenceTime); err != nil {
			l.log.Error().Err(err).Msg("failed to record last incoming event")
		}
		if err := l.db.AddProductInstanceToBeProcessed(ctx, pi.Product.ID, pi.ID, pi.ReferenceTime, pi.Version, false, false); err != nil {
			l.log.Error().Err(err).Str("productinstance", pi.ID).Msg("failed to queue productinstance")
			continue
		}
	}
	l.newData.Set()
}

// waitForEventAge sleeps until at least minimumEventAge has elapsed since
// messageTimestamp, or ctx is canceled.
func (l *Listener) waitForEventAge(ctx context.Context, messageTimestamp time.Time) {
	age := l.now().Sub(messageTimestamp)
	if age >= minimumEventAge {
		return
	}
	sleepCtx(ctx, minimumEventAge-age)
}

// Stop permanently closes the shared event so any waiter in the main loop
// unblocks with Wait returning false. It does not itself cancel Run;
// callers cancel the context passed to Run.
func (l *Listener) Stop() {
	l.newData.Stop()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
