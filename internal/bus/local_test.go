package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_PublishAndEvents(t *testing.T) {
	l := NewLocal(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := l.Events(ctx)

	l.Publish(RawEvent{Kind: KindHeartbeat, MessageTimestamp: time.Now()})
	l.Publish(RawEvent{Kind: KindResource, Resource: ResourceKindDataInstance, ID: "di-1"})

	first := <-events
	assert.Equal(t, KindHeartbeat, first.Kind)

	second := <-events
	assert.Equal(t, KindResource, second.Kind)
	assert.Equal(t, "di-1", second.ID)
}

func TestLocal_EventsChannelClosesOnContextCancel(t *testing.T) {
	l := NewLocal(1)
	ctx, cancel := context.WithCancel(context.Background())

	events := l.Events(ctx)
	cancel()

	_, ok := <-events
	assert.False(t, ok)
	require.NoError(t, l.Close())
}

func TestLocal_PublishAfterCloseIsNoop(t *testing.T) {
	l := NewLocal(1)
	require.NoError(t, l.Close())
	assert.NotPanics(t, func() {
		l.Publish(RawEvent{Kind: KindHeartbeat})
	})
}

func TestNewConsumerGroupID_IsUnique(t *testing.T) {
	a := NewConsumerGroupID()
	b := NewConsumerGroupID()
	assert.NotEqual(t, a, b)
}
