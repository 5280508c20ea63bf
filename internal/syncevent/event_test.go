package syncevent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvent_SetThenWait(t *testing.T) {
	e := New()
	e.Set()
	assert.True(t, e.Wait())
}

func TestEvent_RepeatedSetDoesNotBlock(t *testing.T) {
	e := New()
	done := make(chan struct{})
	go func() {
		e.Set()
		e.Set()
		e.Set()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Set blocked")
	}
	assert.True(t, e.Wait())
}

func TestEvent_StopUnblocksWait(t *testing.T) {
	e := New()
	result := make(chan bool, 1)
	go func() { result <- e.Wait() }()

	time.Sleep(10 * time.Millisecond)
	e.Stop()

	select {
	case got := <-result:
		assert.False(t, got)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Stop")
	}
}

func TestEvent_StopIsIdempotent(t *testing.T) {
	e := New()
	assert.NotPanics(t, func() {
		e.Stop()
		e.Stop()
	})
}
