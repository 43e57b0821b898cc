package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestQueueCoalescesBurst(t *testing.T) {
	q := NewQueue()
	q.debounce = 50 * time.Millisecond

	var cycles atomic.Int32
	var firstReason atomic.Value
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx, func(msg model.TriggerMsg) {
			cycles.Add(1)
			firstReason.CompareAndSwap(nil, msg.Reason)
		})
	}()

	// A deposit burst: five events inside one debounce window.
	for i := 0; i < 5; i++ {
		q.Push(model.TriggerMsg{Kind: model.TriggerEvent, Reason: "vault deposit"})
	}

	assert.Eventually(t, func() bool { return cycles.Load() == 1 },
		time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), cycles.Load(), "burst must coalesce into one cycle")
	assert.Equal(t, "vault deposit", firstReason.Load())

	cancel()
	<-done
}

func TestQueueSeparateBurstsSeparateCycles(t *testing.T) {
	q := NewQueue()
	q.debounce = 20 * time.Millisecond

	var cycles atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, func(model.TriggerMsg) { cycles.Add(1) })

	q.Push(model.TriggerMsg{Kind: model.TriggerTimer, Reason: "interval"})
	assert.Eventually(t, func() bool { return cycles.Load() == 1 },
		time.Second, 5*time.Millisecond)

	q.Push(model.TriggerMsg{Kind: model.TriggerSentinel, Reason: "bound crossed"})
	assert.Eventually(t, func() bool { return cycles.Load() == 2 },
		time.Second, 5*time.Millisecond)
}
