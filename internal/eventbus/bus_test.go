package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelcore/internal/planmodel"
)

func TestBus_DeliversInOrder(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var got []planmodel.EventKind

	sub := b.Subscribe(func(ev planmodel.Event) {
		mu.Lock()
		got = append(got, ev.Kind)
		mu.Unlock()
	}, 8)
	defer b.Unsubscribe(sub)

	b.Publish(planmodel.NewEvent(planmodel.EventTaskStarted, "t1", nil))
	b.Publish(planmodel.NewEvent(planmodel.EventStepStarted, "t1", nil))
	b.Publish(planmodel.NewEvent(planmodel.EventTaskCompleted, "t1", nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []planmodel.EventKind{
		planmodel.EventTaskStarted, planmodel.EventStepStarted, planmodel.EventTaskCompleted,
	}, got)
}

func TestBus_DropsOnFullQueueWithoutBlocking(t *testing.T) {
	b := New()
	block := make(chan struct{})
	sub := b.Subscribe(func(ev planmodel.Event) {
		<-block // never returns until test releases it
	}, 1)
	defer func() { close(block); b.Unsubscribe(sub) }()

	// First event is picked up immediately by the handler goroutine and
	// blocks it; the next publishes fill and then overflow the queue.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(planmodel.NewEvent(planmodel.EventStepCompleted, "t1", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}

	assert.Greater(t, sub.Dropped(), uint64(0))
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	sub := b.Subscribe(func(ev planmodel.Event) { count++ }, 8)
	b.Unsubscribe(sub)

	b.Publish(planmodel.NewEvent(planmodel.EventTaskStarted, "t1", nil))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, count)
	assert.Equal(t, 0, b.SubscriberCount())
}
