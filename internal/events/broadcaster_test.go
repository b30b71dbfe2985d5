package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesProjectSubscribers(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe("p1")
	ch2 := b.Subscribe("p1")
	other := b.Subscribe("p2")
	defer b.Unsubscribe("p1", ch1)
	defer b.Unsubscribe("p1", ch2)
	defer b.Unsubscribe("p2", other)

	batch := Batch{
		Project: "p1",
		Events:  []Event{{Project: "p1", Kind: KindCreated, Path: "a.txt", Timestamp: time.Now()}},
	}
	b.Publish(batch)

	for _, ch := range []chan Batch{ch1, ch2} {
		select {
		case got := <-ch:
			require.Len(t, got.Events, 1)
			assert.Equal(t, KindCreated, got.Events[0].Kind)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive batch")
		}
	}

	select {
	case <-other:
		t.Fatal("other project received the batch")
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()

	ch := b.Subscribe("p1")
	assert.Equal(t, 1, b.Count("p1"))

	b.Unsubscribe("p1", ch)
	assert.Equal(t, 0, b.Count("p1"))

	_, open := <-ch
	assert.False(t, open)

	// Double unsubscribe is a no-op.
	b.Unsubscribe("p1", ch)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroadcaster()

	ch := b.Subscribe("p1")
	defer b.Unsubscribe("p1", ch)

	done := make(chan struct{})
	go func() {
		// Overflow the buffer; Publish must never block.
		for i := 0; i < 100; i++ {
			b.Publish(Batch{Project: "p1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}
