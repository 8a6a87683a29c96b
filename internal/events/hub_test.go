package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeByType(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(4, EventSyncFailed)

	h.EmitSyncFailed("f1", "m1", 3, errors.New("down"))
	h.EmitTemplateApplied("t1", "d1", 5)

	select {
	case e := <-ch:
		assert.Equal(t, EventSyncFailed, e.Type)
		data, ok := e.Data.(SyncData)
		require.True(t, ok)
		assert.Equal(t, "f1", data.FilterID)
		assert.Equal(t, "down", data.Error)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected event %v for type-filtered subscriber", e.Type)
	default:
	}
}

func TestGlobalSubscriberReceivesAll(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(8)

	h.EmitTemplateApplied("t1", "d1", 2)
	h.EmitSyncFailed("f1", "", 1, errors.New("x"))

	var got []EventType
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			got = append(got, e.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []EventType{EventTemplateApplied, EventSyncFailed}, got)
}

func TestFullSubscriberDropsNotBlocks(t *testing.T) {
	h := NewHub()
	h.Subscribe(1, EventRuleAdded)

	// Second publish must not block even though nobody drains.
	h.Publish(Event{Type: EventRuleAdded})
	h.Publish(Event{Type: EventRuleAdded})

	published, dropped := h.Stats()
	assert.Equal(t, uint64(2), published)
	assert.Equal(t, uint64(1), dropped)
}

func TestConcurrentPublishCountsEveryEvent(t *testing.T) {
	h := NewHub()
	h.Subscribe(1, EventRuleAdded)

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				h.Publish(Event{Type: EventRuleAdded})
			}
		}()
	}
	wg.Wait()

	published, dropped := h.Stats()
	assert.Equal(t, uint64(workers*perWorker), published)
	assert.GreaterOrEqual(t, published, dropped)
}

func TestUnsubscribe(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(4, EventRuleAdded)
	h.Unsubscribe(ch)

	h.Publish(Event{Type: EventRuleAdded})

	select {
	case <-ch:
		t.Fatal("unsubscribed channel received event")
	default:
	}
}
