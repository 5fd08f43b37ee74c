package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishAndSnapshot(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish("tick", map[string]int{"n": i})
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, ids(all))

	assert.Equal(t, []int64{5}, ids(h.SnapshotSince(4)))
	assert.Empty(t, h.SnapshotSince(5))
}

func TestHub_NilDataIsEmptyObject(t *testing.T) {
	h := NewHub(0)
	ev := h.Publish("x", nil)
	assert.JSONEq(t, `{}`, string(ev.Data))
}

func TestHub_SubscribeReceivesLive(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish("a", map[string]string{"k": "v"})

	ev := <-ch
	assert.Equal(t, "a", ev.Type)
	var got map[string]string
	require.NoError(t, json.Unmarshal(ev.Data, &got))
	assert.Equal(t, "v", got["k"])
}

func TestHub_SubscribeSinceHasNoGap(t *testing.T) {
	h := NewHub(10)
	h.Publish("a", nil)
	h.Publish("b", nil)

	backlog, ch, cancel := h.SubscribeSince(1)
	defer cancel()
	h.Publish("c", nil)

	assert.Equal(t, []int64{2}, ids(backlog))
	assert.Equal(t, int64(3), (<-ch).ID)
}

func TestHub_CancelClosesChannelOnce(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()
	assert.Equal(t, 1, h.Subscribers())

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers())
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(10)
	_, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		h.Publish("flood", nil)
	}
	assert.Equal(t, int64(5), h.Dropped())
}

func ids(evs []Event) []int64 {
	out := make([]int64, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.ID)
	}
	return out
}
