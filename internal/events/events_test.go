package events

import (
	"encoding/json"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsSequence(t *testing.T) {
	log := NewLog(10)

	first := log.Publish(Event{Type: EventRequestSent, RequestID: 1})
	second := log.Publish(Event{Type: EventRequestFulfilled, RequestID: 1})

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, uint64(2), log.LastSeq())
}

func TestSinceReturnsOldestFirst(t *testing.T) {
	log := NewLog(10)
	for i := uint64(1); i <= 4; i++ {
		log.Publish(Event{Type: EventRequestSent, RequestID: i})
	}

	got := log.Since(2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[0].RequestID)
	assert.Equal(t, uint64(4), got[1].RequestID)
}

func TestRingOverwritesOldest(t *testing.T) {
	log := NewLog(3)
	for i := uint64(1); i <= 5; i++ {
		log.Publish(Event{Type: EventRequestSent, RequestID: i})
	}

	assert.Equal(t, 3, log.Count())
	all := log.Since(0)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), all[0].RequestID)

	recent := log.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(5), recent[0].RequestID)
	assert.Equal(t, uint64(4), recent[1].RequestID)
}

func TestSubscribeInOrderAndCancel(t *testing.T) {
	log := NewLog(10)

	var seen []uint64
	cancel := log.Subscribe(func(ev Event) { seen = append(seen, ev.Seq) })

	log.Publish(Event{Type: EventRequestSent, RequestID: 1})
	log.Publish(Event{Type: EventRequestSent, RequestID: 2})
	cancel()
	log.Publish(Event{Type: EventRequestSent, RequestID: 3})

	assert.Equal(t, []uint64{1, 2}, seen)
}

func TestSubscribeFiltered(t *testing.T) {
	log := NewLog(10)

	var fulfilled int
	log.SubscribeFiltered(func(ev Event) bool { return ev.Type == EventRequestFulfilled }, func(Event) { fulfilled++ })

	log.Publish(Event{Type: EventRequestSent, RequestID: 1})
	log.Publish(Event{Type: EventRequestFulfilled, RequestID: 1})

	assert.Equal(t, 1, fulfilled)
}

func TestByRequest(t *testing.T) {
	log := NewLog(10)
	log.Publish(Event{Type: EventRequestSent, RequestID: 1})
	log.Publish(Event{Type: EventRequestSent, RequestID: 2})
	log.Publish(Event{Type: EventRequestFulfilled, RequestID: 1})

	got := log.ByRequest(1)
	require.Len(t, got, 2)
	assert.Equal(t, EventRequestSent, got[0].Type)
	assert.Equal(t, EventRequestFulfilled, got[1].Type)
}

func TestEventJSONAmounts(t *testing.T) {
	ev := Event{
		Seq:         1,
		Type:        EventRequestSent,
		RequestID:   1,
		NumWords:    1,
		Paid:        uint256.MustFromDecimal("7873333333333333332"),
		RandomWords: []*uint256.Int{uint256.NewInt(9)},
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "7873333333333333332", decoded["paid"])
	assert.Equal(t, "RequestSent", decoded["type"])
	assert.Equal(t, []interface{}{"9"}, decoded["random_words"])
}
