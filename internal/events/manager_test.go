package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("corr-1", 8)
	defer m.Unsubscribe("corr-1", ch)

	m.Publish(Event{CorrelationID: "corr-1", Type: TypeBatchOpened})
	m.Publish(Event{CorrelationID: "corr-1", Type: TypeArtifactReceived, TaskID: "a"})
	// Different batch must not leak into this subscription.
	m.Publish(Event{CorrelationID: "corr-2", Type: TypeBatchOpened})

	ev := <-ch
	assert.Equal(t, TypeBatchOpened, ev.Type)
	ev = <-ch
	assert.Equal(t, TypeArtifactReceived, ev.Type)
	assert.Equal(t, "a", ev.TaskID)
	assert.Len(t, ch, 0)
}

func TestReplaySince(t *testing.T) {
	m := NewManager(16)
	for _, typ := range []string{TypeBatchOpened, TypeArtifactReceived, TypeQuorumMet, TypeBatchClosed} {
		m.Publish(Event{CorrelationID: "corr-1", Type: typ})
	}

	all := m.ReplaySince("corr-1", 0)
	require.Len(t, all, 3) // Seq 0 is excluded by "since"
	assert.Equal(t, TypeArtifactReceived, all[0].Type)
	assert.Equal(t, TypeBatchClosed, all[2].Type)

	none := m.ReplaySince("corr-1", 99)
	assert.Empty(t, none)

	m.Drop("corr-1")
	assert.Empty(t, m.ReplaySince("corr-1", 0))
}

func TestRingOverwrite(t *testing.T) {
	m := NewManager(2)
	for i := 0; i < 5; i++ {
		m.Publish(Event{CorrelationID: "c", Type: TypeArtifactReceived})
	}
	evs := m.ReplaySince("c", 0)
	// Ring holds only the newest two events.
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[1].Seq)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("corr-1", 1)
	defer m.Unsubscribe("corr-1", ch)

	// Second publish overflows the buffer and must be dropped, not block.
	m.Publish(Event{CorrelationID: "corr-1", Type: TypeBatchOpened})
	m.Publish(Event{CorrelationID: "corr-1", Type: TypeQuorumMet})

	ev := <-ch
	assert.Equal(t, TypeBatchOpened, ev.Type)
	assert.Len(t, ch, 0)
}
