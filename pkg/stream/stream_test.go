package stream

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/synergize/pkg/phase"
)

func TestEvent_EncodeWireFormat(t *testing.T) {
	ev := Event{Type: EventConnection, Payload: map[string]string{"sessionId": "s1"}}
	raw, err := ev.Encode()
	require.NoError(t, err)

	s := string(raw)
	assert.True(t, strings.HasPrefix(s, "data: "))
	assert.True(t, strings.HasSuffix(s, "\n\n"))

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(s, "data: "), "\n\n")), &decoded))
	assert.Equal(t, EventConnection, decoded.Type)
}

func TestHub_SingleSubscriberPerSession(t *testing.T) {
	h := NewHub(nil)

	_, _, err := h.Subscribe("s1", nil)
	require.NoError(t, err)

	_, _, err = h.Subscribe("s1", nil)
	assert.ErrorIs(t, err, ErrSubscriberExists)

	h.Unsubscribe("s1")
	_, _, err = h.Subscribe("s1", nil)
	assert.NoError(t, err, "session is free again after unsubscribe")
}

func TestHub_PublishDeliveryOrder(t *testing.T) {
	h := NewHub(nil)
	events, _, err := h.Subscribe("s1", nil)
	require.NoError(t, err)

	pub := h.NewPublisher("s1")
	require.NoError(t, pub.EmitTokens("gemma", phase.Brainstorm, []string{"15 "}, false))
	require.NoError(t, pub.EmitTokens("gemma", phase.Brainstorm, []string{"x "}, false))
	require.NoError(t, pub.EmitTokens("gemma", phase.Brainstorm, nil, true))

	var got []TokenChunkPayload
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			got = append(got, ev.Payload.(TokenChunkPayload))
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Equal(t, []string{"15 "}, got[0].Tokens)
	assert.Equal(t, []string{"x "}, got[1].Tokens)
	assert.True(t, got[2].IsComplete)
}

func TestHub_PublishWithoutSubscriber(t *testing.T) {
	h := NewHub(nil)
	err := h.Publish("ghost", Event{Type: EventError})
	assert.ErrorIs(t, err, ErrNoSubscriber)
}

func TestHub_UnsubscribeCancelsOrchestrator(t *testing.T) {
	h := NewHub(nil)
	var cancelled atomic.Bool
	_, done, err := h.Subscribe("s1", func() { cancelled.Store(true) })
	require.NoError(t, err)

	h.Unsubscribe("s1")
	assert.True(t, cancelled.Load())
	select {
	case <-done:
	default:
		t.Fatal("done channel must be closed after unsubscribe")
	}

	// Publishing after unsubscribe fails instead of blocking.
	err = h.Publish("s1", Event{Type: EventError})
	assert.ErrorIs(t, err, ErrNoSubscriber)

	// Idempotent.
	h.Unsubscribe("s1")
}

func TestHub_PublishAfterDetachDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	_, _, err := h.Subscribe("s1", nil)
	require.NoError(t, err)

	// Fill the buffer with nobody draining.
	for i := 0; i < sessionBufferSize; i++ {
		require.NoError(t, h.Publish("s1", Event{Type: EventTokenChunk}))
	}

	// Detach while the buffer is full; a pending publish must fail
	// promptly rather than wait out the slow-consumer timeout.
	go func() {
		time.Sleep(20 * time.Millisecond)
		h.Unsubscribe("s1")
	}()

	start := time.Now()
	err = h.Publish("s1", Event{Type: EventTokenChunk})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), slowConsumerTimeout)
}
