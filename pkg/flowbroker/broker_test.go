package flowbroker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitAssignsMonotonicSeq(t *testing.T) {
	b := New()
	m1 := b.Emit("s1", FlowThought, map[string]any{"thought": "a"})
	m2 := b.Emit("s1", FlowThought, map[string]any{"thought": "b"})
	assert.Equal(t, uint64(1), m1.StreamSeq)
	assert.Equal(t, uint64(2), m2.StreamSeq)
}

func TestSeqIsPerSession(t *testing.T) {
	b := New()
	b.Emit("s1", FlowThought, nil)
	m := b.Emit("s2", FlowThought, nil)
	assert.Equal(t, uint64(1), m.StreamSeq)
}

func TestReplayReturnsTailAfterSeq(t *testing.T) {
	b := New()
	for i := 0; i < 5; i++ {
		b.Emit("s1", FlowThought, map[string]any{"i": i})
	}
	tail := b.Replay("s1", 3)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[0].StreamSeq)
	assert.Equal(t, uint64(5), tail[1].StreamSeq)
}

func TestReplayDiscardsBeyondRetention(t *testing.T) {
	b := New(WithRetentionSize(3))
	for i := 0; i < 10; i++ {
		b.Emit("s1", FlowThought, nil)
	}
	tail := b.Replay("s1", 0)
	require.Len(t, tail, 3)
	assert.Equal(t, uint64(8), tail[0].StreamSeq)
	assert.Equal(t, uint64(10), tail[2].StreamSeq)
}

func TestSubscribeReceivesLiveMessages(t *testing.T) {
	b := New()
	sub, unsubscribe := b.Subscribe("s1")
	defer unsubscribe()

	b.Emit("s1", FlowThought, map[string]any{"thought": "hi"})
	msg, ok := sub.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, FlowThought, msg.FlowType)
}

func TestBackpressureDropsOldestThoughtFirst(t *testing.T) {
	var dropped []SessionFlowMessage
	b := New(WithSubscriberCap(2), WithDropHook(func(sessionID string, d SessionFlowMessage) {
		dropped = append(dropped, d)
	}))
	sub, unsubscribe := b.Subscribe("s1")
	defer unsubscribe()

	b.Emit("s1", FlowThought, map[string]any{"i": 1})
	b.Emit("s1", FlowThought, map[string]any{"i": 2})
	b.Emit("s1", FlowThought, map[string]any{"i": 3}) // triggers backpressure

	require.Len(t, dropped, 1)
	assert.Equal(t, FlowThought, dropped[0].FlowType)

	first, ok := sub.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, uint64(2), first.StreamSeq) // seq 1 was evicted
}

func TestFinalAnswerNeverDropped(t *testing.T) {
	var dropped []SessionFlowMessage
	b := New(WithSubscriberCap(1), WithDropHook(func(sessionID string, d SessionFlowMessage) {
		dropped = append(dropped, d)
	}))
	sub, unsubscribe := b.Subscribe("s1")
	defer unsubscribe()

	b.Emit("s1", FlowThought, nil)
	b.Emit("s1", FlowFinalAnswer, map[string]any{"answer": "done"}) // the thought is evicted to make room; this is kept

	for _, d := range dropped {
		assert.NotEqual(t, FlowFinalAnswer, d.FlowType)
	}

	// Bounded reads: Next blocks while the queue is empty.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var sawFinal bool
	for i := 0; i < 2; i++ {
		msg, ok := sub.Next(ctx)
		if !ok {
			break
		}
		if msg.FlowType == FlowFinalAnswer {
			sawFinal = true
		}
	}
	assert.True(t, sawFinal)
}

func TestMessageSerializesExpectedWireFields(t *testing.T) {
	b := New()
	msg := b.Emit("s1", FlowThought, map[string]any{"thought": "hi"})

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, key := range []string{"session_id", "stream_seq", "displayed_at", "flow_type", "content", "raw_payload"} {
		assert.Contains(t, fields, key)
	}
}

func TestEmitRawCarriesDistinctRawPayload(t *testing.T) {
	b := New()
	msg := b.EmitRaw("s1", FlowToolResult, map[string]any{"summary": "ok"}, map[string]any{"full": "result object"})
	assert.Equal(t, map[string]any{"summary": "ok"}, msg.Content)
	assert.Equal(t, map[string]any{"full": "result object"}, msg.RawPayload)
}

func TestUnsubscribeClosesSubscription(t *testing.T) {
	b := New()
	sub, unsubscribe := b.Subscribe("s1")
	unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := sub.Next(ctx)
	assert.False(t, ok)
}
